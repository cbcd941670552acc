package busobject

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// propertiesAdaptor implements org.freedesktop.DBus.Properties by hand
// rather than through the godbus prop helper subpackage, so Get/GetAll/
// Set read straight from the façade's own collaborators instead of a
// separately maintained property cache.
type propertiesAdaptor struct {
	o *Object
}

func (p propertiesAdaptor) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != "" && iface != InterfaceName {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	all := p.o.allProperties()
	v, ok := all[property]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{property})
	}
	return v, nil
}

func (p propertiesAdaptor) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != "" && iface != InterfaceName {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	return p.o.allProperties(), nil
}

func (p propertiesAdaptor) Set(iface, property string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{property})
}

// allProperties builds the full property set from current state. It is
// read on demand rather than cached, so it always reflects the latest
// snapshot even between PropertiesChanged signals.
func (o *Object) allProperties() map[string]dbus.Variant {
	snap := o.machine.Snapshot()
	variant := o.effectiveVariant()
	branch := o.effectiveBranch()

	return map[string]dbus.Variant{
		"Version":                 dbus.MakeVariant(apiVersion),
		"UpdateStatus":            dbus.MakeVariant(statusCode(snap.Status)),
		"UpdateVersion":           dbus.MakeVariant(snap.UpdateVersion),
		"ProgressPercentage":      dbus.MakeVariant(snap.ProgressPercentage),
		"EstimatedCompletionTime": dbus.MakeVariant(unixOrZero(snap.EstimatedCompletionTime)),
		"FailureCode":             dbus.MakeVariant(snap.FailureCode),
		"FailureMessage":          dbus.MakeVariant(snap.FailureMessage),
		"Variant":                 dbus.MakeVariant(variant),
		"Branch":                  dbus.MakeVariant(branch),
		"CurrentVersion":          dbus.MakeVariant(o.manifest.BuildID),
		"KnownVariants":           dbus.MakeVariant(o.manifest.Variants),
		"KnownBranches":           dbus.MakeVariant(o.knownBranches()),
		"VersionsAvailable":       dbus.MakeVariant(candidateVariantMap(o.store.Available())),
		"VersionsAvailableLater":  dbus.MakeVariant(candidateVariantMap(o.store.AvailableLater())),
	}
}

// knownBranches derives the branch suffix list from the configured
// variants: the base variant contributes "release", every other entry
// contributes the text after its "-".
func (o *Object) knownBranches() []string {
	seen := map[string]bool{}
	var branches []string
	for _, v := range o.manifest.Variants {
		suffix := "release"
		if idx := strings.Index(v, "-"); idx >= 0 {
			suffix = v[idx+1:]
		}
		if !seen[suffix] {
			seen[suffix] = true
			branches = append(branches, suffix)
		}
	}
	return branches
}
