package busobject

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/steamos/atomupd1d/internal/buserr"
	"github.com/steamos/atomupd1d/internal/candidates"
	"github.com/steamos/atomupd1d/internal/supervisor"
)

// CheckForUpdates refreshes the candidate cache from the query helper
// and returns the immediate and checkpoint candidate maps.
func (o *Object) CheckForUpdates(options map[string]dbus.Variant, sender dbus.Sender) (map[string]map[string]dbus.Variant, map[string]map[string]dbus.Variant, *dbus.Error) {
	if err := o.authorize("CheckForUpdates", sender); err != nil {
		return nil, nil, err
	}

	variant := o.effectiveVariant()
	if v, ok := options["variant"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			variant = s
		}
	}

	args := []string{
		"--config", o.cfg.ConfigPath,
		"--manifest-file", o.cfg.ManifestPath,
		"--variant", variant,
		"--query-only",
		"--estimate-download-size",
	}
	res, err := supervisor.RunQuery(context.Background(), o.queryHelper, args, o.queryTimeout)
	if err != nil {
		return nil, nil, dbusErrorFrom(err)
	}

	pendingID, _, _ := o.pendingRebootID()
	if err := o.store.Refresh(res.Stdout, pendingID); err != nil {
		return nil, nil, dbusErrorFrom(err)
	}

	return candidateVariantMap(o.store.Available()), candidateVariantMap(o.store.AvailableLater()), nil
}

// StartUpdate begins applying the named build-id.
func (o *Object) StartUpdate(id string, sender dbus.Sender) *dbus.Error {
	if err := o.authorize("StartUpdate", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.machine.StartUpdate(id))
}

// StartCustomUpdate applies a specific bundle URL instead of a
// candidate from the cache.
func (o *Object) StartCustomUpdate(options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	if err := o.authorize("StartCustomUpdate", sender); err != nil {
		return err
	}
	urlVariant, ok := options["url"]
	if !ok {
		return dbusErrorFrom(buserr.New(buserr.KindInvalidArg, "StartCustomUpdate requires a \"url\" option"))
	}
	url, ok := urlVariant.Value().(string)
	if !ok || url == "" {
		return dbusErrorFrom(buserr.New(buserr.KindInvalidArg, "StartCustomUpdate's \"url\" option must be a non-empty string"))
	}
	return dbusErrorFrom(o.machine.StartCustomUpdate(url))
}

// PauseUpdate freezes the running apply helper.
func (o *Object) PauseUpdate(sender dbus.Sender) *dbus.Error {
	if err := o.authorize("PauseUpdate", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.machine.Pause())
}

// ResumeUpdate unfreezes a paused apply helper.
func (o *Object) ResumeUpdate(sender dbus.Sender) *dbus.Error {
	if err := o.authorize("ResumeUpdate", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.machine.Resume())
}

// CancelUpdate terminates the running or paused apply helper.
func (o *Object) CancelUpdate(sender dbus.Sender) *dbus.Error {
	if err := o.authorize("CancelUpdate", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.machine.Cancel())
}

// SwitchToVariant persists a fully qualified variant as the chosen
// branch, suppressing the watcher's self-induced reaction.
func (o *Object) SwitchToVariant(variant string, sender dbus.Sender) *dbus.Error {
	if err := o.authorize("SwitchToVariant", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.writeChosenVariant(variant))
}

// SwitchToBranch persists a bare branch suffix, deriving the full
// variant from the manifest's base.
func (o *Object) SwitchToBranch(branch string, sender dbus.Sender) *dbus.Error {
	if err := o.authorize("SwitchToBranch", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.writeChosenBranch(branch))
}

// ReloadConfiguration re-reads client.conf/client-dev.conf and
// re-provisions credentials from the refreshed URLs.
func (o *Object) ReloadConfiguration(options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	if err := o.authorize("ReloadConfiguration", sender); err != nil {
		return err
	}
	return dbusErrorFrom(o.reloadConfiguration())
}

func candidateVariantMap(m map[string]candidates.Candidate) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(m))
	for id, c := range m {
		out[id] = map[string]dbus.Variant{
			"variant":        dbus.MakeVariant(c.Variant),
			"estimated_size": dbus.MakeVariant(c.EstimatedSize),
			"update_type":    dbus.MakeVariant(string(c.UpdateType)),
			"requires":       dbus.MakeVariant(c.Requires),
		}
	}
	return out
}
