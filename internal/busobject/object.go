// Package busobject implements component C7: the single façade type
// exported on the system bus. It composes every other subsystem the
// way internal/server/server.go's Server composes the HTTP API's
// collaborators, translates bus calls into calls against those
// collaborators, and serializes every property-changed signal behind
// one lock so causal order matches what the state machine produced.
package busobject

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/steamos/atomupd1d/internal/authz"
	"github.com/steamos/atomupd1d/internal/branchwatch"
	"github.com/steamos/atomupd1d/internal/buserr"
	"github.com/steamos/atomupd1d/internal/candidates"
	"github.com/steamos/atomupd1d/internal/config"
	"github.com/steamos/atomupd1d/internal/rebootmarker"
	"github.com/steamos/atomupd1d/internal/updatefsm"
)

const (
	// BusName is the well-known name the daemon acquires on the system bus.
	BusName = "com.steampowered.Atomupd1"
	// ObjectPath is the fixed object path the interface is exported at.
	ObjectPath = dbus.ObjectPath("/com/steampowered/Atomupd1")
	// InterfaceName is the interface all methods and properties live on.
	InterfaceName = "com.steampowered.Atomupd1"
	// apiVersion is the Version property's fixed value.
	apiVersion = uint32(1)

	defaultHelperName   = "steamos-atomupd-client-helper"
	defaultQueryTimeout = 30 * time.Second
)

// ManifestInfo is the subset of the system manifest the façade exposes
// as the CurrentVersion/KnownVariants/KnownBranches properties.
type ManifestInfo struct {
	BaseVariant string
	BuildID     string
	Variants    []string
}

// Deps bundles every collaborator the façade dispatches into.
type Deps struct {
	Conn         *dbus.Conn
	Config       *config.Config
	Manifest     ManifestInfo
	Store        *candidates.Store
	Machine      *updatefsm.Machine
	Marker       *rebootmarker.Marker
	Watcher      *branchwatch.Watcher
	Preferences  *config.Preferences
	Actions      *authz.ActionTable
	Authorizer   authz.Authorizer
	ConfigDir    string
	QueryHelper  string
	QueryTimeout time.Duration
}

// Object is the bus-facing façade composing the daemon's subsystems.
type Object struct {
	conn         *dbus.Conn
	cfg          *config.Config
	manifest     ManifestInfo
	store        *candidates.Store
	machine      *updatefsm.Machine
	marker       *rebootmarker.Marker
	watcher      *branchwatch.Watcher
	prefs        *config.Preferences
	actions      *authz.ActionTable
	authorizer   authz.Authorizer
	configDir    string
	queryHelper  string
	queryTimeout time.Duration

	mu sync.Mutex
}

// New builds the façade. Call Export to publish it on the bus.
func New(d Deps) *Object {
	authorizer := d.Authorizer
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	timeout := d.QueryTimeout
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	queryHelper := d.QueryHelper
	if queryHelper == "" {
		queryHelper = defaultHelperName
	}
	prefs := d.Preferences
	if prefs == nil {
		prefs = &config.Preferences{}
	}
	return &Object{
		conn:         d.Conn,
		cfg:          d.Config,
		manifest:     d.Manifest,
		store:        d.Store,
		machine:      d.Machine,
		marker:       d.Marker,
		watcher:      d.Watcher,
		prefs:        prefs,
		actions:      d.Actions,
		authorizer:   authorizer,
		configDir:    d.ConfigDir,
		queryHelper:  queryHelper,
		queryTimeout: timeout,
	}
}

// SetWatcher attaches the branch watcher once it has been constructed
// with this object's RepublishVariant as its change callback, closing
// the construction-order cycle between the two.
func (o *Object) SetWatcher(w *branchwatch.Watcher) {
	o.watcher = w
}

// Export registers the object, its Properties interface, and acquires
// the well-known bus name.
func (o *Object) Export() error {
	if err := o.conn.Export(o, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("exporting %s: %w", InterfaceName, err)
	}
	if err := o.conn.Export(propertiesAdaptor{o}, ObjectPath, "org.freedesktop.DBus.Properties"); err != nil {
		return fmt.Errorf("exporting properties interface: %w", err)
	}

	reply, err := o.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already owned", BusName)
	}
	return nil
}

// PublishSnapshot implements updatefsm.Publisher: it is called by the
// state machine's owner goroutine after every transition.
func (o *Object) PublishSnapshot(snap updatefsm.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := map[string]dbus.Variant{
		"UpdateStatus":            dbus.MakeVariant(statusCode(snap.Status)),
		"UpdateVersion":           dbus.MakeVariant(snap.UpdateVersion),
		"ProgressPercentage":      dbus.MakeVariant(snap.ProgressPercentage),
		"EstimatedCompletionTime": dbus.MakeVariant(unixOrZero(snap.EstimatedCompletionTime)),
		"FailureCode":             dbus.MakeVariant(snap.FailureCode),
		"FailureMessage":          dbus.MakeVariant(snap.FailureMessage),
	}
	o.emitPropertiesChangedLocked(changed)
}

// PublishVariant is called by the branch watcher (and by SwitchTo*
// handlers) when the effective variant/branch changes.
func (o *Object) PublishVariant(variant, branch string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitPropertiesChangedLocked(map[string]dbus.Variant{
		"Variant": dbus.MakeVariant(variant),
		"Branch":  dbus.MakeVariant(branch),
	})
}

func (o *Object) emitPropertiesChangedLocked(changed map[string]dbus.Variant) {
	err := o.conn.Emit(ObjectPath, "org.freedesktop.DBus.Properties.PropertiesChanged",
		InterfaceName, changed, []string{})
	if err != nil {
		log.Printf("busobject: emitting PropertiesChanged: %v", err)
	}
}

// unixOrZero reports t as a Unix timestamp, or 0 for a zero-value time
// (the idle/failed/not-yet-estimated case) so a freshly started daemon
// never publishes the zero-time sentinel's huge unsigned wraparound.
func unixOrZero(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func statusCode(s updatefsm.Status) uint32 {
	switch s {
	case updatefsm.StatusIdle:
		return 0
	case updatefsm.StatusInProgress:
		return 1
	case updatefsm.StatusPaused:
		return 2
	case updatefsm.StatusSuccessful:
		return 3
	case updatefsm.StatusFailed:
		return 4
	case updatefsm.StatusCancelled:
		return 5
	default:
		return 0
	}
}

// authorize consults the policy engine for method, identified by the
// sender's unique bus name. Denial is translated to the literal error
// string the authorization contract requires.
func (o *Object) authorize(method string, sender dbus.Sender) *dbus.Error {
	action, ok := o.actions.ActionFor(method)
	if !ok {
		return dbusErrorFrom(buserr.New(buserr.KindInvalidArg, "unknown method "+method))
	}
	caller := authz.Caller{BusName: string(sender), UID: o.callerUID(sender)}
	if !o.authorizer.IsAuthorized(caller, action) {
		return dbusErrorFrom(buserr.New(buserr.KindNotAuthorized, authz.NotAuthorizedMessage))
	}
	return nil
}

func (o *Object) callerUID(sender dbus.Sender) uint32 {
	var uid uint32
	err := o.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
	if err != nil {
		return 0
	}
	return uid
}

// dbusErrorFrom maps an internal classified error onto a D-Bus error
// name/message pair, keeping the literal message strings callers expect.
func dbusErrorFrom(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := InterfaceName + ".Error.Failed"
	if be, ok := buserr.As(err); ok {
		switch be.Kind {
		case buserr.KindNotAuthorized:
			name = InterfaceName + ".Error.NotAuthorized"
		case buserr.KindInvalidArg:
			name = InterfaceName + ".Error.InvalidArgument"
		case buserr.KindState:
			name = InterfaceName + ".Error.State"
		case buserr.KindHelperFailed:
			name = InterfaceName + ".Error.HelperFailed"
		case buserr.KindParse:
			name = InterfaceName + ".Error.Parse"
		case buserr.KindConfig:
			name = InterfaceName + ".Error.Config"
		case buserr.KindManifest:
			name = InterfaceName + ".Error.Manifest"
		}
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}
