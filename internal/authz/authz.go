// Package authz implements component C7's authorization gate: it maps
// each bus method name to a polkit-style action identifier and decides,
// per caller, whether the call is permitted. The YAML config shape and
// load-from-file idiom follows internal/pki/config.go's LoadPKIConfig.
package authz

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is a policy action identifier, e.g.
// "com.steampowered.Atomupd1.start-update".
type Action string

const actionPrefix = "com.steampowered.Atomupd1."

// defaultActions maps every bus method to its built-in action id. A
// deployment's policy config may override entries but not add methods
// the bus object doesn't export.
var defaultActions = map[string]Action{
	"CheckForUpdates":      actionPrefix + "check-for-updates",
	"StartUpdate":          actionPrefix + "start-update",
	"StartCustomUpdate":    actionPrefix + "start-custom-update",
	"PauseUpdate":          actionPrefix + "pause-update",
	"ResumeUpdate":         actionPrefix + "resume-update",
	"CancelUpdate":         actionPrefix + "cancel-update",
	"SwitchToVariant":      actionPrefix + "switch-variant",
	"SwitchToBranch":       actionPrefix + "switch-branch",
	"ReloadConfiguration":  actionPrefix + "reload-configuration",
}

// Caller identifies the party invoking a method, as much as the
// Authorizer needs to decide: its unique bus name and numeric uid.
type Caller struct {
	BusName string
	UID     uint32
}

// Authorizer decides whether a caller may perform action.
type Authorizer interface {
	IsAuthorized(caller Caller, action Action) bool
}

// AllowAll authorizes every request. It is the default when no policy
// backend (e.g. polkit) is wired in.
type AllowAll struct{}

func (AllowAll) IsAuthorized(Caller, Action) bool { return true }

// DenyAll rejects every request; useful in tests exercising
// scenario 6 ("Unauthorized caller").
type DenyAll struct{}

func (DenyAll) IsAuthorized(Caller, Action) bool { return false }

// UIDAllowlist authorizes a fixed set of uids for every action,
// regardless of which method is being called.
type UIDAllowlist struct {
	Allowed map[uint32]bool
}

func (a UIDAllowlist) IsAuthorized(caller Caller, _ Action) bool {
	return a.Allowed[caller.UID]
}

// Config is the policy config file's shape: per-method overrides of
// the built-in action identifiers.
type Config struct {
	Actions map[string]string `yaml:"actions,omitempty"`
}

// ActionTable resolves bus method names to action identifiers, using
// defaultActions unless a Config overrides a method.
type ActionTable struct {
	actions map[string]Action
}

// NewActionTable builds a table from the built-in defaults.
func NewActionTable() *ActionTable {
	t := &ActionTable{actions: make(map[string]Action, len(defaultActions))}
	for method, action := range defaultActions {
		t.actions[method] = action
	}
	return t
}

// LoadConfig reads a policy config file and applies its overrides.
// A missing file is not an error; the built-in defaults stand.
func LoadConfig(path string) (*ActionTable, error) {
	t := NewActionTable()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("reading policy config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing policy config %s: %w", path, err)
	}
	for method, action := range cfg.Actions {
		if _, known := t.actions[method]; !known {
			return nil, fmt.Errorf("policy config %s: unknown method %q", path, method)
		}
		t.actions[method] = Action(action)
	}
	return t, nil
}

// ActionFor returns the action identifier for a bus method name.
func (t *ActionTable) ActionFor(method string) (Action, bool) {
	a, ok := t.actions[method]
	return a, ok
}

// NotAuthorizedMessage is the literal error text required on
// denial.
const NotAuthorizedMessage = "User is not allowed to execute this method"
