// Package updatefsm implements component C5, the update state machine.
// A single owner goroutine mutates state, mirroring
// internal/server/scheduler.go's one-goroutine-per-concern shape: method
// calls and helper lifecycle events are both fed into one select loop so
// every transition happens on a single writer, and the bus object only
// ever observes a consistent, already-published Snapshot.
package updatefsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/steamos/atomupd1d/internal/buildid"
	"github.com/steamos/atomupd1d/internal/buserr"
	"github.com/steamos/atomupd1d/internal/supervisor"
)

// Status is the bus-visible UpdateStatus enum.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Snapshot is the full set of bus properties the state machine owns.
type Snapshot struct {
	Status                  Status
	UpdateVersion           string
	ProgressPercentage      float64
	EstimatedCompletionTime time.Time
	FailureCode             string
	FailureMessage          string
}

// Helper abstracts a running apply helper so the machine can be driven
// by tests without spawning real processes.
type Helper interface {
	Pause() error
	Resume() error
	Cancel() error
	CancelFromPaused() error
	Events() <-chan supervisor.Event
}

// StartFunc launches a new apply helper for targetID.
type StartFunc func(targetID string) (Helper, error)

// StartCustomFunc launches a new apply helper against a specific
// bundle URL rather than a cached candidate id.
type StartCustomFunc func(url string) (Helper, error)

// Candidates is the subset of the candidate store the machine needs to
// validate a StartUpdate request.
type Candidates interface {
	Refreshed() bool
	Contains(id string) bool
}

// RebootMarker persists and clears the pending-reboot marker file.
type RebootMarker interface {
	Write(targetID string) error
	Clear() error
}

// Publisher receives the snapshot after every transition.
type Publisher interface {
	PublishSnapshot(Snapshot)
}

type opKind int

const (
	opStart opKind = iota
	opStartCustom
	opPause
	opResume
	opCancel
)

type op struct {
	kind     opKind
	targetID string
	url      string
	reply    chan error
}

// Machine is the single-writer owner of update state.
type Machine struct {
	cmds chan op

	start       StartFunc
	startCustom StartCustomFunc
	candidates  Candidates
	marker      RebootMarker
	publisher   Publisher

	mu   sync.RWMutex
	snap Snapshot

	helper       Helper
	helperEvents <-chan supervisor.Event
	cancelling   bool
}

// New creates a Machine seeded with initial, the state recovered at
// startup from the pending-reboot marker (see Recover).
func New(initial Snapshot, start StartFunc, candidates Candidates, marker RebootMarker, publisher Publisher) *Machine {
	m := &Machine{
		cmds:       make(chan op),
		start:      start,
		candidates: candidates,
		marker:     marker,
		publisher:  publisher,
		snap:       initial,
	}
	go m.run()
	return m
}

// SetStartCustom wires the launcher StartCustomUpdate uses. Kept
// separate from New so tests that never exercise StartCustomUpdate
// don't need to supply one.
func (m *Machine) SetStartCustom(fn StartCustomFunc) {
	m.startCustom = fn
}

// SetPublisher wires the snapshot publisher. Kept separate from New so
// the bus object, which itself needs a *Machine to construct, can be
// attached after the machine already exists.
func (m *Machine) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// StartCustomUpdate begins applying a specific bundle URL rather than
// a candidate from the cache; it is otherwise subject to the same
// in-progress/paused preconditions as StartUpdate.
func (m *Machine) StartCustomUpdate(url string) error {
	return m.do(op{kind: opStartCustom, url: url})
}

// Recover computes the Snapshot a daemon restart should present: if the
// pending-reboot marker exists (hasMarker) the prior apply succeeded and
// is awaiting a reboot, with UpdateVersion set to pendingRebootID (""
// for an empty marker); otherwise the machine starts idle.
func Recover(pendingRebootID string, hasMarker bool) Snapshot {
	if !hasMarker {
		return Snapshot{Status: StatusIdle}
	}
	return Snapshot{Status: StatusSuccessful, UpdateVersion: pendingRebootID}
}

// Snapshot returns the current published state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// StartUpdate begins applying targetID. It returns once the apply
// helper has been launched; it does not wait for the apply to finish.
func (m *Machine) StartUpdate(targetID string) error {
	return m.do(op{kind: opStart, targetID: targetID})
}

// Pause requests SIGSTOP on the running apply helper.
func (m *Machine) Pause() error {
	return m.do(op{kind: opPause})
}

// Resume requests SIGCONT on a paused apply helper.
func (m *Machine) Resume() error {
	return m.do(op{kind: opResume})
}

// Cancel requests termination of the running (or paused) apply helper.
func (m *Machine) Cancel() error {
	return m.do(op{kind: opCancel})
}

func (m *Machine) do(o op) error {
	o.reply = make(chan error, 1)
	m.cmds <- o
	return <-o.reply
}

func (m *Machine) run() {
	for {
		select {
		case o := <-m.cmds:
			o.reply <- m.handle(o)
		case ev, ok := <-m.helperEvents:
			if !ok {
				m.helperEvents = nil
				continue
			}
			m.handleHelperEvent(ev)
		}
	}
}

func (m *Machine) handle(o op) error {
	status := m.Snapshot().Status
	switch o.kind {
	case opStart:
		return m.handleStart(status, o.targetID)
	case opStartCustom:
		return m.handleStartCustom(status, o.url)
	case opPause:
		return m.handlePause(status)
	case opResume:
		return m.handleResume(status)
	case opCancel:
		return m.handleCancel(status)
	default:
		return fmt.Errorf("updatefsm: unknown operation")
	}
}

func (m *Machine) handleStart(status Status, targetID string) error {
	if status == StatusInProgress || status == StatusPaused {
		return buserr.New(buserr.KindState, "An update is already in progress")
	}
	if _, err := buildid.Parse(targetID); err != nil {
		return err
	}
	if m.candidates == nil || !m.candidates.Refreshed() {
		return buserr.New(buserr.KindInvalidArg, `It is not possible to start an update before calling "CheckForUpdates"`)
	}
	if !m.candidates.Contains(targetID) {
		return buserr.New(buserr.KindInvalidArg, fmt.Sprintf("buildid %q is not a known update candidate", targetID))
	}

	h, err := m.start(targetID)
	if err != nil {
		return err
	}
	m.helper = h
	m.helperEvents = h.Events()
	m.publish(Snapshot{Status: StatusInProgress, UpdateVersion: targetID})
	return nil
}

func (m *Machine) handleStartCustom(status Status, url string) error {
	if status == StatusInProgress || status == StatusPaused {
		return buserr.New(buserr.KindState, "An update is already in progress")
	}
	if url == "" {
		return buserr.New(buserr.KindInvalidArg, "a custom update requires a non-empty url")
	}
	if m.startCustom == nil {
		return buserr.New(buserr.KindInvalidArg, "custom updates are not supported by this daemon")
	}

	h, err := m.startCustom(url)
	if err != nil {
		return err
	}
	m.helper = h
	m.helperEvents = h.Events()
	m.publish(Snapshot{Status: StatusInProgress, UpdateVersion: url})
	return nil
}

func (m *Machine) handlePause(status Status) error {
	if status != StatusInProgress {
		return buserr.New(buserr.KindState, "There isn't an update in progress that can be paused")
	}
	if err := m.helper.Pause(); err != nil {
		return err
	}
	snap := m.Snapshot()
	snap.Status = StatusPaused
	m.publish(snap)
	return nil
}

func (m *Machine) handleResume(status Status) error {
	if status != StatusPaused {
		return buserr.New(buserr.KindState, "There isn't a paused update that can be resumed")
	}
	if err := m.helper.Resume(); err != nil {
		return err
	}
	snap := m.Snapshot()
	snap.Status = StatusInProgress
	m.publish(snap)
	return nil
}

func (m *Machine) handleCancel(status Status) error {
	switch status {
	case StatusInProgress:
		if err := m.helper.Cancel(); err != nil {
			return err
		}
	case StatusPaused:
		if err := m.helper.CancelFromPaused(); err != nil {
			return err
		}
	default:
		return buserr.New(buserr.KindState, "There isn't an update in progress that can be cancelled")
	}
	m.cancelling = true
	return nil
}

func (m *Machine) handleHelperEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventStarted:
		// Nothing to publish; UpdateVersion was already set by handleStart.
	case supervisor.EventProgress:
		snap := m.Snapshot()
		snap.ProgressPercentage = ev.Percent
		snap.EstimatedCompletionTime = ev.ETA
		m.publish(snap)
	case supervisor.EventExited:
		m.handleExited(ev)
	}
}

func (m *Machine) handleExited(ev supervisor.Event) {
	snap := m.Snapshot()

	if m.cancelling {
		m.cancelling = false
		snap.Status = StatusCancelled
		snap.FailureCode = ""
		snap.FailureMessage = ""
		m.helper = nil
		m.helperEvents = nil
		m.publish(snap)
		return
	}

	if ev.ExitOK {
		snap.Status = StatusSuccessful
		snap.FailureCode = ""
		snap.FailureMessage = ""
		if m.marker != nil {
			m.marker.Write(snap.UpdateVersion)
		}
	} else {
		snap.Status = StatusFailed
		if buErr, ok := buserr.As(ev.ExitErr); ok {
			snap.FailureCode = string(buErr.Kind)
			snap.FailureMessage = buErr.Message
		} else if ev.ExitErr != nil {
			snap.FailureCode = string(buserr.KindHelperFailed)
			snap.FailureMessage = ev.ExitErr.Error()
		}
	}
	m.helper = nil
	m.helperEvents = nil
	m.publish(snap)
}

func (m *Machine) publish(snap Snapshot) {
	m.mu.Lock()
	m.snap = snap
	publisher := m.publisher
	m.mu.Unlock()
	if publisher != nil {
		publisher.PublishSnapshot(snap)
	}
}
