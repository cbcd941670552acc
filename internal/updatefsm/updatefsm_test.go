package updatefsm

import (
	"errors"
	"testing"
	"time"

	"github.com/steamos/atomupd1d/internal/buserr"
	"github.com/steamos/atomupd1d/internal/supervisor"
)

type fakeHelper struct {
	events       chan supervisor.Event
	pauseCalls   int
	resumeCalls  int
	cancelCalls  int
	pausedCancel int
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{events: make(chan supervisor.Event, 8)}
}

func (f *fakeHelper) Pause() error             { f.pauseCalls++; return nil }
func (f *fakeHelper) Resume() error            { f.resumeCalls++; return nil }
func (f *fakeHelper) Cancel() error            { f.cancelCalls++; return nil }
func (f *fakeHelper) CancelFromPaused() error  { f.pausedCancel++; return nil }
func (f *fakeHelper) Events() <-chan supervisor.Event { return f.events }

type fakeCandidates struct {
	refreshed bool
	known     map[string]bool
}

func (c *fakeCandidates) Refreshed() bool        { return c.refreshed }
func (c *fakeCandidates) Contains(id string) bool { return c.known[id] }

type fakeMarker struct {
	written string
	cleared bool
}

func (m *fakeMarker) Write(targetID string) error { m.written = targetID; return nil }
func (m *fakeMarker) Clear() error                { m.cleared = true; return nil }

type fakePublisher struct {
	snapshots []Snapshot
}

func (p *fakePublisher) PublishSnapshot(s Snapshot) { p.snapshots = append(p.snapshots, s) }

func waitForStatus(t *testing.T, m *Machine, want Status) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if m.Snapshot().Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %q, last seen %q", want, m.Snapshot().Status)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStartUpdateRequiresPriorCheck(t *testing.T) {
	cands := &fakeCandidates{refreshed: false}
	m := New(Snapshot{Status: StatusIdle}, nil, cands, &fakeMarker{}, &fakePublisher{})

	err := m.StartUpdate("20220227.3")
	if err == nil {
		t.Fatal("expected error")
	}
	want := `It is not possible to start an update before calling "CheckForUpdates"`
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}
}

func TestStartUpdateRejectsUnknownID(t *testing.T) {
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{}}
	m := New(Snapshot{Status: StatusIdle}, nil, cands, &fakeMarker{}, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err == nil {
		t.Fatal("expected error for unknown candidate")
	}
}

func TestStartUpdateRejectsBadBuildID(t *testing.T) {
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{}}
	m := New(Snapshot{Status: StatusIdle}, nil, cands, &fakeMarker{}, &fakePublisher{})

	err := m.StartUpdate("2023")
	if err == nil {
		t.Fatal("expected error")
	}
	want := `Buildid '2023' doesn't follow the expected YYYYMMDD[.N] format`
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}
}

func TestSuccessfulApplyWritesMarker(t *testing.T) {
	helper := newFakeHelper()
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{"20220227.3": true}}
	marker := &fakeMarker{}
	m := New(Snapshot{Status: StatusIdle}, func(string) (Helper, error) { return helper, nil }, cands, marker, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)

	helper.events <- supervisor.Event{Kind: supervisor.EventProgress, Percent: 16.08}
	waitForStatus(t, m, StatusInProgress)
	// The event is applied by the owner goroutine; give it time to land.
	progressDeadline := time.Now().Add(time.Second)
	for m.Snapshot().ProgressPercentage != 16.08 && time.Now().Before(progressDeadline) {
		time.Sleep(time.Millisecond)
	}
	if got := m.Snapshot().ProgressPercentage; got != 16.08 {
		t.Errorf("progress = %v, want 16.08", got)
	}

	helper.events <- supervisor.Event{Kind: supervisor.EventExited, ExitOK: true}
	waitForStatus(t, m, StatusSuccessful)

	if marker.written != "20220227.3" {
		t.Errorf("marker = %q, want 20220227.3", marker.written)
	}
}

func TestFailedApplyPublishesFailureFields(t *testing.T) {
	helper := newFakeHelper()
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{"20220227.3": true}}
	m := New(Snapshot{Status: StatusIdle}, func(string) (Helper, error) { return helper, nil }, cands, &fakeMarker{}, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)

	helper.events <- supervisor.Event{
		Kind:       supervisor.EventExited,
		ExitOK:     false,
		ExitStatus: 1,
		ExitErr:    buserr.New(buserr.KindHelperFailed, "helper failed: disk full"),
	}
	waitForStatus(t, m, StatusFailed)

	snap := m.Snapshot()
	if snap.FailureMessage != "helper failed: disk full" {
		t.Errorf("FailureMessage = %q", snap.FailureMessage)
	}
	if snap.FailureCode != string(buserr.KindHelperFailed) {
		t.Errorf("FailureCode = %q", snap.FailureCode)
	}
}

func TestPauseResumeAndDoublePauseError(t *testing.T) {
	helper := newFakeHelper()
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{"20220227.3": true}}
	m := New(Snapshot{Status: StatusIdle}, func(string) (Helper, error) { return helper, nil }, cands, &fakeMarker{}, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)

	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusPaused)
	if helper.pauseCalls != 1 {
		t.Errorf("pauseCalls = %d, want 1", helper.pauseCalls)
	}

	err := m.Pause()
	if err == nil {
		t.Fatal("expected error pausing an already-paused update")
	}
	want := "There isn't an update in progress that can be paused"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)
	if helper.resumeCalls != 1 {
		t.Errorf("resumeCalls = %d, want 1", helper.resumeCalls)
	}
}

func TestCancelFromInProgressWaitsForExit(t *testing.T) {
	helper := newFakeHelper()
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{"20220227.3": true}}
	m := New(Snapshot{Status: StatusIdle}, func(string) (Helper, error) { return helper, nil }, cands, &fakeMarker{}, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	if helper.cancelCalls != 1 {
		t.Errorf("cancelCalls = %d, want 1", helper.cancelCalls)
	}
	// Status must not jump to cancelled until the exit event arrives.
	if m.Snapshot().Status == StatusCancelled {
		t.Fatal("cancelled published before helper exited")
	}

	helper.events <- supervisor.Event{Kind: supervisor.EventExited, ExitOK: false, ExitErr: errors.New("terminated")}
	waitForStatus(t, m, StatusCancelled)
}

func TestCancelFromPausedSendsContThenTerm(t *testing.T) {
	helper := newFakeHelper()
	cands := &fakeCandidates{refreshed: true, known: map[string]bool{"20220227.3": true}}
	m := New(Snapshot{Status: StatusIdle}, func(string) (Helper, error) { return helper, nil }, cands, &fakeMarker{}, &fakePublisher{})

	if err := m.StartUpdate("20220227.3"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusInProgress)
	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, StatusPaused)

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	if helper.pausedCancel != 1 {
		t.Errorf("pausedCancel = %d, want 1", helper.pausedCancel)
	}

	helper.events <- supervisor.Event{Kind: supervisor.EventExited, ExitOK: false}
	waitForStatus(t, m, StatusCancelled)
}

func TestRecover(t *testing.T) {
	idle := Recover("", false)
	if idle.Status != StatusIdle {
		t.Errorf("Recover with no marker = %+v", idle)
	}
	restored := Recover("20220914.1", true)
	if restored.Status != StatusSuccessful || restored.UpdateVersion != "20220914.1" {
		t.Errorf("Recover with marker = %+v", restored)
	}
}
