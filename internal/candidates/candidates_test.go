package candidates

import (
	"path/filepath"
	"testing"
)

const oneMinorJSON = `{
  "minor": {
    "candidates": [
      {"variant": "steamdeck", "buildid": "20220227.3", "estimated_size": 1024}
    ]
  }
}`

const chainedJSON = `{
  "minor": {
    "candidates": [
      {"variant": "steamdeck", "buildid": "20220227.3", "estimated_size": 1024},
      {"variant": "steamdeck", "buildid": "20220301.1", "estimated_size": 2048}
    ]
  }
}`

func TestParseOneImmediate(t *testing.T) {
	available, later, err := Parse([]byte(oneMinorJSON), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 1 || len(later) != 0 {
		t.Fatalf("available=%v later=%v", available, later)
	}
	c := available["20220227.3"]
	if c.Variant != "steamdeck" || c.EstimatedSize != 1024 || c.UpdateType != UpdateTypeMinor {
		t.Errorf("candidate = %+v", c)
	}
	if c.Requires != "" {
		t.Errorf("head candidate should not require anything, got %q", c.Requires)
	}
}

func TestParseChainedRequires(t *testing.T) {
	available, later, err := Parse([]byte(chainedJSON), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 1 || len(later) != 1 {
		t.Fatalf("available=%v later=%v", available, later)
	}
	checkpoint := later["20220301.1"]
	if checkpoint.Requires != "20220227.3" {
		t.Errorf("Requires = %q, want 20220227.3", checkpoint.Requires)
	}
}

func TestParseEmptyIsNoUpdates(t *testing.T) {
	available, later, err := Parse(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 0 || len(later) != 0 {
		t.Errorf("expected no candidates, got available=%v later=%v", available, later)
	}
}

func TestParseMissingFieldIsError(t *testing.T) {
	bad := `{"minor": {"candidates": [{"variant": "steamdeck"}]}}`
	if _, _, err := Parse([]byte(bad), ""); err == nil {
		t.Fatal("expected parse error for missing buildid")
	}
}

func TestParseElidesPendingReboot(t *testing.T) {
	available, _, err := Parse([]byte(oneMinorJSON), "20220227.3")
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 0 {
		t.Errorf("candidate matching pending-reboot marker should be elided, got %v", available)
	}
}

func TestStoreRefreshAndPin(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "updates.json"))

	if err := store.Refresh([]byte(oneMinorJSON), ""); err != nil {
		t.Fatal(err)
	}
	if !store.Contains("20220227.3") {
		t.Fatal("expected candidate to be present after refresh")
	}

	pinnedPath, err := store.Pin("20220227.3")
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent refresh must not affect the already-pinned file.
	if err := store.Refresh([]byte(chainedJSON), ""); err != nil {
		t.Fatal(err)
	}

	pinnedStore := NewStore(pinnedPath)
	if err := pinnedStore.Load(""); err != nil {
		t.Fatal(err)
	}
	if !pinnedStore.Contains("20220227.3") {
		t.Fatal("pinned snapshot should still contain the original candidate only")
	}
	if pinnedStore.Contains("20220301.1") {
		t.Fatal("pinned snapshot must not see candidates from a later refresh")
	}
}

func TestStoreRefreshedFlag(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "updates.json"))
	if store.Refreshed() {
		t.Fatal("a freshly constructed store should not be marked refreshed")
	}
	if err := store.Load(""); err != nil {
		t.Fatal(err)
	}
	if store.Refreshed() {
		t.Fatal("Load from disk must not count as a refresh")
	}
	if err := store.Refresh([]byte(oneMinorJSON), ""); err != nil {
		t.Fatal(err)
	}
	if !store.Refreshed() {
		t.Fatal("Refresh must mark the store as refreshed")
	}
}

func TestStoreLoadMissingCacheIsNotError(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "missing.json"))
	if err := store.Load(""); err != nil {
		t.Fatal(err)
	}
	if len(store.Available()) != 0 {
		t.Errorf("expected empty store")
	}
}
