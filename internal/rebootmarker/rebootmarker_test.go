package rebootmarker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadAbsentMarker(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "missing"))
	id, present, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	if present || id != "" {
		t.Errorf("id=%q present=%v, want absent", id, present)
	}
}

func TestWriteThenRead(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "marker"))
	if err := m.Write("20220914.1"); err != nil {
		t.Fatal(err)
	}
	id, present, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !present || id != "20220914.1" {
		t.Errorf("id=%q present=%v, want 20220914.1/true", id, present)
	}
}

func TestEmptyMarkerMeansUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	m := New(path)
	id, present, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !present || id != "" {
		t.Errorf("id=%q present=%v, want \"\"/true", id, present)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	m := New(path)
	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := m.Write("x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, present, _ := m.Read(); present {
		t.Error("expected marker cleared")
	}
}
