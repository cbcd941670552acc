// Package candidates implements component C3, the candidate store: it
// parses the query helper's JSON reply into the ordered
// (available, available_later) pair the bus object publishes, and
// caches the last successful reply the way internal/state/state.go
// caches host state — read-with-empty-fallback, atomic
// write-then-rename, one canonical on-disk copy.
package candidates

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

// UpdateType is the candidate's release channel within a variant.
type UpdateType string

const (
	UpdateTypeMinor UpdateType = "minor"
	UpdateTypeMajor UpdateType = "major"
)

// Candidate describes one installable image, parsed from the helper's
// JSON reply.
type Candidate struct {
	ID            string     `json:"id"`
	Variant       string     `json:"variant"`
	EstimatedSize uint64     `json:"estimated_size"`
	UpdateType    UpdateType `json:"update_type"`
	Requires      string     `json:"requires,omitempty"`
}

type helperImage struct {
	Variant       string `json:"variant"`
	Buildid       string `json:"buildid"`
	EstimatedSize uint64 `json:"estimated_size"`
}

type helperChannel struct {
	Candidates []helperImage `json:"candidates"`
}

type helperReply struct {
	Minor *helperChannel `json:"minor,omitempty"`
	Major *helperChannel `json:"major,omitempty"`
}

// Parse decodes the query helper's JSON reply into the immediate
// (available) and checkpoint (available_later) candidate mappings.
// A zero-length reply means "no updates", not an error. A candidate
// whose id equals pendingRebootID is elided from both mappings — it
// has already been applied and only the reboot is outstanding.
func Parse(data []byte, pendingRebootID string) (available, availableLater map[string]Candidate, err error) {
	available = map[string]Candidate{}
	availableLater = map[string]Candidate{}

	if len(data) == 0 {
		return available, availableLater, nil
	}

	var reply helperReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, nil, fmt.Errorf("parsing candidate JSON: %w", err)
	}

	channels := []struct {
		updateType UpdateType
		channel    *helperChannel
	}{
		{UpdateTypeMinor, reply.Minor},
		{UpdateTypeMajor, reply.Major},
	}

	for _, c := range channels {
		if c.channel == nil {
			continue
		}
		var previousID string
		for i, img := range c.channel.Candidates {
			if img.Variant == "" || img.Buildid == "" {
				return nil, nil, fmt.Errorf("candidate JSON: %s candidate %d is missing variant or buildid", c.updateType, i)
			}

			cand := Candidate{
				ID:            img.Buildid,
				Variant:       img.Variant,
				EstimatedSize: img.EstimatedSize,
				UpdateType:    c.updateType,
			}
			if i == 0 {
				if cand.ID == pendingRebootID {
					previousID = cand.ID
					continue
				}
				available[cand.ID] = cand
			} else {
				cand.Requires = previousID
				if cand.ID == pendingRebootID {
					previousID = cand.ID
					continue
				}
				availableLater[cand.ID] = cand
			}
			previousID = cand.ID
		}
	}

	return available, availableLater, nil
}

// Store owns the on-disk cache of the last successful helper reply and
// the pinned copy consumed by an in-flight apply.
type Store struct {
	cachePath string
	raw       []byte

	available      map[string]Candidate
	availableLater map[string]Candidate
	refreshed      bool
}

// NewStore creates a Store backed by cachePath. It does not read the
// existing cache eagerly; call Load to seed it from disk at startup.
func NewStore(cachePath string) *Store {
	return &Store{
		cachePath:      cachePath,
		available:      map[string]Candidate{},
		availableLater: map[string]Candidate{},
	}
}

// Load seeds the store from the on-disk cache left by a previous run,
// if any. A missing or empty cache file is not an error.
func (s *Store) Load(pendingRebootID string) error {
	data, err := readFileOrEmpty(s.cachePath)
	if err != nil {
		return err
	}
	return s.apply(data, pendingRebootID)
}

// Refresh parses a fresh helper reply, replaces the live candidate
// mappings, and persists the reply to the on-disk cache. It never
// touches a pinned copy created by Pin.
func (s *Store) Refresh(data []byte, pendingRebootID string) error {
	if err := s.apply(data, pendingRebootID); err != nil {
		return err
	}
	s.refreshed = true
	return atomicfile.Write(s.cachePath, data, 0644)
}

// Refreshed reports whether CheckForUpdates has populated the cache at
// least once this session. A cache seeded from a previous run's disk
// file via Load does not count.
func (s *Store) Refreshed() bool {
	return s.refreshed
}

func (s *Store) apply(data []byte, pendingRebootID string) error {
	available, availableLater, err := Parse(data, pendingRebootID)
	if err != nil {
		return err
	}
	s.raw = data
	s.available = available
	s.availableLater = availableLater
	return nil
}

// Available returns the immediately installable candidates.
func (s *Store) Available() map[string]Candidate {
	return copyMap(s.available)
}

// AvailableLater returns the checkpoint candidates.
func (s *Store) AvailableLater() map[string]Candidate {
	return copyMap(s.availableLater)
}

// Contains reports whether id names a known candidate in either mapping.
func (s *Store) Contains(id string) bool {
	if _, ok := s.available[id]; ok {
		return true
	}
	_, ok := s.availableLater[id]
	return ok
}

// Pin snapshots the current raw reply to a dedicated file so a
// concurrent Refresh cannot perturb the input an in-flight apply reads
// from. It returns the path the apply helper should be pointed at.
func (s *Store) Pin(targetID string) (string, error) {
	if len(s.raw) == 0 {
		return "", fmt.Errorf("no candidate data cached to pin")
	}
	pinnedPath := s.cachePath + ".pinned-" + targetID
	if err := atomicfile.Write(pinnedPath, s.raw, 0644); err != nil {
		return "", fmt.Errorf("pinning candidate snapshot: %w", err)
	}
	return pinnedPath, nil
}

func copyMap(m map[string]Candidate) map[string]Candidate {
	out := make(map[string]Candidate, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading candidate cache %s: %w", path, err)
	}
	return data, nil
}
