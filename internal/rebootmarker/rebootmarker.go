// Package rebootmarker reads and writes the pending-reboot marker file:
// a single line containing the build-id an apply just installed,
// present only while a reboot into the new slot is still outstanding.
// An external script clears it on the next boot.
package rebootmarker

import (
	"fmt"
	"os"
	"strings"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

// Marker owns one on-disk pending-reboot marker file.
type Marker struct {
	path string
}

// New returns a Marker backed by path.
func New(path string) *Marker {
	return &Marker{path: path}
}

// Read reports whether the marker exists and, if so, the build-id it
// names. An empty file means "reboot pending for unknown version" —
// present is true, id is "".
func (m *Marker) Read() (id string, present bool, err error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading pending-reboot marker %s: %w", m.path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Write records targetID as the pending reboot target.
func (m *Marker) Write(targetID string) error {
	return atomicfile.Write(m.path, []byte(targetID+"\n"), 0644)
}

// Clear removes the marker. Called when the daemon starts into any
// state other than a successful apply awaiting reboot.
func (m *Marker) Clear() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing pending-reboot marker %s: %w", m.path, err)
	}
	return nil
}
