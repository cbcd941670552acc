package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/steamos/atomupd1d/internal/buildid"
)

// Manifest is the system image manifest read at startup and on reload.
type Manifest struct {
	Variant string `json:"variant"`
	BuildID string `json:"buildid"`
}

// LoadManifest reads and validates the manifest JSON at path. A missing
// variant or a malformed buildid is a fatal error.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Variant == "" {
		return nil, fmt.Errorf("manifest %s is missing required field \"variant\"", path)
	}
	if _, err := buildid.Parse(m.BuildID); err != nil {
		return nil, fmt.Errorf("manifest %s has invalid buildid: %w", path, err)
	}
	return &m, nil
}
