package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

// Preferences persists the last values chosen via the switch methods.
// Fields are empty until the first write.
type Preferences struct {
	Choices struct {
		Variant string `json:"Variant"`
		Branch  string `json:"Branch"`
	} `json:"Choices"`
}

// LoadPreferences reads path, returning an empty Preferences if the
// file does not exist yet (it is created lazily on first write).
func LoadPreferences(path string) (*Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Preferences{}, nil
		}
		return nil, fmt.Errorf("reading preferences %s: %w", path, err)
	}

	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing preferences %s: %w", path, err)
	}
	return &p, nil
}

// Save writes the preferences atomically.
func (p *Preferences) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}
	return atomicfile.Write(path, data, 0644)
}
