package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

// storeOptionEntry mirrors one "store-options" entry in the installer's
// JSON configuration file.
type storeOptionEntry struct {
	HTTPAuth               string `json:"http-auth"`
	ErrorRetryBaseInterval int64  `json:"error-retry-base-interval"`
}

// defaultErrorRetryBaseInterval is one second, expressed in nanoseconds
// (the unit the installer service expects).
const defaultErrorRetryBaseInterval = 1_000_000_000

// wildcardDepths is the set of trailing "*/" repetitions the installer
// needs an entry for: it descends into <variant>/<version>/<castr>
// (depth 3 from the images URL), plus one level shallower and two
// levels deeper, kept configurable rather than hard-coded in the
// write loop.
var wildcardDepths = []int{2, 3, 4, 5}

type storeOptionsFile struct {
	StoreOptions map[string]storeOptionEntry `json:"store-options"`
}

// EnsureStoreOptions ensures the installer's JSON store-options file at
// path has an http-auth entry for url at every configured wildcard
// depth, creating the file if it doesn't exist. Existing entries keep
// their error-retry-base-interval; only http-auth is touched.
func EnsureStoreOptions(path, url, token string) error {
	doc := storeOptionsFile{StoreOptions: map[string]storeOptionEntry{}}

	if data, err := os.ReadFile(path); err == nil {
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parsing store-options %s: %w", path, err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading store-options %s: %w", path, err)
	}
	if doc.StoreOptions == nil {
		doc.StoreOptions = map[string]storeOptionEntry{}
	}

	for _, depth := range wildcardDepths {
		key := url + strings.Repeat("*/", depth)
		entry, exists := doc.StoreOptions[key]
		if !exists {
			entry = storeOptionEntry{ErrorRetryBaseInterval: defaultErrorRetryBaseInterval}
		}
		entry.HTTPAuth = token
		doc.StoreOptions[key] = entry
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store-options: %w", err)
	}
	return atomicfile.Write(path, data, 0600)
}
