// Package config implements the client configuration, system manifest,
// and user preference loader (component C1): it resolves the base
// config plus an optional developer overlay, and derives the effective
// variant/branch from the chosen-branch file the way a packager expects.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

var variantPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)

// Config is a read-only snapshot of the client configuration.
type Config struct {
	QueryURL  string
	MetaURL   string
	ImagesURL string
	Username  string
	Password  string
	Variants  []string

	ConfigPath         string
	ManifestPath       string
	PreferencesPath    string
	ChosenBranchPath   string
	PendingRebootPath  string
	CandidateCachePath string
	HelperPidPath      string
}

// AuthToken returns the HTTP-Basic token "Basic base64(user:pass)" when
// both a username and password are configured, or "" otherwise.
func (c *Config) AuthToken() string {
	if c.Username == "" || c.Password == "" {
		return ""
	}
	raw := c.Username + ":" + c.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Load reads client.conf from dir and, if present, overlays
// client-dev.conf with the same schema. A missing base file is a hard
// error; a missing overlay is not.
func Load(dir string) (*Config, error) {
	basePath := dir + "/client.conf"
	base, err := parseINI(basePath)
	if err != nil {
		return nil, fmt.Errorf("reading base configuration %s: %w", basePath, err)
	}

	overlayPath := dir + "/client-dev.conf"
	if overlay, err := parseINI(overlayPath); err == nil {
		mergeINI(base, overlay)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading developer overlay %s: %w", overlayPath, err)
	}

	server := base["Server"]
	host := base["Host"]

	cfg := &Config{
		QueryURL:     server["QueryUrl"],
		MetaURL:      server["MetaUrl"],
		ImagesURL:    server["ImagesUrl"],
		Username:     server["Username"],
		Password:     server["Password"],
		ManifestPath: host["Manifest"],
		ConfigPath:   basePath,
	}

	if v := server["Variants"]; v != "" {
		variants, err := parseVariants(v)
		if err != nil {
			return nil, err
		}
		cfg.Variants = variants
	}

	cfg.PreferencesPath = envOrDefault("AU_PREFERENCES_FILE", dir+"/preferences.json")
	cfg.ChosenBranchPath = envOrDefault("AU_CHOSEN_BRANCH_FILE", dir+"/chosen_branch")
	cfg.PendingRebootPath = envOrDefault("AU_REBOOT_FOR_UPDATE", "/run/steamos-atomupd/pending-reboot")
	cfg.CandidateCachePath = envOrDefault("AU_UPDATES_JSON_FILE", "/var/cache/steamos-atomupd/updates.json")
	cfg.HelperPidPath = envOrDefault("AU_HELPER_PID_FILE", "/run/steamos-atomupd/apply-helper.pid")

	return cfg, nil
}

// Reload re-reads the configuration from the same directory it was
// originally loaded from and replaces the receiver's fields in place so
// callers holding a *Config see the refreshed values.
func (c *Config) Reload(dir string) error {
	fresh, err := Load(dir)
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}

func parseVariants(raw string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ";") {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		if !variantPattern.MatchString(v) {
			return nil, fmt.Errorf("invalid variant %q: must match [A-Za-z][A-Za-z0-9-]*", v)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// releaseMarker returns the first configured variant that has no "-"
// suffix of its own — the identifier denoting the release branch (e.g.
// "steamdeck" in a list that also has "steamdeck-beta").
func releaseMarker(variants []string) string {
	for _, v := range variants {
		if !strings.Contains(v, "-") {
			return v
		}
	}
	return ""
}

// EffectiveVariant implements the variant resolution rule: the chosen-branch
// file's content wins when non-empty; an already-qualified value
// (containing "-") is used verbatim; otherwise it is joined onto the
// manifest's native base unless it names the release marker (or the
// base itself, or the "release" branch name), in which case the base
// alone is used.
func EffectiveVariant(base string, variants []string, chosenBranchPath string) (string, error) {
	raw, err := os.ReadFile(chosenBranchPath)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return "", fmt.Errorf("reading chosen branch file %s: %w", chosenBranchPath, err)
	}

	suffix := strings.TrimRight(string(raw), " \t\r\n")
	if suffix == "" {
		return base, nil
	}
	if strings.Contains(suffix, "-") {
		return suffix, nil
	}
	if suffix == releaseMarker(variants) || suffix == base || suffix == releaseBranchName {
		return base, nil
	}
	return base + "-" + suffix, nil
}

// releaseBranchName is the canonical branch value reported when a
// variant carries no suffix (glossary: "steamdeck alone denotes the
// release branch"). Decided in DESIGN.md's Open Questions: this is a
// fixed literal, not the variant text itself, so KnownBranches reads
// the same "release" token regardless of the product's base name.
const releaseBranchName = "release"

// EffectiveBranch extracts the suffix component from an effective
// variant string computed by EffectiveVariant.
func EffectiveBranch(base, effectiveVariant string) string {
	if effectiveVariant == base {
		return releaseBranchName
	}
	prefix := base + "-"
	if strings.HasPrefix(effectiveVariant, prefix) {
		return effectiveVariant[len(prefix):]
	}
	return effectiveVariant
}

// WriteChosenVariant persists variant (a full "<base>[-<suffix>]"
// identifier) to the chosen-branch file, writing the release marker
// alone when variant equals base so a later EffectiveVariant read is
// idempotent.
func WriteChosenVariant(path, base string, variants []string, variant string) error {
	if variant == base {
		return writeChosenBranchFile(path, releaseMarker(variants))
	}
	return writeChosenBranchFile(path, variant)
}

// WriteChosenBranch persists a bare branch suffix (e.g. "beta") to the
// chosen-branch file; branch equal to the release marker name writes
// the release marker itself.
func WriteChosenBranch(path string, branch string) error {
	return writeChosenBranchFile(path, branch)
}

func writeChosenBranchFile(path, content string) error {
	return atomicfile.Write(path, []byte(content+"\n"), 0644)
}
