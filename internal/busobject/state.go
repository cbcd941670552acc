package busobject

import (
	"log"

	"github.com/steamos/atomupd1d/internal/config"
	"github.com/steamos/atomupd1d/internal/creds"
)

// effectiveVariant resolves the variant the next CheckForUpdates should
// query for.
func (o *Object) effectiveVariant() string {
	variant, err := config.EffectiveVariant(o.manifest.BaseVariant, o.manifest.Variants, o.cfg.ChosenBranchPath)
	if err != nil {
		return o.manifest.BaseVariant
	}
	return variant
}

func (o *Object) effectiveBranch() string {
	return config.EffectiveBranch(o.manifest.BaseVariant, o.effectiveVariant())
}

// RepublishVariant re-evaluates the effective variant/branch and
// publishes them. It is the branch watcher's change callback.
func (o *Object) RepublishVariant() {
	o.PublishVariant(o.effectiveVariant(), o.effectiveBranch())
}

// pendingRebootID reports the build-id a previous apply is awaiting a
// reboot for, if any.
func (o *Object) pendingRebootID() (id string, present bool, err error) {
	if o.marker == nil {
		return "", false, nil
	}
	return o.marker.Read()
}

// writeChosenVariant persists variant as the chosen branch and as the
// last-chosen preference, and republishes the Variant/Branch
// properties, suppressing the watcher's reaction to its own write.
func (o *Object) writeChosenVariant(variant string) error {
	if o.watcher != nil {
		o.watcher.SuppressNext(1)
	}
	if err := config.WriteChosenVariant(o.cfg.ChosenBranchPath, o.manifest.BaseVariant, o.manifest.Variants, variant); err != nil {
		return err
	}
	o.savePreferredChoice(variant, "")
	o.PublishVariant(o.effectiveVariant(), o.effectiveBranch())
	return nil
}

// writeChosenBranch persists a bare branch suffix as the chosen branch
// and as the last-chosen preference.
func (o *Object) writeChosenBranch(branch string) error {
	if o.watcher != nil {
		o.watcher.SuppressNext(1)
	}
	if err := config.WriteChosenBranch(o.cfg.ChosenBranchPath, branch); err != nil {
		return err
	}
	o.savePreferredChoice("", branch)
	o.PublishVariant(o.effectiveVariant(), o.effectiveBranch())
	return nil
}

// savePreferredChoice records the most recent SwitchToVariant/
// SwitchToBranch argument in the preferences file. A failure to
// persist the preference is logged, not returned: the chosen-branch
// file above is already the authoritative record and has been written
// successfully by this point.
func (o *Object) savePreferredChoice(variant, branch string) {
	if o.prefs == nil || o.cfg.PreferencesPath == "" {
		return
	}
	o.prefs.Choices.Variant = variant
	o.prefs.Choices.Branch = branch
	if err := o.prefs.Save(o.cfg.PreferencesPath); err != nil {
		log.Printf("busobject: saving preferences %s: %v", o.cfg.PreferencesPath, err)
	}
}

// reloadConfiguration re-reads client.conf/client-dev.conf and
// re-provisions the netrc and store-options files from the refreshed
// URLs and credentials.
func (o *Object) reloadConfiguration() error {
	if err := o.cfg.Reload(o.configDir); err != nil {
		return err
	}

	token := o.cfg.AuthToken()
	if token == "" {
		return nil
	}
	urls := []string{o.cfg.QueryURL, o.cfg.MetaURL}
	if err := creds.EnsureNetrc(netrcPath(o.configDir), urls, o.cfg.Username, o.cfg.Password); err != nil {
		return err
	}
	return creds.EnsureStoreOptions(storeOptionsPath(o.configDir), o.cfg.ImagesURL, token)
}

func netrcPath(configDir string) string {
	return configDir + "/netrc"
}

func storeOptionsPath(configDir string) string {
	return configDir + "/store-options.json"
}
