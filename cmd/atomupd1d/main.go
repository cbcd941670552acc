package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/steamos/atomupd1d/internal/authz"
	"github.com/steamos/atomupd1d/internal/branchwatch"
	"github.com/steamos/atomupd1d/internal/busobject"
	"github.com/steamos/atomupd1d/internal/candidates"
	"github.com/steamos/atomupd1d/internal/config"
	"github.com/steamos/atomupd1d/internal/creds"
	"github.com/steamos/atomupd1d/internal/rebootmarker"
	"github.com/steamos/atomupd1d/internal/supervisor"
	"github.com/steamos/atomupd1d/internal/updatefsm"
)

var (
	version   = "dev"
	gitCommit = ""
)

// Global config, overridable from the command line.
var (
	configDir       string
	applyHelper     string
	queryHelper     string
	authzConfig     string
	queryTimeoutSec int
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received signal, shutting down")
		cancel()
	}()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atomupd1d",
		Short: "System update control daemon for the A/B-partitioned image",
		Long: `atomupd1d mediates OS image updates between the desktop session and
the privileged query/apply helpers, exposing com.steampowered.Atomupd1
on the system bus.`,
		Version: version,
	}

	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "/etc/steamos-atomupd", "Directory holding client.conf and client-dev.conf")
	cmd.PersistentFlags().StringVar(&applyHelper, "apply-helper", "steamos-atomupd-apply-helper", "Path to the apply helper binary")
	cmd.PersistentFlags().StringVar(&queryHelper, "query-helper", "steamos-atomupd-client-helper", "Path to the query helper binary")
	cmd.PersistentFlags().StringVar(&authzConfig, "authz-config", "/etc/steamos-atomupd/authz.yaml", "Path to the action-authorization policy file")
	cmd.PersistentFlags().IntVar(&queryTimeoutSec, "query-timeout", 30, "Seconds to wait for the query helper before failing CheckForUpdates")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("atomupd1d %s (%s)\n", version, gitCommit)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, exporting the bus object until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	prefs, err := config.LoadPreferences(cfg.PreferencesPath)
	if err != nil {
		log.Printf("loading preferences %s: %v", cfg.PreferencesPath, err)
		prefs = &config.Preferences{}
	}

	if token := cfg.AuthToken(); token != "" {
		netrcPath := configDir + "/netrc"
		storeOptionsPath := configDir + "/store-options.json"
		urls := []string{cfg.QueryURL, cfg.MetaURL}
		if err := creds.EnsureNetrc(netrcPath, urls, cfg.Username, cfg.Password); err != nil {
			return fmt.Errorf("provisioning netrc: %w", err)
		}
		if err := creds.EnsureStoreOptions(storeOptionsPath, cfg.ImagesURL, token); err != nil {
			return fmt.Errorf("provisioning store options: %w", err)
		}
	}

	marker := rebootmarker.New(cfg.PendingRebootPath)
	pendingID, hasMarker, err := marker.Read()
	if err != nil {
		return fmt.Errorf("reading reboot marker: %w", err)
	}

	if pid, ok, err := supervisor.ReadStalePid(cfg.HelperPidPath); err != nil {
		log.Printf("reading stale apply helper pid: %v", err)
	} else if ok {
		log.Printf("atomupd1d: killing stale apply helper (pid %d) left over from a previous run", pid)
		if err := supervisor.KillStaleInstaller(pid); err != nil {
			log.Printf("killing stale apply helper pid %d: %v", pid, err)
		}
	}

	store := candidates.NewStore(cfg.CandidateCachePath)
	if err := store.Load(pendingID); err != nil {
		log.Printf("loading candidate cache %s: %v", cfg.CandidateCachePath, err)
	}

	actions, err := authz.LoadConfig(authzConfig)
	if err != nil {
		return fmt.Errorf("loading authorization policy: %w", err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting to the system bus: %w", err)
	}
	defer conn.Close()

	initial := updatefsm.Recover(pendingID, hasMarker)
	if initial.Status != updatefsm.StatusSuccessful {
		if err := marker.Clear(); err != nil {
			log.Printf("clearing stale reboot marker: %v", err)
		}
	}

	machine := updatefsm.New(initial, startApplyFunc(cfg, applyHelper, store), store, marker, nil)
	machine.SetStartCustom(startCustomApplyFunc(cfg, applyHelper))

	obj := busobject.New(busobject.Deps{
		Conn:         conn,
		Config:       cfg,
		Manifest:     busobject.ManifestInfo{BaseVariant: manifest.Variant, BuildID: manifest.BuildID, Variants: cfg.Variants},
		Store:        store,
		Machine:      machine,
		Marker:       marker,
		Preferences:  prefs,
		Actions:      actions,
		Authorizer:   authz.AllowAll{},
		ConfigDir:    configDir,
		QueryHelper:  queryHelper,
		QueryTimeout: time.Duration(queryTimeoutSec) * time.Second,
	})

	watcher, err := branchwatch.New(cfg.ChosenBranchPath, obj.RepublishVariant)
	if err != nil {
		log.Printf("watching chosen-branch file %s: %v", cfg.ChosenBranchPath, err)
	} else {
		defer watcher.Close()
	}
	obj.SetWatcher(watcher)
	machine.SetPublisher(obj)

	if err := obj.Export(); err != nil {
		return fmt.Errorf("exporting bus object: %w", err)
	}
	log.Printf("atomupd1d: exported %s at %s", busobject.BusName, busobject.ObjectPath)

	<-ctx.Done()
	log.Println("atomupd1d: shutting down")
	return nil
}

// startApplyFunc builds the closure updatefsm.Machine uses to launch the
// apply helper against a pinned candidate-cache snapshot.
func startApplyFunc(cfg *config.Config, helperPath string, store *candidates.Store) updatefsm.StartFunc {
	return func(targetID string) (updatefsm.Helper, error) {
		pinnedPath, err := store.Pin(targetID)
		if err != nil {
			return nil, err
		}
		args := []string{
			"--config", cfg.ConfigPath,
			"--manifest-file", cfg.ManifestPath,
			"--update-file", pinnedPath,
			"--update-version", targetID,
		}
		return supervisor.StartApply(helperPath, args, cfg.HelperPidPath)
	}
}

// startCustomApplyFunc builds the closure for StartCustomUpdate, which
// applies a bundle URL directly rather than a pinned candidate file.
func startCustomApplyFunc(cfg *config.Config, helperPath string) updatefsm.StartCustomFunc {
	return func(url string) (updatefsm.Helper, error) {
		args := []string{
			"--config", cfg.ConfigPath,
			"--manifest-file", cfg.ManifestPath,
			"--update-url", url,
		}
		return supervisor.StartApply(helperPath, args, cfg.HelperPidPath)
	}
}
