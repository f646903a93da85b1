package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncbox/internal/syncer"
	"github.com/tonimelisma/syncbox/internal/transport"
)

// newSyncCmd runs the client sync engine: continuous watch by default, a
// single reconcile cycle with --once.
func newSyncCmd() *cobra.Command {
	var (
		flagSyncDir string
		flagName    string
		flagOnce    bool
		flagDryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the client sync engine against the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			syncDir := flagSyncDir
			if syncDir == "" {
				syncDir = resolvedCfg.Client.SyncDir
			}

			if syncDir == "" {
				return fmt.Errorf("sync dir required (--dir or client.sync_dir in config)")
			}

			clientName := flagName
			if clientName == "" {
				clientName = resolvedCfg.Client.ClientName
			}

			poll, err := resolvedCfg.PollInterval()
			if err != nil {
				return err
			}

			api := transport.NewClient(resolvedCfg.Client.ServerURL, defaultHTTPClient(), logger)

			engine, err := syncer.NewEngine(cmd.Context(), &syncer.EngineConfig{
				SyncDir:      syncDir,
				ClientName:   clientName,
				API:          api,
				PollInterval: poll,
				DBPath:       resolvedCfg.Client.DBPath,
				DryRun:       flagDryRun,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			if flagOnce {
				return runOnce(cmd.Context(), engine)
			}

			return runWithSignals(cmd.Context(), engine.Run)
		},
	}

	cmd.Flags().StringVar(&flagSyncDir, "dir", "", "local sync directory")
	cmd.Flags().StringVar(&flagName, "name", "", "client name (derives the stable client id)")
	cmd.Flags().BoolVar(&flagOnce, "once", false, "run a single sync cycle and exit")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report planned actions without executing them")

	return cmd
}

// runOnce performs one reconcile cycle and prints the report.
func runOnce(ctx context.Context, engine *syncer.Engine) error {
	report, err := engine.Reconcile(ctx)
	if err != nil {
		return err
	}

	if report == nil {
		return fmt.Errorf("server is offline")
	}

	if flagJSON {
		return printJSON(report)
	}

	fmt.Printf("uploaded %d, downloaded %d, deleted %d, renamed %d, conflicts %d (%s)\n",
		report.Uploaded, report.Downloaded, report.Deleted, report.Renamed,
		report.Conflicts, report.Duration.Round(timePrecision))

	return nil
}
