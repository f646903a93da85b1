package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncbox/internal/server"
)

// newServeCmd runs a single backend worker. Supervised workers are spawned
// through this same command with the store directories pinned via
// environment variables.
func newServeCmd() *cobra.Command {
	var flagStorageRoot string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one backend server instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagStorageRoot != "" {
				overrideStorageRoot(flagStorageRoot)
			}

			srv, err := server.New(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}

			return runWithSignals(cmd.Context(), srv.Run)
		},
	}

	cmd.Flags().StringVar(&flagStorageRoot, "storage-root", "", "shared storage root directory")

	return cmd
}

// overrideStorageRoot points the server config at a new root and re-derives
// the store directories from it.
func overrideStorageRoot(root string) {
	cfg := resolvedCfg
	cfg.Server.StorageRoot = root
	cfg.Server.FilesDir = filepath.Join(root, "files")
	cfg.Server.VersionsDir = filepath.Join(root, "versions")
	cfg.Server.MetadataDir = filepath.Join(root, "metadata")
	cfg.Server.ChunksDir = filepath.Join(root, "chunks")
	cfg.Server.ConflictsDir = filepath.Join(root, "metadata", "conflicts")
}

// runWithSignals runs a long-lived function with a context canceled on
// SIGINT/SIGTERM.
func runWithSignals(parent context.Context, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx)
}
