package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncbox/internal/supervisor"
)

// newSuperviseCmd runs the process supervisor: N backend workers over a
// shared store behind one public port.
func newSuperviseCmd() *cobra.Command {
	var (
		flagStorageRoot  string
		flagMinInstances int
		flagMaxInstances int
	)

	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the supervisor and its backend workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagStorageRoot != "" {
				overrideStorageRoot(flagStorageRoot)
			}

			if flagMinInstances > 0 {
				resolvedCfg.Supervisor.MinInstances = flagMinInstances
			}

			if flagMaxInstances > 0 {
				resolvedCfg.Supervisor.MaxInstances = flagMaxInstances
			}

			if err := resolvedCfg.Validate(); err != nil {
				return err
			}

			sup, err := supervisor.New(resolvedCfg, nil, buildLogger())
			if err != nil {
				return err
			}

			return runWithSignals(cmd.Context(), sup.Run)
		},
	}

	cmd.Flags().StringVar(&flagStorageRoot, "storage-root", "", "shared storage root directory")
	cmd.Flags().IntVar(&flagMinInstances, "min-instances", 0, "minimum worker instances")
	cmd.Flags().IntVar(&flagMaxInstances, "max-instances", 0, "maximum worker instances")

	return cmd
}
