package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncbox/internal/syncer"
	"github.com/tonimelisma/syncbox/internal/transport"
)

// apiClient builds the transport client from the resolved config.
func apiClient() *transport.Client {
	return transport.NewClient(resolvedCfg.Client.ServerURL, defaultHTTPClient(), buildLogger())
}

// operatorClientID resolves the client identity used by one-shot operator
// commands.
func operatorClientID() string {
	return syncer.DeriveClientID(resolvedCfg.Client.ClientName)
}

// newLsCmd lists files on the server.
func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := apiClient().ListFiles(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(files)
			}

			w := newTabWriter()
			fmt.Fprintln(w, "NAME\tSIZE\tVERSION\tVERSIONS\tMODIFIED\tCLIENT")

			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					f.Name, formatSize(f.Size), f.Version, f.TotalVersions,
					formatMillis(f.LastModified), f.ClientID)
			}

			return w.Flush()
		},
	}
}

// newGetCmd downloads a file (optionally a specific version).
func newGetCmd() *cobra.Command {
	var flagVersion int

	cmd := &cobra.Command{
		Use:   "get <name> [output]",
		Short: "Download a file from the server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var (
				data []byte
				err  error
			)

			if flagVersion > 0 {
				data, err = apiClient().DownloadVersion(cmd.Context(), name, flagVersion)
			} else {
				data, err = apiClient().Download(cmd.Context(), name)
			}

			if err != nil {
				return err
			}

			output := name
			if len(args) == 2 {
				output = args[1]
			}

			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}

			fmt.Printf("downloaded %s (%s)\n", output, formatSize(int64(len(data))))

			return nil
		},
	}

	cmd.Flags().IntVar(&flagVersion, "version", 0, "download a specific version")

	return cmd
}

// newPutCmd uploads a file through the conflict-checked path.
func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <path>",
		Short: "Upload a file to the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}

			name := filepath.Base(path)
			api := apiClient()
			clientID := operatorClientID()
			lastModified := info.ModTime().UnixMilli()

			var result *transport.UploadResult

			if info.Size() > transport.ChunkSize {
				f, openErr := os.Open(path)
				if openErr != nil {
					return fmt.Errorf("opening %s: %w", path, openErr)
				}
				defer f.Close()

				result, err = api.UploadChunked(cmd.Context(), name, clientID, f, info.Size(), lastModified)
			} else {
				data, readErr := os.ReadFile(path)
				if readErr != nil {
					return fmt.Errorf("reading %s: %w", path, readErr)
				}

				result, err = api.UploadSafe(cmd.Context(), name, clientID, data, lastModified)
			}

			if err != nil {
				return err
			}

			if result.Duplicate {
				fmt.Printf("%s already up-to-date (version %d)\n", name, result.Version)
			} else {
				fmt.Printf("uploaded %s as version %d\n", name, result.Version)
			}

			return nil
		},
	}
}

// newRmCmd deletes a file on the server.
func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a file on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("deleted %s\n", args[0])

			return nil
		},
	}
}

// newRenameCmd renames a file on the server.
func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a file and its version history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			fmt.Printf("renamed %s to %s\n", args[0], args[1])

			return nil
		},
	}
}

// newVersionsCmd lists the version history of a file.
func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List the version history of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := apiClient().Versions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(versions)
			}

			w := newTabWriter()
			fmt.Fprintln(w, "VERSION\tSIZE\tMODIFIED\tCLIENT\tRESTORED FROM")

			for _, v := range versions {
				restored := "-"
				if v.RestoredFrom > 0 {
					restored = fmt.Sprintf("v%d", v.RestoredFrom)
				}

				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					v.Version, formatSize(v.Size), formatMillis(v.LastModified), v.ClientID, restored)
			}

			return w.Flush()
		},
	}
}

// newRestoreCmd promotes an old version as the new latest.
func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name> <version>",
		Short: "Restore an old version as the new latest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var version int
			if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil || version < 1 {
				return fmt.Errorf("version must be a positive integer")
			}

			start := time.Now()

			if err := apiClient().Restore(cmd.Context(), args[0], version, operatorClientID()); err != nil {
				return err
			}

			fmt.Printf("restored %s version %d (%s)\n", args[0], version, time.Since(start).Round(timePrecision))

			return nil
		},
	}
}
