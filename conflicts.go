package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newConflictsCmd lists and resolves conflicts.
func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conflicts, err := apiClient().Conflicts(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(conflicts)
			}

			if len(conflicts) == 0 {
				fmt.Println("no conflicts")
				return nil
			}

			w := newTabWriter()
			fmt.Fprintln(w, "ID\tFILE\tTYPE\tSTATUS\tWINNER\tLOSERS")

			for _, c := range conflicts {
				losers := ""
				for i, l := range c.Losers {
					if i > 0 {
						losers += ","
					}

					losers += l.ClientID
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.FileName, c.ConflictType, c.Status, c.Winner.ClientID, losers)
			}

			return w.Flush()
		},
	}

	cmd.AddCommand(newConflictResolveCmd())

	return cmd
}

// newConflictResolveCmd marks one conflict resolved.
func newConflictResolveCmd() *cobra.Command {
	var flagMethod string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a conflict as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := apiClient().ResolveConflict(cmd.Context(), args[0], flagMethod, operatorClientID())
			if err != nil {
				return err
			}

			fmt.Printf("conflict %s resolved (%s)\n", args[0], flagMethod)

			return nil
		},
	}

	cmd.Flags().StringVar(&flagMethod, "method", "manual", "resolution method to record")

	return cmd
}
