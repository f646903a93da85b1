package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncbox/internal/supervisor"
)

// newStatusCmd reports the supervisor's worker pool state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and worker status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := resolvedCfg.Client.ServerURL + "/supervisor/status"

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("building status request: %w", err)
			}

			resp, err := defaultHTTPClient().Do(req)
			if err != nil {
				return fmt.Errorf("fetching supervisor status: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("supervisor status returned HTTP %d", resp.StatusCode)
			}

			var report supervisor.StatusReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("decoding supervisor status: %w", err)
			}

			if flagJSON {
				return printJSON(report)
			}

			fmt.Printf("proxy %s:%d — %d/%d workers healthy, storage %s\n",
				report.BindAddress, report.ProxyPort,
				report.HealthyServers, report.TotalServers,
				report.SharedStorageRoot)

			w := newTabWriter()
			fmt.Fprintln(w, "PORT\tPID\tHEALTHY\tSTARTED\tLAST CHECK")

			for _, s := range report.Servers {
				fmt.Fprintf(w, "%d\t%d\t%t\t%s\t%s\n",
					s.Port, s.PID, s.Healthy,
					s.StartedAt.Local().Format("15:04:05"),
					s.LastHealthCheckAt.Local().Format("15:04:05"))
			}

			return w.Flush()
		},
	}
}
