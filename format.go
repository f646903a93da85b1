package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
)

// timePrecision rounds durations in human output.
const timePrecision = time.Millisecond

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return nil
}

// isTerminal reports whether stdout is an interactive terminal. Piped
// output gets machine-friendlier formatting.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// newTabWriter returns a tabwriter for aligned human-readable tables.
func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// formatSize renders a byte count for humans; raw bytes when piped.
func formatSize(n int64) string {
	if !isTerminal() {
		return fmt.Sprintf("%d", n)
	}

	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMG"[exp])
}

// formatMillis renders a Unix-milliseconds timestamp.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}

	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
