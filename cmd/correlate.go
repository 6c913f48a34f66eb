package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	correlateLogsDir string
	correlateSince   time.Duration
	correlateStart   string
	correlateEnd     string
	correlateJSON    bool
)

// correlateCmd represents the correlate command
var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Match a window of logs against stored IOCs",
	Long: `Correlate reads flow, DNS and alert records (Suricata EVE or OCSF JSON) in
[start, end) from a log directory, looks every observed IP, domain, URL, hash
and CVE up in the store, and records a match for each hit. Matches are also
published to the Redis match stream when Redis is configured.

Examples:
  # Last hour of logs.dir
  iocwatch correlate --since 1h

  # Explicit window over another directory
  iocwatch correlate --logs-dir ./eve --start 2024-05-01T00:00:00Z --end 2024-05-02T00:00:00Z`,
	RunE: runCorrelate,
}

func init() {
	rootCmd.AddCommand(correlateCmd)

	correlateCmd.Flags().StringVar(&correlateLogsDir, "logs-dir", "", "Directory of JSON logs (overrides logs.dir)")
	correlateCmd.Flags().DurationVar(&correlateSince, "since", time.Hour, "Window length ending now")
	correlateCmd.Flags().StringVar(&correlateStart, "start", "", "Window start (RFC3339)")
	correlateCmd.Flags().StringVar(&correlateEnd, "end", "", "Window end (RFC3339, exclusive)")
	correlateCmd.Flags().BoolVar(&correlateJSON, "json", false, "Print match events as JSON")
}

func correlationWindow(now time.Time) (time.Time, time.Time, error) {
	end := now
	if correlateEnd != "" {
		t, err := time.Parse(time.RFC3339, correlateEnd)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end value: %w", err)
		}
		end = t
	}
	start := end.Add(-correlateSince)
	if correlateStart != "" {
		t, err := time.Parse(time.RFC3339, correlateStart)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start value: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("window start must be before end")
	}
	return start.UTC(), end.UTC(), nil
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	start, end, err := correlationWindow(time.Now())
	if err != nil {
		return err
	}

	rt, err := newRuntime(runtimeOptions{withService: true, logsDir: correlateLogsDir})
	if err != nil {
		return err
	}
	defer rt.close()

	matches, err := rt.service.CorrelateWindow(cmd.Context(), start, end)
	if err != nil && len(matches) == 0 {
		return fmt.Errorf("failed to correlate: %w", err)
	}
	if err != nil {
		rt.logger.Warnf("correlation finished with errors: %v", err)
	}

	if correlateJSON {
		return printJSON(matches)
	}
	fmt.Printf("Window %s .. %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
	if len(matches) == 0 {
		fmt.Println("No matches found.")
		return nil
	}
	fmt.Printf("Found %d matches:\n\n", len(matches))
	for i, m := range matches {
		fmt.Printf("%d. [%s] %s %s\n", i+1, strings.ToUpper(m.LogType), m.IOCType, m.IOCValue)
		fmt.Printf("   Matched: %s at %s\n", m.MatchedValue, m.MatchedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   Source: %s (confidence %.2f)\n", m.Source, m.Confidence)
		if m.Context != "" {
			fmt.Printf("   Context: %s\n", m.Context)
		}
	}
	return nil
}
