package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/iocwatch/internal/service"
	"github.com/Ashfaaq98/iocwatch/internal/sources"
)

var (
	sourcesCheck bool
	sourcesJSON  bool
)

// sourcesCmd represents the sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured threat-intel sources",
	Long: `Sources lists the builtin catalog and every feed, API and folder source
from the configuration. With --check each enabled source is fetched once and
the item count or error is shown; nothing is stored.

Examples:
  iocwatch sources
  iocwatch sources --check`,
	RunE: runSources,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)

	sourcesCmd.Flags().BoolVar(&sourcesCheck, "check", false, "Fetch each enabled source once")
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "Print source stats as JSON")
}

func runSources(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srcs := buildSources(cfg.Sources, logger)

	counts := make([]int, len(srcs))
	if sourcesCheck {
		workers := cfg.Service.FetchWorkers
		if workers <= 0 {
			workers = service.DefaultFetchWorkers
		}
		var g errgroup.Group
		g.SetLimit(workers)
		for i, src := range srcs {
			if !src.Enabled() {
				continue
			}
			i, src := i, src
			g.Go(func() error {
				counts[i] = len(src.FetchWithErrorHandling(cmd.Context()))
				return nil
			})
		}
		_ = g.Wait()
	}

	if sourcesJSON {
		out := make([]sources.Stats, 0, len(srcs))
		for _, src := range srcs {
			out = append(out, src.Stats())
		}
		return printJSON(out)
	}

	if len(srcs) == 0 {
		fmt.Println("No sources configured.")
		return nil
	}
	fmt.Printf("%d sources:\n\n", len(srcs))
	for i, src := range srcs {
		state := "enabled"
		if !src.Enabled() {
			state = "disabled"
		}
		fmt.Printf("%d. %s (%s, %s)\n", i+1, src.Name(), src.Kind(), state)
		if !sourcesCheck || !src.Enabled() {
			continue
		}
		st := src.Stats()
		if st.ErrorCount > 0 {
			fmt.Printf("   Error: %s\n", st.LastError)
		} else {
			fmt.Printf("   Items: %d (fetched %s)\n", counts[i], st.LastFetch.Format(time.RFC3339))
		}
	}
	return nil
}
