package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

var (
	listType  string
	listLimit int
	listJSON  bool
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [iocs|matches|stats|cycles]",
	Short: "List stored IOCs, matches, statistics or cycle audits",
	Long: `List shows what the store holds.

Examples:
  # Most recently seen IOCs
  iocwatch list iocs --limit 20

  # Only domains
  iocwatch list iocs --type domain

  # Recent matches
  iocwatch list matches

  # Counts per type and match totals
  iocwatch list stats

  # Recent cycle audits
  iocwatch list cycles --json`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"iocs", "matches", "stats", "cycles"},
	RunE:      runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listType, "type", "t", "", "IOC type filter for 'iocs'")
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 50, "Maximum number of rows")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	target := "iocs"
	if len(args) == 1 {
		target = strings.ToLower(args[0])
	}

	rt, err := newRuntime(runtimeOptions{withBus: target == "stats"})
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	switch target {
	case "iocs":
		var t ioc.Type
		if listType != "" {
			if t, err = ioc.ParseType(listType); err != nil {
				return err
			}
		}
		return listIOCs(ctx, rt.store, t, listLimit)
	case "matches":
		return listMatches(ctx, rt.store, listLimit)
	case "stats":
		return listStats(ctx, rt.store, rt.bus)
	case "cycles":
		return listCycles(ctx, rt.store, listLimit)
	default:
		return fmt.Errorf("unknown list type: %s (use 'iocs', 'matches', 'stats' or 'cycles')", target)
	}
}

func listIOCs(ctx context.Context, st *store.Store, t ioc.Type, limit int) error {
	records, err := st.ListIOCs(ctx, t, limit)
	if err != nil {
		return fmt.Errorf("failed to list IOCs: %w", err)
	}
	if listJSON {
		if records == nil {
			records = []store.Record{}
		}
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No IOCs found.")
		return nil
	}

	fmt.Printf("Showing %d IOCs:\n\n", len(records))
	for i, rec := range records {
		printRecord(i+1, rec)
	}
	return nil
}

func listMatches(ctx context.Context, st *store.Store, limit int) error {
	matches, err := st.GetRecentMatches(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list matches: %w", err)
	}
	if listJSON {
		if matches == nil {
			matches = []store.MatchEvent{}
		}
		return printJSON(matches)
	}
	if len(matches) == 0 {
		fmt.Println("No matches found.")
		return nil
	}

	fmt.Printf("Showing %d matches:\n\n", len(matches))
	for i, m := range matches {
		fmt.Printf("%d. [%s] %s %s\n", i+1, strings.ToUpper(m.LogType), m.IOCType, m.IOCValue)
		fmt.Printf("   ID: %d\n", m.MatchID)
		fmt.Printf("   Time: %s\n", m.MatchedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   Matched: %s\n", m.MatchedValue)
		fmt.Printf("   Source: %s (confidence %.2f)\n", m.Source, m.Confidence)
		if m.Context != "" {
			fmt.Printf("   Context: %s\n", m.Context)
		}
		fmt.Println()
	}
	return nil
}

func listStats(ctx context.Context, st *store.Store, b bus.Bus) error {
	stats, err := st.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	busStats, err := b.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bus stats: %w", err)
	}
	if listJSON {
		return printJSON(struct {
			store.Stats
			Bus bus.Stats `json:"bus"`
		}{stats, busStats})
	}

	fmt.Printf("IOCs: %d\n", stats.Total)
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("   %-8s %d\n", t, stats.ByType[ioc.Type(t)])
	}
	fmt.Printf("Matches: %d (last 24h: %d)\n", stats.TotalMatches, stats.Matches24h)
	fmt.Printf("Retention: %d days\n", st.RetentionDays())
	printBusStats(busStats)
	return nil
}

func printBusStats(bs bus.Stats) {
	if bs.Type != "redis" {
		fmt.Printf("Event bus: %s\n", bs.Status)
		return
	}
	fmt.Printf("Event bus: redis, %d events", bs.StreamLength)
	if bs.LastEntryID != "" {
		fmt.Printf(" (last %s)", bs.LastEntryID)
	}
	fmt.Println()
	for _, g := range bs.ConsumerGroups {
		fmt.Printf("   group %-16s consumers %d, pending %d\n", g.Name, g.Consumers, g.Pending)
	}
}

func listCycles(ctx context.Context, st *store.Store, limit int) error {
	cycles, err := st.GetCycleAudits(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list cycles: %w", err)
	}
	if listJSON {
		if cycles == nil {
			cycles = []store.CycleAudit{}
		}
		return printJSON(cycles)
	}
	if len(cycles) == 0 {
		fmt.Println("No cycles recorded.")
		return nil
	}

	fmt.Printf("Showing %d cycles:\n\n", len(cycles))
	for i, c := range cycles {
		fmt.Printf("%d. [%s] %s\n", i+1, strings.ToUpper(c.Trigger), c.ID)
		fmt.Printf("   Started: %s\n", c.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   Duration: %s\n", c.FinishedAt.Sub(c.StartedAt))
		fmt.Printf("   Items: %d, extracted: %d, stored: %d, matches: %d\n", c.Items, c.Extracted, c.Stored, c.Matches)
		if c.Removed > 0 {
			fmt.Printf("   Removed: %d\n", c.Removed)
		}
		for _, e := range c.Errors {
			fmt.Printf("   Error: %s\n", e)
		}
		fmt.Println()
	}
	return nil
}
