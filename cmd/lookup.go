package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

var lookupJSON bool

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:   "lookup <type> <value>",
	Short: "Look up a single IOC in the store",
	Long: `Lookup normalises the value the same way extraction does and prints the
stored record, if any.

Examples:
  iocwatch lookup domain XK29-BAD.TK
  iocwatch lookup ipv4 45.67.89.10 --json`,
	Args: cobra.ExactArgs(2),
	RunE: runLookup,
}

func init() {
	rootCmd.AddCommand(lookupCmd)

	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "Print the record as JSON")
}

func runLookup(cmd *cobra.Command, args []string) error {
	t, err := ioc.ParseType(args[0])
	if err != nil {
		return err
	}

	rt, err := newRuntime(runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	rec, found, err := rt.store.GetRecord(cmd.Context(), t, ioc.Refang(args[1]))
	if err != nil {
		return fmt.Errorf("failed to look up IOC: %w", err)
	}
	if !found {
		fmt.Printf("%s %s not found.\n", t, ioc.Normalize(t, ioc.Refang(args[1])))
		return nil
	}
	if lookupJSON {
		return printJSON(rec)
	}
	printRecord(0, rec)
	return nil
}

func printRecord(index int, rec store.Record) {
	if index > 0 {
		fmt.Printf("%d. ", index)
	}
	fmt.Printf("[%s] %s\n", rec.Type, rec.Value)
	fmt.Printf("   ID: %d\n", rec.ID)
	fmt.Printf("   Source: %s\n", rec.Source)
	fmt.Printf("   Confidence: %.2f\n", rec.Confidence)
	fmt.Printf("   Hits: %d\n", rec.HitCount)
	fmt.Printf("   First seen: %s\n", rec.FirstSeen.Format("2006-01-02 15:04:05"))
	fmt.Printf("   Last seen: %s\n", rec.LastSeen.Format("2006-01-02 15:04:05"))
	if rec.Context != "" {
		fmt.Printf("   Context: %s\n", oneLine(rec.Context))
	}
	fmt.Println()
}
