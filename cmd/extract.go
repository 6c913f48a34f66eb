package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
)

var (
	extractTypes  []string
	extractStore  bool
	extractSource string
	extractJSON   bool
)

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Extract IOCs from a report file or stdin",
	Long: `Extract scans free text for indicators of compromise. Defanged notation
such as hxxp:// and [.] is normalised first. Input is read from the given file
or, when none is given or the file is "-", from stdin.

Examples:
  # Print IOCs found in a report
  iocwatch extract report.txt

  # Only hashes, stored under the "analyst" source
  cat report.md | iocwatch extract --types md5,sha1,sha256 --store --source analyst`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringSliceVar(&extractTypes, "types", nil, "Restrict to these IOC types (comma separated)")
	extractCmd.Flags().BoolVar(&extractStore, "store", false, "Upsert the extracted IOCs into the store")
	extractCmd.Flags().StringVar(&extractSource, "source", "cli", "Source name recorded for stored IOCs")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "Print IOCs as JSON")
}

func runExtract(cmd *cobra.Command, args []string) error {
	text, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	types, err := ioc.ParseTypes(extractTypes)
	if err != nil {
		return err
	}

	rt, err := newRuntime(runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	var found []ioc.IOC
	if len(types) == 0 {
		found = rt.extractor.Extract(text, extractSource)
	} else {
		for _, t := range types {
			found = append(found, rt.extractor.ExtractByType(text, t, extractSource)...)
		}
	}

	if extractStore && len(found) > 0 {
		n, err := rt.store.AddIOCs(cmd.Context(), found)
		if err != nil {
			return fmt.Errorf("failed to store IOCs: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Stored %d IOCs\n", n)
	}

	if extractJSON {
		if found == nil {
			found = []ioc.IOC{}
		}
		return printJSON(found)
	}
	if len(found) == 0 {
		fmt.Println("No IOCs found.")
		return nil
	}
	fmt.Printf("Found %d IOCs:\n\n", len(found))
	for i, f := range found {
		fmt.Printf("%d. [%s] %s (confidence %.2f)\n", i+1, strings.ToUpper(string(f.Type)), f.Value, f.Confidence)
		if f.Context != "" {
			fmt.Printf("   Context: %s\n", oneLine(f.Context))
		}
	}
	return nil
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, ioc.DefaultMaxTextBytes*4))
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(data), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
