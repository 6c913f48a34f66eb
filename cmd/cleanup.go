package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove IOCs not seen within the retention window",
	Long: `Cleanup deletes IOCs whose last_seen is older than store.retention_days.
Match history is kept.

Examples:
  iocwatch cleanup
  iocwatch cleanup --days 30`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().Int("days", 0, "Retention in days (overrides store.retention_days)")
	viper.BindPFlag("store.retention_days", cleanupCmd.Flags().Lookup("days"))
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(runtimeOptions{withService: true})
	if err != nil {
		return err
	}
	defer rt.close()

	removed, err := rt.service.Cleanup(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to clean up IOCs: %w", err)
	}
	fmt.Printf("Removed %d IOCs older than %d days\n", removed, rt.store.RetentionDays())
	return nil
}
