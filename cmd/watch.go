package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
)

var (
	watchGroup    string
	watchConsumer string
	watchJSON     bool
)

// watchCmd tails the Redis match stream.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print match events from the Redis match stream",
	Long: `Watch joins a consumer group on the ioc_matches Redis stream and prints
each match event as it arrives. Requires redis.url.

Examples:
  iocwatch watch --redis redis://localhost:6379
  iocwatch watch --group soc --consumer analyst-1 --json`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "iocwatch"
	}
	watchCmd.Flags().StringVar(&watchGroup, "group", "iocwatch-cli", "Consumer group name")
	watchCmd.Flags().StringVar(&watchConsumer, "consumer", hostname, "Consumer name within the group")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON")
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(runtimeOptions{withBus: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if _, ok := rt.bus.(*bus.RedisBus); !ok {
		return errors.New("watch requires a reachable Redis (set --redis or redis.url)")
	}

	fmt.Fprintf(os.Stderr, "Watching %s as %s/%s (Ctrl+C to stop)\n", bus.MatchStream, watchGroup, watchConsumer)
	err = rt.bus.ReadMatchesStream(cmd.Context(), watchGroup, watchConsumer, func(ctx context.Context, msg bus.MatchMessage) error {
		if watchJSON {
			return printJSON(msg)
		}
		fmt.Printf("%s [%s] %s %s matched %s (source %s, confidence %.2f)\n",
			msg.MatchedAt.Format("2006-01-02 15:04:05"), strings.ToUpper(msg.LogType),
			msg.IOCType, msg.IOCValue, msg.MatchedValue, msg.Source, msg.Confidence)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to read match stream: %w", err)
	}
	return nil
}
