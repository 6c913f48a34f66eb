package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the match stream and/or the IOC database",
	Long: `Reset command clears the Redis match stream and/or every IOC, match and
cycle audit row in the SQLite database.

By default, both are reset. You can selectively reset only Redis or only the
database using the --redis-only or --db-only flags.

WARNING: This operation is irreversible and will permanently delete all data.

Examples:
  # Reset both Redis and database (requires confirmation)
  iocwatch reset

  # Reset with automatic confirmation
  iocwatch reset --yes

  # Reset only the Redis match stream
  iocwatch reset --redis-only

  # Reset only database
  iocwatch reset --db-only`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only the Redis match stream")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only database")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Determine what to reset
	if !resetRedis && !resetDB {
		resetRedis = true
		resetDB = true
	}

	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	if resetRedis && cfg.Redis.URL == "" {
		if !resetDB {
			return fmt.Errorf("no Redis configured (set --redis or redis.url)")
		}
		resetRedis = false
	}

	var targets []string
	if resetRedis {
		targets = append(targets, "Redis match stream")
	}
	if resetDB {
		targets = append(targets, "SQLite database")
	}
	fmt.Printf("This will permanently delete: %s\n", strings.Join(targets, " and "))

	// Confirm operation unless --yes flag is used
	if !confirmReset {
		fmt.Print("Are you sure you want to continue? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Reset operation cancelled.")
			return nil
		}
	}

	if resetRedis {
		if err := resetMatchStream(ctx, cfg.Redis.URL); err != nil {
			if !resetDB {
				return fmt.Errorf("failed to reset Redis data: %w", err)
			}
			fmt.Printf("Warning: Failed to reset Redis data: %v\n", err)
		} else {
			fmt.Println("✓ Redis match stream cleared successfully")
		}
	}

	if resetDB {
		rt, err := newRuntime(runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.store.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("✓ Database cleared successfully")
	}

	fmt.Println("Reset operation completed successfully!")
	return nil
}

func resetMatchStream(ctx context.Context, redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	n, err := client.Del(ctx, bus.MatchStream).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", bus.MatchStream, err)
	}
	if n == 0 {
		fmt.Println("No match stream found to clear")
	}
	return nil
}
