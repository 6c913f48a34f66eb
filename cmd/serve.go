package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/iocwatch/internal/api"
)

var (
	serveNoAPI   bool
	serveLogsDir string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fetch, extract, correlate and retention cycle",
	Long: `Start the iocwatch service which includes:

1. Periodic fetching from every enabled source (bounded worker pool)
2. IOC extraction and storage through a single writer
3. Correlation of the configured log directory against stored IOCs
4. Scheduled retention cleanup
5. The read-only HTTP API with Prometheus metrics

The serve command runs until interrupted (Ctrl+C). Folder sources trigger an
early cycle when a report is dropped in their directory.

Examples:
  # Start with defaults from ~/.iocwatch.yaml
  iocwatch serve

  # Correlate Suricata logs and publish matches to Redis
  iocwatch serve --logs-dir /var/log/suricata --redis redis://localhost:6379

  # Start without the HTTP API
  iocwatch serve --no-api`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Do not start the HTTP API")
	serveCmd.Flags().StringVar(&serveLogsDir, "logs-dir", "", "Directory of JSON logs to correlate (overrides logs.dir)")
	serveCmd.Flags().String("api-bind", "127.0.0.1:8090", "Bind address for the HTTP API")
	serveCmd.Flags().String("api-token", "", "Bearer token required on /v1 routes (optional)")
	serveCmd.Flags().Duration("interval", 0, "Cycle interval (overrides service.interval)")

	viper.BindPFlag("api.bind", serveCmd.Flags().Lookup("api-bind"))
	viper.BindPFlag("api.token", serveCmd.Flags().Lookup("api-token"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cmd.Flags().Changed("interval") {
		interval, _ := cmd.Flags().GetDuration("interval")
		viper.Set("service.interval", interval)
	}

	rt, err := newRuntime(runtimeOptions{withService: true, logsDir: serveLogsDir})
	if err != nil {
		return err
	}
	defer rt.close()

	logger := rt.logger.Named("serve")
	logger.Infof("Starting iocwatch server")

	if err := rt.bus.HealthCheck(ctx); err != nil {
		logger.Warnf("event bus health check failed: %v", err)
	}

	if !serveNoAPI && rt.cfg.API.Enabled {
		srv := api.New(rt.cfg.API.Options, rt.store, rt.service.Writer(), rt.extractor, rt.service.Sources(), rt.logger)
		srv.SetBus(rt.bus)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := rt.service.Run(ctx); err != nil {
		return fmt.Errorf("service stopped: %w", err)
	}
	logger.Infof("Shutdown complete")
	return nil
}
