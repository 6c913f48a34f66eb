package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ashfaaq98/iocwatch/internal/api"
	"github.com/Ashfaaq98/iocwatch/internal/service"
	"github.com/Ashfaaq98/iocwatch/internal/sources"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

var (
	cfgFile   string
	dbPath    string
	redisURL  string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iocwatch",
	Short: "Threat-intel IOC collector and log correlator",
	Long: `iocwatch pulls threat intelligence from feeds, APIs and report folders,
extracts indicators of compromise, and flags them in network logs.

Features:
- RSS/Atom feed, JSON API and local folder sources
- Defang-aware extraction of IPs, domains, URLs, hashes, CVEs and emails
- SQLite IOC store with hit counts and retention
- Correlation against Suricata EVE and OCSF flow, DNS and alert logs
- Match events on Redis Streams and a read-only HTTP API`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.iocwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/iocwatch.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL for match events (empty disables)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".iocwatch" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".iocwatch")
	}

	// IOCWATCH_DATABASE_PATH, IOCWATCH_SOURCES_OTX_API_KEY, ...
	viper.SetEnvPrefix("IOCWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "./data/iocwatch.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("extractor.refang", true)
	v.SetDefault("extractor.types", []string{})
	v.SetDefault("extractor.max_text_bytes", 0)
	v.SetDefault("extractor.exclude_domains", []string{})
	v.SetDefault("extractor.keywords", []string{})

	v.SetDefault("store.retention_days", store.DefaultRetentionDays)

	v.SetDefault("service.interval", service.DefaultInterval)
	v.SetDefault("service.fetch_workers", service.DefaultFetchWorkers)
	v.SetDefault("service.correlation_window", 0)
	v.SetDefault("service.retention_schedule", service.DefaultRetentionSchedule)
	v.SetDefault("service.writer_queue", service.DefaultWriterQueue)
	v.SetDefault("service.run_on_start", true)

	v.SetDefault("sources.otx_api_key", "")
	v.SetDefault("sources.timeout", sources.DefaultTimeout)
	v.SetDefault("sources.max_items", sources.DefaultMaxItems)

	v.SetDefault("logs.dir", "")
	v.SetDefault("logs.patterns", []string{})

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:8090")
	v.SetDefault("api.token", "")
	v.SetDefault("api.rps", 10)
	v.SetDefault("api.burst", 20)
	v.SetDefault("api.max_body_bytes", 1<<20)
}

// GetConfig decodes the current configuration values
func GetConfig() (Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Store     StoreConfig     `mapstructure:"store"`
	Service   service.Config  `mapstructure:"service"`
	Sources   sources.Config  `mapstructure:"sources"`
	Logs      LogsConfig      `mapstructure:"logs"`
	API       APIConfig       `mapstructure:"api"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ExtractorConfig struct {
	Types          []string `mapstructure:"types"`
	Refang         bool     `mapstructure:"refang"`
	MaxTextBytes   int      `mapstructure:"max_text_bytes"`
	ExcludeDomains []string `mapstructure:"exclude_domains"`
	Keywords       []string `mapstructure:"keywords"`
}

type StoreConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LogsConfig points the correlator at a directory of JSON log files.
type LogsConfig struct {
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
}

type APIConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	api.Options `mapstructure:",squash"`
}

// newLogger builds the process logger from the log section.
func newLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = lvl
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (use console or json)", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}
