package sources

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Config is the sources section of the application configuration.
type Config struct {
	// Builtin toggles catalog entries by name; absent names are enabled.
	Builtin   map[string]bool `mapstructure:"builtin"`
	OTXAPIKey string          `mapstructure:"otx_api_key"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	MaxItems  int             `mapstructure:"max_items"`

	Feeds   []FeedConfig      `mapstructure:"feeds"`
	APIs    []CustomAPIConfig `mapstructure:"apis"`
	Folders []FolderConfig    `mapstructure:"folders"`
}

// CustomAPIConfig is an APIConfig whose key may come from the environment.
type CustomAPIConfig struct {
	APIConfig `mapstructure:",squash"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

type builtinEntry struct {
	name     string
	kind     Kind
	url      string
	itemPath string
	needsKey bool
	headers  map[string]string
}

var builtinCatalog = []builtinEntry{
	{name: "us-cert-alerts", kind: KindFeed, url: "https://www.cisa.gov/cybersecurity-advisories/all.xml"},
	{name: "sans-isc", kind: KindFeed, url: "https://isc.sans.edu/rssfeed.xml"},
	{name: "krebs-security", kind: KindFeed, url: "https://krebsonsecurity.com/feed/"},
	{name: "threatpost", kind: KindFeed, url: "https://threatpost.com/feed/"},
	{name: "bleeping-computer", kind: KindFeed, url: "https://www.bleepingcomputer.com/feed/"},
	{name: "alienvault-otx", kind: KindAPI, url: "https://otx.alienvault.com/api/v1/pulses/subscribed", itemPath: "results", needsKey: true},
	{name: "urlhaus-recent", kind: KindAPI, url: "https://urlhaus-api.abuse.ch/v1/urls/recent/", itemPath: "urls",
		headers: map[string]string{"Content-Type": "application/json"}},
}

// BuiltinNames lists the catalog in its fixed order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinCatalog))
	for _, entry := range builtinCatalog {
		names = append(names, entry.name)
	}
	return names
}

// FromConfig builds every configured adapter. Adapters with invalid
// configuration are skipped; their *ConfigError values are returned
// alongside the adapters that did load.
func FromConfig(cfg Config, client *http.Client, logger *zap.SugaredLogger) ([]Source, []error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var (
		out  []Source
		errs []error
	)
	add := func(src Source, err error) {
		if err != nil {
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				err = &ConfigError{Source: "(unknown)", Reason: err.Error()}
			}
			logger.Warnf("skipping source: %v", err)
			errs = append(errs, err)
			return
		}
		out = append(out, src)
	}

	for _, entry := range builtinCatalog {
		enabled := true
		if v, ok := cfg.Builtin[entry.name]; ok {
			enabled = v
		}

		switch entry.kind {
		case KindFeed:
			add(NewFeedSource(FeedConfig{
				Name:     entry.name,
				URL:      entry.url,
				Enabled:  enabled,
				MaxItems: cfg.MaxItems,
				Timeout:  cfg.Timeout,
			}, client, logger))
		case KindAPI:
			if entry.needsKey && cfg.OTXAPIKey == "" {
				continue
			}
			apiCfg := APIConfig{
				Name:     entry.name,
				URL:      entry.url,
				Enabled:  enabled,
				ItemPath: entry.itemPath,
				Headers:  entry.headers,
				Timeout:  cfg.Timeout,
			}
			if entry.needsKey {
				apiCfg.APIKey = cfg.OTXAPIKey
			}
			add(NewAPISource(apiCfg, client, logger))
		}
	}

	for _, f := range cfg.Feeds {
		if f.Timeout == 0 {
			f.Timeout = cfg.Timeout
		}
		if f.MaxItems == 0 {
			f.MaxItems = cfg.MaxItems
		}
		add(NewFeedSource(f, client, logger))
	}

	for _, a := range cfg.APIs {
		if a.APIKeyEnv != "" {
			key := os.Getenv(a.APIKeyEnv)
			if key == "" {
				add(nil, &ConfigError{Source: a.Name, Reason: fmt.Sprintf("environment variable %s is not set", a.APIKeyEnv)})
				continue
			}
			a.APIKey = key
		}
		if a.Timeout == 0 {
			a.Timeout = cfg.Timeout
		}
		add(NewAPISource(a.APIConfig, client, logger))
	}

	for _, f := range cfg.Folders {
		add(NewFolderSource(f, logger))
	}

	logger.Infof("initialized %d threat intelligence sources (%d skipped)", len(out), len(errs))
	return out, errs
}
