package cmd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/iocwatch/internal/service"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

const sampleConfig = `
database:
  path: /var/lib/iocwatch/iocs.db
log:
  level: debug
  format: json
extractor:
  types: [domain, ipv4, sha256]
  exclude_domains: [corp.example]
store:
  retention_days: 30
service:
  interval: 5m
  fetch_workers: 2
sources:
  otx_api_key: otx-key
  timeout: 10s
  builtin:
    threatpost: false
  feeds:
    - name: vendor-blog
      url: https://vendor.example/feed.xml
      enabled: true
  apis:
    - name: internal-ti
      url: https://ti.example/api/iocs
      enabled: true
      item_path: data.items
      api_key_env: INTERNAL_TI_KEY
  folders:
    - name: drop
      dir: ./reports
      enabled: true
logs:
  dir: /var/log/suricata
api:
  bind: 0.0.0.0:9000
  token: s3cret
`

func TestDecodeConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sampleConfig)))
	setDefaults(v)

	cfg, err := decodeConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/iocwatch/iocs.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"domain", "ipv4", "sha256"}, cfg.Extractor.Types)
	assert.True(t, cfg.Extractor.Refang)
	assert.Equal(t, 30, cfg.Store.RetentionDays)

	assert.Equal(t, 5*time.Minute, cfg.Service.Interval)
	assert.Equal(t, 2, cfg.Service.FetchWorkers)
	assert.Equal(t, service.DefaultRetentionSchedule, cfg.Service.RetentionSchedule)
	assert.True(t, cfg.Service.RunOnStart)

	assert.Equal(t, "otx-key", cfg.Sources.OTXAPIKey)
	assert.Equal(t, 10*time.Second, cfg.Sources.Timeout)
	assert.Equal(t, false, cfg.Sources.Builtin["threatpost"])
	require.Len(t, cfg.Sources.Feeds, 1)
	assert.Equal(t, "vendor-blog", cfg.Sources.Feeds[0].Name)
	require.Len(t, cfg.Sources.APIs, 1)
	assert.Equal(t, "data.items", cfg.Sources.APIs[0].ItemPath)
	assert.Equal(t, "INTERNAL_TI_KEY", cfg.Sources.APIs[0].APIKeyEnv)
	require.Len(t, cfg.Sources.Folders, 1)

	assert.Equal(t, "/var/log/suricata", cfg.Logs.Dir)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Bind)
	assert.Equal(t, "s3cret", cfg.API.Token)
	assert.Equal(t, 10, cfg.API.RPS)
}

func TestDecodeConfigDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := decodeConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "./data/iocwatch.db", cfg.Database.Path)
	assert.Equal(t, store.DefaultRetentionDays, cfg.Store.RetentionDays)
	assert.Equal(t, service.DefaultInterval, cfg.Service.Interval)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Logs.Dir)
}

func TestNewLogger(t *testing.T) {
	for _, cfg := range []LogConfig{{}, {Level: "debug", Format: "json"}, {Level: "WARN", Format: "console"}} {
		logger, err := newLogger(cfg)
		require.NoError(t, err, "%+v", cfg)
		assert.NotNil(t, logger)
	}

	_, err := newLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = newLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNewExtractorRejectsUnknownType(t *testing.T) {
	logger, err := newLogger(LogConfig{})
	require.NoError(t, err)

	_, err = newExtractor(ExtractorConfig{Types: []string{"domain", "hostname"}}, logger)
	assert.Error(t, err)

	e, err := newExtractor(ExtractorConfig{Types: []string{"cve"}, Refang: true}, logger)
	require.NoError(t, err)
	found := e.Extract("patched CVE-2024-3400 on the edge", "test")
	require.Len(t, found, 1)
	assert.Equal(t, "CVE-2024-3400", found[0].Value)
}

func TestCorrelationWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t.Cleanup(func() {
		correlateSince, correlateStart, correlateEnd = time.Hour, "", ""
	})

	correlateSince = 30 * time.Minute
	start, end, err := correlationWindow(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), start)
	assert.Equal(t, now, end)

	correlateStart = "2024-04-30T00:00:00Z"
	correlateEnd = "2024-05-01T00:00:00Z"
	start, end, err = correlationWindow(now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	correlateStart = "2024-05-02T00:00:00Z"
	_, _, err = correlationWindow(now)
	assert.Error(t, err)

	correlateStart = "yesterday"
	_, _, err = correlationWindow(now)
	assert.Error(t, err)
}

func TestResolvePathRelativeToBase(t *testing.T) {
	assert.Equal(t, "/abs/iocs.db", resolvePathRelativeToBase("/base", "/abs/iocs.db"))
	assert.Equal(t, filepath.Join("/base", "data", "iocs.db"), resolvePathRelativeToBase("/base", "./data/iocs.db"))
	assert.Equal(t, ":memory:", resolvePathRelativeToBase("/base", ":memory:"))
}
