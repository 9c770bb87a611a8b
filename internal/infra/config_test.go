package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func validConfig() *Config {
	feed := FeedConfig{Enabled: true, APIKey: "k", Interval: time.Minute, Timeout: 5 * time.Second}
	return &Config{
		Database:  DatabaseConfig{Driver: "memory"},
		Queue:     QueueConfig{Backend: "memory", Capacity: 500, DrainDefault: 50},
		Retention: RetentionConfig{MaxEvents: 1000},
		Feeds: FeedsConfig{
			AbuseIPDB: AbuseIPDBConfig{FeedConfig: feed, ConfidenceMin: 90},
			OTX:       OTXConfig{FeedConfig: feed, Since: time.Hour, Limit: 10},
		},
		Summarizer: SummarizerConfig{
			Provider:    "mock",
			Interval:    time.Minute,
			BatchSize:   50,
			Concurrency: 10,
			Timeout:     5 * time.Second,
		},
		Geo:       GeoConfig{Fallback: "undetermined"},
		Lifecycle: LifecycleConfig{ShutdownGrace: 15 * time.Second},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"feed without key", func(c *Config) { c.Feeds.OTX.APIKey = "" }, "feeds.otx.api_key"},
		{"feed timeout beyond grace", func(c *Config) { c.Feeds.AbuseIPDB.Timeout = time.Minute }, "feeds.abuseipdb.timeout"},
		{"feed timeout beyond interval", func(c *Config) {
			c.Feeds.OTX.Interval = 3 * time.Second
		}, "feeds.otx.timeout must be shorter than interval"},
		{"summarizer timeout beyond interval", func(c *Config) {
			c.Summarizer.Interval = 5 * time.Second
		}, "summarizer.timeout must be shorter than interval"},
		{"unreadable auth key", func(c *Config) {
			c.Auth.PublicKeyPath = "/nonexistent/reader.pub"
		}, "auth.public_key_path"},
		{"auth key loaded", func(c *Config) {
			c.Auth.PublicKeyPath = "/etc/threatecho/reader.pub"
			c.Auth.PublicKey = []byte("-----BEGIN PUBLIC KEY-----")
		}, ""},
		{"disabled feed is not checked", func(c *Config) {
			c.Feeds.OTX.Enabled = false
			c.Feeds.OTX.APIKey = ""
		}, ""},
		{"no feeds", func(c *Config) {
			c.Feeds.OTX.Enabled = false
			c.Feeds.AbuseIPDB.Enabled = false
		}, "no feeds enabled"},
		{"llm without key", func(c *Config) { c.Summarizer.Provider = "anthropic" }, "summarizer.api_key"},
		{"unknown provider", func(c *Config) { c.Summarizer.Provider = "gemini" }, "summarizer.provider"},
		{"zero concurrency", func(c *Config) { c.Summarizer.Concurrency = 0 }, "concurrency"},
		{"lock without ttl", func(c *Config) { c.Summarizer.CycleLock = true }, "lock_ttl"},
		{"unknown fallback", func(c *Config) { c.Geo.Fallback = "nearest" }, "geo.fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.Equal(t, nil, err)
				return
			}
			assert.NotEqual(t, nil, err)
			assert.Equal(t, true, strings.Contains(err.Error(), tt.wantErr))
		})
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
database:
  driver: memory
feeds:
  otx:
    api_key: from-file
    interval: 10m
summarizer:
  provider: mock
  concurrency: 4
`
	assert.Equal(t, nil, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("SUMMARIZER_BATCH_SIZE", "7")
	t.Setenv("ABUSEIPDB_API_KEY", "from-env")

	cfg, err := LoadConfig(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "from-file", cfg.Feeds.OTX.APIKey)
	assert.Equal(t, 10*time.Minute, cfg.Feeds.OTX.Interval)
	assert.Equal(t, "from-env", cfg.Feeds.AbuseIPDB.APIKey)
	assert.Equal(t, 4, cfg.Summarizer.Concurrency)
	assert.Equal(t, 7, cfg.Summarizer.BatchSize)
	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.Equal(t, 90, cfg.Feeds.AbuseIPDB.ConfidenceMin)
	assert.Equal(t, nil, cfg.Validate())
}
