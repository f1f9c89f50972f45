package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}
	if cfg.Feed.Kind != FeedOrderflow || cfg.Feed.Symbol != "btcusdt" {
		t.Errorf("unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Server.FrameInterval != 16*time.Millisecond {
		t.Errorf("expected 16ms frame interval, got %v", cfg.Server.FrameInterval)
	}
	if cfg.DB.PollInterval != 200*time.Millisecond || cfg.DB.Lookback != 30*time.Second {
		t.Errorf("unexpected db polling defaults: %+v", cfg.DB)
	}
	if cfg.ToEngine() != engine.DefaultConfig() {
		t.Errorf("expected default engine config, got %+v", cfg.ToEngine())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if mode, err := cfg.Query.Mode(); err != nil || mode != 0o600 {
		t.Errorf("expected owner-only socket mode, got %o (%v)", mode, err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORDERFLOW_ENV", "production")
	t.Setenv("ORDERFLOW_FEED_KIND", "Binance")
	t.Setenv("ORDERFLOW_FEED_SYMBOL", "ETHUSDT")
	t.Setenv("ORDERFLOW_ENGINE_TICK_SIZE", "0.25")
	t.Setenv("ORDERFLOW_ENGINE_RETENTION", "points")
	t.Setenv("ORDERFLOW_ENGINE_CHART_BUCKET", "250ms")
	t.Setenv("ORDERFLOW_SERVER_TOKEN_CIPHERTEXT", "AQID")
	t.Setenv("ORDERFLOW_QUERY_SOCKET_MODE", "660")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}
	if cfg.Feed.Kind != FeedBinance || cfg.Feed.Symbol != "ethusdt" {
		t.Errorf("expected lowercased binance/ethusdt, got %s/%s", cfg.Feed.Kind, cfg.Feed.Symbol)
	}
	e := cfg.ToEngine()
	if e.TickSize != 0.25 || e.Retention != engine.RetainPoints || e.ChartBucket != 250*time.Millisecond {
		t.Errorf("unexpected engine overrides: %+v", e)
	}
	if !cfg.NeedsKMS() {
		t.Error("expected NeedsKMS with a token ciphertext")
	}
	if mode, err := cfg.Query.Mode(); err != nil || mode != 0o660 {
		t.Errorf("expected socket mode 0660, got %o (%v)", mode, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ORDERFLOW_REDIS_ENABLED=true\nORDERFLOW_REDIS_ADDR=cache:6380\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("ORDERFLOW_REDIS_ENABLED")
		os.Unsetenv("ORDERFLOW_REDIS_ADDR")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6380" {
		t.Errorf("expected redis settings from env file, got %+v", cfg.Redis)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.Engine.TickSize = 0 }},
		{"bad retention", func(c *Config) { c.Engine.Retention = "forever" }},
		{"unknown feed", func(c *Config) { c.Feed.Kind = "fix" }},
		{"no symbol", func(c *Config) { c.Feed.Symbol = "" }},
		{"no url", func(c *Config) { c.Feed.URL = "" }},
		{"backoff inverted", func(c *Config) { c.Feed.BackoffMax = time.Millisecond }},
		{"postgres without host", func(c *Config) { c.Feed.Kind = FeedPostgres; c.DB.Host = "" }},
		{"zero frame", func(c *Config) { c.Server.FrameInterval = 0 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"kms without region", func(c *Config) { c.Feed.TokenCiphertext = "x"; c.AWS.Region = "" }},
		{"socket mode not octal", func(c *Config) { c.Query.SocketMode = "rw-rw----" }},
		{"socket mode locks owner out", func(c *Config) { c.Query.SocketMode = "0440" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}

	noQuery := base()
	noQuery.Query = QueryConfig{}
	if err := noQuery.Validate(); err != nil {
		t.Errorf("disabled query socket needs no mode: %v", err)
	}

	pg := base()
	pg.Feed.Kind = FeedPostgres
	pg.Feed.URL = ""
	if err := pg.Validate(); err != nil {
		t.Errorf("postgres feed needs no url: %v", err)
	}
}
