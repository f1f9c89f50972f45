package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Feed kinds.
const (
	FeedOrderflow = "ws"
	FeedBinance   = "binance"
	FeedPostgres  = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Env      string
	LogLevel string
	Engine   EngineConfig
	Feed     FeedConfig
	DB       DBConfig
	Redis    RedisConfig
	Server   ServerConfig
	Query    QueryConfig
	AWS      AWSConfig
}

// EngineConfig mirrors engine.Config in env-friendly units.
type EngineConfig struct {
	TickSize         float64
	LadderLevels     int
	HistoryLen       int
	SpikeMultiplier  float64
	SpikeMinHistory  int
	AbsorptionVolume float64
	AbsorptionTicks  int
	ChartBucket      time.Duration
	Retention        string
	ChartWindow      time.Duration
	MaxPoints        int
	SmoothWindow     int
	TapeSize         int
	MaxLevels        int
}

// FeedConfig selects and tunes the trade source.
type FeedConfig struct {
	Kind   string
	URL    string
	Symbol string
	// Token authenticates against the upstream relay. TokenCiphertext, when
	// set, is a base64 KMS blob that replaces Token at startup.
	Token           string
	TokenCiphertext string
	Heartbeat       time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	StaleThreshold  time.Duration
}

// DBConfig holds PostgreSQL connection and polling settings.
type DBConfig struct {
	DSN          string
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxConns     int
	PollInterval time.Duration
	Lookback     time.Duration
	Limit        int
}

// RedisConfig holds Redis connection settings. Stats are only mirrored to
// Redis when Enabled.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// ServerConfig holds the HTTP/websocket surface settings.
type ServerConfig struct {
	Addr            string
	FrameInterval   time.Duration
	CORSOrigin      string
	Token           string
	TokenCiphertext string
}

// QueryConfig places the gRPC query socket. An empty path disables it.
type QueryConfig struct {
	SocketPath string
	// SocketMode is an octal permission string such as "0660".
	SocketMode string
}

// Mode parses SocketMode. The owner must keep read and write access.
func (q QueryConfig) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(q.SocketMode, 8, 32)
	if err != nil || m > 0o777 || m&0o600 != 0o600 {
		return 0, fmt.Errorf("query.socket_mode %q must be an octal mode with owner read/write", q.SocketMode)
	}
	return os.FileMode(m), nil
}

type AWSConfig struct {
	Region             string
	LocalStackEndpoint string
}

// Load reads configuration from environment variables prefixed with
// ORDERFLOW_, after loading envFiles (default .env) when present.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	def := engine.DefaultConfig()
	v.SetDefault("engine.tick_size", def.TickSize)
	v.SetDefault("engine.ladder_levels", def.LadderLevels)
	v.SetDefault("engine.history_len", def.HistoryLen)
	v.SetDefault("engine.spike_multiplier", def.SpikeMultiplier)
	v.SetDefault("engine.spike_min_history", def.SpikeMinHistory)
	v.SetDefault("engine.absorption_volume", def.AbsorptionVolume)
	v.SetDefault("engine.absorption_ticks", def.AbsorptionTicks)
	v.SetDefault("engine.chart_bucket", def.ChartBucket)
	v.SetDefault("engine.retention", string(def.Retention))
	v.SetDefault("engine.chart_window", def.ChartWindow)
	v.SetDefault("engine.max_points", def.MaxPoints)
	v.SetDefault("engine.smooth_window", def.SmoothWindow)
	v.SetDefault("engine.tape_size", def.TapeSize)
	v.SetDefault("engine.max_levels", def.MaxLevels)

	v.SetDefault("feed.kind", FeedOrderflow)
	v.SetDefault("feed.url", "ws://localhost:8000")
	v.SetDefault("feed.symbol", "btcusdt")
	v.SetDefault("feed.heartbeat", 30*time.Second)
	v.SetDefault("feed.backoff_initial", 100*time.Millisecond)
	v.SetDefault("feed.backoff_max", 10*time.Second)
	v.SetDefault("feed.stale_threshold", 10*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "orderflow")
	v.SetDefault("db.password", "orderflow")
	v.SetDefault("db.dbname", "orderflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.poll_interval", 200*time.Millisecond)
	v.SetDefault("db.lookback", 30*time.Second)
	v.SetDefault("db.limit", 5000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.frame_interval", 16*time.Millisecond)
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("query.socket_path", "/var/run/orderflow/query.sock")
	v.SetDefault("query.socket_mode", "0600")

	v.SetDefault("aws.region", "us-east-1")

	cfg := &Config{
		Env:      v.GetString("env"),
		LogLevel: v.GetString("log_level"),
	}

	cfg.Engine = EngineConfig{
		TickSize:         v.GetFloat64("engine.tick_size"),
		LadderLevels:     v.GetInt("engine.ladder_levels"),
		HistoryLen:       v.GetInt("engine.history_len"),
		SpikeMultiplier:  v.GetFloat64("engine.spike_multiplier"),
		SpikeMinHistory:  v.GetInt("engine.spike_min_history"),
		AbsorptionVolume: v.GetFloat64("engine.absorption_volume"),
		AbsorptionTicks:  v.GetInt("engine.absorption_ticks"),
		ChartBucket:      v.GetDuration("engine.chart_bucket"),
		Retention:        strings.ToLower(v.GetString("engine.retention")),
		ChartWindow:      v.GetDuration("engine.chart_window"),
		MaxPoints:        v.GetInt("engine.max_points"),
		SmoothWindow:     v.GetInt("engine.smooth_window"),
		TapeSize:         v.GetInt("engine.tape_size"),
		MaxLevels:        v.GetInt("engine.max_levels"),
	}

	cfg.Feed = FeedConfig{
		Kind:            strings.ToLower(v.GetString("feed.kind")),
		URL:             v.GetString("feed.url"),
		Symbol:          strings.ToLower(v.GetString("feed.symbol")),
		Token:           v.GetString("feed.token"),
		TokenCiphertext: v.GetString("feed.token_ciphertext"),
		Heartbeat:       v.GetDuration("feed.heartbeat"),
		BackoffInitial:  v.GetDuration("feed.backoff_initial"),
		BackoffMax:      v.GetDuration("feed.backoff_max"),
		StaleThreshold:  v.GetDuration("feed.stale_threshold"),
	}

	cfg.DB = DBConfig{
		DSN:          v.GetString("db.dsn"),
		Host:         v.GetString("db.host"),
		Port:         v.GetInt("db.port"),
		User:         v.GetString("db.user"),
		Password:     v.GetString("db.password"),
		DBName:       v.GetString("db.dbname"),
		SSLMode:      v.GetString("db.sslmode"),
		MaxConns:     v.GetInt("db.max_conns"),
		PollInterval: v.GetDuration("db.poll_interval"),
		Lookback:     v.GetDuration("db.lookback"),
		Limit:        v.GetInt("db.limit"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		TLS:      v.GetBool("redis.tls"),
	}

	cfg.Server = ServerConfig{
		Addr:            v.GetString("server.addr"),
		FrameInterval:   v.GetDuration("server.frame_interval"),
		CORSOrigin:      v.GetString("server.cors_origin"),
		Token:           v.GetString("server.token"),
		TokenCiphertext: v.GetString("server.token_ciphertext"),
	}

	cfg.Query = QueryConfig{
		SocketPath: v.GetString("query.socket_path"),
		SocketMode: v.GetString("query.socket_mode"),
	}

	cfg.AWS = AWSConfig{
		Region:             v.GetString("aws.region"),
		LocalStackEndpoint: v.GetString("aws.localstack_endpoint"),
	}

	return cfg, nil
}

// ToEngine converts the engine section. The spike epsilon is not exposed.
func (c *Config) ToEngine() engine.Config {
	e := engine.DefaultConfig()
	e.TickSize = c.Engine.TickSize
	e.LadderLevels = c.Engine.LadderLevels
	e.HistoryLen = c.Engine.HistoryLen
	e.SpikeMultiplier = c.Engine.SpikeMultiplier
	e.SpikeMinHistory = c.Engine.SpikeMinHistory
	e.AbsorptionVolume = c.Engine.AbsorptionVolume
	e.AbsorptionTicks = c.Engine.AbsorptionTicks
	e.ChartBucket = c.Engine.ChartBucket
	e.Retention = engine.RetentionPolicy(c.Engine.Retention)
	e.ChartWindow = c.Engine.ChartWindow
	e.MaxPoints = c.Engine.MaxPoints
	e.SmoothWindow = c.Engine.SmoothWindow
	e.TapeSize = c.Engine.TapeSize
	e.MaxLevels = c.Engine.MaxLevels
	return e
}

// NeedsKMS reports whether any secret has to be unwrapped at startup.
func (c *Config) NeedsKMS() bool {
	return c.Feed.TokenCiphertext != "" || c.Server.TokenCiphertext != ""
}

// Validate fails on the first unusable setting.
func (c *Config) Validate() error {
	if err := c.ToEngine().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Feed.Symbol == "" {
		return fmt.Errorf("%w: feed.symbol is required", ErrInvalid)
	}
	switch c.Feed.Kind {
	case FeedOrderflow, FeedBinance:
		if c.Feed.URL == "" {
			return fmt.Errorf("%w: feed.url is required for %s feeds", ErrInvalid, c.Feed.Kind)
		}
		if c.Feed.Heartbeat <= 0 || c.Feed.BackoffInitial <= 0 || c.Feed.BackoffMax < c.Feed.BackoffInitial {
			return fmt.Errorf("%w: feed heartbeat and backoff must be positive with max >= initial", ErrInvalid)
		}
	case FeedPostgres:
		if c.DB.DSN == "" && c.DB.Host == "" {
			return fmt.Errorf("%w: db.dsn or db.host is required for postgres feeds", ErrInvalid)
		}
		if c.DB.PollInterval <= 0 {
			return fmt.Errorf("%w: db.poll_interval must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown feed.kind %q", ErrInvalid, c.Feed.Kind)
	}
	if c.Server.FrameInterval <= 0 {
		return fmt.Errorf("%w: server.frame_interval must be positive", ErrInvalid)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalid)
	}
	if c.Query.SocketPath != "" {
		if _, err := c.Query.Mode(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if c.NeedsKMS() && c.AWS.Region == "" {
		return fmt.Errorf("%w: aws.region is required to decrypt token ciphertexts", ErrInvalid)
	}
	return nil
}
