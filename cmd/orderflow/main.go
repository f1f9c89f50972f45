package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/caesar-terminal/orderflow/internal/adapter"
	"github.com/caesar-terminal/orderflow/internal/adapter/binance"
	"github.com/caesar-terminal/orderflow/internal/adapter/orderflow"
	"github.com/caesar-terminal/orderflow/internal/config"
	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/caesar-terminal/orderflow/internal/kms"
	"github.com/caesar-terminal/orderflow/internal/pipeline"
	"github.com/caesar-terminal/orderflow/internal/query"
	"github.com/caesar-terminal/orderflow/internal/server"
	"github.com/caesar-terminal/orderflow/internal/store/postgres"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("orderflow stopped with error")
		memguard.Purge()
		os.Exit(1)
	}
	logger.Info("orderflow stopped")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// feed is a started trade source plus whatever has to run alongside it.
type feed struct {
	src  adapter.BatchSource
	run  func(context.Context)
	conn adapter.ConnWatcher
	stop func()
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	log := logger.WithFields(logrus.Fields{"env": cfg.Env, "symbol": cfg.Feed.Symbol, "feed": cfg.Feed.Kind})
	log.Info("orderflow starting")

	guard, err := unwrapSecrets(ctx, cfg)
	if err != nil {
		return err
	}
	defer guard.Destroy()

	eng, err := engine.New(cfg.ToEngine())
	if err != nil {
		return err
	}

	bc := adapter.NewBroadcaster(logger)
	defer bc.Close()
	runner := pipeline.NewRunner(pipeline.Config{FrameInterval: cfg.Server.FrameInterval}, eng, bc, logger)

	f, err := openFeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer f.stop()
	runner.AddSource(cfg.Feed.Kind, f.src)

	monitorFeed, cancelMonitor := bc.Subscribe(1)
	defer cancelMonitor()
	monitor := adapter.NewFeedMonitor(adapter.FeedMonitorConfig{StaleThreshold: cfg.Feed.StaleThreshold}, monitorFeed, logger)
	if f.conn != nil {
		monitor.Watch(f.conn)
	}

	hubFeed, cancelHub := bc.Subscribe(1)
	defer cancelHub()
	hub := server.NewHub(cfg.Feed.Symbol, hubFeed, runner, guard, cfg.Server.CORSOrigin, logger)
	httpSrv := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		Symbol:     cfg.Feed.Symbol,
		CORSOrigin: cfg.Server.CORSOrigin,
	}, runner, monitor, hub, logger)

	var writer *adapter.RedisWriter
	if cfg.Redis.Enabled {
		rdb, err := adapter.NewGoRedis(ctx, adapter.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLS,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		redisFeed, cancelRedis := bc.Subscribe(1)
		defer cancelRedis()
		writer = adapter.NewRedisWriter(rdb, redisFeed, cfg.Feed.Symbol, logger)
	}

	var qs *query.Server
	if cfg.Query.SocketPath != "" {
		mode, err := cfg.Query.Mode()
		if err != nil {
			return err
		}
		qs, err = query.NewServer(query.ServerConfig{SocketPath: cfg.Query.SocketPath, SocketMode: mode}, runner, logger)
		if err != nil {
			return fmt.Errorf("query server: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { f.run(ctx); return nil })
	g.Go(func() error { monitor.Run(ctx); return nil })
	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { return httpSrv.Run(ctx) })
	if writer != nil {
		g.Go(func() error { writer.Run(ctx); return nil })
	}
	if qs != nil {
		g.Go(func() error {
			if err := qs.Serve(); err != nil {
				return fmt.Errorf("query server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			qs.GracefulStop()
			return nil
		})
		log.WithField("socket", cfg.Query.SocketPath).Info("query service listening")
	}

	err = g.Wait()
	batches, applied, skipped := runner.Counters()
	log.WithFields(logrus.Fields{"batches": batches, "applied": applied, "skipped": skipped}).Info("final counters")
	return err
}

// unwrapSecrets decrypts configured token ciphertexts and seals the
// subscriber token. A nil guard admits every render client.
func unwrapSecrets(ctx context.Context, cfg *config.Config) (*server.TokenGuard, error) {
	serverToken := []byte(cfg.Server.Token)
	cfg.Server.Token = ""

	if cfg.NeedsKMS() {
		kc, err := kms.New(ctx, cfg.AWS.Region, cfg.AWS.LocalStackEndpoint)
		if err != nil {
			return nil, err
		}
		if cfg.Feed.TokenCiphertext != "" {
			plain, err := kc.DecryptBase64(ctx, cfg.Feed.TokenCiphertext)
			if err != nil {
				return nil, fmt.Errorf("feed token: %w", err)
			}
			cfg.Feed.Token = string(plain)
			memguard.WipeBytes(plain)
		}
		if cfg.Server.TokenCiphertext != "" {
			plain, err := kc.DecryptBase64(ctx, cfg.Server.TokenCiphertext)
			if err != nil {
				return nil, fmt.Errorf("server token: %w", err)
			}
			serverToken = plain
		}
	}
	return server.NewTokenGuard(serverToken), nil
}

func openFeed(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*feed, error) {
	switch cfg.Feed.Kind {
	case config.FeedOrderflow, config.FeedBinance:
		var url string
		var err error
		if cfg.Feed.Kind == config.FeedOrderflow {
			url, err = orderflow.StreamURL(cfg.Feed.URL, cfg.Feed.Symbol, cfg.Feed.Token)
		} else {
			url, err = binance.StreamURL(cfg.Feed.URL, cfg.Feed.Symbol)
		}
		if err != nil {
			return nil, err
		}

		wsCfg := adapter.DefaultWSConfig(url)
		wsCfg.HeartbeatTimeout = cfg.Feed.Heartbeat
		wsCfg.BackoffInitial = cfg.Feed.BackoffInitial
		wsCfg.BackoffMax = cfg.Feed.BackoffMax
		ws := adapter.NewWSClient(wsCfg, logger)

		f := &feed{conn: ws, stop: ws.Close}
		if cfg.Feed.Kind == config.FeedOrderflow {
			a := orderflow.New(ws, logger)
			f.src, f.run = a, a.Run
		} else {
			a := binance.New(ws, logger)
			f.src, f.run = a, a.Run
		}
		if err := ws.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect feed: %w", err)
		}
		return f, nil

	case config.FeedPostgres:
		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.DB.DSN,
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			Database: cfg.DB.DBName,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			SSLMode:  cfg.DB.SSLMode,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Env == "development" {
			if err := client.EnsureSchema(ctx); err != nil {
				client.Close()
				return nil, err
			}
		}
		poller := postgres.NewPoller(postgres.PollerConfig{
			Coin:     cfg.Feed.Symbol,
			Interval: cfg.DB.PollInterval,
			Lookback: cfg.DB.Lookback,
			Limit:    cfg.DB.Limit,
		}, postgres.NewTradeStore(client.Pool()), logger)
		return &feed{src: poller, run: poller.Run, stop: client.Close}, nil
	}
	return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
}
