package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is GoRedis; in tests a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// statsRecord is the last-written stats for a symbol, used to skip
// duplicate writes.
type statsRecord struct {
	Buys  string
	Sells string
	CVD   string
	Price string
}

// RedisWriter mirrors the running stats of published snapshots into Redis
// so other processes can read them without a websocket:
//
//	Key:    orderflow:{symbol}
//	Fields: buys, sells, net, cvd, price, ts
//
// Snapshots whose stats are unchanged are not rewritten.
type RedisWriter struct {
	client RedisClient
	feed   <-chan *engine.Snapshot
	key    string
	log    *logrus.Entry

	last    statsRecord
	written bool
}

// NewRedisWriter creates a writer for symbol fed by a Broadcaster
// subscription.
func NewRedisWriter(client RedisClient, feed <-chan *engine.Snapshot, symbol string, logger *logrus.Logger) *RedisWriter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisWriter{
		client: client,
		feed:   feed,
		key:    "orderflow:" + symbol,
		log:    logger.WithFields(logrus.Fields{"component": "redis_writer", "symbol": symbol}),
	}
}

// Key is the Redis hash the writer maintains.
func (rw *RedisWriter) Key() string { return rw.key }

// Run writes snapshots until ctx is cancelled or the feed closes.
func (rw *RedisWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-rw.feed:
			if !ok {
				return
			}
			rw.write(ctx, snap)
		}
	}
}

func (rw *RedisWriter) write(ctx context.Context, snap *engine.Snapshot) {
	raw, _, ok := snap.LastPrice()
	if !ok {
		return
	}
	st := snap.Stats()
	rec := statsRecord{
		Buys:  formatFloat(st.TotalBuys),
		Sells: formatFloat(st.TotalSells),
		CVD:   formatFloat(st.CVD),
		Price: formatFloat(raw),
	}
	if rw.written && rec == rw.last {
		return
	}

	ts := strconv.FormatInt(st.LastUpdate.UnixMilli(), 10)
	err := rw.client.HSet(ctx, rw.key,
		"buys", rec.Buys,
		"sells", rec.Sells,
		"net", formatFloat(st.NetDelta),
		"cvd", rec.CVD,
		"price", rec.Price,
		"ts", ts,
	)
	if err != nil {
		rw.log.WithError(err).Warn("hset failed")
		return
	}
	rw.last = rec
	rw.written = true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RedisConfig holds connection parameters for GoRedis.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// GoRedis adapts a go-redis client to RedisClient.
type GoRedis struct {
	rdb *redis.Client
}

// NewGoRedis connects and pings Redis.
func NewGoRedis(ctx context.Context, cfg RedisConfig) (*GoRedis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &GoRedis{rdb: rdb}, nil
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.rdb.HSet(ctx, key, values...).Err()
}

func (g *GoRedis) Close() error {
	return g.rdb.Close()
}
