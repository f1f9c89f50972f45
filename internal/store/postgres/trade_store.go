package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TradeRow is one row of the orderflow table.
type TradeRow struct {
	EventTime time.Time
	Price     float64
	Quantity  float64
	Side      string
	// Delta is nil when ingest did not compute one.
	Delta *float64
}

// TradeStore queries executed trades.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// TradesSince returns up to limit trades for coin strictly after since,
// oldest first. A limit of zero or less means no limit.
func (s *TradeStore) TradesSince(ctx context.Context, coin string, since time.Time, limit int) ([]TradeRow, error) {
	query := `SELECT event_time, price, quantity, side, delta
		FROM orderflow
		WHERE coin = $1 AND event_time > $2
		ORDER BY event_time`
	args := []any{coin, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	return s.query(ctx, coin, query, args...)
}

// TradesAt returns every trade for coin stamped exactly at.
func (s *TradeStore) TradesAt(ctx context.Context, coin string, at time.Time) ([]TradeRow, error) {
	return s.query(ctx, coin, `SELECT event_time, price, quantity, side, delta
		FROM orderflow
		WHERE coin = $1 AND event_time = $2`, coin, at)
}

func (s *TradeStore) query(ctx context.Context, coin, query string, args ...any) ([]TradeRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades for %s: %w", coin, err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		if err := rows.Scan(&r.EventTime, &r.Price, &r.Quantity, &r.Side, &r.Delta); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return out, nil
}
