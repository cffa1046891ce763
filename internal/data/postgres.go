package data

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // registers the database/sql driver used by migration tooling
)

// PostgresStore implements the repository contract against a real
// Postgres instance via pgx. Table DDL is assumed to already exist
// (migrations are out of scope here, per SPEC_FULL.md 1).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and returns a ready store.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("data: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("data: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Upsert(ctx context.Context, c types.Candle) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO candles (symbol, timeframe, close_time, open, high, low, close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (symbol, timeframe, close_time) DO NOTHING`,
		c.Symbol, c.Timeframe, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return false, fmt.Errorf("data: upsert candle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Exists(ctx context.Context, symbol string, tf types.Timeframe, closeTime int64) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM candles WHERE symbol=$1 AND timeframe=$2 AND close_time=$3)`,
		symbol, tf, closeTime).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("data: candle exists: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) Last(ctx context.Context, symbol string, tf types.Timeframe, atOrBefore int64, limit int) ([]types.Candle, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT symbol, timeframe, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol=$1 AND timeframe=$2 AND close_time<=$3
		ORDER BY close_time DESC
		LIMIT $4`, symbol, tf, atOrBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("data: last candles: %w", err)
	}
	defer rows.Close()

	out := make([]types.Candle, 0, limit)
	for rows.Next() {
		var c types.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("data: scan candle: %w", err)
		}
		out = append(out, c)
	}
	// reverse to oldest-first, matching the in-memory implementation
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
