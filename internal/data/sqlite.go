package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded, file-backed repository implementation the
// CLI falls back to when DATABASE_URL is unset (-dry-run uses the in-memory
// store instead). Schema is created on open.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) a sqlite3 database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("data: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT, timeframe TEXT, close_time INTEGER,
			open REAL, high REAL, low REAL, close REAL, volume REAL,
			PRIMARY KEY (symbol, timeframe, close_time))`,
		`CREATE TABLE IF NOT EXISTS features (
			symbol TEXT, timeframe TEXT, computed_at INTEGER, payload TEXT,
			PRIMARY KEY (symbol, timeframe, computed_at))`,
		`CREATE TABLE IF NOT EXISTS regime_decisions (
			symbol TEXT, close_time_5m INTEGER, payload TEXT,
			PRIMARY KEY (symbol, close_time_5m))`,
		`CREATE TABLE IF NOT EXISTS orders (external_id TEXT PRIMARY KEY, payload TEXT)`,
		`CREATE TABLE IF NOT EXISTS fills (id INTEGER PRIMARY KEY AUTOINCREMENT, order_id TEXT, payload TEXT)`,
		`CREATE TABLE IF NOT EXISTS positions (id TEXT PRIMARY KEY, symbol TEXT, state TEXT, payload TEXT)`,
		`CREATE TABLE IF NOT EXISTS param_versions (id TEXT PRIMARY KEY, effective_from INTEGER, payload TEXT)`,
		`CREATE TABLE IF NOT EXISTS audit_events (id TEXT PRIMARY KEY, ts INTEGER, payload TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("data: sqlite migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Upsert(ctx context.Context, c types.Candle) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, timeframe, close_time, open, high, low, close, volume)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.Symbol, c.Timeframe, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return false, fmt.Errorf("data: sqlite upsert candle: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, symbol string, tf types.Timeframe, closeTime int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM candles WHERE symbol=? AND timeframe=? AND close_time=?`,
		symbol, tf, closeTime).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("data: sqlite candle exists: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Last(ctx context.Context, symbol string, tf types.Timeframe, atOrBefore int64, limit int) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, close_time, open, high, low, close, volume
		FROM candles WHERE symbol=? AND timeframe=? AND close_time<=?
		ORDER BY close_time DESC LIMIT ?`, symbol, tf, atOrBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("data: sqlite last candles: %w", err)
	}
	defer rows.Close()
	out := make([]types.Candle, 0, limit)
	for rows.Next() {
		var c types.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("data: sqlite scan candle: %w", err)
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Record gives the sqlite store a minimal AuditRepository so the sqlite
// fallback retains an audit trail on disk.
func (s *SQLiteStore) Record(ctx context.Context, e types.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("data: sqlite marshal audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events (id, ts, payload) VALUES (?,?,?)`, e.ID, e.Ts, payload)
	if err != nil {
		return fmt.Errorf("data: sqlite record audit: %w", err)
	}
	return nil
}

// Repositories bundles the sqlite store's CandleRepository/AuditRepository
// with an in-memory MemoryStore for the remaining entities, as used by the
// CLI when DATABASE_URL is unset (durable candle history and audit trail on
// disk; everything else is scoped to the process lifetime).
func (s *SQLiteStore) Repositories() Repositories {
	mem := NewMemoryStore()
	repos := NewMemoryRepositories(mem)
	repos.Candles = s
	repos.Audits = s
	return repos
}
