package data

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// PostgresFeatures implements FeatureRepository over the same pool.
type PostgresFeatures struct{ *PostgresStore }

func (p PostgresFeatures) Upsert(ctx context.Context, f types.FeatureVector) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO features (symbol, timeframe, computed_at, payload)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (symbol, timeframe, computed_at) DO UPDATE SET payload=EXCLUDED.payload`,
		f.Symbol, f.Timeframe, f.CloseTime, mustJSON(f))
	if err != nil {
		return fmt.Errorf("data: upsert feature: %w", err)
	}
	return nil
}

func (p PostgresFeatures) Window(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.FeatureVector, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM features
		WHERE symbol=$1 AND timeframe=$2
		ORDER BY computed_at DESC LIMIT $3`, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("data: feature window: %w", err)
	}
	defer rows.Close()
	out := make([]types.FeatureVector, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("data: scan feature: %w", err)
		}
		var f types.FeatureVector
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("data: decode feature: %w", err)
		}
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// PostgresRegimes implements RegimeRepository.
type PostgresRegimes struct{ *PostgresStore }

func (p PostgresRegimes) Upsert(ctx context.Context, d types.RegimeDecision) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO regime_decisions (symbol, close_time_5m, payload)
		VALUES ($1,$2,$3)
		ON CONFLICT (symbol, close_time_5m) DO UPDATE SET payload=EXCLUDED.payload`,
		d.Symbol, d.CloseTime5m, mustJSON(d))
	if err != nil {
		return fmt.Errorf("data: upsert regime: %w", err)
	}
	return nil
}

func (p PostgresRegimes) Latest(ctx context.Context, symbol string) (types.RegimeDecision, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT payload FROM regime_decisions WHERE symbol=$1 ORDER BY close_time_5m DESC LIMIT 1`,
		symbol).Scan(&raw)
	if err != nil {
		return types.RegimeDecision{}, false, nil
	}
	var d types.RegimeDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.RegimeDecision{}, false, fmt.Errorf("data: decode regime: %w", err)
	}
	return d, true, nil
}

// PostgresOrders implements OrderRepository.
type PostgresOrders struct{ *PostgresStore }

func (p PostgresOrders) Insert(ctx context.Context, o types.Order) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO orders (external_id, payload) VALUES ($1,$2)
		ON CONFLICT (external_id) DO NOTHING`, o.ExternalID, mustJSON(o))
	if err != nil {
		return fmt.Errorf("data: insert order: %w", err)
	}
	return nil
}

func (p PostgresOrders) Update(ctx context.Context, o types.Order) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE orders SET payload=$2 WHERE external_id=$1`, o.ExternalID, mustJSON(o))
	if err != nil {
		return fmt.Errorf("data: update order: %w", err)
	}
	return nil
}

func (p PostgresOrders) ByExternalID(ctx context.Context, externalID string) (types.Order, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM orders WHERE external_id=$1`, externalID).Scan(&raw)
	if err != nil {
		return types.Order{}, false, nil
	}
	var o types.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return types.Order{}, false, fmt.Errorf("data: decode order: %w", err)
	}
	return o, true, nil
}

// PostgresFills implements FillRepository.
type PostgresFills struct{ *PostgresStore }

func (p PostgresFills) Insert(ctx context.Context, f types.Fill) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO fills (order_id, payload) VALUES ($1,$2)`, f.OrderID, mustJSON(f))
	if err != nil {
		return fmt.Errorf("data: insert fill: %w", err)
	}
	return nil
}

func (p PostgresFills) ByOrderID(ctx context.Context, orderID string) ([]types.Fill, error) {
	rows, err := p.pool.Query(ctx, `SELECT payload FROM fills WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("data: fills by order: %w", err)
	}
	defer rows.Close()
	out := make([]types.Fill, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("data: scan fill: %w", err)
		}
		var f types.Fill
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("data: decode fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PostgresPositions implements PositionRepository.
type PostgresPositions struct{ *PostgresStore }

func (p PostgresPositions) Upsert(ctx context.Context, pos types.Position) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO positions (id, symbol, state, payload) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, payload=EXCLUDED.payload`,
		pos.ID, pos.Symbol, pos.State, mustJSON(pos))
	if err != nil {
		return fmt.Errorf("data: upsert position: %w", err)
	}
	return nil
}

func (p PostgresPositions) Get(ctx context.Context, id string) (types.Position, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM positions WHERE id=$1`, id).Scan(&raw)
	if err != nil {
		return types.Position{}, false, nil
	}
	var pos types.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return types.Position{}, false, fmt.Errorf("data: decode position: %w", err)
	}
	return pos, true, nil
}

func (p PostgresPositions) OpenBySymbol(ctx context.Context, symbol string) ([]types.Position, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM positions
		WHERE symbol=$1 AND state IN ('ARMED','ENTERING','IN_POSITION','DEFENSIVE')`, symbol)
	if err != nil {
		return nil, fmt.Errorf("data: open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (p PostgresPositions) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM positions WHERE state IN ('ARMED','ENTERING','IN_POSITION','DEFENSIVE')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("data: count open positions: %w", err)
	}
	return count, nil
}

func (p PostgresPositions) LastClosedAt(ctx context.Context, symbol string) (int64, bool, error) {
	var ts int64
	err := p.pool.QueryRow(ctx, `
		SELECT (payload->>'updatedAt')::bigint FROM positions
		WHERE symbol=$1 AND state IN ('COOLDOWN','NEUTRAL')
		ORDER BY (payload->>'updatedAt')::bigint DESC LIMIT 1`, symbol).Scan(&ts)
	if err != nil {
		return 0, false, nil
	}
	return ts, true, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPositions(rows pgxRows) ([]types.Position, error) {
	out := make([]types.Position, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("data: scan position: %w", err)
		}
		var pos types.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			return nil, fmt.Errorf("data: decode position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// PostgresParamVersions implements ParamVersionRepository.
type PostgresParamVersions struct{ *PostgresStore }

func (p PostgresParamVersions) Insert(ctx context.Context, v types.ParamVersion) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO param_versions (id, effective_from, payload) VALUES ($1,$2,$3)`,
		v.ID, v.EffectiveFrom, mustJSON(v))
	if err != nil {
		return fmt.Errorf("data: insert param version: %w", err)
	}
	return nil
}

func (p PostgresParamVersions) ActiveAt(ctx context.Context, atMs int64) (types.ParamVersion, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT payload FROM param_versions WHERE effective_from<=$1
		ORDER BY effective_from DESC LIMIT 1`, atMs).Scan(&raw)
	if err != nil {
		return types.ParamVersion{}, false, nil
	}
	var v types.ParamVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.ParamVersion{}, false, fmt.Errorf("data: decode param version: %w", err)
	}
	return v, true, nil
}

// PostgresAudits implements AuditRepository.
type PostgresAudits struct{ *PostgresStore }

func (p PostgresAudits) Record(ctx context.Context, e types.AuditEvent) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO audit_events (id, ts, payload) VALUES ($1,$2,$3)`,
		e.ID, e.Ts, mustJSON(e))
	if err != nil {
		return fmt.Errorf("data: record audit: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("data: marshal %T: %v", v, err))
	}
	return b
}

// Repositories builds the full Repositories bundle over one pool.
func (p *PostgresStore) Repositories() Repositories {
	return Repositories{
		Candles:       p,
		Features:      PostgresFeatures{p},
		Regimes:       PostgresRegimes{p},
		Orders:        PostgresOrders{p},
		Fills:         PostgresFills{p},
		Positions:     PostgresPositions{p},
		ParamVersions: PostgresParamVersions{p},
		Audits:        PostgresAudits{p},
	}
}
