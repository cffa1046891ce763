// Package data defines the repository contracts for every persisted
// entity in the pipeline and an in-memory implementation used by tests
// and the CLI's dry-run mode. See postgres.go and sqlite.go for the
// durable backends selected by DATABASE_URL.
package data

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// CandleRepository persists finalized candles keyed by (symbol, timeframe,
// closeTime).
type CandleRepository interface {
	Upsert(ctx context.Context, c types.Candle) (inserted bool, err error)
	Exists(ctx context.Context, symbol string, tf types.Timeframe, closeTime int64) (bool, error)
	Last(ctx context.Context, symbol string, tf types.Timeframe, atOrBefore int64, limit int) ([]types.Candle, error)
}

// FeatureRepository persists feature vectors keyed by (symbol, timeframe,
// computedAt).
type FeatureRepository interface {
	Upsert(ctx context.Context, f types.FeatureVector) error
	Window(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.FeatureVector, error)
}

// RegimeRepository persists regime decisions keyed by (symbol,
// closeTime5m).
type RegimeRepository interface {
	Upsert(ctx context.Context, d types.RegimeDecision) error
	Latest(ctx context.Context, symbol string) (types.RegimeDecision, bool, error)
}

// OrderRepository persists orders keyed by externalId.
type OrderRepository interface {
	Insert(ctx context.Context, o types.Order) error
	Update(ctx context.Context, o types.Order) error
	ByExternalID(ctx context.Context, externalID string) (types.Order, bool, error)
}

// FillRepository persists fills linked to an order.
type FillRepository interface {
	Insert(ctx context.Context, f types.Fill) error
	ByOrderID(ctx context.Context, orderID string) ([]types.Fill, error)
}

// PositionRepository persists managed positions.
type PositionRepository interface {
	Upsert(ctx context.Context, p types.Position) error
	Get(ctx context.Context, id string) (types.Position, bool, error)
	OpenBySymbol(ctx context.Context, symbol string) ([]types.Position, error)
	CountOpen(ctx context.Context) (int, error)
	LastClosedAt(ctx context.Context, symbol string) (int64, bool, error)
}

// ParamVersionRepository persists immutable parameter snapshots.
type ParamVersionRepository interface {
	Insert(ctx context.Context, v types.ParamVersion) error
	ActiveAt(ctx context.Context, atMs int64) (types.ParamVersion, bool, error)
}

// AuditRepository persists audit events. It accepts both writer shapes
// (structured and categorical) since both are expressed by the unified
// types.AuditEvent.
type AuditRepository interface {
	Record(ctx context.Context, e types.AuditEvent) error
}

// --- in-memory implementation ---

type candleKey struct {
	symbol string
	tf     types.Timeframe
	ct     int64
}

// MemoryStore implements every repository interface above over plain Go
// maps guarded by a single mutex, matching the teacher's in-memory Store
// pattern generalized to one map per entity.
type MemoryStore struct {
	mu sync.RWMutex

	candles  map[candleKey]types.Candle
	features map[candleKey]types.FeatureVector
	regimes  map[string]map[int64]types.RegimeDecision
	orders   map[string]types.Order
	fills    map[string][]types.Fill
	positions map[string]types.Position
	paramVersions []types.ParamVersion
	audits   []types.AuditEvent
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles:   make(map[candleKey]types.Candle),
		features:  make(map[candleKey]types.FeatureVector),
		regimes:   make(map[string]map[int64]types.RegimeDecision),
		orders:    make(map[string]types.Order),
		fills:     make(map[string][]types.Fill),
		positions: make(map[string]types.Position),
	}
}

// Upsert inserts c if (symbol, timeframe, closeTime) is new, returning
// inserted=false for an existing key (a no-op, per SPEC_FULL.md 8).
func (m *MemoryStore) Upsert(ctx context.Context, c types.Candle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := candleKey{c.Symbol, c.Timeframe, c.CloseTime}
	if _, exists := m.candles[key]; exists {
		return false, nil
	}
	m.candles[key] = c
	return true, nil
}

func (m *MemoryStore) Exists(ctx context.Context, symbol string, tf types.Timeframe, closeTime int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.candles[candleKey{symbol, tf, closeTime}]
	return ok, nil
}

func (m *MemoryStore) Last(ctx context.Context, symbol string, tf types.Timeframe, atOrBefore int64, limit int) ([]types.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]types.Candle, 0)
	for _, c := range m.candles {
		if c.Symbol == symbol && c.Timeframe == tf && c.CloseTime <= atOrBefore {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CloseTime < matched[j].CloseTime })
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (m *MemoryStore) UpsertFeature(ctx context.Context, f types.FeatureVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[candleKey{f.Symbol, f.Timeframe, f.CloseTime}] = f
	return nil
}

func (m *MemoryStore) FeatureWindow(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.FeatureVector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]types.FeatureVector, 0)
	for _, f := range m.features {
		if f.Symbol == symbol && f.Timeframe == tf {
			matched = append(matched, f)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CloseTime < matched[j].CloseTime })
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (m *MemoryStore) UpsertRegime(ctx context.Context, d types.RegimeDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.regimes[d.Symbol] == nil {
		m.regimes[d.Symbol] = make(map[int64]types.RegimeDecision)
	}
	m.regimes[d.Symbol][d.CloseTime5m] = d
	return nil
}

func (m *MemoryStore) LatestRegime(ctx context.Context, symbol string) (types.RegimeDecision, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byTime := m.regimes[symbol]
	if len(byTime) == 0 {
		return types.RegimeDecision{}, false, nil
	}
	var best types.RegimeDecision
	var bestTime int64 = -1
	for t, d := range byTime {
		if t > bestTime {
			bestTime = t
			best = d
		}
	}
	return best, true, nil
}

func (m *MemoryStore) InsertOrder(ctx context.Context, o types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ExternalID] = o
	return nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o types.Order) error {
	return m.InsertOrder(ctx, o)
}

func (m *MemoryStore) OrderByExternalID(ctx context.Context, externalID string) (types.Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[externalID]
	return o, ok, nil
}

func (m *MemoryStore) InsertFill(ctx context.Context, f types.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills[f.OrderID] = append(m.fills[f.OrderID], f)
	return nil
}

func (m *MemoryStore) FillsByOrderID(ctx context.Context, orderID string) ([]types.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Fill(nil), m.fills[orderID]...), nil
}

func (m *MemoryStore) UpsertPosition(ctx context.Context, p types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPosition(ctx context.Context, id string) (types.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok, nil
}

func (m *MemoryStore) OpenPositionsBySymbol(ctx context.Context, symbol string) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0)
	for _, p := range m.positions {
		if p.Symbol == symbol && isOpenState(p.State) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountOpenPositions(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.positions {
		if isOpenState(p.State) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) LastClosedAt(ctx context.Context, symbol string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last int64 = -1
	found := false
	for _, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		if p.State != types.PositionCooldown && p.State != types.PositionNeutral {
			continue
		}
		if p.UpdatedAt > last {
			last = p.UpdatedAt
			found = true
		}
	}
	return last, found, nil
}

func isOpenState(s types.PositionState) bool {
	switch s {
	case types.PositionArmed, types.PositionEntering, types.PositionInPosition, types.PositionDefensive:
		return true
	default:
		return false
	}
}

func (m *MemoryStore) InsertParamVersion(ctx context.Context, v types.ParamVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paramVersions = append(m.paramVersions, v)
	return nil
}

func (m *MemoryStore) ActiveParamVersion(ctx context.Context, atMs int64) (types.ParamVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best types.ParamVersion
	found := false
	for _, v := range m.paramVersions {
		if v.EffectiveFrom <= atMs && (!found || v.EffectiveFrom > best.EffectiveFrom) {
			best = v
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) RecordAudit(ctx context.Context, e types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

// Audits returns a snapshot of every recorded audit event, oldest first.
// Exposed for tests; not part of the AuditRepository contract.
func (m *MemoryStore) Audits() []types.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AuditEvent(nil), m.audits...)
}

// Repositories bundles the per-entity repository interfaces so components
// can be constructed with one argument.
type Repositories struct {
	Candles       CandleRepository
	Features      FeatureRepository
	Regimes       RegimeRepository
	Orders        OrderRepository
	Fills         FillRepository
	Positions     PositionRepository
	ParamVersions ParamVersionRepository
	Audits        AuditRepository
}

// The memory*Adapter types below expose MemoryStore's feature/regime/order/
// fill/position/paramVersion methods under the narrower per-entity interface
// names (MemoryStore itself implements CandleRepository directly).
type memoryFeatureAdapter struct{ m *MemoryStore }

func (a memoryFeatureAdapter) Upsert(ctx context.Context, f types.FeatureVector) error {
	return a.m.UpsertFeature(ctx, f)
}
func (a memoryFeatureAdapter) Window(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.FeatureVector, error) {
	return a.m.FeatureWindow(ctx, symbol, tf, limit)
}

type memoryRegimeAdapter struct{ m *MemoryStore }

func (a memoryRegimeAdapter) Upsert(ctx context.Context, d types.RegimeDecision) error {
	return a.m.UpsertRegime(ctx, d)
}
func (a memoryRegimeAdapter) Latest(ctx context.Context, symbol string) (types.RegimeDecision, bool, error) {
	return a.m.LatestRegime(ctx, symbol)
}

type memoryOrderAdapter struct{ m *MemoryStore }

func (a memoryOrderAdapter) Insert(ctx context.Context, o types.Order) error { return a.m.InsertOrder(ctx, o) }
func (a memoryOrderAdapter) Update(ctx context.Context, o types.Order) error { return a.m.UpdateOrder(ctx, o) }
func (a memoryOrderAdapter) ByExternalID(ctx context.Context, externalID string) (types.Order, bool, error) {
	return a.m.OrderByExternalID(ctx, externalID)
}

type memoryFillAdapter struct{ m *MemoryStore }

func (a memoryFillAdapter) Insert(ctx context.Context, f types.Fill) error { return a.m.InsertFill(ctx, f) }
func (a memoryFillAdapter) ByOrderID(ctx context.Context, orderID string) ([]types.Fill, error) {
	return a.m.FillsByOrderID(ctx, orderID)
}

type memoryPositionAdapter struct{ m *MemoryStore }

func (a memoryPositionAdapter) Upsert(ctx context.Context, p types.Position) error { return a.m.UpsertPosition(ctx, p) }
func (a memoryPositionAdapter) Get(ctx context.Context, id string) (types.Position, bool, error) {
	return a.m.GetPosition(ctx, id)
}
func (a memoryPositionAdapter) OpenBySymbol(ctx context.Context, symbol string) ([]types.Position, error) {
	return a.m.OpenPositionsBySymbol(ctx, symbol)
}
func (a memoryPositionAdapter) CountOpen(ctx context.Context) (int, error) { return a.m.CountOpenPositions(ctx) }
func (a memoryPositionAdapter) LastClosedAt(ctx context.Context, symbol string) (int64, bool, error) {
	return a.m.LastClosedAt(ctx, symbol)
}

type memoryParamVersionAdapter struct{ m *MemoryStore }

func (a memoryParamVersionAdapter) Insert(ctx context.Context, v types.ParamVersion) error {
	return a.m.InsertParamVersion(ctx, v)
}
func (a memoryParamVersionAdapter) ActiveAt(ctx context.Context, atMs int64) (types.ParamVersion, bool, error) {
	return a.m.ActiveParamVersion(ctx, atMs)
}

type memoryAuditAdapter struct{ m *MemoryStore }

func (a memoryAuditAdapter) Record(ctx context.Context, e types.AuditEvent) error {
	return a.m.RecordAudit(ctx, e)
}

// NewMemoryRepositories wraps a MemoryStore as a Repositories bundle.
func NewMemoryRepositories(m *MemoryStore) Repositories {
	return Repositories{
		Candles:       m,
		Features:      memoryFeatureAdapter{m},
		Regimes:       memoryRegimeAdapter{m},
		Orders:        memoryOrderAdapter{m},
		Fills:         memoryFillAdapter{m},
		Positions:     memoryPositionAdapter{m},
		ParamVersions: memoryParamVersionAdapter{m},
		Audits:        memoryAuditAdapter{m},
	}
}
