// Package position implements the managed-position lifecycle: a total
// state machine, R-multiple scale-outs, an ATR-trailed monotone stop, and
// regime-driven exits.
package position

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

const (
	scaleOut1RFraction = 0.5
	scaleOut2RFraction = 0.3

	defaultTrailingAtrMultiple    = 1.0
	defaultHardExitOnExpansion    = true
	defaultHardExitOnRange        = false
	defaultReduceRiskOnRangePct   = 25.0
	closedQtyEpsilon              = 1e-10
)

// transition is the total {state, event} -> nextState table. Any pair not
// present here is a no-op (identity transition), per SPEC_FULL.md 4.9.
var transition = map[types.PositionState]map[types.PositionEvent]types.PositionState{
	types.PositionNeutral: {
		types.EventSignalArmed: types.PositionArmed,
		types.EventDefensiveOn: types.PositionDefensive,
	},
	types.PositionArmed: {
		types.EventOrderSubmitted: types.PositionEntering,
		types.EventDefensiveOn:    types.PositionDefensive,
	},
	types.PositionEntering: {
		types.EventOrderFilled: types.PositionInPosition,
		types.EventDefensiveOn: types.PositionDefensive,
	},
	types.PositionInPosition: {
		types.EventPositionClosed: types.PositionCooldown,
		types.EventDefensiveOn:    types.PositionDefensive,
	},
	types.PositionCooldown: {
		types.EventCooldownExpired: types.PositionNeutral,
		types.EventDefensiveOn:     types.PositionDefensive,
	},
	types.PositionDefensive: {
		types.EventDefensiveOff: types.PositionNeutral,
	},
}

// nextState returns the transition table's result for (state, event), or
// state unchanged if the pair is not a legal transition.
func nextState(state types.PositionState, event types.PositionEvent) types.PositionState {
	if byEvent, ok := transition[state]; ok {
		if next, ok := byEvent[event]; ok {
			return next
		}
	}
	return state
}

// Manager owns every open ManagedPosition in-process and mutates them in
// response to price ticks and regime changes.
type Manager struct {
	logger    *zap.Logger
	positions data.PositionRepository
	paramVers data.ParamVersionRepository
	audits    data.AuditRepository
	bus       *events.Bus

	TrailingAtrMultiple    float64
	HardExitOnExpansion    bool
	HardExitOnRange        bool
	ReduceRiskOnRangePct   float64

	mu        sync.Mutex
	active    map[string]*types.Position
	lastPrice map[string]float64
}

// New constructs a position Manager with SPEC_FULL.md's default tunables
// and subscribes it to order.filled, candle.closed (for price ticks), and
// regime.updated (using the last observed close as the regime-change
// price, since RegimeDecision itself carries none).
func New(logger *zap.Logger, positions data.PositionRepository, paramVers data.ParamVersionRepository, audits data.AuditRepository, bus *events.Bus) *Manager {
	m := &Manager{
		logger:               logger,
		positions:            positions,
		paramVers:            paramVers,
		audits:               audits,
		bus:                  bus,
		TrailingAtrMultiple:  defaultTrailingAtrMultiple,
		HardExitOnExpansion:  defaultHardExitOnExpansion,
		HardExitOnRange:      defaultHardExitOnRange,
		ReduceRiskOnRangePct: defaultReduceRiskOnRangePct,
		active:               make(map[string]*types.Position),
		lastPrice:            make(map[string]float64),
	}
	bus.Subscribe(events.OrderFilled, func(payload any) error {
		result, ok := payload.(execution.OrderFillResult)
		if !ok {
			return fmt.Errorf("position: unexpected payload type %T", payload)
		}
		m.Track(context.Background(), result.Position)
		return nil
	})
	bus.Subscribe(events.CandleClosed, func(payload any) error {
		c, ok := payload.(types.Candle)
		if !ok {
			return fmt.Errorf("position: unexpected payload type %T", payload)
		}
		m.mu.Lock()
		m.lastPrice[c.Symbol] = c.Close
		m.mu.Unlock()
		high, low := c.High, c.Low
		m.OnPrice(context.Background(), c.Symbol, c.Close, &high, &low)
		return nil
	})
	bus.Subscribe(events.RegimeUpdated, func(payload any) error {
		decision, ok := payload.(types.RegimeDecision)
		if !ok {
			return fmt.Errorf("position: unexpected payload type %T", payload)
		}
		m.mu.Lock()
		price := m.lastPrice[decision.Symbol]
		m.mu.Unlock()
		m.OnRegimeChange(context.Background(), decision.Symbol, decision.Regime, price)
		return nil
	})
	return m
}

// Track registers p (typically just after an order fill) as a live
// ManagedPosition and applies ORDER_FILLED to move it to IN_POSITION.
func (m *Manager) Track(ctx context.Context, p types.Position) {
	m.mu.Lock()
	p.State = nextState(p.State, types.EventOrderFilled)
	cp := p
	m.active[p.ID] = &cp
	m.mu.Unlock()
	m.publishUpdate(ctx, cp)
}

// OnPrice applies a price tick to every IN_POSITION position for symbol:
// R-multiple scale-outs, trailing-stop advancement, and stop-out detection.
func (m *Manager) OnPrice(ctx context.Context, symbol string, price float64, high, low *float64) {
	for _, p := range m.snapshotBySymbol(symbol) {
		m.onPriceOne(ctx, p, price, high, low)
	}
}

func (m *Manager) onPriceOne(ctx context.Context, p *types.Position, price float64, high, low *float64) {
	m.mu.Lock()
	if p.State != types.PositionInPosition {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.warnOnParamDrift(ctx, p)

	riskPerUnit := math.Max(math.Abs(p.EntryPrice-p.InitialStopPrice), 1e-8)
	var pnlPerUnit float64
	if p.Side == types.SideLong {
		pnlPerUnit = price - p.EntryPrice
	} else {
		pnlPerUnit = p.EntryPrice - price
	}
	r := pnlPerUnit / riskPerUnit

	m.mu.Lock()
	took1R, took2R := p.Took1R, p.Took2R
	m.mu.Unlock()

	if !took1R && r >= 1 {
		m.partialExit(ctx, p, scaleOut1RFraction, price, "+1R partial")
		m.mu.Lock()
		p.Took1R = true
		m.mu.Unlock()
	}
	if !took2R && r >= 2 {
		m.partialExit(ctx, p, scaleOut2RFraction, price, "+2R partial")
		m.mu.Lock()
		p.Took2R = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	closed := p.RemainingQty <= closedQtyEpsilon
	stillTracked := m.active[p.ID] != nil
	m.mu.Unlock()
	if closed || !stillTracked {
		return
	}

	m.mu.Lock()
	if p.Took2R {
		anchor := p.TrailingAnchor
		if p.Side == types.SideLong {
			highVal := price
			if high != nil {
				highVal = *high
			}
			anchor = math.Max(anchor, highVal)
		} else {
			lowVal := price
			if low != nil {
				lowVal = *low
			}
			if anchor == 0 {
				anchor = lowVal
			} else {
				anchor = math.Min(anchor, lowVal)
			}
		}
		p.TrailingAnchor = anchor

		distance := p.AtrPct / 100 * p.EntryPrice * m.TrailingAtrMultiple
		var candidate float64
		if p.Side == types.SideLong {
			candidate = anchor - distance
			p.StopPrice = math.Max(p.StopPrice, candidate)
		} else {
			candidate = anchor + distance
			p.StopPrice = math.Min(p.StopPrice, candidate)
		}
	}
	stopHit := (p.Side == types.SideLong && price <= p.StopPrice) || (p.Side == types.SideShort && price >= p.StopPrice)
	snapshot := *p
	m.mu.Unlock()

	m.persist(ctx, snapshot)

	if stopHit {
		m.closePosition(ctx, p, "stop hit")
	}
}

// OnRegimeChange applies the regime-driven exit/reduction rules to every
// IN_POSITION position for symbol.
func (m *Manager) OnRegimeChange(ctx context.Context, symbol string, regime types.Regime, price float64) {
	for _, p := range m.snapshotBySymbol(symbol) {
		m.mu.Lock()
		inPosition := p.State == types.PositionInPosition
		m.mu.Unlock()
		if !inPosition {
			continue
		}
		m.warnOnParamDrift(ctx, p)

		switch {
		case regime == types.RegimeExpansionChaos && m.HardExitOnExpansion:
			m.closePosition(ctx, p, "expansion chaos hard exit")
		case regime == types.RegimeRange && m.HardExitOnRange:
			m.closePosition(ctx, p, "range hard exit")
		case regime == types.RegimeRange && !m.HardExitOnRange:
			m.partialExit(ctx, p, m.ReduceRiskOnRangePct/100, price, "risk reduction on Range")
		}
	}
}

func (m *Manager) snapshotBySymbol(symbol string) []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Position, 0)
	for _, p := range m.active {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// partialExit deducts min(remainingQty, fraction*qty), updates realizedR,
// audits the exit, and closes the position if nothing remains.
func (m *Manager) partialExit(ctx context.Context, p *types.Position, fraction, price float64, reason string) {
	m.mu.Lock()
	qtyToExit := math.Min(p.RemainingQty, fraction*p.Qty)
	if qtyToExit <= 0 {
		m.mu.Unlock()
		return
	}
	riskPerUnit := math.Max(math.Abs(p.EntryPrice-p.InitialStopPrice), 1e-8)
	var pnlPerUnit float64
	if p.Side == types.SideLong {
		pnlPerUnit = price - p.EntryPrice
	} else {
		pnlPerUnit = p.EntryPrice - price
	}
	p.RemainingQty -= qtyToExit
	p.RealizedR += (pnlPerUnit / riskPerUnit) * (qtyToExit / p.Qty)
	p.UpdatedAt = types.NowMs()
	snapshot := *p
	remaining := p.RemainingQty
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.auditRecord(ctx, "position.partial_exit", types.AuditInfo, fmt.Sprintf("%s qty=%.8f", reason, qtyToExit), snapshot)

	if remaining <= closedQtyEpsilon {
		m.closePosition(ctx, p, "all partial exits completed")
	}
}

// closePosition applies POSITION_CLOSED, persists the final state, and
// publishes position.closed / position.updated.
func (m *Manager) closePosition(ctx context.Context, p *types.Position, reason string) {
	m.mu.Lock()
	if p.State != types.PositionInPosition {
		m.mu.Unlock()
		return
	}
	p.State = nextState(p.State, types.EventPositionClosed)
	p.UpdatedAt = types.NowMs()
	snapshot := *p
	delete(m.active, p.ID)
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.auditRecord(ctx, "position.closed", types.AuditInfo, reason, snapshot)

	m.bus.Publish(events.PositionClosed, closedPayload{PositionID: snapshot.ID, Reason: reason, RealizedR: snapshot.RealizedR})
	m.publishUpdate(ctx, snapshot)
}

// closedPayload is the position.closed event payload.
type closedPayload struct {
	PositionID string
	Reason     string
	RealizedR  float64
}

func (m *Manager) publishUpdate(ctx context.Context, p types.Position) {
	m.persist(ctx, p)
	m.bus.Publish(events.PositionUpdated, p)
}

func (m *Manager) persist(ctx context.Context, p types.Position) {
	if err := m.positions.Upsert(ctx, p); err != nil {
		m.logger.Warn("failed to persist position", zap.String("positionId", p.ID), zap.Error(err))
	}
}

// warnOnParamDrift compares the position's paramsVersionId with the
// currently active version and, if they diverge, emits an informational
// warn-level audit. It never mutates sizing or risk parameters.
func (m *Manager) warnOnParamDrift(ctx context.Context, p *types.Position) {
	active, found, err := m.paramVers.ActiveAt(ctx, types.NowMs())
	if err != nil || !found {
		return
	}
	m.mu.Lock()
	drift := p.ParamsVersionID != "" && p.ParamsVersionID != active.ID
	snapshot := *p
	m.mu.Unlock()
	if !drift {
		return
	}
	event := types.AuditEvent{
		Ts:              types.NowMs(),
		Step:            "position.paramDrift",
		Level:           types.AuditWarn,
		Message:         fmt.Sprintf("position %s opened under paramsVersionId=%s, active is %s", snapshot.ID, snapshot.ParamsVersionID, active.ID),
		Reason:          "params_drift",
		ParamsVersionID: snapshot.ParamsVersionID,
		Metadata:        map[string]any{"symbol": snapshot.Symbol, "positionId": snapshot.ID},
	}
	if err := m.audits.Record(ctx, event); err != nil {
		m.logger.Warn("failed to record param drift audit", zap.Error(err))
	}
}

func (m *Manager) auditRecord(ctx context.Context, step string, level types.AuditLevel, message string, p types.Position) {
	if m.audits == nil {
		return
	}
	event := types.AuditEvent{
		Ts:              types.NowMs(),
		Step:            step,
		Level:           level,
		Message:         message,
		OutputsHash:     hashutil.HashObject(p),
		ParamsVersionID: p.ParamsVersionID,
		Metadata:        map[string]any{"symbol": p.Symbol, "positionId": p.ID},
	}
	if err := m.audits.Record(ctx, event); err != nil {
		m.logger.Warn("failed to record position audit", zap.Error(err))
	}
}
