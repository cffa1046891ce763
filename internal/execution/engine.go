// Package execution submits risk-approved TradePlans to the exchange with
// an idempotent limit-first protocol, bounded timeout, and market or
// replacement-limit fallback.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FallbackMode selects how Engine reacts when the limit order does not fill
// within the timeout and the confirmation probe still approves the signal.
type FallbackMode int

const (
	// FallbackMarket places a market order at the current price.
	FallbackMarket FallbackMode = iota
	// FallbackReplaceLimit places a fresh limit at an offset price.
	FallbackReplaceLimit
)

const (
	defaultLimitTimeout      = 2 * time.Second
	defaultReplacementOffset = 0.05 // percent
)

// Confirmation re-checks that the signal which produced qty/plan is still
// valid immediately before falling back off the original limit order.
type Confirmation func(ctx context.Context, plan types.TradePlan) bool

// Engine is the idempotent order-submission component.
type Engine struct {
	logger *zap.Logger
	client exchange.Client
	orders data.OrderRepository
	fills  data.FillRepository
	pos    data.PositionRepository
	audits data.AuditRepository
	bus    *events.Bus

	LimitTimeout      time.Duration
	Fallback          FallbackMode
	ReplacementOffset float64
	sleep             func(time.Duration)
}

// New constructs an execution Engine and subscribes it to risk.approved
// payloads (risk.Outcome, see internal/risk), using a default
// confirmation that treats the signal as still valid until plan.ExpiresAt.
func New(logger *zap.Logger, client exchange.Client, orders data.OrderRepository, fills data.FillRepository, pos data.PositionRepository, audits data.AuditRepository, bus *events.Bus) *Engine {
	e := &Engine{
		logger:            logger,
		client:            client,
		orders:            orders,
		fills:             fills,
		pos:               pos,
		audits:            audits,
		bus:               bus,
		LimitTimeout:      defaultLimitTimeout,
		Fallback:          FallbackMarket,
		ReplacementOffset: defaultReplacementOffset,
		sleep:             time.Sleep,
	}
	bus.Subscribe(events.RiskApproved, func(payload any) error {
		outcome, ok := payload.(risk.Outcome)
		if !ok {
			return fmt.Errorf("execution: unexpected payload type %T", payload)
		}
		_, err := e.Execute(context.Background(), outcome.Plan, outcome.Decision.Qty, notExpired)
		return err
	})
	return e
}

func notExpired(ctx context.Context, plan types.TradePlan) bool {
	return types.NowMs() < plan.ExpiresAt
}

// idempotencyKey derives the "exec-" prefixed stable hash of the
// plan-defining fields, per SPEC_FULL.md 4.8.
func idempotencyKey(plan types.TradePlan) string {
	return "exec-" + hashutil.HashObject(struct {
		Symbol     string
		Side       types.Side
		EntryPrice float64
		ExpiresAt  int64
		Engine     types.Engine
	}{plan.Symbol, plan.Side, plan.EntryPrice, plan.ExpiresAt, plan.Engine})
}

// Execute runs the idempotent limit-first submission protocol for plan/qty,
// returning the terminal ExecutionStatus. confirm is consulted only if the
// limit order has not filled by the time LimitTimeout elapses.
func (e *Engine) Execute(ctx context.Context, plan types.TradePlan, qty float64, confirm Confirmation) (types.ExecutionStatus, error) {
	key := idempotencyKey(plan)

	if existing, found, err := e.orders.ByExternalID(ctx, key); err != nil {
		return "", fmt.Errorf("execution: lookup existing order: %w", err)
	} else if found {
		e.audit(ctx, "execution.idempotent_skip", types.AuditInfo, "order already exists for this plan", plan, existing)
		return types.ExecutionSkipped, nil
	}

	resp, err := e.client.PlaceLimitOrder(ctx, plan.Symbol, plan.Side, plan.EntryPrice, qty, key)
	if err != nil {
		return "", fmt.Errorf("execution: place limit: %w", err)
	}

	order := types.Order{
		ID:            uuid.NewString(),
		ExternalID:    key,
		ClientOrderID: key,
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Type:          types.OrderTypeLimit,
		Engine:        plan.Engine,
		Status:        resp.Status,
		CreatedAt:     types.NowMs(),
		UpdatedAt:     types.NowMs(),
	}
	if err := e.orders.Insert(ctx, order); err != nil {
		return "", fmt.Errorf("execution: persist order: %w", err)
	}

	if resp.Status == types.OrderStatusFilled {
		return e.finalizeFill(ctx, plan, order, qty, resp.AvgFillPrice, resp.FilledQty)
	}

	e.sleep(e.LimitTimeout)

	resp, err = e.client.GetOrderStatus(ctx, plan.Symbol, key)
	if err != nil {
		return "", fmt.Errorf("execution: re-query order: %w", err)
	}
	if resp.Status == types.OrderStatusFilled {
		return e.finalizeFill(ctx, plan, order, qty, resp.AvgFillPrice, resp.FilledQty)
	}

	if confirm != nil && !confirm(ctx, plan) {
		if err := e.client.CancelOrder(ctx, plan.Symbol, key); err != nil {
			e.logger.Warn("cancel failed after invalidated confirmation", zap.Error(err))
		}
		order.Status = types.OrderStatusCanceled
		order.UpdatedAt = types.NowMs()
		_ = e.orders.Update(ctx, order)
		e.audit(ctx, "execution.execution_cancel", types.AuditWarn, "signal no longer valid", plan, order)
		return types.ExecutionCanceled, nil
	}

	switch e.Fallback {
	case FallbackReplaceLimit:
		return e.fallbackReplaceLimit(ctx, plan, order, qty, key)
	default:
		return e.fallbackMarket(ctx, plan, order, qty, key)
	}
}

func (e *Engine) fallbackMarket(ctx context.Context, plan types.TradePlan, order types.Order, qty float64, key string) (types.ExecutionStatus, error) {
	resp, err := e.client.PlaceMarketOrder(ctx, plan.Symbol, plan.Side, qty, key+"-mkt")
	if err != nil {
		return "", fmt.Errorf("execution: place market fallback: %w", err)
	}
	fillPrice := resp.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = plan.EntryPrice
	}
	return e.finalizeFill(ctx, plan, order, qty, fillPrice, qty)
}

func (e *Engine) fallbackReplaceLimit(ctx context.Context, plan types.TradePlan, order types.Order, qty float64, key string) (types.ExecutionStatus, error) {
	offset := plan.EntryPrice * e.ReplacementOffset / 100
	replacePrice := plan.EntryPrice + offset
	if plan.Side == types.SideShort {
		replacePrice = plan.EntryPrice - offset
	}

	replKey := key + "-repl"
	resp, err := e.client.PlaceLimitOrder(ctx, plan.Symbol, plan.Side, replacePrice, qty, replKey)
	if err != nil {
		return "", fmt.Errorf("execution: place replacement limit: %w", err)
	}
	if resp.Status != types.OrderStatusFilled {
		if cancelErr := e.client.CancelOrder(ctx, plan.Symbol, replKey); cancelErr != nil {
			e.logger.Warn("cancel failed for unfilled replacement limit", zap.Error(cancelErr))
		}
		order.Status = types.OrderStatusCanceled
		order.UpdatedAt = types.NowMs()
		_ = e.orders.Update(ctx, order)
		e.audit(ctx, "execution.execution_cancel", types.AuditWarn, "replacement limit not filled", plan, order)
		return types.ExecutionCanceled, nil
	}
	return e.finalizeFill(ctx, plan, order, qty, resp.AvgFillPrice, resp.FilledQty)
}

// finalizeFill persists the fill, updates the order, opens a Position, and
// publishes order.filled.
func (e *Engine) finalizeFill(ctx context.Context, plan types.TradePlan, order types.Order, qty, fillPrice, filledQty float64) (types.ExecutionStatus, error) {
	if fillPrice == 0 {
		fillPrice = plan.EntryPrice
	}
	if filledQty == 0 {
		filledQty = qty
	}

	fill := types.Fill{
		ID:      uuid.NewString(),
		OrderID: order.ID,
		Price:   decimal.NewFromFloat(fillPrice),
		Qty:     decimal.NewFromFloat(filledQty),
		Ts:      types.NowMs(),
	}
	if err := e.fills.Insert(ctx, fill); err != nil {
		return "", fmt.Errorf("execution: persist fill: %w", err)
	}

	order.Status = types.OrderStatusFilled
	order.UpdatedAt = types.NowMs()
	if err := e.orders.Update(ctx, order); err != nil {
		return "", fmt.Errorf("execution: update order: %w", err)
	}

	position := types.Position{
		ID:               uuid.NewString(),
		Symbol:           plan.Symbol,
		Side:             plan.Side,
		EntryPrice:       fillPrice,
		InitialStopPrice: initialStop(fillPrice, plan.StopPct, plan.Side),
		StopPrice:        initialStop(fillPrice, plan.StopPct, plan.Side),
		Qty:              filledQty,
		RemainingQty:     filledQty,
		State:            types.PositionEntering,
		AtrPct:           plan.AtrPct,
		ParamsVersionID:  plan.ParamsVersionID,
		OpenedAt:         types.NowMs(),
		UpdatedAt:        types.NowMs(),
	}
	if err := e.pos.Upsert(ctx, position); err != nil {
		return "", fmt.Errorf("execution: persist position: %w", err)
	}

	e.audit(ctx, "execution.filled", types.AuditInfo, "order filled", plan, order)
	e.bus.Publish(events.OrderFilled, OrderFillResult{Order: order, Position: position})
	return types.ExecutionFilled, nil
}

// OrderFillResult is the order.filled event payload: the updated Order plus
// the freshly-opened Position the position manager begins tracking.
type OrderFillResult struct {
	Order    types.Order
	Position types.Position
}

func initialStop(entry, stopPct float64, side types.Side) float64 {
	offset := entry * stopPct / 100
	if side == types.SideLong {
		return entry - offset
	}
	return entry + offset
}

func (e *Engine) audit(ctx context.Context, step string, level types.AuditLevel, message string, plan types.TradePlan, outcome any) {
	if e.audits == nil {
		return
	}
	event := types.AuditEvent{
		Ts:          types.NowMs(),
		Step:        step,
		Level:       level,
		Message:     message,
		InputsHash:  hashutil.HashObject(plan),
		OutputsHash: hashutil.HashObject(outcome),
		Metadata:    map[string]any{"symbol": plan.Symbol, "engine": string(plan.Engine)},
	}
	if err := e.audits.Record(ctx, event); err != nil {
		e.logger.Warn("failed to record execution audit", zap.Error(err))
	}
}
