// Package types provides the shared domain value types for the trading
// pipeline: candles, derived features, regime decisions, trade plans,
// orders, fills, positions, param versions and audit events.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or position.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe5m Timeframe = "5m"
)

// Regime is the classified market regime.
type Regime string

const (
	RegimeCompression    Regime = "Compression"
	RegimeTrend          Regime = "Trend"
	RegimeRange          Regime = "Range"
	RegimeExpansionChaos Regime = "ExpansionChaos"
)

// Engine identifies which strategy engine owns a regime.
type Engine string

const (
	EngineBreakout     Engine = "Breakout"
	EngineContinuation Engine = "Continuation"
	EngineReversal     Engine = "Reversal"
	EngineDefensive    Engine = "Defensive"
)

// TPModel distinguishes the take-profit model a plan was built under.
type TPModel string

const (
	TPModelA TPModel = "A"
	TPModelB TPModel = "B"
)

// OrderType is the order type submitted to the exchange.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle status of a submitted order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// ExecutionStatus is the terminal outcome of Execute.
type ExecutionStatus string

const (
	ExecutionFilled   ExecutionStatus = "FILLED"
	ExecutionSkipped  ExecutionStatus = "SKIPPED"
	ExecutionCanceled ExecutionStatus = "CANCELED"
)

// PositionState is a node in the position manager's state machine.
type PositionState string

const (
	PositionNeutral    PositionState = "NEUTRAL"
	PositionArmed      PositionState = "ARMED"
	PositionEntering   PositionState = "ENTERING"
	PositionInPosition PositionState = "IN_POSITION"
	PositionCooldown   PositionState = "COOLDOWN"
	PositionDefensive  PositionState = "DEFENSIVE"
)

// PositionEvent drives position state transitions.
type PositionEvent string

const (
	EventSignalArmed     PositionEvent = "SIGNAL_ARMED"
	EventOrderSubmitted  PositionEvent = "ORDER_SUBMITTED"
	EventOrderFilled     PositionEvent = "ORDER_FILLED"
	EventPositionClosed  PositionEvent = "POSITION_CLOSED"
	EventCooldownExpired PositionEvent = "COOLDOWN_EXPIRED"
	EventDefensiveOn     PositionEvent = "DEFENSIVE_ON"
	EventDefensiveOff    PositionEvent = "DEFENSIVE_OFF"
)

// AuditLevel is the severity of an AuditEvent.
type AuditLevel string

const (
	AuditDebug AuditLevel = "debug"
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// Candle is a single finalized (or pending) OHLCV bar.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	CloseTime int64     `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Closed reports whether the candle's closeTime has elapsed at nowMs.
func (c Candle) Closed(nowMs int64) bool {
	return c.CloseTime <= nowMs
}

// FeatureVector is the derived indicator set for one closed candle.
type FeatureVector struct {
	Symbol             string    `json:"symbol"`
	Timeframe          Timeframe `json:"timeframe"`
	CloseTime          int64     `json:"closeTime"`
	LogReturn          float64   `json:"logReturn"`
	AtrPct             float64   `json:"atrPct"`
	EwmaSigma          float64   `json:"ewmaSigma"`
	SigmaNorm          float64   `json:"sigmaNorm"`
	VolPct5m           float64   `json:"volPct5m"`
	BBWidthPct         float64   `json:"bbWidthPct"`
	BBWidthPercentile  float64   `json:"bbWidthPercentile"`
	EMA20              float64   `json:"ema20"`
	EMA50              float64   `json:"ema50"`
	EMA200             float64   `json:"ema200"`
	EMA50Slope         float64   `json:"ema50Slope"`
	VolumePct          float64   `json:"volumePct"`
	VolumePercentile   float64   `json:"volumePercentile"`
}

// RegimeDecision is the classifier's output for one (symbol, 5m closeTime).
type RegimeDecision struct {
	Symbol      string  `json:"symbol"`
	CloseTime5m int64   `json:"closeTime5m"`
	Regime      Regime  `json:"regime"`
	Engine      Engine  `json:"engine"`
	Defensive   bool    `json:"defensive"`
}

// TradePlan is the immutable output of a triggered strategy engine.
type TradePlan struct {
	Symbol          string  `json:"symbol"`
	Side            Side    `json:"side"`
	Engine          Engine  `json:"engine"`
	EntryPrice      float64 `json:"entryPrice"`
	StopPct         float64 `json:"stopPct"` // kb/ks-multiplied distance, used for the initial stop price
	AtrPct          float64 `json:"atrPct"`  // raw ATR/close*100 from the triggering FeatureVector, independent of StopPct
	TPModel         TPModel `json:"tpModel"`
	Leverage        float64 `json:"leverage"`
	MarginPct       float64 `json:"marginPct"`
	ExpiresAt       int64   `json:"expiresAt"`
	Reason          string  `json:"reason"`
	ParamsVersionID string  `json:"paramsVersionId"`
	Confidence      float64 `json:"confidence"`
}

// OrderIntent is a TradePlan sized and typed for submission.
type OrderIntent struct {
	Plan            TradePlan       `json:"plan"`
	Qty             decimal.Decimal `json:"qty"`
	Type            OrderType       `json:"type"`
	TimeoutMs       int64           `json:"timeoutMs"`
	CancelIfInvalid bool            `json:"cancelIfInvalid"`
}

// Order is the persisted record of a submission to the exchange.
type Order struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"externalId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Status        OrderStatus     `json:"status"`
	Engine        Engine          `json:"engine"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Fill is an execution against an order.
type Fill struct {
	ID      string          `json:"id"`
	OrderID string          `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Fee     decimal.Decimal `json:"fee"`
	Ts      int64           `json:"ts"`
}

// Position is a managed, potentially partially exited, open trade.
type Position struct {
	ID              string        `json:"id"`
	Symbol          string        `json:"symbol"`
	Side            Side          `json:"side"`
	EntryPrice      float64       `json:"entryPrice"`
	InitialStopPrice float64      `json:"initialStopPrice"`
	StopPrice       float64       `json:"stopPrice"`
	Qty             float64       `json:"qty"`
	RemainingQty    float64       `json:"remainingQty"`
	State           PositionState `json:"state"`
	RealizedR       float64       `json:"realizedR"`
	Took1R          bool          `json:"took1R"`
	Took2R          bool          `json:"took2R"`
	TrailingAnchor  float64       `json:"trailingAnchor"`
	AtrPct          float64       `json:"atrPct"`
	ParamsVersionID string        `json:"paramsVersionId"`
	OpenedAt        int64         `json:"openedAt"`
	UpdatedAt       int64         `json:"updatedAt"`
}

// LeverageBand is one step of a stepwise leverage schedule.
type LeverageBand struct {
	MaxSigmaNorm float64 `json:"maxSigmaNorm"`
	Leverage     float64 `json:"leverage"`
}

// CooldownRules holds the per-symbol and per-engine cooldown windows.
type CooldownRules struct {
	PerSymbolMs int64 `json:"perSymbolMs"`
	PerEngineMs int64 `json:"perEngineMs"`
}

// PortfolioCaps bounds total concurrent open positions.
type PortfolioCaps struct {
	Max          int `json:"max"`
	MaxDefensive int `json:"maxDefensive"`
}

// ParamVersion is an immutable, timestamped snapshot of tunable parameters.
type ParamVersion struct {
	ID             string        `json:"id"`
	EffectiveFrom  int64         `json:"effectiveFrom"`
	Kb             float64       `json:"kb"`
	Ks             float64       `json:"ks"`
	LeverageBands  []LeverageBand `json:"leverageBands"`
	CooldownRules  CooldownRules `json:"cooldownRules"`
	PortfolioCaps  PortfolioCaps `json:"portfolioCaps"`
}

// AuditEvent is a single audited decision or failure, unifying the
// structured (step/level/hashes) and categorical (category/action/actor,
// folded into Metadata) writer shapes.
type AuditEvent struct {
	ID              string         `json:"id"`
	Ts              int64          `json:"ts"`
	Step            string         `json:"step"`
	Level           AuditLevel     `json:"level"`
	Message         string         `json:"message"`
	Reason          string         `json:"reason,omitempty"`
	InputsHash      string         `json:"inputsHash,omitempty"`
	OutputsHash     string         `json:"outputsHash,omitempty"`
	ParamsVersionID string         `json:"paramsVersionId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Now returns the current time in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
