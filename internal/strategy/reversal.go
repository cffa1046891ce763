package strategy

import (
	"context"
	"math"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Reversal defaults, per SPEC_FULL.md 4.5.3.
const (
	reversalLookbackBars     = 30
	reversalTouchPct         = 0.05
	reversalConfirmBodyPct   = 0.04
	reversalLeverageBase     = 5.0
	reversalSigmaMin         = 0.2
	reversalSigmaMax         = 3.0
	reversalExpiresInMs int64 = 10 * 60 * 1000
)

// ReversalEngine trades Range-regime touches of the range boundary on 5m
// candles.
type ReversalEngine struct {
	candles data.CandleRepository
	sizing  config.SizingConfig
}

// NewReversalEngine constructs the Reversal engine.
func NewReversalEngine(candles data.CandleRepository, sizing config.SizingConfig) *ReversalEngine {
	return &ReversalEngine{candles: candles, sizing: sizing}
}

// Name returns types.EngineReversal.
func (e *ReversalEngine) Name() types.Engine { return types.EngineReversal }

// Evaluate implements Engine. The stop distance is ks*atrPct using the
// active params version's Ks.
func (e *ReversalEngine) Evaluate(ctx context.Context, fv types.FeatureVector, params types.ParamVersion) (types.TradePlan, string, bool) {
	candles, err := e.candles.Last(ctx, fv.Symbol, types.Timeframe5m, fv.CloseTime, reversalLookbackBars)
	if err != nil || len(candles) < reversalLookbackBars {
		return types.TradePlan{}, "insufficient_5m_history", false
	}

	rangeHigh, rangeLow := math.Inf(-1), math.Inf(1)
	for _, c := range candles {
		if c.High > rangeHigh {
			rangeHigh = c.High
		}
		if c.Low < rangeLow {
			rangeLow = c.Low
		}
	}

	latest := candles[len(candles)-1]
	touchedUpper := latest.Close >= rangeHigh*(1-reversalTouchPct/100)
	touchedLower := latest.Close <= rangeLow*(1+reversalTouchPct/100)
	if !touchedUpper && !touchedLower {
		return types.TradePlan{}, "no_range_boundary_touch", false
	}

	bodyPct := math.Abs(latest.Close-latest.Open) / math.Max(latest.Open, 1e-8) * 100
	if bodyPct < reversalConfirmBodyPct {
		return types.TradePlan{}, "confirmation_body_too_small", false
	}

	var side types.Side
	switch {
	case touchedUpper && latest.Close < latest.Open && latest.High >= rangeHigh:
		side = types.SideShort
	case touchedLower && latest.Close > latest.Open && latest.Low <= rangeLow:
		side = types.SideLong
	default:
		return types.TradePlan{}, "no_confirmed_rejection", false
	}

	stopPct := params.Ks * fv.AtrPct
	rawLev := reversalLeverageBase / clamp(fv.SigmaNorm, reversalSigmaMin, reversalSigmaMax)
	leverage := clamp(clamp(rawLev, e.sizing.EngineMinLeverage, e.sizing.EngineMaxLeverage), e.sizing.EngineMinLeverage, e.sizing.ExchangeMaxLeverage)

	plan := types.TradePlan{
		Symbol:          fv.Symbol,
		Side:            side,
		Engine:          types.EngineReversal,
		EntryPrice:      latest.Close,
		StopPct:         stopPct,
		AtrPct:          fv.AtrPct,
		TPModel:         types.TPModelB,
		Leverage:        leverage,
		MarginPct:       e.sizing.MarginPct,
		ExpiresAt:       fv.CloseTime + reversalExpiresInMs,
		Reason:          "range boundary rejection confirmed",
		ParamsVersionID: params.ID,
		Confidence:      1,
	}
	return plan, "", true
}
