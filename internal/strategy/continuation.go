package strategy

import (
	"context"
	"math"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Continuation defaults, per SPEC_FULL.md 4.5.2.
const (
	continuationConfirmationBars       = 2
	continuationPullbackZonePct        = 0.25
	continuationExpiresInMs      int64 = 10 * 60 * 1000
	continuationSigmaMin               = 0.2
	continuationSigmaMax               = 3.0
)

// ContinuationEngine trades Trend-regime pullback continuations on 5m
// candles, sizing leverage from the active params version's stepwise
// sigma-norm band.
type ContinuationEngine struct {
	candles data.CandleRepository
	sizing  config.SizingConfig
}

// NewContinuationEngine constructs the Continuation engine.
func NewContinuationEngine(candles data.CandleRepository, sizing config.SizingConfig) *ContinuationEngine {
	return &ContinuationEngine{candles: candles, sizing: sizing}
}

// Name returns types.EngineContinuation.
func (e *ContinuationEngine) Name() types.Engine { return types.EngineContinuation }

// Evaluate implements Engine. The stop distance is ks*atrPct and leverage is
// read from params.LeverageBands, both from the active params version.
func (e *ContinuationEngine) Evaluate(ctx context.Context, fv types.FeatureVector, params types.ParamVersion) (types.TradePlan, string, bool) {
	side := types.SideShort
	if fv.EMA50 >= fv.EMA200 {
		side = types.SideLong
	}

	candles, err := e.candles.Last(ctx, fv.Symbol, types.Timeframe5m, fv.CloseTime, continuationConfirmationBars)
	if err != nil || len(candles) < continuationConfirmationBars {
		return types.TradePlan{}, "insufficient_5m_history", false
	}
	latest := candles[len(candles)-1]
	previous := candles[len(candles)-2]

	zoneLow := math.Min(fv.EMA20, fv.EMA50) * (1 - continuationPullbackZonePct/100)
	zoneHigh := math.Max(fv.EMA20, fv.EMA50) * (1 + continuationPullbackZonePct/100)
	if latest.Close < zoneLow || latest.Close > zoneHigh {
		return types.TradePlan{}, "price_outside_pullback_zone", false
	}

	switch side {
	case types.SideLong:
		if !(latest.Close > previous.High && latest.Close > fv.EMA20) {
			return types.TradePlan{}, "no_long_continuation_confirmation", false
		}
	case types.SideShort:
		if !(latest.Close < previous.Low && latest.Close < fv.EMA20) {
			return types.TradePlan{}, "no_short_continuation_confirmation", false
		}
	}

	stopPct := params.Ks * fv.AtrPct
	leverage := e.leverageFromBand(fv.SigmaNorm, params.LeverageBands)

	plan := types.TradePlan{
		Symbol:          fv.Symbol,
		Side:            side,
		Engine:          types.EngineContinuation,
		EntryPrice:      latest.Close,
		StopPct:         stopPct,
		AtrPct:          fv.AtrPct,
		TPModel:         types.TPModelB,
		Leverage:        leverage,
		MarginPct:       e.sizing.MarginPct,
		ExpiresAt:       fv.CloseTime + continuationExpiresInMs,
		Reason:          "trend pullback continuation confirmed",
		ParamsVersionID: params.ID,
		Confidence:      1,
	}
	return plan, "", true
}

// leverageFromBand walks bands (ascending maxSigmaNorm) and returns the
// leverage of the first band whose MaxSigmaNorm covers the clamped
// sigmaNorm, falling back to engineMin if no band does.
func (e *ContinuationEngine) leverageFromBand(sigmaNorm float64, bands []types.LeverageBand) float64 {
	clamped := clamp(sigmaNorm, continuationSigmaMin, continuationSigmaMax)
	for _, band := range bands {
		if band.MaxSigmaNorm >= clamped {
			return clamp(band.Leverage, e.sizing.EngineMinLeverage, e.sizing.ExchangeMaxLeverage)
		}
	}
	return e.sizing.EngineMinLeverage
}
