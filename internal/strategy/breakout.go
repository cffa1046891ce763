package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Breakout defaults, per SPEC_FULL.md 4.5.1.
const (
	breakoutRangeLookbackBars      = 20
	breakoutConfirmationBars       = 2
	breakoutBufPct                 = 0.02
	breakoutCompressionPctileMax   = 35.0
	breakoutVolumePercentileMin    = 60.0
	breakoutLeverageBase           = 5.0
	breakoutExpiresInMs      int64 = 5 * 60 * 1000
)

// BreakoutEngine trades Compression-regime range breaks on 1m candles.
type BreakoutEngine struct {
	candles data.CandleRepository
	sizing  config.SizingConfig
}

// NewBreakoutEngine constructs the Breakout engine.
func NewBreakoutEngine(candles data.CandleRepository, sizing config.SizingConfig) *BreakoutEngine {
	return &BreakoutEngine{candles: candles, sizing: sizing}
}

// Name returns types.EngineBreakout.
func (e *BreakoutEngine) Name() types.Engine { return types.EngineBreakout }

// Evaluate implements Engine. The initial stop distance is kb*atrPct using
// the active params version's Kb.
func (e *BreakoutEngine) Evaluate(ctx context.Context, fv types.FeatureVector, params types.ParamVersion) (types.TradePlan, string, bool) {
	if fv.BBWidthPercentile > breakoutCompressionPctileMax {
		return types.TradePlan{}, "bb_width_percentile_above_compression_max", false
	}
	if fv.VolumePercentile < breakoutVolumePercentileMin {
		return types.TradePlan{}, "volume_percentile_below_minimum", false
	}

	need := breakoutRangeLookbackBars + breakoutConfirmationBars + 1
	candles, err := e.candles.Last(ctx, fv.Symbol, types.Timeframe1m, fv.CloseTime, need)
	if err != nil || len(candles) < need {
		return types.TradePlan{}, "insufficient_1m_history", false
	}

	baselineLen := len(candles) - breakoutConfirmationBars
	baseline := candles[:baselineLen]
	recent := candles[baselineLen:]

	upper, lower := math.Inf(-1), math.Inf(1)
	for _, c := range baseline {
		if c.Close > upper {
			upper = c.Close
		}
		if c.Close < lower {
			lower = c.Close
		}
	}
	upper *= 1 + breakoutBufPct/100
	lower *= 1 - breakoutBufPct/100

	allAbove := true
	allBelow := true
	for _, c := range recent {
		if c.Close <= upper {
			allAbove = false
		}
		if c.Close >= lower {
			allBelow = false
		}
	}

	var side types.Side
	switch {
	case allAbove:
		side = types.SideLong
	case allBelow:
		side = types.SideShort
	default:
		return types.TradePlan{}, "no_confirmed_breakout", false
	}

	entry := recent[len(recent)-1].Close
	stopPct := params.Kb * fv.AtrPct

	rawLev := breakoutLeverageBase / math.Max(math.Sqrt(math.Max(fv.SigmaNorm, 1e-8)), 1e-8)
	leverage := clamp(clamp(rawLev, e.sizing.EngineMinLeverage, e.sizing.EngineMaxLeverage), e.sizing.EngineMinLeverage, e.sizing.ExchangeMaxLeverage)

	plan := types.TradePlan{
		Symbol:          fv.Symbol,
		Side:            side,
		Engine:          types.EngineBreakout,
		EntryPrice:      entry,
		StopPct:         stopPct,
		AtrPct:          fv.AtrPct,
		TPModel:         types.TPModelA,
		Leverage:        leverage,
		MarginPct:       e.sizing.MarginPct,
		ExpiresAt:       fv.CloseTime + breakoutExpiresInMs,
		Reason:          fmt.Sprintf("breakout confirmed over %d bars", breakoutConfirmationBars),
		ParamsVersionID: params.ID,
		Confidence:      1,
	}
	return plan, "", true
}
