package strategy_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestContinuationEngineTriggersOnLongPullbackConfirmation(t *testing.T) {
	mem := data.NewMemoryStore()
	bars := []types.Candle{
		{Open: 100, High: 100, Low: 100, Close: 100, Volume: 1},
		{Open: 100, High: 100.2, Low: 100, Close: 100.2, Volume: 1}, // closes above previous high, inside the EMA zone
	}
	seedOHLCCandles(t, mem, "BTCUSDT", types.Timeframe5m, bars)

	engine := strategy.NewContinuationEngine(mem, testSizing())
	plan, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe5m, CloseTime: 1,
		EMA20: 100, EMA50: 100, EMA200: 50, SigmaNorm: 1, AtrPct: 1,
	}, testParams())
	require.True(t, ok, "reason: %s", reason)
	require.Equal(t, types.SideLong, plan.Side)
	require.Equal(t, types.EngineContinuation, plan.Engine)
	require.InDelta(t, 1.0, plan.AtrPct, 1e-9, "AtrPct must carry the raw feature value")
	require.InDelta(t, 0.9, plan.StopPct, 1e-9, "StopPct must use the active version's Ks")
	require.InDelta(t, 8.0, plan.Leverage, 1e-9, "leverage must come from the active version's LeverageBands")
}

func TestContinuationEngineRejectsOutsidePullbackZone(t *testing.T) {
	mem := data.NewMemoryStore()
	bars := []types.Candle{
		{Open: 100, High: 100, Low: 100, Close: 100, Volume: 1},
		{Open: 130, High: 130, Low: 130, Close: 130, Volume: 1}, // far outside the EMA zone
	}
	seedOHLCCandles(t, mem, "BTCUSDT", types.Timeframe5m, bars)

	engine := strategy.NewContinuationEngine(mem, testSizing())
	_, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe5m, CloseTime: 1,
		EMA20: 100, EMA50: 100, EMA200: 50, SigmaNorm: 1, AtrPct: 1,
	}, testParams())
	require.False(t, ok)
	require.Equal(t, "price_outside_pullback_zone", reason)
}

func TestContinuationEngineRejectsBelowConfirmationBars(t *testing.T) {
	mem := data.NewMemoryStore()
	bars := []types.Candle{{Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}}
	seedOHLCCandles(t, mem, "BTCUSDT", types.Timeframe5m, bars)

	engine := strategy.NewContinuationEngine(mem, testSizing())
	_, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe5m, CloseTime: 0,
	}, testParams())
	require.False(t, ok)
	require.Equal(t, "insufficient_5m_history", reason)
}
