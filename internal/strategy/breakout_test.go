package strategy_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
)

func testSizing() config.SizingConfig {
	return config.SizingConfig{EngineMinLeverage: 1, EngineMaxLeverage: 10, ExchangeMaxLeverage: 20}
}

func seedCandles(t *testing.T, candles data.CandleRepository, symbol string, tf types.Timeframe, closes []float64) {
	t.Helper()
	for i, c := range closes {
		_, err := candles.Upsert(context.Background(), types.Candle{
			Symbol: symbol, Timeframe: tf, CloseTime: int64(i), Open: c, High: c, Low: c, Close: c, Volume: 1,
		})
		require.NoError(t, err)
	}
}

func testParams() types.ParamVersion {
	return types.ParamVersion{ID: "v1", Kb: 1.2, Ks: 0.9, LeverageBands: []types.LeverageBand{
		{MaxSigmaNorm: 1.0, Leverage: 8},
		{MaxSigmaNorm: 2.0, Leverage: 5},
		{MaxSigmaNorm: 3.0, Leverage: 3},
	}}
}

func TestBreakoutEngineTriggersOnConfirmedUpsideBreak(t *testing.T) {
	mem := data.NewMemoryStore()
	closes := make([]float64, 0, 23)
	for i := 0; i < 21; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 105, 106) // 2-bar confirmation above the 100 baseline
	seedCandles(t, mem, "BTCUSDT", types.Timeframe1m, closes)

	engine := strategy.NewBreakoutEngine(mem, testSizing())
	plan, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: 22,
		BBWidthPercentile: 10, VolumePercentile: 80, SigmaNorm: 1, AtrPct: 1,
	}, testParams())
	require.True(t, ok, "reason: %s", reason)
	require.Equal(t, types.SideLong, plan.Side)
	require.Equal(t, types.EngineBreakout, plan.Engine)
	require.InDelta(t, 1.0, plan.AtrPct, 1e-9, "AtrPct must carry the raw feature value, not the kb-multiplied StopPct")
	require.InDelta(t, 1.2, plan.StopPct, 1e-9, "StopPct must use the active version's Kb")
}

func TestBreakoutEngineRejectsAboveCompressionThreshold(t *testing.T) {
	mem := data.NewMemoryStore()
	engine := strategy.NewBreakoutEngine(mem, testSizing())
	_, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", BBWidthPercentile: 80, VolumePercentile: 80,
	}, testParams())
	require.False(t, ok)
	require.Equal(t, "bb_width_percentile_above_compression_max", reason)
}

func TestBreakoutEngineRejectsLowVolume(t *testing.T) {
	mem := data.NewMemoryStore()
	engine := strategy.NewBreakoutEngine(mem, testSizing())
	_, reason, ok := engine.Evaluate(context.Background(), types.FeatureVector{
		Symbol: "BTCUSDT", BBWidthPercentile: 10, VolumePercentile: 10,
	}, testParams())
	require.False(t, ok)
	require.Equal(t, "volume_percentile_below_minimum", reason)
}
