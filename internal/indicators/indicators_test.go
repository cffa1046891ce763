package indicators_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(close float64) types.Candle {
	return types.Candle{Close: close, High: close * 1.01, Low: close * 0.99}
}

func TestLogReturns(t *testing.T) {
	candles := []types.Candle{candle(100), candle(110), candle(99)}
	rets := indicators.LogReturns(candles)
	require.Len(t, rets, 2)
	assert.InDelta(t, math.Log(110.0/100.0), rets[0], 1e-9)
	assert.InDelta(t, math.Log(99.0/110.0), rets[1], 1e-9)
}

func TestLogReturnsNeedsAtLeastTwo(t *testing.T) {
	assert.Nil(t, indicators.LogReturns([]types.Candle{candle(100)}))
}

func TestATRRequiresPeriodPlusOneCandles(t *testing.T) {
	candles := []types.Candle{candle(100), candle(101)}
	assert.Equal(t, 0.0, indicators.ATR(candles, 3))
}

func TestEMASeededBySimpleAverage(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	series := indicators.EMA(values, 3)
	require.Len(t, series, 3)
	assert.InDelta(t, 2.0, series[0], 1e-9) // seed = mean(1,2,3)
}

func TestEMALastInsufficientValues(t *testing.T) {
	_, ok := indicators.EMALast([]float64{1, 2}, 5)
	assert.False(t, ok)
}

func TestEMASlopeZeroWhenSeriesTooShort(t *testing.T) {
	assert.Equal(t, 0.0, indicators.EMASlope([]float64{1, 2}, 5))
}

func TestSigmaNormUsesMedianOfWindow(t *testing.T) {
	sigmas := []float64{1, 1, 1, 2}
	got := indicators.SigmaNorm(sigmas, 4)
	assert.InDelta(t, 2.0, got, 1e-9) // latest=2, median(1,1,1,2)=1
}

func TestPercentileRankInclusiveOfTies(t *testing.T) {
	sample := []float64{10, 20, 20, 30}
	assert.Equal(t, 75.0, indicators.PercentileRank(sample, 20))
	assert.Equal(t, 0.0, indicators.PercentileRank(sample, 5))
	assert.Equal(t, 100.0, indicators.PercentileRank(sample, 30))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, indicators.Clamp(-5, 0, 10))
	assert.Equal(t, 10.0, indicators.Clamp(50, 0, 10))
	assert.Equal(t, 5.0, indicators.Clamp(5, 0, 10))
}

func TestBollingerWidthPctZeroVolatility(t *testing.T) {
	closes := []float64{100, 100, 100, 100}
	assert.Equal(t, 0.0, indicators.BollingerWidthPct(closes, 4, 2))
}
