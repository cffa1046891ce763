package features_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFeaturesHarness(t *testing.T) (data.Repositories, *events.Bus) {
	t.Helper()
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)
	bus := events.New(events.Direct, zap.NewNop(), nil)
	features.New(zap.NewNop(), repos.Candles, repos.Features, repos.Audits, bus)
	return repos, bus
}

func seedFeatureCandles(t *testing.T, repos data.Repositories, symbol string, tf types.Timeframe, count int) types.Candle {
	t.Helper()
	var last types.Candle
	for i := 0; i < count; i++ {
		c := types.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			CloseTime: int64(i) * 60_000,
			Open:      100 + float64(i%10)*0.5,
			High:      101 + float64(i%10)*0.5,
			Low:       99 + float64(i%10)*0.5,
			Close:     100 + float64(i%10)*0.5,
			Volume:    10 + float64(i%5),
		}
		_, err := repos.Candles.Upsert(context.Background(), c)
		require.NoError(t, err)
		last = c
	}
	return last
}

func TestFeaturesComputesVectorOnceWindowIsLongEnough(t *testing.T) {
	repos, bus := newFeaturesHarness(t)
	last := seedFeatureCandles(t, repos, "BTCUSDT", types.Timeframe1m, 205)

	var ready types.FeatureVector
	var published bool
	bus.Subscribe(events.FeaturesReady, func(payload any) error {
		fv, ok := payload.(types.FeatureVector)
		require.True(t, ok)
		ready = fv
		published = true
		return nil
	})

	bus.Publish(events.CandleClosed, last)

	require.True(t, published)
	require.Equal(t, "BTCUSDT", ready.Symbol)
	require.Equal(t, last.CloseTime, ready.CloseTime)

	stored, err := repos.Features.Window(context.Background(), "BTCUSDT", types.Timeframe1m, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestFeaturesSkipsComputationBelowMinimumWindow(t *testing.T) {
	repos, bus := newFeaturesHarness(t)
	last := seedFeatureCandles(t, repos, "ETHUSDT", types.Timeframe1m, 100)

	var published bool
	bus.Subscribe(events.FeaturesReady, func(payload any) error { published = true; return nil })

	bus.Publish(events.CandleClosed, last)

	require.False(t, published, "a window shorter than the minimum must not produce a feature vector")
}
