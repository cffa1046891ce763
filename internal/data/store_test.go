package data_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCandleUpsertIsIdempotentPerCloseTime(t *testing.T) {
	mem := data.NewMemoryStore()
	c := types.Candle{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: 60_000, Close: 100}

	inserted, err := mem.Upsert(context.Background(), c)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = mem.Upsert(context.Background(), c)
	require.NoError(t, err)
	require.False(t, inserted, "re-upserting the same (symbol, timeframe, closeTime) key must be a no-op")
}

func TestMemoryStoreLastReturnsMostRecentWithinLimit(t *testing.T) {
	mem := data.NewMemoryStore()
	for i := 0; i < 5; i++ {
		_, err := mem.Upsert(context.Background(), types.Candle{
			Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: int64(i) * 60_000, Close: float64(i),
		})
		require.NoError(t, err)
	}

	last, err := mem.Last(context.Background(), "BTCUSDT", types.Timeframe1m, 4*60_000, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, int64(3*60_000), last[0].CloseTime)
	require.Equal(t, int64(4*60_000), last[1].CloseTime)
}

func TestMemoryRepositoriesPositionOpenBySymbolExcludesClosedStates(t *testing.T) {
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)

	require.NoError(t, repos.Positions.Upsert(context.Background(), types.Position{
		ID: "p1", Symbol: "BTCUSDT", State: types.PositionInPosition,
	}))
	require.NoError(t, repos.Positions.Upsert(context.Background(), types.Position{
		ID: "p2", Symbol: "BTCUSDT", State: types.PositionCooldown,
	}))

	open, err := repos.Positions.OpenBySymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "p1", open[0].ID)
}

func TestMemoryRepositoriesParamVersionActiveAtPicksLatestEffectiveBeforeCutoff(t *testing.T) {
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)

	require.NoError(t, repos.ParamVersions.Insert(context.Background(), types.ParamVersion{ID: "v1", EffectiveFrom: 100}))
	require.NoError(t, repos.ParamVersions.Insert(context.Background(), types.ParamVersion{ID: "v2", EffectiveFrom: 200}))
	require.NoError(t, repos.ParamVersions.Insert(context.Background(), types.ParamVersion{ID: "v3", EffectiveFrom: 300}))

	active, found, err := repos.ParamVersions.ActiveAt(context.Background(), 250)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", active.ID)
}

func TestMemoryRepositoriesRegimeLatestPicksMostRecentCloseTime(t *testing.T) {
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)

	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{Symbol: "BTCUSDT", CloseTime5m: 100, Regime: types.RegimeTrend}))
	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{Symbol: "BTCUSDT", CloseTime5m: 300, Regime: types.RegimeRange}))

	latest, found, err := repos.Regimes.Latest(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.RegimeRange, latest.Regime)
}
