package position_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPositionHarness(t *testing.T) (data.Repositories, *events.Bus, *position.Manager) {
	t.Helper()
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)
	bus := events.New(events.Direct, zap.NewNop(), nil)
	mgr := position.New(zap.NewNop(), repos.Positions, repos.ParamVersions, repos.Audits, bus)
	return repos, bus, mgr
}

func openLong(id, symbol string, entry, stop, qty, atrPct float64) types.Position {
	return types.Position{
		ID: id, Symbol: symbol, Side: types.SideLong,
		EntryPrice: entry, InitialStopPrice: stop, StopPrice: stop,
		Qty: qty, RemainingQty: qty, State: types.PositionEntering, AtrPct: atrPct,
	}
}

func TestPositionTracksOrderFillIntoInPosition(t *testing.T) {
	repos, _, mgr := newPositionHarness(t)
	p := openLong("p1", "BTCUSDT", 100, 95, 1, 2)

	mgr.Track(context.Background(), p)

	stored, found, err := repos.Positions.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.PositionInPosition, stored.State)
}

func TestPositionTakesPartialAt1RAndAdvancesTrailingStopAt2R(t *testing.T) {
	repos, _, mgr := newPositionHarness(t)
	p := openLong("p2", "BTCUSDT", 100, 95, 10, 2) // risk/unit = 5, atrPct = 2

	mgr.Track(context.Background(), p)

	mgr.OnPrice(context.Background(), "BTCUSDT", 105, nil, nil) // +1R
	stored, _, _ := repos.Positions.Get(context.Background(), "p2")
	require.True(t, stored.Took1R)
	require.InDelta(t, 5.0, stored.RemainingQty, 1e-9) // 50% of 10 scaled out

	high := 110.0
	mgr.OnPrice(context.Background(), "BTCUSDT", 110, &high, nil) // +2R, trailing arms
	stored, _, _ = repos.Positions.Get(context.Background(), "p2")
	require.True(t, stored.Took2R)
	require.Greater(t, stored.StopPrice, 95.0, "trailing stop must advance above the initial stop once armed")
}

func TestPositionClosesOnStopHit(t *testing.T) {
	repos, bus, mgr := newPositionHarness(t)
	p := openLong("p3", "BTCUSDT", 100, 95, 1, 2)
	mgr.Track(context.Background(), p)

	var closed bool
	bus.Subscribe(events.PositionClosed, func(payload any) error { closed = true; return nil })

	mgr.OnPrice(context.Background(), "BTCUSDT", 94, nil, nil) // below initial stop
	require.True(t, closed)

	stored, _, _ := repos.Positions.Get(context.Background(), "p3")
	require.Equal(t, types.PositionCooldown, stored.State)
}

func TestPositionHardExitsOnExpansionChaos(t *testing.T) {
	repos, bus, mgr := newPositionHarness(t)
	p := openLong("p4", "BTCUSDT", 100, 95, 1, 2)
	mgr.Track(context.Background(), p)

	var closed bool
	bus.Subscribe(events.PositionClosed, func(payload any) error { closed = true; return nil })

	mgr.OnRegimeChange(context.Background(), "BTCUSDT", types.RegimeExpansionChaos, 102)
	require.True(t, closed, "default HardExitOnExpansion must force-close on regime flip")

	stored, _, _ := repos.Positions.Get(context.Background(), "p4")
	require.Equal(t, types.PositionCooldown, stored.State)
}
