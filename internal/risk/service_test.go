package risk_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		PerSymbolCooldown:     0,
		PerEngineCooldown:     0,
		MaxLeverageDefensive:  2,
		PortfolioCapMax:       5,
		PortfolioCapDefensive: 2,
		QtyStep:               0.001,
		MinQty:                0.001,
	}
}

func newRiskHarness(t *testing.T, cfg config.RiskConfig, equity float64) (data.Repositories, *events.Bus, *risk.Service) {
	t.Helper()
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)
	bus := events.New(events.Direct, zap.NewNop(), nil)
	svc := risk.New(zap.NewNop(), repos.Regimes, repos.Positions, repos.ParamVersions, repos.Audits, bus, cfg, equity)
	return repos, bus, svc
}

func TestRiskApprovesWithinCaps(t *testing.T) {
	repos, bus, _ := newRiskHarness(t, testRiskConfig(), 10_000)
	var outcome risk.Outcome
	bus.Subscribe(events.RiskApproved, func(payload any) error {
		outcome = payload.(risk.Outcome)
		return nil
	})

	bus.Publish(events.SignalGenerated, types.TradePlan{
		Symbol: "BTCUSDT", Engine: types.EngineBreakout, EntryPrice: 100, Leverage: 5, MarginPct: 1,
	})

	require.True(t, outcome.Decision.Approved)
	require.Greater(t, outcome.Decision.Qty, 0.0)
	_ = repos
}

func TestRiskRejectsSecondOpenPositionForSameSymbol(t *testing.T) {
	repos, bus, _ := newRiskHarness(t, testRiskConfig(), 10_000)
	require.NoError(t, repos.Positions.Upsert(context.Background(), types.Position{
		ID: "p1", Symbol: "BTCUSDT", State: types.PositionInPosition,
	}))

	var rejected risk.Outcome
	bus.Subscribe(events.RiskRejected, func(payload any) error {
		rejected = payload.(risk.Outcome)
		return nil
	})

	bus.Publish(events.SignalGenerated, types.TradePlan{Symbol: "BTCUSDT", Engine: types.EngineBreakout, EntryPrice: 100, Leverage: 5, MarginPct: 1})
	require.False(t, rejected.Decision.Approved)
	require.Equal(t, "max 1 open position per symbol exceeded", rejected.Decision.Reason)
}

func TestRiskCapsLeverageInDefensiveMode(t *testing.T) {
	repos, bus, _ := newRiskHarness(t, testRiskConfig(), 10_000)
	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{
		Symbol: "BTCUSDT", Defensive: true,
	}))

	var outcome risk.Outcome
	bus.Subscribe(events.RiskApproved, func(payload any) error {
		outcome = payload.(risk.Outcome)
		return nil
	})

	bus.Publish(events.SignalGenerated, types.TradePlan{Symbol: "BTCUSDT", Engine: types.EngineBreakout, EntryPrice: 100, Leverage: 10, MarginPct: 1})
	require.True(t, outcome.Decision.Approved)
	require.Equal(t, 2.0, outcome.Decision.Leverage, "defensive leverage cap must clamp to MaxLeverageDefensive")
}

func TestRiskRejectsQtyBelowMinimum(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MinQty = 1000 // unreachable given this equity/leverage
	_, bus, _ := newRiskHarness(t, cfg, 10_000)

	var rejected risk.Outcome
	bus.Subscribe(events.RiskRejected, func(payload any) error {
		rejected = payload.(risk.Outcome)
		return nil
	})

	bus.Publish(events.SignalGenerated, types.TradePlan{Symbol: "BTCUSDT", Engine: types.EngineBreakout, EntryPrice: 100, Leverage: 5, MarginPct: 1})
	require.False(t, rejected.Decision.Approved)
	require.Equal(t, "computed qty below minQty", rejected.Decision.Reason)
}

func TestRiskUsesActiveParamVersionForCooldownsAndCaps(t *testing.T) {
	repos, bus, _ := newRiskHarness(t, testRiskConfig(), 10_000)
	require.NoError(t, repos.ParamVersions.Insert(context.Background(), types.ParamVersion{
		ID: "v2", EffectiveFrom: 0,
		PortfolioCaps: types.PortfolioCaps{Max: 1, MaxDefensive: 1},
		CooldownRules: types.CooldownRules{PerSymbolMs: 0, PerEngineMs: 0},
	}))
	require.NoError(t, repos.Positions.Upsert(context.Background(), types.Position{
		ID: "p1", Symbol: "ETHUSDT", State: types.PositionInPosition,
	}))

	var rejected risk.Outcome
	bus.Subscribe(events.RiskRejected, func(payload any) error {
		rejected = payload.(risk.Outcome)
		return nil
	})

	bus.Publish(events.SignalGenerated, types.TradePlan{Symbol: "BTCUSDT", Engine: types.EngineBreakout, EntryPrice: 100, Leverage: 5, MarginPct: 1})
	require.False(t, rejected.Decision.Approved)
	require.Equal(t, "max open positions exceeded", rejected.Decision.Reason, "active PortfolioCaps.Max=1 must be consulted instead of cfg's static cap")
}
