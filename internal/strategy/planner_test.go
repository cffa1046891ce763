package strategy_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubEngine always triggers with a fixed plan, or always rejects.
type stubEngine struct {
	name   types.Engine
	plan   types.TradePlan
	reason string
	ok     bool
}

func (s stubEngine) Name() types.Engine { return s.name }
func (s stubEngine) Evaluate(ctx context.Context, fv types.FeatureVector, params types.ParamVersion) (types.TradePlan, string, bool) {
	return s.plan, s.reason, s.ok
}

func newPlannerHarness(t *testing.T) (data.Repositories, *events.Bus) {
	t.Helper()
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)
	bus := events.New(events.Direct, zap.NewNop(), nil)
	return repos, bus
}

func TestPlannerRejectsWhenNoRegimeRecorded(t *testing.T) {
	repos, bus := newPlannerHarness(t)
	var generated int
	bus.Subscribe(events.SignalGenerated, func(payload any) error { generated++; return nil })

	strategy.New(zap.NewNop(), repos.Regimes, repos.ParamVersions, repos.Audits, bus,
		stubEngine{}, stubEngine{}, stubEngine{})

	bus.Publish(events.FeaturesReady, types.FeatureVector{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: 1})
	require.Equal(t, 0, generated)
}

func TestPlannerRejectsInDefensiveMode(t *testing.T) {
	repos, bus := newPlannerHarness(t)
	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 5, Regime: types.RegimeCompression, Engine: types.EngineBreakout, Defensive: true,
	}))

	var generated int
	bus.Subscribe(events.SignalGenerated, func(payload any) error { generated++; return nil })

	triggered := stubEngine{name: types.EngineBreakout, ok: true, plan: types.TradePlan{Symbol: "BTCUSDT"}}
	strategy.New(zap.NewNop(), repos.Regimes, repos.ParamVersions, repos.Audits, bus, triggered, stubEngine{}, stubEngine{})

	bus.Publish(events.FeaturesReady, types.FeatureVector{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: 1})
	require.Equal(t, 0, generated)
}

func TestPlannerRoutesCompressionToBreakoutAndNormalizesConfidence(t *testing.T) {
	repos, bus := newPlannerHarness(t)
	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 5, Regime: types.RegimeCompression, Engine: types.EngineBreakout, Defensive: false,
	}))
	require.NoError(t, repos.ParamVersions.Insert(context.Background(), types.ParamVersion{ID: "v2", EffectiveFrom: 0}))

	var got types.TradePlan
	bus.Subscribe(events.SignalGenerated, func(payload any) error {
		got = payload.(types.TradePlan)
		return nil
	})

	triggered := stubEngine{name: types.EngineBreakout, ok: true, plan: types.TradePlan{
		Symbol: "BTCUSDT", Confidence: 5, ExpiresAt: 0, ParamsVersionID: "baseline",
	}}
	strategy.New(zap.NewNop(), repos.Regimes, repos.ParamVersions, repos.Audits, bus, triggered, stubEngine{}, stubEngine{})

	bus.Publish(events.FeaturesReady, types.FeatureVector{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: 1})

	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, 1.0, got.Confidence, "confidence must clamp to [0,1]")
	require.Equal(t, "v2", got.ParamsVersionID, "placeholder paramsVersionId must be overwritten with the active version")
	require.Greater(t, got.ExpiresAt, int64(0), "expiresAt must never be in the past")
}

func TestPlannerRejectsStaleRegimeFor5mFeature(t *testing.T) {
	repos, bus := newPlannerHarness(t)
	require.NoError(t, repos.Regimes.Upsert(context.Background(), types.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 5, Regime: types.RegimeTrend, Engine: types.EngineContinuation, Defensive: false,
	}))

	var generated int
	bus.Subscribe(events.SignalGenerated, func(payload any) error { generated++; return nil })

	triggered := stubEngine{name: types.EngineContinuation, ok: true}
	strategy.New(zap.NewNop(), repos.Regimes, repos.ParamVersions, repos.Audits, bus, stubEngine{}, triggered, stubEngine{})

	// CloseTime5m on the decision is 5, but this 5m feature closes at 10: stale.
	bus.Publish(events.FeaturesReady, types.FeatureVector{Symbol: "BTCUSDT", Timeframe: types.Timeframe5m, CloseTime: 10})
	require.Equal(t, 0, generated)
}
