package strategy

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// Planner routes features.ready events to exactly one engine per regime,
// normalizes the resulting TradePlan, and publishes signal.generated. It
// never publishes an engine's plan unnormalized.
type Planner struct {
	logger      *zap.Logger
	regimes     data.RegimeRepository
	paramVers   data.ParamVersionRepository
	audits      data.AuditRepository
	bus         *events.Bus

	breakout     Engine
	continuation Engine
	reversal     Engine
}

// New constructs a Planner wired to the three strategy engines and
// subscribes it to features.ready.
func New(logger *zap.Logger, regimes data.RegimeRepository, paramVers data.ParamVersionRepository, audits data.AuditRepository, bus *events.Bus, breakout, continuation, reversal Engine) *Planner {
	p := &Planner{
		logger:       logger,
		regimes:      regimes,
		paramVers:    paramVers,
		audits:       audits,
		bus:          bus,
		breakout:     breakout,
		continuation: continuation,
		reversal:     reversal,
	}
	bus.Subscribe(events.FeaturesReady, func(payload any) error {
		fv, ok := payload.(types.FeatureVector)
		if !ok {
			return fmt.Errorf("strategy: unexpected payload type %T", payload)
		}
		return p.onFeaturesReady(context.Background(), fv)
	})
	return p
}

func (p *Planner) onFeaturesReady(ctx context.Context, fv types.FeatureVector) error {
	decision, found, err := p.regimes.Latest(ctx, fv.Symbol)
	if err != nil {
		return fmt.Errorf("strategy: load regime: %w", err)
	}
	if !found {
		p.reject(ctx, fv, "", "no_regime_for_symbol")
		return nil
	}
	if decision.Defensive {
		p.reject(ctx, fv, decision.Engine, "defensive_mode")
		return nil
	}
	if fv.Timeframe == types.Timeframe5m && decision.CloseTime5m != fv.CloseTime {
		p.reject(ctx, fv, decision.Engine, "stale_regime_for_feature")
		return nil
	}

	var engine Engine
	switch decision.Regime {
	case types.RegimeCompression:
		if fv.Timeframe != types.Timeframe1m {
			p.reject(ctx, fv, types.EngineBreakout, "compression_requires_1m_feature")
			return nil
		}
		engine = p.breakout
	case types.RegimeTrend:
		if fv.Timeframe != types.Timeframe5m {
			p.reject(ctx, fv, types.EngineContinuation, "trend_requires_5m_feature")
			return nil
		}
		engine = p.continuation
	case types.RegimeRange:
		if fv.Timeframe != types.Timeframe5m {
			p.reject(ctx, fv, types.EngineReversal, "range_requires_5m_feature")
			return nil
		}
		engine = p.reversal
	case types.RegimeExpansionChaos:
		p.reject(ctx, fv, types.EngineDefensive, "expansion_chaos_no_entry_engine")
		return nil
	default:
		p.reject(ctx, fv, decision.Engine, "unknown_regime")
		return nil
	}

	active, found, err := p.paramVers.ActiveAt(ctx, types.NowMs())
	if err != nil {
		return fmt.Errorf("strategy: load active param version: %w", err)
	}
	if !found {
		p.reject(ctx, fv, engine.Name(), "no_active_param_version")
		return nil
	}

	plan, reason, ok := engine.Evaluate(ctx, fv, active)
	if !ok {
		p.reject(ctx, fv, engine.Name(), reason)
		return nil
	}

	p.normalize(&plan, active)

	if p.audits != nil {
		event := types.AuditEvent{
			Ts:              types.NowMs(),
			Step:            "strategy.signal_generated",
			Level:           types.AuditInfo,
			Message:         plan.Reason,
			OutputsHash:     hashutil.HashObject(plan),
			ParamsVersionID: plan.ParamsVersionID,
			Metadata:        map[string]any{"symbol": plan.Symbol, "engine": string(plan.Engine)},
		}
		if err := p.audits.Record(ctx, event); err != nil {
			p.logger.Warn("failed to record signal audit", zap.Error(err))
		}
	}

	p.bus.Publish(events.SignalGenerated, plan)
	return nil
}

// normalize clamps confidence, ensures expiresAt is not in the past, and
// stamps the params version the engine actually ran under over any
// placeholder value it may have written.
func (p *Planner) normalize(plan *types.TradePlan, active types.ParamVersion) {
	plan.Confidence = clamp(plan.Confidence, 0, 1)

	now := types.NowMs()
	if plan.ExpiresAt < now {
		plan.ExpiresAt = now
	}

	plan.ParamsVersionID = active.ID
}

func (p *Planner) reject(ctx context.Context, fv types.FeatureVector, engine types.Engine, reason string) {
	if p.audits == nil {
		return
	}
	event := types.AuditEvent{
		Ts:       types.NowMs(),
		Step:     "strategy.rejected",
		Level:    types.AuditWarn,
		Message:  reason,
		Reason:   reason,
		Metadata: map[string]any{"symbol": fv.Symbol, "engine": string(engine)},
	}
	if err := p.audits.Record(ctx, event); err != nil {
		p.logger.Warn("failed to record rejection audit", zap.Error(err))
	}
}
