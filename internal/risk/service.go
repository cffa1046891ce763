// Package risk implements the pre-trade admission gate: per-symbol
// uniqueness, portfolio caps, cooldowns, defensive leverage capping, and
// quantity sizing.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// Decision is the risk gate's structured (non-error) outcome.
type Decision struct {
	Approved bool
	Reason   string
	Qty      float64
	Leverage float64
}

// Service gates TradePlans before they reach the execution engine.
type Service struct {
	logger    *zap.Logger
	regimes   data.RegimeRepository
	positions data.PositionRepository
	paramVers data.ParamVersionRepository
	audits    data.AuditRepository
	bus       *events.Bus
	cfg       config.RiskConfig

	equity float64

	mu                 sync.Mutex
	lastEngineApproval map[types.Engine]int64
}

// New constructs a risk Service and subscribes it to signal.generated.
// equity is the operator-configured account equity referenced by
// SPEC_FULL.md 4.7's qty formula; marginPct is read per-trade from the
// plan. cfg's cooldown and portfolio-cap fields are the fallback used
// until a ParamVersion is active; once one is, its CooldownRules and
// PortfolioCaps take over.
func New(logger *zap.Logger, regimes data.RegimeRepository, positions data.PositionRepository, paramVers data.ParamVersionRepository, audits data.AuditRepository, bus *events.Bus, cfg config.RiskConfig, equity float64) *Service {
	s := &Service{
		logger:             logger,
		regimes:            regimes,
		positions:          positions,
		paramVers:          paramVers,
		audits:             audits,
		bus:                bus,
		cfg:                cfg,
		equity:             equity,
		lastEngineApproval: make(map[types.Engine]int64),
	}
	bus.Subscribe(events.SignalGenerated, func(payload any) error {
		plan, ok := payload.(types.TradePlan)
		if !ok {
			return fmt.Errorf("risk: unexpected payload type %T", payload)
		}
		return s.onSignal(context.Background(), plan)
	})
	return s
}

func (s *Service) onSignal(ctx context.Context, plan types.TradePlan) error {
	decision, err := s.evaluate(ctx, plan)
	if err != nil {
		return fmt.Errorf("risk: evaluate: %w", err)
	}

	if s.audits != nil {
		level := types.AuditInfo
		if !decision.Approved {
			level = types.AuditWarn
		}
		event := types.AuditEvent{
			Ts:          types.NowMs(),
			Step:        "risk.decision",
			Level:       level,
			Message:     decision.Reason,
			Reason:      decision.Reason,
			InputsHash:  hashutil.HashObject(plan),
			OutputsHash: hashutil.HashObject(decision),
			Metadata:    map[string]any{"symbol": plan.Symbol, "engine": string(plan.Engine)},
		}
		if err := s.audits.Record(ctx, event); err != nil {
			s.logger.Warn("failed to record risk audit", zap.Error(err))
		}
	}

	if decision.Approved {
		s.mu.Lock()
		s.lastEngineApproval[plan.Engine] = types.NowMs()
		s.mu.Unlock()
		s.bus.Publish(events.RiskApproved, Outcome{Plan: plan, Decision: decision})
	} else {
		s.bus.Publish(events.RiskRejected, Outcome{Plan: plan, Decision: decision})
	}
	return nil
}

// Outcome is the published payload for both risk.approved and
// risk.rejected.
type Outcome struct {
	Plan     types.TradePlan
	Decision Decision
}

func (s *Service) evaluate(ctx context.Context, plan types.TradePlan) (Decision, error) {
	now := types.NowMs()

	open, err := s.positions.OpenBySymbol(ctx, plan.Symbol)
	if err != nil {
		return Decision{}, err
	}
	if len(open) >= 1 {
		return Decision{Reason: "max 1 open position per symbol exceeded"}, nil
	}

	decision, found, err := s.regimes.Latest(ctx, plan.Symbol)
	if err != nil {
		return Decision{}, err
	}
	defensive := found && decision.Defensive

	capMax, capDefensive, cooldownPerSymbol, cooldownPerEngine := s.activeLimits(ctx, now)

	totalOpen, err := s.positions.CountOpen(ctx)
	if err != nil {
		return Decision{}, err
	}
	capLimit := capMax
	if defensive {
		capLimit = capDefensive
	}
	if totalOpen >= capLimit {
		return Decision{Reason: "max open positions exceeded"}, nil
	}

	lastClose, found, err := s.positions.LastClosedAt(ctx, plan.Symbol)
	if err != nil {
		return Decision{}, err
	}
	if found && now-lastClose < cooldownPerSymbol.Milliseconds() {
		return Decision{Reason: "symbol cooldown active"}, nil
	}

	s.mu.Lock()
	lastEngine, engineFound := s.lastEngineApproval[plan.Engine]
	s.mu.Unlock()
	if engineFound && now-lastEngine < cooldownPerEngine.Milliseconds() {
		return Decision{Reason: "engine cooldown active"}, nil
	}

	finalLeverage := plan.Leverage
	if defensive && finalLeverage > s.cfg.MaxLeverageDefensive {
		finalLeverage = s.cfg.MaxLeverageDefensive
	}

	qtyRaw := s.equity * (plan.MarginPct / 100) * finalLeverage / math.Max(plan.EntryPrice, 1e-8)
	qty := math.Floor(qtyRaw/s.cfg.QtyStep) * s.cfg.QtyStep
	if qty < s.cfg.MinQty {
		return Decision{Reason: "computed qty below minQty"}, nil
	}

	return Decision{Approved: true, Reason: "approved", Qty: qty, Leverage: finalLeverage}, nil
}

// activeLimits returns the portfolio caps and cooldown windows from the
// ParamVersion active at now, falling back to cfg's static defaults if
// none is active yet (e.g. before seeding completes).
func (s *Service) activeLimits(ctx context.Context, now int64) (capMax, capDefensive int, cooldownPerSymbol, cooldownPerEngine time.Duration) {
	capMax, capDefensive = s.cfg.PortfolioCapMax, s.cfg.PortfolioCapDefensive
	cooldownPerSymbol, cooldownPerEngine = s.cfg.PerSymbolCooldown, s.cfg.PerEngineCooldown

	active, found, err := s.paramVers.ActiveAt(ctx, now)
	if err != nil || !found {
		return
	}
	capMax, capDefensive = active.PortfolioCaps.Max, active.PortfolioCaps.MaxDefensive
	cooldownPerSymbol = time.Duration(active.CooldownRules.PerSymbolMs) * time.Millisecond
	cooldownPerEngine = time.Duration(active.CooldownRules.PerEngineMs) * time.Millisecond
	return
}
