// Package regime classifies the market state of a symbol from its feature
// history and selects the strategy engine that owns the resulting regime.
package regime

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// Engine maintains a per-(symbol, timeframe) ring buffer of recent features
// and classifies the symbol's regime on every 5m features.ready.
type Engine struct {
	logger  *zap.Logger
	regimes data.RegimeRepository
	audits  data.AuditRepository
	bus     *events.Bus
	cfg     config.RegimeConfig

	window map[ringKey][]types.FeatureVector
}

type ringKey struct {
	symbol string
	tf     types.Timeframe
}

// New constructs a regime Engine and subscribes it to features.ready.
func New(logger *zap.Logger, regimes data.RegimeRepository, audits data.AuditRepository, bus *events.Bus, cfg config.RegimeConfig) *Engine {
	e := &Engine{
		logger:  logger,
		regimes: regimes,
		audits:  audits,
		bus:     bus,
		cfg:     cfg,
		window:  make(map[ringKey][]types.FeatureVector),
	}
	bus.Subscribe(events.FeaturesReady, func(payload any) error {
		fv, ok := payload.(types.FeatureVector)
		if !ok {
			return fmt.Errorf("regime: unexpected payload type %T", payload)
		}
		return e.onFeaturesReady(context.Background(), fv)
	})
	return e
}

func (e *Engine) onFeaturesReady(ctx context.Context, fv types.FeatureVector) error {
	key := ringKey{fv.Symbol, fv.Timeframe}
	ring := append(e.window[key], fv)
	if len(ring) > e.cfg.WindowSize {
		ring = ring[len(ring)-e.cfg.WindowSize:]
	}
	e.window[key] = ring

	if fv.Timeframe != types.Timeframe5m {
		return nil
	}

	decision := e.classify(fv, ring)

	if err := e.regimes.Upsert(ctx, decision); err != nil {
		return fmt.Errorf("regime: upsert: %w", err)
	}

	if e.audits != nil {
		event := types.AuditEvent{
			Ts:          types.NowMs(),
			Step:        "regime.classify",
			Level:       types.AuditInfo,
			Message:     fmt.Sprintf("classified %s as %s (engine=%s, defensive=%t)", fv.Symbol, decision.Regime, decision.Engine, decision.Defensive),
			OutputsHash: hashutil.HashObject(decision),
			Metadata:    map[string]any{"symbol": fv.Symbol},
		}
		if err := e.audits.Record(ctx, event); err != nil {
			e.logger.Warn("failed to record regime audit", zap.Error(err))
		}
	}

	e.bus.Publish(events.RegimeUpdated, decision)
	return nil
}

// classify applies the ordered percentile-rank predicates against the
// symbol's ring buffer, then folds in the defensive override.
func (e *Engine) classify(fv types.FeatureVector, ring []types.FeatureVector) types.RegimeDecision {
	sigmaNorms := make([]float64, len(ring))
	bbWidths := make([]float64, len(ring))
	slopesAbs := make([]float64, len(ring))
	for i, f := range ring {
		sigmaNorms[i] = f.SigmaNorm
		bbWidths[i] = f.BBWidthPct
		slopesAbs[i] = absFloat(f.EMA50Slope)
	}

	sigmaNormPct := indicators.PercentileRank(sigmaNorms, fv.SigmaNorm)
	bbWidthPctile := indicators.PercentileRank(bbWidths, fv.BBWidthPct)
	slopeAbsPctile := indicators.PercentileRank(slopesAbs, absFloat(fv.EMA50Slope))

	var reg types.Regime
	switch {
	case sigmaNormPct <= e.cfg.CompressionTh && bbWidthPctile <= e.cfg.CompressionTh:
		reg = types.RegimeCompression
	case sigmaNormPct >= e.cfg.ExpansionTh && bbWidthPctile >= e.cfg.ExpansionTh:
		reg = types.RegimeExpansionChaos
	case sigmaNormPct >= e.cfg.TrendTh && slopeAbsPctile >= e.cfg.TrendTh:
		reg = types.RegimeTrend
	default:
		reg = types.RegimeRange
	}

	defensive := fv.VolumePercentile >= e.cfg.DefensiveTh

	engine := engineFor(reg)
	if defensive {
		engine = types.EngineDefensive
	}

	return types.RegimeDecision{
		Symbol:      fv.Symbol,
		CloseTime5m: fv.CloseTime,
		Regime:      reg,
		Engine:      engine,
		Defensive:   defensive,
	}
}

func engineFor(r types.Regime) types.Engine {
	switch r {
	case types.RegimeCompression:
		return types.EngineBreakout
	case types.RegimeTrend:
		return types.EngineContinuation
	case types.RegimeRange:
		return types.EngineReversal
	case types.RegimeExpansionChaos:
		return types.EngineDefensive
	default:
		return types.EngineDefensive
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
