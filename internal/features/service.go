// Package features computes the derived FeatureVector for every closed
// candle and publishes features.ready.
package features

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

const (
	minCandles    = 205
	maxCandles    = 260
	minLogReturns = 30
	atrPeriod     = 14
	sigmaWindow   = 100
	bbWindow      = 100
	bbPeriod      = 20
	bbNumStd      = 2.0
	volumeWindow  = 100
	ema50SlopeLag = 5
)

// Service computes FeatureVectors on candle.closed.
type Service struct {
	logger   *zap.Logger
	candles  data.CandleRepository
	features data.FeatureRepository
	audits   data.AuditRepository
	bus      *events.Bus
}

// New constructs a feature Service and subscribes it to candle.closed.
func New(logger *zap.Logger, candles data.CandleRepository, featuresRepo data.FeatureRepository, audits data.AuditRepository, bus *events.Bus) *Service {
	s := &Service{logger: logger, candles: candles, features: featuresRepo, audits: audits, bus: bus}
	bus.Subscribe(events.CandleClosed, func(payload any) error {
		c, ok := payload.(types.Candle)
		if !ok {
			return fmt.Errorf("features: unexpected payload type %T", payload)
		}
		return s.onCandleClosed(context.Background(), c)
	})
	return s
}

func (s *Service) onCandleClosed(ctx context.Context, closed types.Candle) error {
	window, err := s.candles.Last(ctx, closed.Symbol, closed.Timeframe, closed.CloseTime, maxCandles)
	if err != nil {
		return fmt.Errorf("features: load window: %w", err)
	}
	if len(window) < minCandles {
		return nil
	}

	returns := indicators.LogReturns(window)
	if len(returns) < minLogReturns {
		return nil
	}

	fv := s.compute(closed.Symbol, closed.Timeframe, closed.CloseTime, window, returns)

	if err := s.features.Upsert(ctx, fv); err != nil {
		return fmt.Errorf("features: upsert: %w", err)
	}

	if s.audits != nil {
		event := types.AuditEvent{
			Ts:          types.NowMs(),
			Step:        "features.compute",
			Level:       types.AuditInfo,
			Message:     "feature vector computed",
			OutputsHash: hashutil.HashObject(fv),
			Metadata:    map[string]any{"symbol": fv.Symbol, "timeframe": string(fv.Timeframe)},
		}
		if err := s.audits.Record(ctx, event); err != nil {
			s.logger.Warn("failed to record feature audit", zap.Error(err))
		}
	}

	s.bus.Publish(events.FeaturesReady, fv)
	return nil
}

func (s *Service) compute(symbol string, tf types.Timeframe, closeTime int64, window []types.Candle, returns []float64) types.FeatureVector {
	lambda := 0.94
	if tf == types.Timeframe5m {
		lambda = 0.97
	}

	atrPct := indicators.AtrPct(window, atrPeriod)

	variances := indicators.EWMAVariance(returns, lambda)
	sigmas := indicators.EwmaSigma(variances)
	ewmaSigma := 0.0
	if len(sigmas) > 0 {
		ewmaSigma = sigmas[len(sigmas)-1]
	}
	sigmaNorm := indicators.SigmaNorm(sigmas, sigmaWindow)
	volPct5m := ewmaSigma * sqrt5 * 100

	closes := closesOf(window)
	bbWidth := indicators.BollingerWidthPct(closes, bbPeriod, bbNumStd)
	bbWidths := rollingBollingerWidths(closes, bbPeriod, bbNumStd, bbWindow)
	bbPercentile := indicators.PercentileRank(bbWidths, bbWidth)

	ema20, _ := indicators.EMALast(closes, 20)
	ema50Series := indicators.EMA(closes, 50)
	ema50 := 0.0
	if len(ema50Series) > 0 {
		ema50 = ema50Series[len(ema50Series)-1]
	}
	ema200, _ := indicators.EMALast(closes, 200)
	ema50Slope := indicators.EMASlope(ema50Series, ema50SlopeLag)

	volumes := volumesOf(window)
	latestVolume := volumes[len(volumes)-1]
	volWindow := volumes
	if len(volWindow) > volumeWindow {
		volWindow = volWindow[len(volWindow)-volumeWindow:]
	}
	volumePercentile := indicators.PercentileRank(volWindow, latestVolume)
	volumePct := latestVolume / maxFloat(indicators.Median(volWindow), 1e-8) * 100

	return types.FeatureVector{
		Symbol:            symbol,
		Timeframe:         tf,
		CloseTime:         closeTime,
		LogReturn:         returns[len(returns)-1],
		AtrPct:            atrPct,
		EwmaSigma:         ewmaSigma,
		SigmaNorm:         sigmaNorm,
		VolPct5m:          volPct5m,
		BBWidthPct:        bbWidth,
		BBWidthPercentile: bbPercentile,
		EMA20:             ema20,
		EMA50:             ema50,
		EMA200:            ema200,
		EMA50Slope:        ema50Slope,
		VolumePct:         volumePct,
		VolumePercentile:  volumePercentile,
	}
}

const sqrt5 = 2.23606797749979

func closesOf(window []types.Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}

func volumesOf(window []types.Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Volume
	}
	return out
}

// rollingBollingerWidths recomputes the Bollinger width % ending at each of
// the last `window` points of `closes`, to build the percentile-rank sample.
func rollingBollingerWidths(closes []float64, period int, numStd float64, window int) []float64 {
	if len(closes) < period {
		return nil
	}
	start := period
	if len(closes)-window+1 > start {
		start = len(closes) - window + 1
	}
	out := make([]float64, 0, len(closes)-start+1)
	for end := start; end <= len(closes); end++ {
		out = append(out, indicators.BollingerWidthPct(closes[:end], period, numStd))
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
