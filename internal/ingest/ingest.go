// Package ingest polls the exchange for finalized candles and persists
// them, validating integrity (gap/duplicate/out-of-order) before anything
// is written.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

var intervalMs = map[types.Timeframe]int64{
	types.Timeframe1m: 60_000,
	types.Timeframe5m: 300_000,
}

// Poller periodically fetches the last N candles per (symbol, timeframe)
// and publishes candle.closed for each newly-finalized one.
type Poller struct {
	logger   *zap.Logger
	exchange exchange.Client
	candles  data.CandleRepository
	audits   data.AuditRepository
	bus      *events.Bus

	Symbols      []string
	Timeframes   []types.Timeframe
	PollInterval time.Duration
	Limit        int
}

// New constructs a Poller.
func New(logger *zap.Logger, client exchange.Client, candles data.CandleRepository, audits data.AuditRepository, bus *events.Bus) *Poller {
	return &Poller{
		logger:       logger,
		exchange:     client,
		candles:      candles,
		audits:       audits,
		bus:          bus,
		PollInterval: 5 * time.Second,
		Limit:        300,
	}
}

// Run polls every PollInterval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		p.pollAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, symbol := range p.Symbols {
		for _, tf := range p.Timeframes {
			if err := p.pollOne(ctx, symbol, tf); err != nil {
				p.logger.Warn("poll failed", zap.String("symbol", symbol), zap.String("timeframe", string(tf)), zap.Error(err))
			}
		}
	}
}

// pollOne fetches, validates, and persists one (symbol, timeframe)'s
// recent candles.
func (p *Poller) pollOne(ctx context.Context, symbol string, tf types.Timeframe) error {
	candles, err := p.exchange.GetKlines(ctx, symbol, tf, p.Limit)
	if err != nil {
		return fmt.Errorf("ingest: get klines: %w", err)
	}

	if err := validateIntegrity(candles, intervalMs[tf]); err != nil {
		p.recordIntegrityFailure(ctx, symbol, tf, candles, err)
		return nil
	}

	now := types.NowMs()
	for _, c := range candles {
		inserted, err := p.candles.Upsert(ctx, c)
		if err != nil {
			return fmt.Errorf("ingest: persist candle: %w", err)
		}
		if !inserted {
			continue
		}
		if c.Closed(now) {
			p.bus.Publish(events.CandleClosed, c)
		}
	}
	return nil
}

// validateIntegrity checks that candles (as received) have strictly
// increasing closeTime with no gap larger than one interval.
func validateIntegrity(candles []types.Candle, interval int64) error {
	for i := 1; i < len(candles); i++ {
		dt := candles[i].CloseTime - candles[i-1].CloseTime
		switch {
		case dt == 0:
			return fmt.Errorf("Duplicate closeTime detected: %d repeats at index %d", candles[i].CloseTime, i)
		case dt < 0:
			return fmt.Errorf("Out-of-order closeTime detected: %d precedes %d", candles[i].CloseTime, candles[i-1].CloseTime)
		case interval > 0 && dt > interval:
			return fmt.Errorf("Gap detected: delta %dms exceeds interval %dms between %d and %d", dt, interval, candles[i-1].CloseTime, candles[i].CloseTime)
		}
	}
	return nil
}

func (p *Poller) recordIntegrityFailure(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle, cause error) {
	event := types.AuditEvent{
		ID:         fmt.Sprintf("audit-%d", types.NowMs()),
		Ts:         types.NowMs(),
		Step:       "ingest.integrity",
		Level:      types.AuditError,
		Message:    cause.Error(),
		Reason:     "market_data_integrity",
		InputsHash: hashutil.HashObject(candles),
		Metadata: map[string]any{
			"category": "market_data_integrity",
			"symbol":   symbol,
			"timeframe": string(tf),
		},
	}
	if err := p.audits.Record(ctx, event); err != nil {
		p.logger.Error("failed to record integrity audit", zap.Error(err))
	}
	p.bus.Publish(events.AuditEventTopic, event)
}
