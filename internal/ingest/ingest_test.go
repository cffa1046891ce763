package ingest_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/ingest"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubClient struct {
	candles []types.Candle
}

func (s stubClient) GetKlines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Candle, error) {
	return s.candles, nil
}
func (s stubClient) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, qty float64, clientOrderID string) (exchange.OrderResponse, error) {
	return exchange.OrderResponse{}, nil
}
func (s stubClient) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, clientOrderID string) (exchange.OrderResponse, error) {
	return exchange.OrderResponse{}, nil
}
func (s stubClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResponse, error) {
	return exchange.OrderResponse{}, nil
}
func (s stubClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error { return nil }

func newIngestHarness(t *testing.T, candles []types.Candle) (data.Repositories, *events.Bus, *ingest.Poller) {
	t.Helper()
	mem := data.NewMemoryStore()
	repos := data.NewMemoryRepositories(mem)
	bus := events.New(events.Direct, zap.NewNop(), nil)
	poller := ingest.New(zap.NewNop(), stubClient{candles: candles}, repos.Candles, repos.Audits, bus)
	poller.Symbols = []string{"BTCUSDT"}
	poller.Timeframes = []types.Timeframe{types.Timeframe1m}
	return repos, bus, poller
}

func TestIngestPersistsAndPublishesClosedCandles(t *testing.T) {
	past := types.NowMs() - 10*60_000
	candles := []types.Candle{
		{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: past, Close: 100},
		{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: past + 60_000, Close: 101},
	}
	repos, bus, poller := newIngestHarness(t, candles)

	var published int
	bus.Subscribe(events.CandleClosed, func(payload any) error { published++; return nil })

	poller.Run(contextWithImmediateCancel(t))
	_ = repos

	require.Equal(t, 2, published)
}

func TestIngestRejectsGapAndRecordsAudit(t *testing.T) {
	past := types.NowMs() - 10*60_000
	candles := []types.Candle{
		{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: past, Close: 100},
		{Symbol: "BTCUSDT", Timeframe: types.Timeframe1m, CloseTime: past + 10*60_000, Close: 101}, // 10m gap on a 1m feed
	}
	repos, bus, poller := newIngestHarness(t, candles)

	var auditEvents int
	bus.Subscribe(events.AuditEventTopic, func(payload any) error { auditEvents++; return nil })

	poller.Run(contextWithImmediateCancel(t))

	stored, err := repos.Candles.Last(context.Background(), "BTCUSDT", types.Timeframe1m, types.NowMs(), 100)
	require.NoError(t, err)
	require.Empty(t, stored, "a gap-violating batch must not be persisted")
	require.Equal(t, 1, auditEvents)
}

// contextWithImmediateCancel returns a context that is already canceled, so
// Poller.Run executes exactly one pollAll pass before returning.
func contextWithImmediateCancel(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
