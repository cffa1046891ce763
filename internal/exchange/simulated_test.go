package exchange_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulatedClientSynthesizesMonotonicCandles(t *testing.T) {
	client := exchange.NewSimulated(zap.NewNop())
	candles, err := client.GetKlines(context.Background(), "BTCUSDT", types.Timeframe1m, 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	for i := 1; i < len(candles); i++ {
		require.Greater(t, candles[i].CloseTime, candles[i-1].CloseTime)
	}
}

func TestSimulatedClientFillsOrdersImmediately(t *testing.T) {
	client := exchange.NewSimulated(zap.NewNop())
	resp, err := client.PlaceLimitOrder(context.Background(), "BTCUSDT", types.SideLong, 60000, 0.1, "order-1")
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, resp.Status)
	require.Greater(t, resp.AvgFillPrice, 60000.0, "long fills should slip up from the requested price")
}

func TestSimulatedClientRecordsFillsForStatusLookup(t *testing.T) {
	client := exchange.NewSimulated(zap.NewNop())
	_, err := client.PlaceMarketOrder(context.Background(), "ETHUSDT", types.SideShort, 1, "order-2")
	require.NoError(t, err)

	status, err := client.GetOrderStatus(context.Background(), "ETHUSDT", "order-2")
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusFilled, status.Status)
}

func TestSimulatedClientUnknownOrderIsRejected(t *testing.T) {
	client := exchange.NewSimulated(zap.NewNop())
	status, err := client.GetOrderStatus(context.Background(), "BTCUSDT", "never-placed")
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusRejected, status.Status)
}
