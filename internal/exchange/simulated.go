package exchange

import (
	"context"
	"math/rand"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// SimulatedClient is a paper-trading stand-in for Client, used by the
// CLI's -dry-run mode and by tests. It synthesizes a random-walk candle
// feed per symbol and fills every limit/market order immediately at the
// requested (or last-synthesized) price with a small simulated slippage,
// mirroring the teacher's simulateExecution behavior without the rest of
// its paper-trading engine.
type SimulatedClient struct {
	logger *zap.Logger

	mu      sync.Mutex
	price   map[string]float64
	closed  map[string]int64
	orders  map[string]OrderResponse
	rand    *rand.Rand
}

const simulatedSlippage = 0.0005

// NewSimulated constructs a SimulatedClient seeded with a fixed base price
// per symbol.
func NewSimulated(logger *zap.Logger) *SimulatedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedClient{
		logger: logger,
		price:  make(map[string]float64),
		closed: make(map[string]int64),
		orders: make(map[string]OrderResponse),
		rand:   rand.New(rand.NewSource(1)),
	}
}

func (c *SimulatedClient) basePrice(symbol string) float64 {
	switch symbol {
	case "BTCUSDT":
		return 60000
	case "ETHUSDT":
		return 3000
	default:
		return 100
	}
}

func (c *SimulatedClient) nextPrice(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.price[symbol]
	if !ok {
		p = c.basePrice(symbol)
	}
	drift := (c.rand.Float64() - 0.5) * p * 0.002
	p += drift
	if p <= 0 {
		p = c.basePrice(symbol)
	}
	c.price[symbol] = p
	return p
}

// GetKlines synthesizes limit finalized candles for (symbol, interval)
// walking forward from the last synthesized close.
func (c *SimulatedClient) GetKlines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Candle, error) {
	step := int64(60_000)
	if interval == types.Timeframe5m {
		step = 300_000
	}

	c.mu.Lock()
	last := c.closed[symbol]
	c.mu.Unlock()
	if last == 0 {
		last = (types.NowMs()/step)*step - int64(limit)*step
	}

	candles := make([]types.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		open := c.nextPrice(symbol)
		high := open * (1 + c.rand.Float64()*0.003)
		low := open * (1 - c.rand.Float64()*0.003)
		closeP := c.nextPrice(symbol)
		last += step
		candles = append(candles, types.Candle{
			Symbol:    symbol,
			Timeframe: interval,
			CloseTime: last,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    100 + c.rand.Float64()*900,
		})
	}

	c.mu.Lock()
	c.closed[symbol] = last
	c.mu.Unlock()

	return candles, nil
}

func (c *SimulatedClient) fill(symbol string, side types.Side, price, qty float64, clientOrderID string) OrderResponse {
	fillPrice := price
	if side == types.SideLong {
		fillPrice *= 1 + simulatedSlippage
	} else {
		fillPrice *= 1 - simulatedSlippage
	}
	resp := OrderResponse{
		ExternalID:   clientOrderID,
		Status:       types.OrderStatusFilled,
		AvgFillPrice: fillPrice,
		FilledQty:    qty,
	}
	c.mu.Lock()
	c.orders[clientOrderID] = resp
	c.mu.Unlock()
	return resp
}

// PlaceLimitOrder fills immediately at price (paper trading has no book to
// rest an order on).
func (c *SimulatedClient) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, qty float64, clientOrderID string) (OrderResponse, error) {
	return c.fill(symbol, side, price, qty, clientOrderID), nil
}

// PlaceMarketOrder fills immediately at the last synthesized price.
func (c *SimulatedClient) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, clientOrderID string) (OrderResponse, error) {
	return c.fill(symbol, side, c.nextPrice(symbol), qty, clientOrderID), nil
}

// GetOrderStatus returns the recorded fill; every simulated order fills
// synchronously so this never reports OPEN.
func (c *SimulatedClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp, ok := c.orders[clientOrderID]; ok {
		return resp, nil
	}
	return OrderResponse{ExternalID: clientOrderID, Status: types.OrderStatusRejected}, nil
}

// CancelOrder is a no-op: simulated orders are never left open.
func (c *SimulatedClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return nil
}
