// Package exchange implements the HMAC-signed REST client consumed by
// candle ingest and the execution engine. Only GetKlines is part of the
// pipeline's specified surface; the rest (rate limiting, signing, retry)
// exists because something concrete has to sit behind the ExchangeClient
// interface in a runnable process.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the narrow collaborator interface this pipeline depends on.
// GetKlines is the only method the spec's internal components call
// directly; the rest of Client's surface exists to satisfy it internally
// (signing, retries) and for the execution engine's order placement.
type Client interface {
	GetKlines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Candle, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, qty float64, clientOrderID string) (OrderResponse, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, clientOrderID string) (OrderResponse, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// OrderResponse is the exchange's view of an order after submission or a
// status query.
type OrderResponse struct {
	ExternalID   string
	Status       types.OrderStatus
	AvgFillPrice float64
	FilledQty    float64
}

// RESTClient implements Client against a Binance-style `/api/v3/*`
// surface: tuple- or object-shaped kline rows, HMAC-SHA256 request
// signing, and a client-side token-bucket rate limit with bounded retry
// on transient errors.
type RESTClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow int

	limiter *rate.Limiter
	logger  *zap.Logger

	timeOffsetMs int64
}

// Config configures a RESTClient.
type Config struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RecvWindowMs      int
	RateLimitPerSec   float64
	RequestTimeout    time.Duration
	MaxRetries        int
}

// New constructs a RESTClient. Pass a zap.Logger; nil is replaced with a
// no-op logger.
func New(cfg Config, logger *zap.Logger) *RESTClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &RESTClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.RecvWindowMs,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)),
		logger:     logger,
	}
}

// SyncTime fetches /api/v3/time and records the offset applied to every
// signed request's timestamp.
func (c *RESTClient) SyncTime(ctx context.Context) error {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.doGET(ctx, "/api/v3/time", nil, false, &resp); err != nil {
		return fmt.Errorf("exchange: sync time: %w", err)
	}
	c.timeOffsetMs = resp.ServerTime - time.Now().UnixMilli()
	return nil
}

// klineRow accepts both tuple-shaped and object-shaped kline rows from
// the exchange, and tolerates numbers arriving as JSON strings.
type klineRow struct {
	tuple  []json.RawMessage
	object map[string]json.RawMessage
}

func (k *klineRow) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(b, &k.tuple)
	}
	return json.Unmarshal(b, &k.object)
}

func numberFrom(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("exchange: cannot parse number from %s", raw)
	}
	return strconv.ParseFloat(s, 64)
}

func (k klineRow) toCandle(symbol string, tf types.Timeframe) (types.Candle, error) {
	if k.tuple != nil {
		if len(k.tuple) < 7 {
			return types.Candle{}, fmt.Errorf("exchange: kline tuple too short")
		}
		open, _ := numberFrom(k.tuple[1])
		high, _ := numberFrom(k.tuple[2])
		low, _ := numberFrom(k.tuple[3])
		closeP, _ := numberFrom(k.tuple[4])
		vol, _ := numberFrom(k.tuple[5])
		closeTime, err := numberFrom(k.tuple[6])
		if err != nil {
			return types.Candle{}, err
		}
		return types.Candle{
			Symbol: symbol, Timeframe: tf, CloseTime: int64(closeTime),
			Open: open, High: high, Low: low, Close: closeP, Volume: vol,
		}, nil
	}
	get := func(key string) (float64, error) {
		raw, ok := k.object[key]
		if !ok {
			return 0, fmt.Errorf("exchange: kline object missing %q", key)
		}
		return numberFrom(raw)
	}
	open, _ := get("open")
	high, _ := get("high")
	low, _ := get("low")
	closeP, _ := get("close")
	vol, _ := get("volume")
	closeTime, err := get("closeTime")
	if err != nil {
		return types.Candle{}, err
	}
	return types.Candle{
		Symbol: symbol, Timeframe: tf, CloseTime: int64(closeTime),
		Open: open, High: high, Low: low, Close: closeP, Volume: vol,
	}, nil
}

// GetKlines fetches up to limit recent candles for (symbol, interval).
func (c *RESTClient) GetKlines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Candle, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {string(interval)},
		"limit":    {strconv.Itoa(limit)},
	}
	var rows []klineRow
	if err := c.doGET(ctx, "/api/v3/klines", params, false, &rows); err != nil {
		return nil, fmt.Errorf("exchange: get klines: %w", err)
	}
	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := row.toCandle(symbol, interval)
		if err != nil {
			return nil, fmt.Errorf("exchange: decode kline: %w", err)
		}
		out = append(out, candle)
	}
	return out, nil
}

// PlaceLimitOrder submits a LIMIT order at price with clientOrderID as both
// the client id and (by idempotent convention) the externalId.
func (c *RESTClient) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, qty float64, clientOrderID string) (OrderResponse, error) {
	params := url.Values{
		"symbol":        {symbol},
		"side":          {string(side)},
		"type":          {string(types.OrderTypeLimit)},
		"price":         {strconv.FormatFloat(price, 'f', -1, 64)},
		"quantity":      {strconv.FormatFloat(qty, 'f', -1, 64)},
		"newClientOrderId": {clientOrderID},
	}
	return c.placeOrder(ctx, params)
}

// PlaceMarketOrder submits a MARKET order.
func (c *RESTClient) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, clientOrderID string) (OrderResponse, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(side)},
		"type":             {string(types.OrderTypeMarket)},
		"quantity":         {strconv.FormatFloat(qty, 'f', -1, 64)},
		"newClientOrderId": {clientOrderID},
	}
	return c.placeOrder(ctx, params)
}

func (c *RESTClient) placeOrder(ctx context.Context, params url.Values) (OrderResponse, error) {
	var resp struct {
		OrderID      string  `json:"orderId"`
		Status       string  `json:"status"`
		AvgPrice     float64 `json:"avgPrice"`
		ExecutedQty  float64 `json:"executedQty"`
	}
	if err := c.doPOST(ctx, "/api/v3/order", params, &resp); err != nil {
		return OrderResponse{}, fmt.Errorf("exchange: place order: %w", err)
	}
	return OrderResponse{
		ExternalID:   resp.OrderID,
		Status:       mapStatus(resp.Status),
		AvgFillPrice: resp.AvgPrice,
		FilledQty:    resp.ExecutedQty,
	}, nil
}

// GetOrderStatus re-queries an order by client id.
func (c *RESTClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResponse, error) {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var resp struct {
		OrderID     string  `json:"orderId"`
		Status      string  `json:"status"`
		AvgPrice    float64 `json:"avgPrice"`
		ExecutedQty float64 `json:"executedQty"`
	}
	if err := c.doGET(ctx, "/api/v3/order", params, true, &resp); err != nil {
		return OrderResponse{}, fmt.Errorf("exchange: get order status: %w", err)
	}
	return OrderResponse{
		ExternalID:   resp.OrderID,
		Status:       mapStatus(resp.Status),
		AvgFillPrice: resp.AvgPrice,
		FilledQty:    resp.ExecutedQty,
	}, nil
}

// CancelOrder cancels an order by client id.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var resp struct{}
	if err := c.doDELETE(ctx, "/api/v3/order", params, &resp); err != nil {
		return fmt.Errorf("exchange: cancel order: %w", err)
	}
	return nil
}

func mapStatus(raw string) types.OrderStatus {
	switch strings.ToUpper(raw) {
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return types.OrderStatusCanceled
	case "REJECTED", "EXPIRED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusOpen
	}
}

func (c *RESTClient) sign(canonical string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) signedParams(params url.Values) url.Values {
	if params == nil {
		params = url.Values{}
	}
	ts := time.Now().UnixMilli() + c.timeOffsetMs
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}
	canonical := c.apiKey + strconv.FormatInt(ts, 10) + strings.Join(parts, "&")
	params.Set("signature", c.sign(canonical))
	return params
}

func (c *RESTClient) doGET(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if signed {
		params = c.signedParams(params)
	}
	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	if signed || c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}
	return c.doWithRetry(req, out)
}

func (c *RESTClient) doPOST(ctx context.Context, path string, params url.Values, out any) error {
	signed := c.signedParams(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(signed.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("ApiKey", c.apiKey)
	return c.doWithRetry(req, out)
}

func (c *RESTClient) doDELETE(ctx context.Context, path string, params url.Values, out any) error {
	signed := c.signedParams(params)
	full := c.baseURL + path + "?" + signed.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, full, nil)
	if err != nil {
		return err
	}
	req.Header.Set("ApiKey", c.apiKey)
	return c.doWithRetry(req, out)
}

// doWithRetry enforces the client-side rate limit, then retries on
// 429/5xx/network errors with exponential backoff (100ms-2000ms), up to
// three attempts, abandoning on context cancellation.
func (c *RESTClient) doWithRetry(req *http.Request, out any) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return lastErr
			}
			c.backoff(attempt)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("exchange: transient status %d", resp.StatusCode)
			c.backoff(attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("exchange: non-retryable status %d: %s", resp.StatusCode, string(body))
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("exchange: exhausted retries: %w", lastErr)
}

func (c *RESTClient) backoff(attempt int) {
	base := 100 * (1 << attempt)
	if base > 2000 {
		base = 2000
	}
	jitter := rand.Intn(base / 2)
	time.Sleep(time.Duration(base+jitter) * time.Millisecond)
}
