package hashutil_test

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/pkg/hashutil"
	"github.com/stretchr/testify/assert"
)

func TestHashObjectKeyOrderInvariant(t *testing.T) {
	a := map[string]any{"symbol": "BTCUSDT", "qty": 1.5}
	b := map[string]any{"qty": 1.5, "symbol": "BTCUSDT"}
	assert.Equal(t, hashutil.HashObject(a), hashutil.HashObject(b))
}

func TestHashObjectDiffersOnValueChange(t *testing.T) {
	a := map[string]any{"symbol": "BTCUSDT", "qty": 1.5}
	b := map[string]any{"symbol": "BTCUSDT", "qty": 1.6}
	assert.NotEqual(t, hashutil.HashObject(a), hashutil.HashObject(b))
}

func TestHashObjectStructsRoundTripConsistently(t *testing.T) {
	type plan struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}
	p1 := plan{Symbol: "ETHUSDT", Qty: 2}
	p2 := plan{Symbol: "ETHUSDT", Qty: 2}
	assert.Equal(t, hashutil.HashObject(p1), hashutil.HashObject(p2))
}

func TestHashObjectPreservesArrayOrder(t *testing.T) {
	a := []any{1, 2, 3}
	b := []any{3, 2, 1}
	assert.NotEqual(t, hashutil.HashObject(a), hashutil.HashObject(b))
}
