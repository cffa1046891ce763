// Package strategy implements the per-regime strategy engines (Breakout,
// Continuation, Reversal) and the planner that routes features.ready events
// to exactly one of them.
package strategy

import (
	"context"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Engine evaluates one feature vector against its regime's confirmation
// rules and either returns a populated TradePlan or a rejection reason.
type Engine interface {
	// Name identifies the engine (matches types.Engine).
	Name() types.Engine
	// Evaluate inspects fv (and whatever candle/regime history it needs)
	// against the active params version and returns (plan, "", true) on
	// trigger or (zero, reason, false) on rejection. Evaluate never
	// returns an error: gate failures are business rejections, not
	// exceptions.
	Evaluate(ctx context.Context, fv types.FeatureVector, params types.ParamVersion) (types.TradePlan, string, bool)
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
