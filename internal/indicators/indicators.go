// Package indicators provides pure numeric routines over closed candles:
// log-returns, ATR, EMA, EWMA variance/sigma, sigma-norm, Bollinger width,
// and percentile rank. None of these functions block or retain state; the
// caller owns the candle window.
package indicators

import (
	"math"
	"sort"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// eps is the floor used everywhere a divisor could be zero.
const eps = 1e-8

func safeDiv(num, den float64) float64 {
	return num / math.Max(den, eps)
}

// LogReturns computes ln(close[i]/close[i-1]) for i in [1, len(candles)).
func LogReturns(candles []types.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		cur := candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(cur types.Candle, prevClose float64) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prevClose)
	lc := math.Abs(cur.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR computes the average true range over the last `period` candles ending
// at the last element of candles. Requires at least period+1 candles.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		sum += TrueRange(candles[i], candles[i-1].Close)
	}
	return sum / float64(period)
}

// AtrPct returns ATR/close*100 for the last candle in the window.
func AtrPct(candles []types.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	atr := ATR(candles, period)
	last := candles[len(candles)-1].Close
	return safeDiv(atr, last) * 100
}

// EMA computes the exponential moving average series for period p, seeded
// by the simple average of the first p values, recurring with k=2/(p+1).
// The returned slice is aligned to values[p-1:], i.e. len(values)-p+1 long.
func EMA(values []float64, p int) []float64 {
	if len(values) < p || p <= 0 {
		return nil
	}
	k := 2.0 / float64(p+1)
	sum := 0.0
	for i := 0; i < p; i++ {
		sum += values[i]
	}
	seed := sum / float64(p)
	out := make([]float64, 0, len(values)-p+1)
	out = append(out, seed)
	prev := seed
	for i := p; i < len(values); i++ {
		cur := values[i]*k + prev*(1-k)
		out = append(out, cur)
		prev = cur
	}
	return out
}

// EMALast returns only the final value of EMA(values, p), or (0, false) if
// there are not enough values.
func EMALast(values []float64, p int) (float64, bool) {
	series := EMA(values, p)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// EMASlope computes (EMA_t - EMA_{t-lag}) / max(1e-8, EMA_{t-lag}) over the
// tail of an already-computed EMA series.
func EMASlope(series []float64, lag int) float64 {
	n := len(series)
	if n <= lag {
		return 0
	}
	cur := series[n-1]
	prior := series[n-1-lag]
	return safeDiv(cur-prior, prior)
}

// EWMAVariance computes the exponentially weighted moving variance of a
// return series with decay lambda, initialized at returns[0]^2 and
// recurring sigma2_t = lambda*sigma2_{t-1} + (1-lambda)*r_t^2. Returns the
// full aligned series (same length as returns).
func EWMAVariance(returns []float64, lambda float64) []float64 {
	if len(returns) == 0 {
		return nil
	}
	out := make([]float64, len(returns))
	out[0] = returns[0] * returns[0]
	for i := 1; i < len(returns); i++ {
		out[i] = lambda*out[i-1] + (1-lambda)*returns[i]*returns[i]
	}
	return out
}

// EwmaSigma returns sqrt(max(0, variance)) for every element of an EWMA
// variance series.
func EwmaSigma(variances []float64) []float64 {
	out := make([]float64, len(variances))
	for i, v := range variances {
		out[i] = math.Sqrt(math.Max(0, v))
	}
	return out
}

// Median returns the median of a float64 slice without mutating it.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// SigmaNorm divides the latest sigma by the median of the last `window`
// sigma values (the window must include the latest value).
func SigmaNorm(sigmas []float64, window int) float64 {
	if len(sigmas) == 0 {
		return 0
	}
	start := 0
	if len(sigmas) > window {
		start = len(sigmas) - window
	}
	latest := sigmas[len(sigmas)-1]
	return safeDiv(latest, Median(sigmas[start:]))
}

// BollingerWidthPct computes ((upper-lower)/max(eps,mean))*100 for a band
// of `period` bars and `numStd` standard deviations, over the tail of
// closes.
func BollingerWidthPct(closes []float64, period int, numStd float64) float64 {
	if len(closes) < period {
		return 0
	}
	window := closes[len(closes)-period:]
	mean := 0.0
	for _, c := range window {
		mean += c
	}
	mean /= float64(period)

	variance := 0.0
	for _, c := range window {
		d := c - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	upper := mean + numStd*sd
	lower := mean - numStd*sd
	return safeDiv(upper-lower, mean) * 100
}

// PercentileRank returns (count of values <= v) / |sample| * 100 over a
// sorted copy of sample, counting ties inclusively.
func PercentileRank(sample []float64, v float64) float64 {
	n := len(sample)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	count := sort.Search(n, func(i int) bool { return sorted[i] > v })
	return float64(count) / float64(n) * 100
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
