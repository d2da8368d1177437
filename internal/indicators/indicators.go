// Package indicators computes the technical inputs the engine needs:
// ATR for the admission distance guard and a continuation score used by
// the position manager's momentum-sensitive exits.
package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/marild/portfolio-engine/internal/domain"
)

// ATRPeriod is the lookback used by the admission distance guard.
const ATRPeriod = 14

// ATR returns the latest ATR(period) value from the given bars, or 0 when
// there are not enough bars to compute it.
func ATR(bars []domain.Bar, period int) float64 {
	if len(bars) <= period {
		return 0
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	out := talib.Atr(high, low, closes, period)
	if len(out) == 0 {
		return 0
	}

	v := out[len(out)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ContinuationScore estimates how likely the current move is to continue,
// in [0, 1]. It blends rate of change over the last rocPeriod bars with
// volatility compression: recent stddev shrinking against the earlier
// window reads as a stalling move.
//
// Scores below ~0.25 are treated as "momentum stalled" by capital
// recycling; below 0.3/0.4 by the time-exit and overnight-hygiene rules.
func ContinuationScore(bars []domain.Bar, side domain.Side) float64 {
	const rocPeriod = 5
	const volPeriod = 10

	if len(bars) < volPeriod*2 {
		// Not enough history to call the move stalled.
		return 0.5
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	rocSeries := talib.Roc(closes, rocPeriod)
	roc := rocSeries[len(rocSeries)-1] * side.Sign()

	// Favorable ROC maps into (0.5, 1], adverse into [0, 0.5).
	// 1% favorable move over rocPeriod bars saturates the component.
	rocComponent := 0.5 + 0.5*clamp(roc, -1, 1)

	stdSeries := talib.StdDev(closes, volPeriod, 1.0)
	recent := stdSeries[len(stdSeries)-1]
	earlier := stdSeries[len(stdSeries)-1-volPeriod]

	volComponent := 0.5
	if earlier > 0 {
		// Ratio < 1 means compression (stalling); > 1 means expansion.
		volComponent = clamp(recent/earlier/2, 0, 1)
	}

	score := 0.6*rocComponent + 0.4*volComponent
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0.5
	}
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
