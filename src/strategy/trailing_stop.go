package strategy

import "tradeharness/src/model"

const defaultTrailLookback = 20

func isBullish(b model.Bar) bool { return b.Close > b.Open }
func isBearish(b model.Bar) bool { return b.Close < b.Open }

func avgLow(bars []model.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Low
	}
	return sum / float64(len(bars))
}

func avgHigh(bars []model.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.High
	}
	return sum / float64(len(bars))
}

// TrailingStop returns the next stop for a position held in dir. A zero
// current stop is unset.
//
// Long:
// - gate: previous bar bullish
// - floor: avg(low) over lookback
// - clamp: candidate <= prev.Low
// - update: stop = max(stop, candidate)
//
// Short:
// - gate: previous bar bearish
// - ceiling: avg(high) over lookback
// - clamp: candidate >= prev.High
// - update: stop = min(stop, candidate)
func TrailingStop(dir model.Direction, current float64, bars []model.Bar, lookback int) (next float64, moved bool) {
	if len(bars) < 2 {
		return current, false
	}
	if lookback <= 0 {
		lookback = defaultTrailLookback
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}

	prev := bars[len(bars)-2]
	window := bars[len(bars)-lookback:]

	switch dir {
	case model.DirectionLong:
		if !isBullish(prev) {
			return current, false
		}
		candidate := avgLow(window)
		if candidate > prev.Low {
			candidate = prev.Low
		}
		if candidate > current {
			return candidate, true
		}
	case model.DirectionShort:
		if !isBearish(prev) {
			return current, false
		}
		candidate := avgHigh(window)
		if candidate < prev.High {
			candidate = prev.High
		}
		if current == 0 || candidate < current {
			return candidate, true
		}
	}
	return current, false
}
