package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// CalculateEMA returns the last exponential moving average of values
//
//	EMA_t = value_t × k + EMA_{t-1} × (1 - k),  k = 2 / (period + 1)
//
// With fewer values than period it falls back to the plain mean.
func CalculateEMA(values []float64, period int) *float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	if len(values) < period || period == 1 {
		mean := Mean(values[max(0, len(values)-period):])
		return &mean
	}

	ema := talib.Ema(values, period)
	if last := ema[len(ema)-1]; !math.IsNaN(last) {
		return &last
	}

	mean := Mean(values[len(values)-period:])
	return &mean
}

// RollingMean returns the trailing simple moving average for every index.
// Indices before the first full window are NaN.
func RollingMean(values []float64, window int) []float64 {
	return rolling(values, window, func(v []float64) []float64 { return talib.Sma(v, window) })
}

// RollingStdDev returns the trailing population standard deviation for every index.
// Indices before the first full window are NaN.
func RollingStdDev(values []float64, window int) []float64 {
	return rolling(values, window, func(v []float64) []float64 { return talib.StdDev(v, window, 1) })
}

func rolling(values []float64, window int, fn func([]float64) []float64) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if window < 2 || len(values) < window {
		return out
	}

	res := fn(values)
	for i := window - 1; i < len(values) && i < len(res); i++ {
		out[i] = res[i]
	}
	return out
}
