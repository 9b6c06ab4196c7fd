// Package formulas holds the pure statistical building blocks used by the risk engines.
// Functions return nil (or 0 for plain aggregates) instead of a number when the input
// cannot support a meaningful result.
package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualization factor for daily series.
const TradingDaysPerYear = 252

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// AnnualizedVolatility calculates annualized volatility from daily returns
// Formula: Std Dev of Daily Returns × sqrt(252 trading days)
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(TradingDaysPerYear)
}

// CalculateReturns converts prices to simple percentage returns
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// Correlation calculates the Pearson correlation coefficient between two datasets.
// Returns nil when the series differ in length, are too short, or either is constant.
func Correlation(x, y []float64) *float64 {
	if len(x) < 2 || len(x) != len(y) {
		return nil
	}
	if StdDev(x) == 0 || StdDev(y) == 0 {
		return nil
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) {
		return nil
	}
	// Guard against rounding just outside [-1, 1]
	c = math.Max(-1, math.Min(1, c))
	return &c
}

// Covariance calculates the sample covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// Percentile returns the empirical p-quantile (0..1) of data.
func Percentile(data []float64, p float64) *float64 {
	if len(data) == 0 || p < 0 || p > 1 {
		return nil
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	q := stat.Quantile(p, stat.Empirical, sorted, nil)
	return &q
}

// LinearTrend fits y = alpha + beta*x by ordinary least squares where x is the index 0..n-1.
func LinearTrend(y []float64) (alpha, beta float64, ok bool) {
	if len(y) < 2 {
		return 0, 0, false
	}
	x := make([]float64, len(y))
	for i := range x {
		x[i] = float64(i)
	}
	alpha, beta = stat.LinearRegression(x, y, nil, false)
	return alpha, beta, true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
