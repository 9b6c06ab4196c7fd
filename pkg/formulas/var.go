package formulas

import (
	"math"
	"sort"
)

// CalculateHistoricalVaR returns the historical Value at Risk at the given confidence,
// i.e. the (1-confidence) percentile of the return distribution. A loss is negative.
func CalculateHistoricalVaR(returns []float64, confidence float64) *float64 {
	if len(returns) == 0 || confidence <= 0 || confidence >= 1 {
		return nil
	}
	return Percentile(returns, 1-confidence)
}

// CalculateCVaR calculates Conditional Value at Risk: the mean of the worst
// (1-confidence) share of returns.
func CalculateCVaR(returns []float64, confidence float64) *float64 {
	if len(returns) == 0 || confidence <= 0 || confidence >= 1 {
		return nil
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	tailCount := int(math.Ceil(float64(len(sorted)) * (1 - confidence)))
	if tailCount == 0 {
		tailCount = 1
	}

	cvar := Mean(sorted[:tailCount])
	return &cvar
}
