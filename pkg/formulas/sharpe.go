package formulas

import "math"

// CalculateSharpeRatio calculates the annualized Sharpe Ratio
//
//	Sharpe = mean(returns - rf/periods) / stdev(returns) × sqrt(periods)
//
// riskFreeRate is annual, as a decimal (0.02 for 2%).
// Returns nil if there are fewer than two returns or zero dispersion.
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (Mean(returns) - periodicRiskFree) / stdDev * math.Sqrt(float64(periodsPerYear))

	return &sharpe
}

// CalculateDownsideDeviation is the semi-deviation below a periodic minimum acceptable
// return: sqrt(mean((r - mar)^2)) taken over the sub-MAR observations only.
// Returns nil when no observation falls below the MAR.
func CalculateDownsideDeviation(returns []float64, periodicMAR float64) *float64 {
	var squaredSum float64
	count := 0

	for _, r := range returns {
		if r < periodicMAR {
			d := r - periodicMAR
			squaredSum += d * d
			count++
		}
	}

	if count == 0 {
		return nil
	}

	dd := math.Sqrt(squaredSum / float64(count))
	return &dd
}

// CalculateSortinoRatio calculates the annualized Sortino Ratio
//
//	Sortino = mean(returns - rf/periods) / downside deviation × sqrt(periods)
//
// targetReturn is the annual minimum acceptable return (MAR).
// Returns nil if there is no downside below the MAR or insufficient data.
func CalculateSortinoRatio(returns []float64, riskFreeRate, targetReturn float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	periodicMAR := targetReturn / float64(periodsPerYear)
	dd := CalculateDownsideDeviation(returns, periodicMAR)
	if dd == nil || *dd == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sortino := (Mean(returns) - periodicRiskFree) / *dd * math.Sqrt(float64(periodsPerYear))

	return &sortino
}
