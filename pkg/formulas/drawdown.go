package formulas

// DrawdownMetrics represents drawdown analysis results.
// Drawdowns are expressed as non-positive fractions (-0.25 = 25% below the running peak).
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	DaysInDrawdown  int     `json:"days_in_drawdown"` // Observations since the last peak
	PeakValue       float64 `json:"peak_value"`
	CurrentValue    float64 `json:"current_value"`
}

// CalculateMaxDrawdown returns min over t of price[t]/max(price[0..t]) - 1.
// The result is always <= 0 and exactly 0 for a non-decreasing series.
// Returns nil for fewer than two prices.
func CalculateMaxDrawdown(prices []float64) *float64 {
	metrics := CalculateDrawdownMetrics(prices)
	if metrics == nil {
		return nil
	}
	return &metrics.MaxDrawdown
}

// CalculateDrawdownMetrics calculates max drawdown together with the current drawdown,
// days since the peak, and the peak/current values.
func CalculateDrawdownMetrics(prices []float64) *DrawdownMetrics {
	if len(prices) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := prices[0]
	peakIndex := 0

	for i, price := range prices {
		if price > peak {
			peak = price
			peakIndex = i
		}

		if peak > 0 {
			drawdown := price/peak - 1
			if drawdown < maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	currentValue := prices[len(prices)-1]
	currentDrawdown := 0.0
	if peak > 0 {
		currentDrawdown = currentValue/peak - 1
	}

	return &DrawdownMetrics{
		MaxDrawdown:     maxDrawdown,
		CurrentDrawdown: currentDrawdown,
		DaysInDrawdown:  len(prices) - 1 - peakIndex,
		PeakValue:       peak,
		CurrentValue:    currentValue,
	}
}
