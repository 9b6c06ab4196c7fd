package formulas

import "math"

// RiskDecomposition splits total risk into the part explained by a benchmark and the rest.
// All values share the unit of the total variance passed in (e.g. annualized percent).
type RiskDecomposition struct {
	SystematicRisk    float64 `json:"systematic_risk"`
	IdiosyncraticRisk float64 `json:"idiosyncratic_risk"`
	RSquared          float64 `json:"r_squared"`
	TotalRisk         float64 `json:"total_risk"`
}

// CalculateBeta returns Cov(asset, benchmark) / Var(benchmark) for aligned return series.
func CalculateBeta(assetReturns, benchmarkReturns []float64) *float64 {
	if len(assetReturns) < 2 || len(assetReturns) != len(benchmarkReturns) {
		return nil
	}

	variance := Variance(benchmarkReturns)
	if variance == 0 {
		return nil
	}

	beta := Covariance(assetReturns, benchmarkReturns) / variance
	return &beta
}

// DecomposeRisk computes systematic = sqrt(R² × var) and idiosyncratic = sqrt((1-R²) × var).
// rSquared is clamped to [0, 1] so that systematic² + idiosyncratic² == total².
func DecomposeRisk(totalVariance, rSquared float64) RiskDecomposition {
	r2 := Clamp(rSquared, 0, 1)
	if totalVariance < 0 {
		totalVariance = 0
	}

	return RiskDecomposition{
		SystematicRisk:    math.Sqrt(r2 * totalVariance),
		IdiosyncraticRisk: math.Sqrt((1 - r2) * totalVariance),
		RSquared:          r2,
		TotalRisk:         math.Sqrt(totalVariance),
	}
}
