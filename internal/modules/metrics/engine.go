// Package metrics assembles per-ticker and per-portfolio risk metrics from price series.
package metrics

import (
	"math"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/pkg/formulas"
	"github.com/shopspring/decimal"
)

// Level is the coarse risk bucket derived from the score
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
)

// MarkerInsufficientData flags metrics computed from too few observations
const MarkerInsufficientData = "insufficient_data"

// RiskMetrics is a derived, immutable snapshot for one input window.
// Percent fields are expressed in percent (-20 means -20%). Nil means "not meaningful".
type RiskMetrics struct {
	Ticker          string    `json:"ticker"`
	Benchmark       string    `json:"benchmark"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	Observations    int       `json:"observations"`
	MinObservations int       `json:"min_observations"`
	SufficientData  bool      `json:"sufficient_data"`
	Marker          string    `json:"marker,omitempty"`

	Volatility        *float64            `json:"volatility"`   // annualized %
	MaxDrawdown       *float64            `json:"max_drawdown"` // % (≤ 0)
	CurrentDrawdown   *float64            `json:"current_drawdown"`
	Beta              map[string]*float64 `json:"beta"`
	Sharpe            *float64            `json:"sharpe"`
	Sortino           *float64            `json:"sortino"`
	DownsideDeviation *float64            `json:"downside_deviation"` // annualized %
	ValueAtRisk       *float64            `json:"value_at_risk"`      // daily %
	ExpectedShortfall *float64            `json:"expected_shortfall"` // daily %
	VaRAmount         *decimal.Decimal    `json:"value_at_risk_amount,omitempty"`
	VaRConfidence     float64             `json:"var_confidence"`

	RiskScore         *float64                    `json:"risk_score"`
	RiskLevel         Level                       `json:"risk_level,omitempty"`
	RiskDecomposition *formulas.RiskDecomposition `json:"risk_decomposition"`
}

// Err reports the insufficient-history condition as a typed error, nil otherwise
func (m RiskMetrics) Err() error {
	if m.SufficientData {
		return nil
	}
	return &domain.InsufficientHistoryError{Ticker: m.Ticker, Have: m.Observations, Need: m.MinObservations}
}

// Value returns a metric by its alert name, or nil when unknown or not meaningful
func (m RiskMetrics) Value(metric string) *float64 {
	switch metric {
	case "volatility":
		return m.Volatility
	case "max_drawdown":
		return m.MaxDrawdown
	case "beta":
		return m.Beta[m.Benchmark]
	case "sharpe":
		return m.Sharpe
	case "sortino":
		return m.Sortino
	case "downside_deviation":
		return m.DownsideDeviation
	case "value_at_risk":
		return m.ValueAtRisk
	case "risk_score":
		return m.RiskScore
	}
	return nil
}

// Options are the per-request inputs that are not price data
type Options struct {
	// Benchmark drives risk score beta and the risk decomposition
	Benchmark string
	// Notional scales VaR into a currency amount; zero skips it
	Notional decimal.Decimal
}

// Engine computes RiskMetrics. It holds only policy and is safe for concurrent use.
type Engine struct {
	policy config.RiskScorePolicy
}

// NewEngine creates an engine with the given policy
func NewEngine(policy config.RiskScorePolicy) *Engine {
	return &Engine{policy: policy}
}

// Policy returns the engine's policy
func (e *Engine) Policy() config.RiskScorePolicy {
	return e.policy
}

// Compute derives every metric for series. benchmarks maps benchmark ticker to its
// series; beta is computed per benchmark on date-aligned returns.
//
// Below the minimum sample size every metric is nil and the result carries
// MarkerInsufficientData. That is data, not an error.
func (e *Engine) Compute(series domain.PriceSeries, benchmarks map[string]domain.PriceSeries, opts Options) RiskMetrics {
	if opts.Benchmark == "" {
		opts.Benchmark = domain.DefaultBenchmark
	}

	closes := series.Closes()
	returns := formulas.CalculateReturns(closes)

	m := RiskMetrics{
		Ticker:          series.Ticker,
		Benchmark:       opts.Benchmark,
		PeriodStart:     series.FirstDate(),
		PeriodEnd:       series.LastDate(),
		Observations:    len(returns),
		MinObservations: e.policy.MinObservations,
		VaRConfidence:   e.policy.VaRConfidence,
		Beta:            make(map[string]*float64, len(benchmarks)),
	}

	if len(returns) < e.policy.MinObservations {
		m.Marker = MarkerInsufficientData
		for name := range benchmarks {
			m.Beta[name] = nil
		}
		return m
	}
	m.SufficientData = true

	vol := formulas.AnnualizedVolatility(returns)
	m.Volatility = percent(&vol)

	if dd := formulas.CalculateDrawdownMetrics(closes); dd != nil {
		m.MaxDrawdown = percent(&dd.MaxDrawdown)
		m.CurrentDrawdown = percent(&dd.CurrentDrawdown)
	}

	m.Sharpe = formulas.CalculateSharpeRatio(returns, e.policy.RiskFreeRate, formulas.TradingDaysPerYear)
	m.Sortino = formulas.CalculateSortinoRatio(returns, e.policy.RiskFreeRate, e.policy.TargetReturn, formulas.TradingDaysPerYear)

	periodicMAR := e.policy.TargetReturn / formulas.TradingDaysPerYear
	if dd := formulas.CalculateDownsideDeviation(returns, periodicMAR); dd != nil {
		annual := *dd * math.Sqrt(formulas.TradingDaysPerYear)
		m.DownsideDeviation = percent(&annual)
	}

	varFraction := formulas.CalculateHistoricalVaR(returns, e.policy.VaRConfidence)
	m.ValueAtRisk = percent(varFraction)
	m.ExpectedShortfall = percent(formulas.CalculateCVaR(returns, e.policy.VaRConfidence))
	if varFraction != nil && opts.Notional.IsPositive() {
		amount := opts.Notional.Mul(decimal.NewFromFloat(math.Abs(*varFraction))).Round(2)
		m.VaRAmount = &amount
	}

	for name, bench := range benchmarks {
		ra, rb, _ := domain.AlignedReturns(series, bench)
		if len(ra) < e.policy.MinObservations {
			m.Beta[name] = nil
			continue
		}
		m.Beta[name] = formulas.CalculateBeta(ra, rb)

		if name == opts.Benchmark {
			if corr := formulas.Correlation(ra, rb); corr != nil && m.Volatility != nil {
				d := formulas.DecomposeRisk(*m.Volatility**m.Volatility, *corr**corr)
				m.RiskDecomposition = &d
			}
		}
	}

	score := e.Score(m)
	m.RiskScore = &score
	m.RiskLevel = e.Level(score)

	return m
}

// Score is the composite 0-100 risk score. Each component is scaled linearly
// against its reference ceiling and clamped to its weight. A missing metric
// contributes nothing.
func (e *Engine) Score(m RiskMetrics) float64 {
	p := e.policy
	score := 0.0

	if m.Volatility != nil {
		score += band(*m.Volatility/100, p.VolatilityCeiling, p.VolatilityWeight)
	}
	if m.MaxDrawdown != nil {
		score += band(math.Abs(*m.MaxDrawdown)/100, p.DrawdownCeiling, p.DrawdownWeight)
	}
	if b := m.Beta[m.Benchmark]; b != nil {
		score += band(math.Abs(*b), p.BetaCeiling, p.BetaWeight)
	}
	if m.ValueAtRisk != nil {
		score += band(math.Abs(*m.ValueAtRisk)/100, p.VaRCeiling, p.VaRWeight)
	}

	return formulas.Clamp(score, 0, 100)
}

// Level buckets a score using the policy thresholds
func (e *Engine) Level(score float64) Level {
	switch {
	case score < e.policy.ModerateThreshold:
		return LevelLow
	case score < e.policy.HighThreshold:
		return LevelModerate
	default:
		return LevelHigh
	}
}

func band(value, ceiling, weight float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return formulas.Clamp(value/ceiling*weight, 0, weight)
}

func percent(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	p := *v * 100
	return &p
}
