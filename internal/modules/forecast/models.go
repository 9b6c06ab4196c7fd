package forecast

import (
	"github.com/aristath/riskdesk/pkg/formulas"
)

// model projects a beta series h steps ahead
type model interface {
	name() Method
	fit(betas []float64) bool
	predict(h int) float64
}

// meanReversion is an AR(1) around the historical mean:
// b_t - μ = φ (b_{t-1} - μ) + ε, forecast μ + φ^h (b_now - μ).
type meanReversion struct {
	mu      float64
	phi     float64
	current float64
}

func (m *meanReversion) name() Method { return MethodMeanReversion }

func (m *meanReversion) fit(betas []float64) bool {
	if len(betas) < 3 {
		return false
	}
	m.mu = formulas.Mean(betas)
	m.current = betas[len(betas)-1]

	var sxy, sxx float64
	for i := 1; i < len(betas); i++ {
		x := betas[i-1] - m.mu
		y := betas[i] - m.mu
		sxy += x * y
		sxx += x * x
	}
	if sxx == 0 {
		m.phi = 0
		return true
	}
	m.phi = formulas.Clamp(sxy/sxx, 0, 0.999)
	return true
}

func (m *meanReversion) predict(h int) float64 {
	decay := 1.0
	for i := 0; i < h; i++ {
		decay *= m.phi
	}
	return m.mu + decay*(m.current-m.mu)
}

// reversionRate is the share of the gap to the mean closed per step
func (m *meanReversion) reversionRate() float64 {
	return 1 - m.phi
}

// expSmoothing projects the exponentially weighted level forward flat
type expSmoothing struct {
	period int
	level  float64
}

func (m *expSmoothing) name() Method { return MethodExpSmoothing }

func (m *expSmoothing) fit(betas []float64) bool {
	ema := formulas.CalculateEMA(betas, m.period)
	if ema == nil {
		return false
	}
	m.level = *ema
	return true
}

func (m *expSmoothing) predict(int) float64 {
	return m.level
}

// linearTrend is OLS of beta on time over the most recent lookback
type linearTrend struct {
	lookback  int
	intercept float64
	slope     float64
	last      int
}

func (m *linearTrend) name() Method { return MethodLinearTrend }

func (m *linearTrend) fit(betas []float64) bool {
	recent := betas
	if len(recent) > m.lookback {
		recent = recent[len(recent)-m.lookback:]
	}
	alpha, beta, ok := formulas.LinearTrend(recent)
	if !ok {
		return false
	}
	m.intercept, m.slope, m.last = alpha, beta, len(recent)-1
	return true
}

func (m *linearTrend) predict(h int) float64 {
	return m.intercept + m.slope*float64(m.last+h)
}
