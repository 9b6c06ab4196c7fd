// Package forecast projects rolling beta forward with an ensemble of simple models
// and flags regime changes in its history.
package forecast

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/pkg/formulas"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"
)

// Method selects which model(s) produce the forecast
type Method string

const (
	MethodEnsemble      Method = "ensemble"
	MethodMeanReversion Method = "mean_reversion"
	MethodExpSmoothing  Method = "exp_smoothing"
	MethodLinearTrend   Method = "linear_trend"
)

// ParseMethod validates a method name; empty means ensemble
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodEnsemble, nil
	case MethodEnsemble, MethodMeanReversion, MethodExpSmoothing, MethodLinearTrend:
		return m, nil
	default:
		return "", fmt.Errorf("unknown forecast method %q", s)
	}
}

// Regime change directions
const (
	RegimeIncrease = "beta_increase"
	RegimeDecrease = "beta_decrease"
)

// Point is one forecast step
type Point struct {
	Date          time.Time `json:"date"`
	PredictedBeta float64   `json:"predicted_beta"`
	LowerBound    float64   `json:"lower_bound"`
	UpperBound    float64   `json:"upper_bound"`
}

// RegimeChange marks a rolling-beta observation far outside its recent distribution
type RegimeChange struct {
	Date       time.Time `json:"date"`
	BetaBefore float64   `json:"beta_before"`
	BetaAfter  float64   `json:"beta_after"`
	ZScore     float64   `json:"z_score"`
	RegimeType string    `json:"regime_type"`
}

// BetaForecast is the result of one run
type BetaForecast struct {
	Ticker          string             `json:"ticker"`
	Benchmark       string             `json:"benchmark"`
	State           State              `json:"state"`
	Method          Method             `json:"method"`
	Methodology     string             `json:"methodology"`
	ConfidenceLevel float64            `json:"confidence_level"`
	HorizonDays     int                `json:"horizon_days"`
	Window          int                `json:"window"`
	Observations    int                `json:"observations"`
	CurrentBeta     float64            `json:"current_beta"`
	HistoricalMean  float64            `json:"historical_mean"`
	BetaVolatility  float64            `json:"beta_volatility"`
	ReversionRate   float64            `json:"reversion_rate"`
	ModelForecasts  map[Method]float64 `json:"model_forecasts"`
	Forecast        []Point            `json:"forecast"`
	RegimeChanges   []RegimeChange     `json:"regime_changes"`
	History         []HistoryPoint     `json:"history,omitempty"`
}

// HistoryPoint is one rolling-beta observation
type HistoryPoint struct {
	Date time.Time `json:"date"`
	Beta float64   `json:"beta"`
}

// Request parameterizes a forecast
type Request struct {
	Method         Method
	Horizon        int
	IncludeHistory bool
}

// Engine fits and runs forecasts. It is stateless apart from policy.
type Engine struct {
	policy config.ForecastPolicy
	log    zerolog.Logger
}

// NewEngine creates a forecast engine
func NewEngine(policy config.ForecastPolicy, log zerolog.Logger) *Engine {
	return &Engine{
		policy: policy,
		log:    log.With().Str("component", "forecast_engine").Logger(),
	}
}

// Policy returns the engine's policy
func (e *Engine) Policy() config.ForecastPolicy {
	return e.policy
}

// Forecast computes rolling beta of asset against benchmark and projects it.
// Fewer than MinObservations rolling betas fail with *domain.InsufficientHistoryError;
// the returned forecast then carries StateFailed and the observation count.
func (e *Engine) Forecast(asset, benchmark domain.PriceSeries, req Request) (BetaForecast, error) {
	run := newRun()
	if req.Method == "" {
		req.Method = MethodEnsemble
	}
	if req.Horizon <= 0 {
		req.Horizon = e.policy.DefaultHorizon
	}

	out := BetaForecast{
		Ticker:          asset.Ticker,
		Benchmark:       benchmark.Ticker,
		Method:          req.Method,
		ConfidenceLevel: e.policy.ConfidenceLevel,
		HorizonDays:     req.Horizon,
		Window:          e.policy.RollingWindow,
		ModelForecasts:  make(map[Method]float64),
	}

	if err := run.to(StateFitting); err != nil {
		return out, err
	}

	history := RollingBeta(asset, benchmark, e.policy.RollingWindow)
	out.Observations = len(history)

	if len(history) < e.policy.MinObservations {
		_ = run.to(StateFailed)
		out.State = run.state
		return out, &domain.InsufficientHistoryError{
			Ticker: asset.Ticker,
			Have:   len(history),
			Need:   e.policy.MinObservations,
		}
	}

	betas := make([]float64, len(history))
	for i, h := range history {
		betas[i] = h.Beta
	}

	mr := &meanReversion{}
	models := []model{
		mr,
		&expSmoothing{period: e.policy.SmoothingPeriod},
		&linearTrend{lookback: e.policy.TrendLookback},
	}
	weights := map[Method]float64{
		MethodMeanReversion: e.policy.MeanReversionWeight,
		MethodExpSmoothing:  e.policy.SmoothingWeight,
		MethodLinearTrend:   e.policy.TrendWeight,
	}

	var fitted []model
	for _, m := range models {
		if m.fit(betas) {
			fitted = append(fitted, m)
		}
	}
	if len(fitted) == 0 {
		_ = run.to(StateFailed)
		out.State = run.state
		return out, fmt.Errorf("no forecast model could be fitted for %s", asset.Ticker)
	}

	predict, methodology := e.combiner(req.Method, fitted, weights)
	if predict == nil {
		_ = run.to(StateFailed)
		out.State = run.state
		return out, fmt.Errorf("forecast method %s could not be fitted for %s", req.Method, asset.Ticker)
	}

	out.CurrentBeta = betas[len(betas)-1]
	out.HistoricalMean = formulas.Mean(betas)
	out.BetaVolatility = formulas.StdDev(betas)
	out.ReversionRate = mr.reversionRate()
	out.Methodology = methodology
	for _, m := range fitted {
		out.ModelForecasts[m.name()] = m.predict(req.Horizon)
	}

	z := distuv.UnitNormal.Quantile(0.5 + e.policy.ConfidenceLevel/2)
	dates := businessDaysAfter(history[len(history)-1].Date, req.Horizon)
	out.Forecast = make([]Point, req.Horizon)
	for h := 1; h <= req.Horizon; h++ {
		pred := predict(h)
		width := z * out.BetaVolatility * math.Sqrt(1+float64(h)/float64(e.policy.RollingWindow))
		out.Forecast[h-1] = Point{
			Date:          dates[h-1],
			PredictedBeta: pred,
			LowerBound:    pred - width,
			UpperBound:    pred + width,
		}
	}

	out.RegimeChanges = DetectRegimes(history, e.policy.RegimeWindow, e.policy.RegimeThreshold)
	if req.IncludeHistory {
		out.History = history
	}

	if err := run.to(StateForecasted); err != nil {
		return out, err
	}
	out.State = run.state

	e.log.Debug().
		Str("ticker", asset.Ticker).
		Str("benchmark", benchmark.Ticker).
		Str("method", string(req.Method)).
		Int("observations", len(history)).
		Float64("current_beta", out.CurrentBeta).
		Msg("Beta forecast computed")

	return out, nil
}

// combiner returns the step predictor for method and its methodology tag
func (e *Engine) combiner(method Method, fitted []model, weights map[Method]float64) (func(int) float64, string) {
	if method != MethodEnsemble {
		for _, m := range fitted {
			if m.name() == method {
				return m.predict, string(method)
			}
		}
		return nil, ""
	}

	total := 0.0
	parts := make([]string, 0, len(fitted))
	for _, m := range fitted {
		total += weights[m.name()]
		parts = append(parts, fmt.Sprintf("%s=%.2f", m.name(), weights[m.name()]))
	}
	if total <= 0 {
		return nil, ""
	}

	predict := func(h int) float64 {
		sum := 0.0
		for _, m := range fitted {
			sum += weights[m.name()] * m.predict(h)
		}
		return sum / total
	}
	return predict, "ensemble(" + strings.Join(parts, ", ") + ")"
}

// RollingBeta computes beta over each trailing window of date-aligned returns.
// The result is dated at the last return of each window.
func RollingBeta(asset, benchmark domain.PriceSeries, window int) []HistoryPoint {
	ra, rb, dates := domain.AlignedReturns(asset, benchmark)
	if window < 2 || len(ra) < window {
		return nil
	}

	out := make([]HistoryPoint, 0, len(ra)-window+1)
	for end := window; end <= len(ra); end++ {
		b := formulas.CalculateBeta(ra[end-window:end], rb[end-window:end])
		if b == nil {
			continue
		}
		out = append(out, HistoryPoint{Date: dates[end-1], Beta: *b})
	}
	return out
}

// DetectRegimes flags observations whose z-score against the preceding window
// exceeds threshold. After a flag, the next window observations are not flagged again.
func DetectRegimes(history []HistoryPoint, window int, threshold float64) []RegimeChange {
	if window < 2 || len(history) <= window {
		return nil
	}

	betas := make([]float64, len(history))
	for i, h := range history {
		betas[i] = h.Beta
	}
	means := formulas.RollingMean(betas, window)
	stds := formulas.RollingStdDev(betas, window)

	var out []RegimeChange
	cooldownUntil := -1
	for t := window; t < len(betas); t++ {
		if t <= cooldownUntil {
			continue
		}
		mean, sd := means[t-1], stds[t-1]
		if math.IsNaN(mean) || math.IsNaN(sd) || sd < 1e-12 {
			continue
		}
		z := (betas[t] - mean) / sd
		if math.Abs(z) <= threshold {
			continue
		}

		kind := RegimeIncrease
		if z < 0 {
			kind = RegimeDecrease
		}
		out = append(out, RegimeChange{
			Date:       history[t].Date,
			BetaBefore: mean,
			BetaAfter:  betas[t],
			ZScore:     z,
			RegimeType: kind,
		})
		cooldownUntil = t + window
	}
	return out
}

func businessDaysAfter(last time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := domain.TruncateDay(last)
	for len(days) < n {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}
