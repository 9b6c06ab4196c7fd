package forecast

import (
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/domain"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *Engine {
	return NewEngine(config.DefaultForecastPolicy(), zerolog.Nop())
}

// pair builds a benchmark with n returns and an asset with the given beta and noise
func pair(n int, beta, noise float64) (domain.PriceSeries, domain.PriceSeries) {
	benchReturns := testutil.RandomWalk(11, n, 0.0002, 0.01)
	bench := testutil.SeriesFromReturns("SPY", benchReturns)
	asset := testutil.LeveredSeries("ACME", benchReturns, beta, noise, 12)
	return asset, bench
}

func TestForecast_FortyDaysIsInsufficientHistory(t *testing.T) {
	// 60-day window over 99 returns yields 40 rolling betas
	asset, bench := pair(99, 1.2, 0.002)

	fc, err := newEngine().Forecast(asset, bench, Request{})
	require.Error(t, err)

	var ih *domain.InsufficientHistoryError
	require.ErrorAs(t, err, &ih)
	assert.Equal(t, 40, ih.Have)
	assert.Equal(t, 60, ih.Need)
	assert.Equal(t, StateFailed, fc.State)
	assert.Empty(t, fc.Forecast)
	assert.Equal(t, "insufficient_history", domain.ErrorKind(err))
}

func TestForecast_EnsembleAroundStableBeta(t *testing.T) {
	asset, bench := pair(300, 1.2, 0.001)

	fc, err := newEngine().Forecast(asset, bench, Request{Horizon: 30})
	require.NoError(t, err)

	assert.Equal(t, StateForecasted, fc.State)
	assert.Equal(t, MethodEnsemble, fc.Method)
	assert.Contains(t, fc.Methodology, "mean_reversion=0.60")
	assert.Equal(t, 0.95, fc.ConfidenceLevel)
	assert.Equal(t, 241, fc.Observations)
	assert.InDelta(t, 1.2, fc.CurrentBeta, 0.05)
	assert.Len(t, fc.ModelForecasts, 3)

	require.Len(t, fc.Forecast, 30)
	prevWidth := 0.0
	prevDate := asset.LastDate()
	for _, p := range fc.Forecast {
		assert.InDelta(t, 1.2, p.PredictedBeta, 0.1)
		assert.LessOrEqual(t, p.LowerBound, p.PredictedBeta)
		assert.GreaterOrEqual(t, p.UpperBound, p.PredictedBeta)
		width := p.UpperBound - p.LowerBound
		assert.Greater(t, width, prevWidth, "bands widen with horizon")
		prevWidth = width

		assert.True(t, p.Date.After(prevDate))
		assert.NotEqual(t, time.Saturday, p.Date.Weekday())
		assert.NotEqual(t, time.Sunday, p.Date.Weekday())
		prevDate = p.Date
	}
}

func TestForecast_SingleMethods(t *testing.T) {
	asset, bench := pair(300, 0.8, 0.003)
	e := newEngine()

	for _, m := range []Method{MethodMeanReversion, MethodExpSmoothing, MethodLinearTrend} {
		t.Run(string(m), func(t *testing.T) {
			fc, err := e.Forecast(asset, bench, Request{Method: m, Horizon: 5})
			require.NoError(t, err)
			assert.Equal(t, string(m), fc.Methodology)
			require.Len(t, fc.Forecast, 5)
			assert.InDelta(t, fc.ModelForecasts[m], fc.Forecast[4].PredictedBeta, 1e-9)
		})
	}
}

func TestForecast_EnsembleIsWeightedAverage(t *testing.T) {
	asset, bench := pair(300, 1.0, 0.004)
	fc, err := newEngine().Forecast(asset, bench, Request{Horizon: 10})
	require.NoError(t, err)

	expected := 0.6*fc.ModelForecasts[MethodMeanReversion] +
		0.3*fc.ModelForecasts[MethodExpSmoothing] +
		0.1*fc.ModelForecasts[MethodLinearTrend]
	assert.InDelta(t, expected, fc.Forecast[9].PredictedBeta, 1e-9)
}

func TestRollingBeta(t *testing.T) {
	asset, bench := pair(100, 1.5, 0)
	history := RollingBeta(asset, bench, 60)
	require.Len(t, history, 41)
	for _, h := range history {
		assert.InDelta(t, 1.5, h.Beta, 1e-6)
	}

	assert.Nil(t, RollingBeta(asset, bench, 500))
}

func TestDetectRegimes_FlagsShift(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var history []HistoryPoint
	for i := 0; i < 120; i++ {
		beta := 0.5 + 0.01*float64(i%3)
		if i >= 80 {
			beta = 1.5 + 0.01*float64(i%3)
		}
		history = append(history, HistoryPoint{Date: start.AddDate(0, 0, i), Beta: beta})
	}

	regimes := DetectRegimes(history, 20, 2.0)
	require.Len(t, regimes, 1, "cooldown suppresses repeated flags for one shift")
	r := regimes[0]
	assert.Equal(t, history[80].Date, r.Date)
	assert.Equal(t, RegimeIncrease, r.RegimeType)
	assert.InDelta(t, 0.51, r.BetaBefore, 0.01)
	assert.InDelta(t, history[80].Beta, r.BetaAfter, 1e-12)
	assert.Greater(t, r.ZScore, 2.0)
}

func TestDetectRegimes_StableSeriesHasNone(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var history []HistoryPoint
	for i := 0; i < 100; i++ {
		history = append(history, HistoryPoint{Date: start.AddDate(0, 0, i), Beta: 1 + 0.01*float64(i%2)})
	}
	assert.Empty(t, DetectRegimes(history, 20, 2.0))
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodEnsemble, m)

	m, err = ParseMethod(" Linear_Trend ")
	require.NoError(t, err)
	assert.Equal(t, MethodLinearTrend, m)

	_, err = ParseMethod("arima")
	assert.Error(t, err)
}

func TestRunTransitions(t *testing.T) {
	r := newRun()
	assert.Error(t, r.to(StateForecasted), "idle cannot jump to forecasted")
	require.NoError(t, r.to(StateFitting))
	require.NoError(t, r.to(StateForecasted))
	assert.True(t, r.state.Terminal())
	assert.Error(t, r.to(StateFitting))
	assert.False(t, StateIdle.Terminal())
}
