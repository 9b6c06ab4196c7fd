package testing

import (
	"math"
	"math/rand"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
)

// FixtureStart is the first trading day used by generated series
var FixtureStart = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// BusinessDays returns n consecutive weekdays starting at start (inclusive, if a weekday)
func BusinessDays(start time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := domain.TruncateDay(start)
	for len(days) < n {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// SeriesFromCloses builds a series on consecutive business days from FixtureStart
func SeriesFromCloses(ticker string, closes []float64) domain.PriceSeries {
	days := BusinessDays(FixtureStart, len(closes))
	points := make([]domain.PricePoint, len(closes))
	for i, c := range closes {
		points[i] = domain.PricePoint{Date: days[i], Close: c}
	}
	return domain.PriceSeries{Ticker: ticker, Points: points, Source: "fixture"}
}

// FlatSeries returns n identical closes
func FlatSeries(ticker string, n int, price float64) domain.PriceSeries {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return SeriesFromCloses(ticker, closes)
}

// RandomWalk returns n daily returns drawn from N(drift, vol²) with a fixed seed
func RandomWalk(seed int64, n int, drift, vol float64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	returns := make([]float64, n)
	for i := range returns {
		returns[i] = drift + vol*rng.NormFloat64()
	}
	return returns
}

// SeriesFromReturns compounds returns from a starting price of 100
func SeriesFromReturns(ticker string, returns []float64) domain.PriceSeries {
	closes := make([]float64, len(returns)+1)
	closes[0] = 100
	for i, r := range returns {
		closes[i+1] = closes[i] * (1 + r)
	}
	return SeriesFromCloses(ticker, closes)
}

// LeveredSeries builds an asset whose daily returns are beta×benchmark plus seeded noise
func LeveredSeries(ticker string, benchmarkReturns []float64, beta, noise float64, seed int64) domain.PriceSeries {
	eps := RandomWalk(seed, len(benchmarkReturns), 0, noise)
	returns := make([]float64, len(benchmarkReturns))
	for i, r := range benchmarkReturns {
		returns[i] = beta*r + eps[i]
	}
	return SeriesFromReturns(ticker, returns)
}

// SineSeries oscillates around 100 with the given amplitude and period (in days)
func SineSeries(ticker string, n int, amplitude float64, period float64) domain.PriceSeries {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + amplitude*math.Sin(2*math.Pi*float64(i)/period)
	}
	return SeriesFromCloses(ticker, closes)
}
