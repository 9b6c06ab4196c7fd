// Package domain provides core domain models and types.
package domain

import (
	"strings"
	"time"
)

// DateLayout is the canonical day format used in storage and JSON.
const DateLayout = "2006-01-02"

// PricePoint is one daily close for a ticker
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// PriceSeries is an ordered (ascending by date) sequence of closes for one ticker.
// Dates are unique within a series.
type PriceSeries struct {
	Ticker string       `json:"ticker"`
	Points []PricePoint `json:"points"`
	Source string       `json:"source,omitempty"`
}

// Len returns the number of points
func (s PriceSeries) Len() int {
	return len(s.Points)
}

// Closes returns the close prices in date order
func (s PriceSeries) Closes() []float64 {
	closes := make([]float64, len(s.Points))
	for i, p := range s.Points {
		closes[i] = p.Close
	}
	return closes
}

// LastDate returns the date of the most recent point, or the zero time for an empty series
func (s PriceSeries) LastDate() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Date
}

// FirstDate returns the date of the oldest point, or the zero time for an empty series
func (s PriceSeries) FirstDate() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[0].Date
}

// Within returns the sub-series whose dates fall inside r (inclusive).
func (s PriceSeries) Within(r DateRange) PriceSeries {
	out := PriceSeries{Ticker: s.Ticker, Source: s.Source}
	for _, p := range s.Points {
		if r.Contains(p.Date) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// DateRange is an inclusive range of calendar days
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastNDays returns the range covering the n calendar days up to and including now
func LastNDays(now time.Time, n int) DateRange {
	to := TruncateDay(now)
	return DateRange{From: to.AddDate(0, 0, -n), To: to}
}

// Contains reports whether t falls on a day inside the range
func (r DateRange) Contains(t time.Time) bool {
	d := TruncateDay(t)
	return !d.Before(TruncateDay(r.From)) && !d.After(TruncateDay(r.To))
}

// TruncateDay drops the time-of-day component in UTC
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LastTradingDay returns the most recent weekday on or before t.
// Exchange holidays are not modelled; a holiday simply reads as one day of staleness.
func LastTradingDay(t time.Time) time.Time {
	d := TruncateDay(t)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NormalizeTicker upper-cases and trims a user-supplied ticker
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Benchmarks are the reference indices beta is computed against
var Benchmarks = []string{"SPY", "QQQ", "IWM"}

// DefaultBenchmark is used when a request names none
const DefaultBenchmark = "SPY"

// IsBenchmark reports whether ticker is one of the supported benchmarks
func IsBenchmark(ticker string) bool {
	for _, b := range Benchmarks {
		if b == ticker {
			return true
		}
	}
	return false
}
