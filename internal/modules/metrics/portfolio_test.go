package metrics

import (
	"testing"

	"github.com/aristath/riskdesk/internal/domain"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSeries(t *testing.T) {
	a := testutil.SeriesFromCloses("A", []float64{10, 11, 12})
	b := testutil.SeriesFromCloses("B", []float64{100, 90, 80})
	series := map[string]domain.PriceSeries{"A": a, "B": b}

	holdings := []Holding{
		{Ticker: "A", Quantity: decimal.NewFromInt(10)},
		{Ticker: "B", Quantity: decimal.RequireFromString("0.5")},
		{Ticker: "FUND", Quantity: decimal.NewFromInt(3)},
	}

	value, notional, excluded := ValueSeries("portfolio:1", holdings, series)
	require.Equal(t, 3, value.Len())
	assert.Equal(t, []float64{150, 155, 160}, value.Closes())
	assert.True(t, notional.Equal(decimal.NewFromInt(160)))
	assert.Equal(t, []string{"FUND"}, excluded)
}

func TestValueSeries_NothingPriced(t *testing.T) {
	value, notional, excluded := ValueSeries("p", []Holding{{Ticker: "X", Quantity: decimal.NewFromInt(1)}}, nil)
	assert.Equal(t, 0, value.Len())
	assert.True(t, notional.IsZero())
	assert.Equal(t, []string{"X"}, excluded)
}

func TestWeights(t *testing.T) {
	series := map[string]domain.PriceSeries{
		"A": testutil.SeriesFromCloses("A", []float64{10}),
		"B": testutil.SeriesFromCloses("B", []float64{30}),
	}
	w := Weights([]Holding{
		{Ticker: "A", Quantity: decimal.NewFromInt(1)},
		{Ticker: "B", Quantity: decimal.NewFromInt(1)},
	}, series)
	assert.InDelta(t, 0.25, w["A"], 1e-12)
	assert.InDelta(t, 0.75, w["B"], 1e-12)
}
