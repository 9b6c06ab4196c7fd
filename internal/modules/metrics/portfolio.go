package metrics

import (
	"sort"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/shopspring/decimal"
)

// Holding is a position quantity in one ticker
type Holding struct {
	Ticker   string
	Quantity decimal.Decimal
}

// ValueSeries values holdings at today's quantities over the dates every priced holding
// shares. Holdings without a series are returned in excluded and left out of the value.
// The notional is the value on the last common date.
func ValueSeries(name string, holdings []Holding, series map[string]domain.PriceSeries) (domain.PriceSeries, decimal.Decimal, []string) {
	var priced []domain.PriceSeries
	var used []Holding
	var excluded []string

	for _, h := range holdings {
		s, ok := series[h.Ticker]
		if !ok || s.Len() == 0 || h.Quantity.IsZero() {
			excluded = append(excluded, h.Ticker)
			continue
		}
		priced = append(priced, s)
		used = append(used, h)
	}
	sort.Strings(excluded)

	out := domain.PriceSeries{Ticker: name, Source: "portfolio"}
	if len(priced) == 0 {
		return out, decimal.Zero, excluded
	}

	dates := domain.IntersectDates(priced...)
	closes := make([]map[int64]float64, len(priced))
	for i, s := range priced {
		closes[i] = make(map[int64]float64, s.Len())
		for _, p := range s.Points {
			closes[i][domain.TruncateDay(p.Date).Unix()] = p.Close
		}
	}

	notional := decimal.Zero
	for _, d := range dates {
		value := decimal.Zero
		for i, h := range used {
			value = value.Add(h.Quantity.Mul(decimal.NewFromFloat(closes[i][d.Unix()])))
		}
		out.Points = append(out.Points, domain.PricePoint{Date: d, Close: value.InexactFloat64()})
		notional = value
	}

	return out, notional.Round(2), excluded
}

// Weights returns each holding's share of the notional on the last common date
func Weights(holdings []Holding, series map[string]domain.PriceSeries) map[string]float64 {
	weights := make(map[string]float64, len(holdings))
	total := decimal.Zero
	values := make(map[string]decimal.Decimal, len(holdings))

	for _, h := range holdings {
		s, ok := series[h.Ticker]
		if !ok || s.Len() == 0 {
			continue
		}
		v := h.Quantity.Mul(decimal.NewFromFloat(s.Points[s.Len()-1].Close))
		values[h.Ticker] = values[h.Ticker].Add(v)
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return weights
	}
	for t, v := range values {
		weights[t] = v.Div(total).InexactFloat64()
	}
	return weights
}
