package domain

import "time"

// DatedReturn is the simple return from the previous point to Date
type DatedReturn struct {
	Date   time.Time
	Return float64
}

// Returns computes consecutive simple returns, each dated at its ending point.
// Non-positive previous closes are skipped.
func (s PriceSeries) Returns() []DatedReturn {
	if len(s.Points) < 2 {
		return nil
	}
	out := make([]DatedReturn, 0, len(s.Points)-1)
	for i := 1; i < len(s.Points); i++ {
		prev := s.Points[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, DatedReturn{Date: s.Points[i].Date, Return: s.Points[i].Close/prev - 1})
	}
	return out
}

// AlignedReturns intersects a and b on dates present in both and returns
// the returns of each over the common date sequence.
func AlignedReturns(a, b PriceSeries) (ra, rb []float64, dates []time.Time) {
	common := IntersectDates(a, b)
	if len(common) < 2 {
		return nil, nil, nil
	}
	ca := a.closesOn(common)
	cb := b.closesOn(common)

	ra = make([]float64, 0, len(common)-1)
	rb = make([]float64, 0, len(common)-1)
	dates = make([]time.Time, 0, len(common)-1)
	for i := 1; i < len(common); i++ {
		if ca[i-1] <= 0 || cb[i-1] <= 0 {
			continue
		}
		ra = append(ra, ca[i]/ca[i-1]-1)
		rb = append(rb, cb[i]/cb[i-1]-1)
		dates = append(dates, common[i])
	}
	return ra, rb, dates
}

// IntersectDates returns the ascending dates present in every series
func IntersectDates(series ...PriceSeries) []time.Time {
	if len(series) == 0 {
		return nil
	}
	counts := make(map[time.Time]int)
	for _, s := range series {
		for _, p := range s.Points {
			counts[TruncateDay(p.Date)]++
		}
	}

	var out []time.Time
	for _, p := range series[0].Points {
		d := TruncateDay(p.Date)
		if counts[d] == len(series) {
			out = append(out, d)
		}
	}
	return out
}

func (s PriceSeries) closesOn(dates []time.Time) []float64 {
	byDate := make(map[time.Time]float64, len(s.Points))
	for _, p := range s.Points {
		byDate[TruncateDay(p.Date)] = p.Close
	}
	out := make([]float64, len(dates))
	for i, d := range dates {
		out[i] = byDate[d]
	}
	return out
}
