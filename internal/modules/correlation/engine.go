// Package correlation builds pairwise correlation matrices and diversification statistics.
package correlation

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/aristath/riskdesk/pkg/formulas"
	"gonum.org/v1/gonum/mat"
)

const (
	// MaxTickers bounds the matrix size
	MaxTickers = 10
	// HighCorrelationThreshold marks a pair as highly correlated
	HighCorrelationThreshold = 0.70
	// DefaultMinOverlap is the fewest shared returns a pair needs
	DefaultMinOverlap = 20
)

// Pair is one off-diagonal cell
type Pair struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
}

// Matrix is a symmetric correlation matrix with summary statistics.
// Cells for excluded pairs are nil.
type Matrix struct {
	Tickers              []string     `json:"tickers"`
	Values               [][]*float64 `json:"matrix"`
	Average              *float64     `json:"average_correlation"`
	Min                  *float64     `json:"min_correlation"`
	Max                  *float64     `json:"max_correlation"`
	HighPairs            []Pair       `json:"high_correlation_pairs"`
	HighCorrelationCount int          `json:"high_correlation_count"`
	DiversificationScore float64      `json:"diversification_score"`
	Excluded             []string     `json:"excluded"`
	ExcludedPairs        [][2]string  `json:"excluded_pairs"`
}

// At returns the correlation between a and b, or nil
func (m Matrix) At(a, b string) *float64 {
	i, j := m.index(a), m.index(b)
	if i < 0 || j < 0 {
		return nil
	}
	return m.Values[i][j]
}

func (m Matrix) index(t string) int {
	for i, x := range m.Tickers {
		if x == t {
			return i
		}
	}
	return -1
}

// Engine computes correlation matrices
type Engine struct {
	minOverlap int
}

// NewEngine creates an engine. minOverlap <= 0 uses DefaultMinOverlap.
func NewEngine(minOverlap int) *Engine {
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}
	return &Engine{minOverlap: minOverlap}
}

// NormalizeTickers upper-cases, de-duplicates, and sorts tickers and enforces the size bound
func NormalizeTickers(tickers []string) ([]string, error) {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = domain.NormalizeTicker(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one ticker is required")
	}
	if len(out) > MaxTickers {
		return nil, fmt.Errorf("at most %d tickers are supported, got %d", MaxTickers, len(out))
	}
	sort.Strings(out)
	return out, nil
}

// Compute correlates every pair of tickers over date-aligned returns. A ticker missing
// from series excludes only its own pairs. weights (optional) feed the concentration
// part of the diversification score; equal weights are assumed otherwise.
func (e *Engine) Compute(tickers []string, series map[string]domain.PriceSeries, weights map[string]float64) Matrix {
	n := len(tickers)
	sym := mat.NewSymDense(n, nil)
	valid := make([][]bool, n)
	for i := range valid {
		valid[i] = make([]bool, n)
	}

	out := Matrix{Tickers: append([]string(nil), tickers...)}
	missing := make(map[string]bool)
	for _, t := range tickers {
		if s, ok := series[t]; !ok || s.Len() < 2 {
			missing[t] = true
			out.Excluded = append(out.Excluded, t)
		}
	}

	var offDiag []float64
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, 1.0)
		valid[i][i] = true

		for j := i + 1; j < n; j++ {
			a, b := tickers[i], tickers[j]
			if missing[a] || missing[b] {
				out.ExcludedPairs = append(out.ExcludedPairs, [2]string{a, b})
				continue
			}

			ra, rb, _ := domain.AlignedReturns(series[a], series[b])
			if len(ra) < e.minOverlap {
				out.ExcludedPairs = append(out.ExcludedPairs, [2]string{a, b})
				continue
			}
			c := formulas.Correlation(ra, rb)
			if c == nil {
				out.ExcludedPairs = append(out.ExcludedPairs, [2]string{a, b})
				continue
			}

			sym.SetSym(i, j, *c)
			valid[i][j], valid[j][i] = true, true
			offDiag = append(offDiag, *c)

			if *c > HighCorrelationThreshold {
				out.HighPairs = append(out.HighPairs, Pair{A: a, B: b, Correlation: *c})
			}
		}
	}

	out.Values = make([][]*float64, n)
	for i := 0; i < n; i++ {
		out.Values[i] = make([]*float64, n)
		for j := 0; j < n; j++ {
			if valid[i][j] {
				v := sym.At(i, j)
				out.Values[i][j] = &v
			}
		}
	}

	out.HighCorrelationCount = len(out.HighPairs)
	sort.Slice(out.HighPairs, func(i, j int) bool {
		return out.HighPairs[i].Correlation > out.HighPairs[j].Correlation
	})

	if len(offDiag) > 0 {
		avg := formulas.Mean(offDiag)
		lo, hi := offDiag[0], offDiag[0]
		for _, c := range offDiag[1:] {
			lo = math.Min(lo, c)
			hi = math.Max(hi, c)
		}
		out.Average, out.Min, out.Max = &avg, &lo, &hi
	}

	priced := n - len(out.Excluded)
	out.DiversificationScore = DiversificationScore(priced, herfindahl(tickers, missing, weights), out.Average)
	return out
}

// DiversificationScore combines position count (0-3), concentration (0-3) and
// correlation structure (0-4) into a 0-10 score. More positions, lower
// concentration and lower average correlation raise it.
func DiversificationScore(positions int, hhi float64, avgCorrelation *float64) float64 {
	if positions <= 0 {
		return 0
	}

	count := 3 * float64(min(positions-1, MaxTickers-1)) / float64(MaxTickers-1)
	concentration := 3 * formulas.Clamp(1-hhi, 0, 1)

	structure := 0.0
	if avgCorrelation != nil {
		structure = 4 * (1 - formulas.Clamp(*avgCorrelation, 0, 1))
	}

	score := formulas.Clamp(count+concentration+structure, 0, 10)
	return math.Round(score*100) / 100
}

// herfindahl returns the sum of squared weights over priced tickers
func herfindahl(tickers []string, missing map[string]bool, weights map[string]float64) float64 {
	var ws []float64
	total := 0.0
	for _, t := range tickers {
		if missing[t] {
			continue
		}
		w := 1.0
		if weights != nil {
			w = weights[t]
		}
		if w < 0 {
			w = 0
		}
		ws = append(ws, w)
		total += w
	}
	if total == 0 {
		return 1
	}

	hhi := 0.0
	for _, w := range ws {
		s := w / total
		hhi += s * s
	}
	return hhi
}
