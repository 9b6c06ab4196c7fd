// Package prices resolves tickers to daily price history through an ordered provider chain.
package prices

import (
	"context"

	"github.com/aristath/riskdesk/internal/domain"
)

// Provider is one upstream source of daily closes.
//
// FetchDaily returns an error wrapping domain.ErrUnsupported when the provider
// definitively does not cover the symbol, and a *domain.ProviderUnavailableError
// for transient failures.
type Provider interface {
	Name() string
	FetchDaily(ctx context.Context, symbol string, r domain.DateRange) ([]domain.PricePoint, error)
}

// ProviderSpec places a provider in the chain together with its per-provider data:
// the ticker suffixes to try and the daily call budget (0 = unlimited).
type ProviderSpec struct {
	Provider    Provider
	Variants    []string
	DailyBudget int
}

func (s ProviderSpec) variants() []string {
	if len(s.Variants) == 0 {
		return []string{""}
	}
	return s.Variants
}

// Symbol applies a variant suffix to a ticker. "-" is accepted as an explicit bare variant.
func Symbol(ticker, variant string) string {
	if variant == "-" {
		return ticker
	}
	return ticker + variant
}
