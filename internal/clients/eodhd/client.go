// Package eodhd fetches end-of-day prices from EODHD.
// EODHD tickers are SYMBOL.EXCHANGE; funds live on the virtual EUFUND exchange.
package eodhd

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aristath/riskdesk/internal/clients/httpclient"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// ProviderName identifies this provider in budgets, caches and logs
	ProviderName = "eodhd"

	defaultBaseURL = "https://eodhd.com/api"
)

// eodBar is one row of the /eod response. Prices arrive as JSON numbers with
// more precision than float64 round-trips cleanly, so they decode into decimals.
type eodBar struct {
	Date          string          `json:"date"`
	Close         decimal.Decimal `json:"close"`
	AdjustedClose decimal.Decimal `json:"adjusted_close"`
}

// Client fetches daily closes from EODHD
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	log     zerolog.Logger
}

// NewClient creates an EODHD client. An empty baseURL uses the public endpoint.
func NewClient(apiKey, baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpclient.New(ProviderName, timeout, log),
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return ProviderName
}

// FetchDaily returns the daily closes for symbol (already exchange-qualified) inside r, oldest first.
func (c *Client) FetchDaily(ctx context.Context, symbol string, r domain.DateRange) ([]domain.PricePoint, error) {
	params := url.Values{}
	params.Set("fmt", "json")
	params.Set("api_token", c.apiKey)
	params.Set("period", "d")
	if !r.From.IsZero() {
		params.Set("from", r.From.Format(domain.DateLayout))
	}
	if !r.To.IsZero() {
		params.Set("to", r.To.Format(domain.DateLayout))
	}

	endpoint := fmt.Sprintf("%s/eod/%s?%s", c.baseURL, url.PathEscape(symbol), params.Encode())

	var bars []eodBar
	if err := c.http.GetJSON(ctx, endpoint, &bars); err != nil {
		return nil, err
	}

	points := make([]domain.PricePoint, 0, len(bars))
	for _, bar := range bars {
		date, err := time.Parse(domain.DateLayout, bar.Date)
		if err != nil {
			continue
		}
		price := bar.AdjustedClose
		if !price.IsPositive() {
			price = bar.Close
		}
		if !price.IsPositive() {
			continue
		}
		points = append(points, domain.PricePoint{Date: date, Close: price.InexactFloat64()})
	}

	if len(points) == 0 {
		return nil, c.http.Unsupported(fmt.Sprintf("empty series for %s", symbol))
	}

	c.log.Debug().Str("symbol", symbol).Int("points", len(points)).Msg("Fetched daily series")
	return points, nil
}
