// Package alphavantage provides a daily price history client for the Alpha Vantage API.
// The free tier allows 25 requests per day; the resolver enforces that budget.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/clients/httpclient"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// ProviderName identifies this provider in budgets, caches and logs
	ProviderName = "alphavantage"

	defaultBaseURL = "https://www.alphavantage.co/query"

	// compactPoints is how many trading days outputsize=compact returns
	compactPoints = 100
)

// ErrRateLimitExceeded is returned when Alpha Vantage reports the call frequency or daily cap was hit.
type ErrRateLimitExceeded struct{}

func (e ErrRateLimitExceeded) Error() string {
	return "alpha vantage rate limit exceeded"
}

// ErrInvalidAPIKey is returned when the API key is rejected.
type ErrInvalidAPIKey struct{}

func (e ErrInvalidAPIKey) Error() string {
	return "alpha vantage rejected the API key as invalid"
}

// ErrSymbolNotFound is returned for symbols Alpha Vantage does not cover.
type ErrSymbolNotFound struct {
	Symbol string
}

func (e ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("alpha vantage has no data for symbol %s", e.Symbol)
}

// Client fetches daily closes from Alpha Vantage
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	log     zerolog.Logger
}

// NewClient creates a new Alpha Vantage client. An empty baseURL uses the public endpoint.
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

// FetchDaily returns the daily closes for symbol inside r, oldest first.
func (c *Client) FetchDaily(ctx context.Context, symbol string, r domain.DateRange) ([]domain.PricePoint, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", ErrInvalidAPIKey{}.Error(), domain.ErrUnsupported)
	}

	outputSize := "compact"
	if tradingDaysBetween(r.From, r.To) > compactPoints {
		outputSize = "full"
	}

	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	params.Set("outputsize", outputSize)
	params.Set("apikey", c.apiKey)

	body, err := c.http.GetBytes(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	if err := c.checkAPIError(body); err != nil {
		switch err.(type) {
		case ErrRateLimitExceeded:
			return nil, c.http.Transient(err)
		case ErrSymbolNotFound:
			return nil, c.http.Unsupported(ErrSymbolNotFound{Symbol: symbol}.Error())
		default:
			return nil, c.http.Unsupported(err.Error())
		}
	}

	points, err := parseDailyTimeSeries(body)
	if err != nil {
		return nil, c.http.Unsupported(err.Error())
	}

	points = filterRange(points, r)
	if len(points) == 0 {
		return nil, c.http.Unsupported(fmt.Sprintf("empty series for %s", symbol))
	}

	c.log.Debug().Str("symbol", symbol).Int("points", len(points)).Msg("Fetched daily series")
	return points, nil
}

// checkAPIError detects the error payloads Alpha Vantage returns with HTTP 200.
func (c *Client) checkAPIError(body []byte) error {
	text := string(body)
	if strings.Contains(text, "Thank you for using Alpha Vantage") {
		return ErrRateLimitExceeded{}
	}

	var envelope struct {
		Note         string `json:"Note"`
		Information  string `json:"Information"`
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Not an error envelope; the caller's parse will judge the payload
		return nil
	}

	switch {
	case envelope.Note != "":
		return ErrRateLimitExceeded{}
	case envelope.Information != "":
		lower := strings.ToLower(envelope.Information)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "call frequency") {
			return ErrRateLimitExceeded{}
		}
		if strings.Contains(lower, "api key") && strings.Contains(lower, "invalid") {
			return ErrInvalidAPIKey{}
		}
		// Premium endpoint or plan restriction
		return fmt.Errorf("plan restriction: %s", envelope.Information)
	case envelope.ErrorMessage != "":
		return ErrSymbolNotFound{}
	}

	return nil
}

// parseDailyTimeSeries converts the "Time Series (Daily)" object into points sorted oldest first.
func parseDailyTimeSeries(body []byte) ([]domain.PricePoint, error) {
	var resp struct {
		Series map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse daily series: %w", err)
	}
	if len(resp.Series) == 0 {
		return nil, fmt.Errorf("response has no daily series")
	}

	points := make([]domain.PricePoint, 0, len(resp.Series))
	for dateStr, bar := range resp.Series {
		date, err := time.Parse(domain.DateLayout, dateStr)
		if err != nil {
			continue
		}
		closePrice := parseFloat64(bar["4. close"])
		if closePrice <= 0 {
			continue
		}
		points = append(points, domain.PricePoint{Date: date, Close: closePrice})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

func parseFloat64(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func filterRange(points []domain.PricePoint, r domain.DateRange) []domain.PricePoint {
	if r.From.IsZero() && r.To.IsZero() {
		return points
	}
	out := points[:0]
	for _, p := range points {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out
}

// tradingDaysBetween approximates weekdays in [from, to]
func tradingDaysBetween(from, to time.Time) int {
	if from.IsZero() || !to.After(from) {
		return compactPoints + 1
	}
	days := int(to.Sub(from).Hours() / 24)
	return days * 5 / 7
}
