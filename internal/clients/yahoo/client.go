// Package yahoo fetches daily closes from the Yahoo Finance chart endpoint.
// It is the fallback provider: exchange-suffixed variants (VOD.L, SHOP.TO) are tried against it.
package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aristath/riskdesk/internal/clients/httpclient"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// ProviderName identifies this provider in budgets, caches and logs
	ProviderName = "yahoo"

	defaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"
)

// chartResponse mirrors the subset of the chart payload we read
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol         string `json:"symbol"`
				Currency       string `json:"currency"`
				InstrumentType string `json:"instrumentType"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Client fetches daily closes from Yahoo Finance
type Client struct {
	baseURL string
	http    *httpclient.Client
	log     zerolog.Logger
}

// NewClient creates a Yahoo chart client. An empty baseURL uses the public endpoint.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    httpclient.New(ProviderName, timeout, log),
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return ProviderName
}

// FetchDaily returns the daily closes for symbol inside r, oldest first.
// Adjusted closes are preferred when present.
func (c *Client) FetchDaily(ctx context.Context, symbol string, r domain.DateRange) ([]domain.PricePoint, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("period1", strconv.FormatInt(r.From.Unix(), 10))
	// period2 is exclusive
	params.Set("period2", strconv.FormatInt(r.To.AddDate(0, 0, 1).Unix(), 10))
	params.Set("events", "history")

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(symbol), params.Encode())

	var resp chartResponse
	if err := c.http.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	if resp.Chart.Error != nil {
		return nil, c.http.Unsupported(fmt.Sprintf("%s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description))
	}
	if len(resp.Chart.Result) == 0 {
		return nil, c.http.Unsupported(fmt.Sprintf("no chart result for %s", symbol))
	}

	points := toPoints(resp)
	if len(points) == 0 {
		return nil, c.http.Unsupported(fmt.Sprintf("empty series for %s", symbol))
	}

	c.log.Debug().Str("symbol", symbol).Int("points", len(points)).Msg("Fetched daily series")
	return points, nil
}

func toPoints(resp chartResponse) []domain.PricePoint {
	result := resp.Chart.Result[0]

	var closes []*float64
	if len(result.Indicators.AdjClose) > 0 && len(result.Indicators.AdjClose[0].AdjClose) == len(result.Timestamp) {
		closes = result.Indicators.AdjClose[0].AdjClose
	} else if len(result.Indicators.Quote) > 0 {
		closes = result.Indicators.Quote[0].Close
	}

	points := make([]domain.PricePoint, 0, len(result.Timestamp))
	seen := make(map[time.Time]bool, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		day := domain.TruncateDay(time.Unix(ts, 0))
		if seen[day] {
			continue
		}
		seen[day] = true
		points = append(points, domain.PricePoint{Date: day, Close: *closes[i]})
	}
	return points
}
