package alphavantage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailyJSON = `{
	"Meta Data": {
		"1. Information": "Daily Prices",
		"2. Symbol": "IBM"
	},
	"Time Series (Daily)": {
		"2024-01-16": {
			"1. open": "185.00",
			"4. close": "186.20",
			"5. volume": "3456789"
		},
		"2024-01-12": {
			"1. open": "184.50",
			"4. close": "185.00",
			"5. volume": "3214567"
		},
		"2024-01-11": {
			"4. close": "not-a-number"
		}
	}
}`

func newTestServer(t *testing.T, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func jan2024() domain.DateRange {
	return domain.DateRange{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestParseDailyTimeSeries(t *testing.T) {
	points, err := parseDailyTimeSeries([]byte(dailyJSON))
	require.NoError(t, err)
	require.Len(t, points, 2)

	// Sorted oldest first, unparsable closes dropped
	assert.Equal(t, 12, points[0].Date.Day())
	assert.Equal(t, 185.0, points[0].Close)
	assert.Equal(t, 16, points[1].Date.Day())
	assert.Equal(t, 186.2, points[1].Close)

	_, err = parseDailyTimeSeries([]byte(`{}`))
	assert.Error(t, err)
}

func TestFetchDaily(t *testing.T) {
	server := newTestServer(t, dailyJSON, func(r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "TIME_SERIES_DAILY", q.Get("function"))
		assert.Equal(t, "IBM", q.Get("symbol"))
		assert.Equal(t, "compact", q.Get("outputsize"))
		assert.Equal(t, "test-key", q.Get("apikey"))
	})

	client := NewClient("test-key", server.URL, time.Second, zerolog.Nop())
	assert.Equal(t, ProviderName, client.Name())

	points, err := client.FetchDaily(context.Background(), "IBM", jan2024())
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestFetchDaily_LongRangeRequestsFullOutput(t *testing.T) {
	server := newTestServer(t, dailyJSON, func(r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("outputsize"))
	})

	client := NewClient("test-key", server.URL, time.Second, zerolog.Nop())
	r := domain.DateRange{From: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)}
	_, err := client.FetchDaily(context.Background(), "IBM", r)
	require.NoError(t, err)
}

func TestFetchDaily_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		transient bool
	}{
		{"rate limit note", `{"Note": "API call frequency is limited"}`, true},
		{"daily cap information", `{"Information": "Our standard API rate limit is 25 requests per day."}`, true},
		{"thank you message", `Thank you for using Alpha Vantage!`, true},
		{"premium endpoint", `{"Information": "This is a premium endpoint."}`, false},
		{"invalid symbol", `{"Error Message": "Invalid API call."}`, false},
		{"empty series in range", `{"Time Series (Daily)": {"2019-01-02": {"4. close": "10"}}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, tt.body, nil)
			client := NewClient("test-key", server.URL, time.Second, zerolog.Nop())

			_, err := client.FetchDaily(context.Background(), "MUTFX", jan2024())
			require.Error(t, err)
			if tt.transient {
				assert.True(t, domain.IsProviderUnavailable(err))
			} else {
				assert.ErrorIs(t, err, domain.ErrUnsupported)
			}
		})
	}
}

func TestFetchDaily_NoAPIKey(t *testing.T) {
	client := NewClient("", "http://127.0.0.1:1", time.Second, zerolog.Nop())
	_, err := client.FetchDaily(context.Background(), "IBM", jan2024())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestErrorTypes(t *testing.T) {
	assert.Contains(t, ErrRateLimitExceeded{}.Error(), "rate limit")
	assert.Contains(t, ErrInvalidAPIKey{}.Error(), "invalid")
	assert.Contains(t, ErrSymbolNotFound{Symbol: "XYZ"}.Error(), "XYZ")
}

func TestParseFloat64(t *testing.T) {
	assert.Equal(t, 123.45, parseFloat64(" 123.45 "))
	assert.Equal(t, 0.0, parseFloat64("None"))
}
