package eodhd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRange() domain.DateRange {
	return domain.DateRange{
		From: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchDaily(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/eod/NVD.F"))
		assert.Equal(t, "demo", r.URL.Query().Get("api_token"))
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2024-02-29", r.URL.Query().Get("to"))
		_, _ = w.Write([]byte(`[
			{"date": "2024-02-13", "open": 675.066, "close": 668.445, "adjusted_close": 67.705},
			{"date": "2024-02-14", "close": 670.1, "adjusted_close": 0},
			{"date": "bad", "close": 1}
		]`))
	}))
	defer server.Close()

	client := NewClient("demo", server.URL, time.Second, zerolog.Nop())
	assert.Equal(t, ProviderName, client.Name())

	points, err := client.FetchDaily(context.Background(), "NVD.F", testRange())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 67.705, points[0].Close, 1e-9)
	assert.InDelta(t, 670.1, points[1].Close, 1e-9, "falls back to close when adjusted is missing")
}

func TestFetchDaily_EmptyIsUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient("demo", server.URL, time.Second, zerolog.Nop())
	_, err := client.FetchDaily(context.Background(), "XYZ.EUFUND", testRange())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestFetchDaily_PlanRestrictionIsUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"message": "upgrade your plan"}`))
	}))
	defer server.Close()

	client := NewClient("demo", server.URL, time.Second, zerolog.Nop())
	_, err := client.FetchDaily(context.Background(), "AAPL.US", testRange())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}
