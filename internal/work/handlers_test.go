package work

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	runs := NewRunStore(db.Conn(), nil)

	registry := NewRegistry()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	registry.Register(&WorkType{ID: "fast", Description: "fast work", Execute: func(context.Context, string) error { return nil }})
	registry.Register(&WorkType{ID: "slow", Execute: func(ctx context.Context, _ string) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}})

	p := NewProcessor(registry, nil, runs, nil, Options{Workers: 1}, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)

	r := chi.NewRouter()
	NewHandlers(p, runs, zerolog.Nop()).RegisterRoutes(r)

	call := func(method, path string) (int, map[string]interface{}) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := call(http.MethodGet, "/work/types")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 2)

	code, _ = call(http.MethodPost, "/work/fast/trigger?wait=true")
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(http.MethodPost, "/work/slow/trigger")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = call(http.MethodPost, "/work/slow/trigger")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(http.MethodPost, "/work/missing/trigger")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(http.MethodGet, "/work/fast/runs")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, _ = call(http.MethodGet, "/work/missing/runs")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(http.MethodGet, "/work/runs?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = call(http.MethodGet, "/work/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["workers"])

	code, _ = call(http.MethodPost, "/work/scan")
	assert.Equal(t, http.StatusAccepted, code)
}
