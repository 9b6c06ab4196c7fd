package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RISKDESK_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 3, cfg.Work.Workers)

	assert.Equal(t, 40.0, cfg.RiskScore.VolatilityWeight)
	assert.Equal(t, 30.0, cfg.RiskScore.DrawdownWeight)
	assert.Equal(t, 20.0, cfg.RiskScore.BetaWeight)
	assert.Equal(t, 10.0, cfg.RiskScore.VaRWeight)
	assert.Equal(t, 20, cfg.RiskScore.MinObservations)

	assert.Equal(t, 0.60, cfg.Forecast.MeanReversionWeight)
	assert.Equal(t, 0.30, cfg.Forecast.SmoothingWeight)
	assert.Equal(t, 0.10, cfg.Forecast.TrendWeight)
	assert.Equal(t, 60, cfg.Forecast.MinObservations)

	assert.Equal(t, 25, cfg.Providers.AlphaVantage.DailyBudget)
	assert.Equal(t, 30*time.Second, cfg.Providers.Yahoo.Timeout)
	assert.Equal(t, []string{"", ".L", ".TO", ".DE", ".PA", ".AS"}, cfg.Providers.Yahoo.Variants)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RISKDESK_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("RISK_WEIGHT_VOLATILITY", "50")
	t.Setenv("RISK_WEIGHT_VAR", "0")
	t.Setenv("CACHE_BACKOFF_BASE", "30s")
	t.Setenv("YAHOO_VARIANTS", "-, .L ,.MI")
	t.Setenv("EODHD_API_KEY", "demo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 50.0, cfg.RiskScore.VolatilityWeight)
	assert.Equal(t, 30*time.Second, cfg.Cache.BackoffBase)
	assert.Equal(t, []string{"", ".L", ".MI"}, cfg.Providers.Yahoo.Variants)
	assert.True(t, cfg.Providers.EODHD.Enabled)

	chain := cfg.Providers.Chain()
	require.Len(t, chain, 3)
	assert.Equal(t, "alphavantage", chain[0].Name)
	assert.Equal(t, "eodhd", chain[2].Name)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad driver", map[string]string{"DB_DRIVER": "postgres"}},
		{"weights above 100", map[string]string{"RISK_WEIGHT_VOLATILITY": "90"}},
		{"backup without bucket", map[string]string{"BACKUP_ENABLED": "true"}},
		{"no providers", map[string]string{"ALPHAVANTAGE_ENABLED": "false", "YAHOO_ENABLED": "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RISKDESK_DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestCachePolicy_TTLFor(t *testing.T) {
	p := DefaultCachePolicy()
	assert.Equal(t, p.PortfolioTTL, p.TTLFor("portfolio"))
	assert.Equal(t, p.ForecastTTL, p.TTLFor("beta_forecast"))
	assert.Equal(t, p.CorrelationTTL, p.TTLFor("correlation"))
	assert.Equal(t, p.SecurityTTL, p.TTLFor("security"))
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/riskdesk"}
	assert.Equal(t, "/var/lib/riskdesk/cache.db", cfg.DatabasePath("cache"))
}
