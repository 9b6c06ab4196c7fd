// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string `validate:"required"` // Base directory for all databases (always absolute)
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	Port      int    `validate:"min=1,max=65535"`
	DevMode   bool
	DBDriver  string `validate:"oneof=sqlite sqlite3"` // modernc ("sqlite") or mattn ("sqlite3")
	CORSAllow []string

	Providers ProvidersConfig
	RiskScore RiskScorePolicy
	Forecast  ForecastPolicy
	Cache     CachePolicy
	Work      WorkConfig
	Schedules ScheduleConfig
	Backup    BackupConfig
}

// ProviderConfig configures one upstream price provider
type ProviderConfig struct {
	Name        string
	Enabled     bool
	APIKey      string
	BaseURL     string
	DailyBudget int `validate:"min=0"` // 0 = unlimited
	// Variants are ticker suffixes tried in order when the bare ticker is unsupported.
	// The empty string means the bare ticker.
	Variants []string
	Timeout  time.Duration `validate:"min=0"`
}

// ProvidersConfig holds the provider chain in resolution order
type ProvidersConfig struct {
	AlphaVantage ProviderConfig
	Yahoo        ProviderConfig
	EODHD        ProviderConfig
	// NoDataTTL is how long a ticker that no provider covers is skipped
	NoDataTTL time.Duration
	// HistoryYears bounds how much history a refresh requests
	HistoryYears int `validate:"min=1"`
}

// Chain returns the enabled providers in fallback order (primary first)
func (p ProvidersConfig) Chain() []ProviderConfig {
	chain := make([]ProviderConfig, 0, 3)
	for _, pc := range []ProviderConfig{p.AlphaVantage, p.Yahoo, p.EODHD} {
		if pc.Enabled {
			chain = append(chain, pc)
		}
	}
	return chain
}

// RiskScorePolicy weights and reference ceilings for the composite risk score.
// The 40/30/20/10 split is a tunable default, not a derived constant.
type RiskScorePolicy struct {
	VolatilityWeight float64 `validate:"gte=0"`
	DrawdownWeight   float64 `validate:"gte=0"`
	BetaWeight       float64 `validate:"gte=0"`
	VaRWeight        float64 `validate:"gte=0"`

	VolatilityCeiling float64 `validate:"gt=0"` // annualized, as a fraction (0.50 = 50%)
	DrawdownCeiling   float64 `validate:"gt=0"` // absolute fraction
	BetaCeiling       float64 `validate:"gt=0"`
	VaRCeiling        float64 `validate:"gt=0"` // absolute daily fraction

	ModerateThreshold float64 `validate:"gte=0,lte=100"`
	HighThreshold     float64 `validate:"gte=0,lte=100"`

	MinObservations int     `validate:"min=2"`
	RiskFreeRate    float64 // annual
	TargetReturn    float64 // annual MAR for Sortino / downside deviation
	VaRConfidence   float64 `validate:"gt=0,lt=1"`
}

// DefaultRiskScorePolicy returns the policy defaults
func DefaultRiskScorePolicy() RiskScorePolicy {
	return RiskScorePolicy{
		VolatilityWeight:  40,
		DrawdownWeight:    30,
		BetaWeight:        20,
		VaRWeight:         10,
		VolatilityCeiling: 0.50,
		DrawdownCeiling:   0.50,
		BetaCeiling:       2.0,
		VaRCeiling:        0.05,
		ModerateThreshold: 40,
		HighThreshold:     60,
		MinObservations:   20,
		RiskFreeRate:      0.02,
		TargetReturn:      0,
		VaRConfidence:     0.95,
	}
}

// ForecastPolicy configures the beta forecast ensemble
type ForecastPolicy struct {
	RollingWindow       int     `validate:"min=10"`
	MinObservations     int     `validate:"min=1"`
	MeanReversionWeight float64 `validate:"gte=0"`
	SmoothingWeight     float64 `validate:"gte=0"`
	TrendWeight         float64 `validate:"gte=0"`
	DefaultHorizon      int     `validate:"min=1,max=365"`
	ConfidenceLevel     float64 `validate:"gt=0,lt=1"`
	RegimeWindow        int     `validate:"min=5"`
	RegimeThreshold     float64 `validate:"gt=0"`
	SmoothingPeriod     int     `validate:"min=2"`
	TrendLookback       int     `validate:"min=5"`
}

// DefaultForecastPolicy returns the forecast defaults. The 0.60/0.30/0.10 ensemble is tunable.
func DefaultForecastPolicy() ForecastPolicy {
	return ForecastPolicy{
		RollingWindow:       60,
		MinObservations:     60,
		MeanReversionWeight: 0.60,
		SmoothingWeight:     0.30,
		TrendWeight:         0.10,
		DefaultHorizon:      30,
		ConfidenceLevel:     0.95,
		RegimeWindow:        20,
		RegimeThreshold:     2.0,
		SmoothingPeriod:     20,
		TrendLookback:       60,
	}
}

// CachePolicy configures RiskCache TTLs and retry bookkeeping
type CachePolicy struct {
	SecurityTTL    time.Duration `validate:"gt=0"`
	PortfolioTTL   time.Duration `validate:"gt=0"`
	CorrelationTTL time.Duration `validate:"gt=0"`
	ForecastTTL    time.Duration `validate:"gt=0"`
	MaxRetries     int           `validate:"min=1"`
	BackoffBase    time.Duration `validate:"gt=0"`
	LeaseDuration  time.Duration `validate:"gt=0"`
	ScanBatchSize  int           `validate:"min=1"`
}

// DefaultCachePolicy returns the cache defaults
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		SecurityTTL:    6 * time.Hour,
		PortfolioTTL:   6 * time.Hour,
		CorrelationTTL: 12 * time.Hour,
		ForecastTTL:    24 * time.Hour,
		MaxRetries:     5,
		BackoffBase:    5 * time.Minute,
		LeaseDuration:  10 * time.Minute,
		ScanBatchSize:  50,
	}
}

// TTLFor returns the TTL for a subject type
func (c CachePolicy) TTLFor(subjectType string) time.Duration {
	switch subjectType {
	case "portfolio":
		return c.PortfolioTTL
	case "correlation":
		return c.CorrelationTTL
	case "beta_forecast":
		return c.ForecastTTL
	default:
		return c.SecurityTTL
	}
}

// WorkConfig sizes the background worker pool
type WorkConfig struct {
	Workers     int           `validate:"min=1,max=32"`
	QueueSize   int           `validate:"min=1"`
	WorkTimeout time.Duration `validate:"gt=0"`
	MaxRetries  int           `validate:"min=0"`
}

// ScheduleConfig holds cron expressions (with seconds) for scheduled work
type ScheduleConfig struct {
	PriceRefresh   string
	StaleRecompute string
	ErrorRetry     string
	Forecasts      string
	Cleanup        string
	Backup         string
}

// BackupConfig configures S3-compatible snapshot uploads
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for R2/MinIO; empty = AWS
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	Retain          int `validate:"min=1"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RISKDESK_DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Port:      getEnvAsInt("PORT", 8080),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		DBDriver:  getEnv("DB_DRIVER", "sqlite"),
		CORSAllow: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Providers: loadProvidersConfig(),
		RiskScore: loadRiskScorePolicy(),
		Forecast:  loadForecastPolicy(),
		Cache:     loadCachePolicy(),
		Work: WorkConfig{
			Workers:     getEnvAsInt("WORKERS", 3),
			QueueSize:   getEnvAsInt("WORK_QUEUE_SIZE", 256),
			WorkTimeout: getEnvAsDuration("WORK_TIMEOUT", 7*time.Minute),
			MaxRetries:  getEnvAsInt("WORK_MAX_RETRIES", 3),
		},
		Schedules: ScheduleConfig{
			PriceRefresh:   getEnv("SCHEDULE_PRICE_REFRESH", "0 30 22 * * 1-5"),
			StaleRecompute: getEnv("SCHEDULE_STALE_RECOMPUTE", "0 */10 * * * *"),
			ErrorRetry:     getEnv("SCHEDULE_ERROR_RETRY", "0 */5 * * * *"),
			Forecasts:      getEnv("SCHEDULE_FORECASTS", "0 0 23 * * 1-5"),
			Cleanup:        getEnv("SCHEDULE_CLEANUP", "0 0 3 * * *"),
			Backup:         getEnv("SCHEDULE_BACKUP", "0 15 3 * * *"),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Region:          getEnv("BACKUP_REGION", "auto"),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("BACKUP_PREFIX", "riskdesk"),
			Retain:          getEnvAsInt("BACKUP_RETAIN", 14),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the file path of a named database inside DataDir
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Validate checks field ranges and cross-field policy constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.RiskScore.ModerateThreshold >= c.RiskScore.HighThreshold {
		return fmt.Errorf("invalid configuration: moderate risk threshold %.0f must be below high threshold %.0f",
			c.RiskScore.ModerateThreshold, c.RiskScore.HighThreshold)
	}

	if sum := c.RiskScore.VolatilityWeight + c.RiskScore.DrawdownWeight + c.RiskScore.BetaWeight + c.RiskScore.VaRWeight; sum > 100.0001 {
		return fmt.Errorf("invalid configuration: risk score weights sum to %.2f, must not exceed 100", sum)
	}

	if sum := c.Forecast.MeanReversionWeight + c.Forecast.SmoothingWeight + c.Forecast.TrendWeight; sum <= 0 {
		return fmt.Errorf("invalid configuration: forecast ensemble weights must be positive")
	}

	if len(c.Providers.Chain()) == 0 {
		return fmt.Errorf("invalid configuration: at least one price provider must be enabled")
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("invalid configuration: BACKUP_BUCKET is required when backups are enabled")
	}

	return nil
}

func loadProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		AlphaVantage: ProviderConfig{
			Name:        "alphavantage",
			Enabled:     getEnvAsBool("ALPHAVANTAGE_ENABLED", true),
			APIKey:      getEnv("ALPHAVANTAGE_API_KEY", ""),
			BaseURL:     getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co/query"),
			DailyBudget: getEnvAsInt("ALPHAVANTAGE_DAILY_BUDGET", 25),
			Variants:    []string{""},
			Timeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Yahoo: ProviderConfig{
			Name:        "yahoo",
			Enabled:     getEnvAsBool("YAHOO_ENABLED", true),
			BaseURL:     getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com/v8/finance/chart"),
			DailyBudget: getEnvAsInt("YAHOO_DAILY_BUDGET", 2000),
			Variants:    getEnvAsList("YAHOO_VARIANTS", []string{"", ".L", ".TO", ".DE", ".PA", ".AS"}),
			Timeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		EODHD: ProviderConfig{
			Name:        "eodhd",
			Enabled:     getEnvAsBool("EODHD_ENABLED", getEnv("EODHD_API_KEY", "") != ""),
			APIKey:      getEnv("EODHD_API_KEY", ""),
			BaseURL:     getEnv("EODHD_BASE_URL", "https://eodhd.com/api"),
			DailyBudget: getEnvAsInt("EODHD_DAILY_BUDGET", 20),
			Variants:    getEnvAsList("EODHD_VARIANTS", []string{".US", ".EUFUND", ".LSE", ".XETRA"}),
			Timeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		NoDataTTL:    getEnvAsDuration("PROVIDER_NO_DATA_TTL", 7*24*time.Hour),
		HistoryYears: getEnvAsInt("HISTORY_YEARS", 5),
	}
}

func loadRiskScorePolicy() RiskScorePolicy {
	p := DefaultRiskScorePolicy()
	p.VolatilityWeight = getEnvAsFloat("RISK_WEIGHT_VOLATILITY", p.VolatilityWeight)
	p.DrawdownWeight = getEnvAsFloat("RISK_WEIGHT_DRAWDOWN", p.DrawdownWeight)
	p.BetaWeight = getEnvAsFloat("RISK_WEIGHT_BETA", p.BetaWeight)
	p.VaRWeight = getEnvAsFloat("RISK_WEIGHT_VAR", p.VaRWeight)
	p.MinObservations = getEnvAsInt("RISK_MIN_OBSERVATIONS", p.MinObservations)
	p.RiskFreeRate = getEnvAsFloat("RISK_FREE_RATE", p.RiskFreeRate)
	p.TargetReturn = getEnvAsFloat("RISK_TARGET_RETURN", p.TargetReturn)
	return p
}

func loadForecastPolicy() ForecastPolicy {
	p := DefaultForecastPolicy()
	p.MeanReversionWeight = getEnvAsFloat("FORECAST_WEIGHT_MEAN_REVERSION", p.MeanReversionWeight)
	p.SmoothingWeight = getEnvAsFloat("FORECAST_WEIGHT_SMOOTHING", p.SmoothingWeight)
	p.TrendWeight = getEnvAsFloat("FORECAST_WEIGHT_TREND", p.TrendWeight)
	p.DefaultHorizon = getEnvAsInt("FORECAST_HORIZON", p.DefaultHorizon)
	p.RegimeThreshold = getEnvAsFloat("FORECAST_REGIME_THRESHOLD", p.RegimeThreshold)
	return p
}

func loadCachePolicy() CachePolicy {
	p := DefaultCachePolicy()
	p.SecurityTTL = getEnvAsDuration("CACHE_TTL_SECURITY", p.SecurityTTL)
	p.PortfolioTTL = getEnvAsDuration("CACHE_TTL_PORTFOLIO", p.PortfolioTTL)
	p.CorrelationTTL = getEnvAsDuration("CACHE_TTL_CORRELATION", p.CorrelationTTL)
	p.ForecastTTL = getEnvAsDuration("CACHE_TTL_FORECAST", p.ForecastTTL)
	p.MaxRetries = getEnvAsInt("CACHE_MAX_RETRIES", p.MaxRetries)
	p.BackoffBase = getEnvAsDuration("CACHE_BACKOFF_BASE", p.BackoffBase)
	p.LeaseDuration = getEnvAsDuration("CACHE_LEASE", p.LeaseDuration)
	return p
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value. A literal "-" entry stands for the bare ticker.
func getEnvAsList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "-" {
			p = ""
		}
		out = append(out, p)
	}
	return out
}
