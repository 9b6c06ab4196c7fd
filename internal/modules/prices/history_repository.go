package prices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/database"
	"github.com/aristath/riskdesk/internal/domain"
	"github.com/rs/zerolog"
)

// Instrument is a tradable ticker with its classification
type Instrument struct {
	Ticker         string            `json:"ticker"`
	Name           string            `json:"name"`
	Category       string            `json:"category"`
	Industry       string            `json:"industry"`
	AssetClass     domain.AssetClass `json:"asset_class"`
	Provider       string            `json:"provider,omitempty"`
	ProviderSymbol string            `json:"provider_symbol,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HistoryRepository provides access to daily price history and instruments in history.db
type HistoryRepository struct {
	db    *sql.DB
	clock domain.Clock
	log   zerolog.Logger
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sql.DB, clock domain.Clock, log zerolog.Logger) *HistoryRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &HistoryRepository{
		db:    db,
		clock: clock,
		log:   log.With().Str("component", "history_repository").Logger(),
	}
}

// GetSeries returns the stored series for ticker inside r, oldest first
func (h *HistoryRepository) GetSeries(ctx context.Context, ticker string, r domain.DateRange) (domain.PriceSeries, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT date, close_price, source
		FROM price_points
		WHERE ticker = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, ticker, r.From.Format(domain.DateLayout), r.To.Format(domain.DateLayout))
	if err != nil {
		return domain.PriceSeries{}, fmt.Errorf("failed to query price points: %w", err)
	}
	defer rows.Close()

	series := domain.PriceSeries{Ticker: ticker}
	for rows.Next() {
		var dateStr, source string
		var p domain.PricePoint
		if err := rows.Scan(&dateStr, &p.Close, &source); err != nil {
			return domain.PriceSeries{}, fmt.Errorf("failed to scan price point: %w", err)
		}
		if p.Date, err = time.Parse(domain.DateLayout, dateStr); err != nil {
			return domain.PriceSeries{}, fmt.Errorf("invalid stored date %q: %w", dateStr, err)
		}
		series.Points = append(series.Points, p)
		series.Source = source
	}

	if err := rows.Err(); err != nil {
		return domain.PriceSeries{}, fmt.Errorf("error iterating price points: %w", err)
	}

	return series, nil
}

// SeriesBatch returns stored series for many tickers in one query (ticker IN (...)).
// Tickers with no rows are absent from the map.
func (h *HistoryRepository) SeriesBatch(ctx context.Context, tickers []string, r domain.DateRange) (map[string]domain.PriceSeries, error) {
	result := make(map[string]domain.PriceSeries, len(tickers))
	if len(tickers) == 0 {
		return result, nil
	}

	placeholders, args := inClause(tickers)
	args = append(args, r.From.Format(domain.DateLayout), r.To.Format(domain.DateLayout))

	rows, err := h.db.QueryContext(ctx, `
		SELECT ticker, date, close_price
		FROM price_points
		WHERE ticker IN (`+placeholders+`) AND date >= ? AND date <= ?
		ORDER BY ticker, date ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker, dateStr string
		var p domain.PricePoint
		if err := rows.Scan(&ticker, &dateStr, &p.Close); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		if p.Date, err = time.Parse(domain.DateLayout, dateStr); err != nil {
			return nil, fmt.Errorf("invalid stored date %q: %w", dateStr, err)
		}
		s := result[ticker]
		s.Ticker = ticker
		s.Points = append(s.Points, p)
		result[ticker] = s
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price batch: %w", err)
	}

	return result, nil
}

// LatestDates returns the most recent stored date per ticker
func (h *HistoryRepository) LatestDates(ctx context.Context, tickers []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(tickers))
	if len(tickers) == 0 {
		return result, nil
	}

	placeholders, args := inClause(tickers)
	rows, err := h.db.QueryContext(ctx, `
		SELECT ticker, MAX(date) FROM price_points
		WHERE ticker IN (`+placeholders+`)
		GROUP BY ticker
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker, dateStr string
		if err := rows.Scan(&ticker, &dateStr); err != nil {
			return nil, fmt.Errorf("failed to scan latest date: %w", err)
		}
		d, err := time.Parse(domain.DateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("invalid stored date %q: %w", dateStr, err)
		}
		result[ticker] = d
	}

	return result, rows.Err()
}

// Tickers returns every ticker with stored history
func (h *HistoryRepository) Tickers(ctx context.Context) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, "SELECT DISTINCT ticker FROM price_points ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// UpsertPoints writes price points for ticker in a single transaction.
// Existing (ticker, date) rows are updated in place, so re-fetching a covered range is a no-op.
func (h *HistoryRepository) UpsertPoints(ctx context.Context, ticker, source string, points []domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	fetchedAt := h.clock.Now().Unix()

	err := database.WithTransaction(ctx, h.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO price_points (ticker, date, close_price, source, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET
				close_price = excluded.close_price,
				source = excluded.source,
				fetched_at = excluded.fetched_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, ticker, p.Date.Format(domain.DateLayout), p.Close, source, fetchedAt); err != nil {
				return fmt.Errorf("failed to upsert price for %s: %w", p.Date.Format(domain.DateLayout), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.log.Info().
		Str("ticker", ticker).
		Str("source", source).
		Int("count", len(points)).
		Msg("Stored price history")

	return nil
}

// UpsertInstrument stores an instrument, classifying it once from its category and industry.
func (h *HistoryRepository) UpsertInstrument(ctx context.Context, inst Instrument) (Instrument, error) {
	inst.Ticker = domain.NormalizeTicker(inst.Ticker)
	inst.AssetClass = domain.ClassifyAsset(inst.Category, inst.Industry)
	inst.UpdatedAt = h.clock.Now()

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO instruments (ticker, name, category, industry, asset_class, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			industry = excluded.industry,
			asset_class = excluded.asset_class,
			updated_at = excluded.updated_at
	`, inst.Ticker, inst.Name, inst.Category, inst.Industry, string(inst.AssetClass), inst.UpdatedAt.Unix())
	if err != nil {
		return Instrument{}, fmt.Errorf("failed to upsert instrument %s: %w", inst.Ticker, err)
	}
	return inst, nil
}

// SetInstrumentSource records which provider and symbol variant served ticker
func (h *HistoryRepository) SetInstrumentSource(ctx context.Context, ticker, provider, symbol string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO instruments (ticker, provider, provider_symbol, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			provider = excluded.provider,
			provider_symbol = excluded.provider_symbol,
			updated_at = excluded.updated_at
	`, ticker, provider, symbol, h.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record source for %s: %w", ticker, err)
	}
	return nil
}

// GetInstrument returns the instrument or nil if unknown
func (h *HistoryRepository) GetInstrument(ctx context.Context, ticker string) (*Instrument, error) {
	var inst Instrument
	var class string
	var updatedAt int64

	err := h.db.QueryRowContext(ctx, `
		SELECT ticker, name, category, industry, asset_class, provider, provider_symbol, updated_at
		FROM instruments WHERE ticker = ?
	`, ticker).Scan(&inst.Ticker, &inst.Name, &inst.Category, &inst.Industry, &class,
		&inst.Provider, &inst.ProviderSymbol, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument %s: %w", ticker, err)
	}

	inst.AssetClass = domain.ParseAssetClass(class)
	inst.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &inst, nil
}

// AssetClassOf returns the stored asset class, or unknown
func (h *HistoryRepository) AssetClassOf(ctx context.Context, ticker string) domain.AssetClass {
	inst, err := h.GetInstrument(ctx, ticker)
	if err != nil || inst == nil {
		return domain.AssetClassUnknown
	}
	return inst.AssetClass
}

func inClause(values []string) (string, []interface{}) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}
