// Package clientdata provides persistent caching for external API client responses.
// Responses are stored as msgpack blobs with expiration timestamps for cache-first behavior.
// It also records tickers that no provider covers and per-provider daily call usage.
package clientdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// usageRetentionDays bounds how long daily usage counters are kept
const usageRetentionDays = 30

// Repository provides cache operations for client data.
type Repository struct {
	db    *sql.DB
	clock domain.Clock
}

// NewRepository creates a new client data repository.
func NewRepository(db *sql.DB, clock domain.Clock) *Repository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Repository{db: db, clock: clock}
}

// Store saves a provider response with expiration = now + ttl.
func (r *Repository) Store(ctx context.Context, provider, key string, data interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", provider, key, err)
	}

	expiresAt := r.clock.Now().Add(ttl).Unix()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO provider_responses (provider, cache_key, data, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, cache_key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at
	`, provider, key, blob, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", provider, key, err)
	}

	return nil
}

// GetIfFresh decodes a cached response into out only if it has not expired.
// Returns false if the key doesn't exist or the data is expired.
// Use Get() to retrieve stale data as a fallback when API calls fail.
func (r *Repository) GetIfFresh(ctx context.Context, provider, key string, out interface{}) (bool, error) {
	return r.get(ctx, provider, key, out, true)
}

// Get decodes a cached response regardless of expiration status.
// Stale data is better than no data when the provider is down.
func (r *Repository) Get(ctx context.Context, provider, key string, out interface{}) (bool, error) {
	return r.get(ctx, provider, key, out, false)
}

func (r *Repository) get(ctx context.Context, provider, key string, out interface{}, freshOnly bool) (bool, error) {
	query := "SELECT data FROM provider_responses WHERE provider = ? AND cache_key = ?"
	args := []interface{}{provider, key}
	if freshOnly {
		query += " AND expires_at > ?"
		args = append(args, r.clock.Now().Unix())
	}

	var blob []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s/%s: %w", provider, key, err)
	}

	if err := msgpack.Unmarshal(blob, out); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", provider, key, err)
	}

	return true, nil
}

// Delete removes a specific entry.
func (r *Repository) Delete(ctx context.Context, provider, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM provider_responses WHERE provider = ? AND cache_key = ?", provider, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", provider, key, err)
	}
	return nil
}

// MarkNoData records that no provider covers ticker, for ttl.
func (r *Repository) MarkNoData(ctx context.Context, ticker, reason string, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_no_data (ticker, reason, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET reason = excluded.reason, expires_at = excluded.expires_at
	`, ticker, reason, r.clock.Now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to mark %s as no-data: %w", ticker, err)
	}
	return nil
}

// IsNoData reports whether ticker is currently negatively cached.
func (r *Repository) IsNoData(ctx context.Context, ticker string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM provider_no_data WHERE ticker = ? AND expires_at > ?",
		ticker, r.clock.Now().Unix(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check no-data for %s: %w", ticker, err)
	}
	return n > 0, nil
}

// ClearNoData removes the negative cache entry for ticker (e.g. after a manual import).
func (r *Repository) ClearNoData(ctx context.Context, ticker string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM provider_no_data WHERE ticker = ?", ticker); err != nil {
		return fmt.Errorf("failed to clear no-data for %s: %w", ticker, err)
	}
	return nil
}

// TryConsume atomically takes one call from provider's budget for today.
// limit <= 0 means unlimited. Returns false when the budget is exhausted.
func (r *Repository) TryConsume(ctx context.Context, provider string, limit int) (bool, error) {
	day := r.clock.Now().UTC().Format(domain.DateLayout)

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO provider_usage (provider, day, calls) VALUES (?, ?, 0) ON CONFLICT(provider, day) DO NOTHING",
		provider, day,
	); err != nil {
		return false, fmt.Errorf("failed to initialise usage for %s: %w", provider, err)
	}

	// Single conditional UPDATE: concurrent callers cannot both pass the limit check
	res, err := r.db.ExecContext(ctx,
		"UPDATE provider_usage SET calls = calls + 1 WHERE provider = ? AND day = ? AND (? <= 0 OR calls < ?)",
		provider, day, limit, limit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume budget for %s: %w", provider, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read budget update for %s: %w", provider, err)
	}
	return n == 1, nil
}

// UsageToday returns how many calls provider has made today.
func (r *Repository) UsageToday(ctx context.Context, provider string) (int, error) {
	day := r.clock.Now().UTC().Format(domain.DateLayout)

	var calls int
	err := r.db.QueryRowContext(ctx,
		"SELECT calls FROM provider_usage WHERE provider = ? AND day = ?", provider, day,
	).Scan(&calls)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage for %s: %w", provider, err)
	}
	return calls, nil
}

// DeleteAllExpired removes expired responses, expired no-data markers and old usage counters.
// Returns a map of table name to number of rows deleted.
func (r *Repository) DeleteAllExpired(ctx context.Context) (map[string]int64, error) {
	now := r.clock.Now()
	cutoffDay := now.UTC().AddDate(0, 0, -usageRetentionDays).Format(domain.DateLayout)

	statements := []struct {
		table string
		query string
		arg   interface{}
	}{
		{"provider_responses", "DELETE FROM provider_responses WHERE expires_at < ?", now.Unix()},
		{"provider_no_data", "DELETE FROM provider_no_data WHERE expires_at < ?", now.Unix()},
		{"provider_usage", "DELETE FROM provider_usage WHERE day < ?", cutoffDay},
	}

	results := make(map[string]int64, len(statements))
	for _, s := range statements {
		res, err := r.db.ExecContext(ctx, s.query, s.arg)
		if err != nil {
			return results, fmt.Errorf("failed to delete expired from %s: %w", s.table, err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return results, fmt.Errorf("failed to get rows affected for %s: %w", s.table, err)
		}
		results[s.table] = deleted
	}

	return results, nil
}
