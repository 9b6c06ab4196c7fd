package riskcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence behind the cache. Every mutation is a single
// conditional statement so two workers can never both hold a key.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Acquire moves key into calculating for owner until now+lease. It succeeds when the
	// row is absent, not calculating, or holds an expired lease. Unless force is set,
	// rows at the retry ceiling are not acquired.
	Acquire(ctx context.Context, key Key, owner string, now time.Time, lease time.Duration, force bool, maxRetries int) (bool, error)
	Complete(ctx context.Context, key, owner string, payload []byte, now, expiresAt time.Time) (bool, error)
	Fail(ctx context.Context, key, owner, kind, message string, now time.Time, maxRetries int) (bool, error)
	MarkStale(ctx context.Context, key string, now time.Time) (bool, error)
	Invalidate(ctx context.Context, subjectType, subjectID string, now time.Time, maxRetries int) (int64, error)
	Reset(ctx context.Context, subjectType, subjectID string) (int64, error)
	ListNeedsWork(ctx context.Context, now time.Time, maxRetries, limit int) ([]Entry, error)
	ListErrors(ctx context.Context, maxRetries, limit int) ([]Entry, error)
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]Entry, error)
	Health(ctx context.Context, now time.Time, maxRetries int) (Health, error)
}

// SQLStore implements Store on the risk_cache table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over cache.db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const entryColumns = `cache_key, subject_type, subject_id, params, payload, calculation_status,
	retry_count, error_kind, last_error, created_at, updated_at, computed_at, expires_at,
	lock_owner, locked_until`

// Get returns the entry or nil when absent
func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM risk_cache WHERE cache_key = ?", key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	return e, nil
}

// Acquire is a compare-and-swap upsert into calculating
func (s *SQLStore) Acquire(ctx context.Context, key Key, owner string, now time.Time, lease time.Duration, force bool, maxRetries int) (bool, error) {
	ceiling := maxRetries
	if force || ceiling <= 0 {
		ceiling = int(^uint32(0) >> 1)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_cache (cache_key, subject_type, subject_id, params, calculation_status,
			created_at, updated_at, lock_owner, locked_until)
		VALUES (?, ?, ?, ?, 'calculating', ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			calculation_status = 'calculating',
			updated_at = excluded.updated_at,
			lock_owner = excluded.lock_owner,
			locked_until = excluded.locked_until
		WHERE (risk_cache.calculation_status != 'calculating' OR risk_cache.locked_until <= excluded.updated_at)
			AND risk_cache.retry_count < ?
	`, key.String(), key.SubjectType, key.SubjectID, key.paramsJSON(),
		now.Unix(), now.Unix(), owner, now.Add(lease).Unix(), ceiling)
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acquire result for %s: %w", key, err)
	}
	if n == 0 {
		return false, nil
	}

	// Confirm ownership; the lease is the source of truth
	var holder string
	if err := s.db.QueryRowContext(ctx, "SELECT lock_owner FROM risk_cache WHERE cache_key = ?", key.String()).Scan(&holder); err != nil {
		return false, fmt.Errorf("failed to confirm lease for %s: %w", key, err)
	}
	return holder == owner, nil
}

// Complete stores a successful payload. Only the lease owner may complete.
func (s *SQLStore) Complete(ctx context.Context, key, owner string, payload []byte, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_cache SET
			payload = ?,
			calculation_status = 'fresh',
			retry_count = 0,
			error_kind = '',
			last_error = '',
			updated_at = ?,
			computed_at = ?,
			expires_at = ?,
			lock_owner = '',
			locked_until = 0
		WHERE cache_key = ? AND lock_owner = ? AND calculation_status = 'calculating'
	`, string(payload), now.Unix(), now.Unix(), expiresAt.Unix(), key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to complete %s: %w", key, err)
	}
	return affected(res)
}

// Fail records a failed attempt. The previous payload is kept; retry_count is capped.
func (s *SQLStore) Fail(ctx context.Context, key, owner, kind, message string, now time.Time, maxRetries int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_cache SET
			calculation_status = 'error',
			retry_count = MIN(retry_count + 1, ?),
			error_kind = ?,
			last_error = ?,
			updated_at = ?,
			lock_owner = '',
			locked_until = 0
		WHERE cache_key = ? AND lock_owner = ? AND calculation_status = 'calculating'
	`, maxRetries, kind, message, now.Unix(), key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to record failure for %s: %w", key, err)
	}
	return affected(res)
}

// MarkStale flips an expired fresh entry to stale
func (s *SQLStore) MarkStale(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_cache SET calculation_status = 'stale', updated_at = ?
		WHERE cache_key = ? AND calculation_status = 'fresh' AND expires_at <= ?
	`, now.Unix(), key, now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mark %s stale: %w", key, err)
	}
	return affected(res)
}

// Invalidate marks fresh and error entries of a subject stale. An empty subjectID
// targets every subject of the type; an empty subjectType targets everything.
// Error entries at the retry ceiling stay in error until reset or forced.
func (s *SQLStore) Invalidate(ctx context.Context, subjectType, subjectID string, now time.Time, maxRetries int) (int64, error) {
	where, args := subjectFilter(subjectType, subjectID)
	args = append([]interface{}{now.Unix(), maxRetries}, args...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_cache SET calculation_status = 'stale', updated_at = ?
		WHERE (calculation_status = 'fresh' OR (calculation_status = 'error' AND retry_count < ?))`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return res.RowsAffected()
}

// Reset deletes entries of a subject (admin only)
func (s *SQLStore) Reset(ctx context.Context, subjectType, subjectID string) (int64, error) {
	where, args := subjectFilter(subjectType, subjectID)
	res, err := s.db.ExecContext(ctx, "DELETE FROM risk_cache WHERE 1 = 1"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset cache: %w", err)
	}
	return res.RowsAffected()
}

// ListNeedsWork returns stale rows, fresh rows past expiry and calculating rows with an
// expired lease, all below the retry ceiling.
func (s *SQLStore) ListNeedsWork(ctx context.Context, now time.Time, maxRetries, limit int) ([]Entry, error) {
	return s.list(ctx, `
		SELECT `+entryColumns+` FROM risk_cache
		WHERE calculation_status = 'stale' AND retry_count < ?
		UNION ALL
		SELECT `+entryColumns+` FROM risk_cache
		WHERE calculation_status = 'fresh' AND expires_at <= ?
		UNION ALL
		SELECT `+entryColumns+` FROM risk_cache
		WHERE calculation_status = 'calculating' AND locked_until <= ? AND retry_count < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, maxRetries, now.Unix(), now.Unix(), maxRetries, limit)
}

// ListErrors returns error rows below the retry ceiling, oldest first
func (s *SQLStore) ListErrors(ctx context.Context, maxRetries, limit int) ([]Entry, error) {
	return s.list(ctx, `
		SELECT `+entryColumns+` FROM risk_cache
		WHERE calculation_status = 'error' AND retry_count < ?
		ORDER BY retry_count ASC, updated_at ASC
		LIMIT ?
	`, maxRetries, limit)
}

// ListExhausted returns error rows at the retry ceiling
func (s *SQLStore) ListExhausted(ctx context.Context, maxRetries, limit int) ([]Entry, error) {
	return s.list(ctx, `
		SELECT `+entryColumns+` FROM risk_cache
		WHERE calculation_status = 'error' AND retry_count >= ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, maxRetries, limit)
}

// Health counts entries by status
func (s *SQLStore) Health(ctx context.Context, now time.Time, maxRetries int) (Health, error) {
	var h Health
	rows, err := s.db.QueryContext(ctx, "SELECT calculation_status, COUNT(*) FROM risk_cache GROUP BY calculation_status")
	if err != nil {
		return h, fmt.Errorf("failed to count cache entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return h, fmt.Errorf("failed to scan cache count: %w", err)
		}
		switch Status(status) {
		case StatusFresh:
			h.Fresh = n
		case StatusStale:
			h.Stale = n
		case StatusCalculating:
			h.Calculating = n
		case StatusError:
			h.Error = n
		}
		h.Total += n
	}
	if err := rows.Err(); err != nil {
		return h, err
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM risk_cache WHERE calculation_status = 'error' AND retry_count >= ?", maxRetries,
	).Scan(&h.Exhausted)
	if err != nil {
		return h, fmt.Errorf("failed to count exhausted entries: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM risk_cache WHERE calculation_status = 'calculating' AND locked_until <= ?", now.Unix(),
	).Scan(&h.ExpiredLeases)
	if err != nil {
		return h, fmt.Errorf("failed to count expired leases: %w", err)
	}

	return h, nil
}

func (s *SQLStore) list(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var params string
	var payload sql.NullString
	var status string
	var createdAt, updatedAt, lockedUntil int64
	var computedAt, expiresAt sql.NullInt64

	err := row.Scan(&e.Key, &e.SubjectType, &e.SubjectID, &params, &payload, &status,
		&e.RetryCount, &e.ErrorKind, &e.LastError, &createdAt, &updatedAt, &computedAt, &expiresAt,
		&e.LockOwner, &lockedUntil)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	e.LockedUntil = time.Unix(lockedUntil, 0).UTC()
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	if computedAt.Valid {
		t := time.Unix(computedAt.Int64, 0).UTC()
		e.ComputedAt = &t
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		e.ExpiresAt = &t
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("invalid params for %s: %w", e.Key, err)
		}
	}
	return &e, nil
}

func subjectFilter(subjectType, subjectID string) (string, []interface{}) {
	where := ""
	var args []interface{}
	if subjectType != "" {
		where += " AND subject_type = ?"
		args = append(args, subjectType)
	}
	if subjectID != "" {
		where += " AND subject_id = ?"
		args = append(args, subjectID)
	}
	return where, args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
