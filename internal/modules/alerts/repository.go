package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a persisted trigger of a live rule
type Event struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	PortfolioID string     `json:"portfolio_id"`
	Metric      string     `json:"metric"`
	Comparator  Comparator `json:"comparator"`
	ActualValue *float64   `json:"actual_value"`
	Threshold   float64    `json:"threshold"`
	Severity    Severity   `json:"severity"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggered_at"`
}

// Repository persists rules and trigger events in portfolio.db
type Repository struct {
	db    *sql.DB
	clock domain.Clock
	log   zerolog.Logger
}

// NewRepository creates a new alert repository
func NewRepository(db *sql.DB, clock domain.Clock, log zerolog.Logger) *Repository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Repository{
		db:    db,
		clock: clock,
		log:   log.With().Str("repo", "alerts").Logger(),
	}
}

// CreateRule inserts a rule and assigns its id
func (r *Repository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	rule.CreatedAt = time.Unix(r.clock.Now().Unix(), 0).UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, portfolio_id, name, metric, comparator, threshold, severity, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.PortfolioID, rule.Name, rule.Metric, string(rule.Comparator), rule.Threshold,
		string(rule.Severity), rule.Enabled, rule.CreatedAt.Unix())
	if err != nil {
		return Rule{}, fmt.Errorf("failed to create alert rule: %w", err)
	}
	return rule, nil
}

// SetEnabled toggles a rule. Returns false when the rule does not exist.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE alert_rules SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return false, fmt.Errorf("failed to update alert rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRules returns all rules of a portfolio, oldest first
func (r *Repository) ListRules(ctx context.Context, portfolioID string) ([]Rule, error) {
	return r.queryRules(ctx, `
		SELECT id, portfolio_id, name, metric, comparator, threshold, severity, enabled, created_at
		FROM alert_rules WHERE portfolio_id = ? ORDER BY created_at, id
	`, portfolioID)
}

// EnabledRules returns the enabled rules of a portfolio
func (r *Repository) EnabledRules(ctx context.Context, portfolioID string) ([]Rule, error) {
	return r.queryRules(ctx, `
		SELECT id, portfolio_id, name, metric, comparator, threshold, severity, enabled, created_at
		FROM alert_rules WHERE portfolio_id = ? AND enabled = 1 ORDER BY created_at, id
	`, portfolioID)
}

// RecordEvent stores a trigger
func (r *Repository) RecordEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.TriggeredAt = time.Unix(r.clock.Now().Unix(), 0).UTC()

	var actual sql.NullFloat64
	if ev.ActualValue != nil {
		actual = sql.NullFloat64{Float64: *ev.ActualValue, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, rule_id, portfolio_id, metric, comparator, actual_value, threshold, severity, message, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RuleID, ev.PortfolioID, ev.Metric, string(ev.Comparator), actual, ev.Threshold, string(ev.Severity), ev.Message, ev.TriggeredAt.Unix())
	if err != nil {
		return Event{}, fmt.Errorf("failed to record alert event: %w", err)
	}
	return ev, nil
}

// ListEvents returns the latest events of a portfolio, newest first
func (r *Repository) ListEvents(ctx context.Context, portfolioID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, portfolio_id, metric, comparator, actual_value, threshold, severity, message, triggered_at
		FROM alert_events WHERE portfolio_id = ?
		ORDER BY triggered_at DESC, id
		LIMIT ?
	`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var actual sql.NullFloat64
		var comparator, severity string
		var triggered int64
		if err := rows.Scan(&ev.ID, &ev.RuleID, &ev.PortfolioID, &ev.Metric, &comparator, &actual, &ev.Threshold, &severity, &ev.Message, &triggered); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		if actual.Valid {
			v := actual.Float64
			ev.ActualValue = &v
		}
		ev.Comparator = Comparator(comparator)
		ev.Severity = Severity(severity)
		ev.TriggeredAt = time.Unix(triggered, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) queryRules(ctx context.Context, query string, args ...interface{}) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		var comparator, severity string
		var created int64
		if err := rows.Scan(&rule.ID, &rule.PortfolioID, &rule.Name, &rule.Metric, &comparator,
			&rule.Threshold, &severity, &rule.Enabled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.Comparator = Comparator(comparator)
		rule.Severity = Severity(severity)
		rule.CreatedAt = time.Unix(created, 0).UTC()
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
