package alerts

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/riskdesk/internal/events"
	"github.com/aristath/riskdesk/internal/modules/metrics"
	"github.com/aristath/riskdesk/internal/modules/risk"
	"github.com/rs/zerolog"
)

// ErrRuleNotFound is returned when a rule id is unknown
var ErrRuleNotFound = errors.New("alert rule not found")

// MetricsSource provides the current risk snapshot of a portfolio
type MetricsSource interface {
	PortfolioMetrics(ctx context.Context, portfolioID string) (*metrics.RiskMetrics, risk.CacheStatus, error)
}

// RuleStore is the persistence the service needs
type RuleStore interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	ListRules(ctx context.Context, portfolioID string) ([]Rule, error)
	EnabledRules(ctx context.Context, portfolioID string) ([]Rule, error)
	RecordEvent(ctx context.Context, ev Event) (Event, error)
	ListEvents(ctx context.Context, portfolioID string, limit int) ([]Event, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (bool, error)
}

// Notifier delivers a triggered alert
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes triggered alerts to the log
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "alert_notifier").Logger()}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Warn().
		Str("portfolio_id", ev.PortfolioID).
		Str("rule_id", ev.RuleID).
		Str("metric", ev.Metric).
		Str("severity", string(ev.Severity)).
		Msg(ev.Message)
	return nil
}

// BusNotifier publishes triggered alerts on the event bus
type BusNotifier struct {
	bus *events.Bus
}

// NewBusNotifier creates a bus notifier
func NewBusNotifier(bus *events.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify implements Notifier
func (n *BusNotifier) Notify(_ context.Context, ev Event) error {
	n.bus.Emit("alerts", &events.AlertTriggeredData{
		EventID:     ev.ID,
		RuleID:      ev.RuleID,
		PortfolioID: ev.PortfolioID,
		Metric:      ev.Metric,
		Comparator:  string(ev.Comparator),
		Threshold:   ev.Threshold,
		ActualValue: ev.ActualValue,
		Severity:    string(ev.Severity),
		Message:     ev.Message,
	})
	return nil
}

// Result is one live evaluation and, when it triggered, the stored event
type Result struct {
	Rule       Rule       `json:"rule"`
	Evaluation Evaluation `json:"evaluation"`
	Event      *Event     `json:"event,omitempty"`
}

// TestRequest evaluates a rule without persisting or notifying. Values, when set,
// replace the portfolio's current metrics with a hypothetical snapshot.
type TestRequest struct {
	Rule        Rule                `json:"rule"`
	PortfolioID string              `json:"portfolio_id"`
	Values      map[string]*float64 `json:"values"`
}

// Service manages rules and runs test and live evaluations
type Service struct {
	store     RuleStore
	source    MetricsSource
	notifiers []Notifier
	log       zerolog.Logger
}

// NewService creates an alert service
func NewService(store RuleStore, source MetricsSource, log zerolog.Logger, notifiers ...Notifier) *Service {
	return &Service{
		store:     store,
		source:    source,
		notifiers: notifiers,
		log:       log.With().Str("service", "alerts").Logger(),
	}
}

// CreateRule validates and stores a rule for portfolioID
func (s *Service) CreateRule(ctx context.Context, portfolioID string, rule Rule) (Rule, error) {
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}
	rule.PortfolioID = portfolioID
	return s.store.CreateRule(ctx, rule)
}

// Rules lists a portfolio's rules
func (s *Service) Rules(ctx context.Context, portfolioID string) ([]Rule, error) {
	return s.store.ListRules(ctx, portfolioID)
}

// Events lists a portfolio's recent triggers
func (s *Service) Events(ctx context.Context, portfolioID string, limit int) ([]Event, error) {
	return s.store.ListEvents(ctx, portfolioID, limit)
}

// SetEnabled toggles a rule
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ok, err := s.store.SetEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRuleNotFound
	}
	return nil
}

// Test evaluates a rule in test mode. Nothing is persisted or notified.
func (s *Service) Test(ctx context.Context, req TestRequest) (Evaluation, error) {
	if err := ValidateRule(req.Rule); err != nil {
		return Evaluation{}, err
	}
	if req.Values != nil {
		return Evaluate(req.Rule, Values(req.Values)), nil
	}
	if req.PortfolioID == "" {
		return Evaluation{}, fmt.Errorf("either portfolio_id or values is required")
	}

	snapshot, _, err := s.source.PortfolioMetrics(ctx, req.PortfolioID)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluate(req.Rule, snapshot), nil
}

// EvaluatePortfolio runs every enabled rule of a portfolio against its current metrics.
// Triggers are persisted and passed to every notifier; a failing notifier is logged only.
func (s *Service) EvaluatePortfolio(ctx context.Context, portfolioID string) ([]Result, error) {
	rules, err := s.store.EnabledRules(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return []Result{}, nil
	}

	snapshot, _, err := s.source.PortfolioMetrics(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for portfolio %s: %w", portfolioID, err)
	}
	return s.evaluateLive(ctx, portfolioID, rules, snapshot)
}

func (s *Service) evaluateLive(ctx context.Context, portfolioID string, rules []Rule, snapshot Snapshot) ([]Result, error) {
	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		ev := Evaluate(rule, snapshot)
		res := Result{Rule: rule, Evaluation: ev}

		if ev.WouldTrigger {
			stored, err := s.store.RecordEvent(ctx, Event{
				RuleID:      rule.ID,
				PortfolioID: portfolioID,
				Metric:      rule.Metric,
				Comparator:  rule.Comparator,
				ActualValue: ev.ActualValue,
				Threshold:   rule.Threshold,
				Severity:    rule.Severity,
				Message:     ev.Message,
			})
			if err != nil {
				return results, err
			}
			res.Event = &stored
			s.notify(ctx, stored)
		}
		results = append(results, res)
	}

	s.log.Debug().
		Str("portfolio_id", portfolioID).
		Int("rules", len(results)).
		Msg("Alert rules evaluated")
	return results, nil
}

func (s *Service) notify(ctx context.Context, ev Event) {
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("rule_id", ev.RuleID).Msg("Alert notification failed")
		}
	}
}
