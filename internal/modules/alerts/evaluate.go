// Package alerts evaluates threshold rules against portfolio risk metrics.
//
// Evaluate is the single pure rule check; test mode returns its result as is, live mode
// additionally records an event and notifies.
package alerts

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Comparator relates the actual value to the threshold
type Comparator string

const (
	GreaterThan        Comparator = "gt"
	GreaterThanOrEqual Comparator = "gte"
	LessThan           Comparator = "lt"
	LessThanOrEqual    Comparator = "lte"
	Equal              Comparator = "eq"
)

// Severity of a triggered alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Metrics are the metric names a rule may reference
var Metrics = []string{
	"volatility",
	"max_drawdown",
	"beta",
	"sharpe",
	"sortino",
	"downside_deviation",
	"value_at_risk",
	"risk_score",
}

const equalTolerance = 1e-9

// Rule is a threshold condition on one metric of a portfolio
type Rule struct {
	ID          string     `json:"id"`
	PortfolioID string     `json:"portfolio_id"`
	Name        string     `json:"name"`
	Metric      string     `json:"metric" validate:"required"`
	Comparator  Comparator `json:"comparator" validate:"required,oneof=gt gte lt lte eq"`
	Threshold   float64    `json:"threshold"`
	Severity    Severity   `json:"severity" validate:"omitempty,oneof=info warning critical"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Snapshot yields metric values; nil means the metric could not be computed
type Snapshot interface {
	Value(metric string) *float64
}

// Values is a Snapshot over a plain map
type Values map[string]*float64

// Value implements Snapshot
func (v Values) Value(metric string) *float64 {
	return v[metric]
}

// Evaluation is the outcome of checking one rule
type Evaluation struct {
	RuleID       string     `json:"rule_id,omitempty"`
	Metric       string     `json:"metric"`
	Comparator   Comparator `json:"comparator"`
	Threshold    float64    `json:"threshold"`
	ActualValue  *float64   `json:"actual_value"`
	WouldTrigger bool       `json:"would_trigger"`
	Message      string     `json:"message"`
}

// Evaluate checks rule against snapshot. A missing value never triggers.
func Evaluate(rule Rule, snapshot Snapshot) Evaluation {
	ev := Evaluation{
		RuleID:     rule.ID,
		Metric:     rule.Metric,
		Comparator: rule.Comparator,
		Threshold:  rule.Threshold,
	}

	var actual *float64
	if snapshot != nil {
		actual = snapshot.Value(rule.Metric)
	}
	if actual == nil || math.IsNaN(*actual) {
		ev.Message = fmt.Sprintf("insufficient data to evaluate %s", rule.Metric)
		return ev
	}

	v := *actual
	ev.ActualValue = &v
	ev.WouldTrigger = compare(rule.Comparator, v, rule.Threshold)
	if ev.WouldTrigger {
		ev.Message = fmt.Sprintf("%s is %.4g, %s threshold %.4g", rule.Metric, v, phrase(rule.Comparator), rule.Threshold)
	} else {
		ev.Message = fmt.Sprintf("%s is %.4g, within threshold %.4g", rule.Metric, v, rule.Threshold)
	}
	return ev
}

// ValidateRule checks the metric and comparator names
func ValidateRule(rule Rule) error {
	if !knownMetric(rule.Metric) {
		return fmt.Errorf("unknown metric %q (supported: %s)", rule.Metric, strings.Join(Metrics, ", "))
	}
	switch rule.Comparator {
	case GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual, Equal:
	default:
		return fmt.Errorf("unknown comparator %q", rule.Comparator)
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return fmt.Errorf("threshold must be a finite number")
	}
	return nil
}

func compare(c Comparator, actual, threshold float64) bool {
	switch c {
	case GreaterThan:
		return actual > threshold
	case GreaterThanOrEqual:
		return actual >= threshold
	case LessThan:
		return actual < threshold
	case LessThanOrEqual:
		return actual <= threshold
	case Equal:
		return math.Abs(actual-threshold) <= equalTolerance
	}
	return false
}

func phrase(c Comparator) string {
	switch c {
	case GreaterThan:
		return "above"
	case GreaterThanOrEqual:
		return "at or above"
	case LessThan:
		return "below"
	case LessThanOrEqual:
		return "at or below"
	}
	return "equal to"
}

func knownMetric(m string) bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}
