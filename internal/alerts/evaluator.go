// Package alerts evaluates metric rules against snapshots and manages the
// alert event lifecycle, deduplicating repeated triggers into a single
// active incident per rule.
package alerts

import (
	"fmt"

	"github.com/posturewatch/posturewatch/internal/models"
)

// metricExtractors maps the whitelisted rule metric names onto snapshot
// fields. Rules naming anything else are skipped, never errored.
var metricExtractors = map[string]func(*models.MetricsSnapshot) (float64, bool){
	"secure_score_pct":     func(s *models.MetricsSnapshot) (float64, bool) { return derefFloat(s.SecureScorePct) },
	"secure_score":         func(s *models.MetricsSnapshot) (float64, bool) { return derefFloat(s.SecureScoreCurrent) },
	"defender_alerts":      func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.DefenderAlertCount) },
	"defender_alerts_high": func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.DefenderAlertHigh) },
	"risky_users":          func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.RiskyUserCount) },
	"signins":              func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.SignInCount) },
	"noncompliant_devices": func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.NoncompliantDeviceCount) },
	"purview_alerts":       func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.PurviewAlertCount) },
	"insider_risk_alerts":  func(s *models.MetricsSnapshot) (float64, bool) { return derefInt(s.InsiderRiskAlertCount) },
}

func derefFloat(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func derefInt(v *int) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

// ExtractMetric resolves a rule metric name against a snapshot. The second
// return value is false for unknown metrics and for metrics the snapshot
// failed to capture.
func ExtractMetric(snap *models.MetricsSnapshot, metric string) (float64, bool) {
	extract, ok := metricExtractors[metric]
	if !ok || snap == nil {
		return 0, false
	}
	return extract(snap)
}

// Compare applies the rule operator to the raw values. Equality is exact;
// callers choosing eq/neq on fractional metrics own that semantic.
func Compare(value float64, op models.Operator, threshold float64) bool {
	switch op {
	case models.OpLessThan:
		return value < threshold
	case models.OpLessOrEqual:
		return value <= threshold
	case models.OpGreaterThan:
		return value > threshold
	case models.OpGreaterOrEqual:
		return value >= threshold
	case models.OpEqual:
		return value == threshold
	case models.OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

var operatorLabels = map[models.Operator]string{
	models.OpLessThan:       "dropped below",
	models.OpLessOrEqual:    "is at or below",
	models.OpGreaterThan:    "exceeded",
	models.OpGreaterOrEqual: "is at or above",
	models.OpEqual:          "equals",
	models.OpNotEqual:       "changed from",
}

// TriggerMessage renders the human-readable alert message for a matched rule.
func TriggerMessage(rule models.AlertRule, value float64) string {
	label, ok := operatorLabels[rule.Operator]
	if !ok {
		label = string(rule.Operator)
	}
	return fmt.Sprintf("%s: %s %s %s (current: %s)",
		rule.Name, rule.Metric, label, formatNumber(rule.Threshold), formatNumber(value))
}

// formatNumber renders counters without a decimal point and fractional
// values with one.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// Triggered is one rule match produced by an evaluation pass, annotated by
// the lifecycle store with whether it opened a new alert.
type Triggered struct {
	Rule    models.AlertRule
	Value   float64
	Message string

	// Filled by Lifecycle.RecordTrigger.
	EventID        string
	IsNew          bool
	DetectionCount int
}

// Evaluate checks every rule against the snapshot and returns the matches.
// Rules whose metric is absent from the snapshot are skipped.
func Evaluate(snap *models.MetricsSnapshot, rules []models.AlertRule) []Triggered {
	var triggered []Triggered
	for _, rule := range rules {
		value, ok := ExtractMetric(snap, rule.Metric)
		if !ok {
			continue
		}
		if !Compare(value, rule.Operator, rule.Threshold) {
			continue
		}
		triggered = append(triggered, Triggered{
			Rule:    rule,
			Value:   value,
			Message: TriggerMessage(rule, value),
		})
	}
	return triggered
}
