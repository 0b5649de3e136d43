package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posturewatch/posturewatch/internal/models"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestExtractMetric(t *testing.T) {
	snap := &models.MetricsSnapshot{
		TenantID:       "tenant-a",
		RiskyUserCount: intPtr(3),
		SecureScorePct: floatPtr(62.5),
	}

	value, ok := ExtractMetric(snap, "risky_users")
	require.True(t, ok)
	assert.Equal(t, 3.0, value)

	value, ok = ExtractMetric(snap, "secure_score_pct")
	require.True(t, ok)
	assert.Equal(t, 62.5, value)

	// Captured snapshot missing this metric entirely.
	_, ok = ExtractMetric(snap, "defender_alerts")
	assert.False(t, ok)

	// Unknown metric names are skipped, not errors.
	_, ok = ExtractMetric(snap, "no_such_metric")
	assert.False(t, ok)

	_, ok = ExtractMetric(nil, "risky_users")
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		op        models.Operator
		threshold float64
		want      bool
	}{
		{"gt match", 3, models.OpGreaterThan, 0, true},
		{"gt boundary", 3, models.OpGreaterThan, 3, false},
		{"gte boundary", 3, models.OpGreaterOrEqual, 3, true},
		{"lt match", 55, models.OpLessThan, 70, true},
		{"lt no match", 70, models.OpLessThan, 70, false},
		{"lte boundary", 70, models.OpLessOrEqual, 70, true},
		{"eq match", 0, models.OpEqual, 0, true},
		{"neq match", 1, models.OpNotEqual, 0, true},
		{"neq no match", 0, models.OpNotEqual, 0, false},
		{"unknown operator", 1, models.Operator("between"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.value, tt.op, tt.threshold))
		})
	}
}

func TestEvaluateRiskyUsersThreshold(t *testing.T) {
	snap := &models.MetricsSnapshot{
		TenantID:       "tenant-a",
		RiskyUserCount: intPtr(3),
	}
	rules := []models.AlertRule{
		{
			ID:        1,
			TenantID:  "tenant-a",
			Name:      "Risky users detected",
			Metric:    "risky_users",
			Operator:  models.OpGreaterThan,
			Threshold: 0,
			Enabled:   true,
		},
	}

	triggered := Evaluate(snap, rules)
	require.Len(t, triggered, 1)
	assert.Equal(t, 3.0, triggered[0].Value)
	assert.Contains(t, triggered[0].Message, "exceeded 0")
	assert.Contains(t, triggered[0].Message, "(current: 3)")
}

func TestEvaluateSkipsAbsentMetric(t *testing.T) {
	// Snapshot captured nothing; no rule can match and nothing crashes.
	snap := &models.MetricsSnapshot{TenantID: "tenant-a"}
	rules := []models.AlertRule{
		{ID: 1, Metric: "risky_users", Operator: models.OpGreaterThan, Threshold: 0},
		{ID: 2, Metric: "secure_score_pct", Operator: models.OpLessThan, Threshold: 70},
	}

	assert.Empty(t, Evaluate(snap, rules))
}

func TestEvaluateMultipleRules(t *testing.T) {
	snap := &models.MetricsSnapshot{
		TenantID:           "tenant-a",
		RiskyUserCount:     intPtr(3),
		SecureScorePct:     floatPtr(55.0),
		DefenderAlertCount: intPtr(0),
	}
	rules := []models.AlertRule{
		{ID: 1, Name: "Risky users", Metric: "risky_users", Operator: models.OpGreaterThan, Threshold: 0},
		{ID: 2, Name: "Low score", Metric: "secure_score_pct", Operator: models.OpLessThan, Threshold: 70},
		{ID: 3, Name: "Defender alerts", Metric: "defender_alerts", Operator: models.OpGreaterThan, Threshold: 0},
	}

	triggered := Evaluate(snap, rules)
	require.Len(t, triggered, 2)
	assert.Equal(t, int64(1), triggered[0].Rule.ID)
	assert.Equal(t, int64(2), triggered[1].Rule.ID)
	assert.Contains(t, triggered[1].Message, "dropped below 70")
	assert.Contains(t, triggered[1].Message, "(current: 55)")
}

func TestTriggerMessageFractional(t *testing.T) {
	rule := models.AlertRule{
		Name:      "Score drop",
		Metric:    "secure_score_pct",
		Operator:  models.OpLessThan,
		Threshold: 62.5,
	}
	msg := TriggerMessage(rule, 61.3)
	assert.Equal(t, "Score drop: secure_score_pct dropped below 62.5 (current: 61.3)", msg)
}
