// Package models contains the core data types shared across the monitoring
// and investigation components.
package models

import (
	"time"
)

// MetricsSnapshot is a point-in-time capture of aggregate security metrics
// for one tenant. Fields are pointers because individual metric fetches can
// fail independently; a nil field means the metric was unavailable for this
// capture. Snapshots are never mutated after creation.
type MetricsSnapshot struct {
	ID         int64     `json:"id"`
	TenantID   string    `json:"tenantId"`
	CapturedAt time.Time `json:"capturedAt"`

	SecureScoreCurrent      *float64 `json:"secureScoreCurrent,omitempty"`
	SecureScoreMax          *float64 `json:"secureScoreMax,omitempty"`
	SecureScorePct          *float64 `json:"secureScorePct,omitempty"`
	DefenderAlertCount      *int     `json:"defenderAlertCount,omitempty"`
	DefenderAlertHigh       *int     `json:"defenderAlertHigh,omitempty"`
	RiskyUserCount          *int     `json:"riskyUserCount,omitempty"`
	SignInCount             *int     `json:"signinCount,omitempty"`
	NoncompliantDeviceCount *int     `json:"noncompliantDeviceCount,omitempty"`
	PurviewAlertCount       *int     `json:"purviewAlertCount,omitempty"`
	InsiderRiskAlertCount   *int     `json:"insiderRiskAlertCount,omitempty"`
}

// Operator is a comparison operator used by alert rules.
type Operator string

const (
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "neq"
)

// Valid reports whether the operator is one of the six supported comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// NotifyType selects the delivery channel for a rule's notifications.
type NotifyType string

const (
	NotifyWebhook NotifyType = "webhook"
	NotifyEmail   NotifyType = "email"
)

// AlertRule is a user-defined threshold check over snapshot metrics.
// Only Enabled and LastTriggeredAt change after creation.
type AlertRule struct {
	ID              int64      `json:"id"`
	TenantID        string     `json:"tenantId"`
	Name            string     `json:"name"`
	Metric          string     `json:"metric"`
	Operator        Operator   `json:"operator"`
	Threshold       float64    `json:"threshold"`
	NotifyType      NotifyType `json:"notifyType"`
	NotifyTarget    string     `json:"notifyTarget"`
	Enabled         bool       `json:"enabled"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// AlertStatus is the lifecycle state of an alert event.
type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertMitigated AlertStatus = "mitigated"
)

// AlertEvent is the lifecycle record for a triggered rule. At most one
// active event exists per rule; re-detections while active increment
// DetectionCount in place instead of creating a new record.
type AlertEvent struct {
	ID             string      `json:"id"`
	RuleID         int64       `json:"ruleId"`
	TenantID       string      `json:"tenantId"`
	Metric         string      `json:"metric"`
	Value          float64     `json:"value"`
	Threshold      float64     `json:"threshold"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	DetectionCount int         `json:"detectionCount"`
	TriggeredAt    time.Time   `json:"triggeredAt"`
	LastSeenAt     time.Time   `json:"lastSeenAt"`
	MitigatedAt    *time.Time  `json:"mitigatedAt,omitempty"`
	MitigationNote string      `json:"mitigationNote,omitempty"`
}

// Finding is a security observation submitted for investigation. It is
// transient input; only the resulting narrative and tool-call log survive.
type Finding struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// ToolCallRecord is one entry in an investigation's tool-call log, ordered
// by invocation time.
type ToolCallRecord struct {
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args"`
	Summary string                 `json:"summary"`
}

// Tenant is a monitored customer organization with its polling credentials.
type Tenant struct {
	TenantID        string     `json:"tenantId"`
	ClientID        string     `json:"clientId,omitempty"`
	ClientSecret    string     `json:"-"`
	UserToken       string     `json:"-"`
	PollIntervalMin int        `json:"pollIntervalMin"`
	Enabled         bool       `json:"enabled"`
	LastPollAt      *time.Time `json:"lastPollAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// RedactTenantID shortens a tenant identifier for logs and notification
// payloads, keeping enough of the prefix to be recognizable.
func RedactTenantID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
