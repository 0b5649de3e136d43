// Package telemetry exposes Prometheus collectors for the poll scheduler,
// the tool invocation client, and the alert pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values for trigger and outcome dimensions.
const (
	TriggerNew    = "new"
	TriggerRepeat = "repeat"

	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

var (
	PollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "posturewatch",
		Name:      "polls_total",
		Help:      "Total tenant poll attempts.",
	})

	PollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "posturewatch",
		Name:      "poll_errors_total",
		Help:      "Tenant polls that failed entirely.",
	})

	AlertTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "posturewatch",
		Name:      "alert_triggers_total",
		Help:      "Rule triggers, partitioned by whether they opened a new alert.",
	}, []string{"trigger"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "posturewatch",
		Name:      "notifications_total",
		Help:      "Notification dispatch attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	ToolCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "posturewatch",
		Name:      "tool_calls_total",
		Help:      "Tool worker invocations by outcome.",
	}, []string{"outcome"})

	PoolConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "posturewatch",
		Name:      "pool_connections",
		Help:      "Live tool worker connections in the pool.",
	})
)

// Register attaches all collectors to the supplied registerer. Double
// registration is tolerated so tests can call this freely.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		PollsTotal,
		PollErrorsTotal,
		AlertTriggersTotal,
		NotificationsTotal,
		ToolCallsTotal,
		PoolConnections,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
