package alerts

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/posturewatch/posturewatch/internal/models"
	"github.com/posturewatch/posturewatch/internal/telemetry"
)

// EventStore is the persistence contract the lifecycle needs. Implemented
// by internal/storage.
type EventStore interface {
	ActiveEventByRule(ruleID int64) (*models.AlertEvent, error)
	GetEvent(id string) (*models.AlertEvent, error)
	InsertEvent(e *models.AlertEvent) error
	UpdateEventDetection(id string, value float64, count int, seenAt time.Time) error
	MitigateEvent(id, note string, at time.Time) error
	ReopenEvent(id string) error
	StampRuleTriggered(ruleID int64, at time.Time) error
}

// Lifecycle enforces the one-active-event-per-rule invariant. All trigger
// recording and state transitions for a given rule are serialized through a
// per-rule mutex, so the invariant holds even under concurrent evaluation
// of the same rule.
type Lifecycle struct {
	store EventStore

	mu        sync.Mutex
	ruleLocks map[int64]*sync.Mutex

	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex
}

// NewLifecycle creates a lifecycle manager over the given store.
func NewLifecycle(store EventStore) *Lifecycle {
	return &Lifecycle{
		store:     store,
		ruleLocks: make(map[int64]*sync.Mutex),
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (l *Lifecycle) ruleLock(ruleID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.ruleLocks[ruleID]
	if !ok {
		m = &sync.Mutex{}
		l.ruleLocks[ruleID] = m
	}
	return m
}

func (l *Lifecycle) newEventID() string {
	l.entMu.Lock()
	defer l.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String()
}

// RecordTrigger registers one rule match. A rule with an active event gets
// its detection counter bumped in place; otherwise a new active event is
// created. The returned Triggered carries IsNew so the notifier can
// suppress re-detections.
func (l *Lifecycle) RecordTrigger(t Triggered) (Triggered, error) {
	lock := l.ruleLock(t.Rule.ID)
	lock.Lock()
	defer lock.Unlock()

	now := l.now()

	existing, err := l.store.ActiveEventByRule(t.Rule.ID)
	if err != nil {
		return t, fmt.Errorf("failed to look up active event: %w", err)
	}

	if existing != nil {
		count := existing.DetectionCount + 1
		if err := l.store.UpdateEventDetection(existing.ID, t.Value, count, now); err != nil {
			return t, fmt.Errorf("failed to bump detection count: %w", err)
		}
		t.EventID = existing.ID
		t.IsNew = false
		t.DetectionCount = count
		telemetry.AlertTriggersTotal.WithLabelValues(telemetry.TriggerRepeat).Inc()
		log.Debug().
			Str("eventID", existing.ID).
			Int64("ruleID", t.Rule.ID).
			Int("detectionCount", count).
			Msg("Re-detection folded into active alert")
	} else {
		event := &models.AlertEvent{
			ID:             l.newEventID(),
			RuleID:         t.Rule.ID,
			TenantID:       t.Rule.TenantID,
			Metric:         t.Rule.Metric,
			Value:          t.Value,
			Threshold:      t.Rule.Threshold,
			Message:        t.Message,
			Status:         models.AlertActive,
			DetectionCount: 1,
			TriggeredAt:    now,
			LastSeenAt:     now,
		}
		if err := l.store.InsertEvent(event); err != nil {
			return t, fmt.Errorf("failed to create alert event: %w", err)
		}
		t.EventID = event.ID
		t.IsNew = true
		t.DetectionCount = 1
		telemetry.AlertTriggersTotal.WithLabelValues(telemetry.TriggerNew).Inc()
		log.Info().
			Str("eventID", event.ID).
			Int64("ruleID", t.Rule.ID).
			Str("metric", t.Rule.Metric).
			Float64("value", t.Value).
			Msg("New alert raised")
	}

	if err := l.store.StampRuleTriggered(t.Rule.ID, now); err != nil {
		log.Warn().Err(err).Int64("ruleID", t.Rule.ID).Msg("Failed to stamp rule trigger time")
	}
	return t, nil
}

// Mitigate marks an event mitigated, optionally recording a verification
// note. A no-op if the event is already mitigated.
func (l *Lifecycle) Mitigate(eventID, note string) error {
	event, err := l.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event == nil {
		return fmt.Errorf("alert event %q not found", eventID)
	}

	lock := l.ruleLock(event.RuleID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the rule lock to guard against a racing transition.
	event, err = l.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event.Status == models.AlertMitigated {
		return nil
	}

	if err := l.store.MitigateEvent(eventID, note, l.now()); err != nil {
		return fmt.Errorf("failed to mitigate event: %w", err)
	}
	log.Info().Str("eventID", eventID).Msg("Alert mitigated")
	return nil
}

// Reopen returns a mitigated event to active, clearing its mitigation
// fields. A no-op if the event is already active.
func (l *Lifecycle) Reopen(eventID string) error {
	event, err := l.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event == nil {
		return fmt.Errorf("alert event %q not found", eventID)
	}

	lock := l.ruleLock(event.RuleID)
	lock.Lock()
	defer lock.Unlock()

	event, err = l.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event.Status == models.AlertActive {
		return nil
	}

	// Reopening while another active event exists for the rule would break
	// the single-active invariant.
	active, err := l.store.ActiveEventByRule(event.RuleID)
	if err != nil {
		return fmt.Errorf("failed to check active event: %w", err)
	}
	if active != nil && active.ID != eventID {
		return fmt.Errorf("rule %d already has active alert %s", event.RuleID, active.ID)
	}

	if err := l.store.ReopenEvent(eventID); err != nil {
		return fmt.Errorf("failed to reopen event: %w", err)
	}
	log.Info().Str("eventID", eventID).Msg("Alert reopened")
	return nil
}
