package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posturewatch/posturewatch/internal/models"
)

// memEventStore is an in-memory EventStore for lifecycle tests.
type memEventStore struct {
	mu     sync.Mutex
	events map[string]*models.AlertEvent
	stamps map[int64]time.Time
}

func newMemEventStore() *memEventStore {
	return &memEventStore{
		events: make(map[string]*models.AlertEvent),
		stamps: make(map[int64]time.Time),
	}
}

func (s *memEventStore) ActiveEventByRule(ruleID int64) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.RuleID == ruleID && e.Status == models.AlertActive {
			copy := *e
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *memEventStore) GetEvent(id string) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	copy := *e
	return &copy, nil
}

func (s *memEventStore) InsertEvent(e *models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *e
	s.events[e.ID] = &copy
	return nil
}

func (s *memEventStore) UpdateEventDetection(id string, value float64, count int, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.Value = value
	e.DetectionCount = count
	e.LastSeenAt = seenAt
	return nil
}

func (s *memEventStore) MitigateEvent(id, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.Status = models.AlertMitigated
	e.MitigatedAt = &at
	e.MitigationNote = note
	return nil
}

func (s *memEventStore) ReopenEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.Status = models.AlertActive
	e.MitigatedAt = nil
	e.MitigationNote = ""
	return nil
}

func (s *memEventStore) StampRuleTriggered(ruleID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamps[ruleID] = at
	return nil
}

func (s *memEventStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testTrigger(ruleID int64, value float64) Triggered {
	return Triggered{
		Rule: models.AlertRule{
			ID:        ruleID,
			TenantID:  "tenant-a",
			Name:      "Risky users",
			Metric:    "risky_users",
			Operator:  models.OpGreaterThan,
			Threshold: 0,
		},
		Value:   value,
		Message: "Risky users: risky_users exceeded 0 (current: 3)",
	}
}

func TestRecordTriggerCreatesThenBumps(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	// First detection opens a new event.
	first, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, 1, first.DetectionCount)
	require.NotEmpty(t, first.EventID)

	// Second detection folds into the same event.
	second, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, 2, second.DetectionCount)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, 1, store.eventCount())

	event, err := store.GetEvent(first.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, event.Status)
	assert.Equal(t, 2, event.DetectionCount)
}

func TestRecordTriggerManyDetections(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	var last Triggered
	var err error
	for i := 0; i < 5; i++ {
		last, err = lc.RecordTrigger(testTrigger(1, 3))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, store.eventCount())
	assert.Equal(t, 5, last.DetectionCount)
	assert.False(t, last.IsNew)
}

func TestRecordTriggerConcurrentSameRule(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lc.RecordTrigger(testTrigger(1, 3))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The per-rule lock must collapse all concurrent triggers into one event.
	assert.Equal(t, 1, store.eventCount())
	event, err := store.ActiveEventByRule(1)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, workers, event.DetectionCount)
}

func TestRecordTriggerSeparateRules(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	a, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)
	b, err := lc.RecordTrigger(testTrigger(2, 3))
	require.NoError(t, err)

	assert.True(t, a.IsNew)
	assert.True(t, b.IsNew)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, 2, store.eventCount())
}

func TestMitigateAndReopen(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	first, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)

	require.NoError(t, lc.Mitigate(first.EventID, "conditional access fixed"))
	event, err := store.GetEvent(first.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertMitigated, event.Status)
	assert.NotNil(t, event.MitigatedAt)
	assert.Equal(t, "conditional access fixed", event.MitigationNote)

	// Mitigating again is a no-op, not an error.
	require.NoError(t, lc.Mitigate(first.EventID, "again"))
	event, err = store.GetEvent(first.EventID)
	require.NoError(t, err)
	assert.Equal(t, "conditional access fixed", event.MitigationNote)

	require.NoError(t, lc.Reopen(first.EventID))
	event, err = store.GetEvent(first.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, event.Status)
	assert.Nil(t, event.MitigatedAt)
	assert.Empty(t, event.MitigationNote)

	// Reopening an active event is also a no-op.
	require.NoError(t, lc.Reopen(first.EventID))

	// A trigger after reopen increments the same record.
	next, err := lc.RecordTrigger(testTrigger(1, 4))
	require.NoError(t, err)
	assert.False(t, next.IsNew)
	assert.Equal(t, first.EventID, next.EventID)
	assert.Equal(t, 2, next.DetectionCount)
}

func TestTriggerAfterMitigationOpensNewEvent(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	first, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)
	require.NoError(t, lc.Mitigate(first.EventID, ""))

	second, err := lc.RecordTrigger(testTrigger(1, 5))
	require.NoError(t, err)
	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, 2, store.eventCount())
}

func TestReopenBlockedByOtherActiveEvent(t *testing.T) {
	store := newMemEventStore()
	lc := NewLifecycle(store)

	first, err := lc.RecordTrigger(testTrigger(1, 3))
	require.NoError(t, err)
	require.NoError(t, lc.Mitigate(first.EventID, ""))

	second, err := lc.RecordTrigger(testTrigger(1, 5))
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, second.EventID)

	err = lc.Reopen(first.EventID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), second.EventID)
}

func TestMitigateUnknownEvent(t *testing.T) {
	lc := NewLifecycle(newMemEventStore())
	err := lc.Mitigate("01J00000000000000000000000", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
