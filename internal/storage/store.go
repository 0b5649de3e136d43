// Package storage provides the persistence layer for snapshots, alert
// rules, alert events, and monitored tenants, backed by SQLite for
// durability across restarts.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/posturewatch/posturewatch/internal/models"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "posturewatch.db")

	// WAL mode for concurrent readers; SQLite works best with a single writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Storage opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		secure_score_current REAL,
		secure_score_max REAL,
		secure_score_pct REAL,
		defender_alert_count INTEGER,
		defender_alert_high INTEGER,
		risky_user_count INTEGER,
		signin_count INTEGER,
		noncompliant_device_count INTEGER,
		purview_alert_count INTEGER,
		insider_risk_alert_count INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_tenant_time
		ON snapshots (tenant_id, captured_at);

	CREATE TABLE IF NOT EXISTS snapshot_details (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		panel TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS monitored_tenants (
		tenant_id TEXT PRIMARY KEY,
		client_id TEXT,
		client_secret TEXT,
		user_token TEXT,
		poll_interval_min INTEGER NOT NULL DEFAULT 15,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_poll_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		metric TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold REAL NOT NULL,
		notify_type TEXT NOT NULL DEFAULT 'webhook',
		notify_target TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_triggered_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_events (
		id TEXT PRIMARY KEY,
		rule_id INTEGER NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		tenant_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		threshold REAL NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		detection_count INTEGER NOT NULL DEFAULT 1,
		triggered_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		mitigated_at TEXT,
		mitigation_note TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_alert_events_rule_status
		ON alert_events (rule_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Snapshots ---

// SaveSnapshot persists a snapshot and its per-panel detail blobs, returning
// the snapshot id. Panels hold the raw normalized tool results for drill-down.
func (s *Store) SaveSnapshot(snap *models.MetricsSnapshot, panels map[string]interface{}) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO snapshots (
			tenant_id, captured_at, secure_score_current, secure_score_max,
			secure_score_pct, defender_alert_count, defender_alert_high,
			risky_user_count, signin_count, noncompliant_device_count,
			purview_alert_count, insider_risk_alert_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.TenantID, snap.CapturedAt.UTC().Format(time.RFC3339),
		snap.SecureScoreCurrent, snap.SecureScoreMax, snap.SecureScorePct,
		snap.DefenderAlertCount, snap.DefenderAlertHigh, snap.RiskyUserCount,
		snap.SignInCount, snap.NoncompliantDeviceCount, snap.PurviewAlertCount,
		snap.InsiderRiskAlertCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot id: %w", err)
	}
	snap.ID = id

	for panel, data := range panels {
		blob, err := json.Marshal(data)
		if err != nil {
			log.Warn().Err(err).Str("panel", panel).Msg("Skipping unmarshalable panel data")
			continue
		}
		if _, err := s.db.Exec(
			`INSERT INTO snapshot_details (snapshot_id, panel, data) VALUES (?, ?, ?)`,
			id, panel, string(blob),
		); err != nil {
			return id, fmt.Errorf("failed to insert panel %q: %w", panel, err)
		}
	}
	return id, nil
}

// GetSnapshot returns one snapshot by id.
func (s *Store) GetSnapshot(id int64) (*models.MetricsSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, tenant_id, captured_at, secure_score_current, secure_score_max,
			secure_score_pct, defender_alert_count, defender_alert_high,
			risky_user_count, signin_count, noncompliant_device_count,
			purview_alert_count, insider_risk_alert_count
		FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// Trends returns snapshots for a tenant over the lookback window, oldest first.
func (s *Store) Trends(tenantID string, days int) ([]*models.MetricsSnapshot, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, tenant_id, captured_at, secure_score_current, secure_score_max,
			secure_score_pct, defender_alert_count, defender_alert_high,
			risky_user_count, signin_count, noncompliant_device_count,
			purview_alert_count, insider_risk_alert_count
		FROM snapshots
		WHERE tenant_id = ? AND captured_at >= ?
		ORDER BY captured_at ASC`, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query trends: %w", err)
	}
	defer rows.Close()

	var out []*models.MetricsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*models.MetricsSnapshot, error) {
	var snap models.MetricsSnapshot
	var capturedAt string
	err := row.Scan(
		&snap.ID, &snap.TenantID, &capturedAt,
		&snap.SecureScoreCurrent, &snap.SecureScoreMax, &snap.SecureScorePct,
		&snap.DefenderAlertCount, &snap.DefenderAlertHigh, &snap.RiskyUserCount,
		&snap.SignInCount, &snap.NoncompliantDeviceCount, &snap.PurviewAlertCount,
		&snap.InsiderRiskAlertCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, capturedAt); err == nil {
		snap.CapturedAt = t
	}
	return &snap, nil
}

// --- Monitored tenants ---

// UpsertTenant adds or replaces a monitored tenant.
func (s *Store) UpsertTenant(t models.Tenant) error {
	if t.PollIntervalMin <= 0 {
		t.PollIntervalMin = 15
	}
	_, err := s.db.Exec(`
		INSERT INTO monitored_tenants (tenant_id, client_id, client_secret, user_token, poll_interval_min, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			user_token = excluded.user_token,
			poll_interval_min = excluded.poll_interval_min,
			enabled = excluded.enabled`,
		t.TenantID, t.ClientID, t.ClientSecret, t.UserToken,
		t.PollIntervalMin, t.Enabled, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// EnabledTenants returns all tenants with monitoring enabled.
func (s *Store) EnabledTenants() ([]models.Tenant, error) {
	rows, err := s.db.Query(`
		SELECT tenant_id, client_id, client_secret, user_token, poll_interval_min, enabled, last_poll_at, created_at
		FROM monitored_tenants WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		var clientID, clientSecret, userToken, lastPoll sql.NullString
		var createdAt string
		if err := rows.Scan(&t.TenantID, &clientID, &clientSecret, &userToken,
			&t.PollIntervalMin, &t.Enabled, &lastPoll, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.ClientID = clientID.String
		t.ClientSecret = clientSecret.String
		t.UserToken = userToken.String
		if lastPoll.Valid {
			if ts, err := time.Parse(time.RFC3339, lastPoll.String); err == nil {
				t.LastPollAt = &ts
			}
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateLastPoll stamps the tenant's last successful poll time.
func (s *Store) UpdateLastPoll(tenantID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE monitored_tenants SET last_poll_at = ? WHERE tenant_id = ?`,
		at.UTC().Format(time.RFC3339), tenantID)
	if err != nil {
		return fmt.Errorf("failed to update last poll: %w", err)
	}
	return nil
}

// --- Alert rules ---

// CreateRule inserts a rule and returns its id.
func (s *Store) CreateRule(r models.AlertRule) (int64, error) {
	if !r.Operator.Valid() {
		return 0, fmt.Errorf("invalid operator %q", r.Operator)
	}
	res, err := s.db.Exec(`
		INSERT INTO alert_rules (tenant_id, name, metric, operator, threshold, notify_type, notify_target, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.Name, r.Metric, string(r.Operator), r.Threshold,
		string(r.NotifyType), r.NotifyTarget, r.Enabled, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	return res.LastInsertId()
}

// EnabledRules returns all enabled rules for a tenant.
func (s *Store) EnabledRules(tenantID string) ([]models.AlertRule, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, name, metric, operator, threshold, notify_type, notify_target, enabled, last_triggered_at, created_at
		FROM alert_rules WHERE tenant_id = ? AND enabled = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		var op, notifyType, createdAt string
		var lastTriggered sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Metric, &op, &r.Threshold,
			&notifyType, &r.NotifyTarget, &r.Enabled, &lastTriggered, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Operator = models.Operator(op)
		r.NotifyType = models.NotifyType(notifyType)
		if lastTriggered.Valid {
			if ts, err := time.Parse(time.RFC3339, lastTriggered.String); err == nil {
				r.LastTriggeredAt = &ts
			}
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleEnabled toggles a rule.
func (s *Store) SetRuleEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec(`UPDATE alert_rules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule and, via cascade, its alert events.
func (s *Store) DeleteRule(id int64) error {
	_, err := s.db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// StampRuleTriggered records the last trigger time on the rule.
func (s *Store) StampRuleTriggered(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE alert_rules SET last_triggered_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to stamp rule: %w", err)
	}
	return nil
}

// --- Alert events ---

// InsertEvent persists a new alert event.
func (s *Store) InsertEvent(e *models.AlertEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_events (id, rule_id, tenant_id, metric, value, threshold, message, status, detection_count, triggered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, e.TenantID, e.Metric, e.Value, e.Threshold, e.Message,
		string(e.Status), e.DetectionCount,
		e.TriggeredAt.UTC().Format(time.RFC3339), e.LastSeenAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

// ActiveEventByRule returns the rule's active event, or nil if none exists.
func (s *Store) ActiveEventByRule(ruleID int64) (*models.AlertEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, rule_id, tenant_id, metric, value, threshold, message, status, detection_count, triggered_at, last_seen_at, mitigated_at, mitigation_note
		FROM alert_events WHERE rule_id = ? AND status = 'active'`, ruleID)
	return scanEvent(row)
}

// GetEvent returns one event by id, or nil if absent.
func (s *Store) GetEvent(id string) (*models.AlertEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, rule_id, tenant_id, metric, value, threshold, message, status, detection_count, triggered_at, last_seen_at, mitigated_at, mitigation_note
		FROM alert_events WHERE id = ?`, id)
	return scanEvent(row)
}

// UpdateEventDetection bumps the dedup counter and refreshes value and
// last-seen on a re-detection.
func (s *Store) UpdateEventDetection(id string, value float64, count int, seenAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE alert_events SET value = ?, detection_count = ?, last_seen_at = ? WHERE id = ?`,
		value, count, seenAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update detection: %w", err)
	}
	return nil
}

// MitigateEvent marks an event mitigated with an optional note.
func (s *Store) MitigateEvent(id, note string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE alert_events SET status = 'mitigated', mitigated_at = ?, mitigation_note = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), note, id)
	if err != nil {
		return fmt.Errorf("failed to mitigate event: %w", err)
	}
	return nil
}

// ReopenEvent returns an event to active status, clearing mitigation fields.
func (s *Store) ReopenEvent(id string) error {
	_, err := s.db.Exec(`
		UPDATE alert_events SET status = 'active', mitigated_at = NULL, mitigation_note = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reopen event: %w", err)
	}
	return nil
}

// EventHistory returns the most recent events for a tenant, newest first.
func (s *Store) EventHistory(tenantID string, limit int) ([]*models.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, rule_id, tenant_id, metric, value, threshold, message, status, detection_count, triggered_at, last_seen_at, mitigated_at, mitigation_note
		FROM alert_events WHERE tenant_id = ?
		ORDER BY triggered_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event history: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*models.AlertEvent, error) {
	var e models.AlertEvent
	var status, triggeredAt, lastSeenAt string
	var mitigatedAt sql.NullString
	err := row.Scan(&e.ID, &e.RuleID, &e.TenantID, &e.Metric, &e.Value, &e.Threshold,
		&e.Message, &status, &e.DetectionCount, &triggeredAt, &lastSeenAt,
		&mitigatedAt, &e.MitigationNote)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan alert event: %w", err)
	}
	e.Status = models.AlertStatus(status)
	if t, err := time.Parse(time.RFC3339, triggeredAt); err == nil {
		e.TriggeredAt = t
	}
	if t, err := time.Parse(time.RFC3339, lastSeenAt); err == nil {
		e.LastSeenAt = t
	}
	if mitigatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, mitigatedAt.String); err == nil {
			e.MitigatedAt = &t
		}
	}
	return &e, nil
}
