// Package monitoring runs the periodic polling loop that captures
// security-posture snapshots and drives alert evaluation.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/posturewatch/posturewatch/internal/ai/investigation"
	"github.com/posturewatch/posturewatch/internal/alerts"
	"github.com/posturewatch/posturewatch/internal/models"
	"github.com/posturewatch/posturewatch/internal/storage"
	"github.com/posturewatch/posturewatch/internal/telemetry"
	"github.com/posturewatch/posturewatch/internal/toolclient"
)

// Invoker executes one security tool call. Satisfied by *toolclient.Pool.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]interface{}, creds *toolclient.Credentials) (toolclient.Result, error)
}

// Notifier dispatches triggered alerts. Satisfied by
// *notifications.Manager.
type Notifier interface {
	Send(ctx context.Context, triggered []alerts.Triggered)
}

// Investigator verifies newly opened alerts. Satisfied by
// *investigation.Orchestrator.
type Investigator interface {
	Investigate(ctx context.Context, tenantID string, finding models.Finding, creds *toolclient.Credentials) (*investigation.Result, error)
}

// Scheduler owns the poll cycle: every interval it walks the monitored
// tenants sequentially, captures a snapshot per tenant, evaluates alert
// rules, and notifies on newly opened alerts.
type Scheduler struct {
	store     *storage.Store
	invoker   Invoker
	lifecycle *alerts.Lifecycle
	notifier  Notifier

	// investigator is optional; when set, newly opened alerts get a
	// verification investigation whose narrative is logged.
	investigator Investigator

	interval time.Duration
}

// New creates a scheduler. Pass a nil investigator to disable alert
// verification.
func New(store *storage.Store, invoker Invoker, lifecycle *alerts.Lifecycle, notifier Notifier, investigator Investigator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		store:        store,
		invoker:      invoker,
		lifecycle:    lifecycle,
		notifier:     notifier,
		investigator: investigator,
		interval:     interval,
	}
}

// Run polls once immediately, then on every tick until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Starting background monitor")

	s.PollAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Background monitor stopped")
			return
		case <-ticker.C:
			s.PollAll(ctx)
		}
	}
}

// PollAll polls every enabled tenant in turn. One tenant's failure never
// stops the rest of the cycle.
func (s *Scheduler) PollAll(ctx context.Context) {
	tenants, err := s.store.EnabledTenants()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list monitored tenants")
		return
	}
	if len(tenants) == 0 {
		return
	}

	log.Info().Int("tenants", len(tenants)).Msg("Polling monitored tenants")
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := s.PollTenant(ctx, tenant); err != nil {
			telemetry.PollErrorsTotal.Inc()
			log.Error().
				Err(err).
				Str("tenantId", models.RedactTenantID(tenant.TenantID)).
				Msg("Tenant poll failed")
		}
	}
}

// panelSpec names one metric fetch in the poll battery.
type panelSpec struct {
	panel string
	tool  string
	args  map[string]interface{}
}

// PollTenant captures one snapshot for one tenant and runs rule
// evaluation against it. Also used for on-demand dashboard refreshes.
func (s *Scheduler) PollTenant(ctx context.Context, tenant models.Tenant) error {
	telemetry.PollsTotal.Inc()
	log.Debug().
		Str("tenantId", models.RedactTenantID(tenant.TenantID)).
		Msg("Polling tenant")

	creds := &toolclient.Credentials{
		TenantID:     tenant.TenantID,
		ClientID:     tenant.ClientID,
		ClientSecret: tenant.ClientSecret,
		UserToken:    tenant.UserToken,
	}

	battery := []panelSpec{
		{"alerts", "get_defender_alerts", map[string]interface{}{"top": 20}},
		{"secureScore", "get_secure_score", map[string]interface{}{}},
		{"riskyUsers", "get_entra_risky_users", map[string]interface{}{}},
		{"signInLogs", "get_entra_signin_logs", map[string]interface{}{"lookbackDays": 1, "top": 50}},
		{"intuneDevices", "get_intune_devices", map[string]interface{}{"complianceState": "noncompliant", "top": 20}},
		{"purviewAlerts", "get_purview_alerts", map[string]interface{}{"top": 20}},
		{"insiderRiskAlerts", "get_insider_risk_alerts", map[string]interface{}{"top": 20}},
	}

	panels := s.fetchBattery(ctx, tenant.TenantID, battery, creds)

	snap := buildSnapshot(tenant.TenantID, panels)
	snapshotID, err := s.store.SaveSnapshot(snap, panels)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	log.Info().
		Int64("snapshotId", snapshotID).
		Str("tenantId", models.RedactTenantID(tenant.TenantID)).
		Msg("Snapshot saved")

	if err := s.store.UpdateLastPoll(tenant.TenantID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to stamp tenant last poll")
	}

	rules, err := s.store.EnabledRules(tenant.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}

	triggered := alerts.Evaluate(snap, rules)
	if len(triggered) == 0 {
		return nil
	}

	recorded := make([]alerts.Triggered, 0, len(triggered))
	for _, t := range triggered {
		rec, err := s.lifecycle.RecordTrigger(t)
		if err != nil {
			log.Error().
				Err(err).
				Str("rule", t.Rule.Name).
				Msg("Failed to record alert trigger")
			continue
		}
		recorded = append(recorded, rec)
	}

	log.Info().
		Int("triggered", len(recorded)).
		Str("tenantId", models.RedactTenantID(tenant.TenantID)).
		Msg("Alert rules triggered")

	s.notifier.Send(ctx, recorded)
	s.verifyNewAlerts(ctx, tenant.TenantID, recorded, creds)
	return nil
}

// fetchBattery issues the metric battery concurrently and waits for all of
// it. A failed fetch degrades to an error-marker panel, never a poll
// failure.
func (s *Scheduler) fetchBattery(ctx context.Context, tenantID string, battery []panelSpec, creds *toolclient.Credentials) map[string]interface{} {
	type outcome struct {
		res toolclient.Result
		err error
	}
	outcomes := make([]outcome, len(battery))

	var g errgroup.Group
	for i, spec := range battery {
		i, spec := i, spec
		g.Go(func() error {
			args := make(map[string]interface{}, len(spec.args)+2)
			for k, v := range spec.args {
				args[k] = v
			}
			args["tenantId"] = tenantID
			if creds.UserToken != "" {
				args["userToken"] = creds.UserToken
			}
			res, err := s.invoker.Invoke(ctx, spec.tool, args, creds)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	g.Wait()

	panels := make(map[string]interface{}, len(battery))
	for i, spec := range battery {
		o := outcomes[i]
		switch {
		case o.err != nil:
			log.Warn().
				Err(o.err).
				Str("tool", spec.tool).
				Str("tenantId", models.RedactTenantID(tenantID)).
				Msg("Metric fetch failed")
			panels[spec.panel] = map[string]interface{}{"error": o.err.Error()}
		case o.res.IsError():
			log.Warn().
				Str("tool", spec.tool).
				Str("error", o.res.ErrMessage).
				Msg("Metric fetch returned error payload")
			panels[spec.panel] = map[string]interface{}{"error": o.res.ErrMessage}
		case o.res.Kind == toolclient.KindStructured:
			panels[spec.panel] = o.res.Structured
		default:
			panels[spec.panel] = o.res.Text
		}
	}
	return panels
}

// verifyNewAlerts runs a verification investigation for each newly opened
// alert when an investigator is configured.
func (s *Scheduler) verifyNewAlerts(ctx context.Context, tenantID string, recorded []alerts.Triggered, creds *toolclient.Credentials) {
	if s.investigator == nil {
		return
	}
	for _, t := range recorded {
		if !t.IsNew {
			continue
		}
		finding := models.Finding{
			Type:     "metric_threshold",
			Detail:   t.Message,
			Severity: "medium",
		}
		res, err := s.investigator.Investigate(ctx, tenantID, finding, creds)
		if err != nil {
			log.Warn().
				Err(err).
				Str("rule", t.Rule.Name).
				Msg("Alert verification investigation failed")
			continue
		}
		log.Info().
			Str("rule", t.Rule.Name).
			Int("toolCalls", len(res.ToolCalls)).
			Bool("degraded", res.Degraded).
			Str("narrative", summarize(res.Narrative, 300)).
			Msg("Alert verification complete")
	}
}

func summarize(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// buildSnapshot normalizes the raw panel payloads into the typed snapshot
// row. The worker's payload shapes vary per tool, so each panel goes
// through an explicit list extraction: a bare array, a ".value" wrapper,
// or a tool-specific wrapper key.
func buildSnapshot(tenantID string, panels map[string]interface{}) *models.MetricsSnapshot {
	snap := &models.MetricsSnapshot{
		TenantID:   tenantID,
		CapturedAt: time.Now().UTC(),
	}

	if alertList, ok := extractList(panels["alerts"]); ok {
		n := len(alertList)
		snap.DefenderAlertCount = &n
		high := countHighSeverity(alertList)
		snap.DefenderAlertHigh = &high
	}
	if score, ok := panels["secureScore"].(map[string]interface{}); ok {
		snap.SecureScoreCurrent = floatField(score, "currentScore")
		snap.SecureScoreMax = floatField(score, "maxScore")
		snap.SecureScorePct = floatField(score, "percentageScore")
	}
	if riskyList, ok := extractList(panels["riskyUsers"]); ok {
		n := len(riskyList)
		snap.RiskyUserCount = &n
	}
	if signInList, ok := extractList(panels["signInLogs"], "signIns"); ok {
		n := len(signInList)
		snap.SignInCount = &n
	}
	if deviceList, ok := extractList(panels["intuneDevices"]); ok {
		n := len(deviceList)
		snap.NoncompliantDeviceCount = &n
	}
	if purviewList, ok := extractList(panels["purviewAlerts"], "alerts"); ok {
		n := len(purviewList)
		snap.PurviewAlertCount = &n
	}
	if insiderList, ok := extractList(panels["insiderRiskAlerts"], "alerts"); ok {
		n := len(insiderList)
		snap.InsiderRiskAlertCount = &n
	}

	return snap
}

// extractList pulls the item list out of a panel payload: either the
// payload is the list itself, or a wrapper object holding it under
// "value" or one of the tool-specific keys.
func extractList(v interface{}, wrapperKeys ...string) ([]interface{}, bool) {
	if list, ok := v.([]interface{}); ok {
		return list, true
	}
	wrapper, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	for _, key := range append([]string{"value"}, wrapperKeys...) {
		if list, ok := wrapper[key].([]interface{}); ok {
			return list, true
		}
	}
	return nil, false
}

func countHighSeverity(items []interface{}) int {
	n := 0
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sev, _ := m["severity"].(string)
		if sev == "high" || sev == "critical" {
			n++
		}
	}
	return n
}

func floatField(m map[string]interface{}, key string) *float64 {
	if f, ok := m[key].(float64); ok {
		return &f
	}
	return nil
}
