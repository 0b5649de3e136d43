// Package notifications dispatches newly raised alerts to their configured
// channels. Re-detections of an already-active alert are never dispatched;
// that filter is the anti-spam contract the alert lifecycle relies on.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posturewatch/posturewatch/internal/alerts"
	"github.com/posturewatch/posturewatch/internal/models"
	"github.com/posturewatch/posturewatch/internal/telemetry"
)

// EmailConfig holds the SMTP settings for the email channel.
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// Enabled reports whether the email channel is configured at all.
func (c EmailConfig) Enabled() bool {
	return c.Host != ""
}

// Manager sends alert notifications over webhooks and email.
type Manager struct {
	emailConfig EmailConfig
	client      *http.Client

	// sendMail is swapped out by tests.
	sendMail func(cfg EmailConfig, to, subject, htmlBody string) error
}

// NewManager creates a notification manager.
func NewManager(emailConfig EmailConfig) *Manager {
	return &Manager{
		emailConfig: emailConfig,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		sendMail: sendSMTP,
	}
}

// Send dispatches the triggered alerts that opened a new alert event.
// Already-active re-detections are skipped silently. Each channel failure
// is logged per alert and never blocks the remaining dispatches.
func (m *Manager) Send(ctx context.Context, triggered []alerts.Triggered) {
	for _, t := range triggered {
		if !t.IsNew {
			continue
		}

		var err error
		channel := string(t.Rule.NotifyType)
		switch t.Rule.NotifyType {
		case models.NotifyWebhook:
			err = m.sendWebhook(ctx, t)
		case models.NotifyEmail:
			err = m.sendEmail(t)
		default:
			log.Error().
				Str("notifyType", channel).
				Int64("ruleID", t.Rule.ID).
				Msg("Unknown notification type, skipping")
			continue
		}

		if err != nil {
			telemetry.NotificationsTotal.WithLabelValues(channel, telemetry.OutcomeError).Inc()
			log.Error().
				Err(err).
				Str("channel", channel).
				Str("rule", t.Rule.Name).
				Msg("Failed to send notification")
			continue
		}
		telemetry.NotificationsTotal.WithLabelValues(channel, telemetry.OutcomeOK).Inc()
		log.Info().
			Str("channel", channel).
			Str("rule", t.Rule.Name).
			Msg("Notification sent")
	}
}

// webhookPayload is the JSON body POSTed to webhook targets. The attachment
// block follows the Teams/Slack adaptive-card shape.
type webhookPayload struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	ContentType string      `json:"contentType"`
	Content     interface{} `json:"content"`
}

func (m *Manager) sendWebhook(ctx context.Context, t alerts.Triggered) error {
	payload := webhookPayload{
		Text: t.Message,
		Attachments: []webhookAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: map[string]interface{}{
				"type":    "AdaptiveCard",
				"version": "1.4",
				"body": []interface{}{
					map[string]interface{}{
						"type": "TextBlock", "text": "Security Alert",
						"weight": "Bolder", "size": "Medium",
					},
					map[string]interface{}{
						"type": "TextBlock", "text": t.Message, "wrap": true,
					},
					map[string]interface{}{
						"type": "FactSet",
						"facts": []map[string]string{
							{"title": "Rule", "value": t.Rule.Name},
							{"title": "Metric", "value": t.Rule.Metric},
							{"title": "Value", "value": fmt.Sprintf("%g", t.Value)},
							{"title": "Threshold", "value": fmt.Sprintf("%g", t.Rule.Threshold)},
							{"title": "Tenant", "value": models.RedactTenantID(t.Rule.TenantID)},
						},
					},
				},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Rule.NotifyTarget, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

func (m *Manager) sendEmail(t alerts.Triggered) error {
	if !m.emailConfig.Enabled() {
		return fmt.Errorf("email channel not configured (no SMTP host)")
	}

	subject := fmt.Sprintf("Security Alert: %s", t.Rule.Name)
	htmlBody := emailBody(t)
	return m.sendMail(m.emailConfig, t.Rule.NotifyTarget, subject, htmlBody)
}

func emailBody(t alerts.Triggered) string {
	return fmt.Sprintf(`<h2>Security Posture Alert</h2>
<p><strong>%s</strong></p>
<table border="1" cellpadding="8" cellspacing="0" style="border-collapse: collapse;">
<tr><td><strong>Rule</strong></td><td>%s</td></tr>
<tr><td><strong>Metric</strong></td><td>%s</td></tr>
<tr><td><strong>Current Value</strong></td><td>%g</td></tr>
<tr><td><strong>Threshold</strong></td><td>%g</td></tr>
<tr><td><strong>Tenant</strong></td><td>%s</td></tr>
</table>`,
		htmlEscape(t.Message), htmlEscape(t.Rule.Name), htmlEscape(t.Rule.Metric),
		t.Value, t.Rule.Threshold, models.RedactTenantID(t.Rule.TenantID))
}
