package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posturewatch/posturewatch/internal/alerts"
	"github.com/posturewatch/posturewatch/internal/models"
)

func triggeredWebhook(name, target string, isNew bool) alerts.Triggered {
	return alerts.Triggered{
		Rule: models.AlertRule{
			ID:           1,
			TenantID:     "11112222-3333-4444-5555-666677778888",
			Name:         name,
			Metric:       "risky_users",
			Operator:     models.OpGreaterThan,
			Threshold:    0,
			NotifyType:   models.NotifyWebhook,
			NotifyTarget: target,
		},
		Value:   3,
		Message: name + ": risky_users exceeded 0 (current: 3)",
		IsNew:   isNew,
	}
}

func TestSendSkipsRedetections(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	m := NewManager(EmailConfig{})
	m.Send(context.Background(), []alerts.Triggered{
		triggeredWebhook("Repeat", srv.URL, false),
		triggeredWebhook("Fresh", srv.URL, true),
		triggeredWebhook("Repeat2", srv.URL, false),
	})

	assert.Equal(t, 1, hits)
}

func TestWebhookPayloadContents(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	m := NewManager(EmailConfig{})
	m.Send(context.Background(), []alerts.Triggered{triggeredWebhook("Risky users", srv.URL, true)})

	require.NotEmpty(t, body)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, payload["text"], "exceeded 0")

	rendered := string(body)
	assert.Contains(t, rendered, "AdaptiveCard")
	assert.Contains(t, rendered, "risky_users")
	// Tenant ids never appear in full.
	assert.Contains(t, rendered, "11112222...")
	assert.NotContains(t, rendered, "666677778888")
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	var delivered []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		mu.Lock()
		delivered = append(delivered, payload["text"].(string))
		mu.Unlock()
	}))
	defer srv.Close()

	m := NewManager(EmailConfig{})
	m.Send(context.Background(), []alerts.Triggered{
		triggeredWebhook("First", "http://127.0.0.1:0/unreachable", true),
		triggeredWebhook("Second", srv.URL, true),
	})

	// The first alert's delivery failure is swallowed; the second still
	// goes out.
	require.Len(t, delivered, 1)
	assert.Contains(t, delivered[0], "Second")
}

func TestWebhookNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	m := NewManager(EmailConfig{})
	err := m.sendWebhook(context.Background(), triggeredWebhook("Rule", srv.URL, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}

func TestEmailDispatch(t *testing.T) {
	var gotTo, gotSubject, gotBody string
	m := NewManager(EmailConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"})
	m.sendMail = func(cfg EmailConfig, to, subject, htmlBody string) error {
		gotTo, gotSubject, gotBody = to, subject, htmlBody
		return nil
	}

	tr := triggeredWebhook("Risky users", "soc@example.com", true)
	tr.Rule.NotifyType = models.NotifyEmail

	m.Send(context.Background(), []alerts.Triggered{tr})

	assert.Equal(t, "soc@example.com", gotTo)
	assert.Equal(t, "Security Alert: Risky users", gotSubject)
	assert.Contains(t, gotBody, "risky_users")
	assert.Contains(t, gotBody, "exceeded 0")
	assert.Contains(t, gotBody, "11112222...")
}

func TestEmailWithoutSMTPHostFailsSoftly(t *testing.T) {
	m := NewManager(EmailConfig{})
	tr := triggeredWebhook("Rule", "soc@example.com", true)
	tr.Rule.NotifyType = models.NotifyEmail

	// Logged and swallowed, not a panic or dispatch to a nil host.
	m.Send(context.Background(), []alerts.Triggered{tr})

	err := m.sendEmail(tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestEmailSendFailureIsIsolated(t *testing.T) {
	var webhookHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHits++
	}))
	defer srv.Close()

	m := NewManager(EmailConfig{Host: "smtp.example.com", From: "alerts@example.com"})
	m.sendMail = func(cfg EmailConfig, to, subject, htmlBody string) error {
		return errors.New("smtp handshake failed")
	}

	email := triggeredWebhook("Email rule", "soc@example.com", true)
	email.Rule.NotifyType = models.NotifyEmail

	m.Send(context.Background(), []alerts.Triggered{
		email,
		triggeredWebhook("Webhook rule", srv.URL, true),
	})

	assert.Equal(t, 1, webhookHits)
}
