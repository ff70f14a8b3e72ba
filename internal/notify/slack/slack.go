// Package slack posts caregiver alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/carewatch/internal/monitor"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends alerts to a Slack webhook. It satisfies monitor.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts one alert to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, al *monitor.Alert) error {
	if n.webhookURL == "" || al == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(al))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "alert posted to slack", "alert_id", al.ID, "alert_type", al.Type)
	return nil
}

func buildMessage(al *monitor.Alert) map[string]any {
	return map[string]any{
		"text": fallbackText(al),
		"blocks": []map[string]any{
			headerBlock(al),
			fieldsBlock(al),
			messageBlock(al),
			contextBlock(al),
		},
	}
}

// fallbackText is what Slack shows in push notifications.
func fallbackText(al *monitor.Alert) string {
	return fmt.Sprintf("%s alert for patient %s", alertTitle(al.Type), al.PatientID)
}

func headerBlock(al *monitor.Alert) map[string]any {
	text := fmt.Sprintf("%s %s (%s)", severityEmoji(al.Severity), alertTitle(al.Type), al.Severity)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(al *monitor.Alert) map[string]any {
	conf := "n/a"
	if al.Confidence != nil {
		conf = fmt.Sprintf("%.0f%%", *al.Confidence*100)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Patient:* %s", al.PatientID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Caregiver:* %s", al.CaregiverID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", al.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %s", conf)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func messageBlock(al *monitor.Alert) map[string]any {
	text := truncate(al.Message, maxMessageLen)
	if text == "" {
		text = "_No message._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(al *monitor.Alert) map[string]any {
	ts := al.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("carewatch • alert %s • %s", al.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func alertTitle(typ string) string {
	switch typ {
	case monitor.AlertTypeFall:
		return "Fall detected"
	case monitor.AlertTypeUnknownFace:
		return "Unknown person"
	case monitor.AlertTypeDangerousObject:
		return "Dangerous object"
	default:
		return strings.ReplaceAll(typ, "_", " ")
	}
}

func severityEmoji(s monitor.Severity) string {
	switch s {
	case monitor.SeverityCritical:
		return "\U0001f534" // red circle
	case monitor.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case monitor.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
