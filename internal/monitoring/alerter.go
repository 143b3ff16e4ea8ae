package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailures AlertType = "sync_failures"
	AlertStaleSyncs   AlertType = "stale_syncs"
	AlertStuckSyncs   AlertType = "stuck_syncs"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns snapshots into alerts and delivers them to a webhook.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an Alerter posting to webhookURL. An empty URL
// evaluates alerts but sends nothing.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts a snapshot warrants.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if n := len(snap.FailedTenants); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailures,
			Severity: "high",
			Message:  fmt.Sprintf("%d tenant sync(s) failed on their last run: %s", n, list(snap.FailedTenants)),
			Details: map[string]any{
				"tenants": snap.FailedTenants,
				"failed":  snap.Failed,
			},
			Timestamp: now,
		})
	}

	if n := len(snap.StuckTenants); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckSyncs,
			Severity: "high",
			Message:  fmt.Sprintf("%d tenant sync(s) running longer than %s: %s", n, snap.StuckAfter, list(snap.StuckTenants)),
			Details: map[string]any{
				"tenants":     snap.StuckTenants,
				"stuck_after": snap.StuckAfter.String(),
			},
			Timestamp: now,
		})
	}

	if n := len(snap.StaleTenants); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleSyncs,
			Severity: "medium",
			Message:  fmt.Sprintf("%d tenant(s) without a successful sync in %s: %s", n, snap.StaleAfter, list(snap.StaleTenants)),
			Details: map[string]any{
				"tenants":     snap.StaleTenants,
				"stale_after": snap.StaleAfter.String(),
			},
			Timestamp: now,
		})
	}

	return alerts
}

func list(ids []string) string {
	const max = 10
	if len(ids) <= max {
		return strings.Join(ids, ", ")
	}
	return strings.Join(ids[:max], ", ") + fmt.Sprintf(" and %d more", len(ids)-max)
}

// SendAlerts delivers alerts to the webhook and returns how many were sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
