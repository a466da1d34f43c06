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

	"github.com/sells-group/lake-cli/internal/config"
	"github.com/sells-group/lake-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertDatasetFailure AlertType = "dataset_failure"
	AlertDatasetOverdue AlertType = "dataset_overdue"
)

// minFinishedRuns is the sample size below which the failure rate is not
// evaluated.
const minFinishedRuns = 3

// Alert is the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Datasets  []string       `json:"datasets,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports at most one alert.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

// rules run in this order, so alerts come out rate first, then failures,
// then overdue datasets.
var rules = []rule{failureRateRule, datasetFailureRule, overdueRule}

// Alerter turns ledger snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter. Webhook posts are retried on transient
// statuses.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 200 * time.Millisecond
	retry.MaxBackoff = 2 * time.Second
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate returns the alerts the snapshot triggers.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	for _, r := range rules {
		alert, ok := r(a.cfg, snap)
		if !ok {
			continue
		}
		alert.Timestamp = now
		alerts = append(alerts, alert)
	}
	return alerts
}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	finished := snap.RunsComplete + snap.RunsFailed
	if cfg.FailureRateThreshold <= 0 || finished < minFinishedRuns || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertRunFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.FailRate*100, cfg.FailureRateThreshold*100, snap.RunsFailed, finished, snap.LookbackHours),
		Datasets: snap.FailedDatasets,
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"finished":     finished,
		},
	}, true
}

func datasetFailureRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if len(snap.FailedDatasets) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertDatasetFailure,
		Severity: "high",
		Message: fmt.Sprintf("%d dataset(s) failed in last %dh: %s",
			len(snap.FailedDatasets), snap.LookbackHours, strings.Join(snap.FailedDatasets, ", ")),
		Datasets: snap.FailedDatasets,
		Details:  map[string]any{"failed_runs": snap.RunsFailed},
	}, true
}

func overdueRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if len(snap.OverdueDatasets) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertDatasetOverdue,
		Severity: "medium",
		Message: fmt.Sprintf("%d dataset(s) due without a successful sync in last %dh: %s",
			len(snap.OverdueDatasets), snap.LookbackHours, strings.Join(snap.OverdueDatasets, ", ")),
		Datasets: snap.OverdueDatasets,
	}, true
}

// SendAlerts posts each alert and returns how many were delivered. Without
// a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		log := zap.L().With(zap.String("type", string(alert.Type)), zap.Strings("datasets", alert.Datasets))
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			log.Error("monitoring: alert not delivered", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent", zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return resilience.ResponseError("monitoring: webhook", resp, req.URL.Redacted())
	}
	return nil
}
