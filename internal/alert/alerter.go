package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/observability/metrics"
	"go.uber.org/zap"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeSequenceViolation   AlertType = "SEQUENCE_VIOLATION"
	AlertTypeSettlementEscalated AlertType = "SETTLEMENT_ESCALATED"
	AlertTypeSettlementRejected  AlertType = "SETTLEMENT_REJECTED"
	AlertTypeBacklogExceeded     AlertType = "BACKLOG_EXCEEDED"
	AlertTypeLedgerInconsistent  AlertType = "LEDGER_INCONSISTENT"
)

// Alert is a single operator-facing notification.
type Alert struct {
	Type      AlertType
	SessionID string
	Title     string
	Message   string
	Fields    map[string]string
}

// Alerter sends alerts to one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to every channel, suppressing repeats of the
// same type and session inside the cooldown window.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, alerters ...Alerter) *MultiAlerter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		clock:    clk,
		log:      log.Named("alert").With(zap.String("component", "alerter")),
		metrics:  m,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.SessionID)
}

// Send dispatches the alert to all channels and returns the first channel error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.clock.Now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.log.Debug("alert suppressed by cooldown", zap.String("key", key))
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	m.metrics.RecordAlert(ctx, string(alert.Type))

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.log.Warn("alert send failed",
				zap.String("channel", alerterName(a)),
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *LogAlerter:
		return "log"
	default:
		return "unknown"
	}
}

// sortedFields keeps rendered payloads stable.
func sortedFields(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeSequenceViolation, AlertTypeLedgerInconsistent:
		emoji = ":rotating_light:"
	case AlertTypeSettlementRejected:
		emoji = ":no_entry:"
	case AlertTypeBacklogExceeded:
		emoji = ":hourglass:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s", emoji, alert.Type, alert.Title)
	if alert.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", alert.SessionID)
	}
	if alert.Message != "" {
		b.WriteString("\n")
		b.WriteString(alert.Message)
	}
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedFields(alert.Fields) {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": b.String()}, "slack")
}

// WebhookAlerter posts alerts as JSON to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	clock  clock.Clock
}

func NewWebhookAlerter(url string, clk clock.Clock) *WebhookAlerter {
	if clk == nil {
		clk = clock.New()
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  clk,
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":       string(alert.Type),
		"session_id": alert.SessionID,
		"title":      alert.Title,
		"message":    alert.Message,
		"fields":     alert.Fields,
		"time":       w.clock.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, channel string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// LogAlerter writes alerts to the structured log at error level.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log.Named("alert")}
}

func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_type", string(alert.Type)),
		zap.String("session_id", alert.SessionID),
		zap.String("message", alert.Message),
	}
	for _, k := range sortedFields(alert.Fields) {
		fields = append(fields, zap.String(k, alert.Fields[k]))
	}
	l.log.Error(alert.Title, fields...)
	return nil
}

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }
