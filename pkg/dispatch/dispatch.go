// Package dispatch fans issue lifecycle events out to the tenant's alert
// channels: Slack, email, PagerDuty, and signed outbound webhooks. Direct
// channels send inline; webhook deliveries go back through the queue so
// their retry schedule is independent of the alert fan-out.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

// APIVersion is stamped on every outbound webhook envelope.
const APIVersion = "2026-02-01"

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// Envelope is the outbound webhook body. ID is stable across retries so
// consumers can deduplicate.
type Envelope struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	APIVersion string    `json:"apiVersion"`
	Timestamp  time.Time `json:"timestamp"`
	OrgID      string    `json:"orgId"`
	Data       any       `json:"data"`
}

// SMTPConfig carries the outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

func (c SMTPConfig) configured() bool { return c.Host != "" && c.From != "" }

// Dispatcher sends alerts for one issue event to every matching channel
// configuration.
type Dispatcher struct {
	alerts *store.AlertStore
	issues *store.IssueStore
	tasks  *queue.Client
	http   *http.Client
	smtp   SMTPConfig
	log    *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(alerts *store.AlertStore, issues *store.IssueStore, tasks *queue.Client, smtpCfg SMTPConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		alerts:   alerts,
		issues:   issues,
		tasks:    tasks,
		http:     &http.Client{Timeout: 10 * time.Second},
		smtp:     smtpCfg,
		log:      log,
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Notifier adapts the dispatcher into the detection engine's callback: it
// enqueues the fan-out instead of blocking webhook processing on channel IO.
func (d *Dispatcher) Notifier() func(ctx context.Context, orgID, issueID, event string) error {
	return func(ctx context.Context, orgID, issueID, event string) error {
		return d.EnqueueIssueEvent(ctx, orgID, issueID, event)
	}
}

// EnqueueIssueEvent queues one alert fan-out.
func (d *Dispatcher) EnqueueIssueEvent(ctx context.Context, orgID, issueID, event string) error {
	task, err := queue.NewAlertDispatchTask(queue.AlertDispatchPayload{
		OrgID: orgID, IssueID: issueID, Event: event,
	})
	if err != nil {
		return err
	}
	_, err = d.tasks.Enqueue(ctx, task)
	return err
}

// HandleDispatch is the alert:dispatch worker. Channel failures are recorded
// per delivery; the task fails only when every matching channel failed, so a
// retry cannot re-send to channels that already succeeded alongside a flaky
// one more than the delivery log makes visible.
func (d *Dispatcher) HandleDispatch(ctx context.Context, p queue.AlertDispatchPayload) error {
	issue, err := d.issues.Get(ctx, p.OrgID, p.IssueID)
	if err != nil {
		return fmt.Errorf("dispatch: load issue: %w", err)
	}
	configs, err := d.alerts.ListEnabledConfigs(ctx, p.OrgID)
	if err != nil {
		return fmt.Errorf("dispatch: load alert configs: %w", err)
	}

	matched, failed := 0, 0
	for _, cfg := range configs {
		if !Matches(cfg, issue) {
			continue
		}
		matched++
		if err := d.sendOne(ctx, cfg, issue, p.Event); err != nil {
			failed++
			d.log.Warn("alert delivery failed",
				"org_id", p.OrgID, "issue_id", p.IssueID, "channel", cfg.Channel, "error", err)
		}
	}
	if matched > 0 && failed == matched {
		return fmt.Errorf("dispatch: all %d channel(s) failed for issue %s", matched, p.IssueID)
	}
	return nil
}

// Matches applies a configuration's severity and issue-type filters. Empty
// filters match everything.
func Matches(cfg *store.AlertConfiguration, issue *store.Issue) bool {
	if len(cfg.SeverityFilter) > 0 && !contains(cfg.SeverityFilter, string(issue.Severity)) {
		return false
	}
	if len(cfg.IssueTypes) > 0 && !contains(cfg.IssueTypes, issue.IssueType) {
		return false
	}
	return true
}

func contains(list store.StringList, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SendTest pushes a synthetic issue through one configuration so a tenant
// can confirm the channel works before relying on it. Filters are bypassed;
// the tenant asked for this delivery explicitly.
func (d *Dispatcher) SendTest(ctx context.Context, cfg *store.AlertConfiguration) error {
	now := d.clock().UTC()
	issue := &store.Issue{
		ID:          uuid.New().String(),
		OrgID:       cfg.OrgID,
		IssueType:   "test_alert",
		Severity:    contracts.SeverityInfo,
		Status:      contracts.IssueOpen,
		Confidence:  1,
		DetectorID:  "test",
		Title:       "Test alert",
		Description: "This is a test alert confirming the channel configuration delivers.",
		Evidence:    store.JSONMap{"test": true},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return d.sendOne(ctx, cfg, issue, "issue.test")
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg *store.AlertConfiguration, issue *store.Issue, event string) error {
	if err := d.limiter(cfg.OrgID, cfg.Channel).Wait(ctx); err != nil {
		return err
	}

	var err error
	switch cfg.Channel {
	case store.ChannelSlack:
		err = d.sendSlack(ctx, cfg, issue, event)
	case store.ChannelEmail:
		err = d.sendEmail(cfg, issue, event)
	case store.ChannelPagerDuty:
		err = d.sendPagerDuty(ctx, cfg, issue, event)
	case store.ChannelWebhook:
		// Queued separately; the deliverer records its own delivery log.
		return d.enqueueWebhook(ctx, cfg, issue, event)
	default:
		return fmt.Errorf("dispatch: unknown channel %q", cfg.Channel)
	}

	d.recordDelivery(ctx, cfg, issue, event, err, nil)
	return err
}

// limiter hands out one token bucket per (org, channel) so a noisy tenant
// cannot flood a channel or starve another tenant's alerts.
func (d *Dispatcher) limiter(orgID string, channel store.AlertChannel) *rate.Limiter {
	key := orgID + ":" + string(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(2*time.Second), 5)
	d.limiters[key] = l
	return l
}

func (d *Dispatcher) recordDelivery(ctx context.Context, cfg *store.AlertConfiguration, issue *store.Issue, event string, sendErr error, httpStatus *int) {
	entry := &store.AlertDeliveryLog{
		OrgID:      cfg.OrgID,
		ConfigID:   &cfg.ID,
		IssueID:    &issue.ID,
		Channel:    cfg.Channel,
		Event:      event,
		Success:    sendErr == nil,
		HTTPStatus: httpStatus,
		Attempt:    1,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Error = &msg
	}
	if err := d.alerts.RecordDelivery(ctx, entry); err != nil {
		d.log.Warn("delivery log write failed", "org_id", cfg.OrgID, "error", err)
	}
}

func (d *Dispatcher) sendSlack(ctx context.Context, cfg *store.AlertConfiguration, issue *store.Issue, event string) error {
	webhookURL, _ := cfg.Target["webhookUrl"].(string)
	if webhookURL == "" {
		return fmt.Errorf("dispatch: slack config has no webhookUrl")
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s: %s", eventLabel(event), issue.Title),
		Attachments: []slack.Attachment{{
			Color: severityColor(issue.Severity),
			Title: issue.Title,
			Text:  issue.Description,
			Fields: []slack.AttachmentField{
				{Title: "Severity", Value: string(issue.Severity), Short: true},
				{Title: "Type", Value: issue.IssueType, Short: true},
				{Title: "Confidence", Value: fmt.Sprintf("%.0f%%", issue.Confidence*100), Short: true},
				{Title: "Est. revenue at risk", Value: formatCents(issue.EstimatedRevenueCents), Short: true},
			},
			Footer: "RevBack",
			Ts:     json.Number(fmt.Sprintf("%d", d.clock().Unix())),
		}},
	}
	return slack.PostWebhookContext(ctx, webhookURL, msg)
}

func (d *Dispatcher) sendEmail(cfg *store.AlertConfiguration, issue *store.Issue, event string) error {
	if !d.smtp.configured() {
		return fmt.Errorf("dispatch: smtp not configured")
	}
	to, _ := cfg.Target["to"].(string)
	if to == "" {
		return fmt.Errorf("dispatch: email config has no recipient")
	}

	subject := fmt.Sprintf("[RevBack %s] %s", issue.Severity, issue.Title)
	body := fmt.Sprintf("%s\r\n\r\nType: %s\r\nSeverity: %s\r\nConfidence: %.0f%%\r\nEstimated revenue at risk: %s\r\n",
		issue.Description, issue.IssueType, issue.Severity, issue.Confidence*100, formatCents(issue.EstimatedRevenueCents))
	msg := strings.Join([]string{
		"From: " + d.smtp.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := d.smtp.Host + ":" + d.smtp.Port
	var auth smtp.Auth
	if d.smtp.Username != "" {
		auth = smtp.PlainAuth("", d.smtp.Username, d.smtp.Password, d.smtp.Host)
	}
	return smtp.SendMail(addr, auth, d.smtp.From, []string{to}, []byte(msg))
}

func (d *Dispatcher) sendPagerDuty(ctx context.Context, cfg *store.AlertConfiguration, issue *store.Issue, event string) error {
	routingKey, _ := cfg.Target["routingKey"].(string)
	if routingKey == "" {
		return fmt.Errorf("dispatch: pagerduty config has no routingKey")
	}

	payload := map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    issue.ID,
		"payload": map[string]any{
			"summary":  issue.Title,
			"source":   "revback",
			"severity": pagerDutySeverity(issue.Severity),
			"custom_details": map[string]any{
				"issueType":             issue.IssueType,
				"confidence":            issue.Confidence,
				"estimatedRevenueCents": issue.EstimatedRevenueCents,
				"description":           issue.Description,
			},
		},
	}
	if event == "issue.resolved" {
		payload["event_action"] = "resolve"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pagerDutyEventsURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch: pagerduty returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) enqueueWebhook(ctx context.Context, cfg *store.AlertConfiguration, issue *store.Issue, event string) error {
	env := Envelope{
		ID:         "evt_" + uuid.New().String(),
		Event:      event,
		APIVersion: APIVersion,
		Timestamp:  d.clock().UTC(),
		OrgID:      cfg.OrgID,
		Data:       issue,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatch: marshal envelope: %w", err)
	}

	task, err := queue.NewWebhookDeliverTask(queue.WebhookDeliverPayload{
		OrgID:      cfg.OrgID,
		ConfigID:   cfg.ID,
		IssueID:    issue.ID,
		Event:      event,
		DeliveryID: env.ID,
		Body:       body,
	})
	if err != nil {
		return err
	}
	_, err = d.tasks.Enqueue(ctx, task)
	return err
}

func eventLabel(event string) string {
	switch event {
	case "issue.created":
		return "New issue"
	case "issue.severity_changed":
		return "Issue severity changed"
	case "issue.resolved":
		return "Issue resolved"
	case "issue.dismissed":
		return "Issue dismissed"
	default:
		return event
	}
}

func severityColor(s contracts.Severity) string {
	switch s {
	case contracts.SeverityCritical:
		return "#d62728"
	case contracts.SeverityWarning:
		return "#ff7f0e"
	default:
		return "#1f77b4"
	}
}

func pagerDutySeverity(s contracts.Severity) string {
	switch s {
	case contracts.SeverityCritical:
		return "critical"
	case contracts.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}
