package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

// SignatureHeader carries the HMAC of the delivery body.
const SignatureHeader = "X-RevBack-Signature"

// ErrDropped marks deliveries that must not be retried: the config is gone,
// disabled, or points somewhere we refuse to call.
var ErrDropped = errors.New("dispatch: delivery dropped")

// Deliverer executes outbound webhook deliveries.
type Deliverer struct {
	alerts     *store.AlertStore
	http       *http.Client
	log        *slog.Logger
	production bool

	// lookupIP is swappable for tests.
	lookupIP func(host string) ([]net.IP, error)
}

// NewDeliverer creates a Deliverer. production enforces HTTPS targets.
func NewDeliverer(alerts *store.AlertStore, production bool, log *slog.Logger) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		alerts:     alerts,
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        log,
		production: production,
		lookupIP:   net.LookupIP,
	}
}

// Sign computes the signature header value for a body: sha256=<hex hmac>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HandleDeliver is the webhook:deliver worker. attempt is 1-based. Returns
// ErrDropped (wrapped) for permanent refusals and the transport error for
// retryable failures.
func (d *Deliverer) HandleDeliver(ctx context.Context, p queue.WebhookDeliverPayload, attempt int) error {
	cfg, err := d.alerts.GetConfig(ctx, p.OrgID, p.ConfigID)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Info("webhook config deleted, dropping delivery",
			"org_id", p.OrgID, "config_id", p.ConfigID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: load config: %w", err)
	}
	if !cfg.Enabled {
		return nil
	}

	target, _ := cfg.Target["url"].(string)
	if err := d.CheckTarget(target); err != nil {
		d.record(ctx, cfg, p, attempt, nil, err)
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RevBack-Webhooks/1.0")
	req.Header.Set("X-RevBack-Delivery", p.DeliveryID)
	req.Header.Set("X-RevBack-Event", p.Event)
	if cfg.SigningSecret != nil {
		req.Header.Set(SignatureHeader, Sign(*cfg.SigningSecret, p.Body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		d.record(ctx, cfg, p, attempt, nil, err)
		return fmt.Errorf("dispatch: deliver: %w", err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status < 200 || status > 299 {
		err := fmt.Errorf("dispatch: endpoint returned %d", status)
		d.record(ctx, cfg, p, attempt, &status, err)
		return err
	}
	d.record(ctx, cfg, p, attempt, &status, nil)
	return nil
}

// CheckTarget rejects URLs we refuse to deliver to: non-HTTP schemes, plain
// HTTP in production, and addresses that resolve into loopback, private, or
// link-local ranges.
func (d *Deliverer) CheckTarget(target string) error {
	if target == "" {
		return fmt.Errorf("no target url configured")
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target url: %v", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if d.production {
			return fmt.Errorf("plain http target rejected")
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	ips, err := d.lookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %v", host, err)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("target resolves to restricted address %s", ip)
	}
	return nil
}

func (d *Deliverer) record(ctx context.Context, cfg *store.AlertConfiguration, p queue.WebhookDeliverPayload, attempt int, httpStatus *int, sendErr error) {
	entry := &store.AlertDeliveryLog{
		OrgID:      cfg.OrgID,
		ConfigID:   &cfg.ID,
		IssueID:    &p.IssueID,
		Channel:    store.ChannelWebhook,
		Event:      p.Event,
		Success:    sendErr == nil,
		HTTPStatus: httpStatus,
		Attempt:    attempt,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Error = &msg
	}
	if err := d.alerts.RecordDelivery(ctx, entry); err != nil {
		d.log.Warn("delivery log write failed", "org_id", cfg.OrgID, "error", err)
	}
}
