package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/revback/revback/pkg/store"
)

// AppleProxy forwards App Store notifications to the URL the tenant used
// before pointing Apple at us. Forwarding is fire-and-forget: their endpoint
// being down must not affect our ingestion, and Apple retries on its own.
type AppleProxy struct {
	http *http.Client
	log  *slog.Logger
}

// NewAppleProxy creates an AppleProxy.
func NewAppleProxy(log *slog.Logger) *AppleProxy {
	if log == nil {
		log = slog.Default()
	}
	return &AppleProxy{
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

// Forward relays the raw notification body when the connection has an
// original notification URL configured. Runs in its own goroutine with a
// detached context so the inbound request can return immediately.
func (p *AppleProxy) Forward(conn *store.BillingConnection, body []byte) {
	if conn.OriginalNotificationURL == nil || *conn.OriginalNotificationURL == "" {
		return
	}
	target := *conn.OriginalNotificationURL
	orgID := conn.OrgID
	buf := make([]byte, len(body))
	copy(buf, body)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
		if err != nil {
			p.log.Warn("apple proxy request build failed", "org_id", orgID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.http.Do(req)
		if err != nil {
			p.log.Warn("apple proxy forward failed", "org_id", orgID, "target", target, "error", err)
			return
		}
		resp.Body.Close()
		p.log.Debug("apple notification forwarded",
			"org_id", orgID, "target", target, "status", resp.StatusCode)
	}()
}
