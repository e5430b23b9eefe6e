package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

const enricherClientTTL = 10 * time.Minute

// PlayEnrichment is the multi-tenant normalize.PlayEnricher: it resolves the
// tenant's Google connection and caches one authenticated client per org.
// The TTL bounds how long rotated credentials keep being used.
type PlayEnrichment struct {
	connections *store.ConnectionStore
	box         *secrets.Box
	caller      *Caller

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	client  *GoogleClient
	expires time.Time
}

// NewPlayEnrichment creates a PlayEnrichment.
func NewPlayEnrichment(connections *store.ConnectionStore, box *secrets.Box, caller *Caller) *PlayEnrichment {
	return &PlayEnrichment{
		connections: connections,
		box:         box,
		caller:      caller,
		clients:     make(map[string]cachedClient),
	}
}

var _ normalize.PlayEnricher = (*PlayEnrichment)(nil)

// GetSubscription implements normalize.PlayEnricher.
func (e *PlayEnrichment) GetSubscription(ctx context.Context, orgID, packageName, purchaseToken string) (*normalize.PlaySubscriptionInfo, error) {
	client, err := e.client(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return client.GetSubscription(ctx, orgID, packageName, purchaseToken)
}

func (e *PlayEnrichment) client(ctx context.Context, orgID string) (*GoogleClient, error) {
	e.mu.Lock()
	if cached, ok := e.clients[orgID]; ok && time.Now().Before(cached.expires) {
		e.mu.Unlock()
		return cached.client, nil
	}
	e.mu.Unlock()

	conn, err := e.connections.Get(ctx, orgID, contracts.SourceGoogle)
	if err != nil {
		return nil, fmt.Errorf("providers: google connection: %w", err)
	}
	raw, err := e.box.Decrypt(conn.Credentials)
	if err != nil {
		return nil, fmt.Errorf("providers: decrypt google credentials: %w", err)
	}
	var creds GoogleCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("providers: google credentials: %w", err)
	}
	client, err := NewGoogle(ctx, e.caller, creds)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.clients[orgID] = cachedClient{client: client, expires: time.Now().Add(enricherClientTTL)}
	e.mu.Unlock()
	return client, nil
}
