package normalize

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revback/revback/pkg/contracts"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// PlaySubscriptionInfo is the enrichment result from the Play Developer API.
type PlaySubscriptionInfo struct {
	ExternalProductID   string
	BillingInterval     string
	PlanTier            string
	AmountCents         int64
	Currency            string
	PeriodStart         *time.Time
	PeriodEnd           *time.Time
	LinkedPurchaseToken string
}

// PlayEnricher looks up subscription details for a purchase token. Optional;
// a failed lookup degrades to the notification's own data.
type PlayEnricher interface {
	GetSubscription(ctx context.Context, orgID, packageName, purchaseToken string) (*PlaySubscriptionInfo, error)
}

// GoogleNormalizer handles Play Billing real-time developer notifications
// delivered over Cloud Pub/Sub push.
type GoogleNormalizer struct {
	log      *slog.Logger
	keys     *googleKeySet
	enricher PlayEnricher
}

// NewGoogle creates the Google normalizer. enricher may be nil.
func NewGoogle(log *slog.Logger, client *http.Client, enricher PlayEnricher) *GoogleNormalizer {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleNormalizer{
		log:      log,
		keys:     &googleKeySet{client: client, url: googleJWKSURL},
		enricher: enricher,
	}
}

func (n *GoogleNormalizer) Source() contracts.BillingSource { return contracts.SourceGoogle }

// VerifySignature validates the Pub/Sub push bearer token: RS256 against
// Google's JWKS, audience bound to our endpoint URL, and a service-account
// email claim.
func (n *GoogleNormalizer) VerifySignature(raw RawWebhook, _ string) bool {
	auth := raw.Headers.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return n.keys.keyFor(kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(raw.EndpointURL),
		jwt.WithIssuer("https://accounts.google.com"),
	)
	if err != nil {
		return false
	}
	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	return verified && strings.HasSuffix(email, ".gserviceaccount.com")
}

type pubsubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
		RefundType    int    `json:"refundType"`
	} `json:"voidedPurchaseNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// googleNotificationCodes maps Play notification type integers to canonical
// events. Codes 9 (DEFERRED) and 11 (PAUSE_SCHEDULE_CHANGED) carry no
// entitlement semantics and are skipped.
var googleNotificationCodes = map[int]struct {
	eventType contracts.EventType
	status    contracts.EventStatus
	name      string
}{
	1:  {contracts.EventRenewal, contracts.StatusSuccess, "SUBSCRIPTION_RECOVERED"},
	2:  {contracts.EventRenewal, contracts.StatusSuccess, "SUBSCRIPTION_RENEWED"},
	3:  {contracts.EventCancellation, contracts.StatusSuccess, "SUBSCRIPTION_CANCELED"},
	4:  {contracts.EventPurchase, contracts.StatusSuccess, "SUBSCRIPTION_PURCHASED"},
	5:  {contracts.EventBillingRetry, contracts.StatusFailed, "SUBSCRIPTION_ON_HOLD"},
	6:  {contracts.EventGracePeriodStart, contracts.StatusSuccess, "SUBSCRIPTION_IN_GRACE_PERIOD"},
	7:  {contracts.EventResume, contracts.StatusSuccess, "SUBSCRIPTION_RESTARTED"},
	8:  {contracts.EventPriceChange, contracts.StatusSuccess, "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED"},
	10: {contracts.EventPause, contracts.StatusSuccess, "SUBSCRIPTION_PAUSED"},
	12: {contracts.EventRevoke, contracts.StatusSuccess, "SUBSCRIPTION_REVOKED"},
	13: {contracts.EventExpiration, contracts.StatusSuccess, "SUBSCRIPTION_EXPIRED"},
}

// Normalize maps one developer notification to zero or one canonical events.
func (n *GoogleNormalizer) Normalize(ctx context.Context, orgID string, raw RawWebhook) ([]contracts.NormalizedEvent, error) {
	var envelope pubsubEnvelope
	if err := json.Unmarshal(raw.Body, &envelope); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("google: decode pubsub data: %w", err)
	}
	var note developerNotification
	if err := json.Unmarshal(decoded, &note); err != nil {
		return nil, fmt.Errorf("google: decode notification: %w", err)
	}

	eventTime := time.Now().UTC()
	if ms, err := strconv.ParseInt(note.EventTimeMillis, 10, 64); err == nil {
		eventTime = time.UnixMilli(ms).UTC()
	}

	switch {
	case note.SubscriptionNotification != nil:
		return n.subscriptionEvent(ctx, orgID, &note, envelope.Message.MessageID, eventTime)
	case note.VoidedPurchaseNotification != nil:
		return n.voidedEvent(&note, envelope.Message.MessageID, eventTime), nil
	case note.TestNotification != nil:
		n.log.Debug("google test notification", "org_id", orgID)
		return nil, nil
	default:
		n.log.Debug("unhandled google notification", "org_id", orgID)
		return nil, nil
	}
}

func (n *GoogleNormalizer) subscriptionEvent(ctx context.Context, orgID string, note *developerNotification, messageID string, eventTime time.Time) ([]contracts.NormalizedEvent, error) {
	sn := note.SubscriptionNotification
	mapped, ok := googleNotificationCodes[sn.NotificationType]
	if !ok {
		n.log.Debug("skipped google notification code",
			"org_id", orgID, "notification_type", sn.NotificationType)
		return nil, nil
	}

	ev := contracts.NormalizedEvent{
		Source:                 contracts.SourceGoogle,
		EventType:              mapped.eventType,
		SourceEventType:        mapped.name,
		Status:                 mapped.status,
		EventTime:              eventTime,
		ExternalEventID:        messageID,
		ExternalSubscriptionID: sn.PurchaseToken,
		ExternalProductID:      sn.SubscriptionID,
		PlanTier:               googlePlanTier(sn.SubscriptionID),
		Environment:            contracts.EnvProduction,
		IdempotencyKey:         contracts.BuildIdempotencyKey(contracts.SourceGoogle, messageID),
		IdentityHints: []contracts.IdentityHint{{
			Source:     contracts.SourceGoogle,
			IDType:     contracts.IDTypePurchaseToken,
			ExternalID: sn.PurchaseToken,
		}},
	}

	if n.enricher != nil {
		info, err := n.enricher.GetSubscription(ctx, orgID, note.PackageName, sn.PurchaseToken)
		if err != nil {
			n.log.Warn("play api enrichment failed, continuing with notification data",
				"org_id", orgID, "error", err)
		} else if info != nil {
			applyPlayInfo(&ev, info)
		}
	}
	return []contracts.NormalizedEvent{ev}, nil
}

func applyPlayInfo(ev *contracts.NormalizedEvent, info *PlaySubscriptionInfo) {
	if info.ExternalProductID != "" {
		ev.ExternalProductID = info.ExternalProductID
	}
	ev.BillingInterval = info.BillingInterval
	if info.PlanTier != "" {
		ev.PlanTier = info.PlanTier
	}
	if info.AmountCents > 0 {
		ev.AmountCents = info.AmountCents
		ev.Currency = info.Currency
	}
	ev.PeriodStart = info.PeriodStart
	ev.PeriodEnd = info.PeriodEnd
	if info.LinkedPurchaseToken != "" {
		ev.IdentityHints = append(ev.IdentityHints, contracts.IdentityHint{
			Source:     contracts.SourceGoogle,
			IDType:     contracts.IDTypeLinkedPurchaseToken,
			ExternalID: info.LinkedPurchaseToken,
		})
	}
}

// googlePlanTier derives the tier from the last dot-segment of the
// subscription id. Enrichment overwrites it when the Play API is reachable.
func googlePlanTier(subscriptionID string) string {
	parts := strings.Split(subscriptionID, ".")
	return parts[len(parts)-1]
}

func (n *GoogleNormalizer) voidedEvent(note *developerNotification, messageID string, eventTime time.Time) []contracts.NormalizedEvent {
	vn := note.VoidedPurchaseNotification

	eventType := contracts.EventChargeback
	sourceType := "VOIDED_PURCHASE_CHARGEBACK"
	if vn.RefundType == 1 {
		eventType = contracts.EventRefund
		sourceType = "VOIDED_PURCHASE_REFUND"
	}

	key := contracts.BuildIdempotencyKey(contracts.SourceGoogle, "voided:"+vn.OrderID)
	if vn.OrderID == "" {
		key = contracts.BuildIdempotencyKey(contracts.SourceGoogle, messageID)
	}

	return []contracts.NormalizedEvent{{
		Source:                 contracts.SourceGoogle,
		EventType:              eventType,
		SourceEventType:        sourceType,
		Status:                 contracts.StatusRefunded,
		EventTime:              eventTime,
		ExternalEventID:        vn.OrderID,
		ExternalSubscriptionID: vn.PurchaseToken,
		Environment:            contracts.EnvProduction,
		IdempotencyKey:         key,
		IdentityHints: []contracts.IdentityHint{{
			Source:     contracts.SourceGoogle,
			IDType:     contracts.IDTypePurchaseToken,
			ExternalID: vn.PurchaseToken,
		}},
	}}
}

// googleKeySet caches Google's JWKS for bearer-token verification.
type googleKeySet struct {
	client *http.Client
	url    string

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func (s *googleKeySet) keyFor(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[kid]; ok && time.Now().Before(s.expires) {
		return key, nil
	}
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("google: unknown signing key %q", kid)
	}
	return key, nil
}

func (s *googleKeySet) refreshLocked() error {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return fmt.Errorf("google: fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google: fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("google: decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
	}
	s.keys = keys
	s.expires = time.Now().Add(time.Hour)
	return nil
}
