package normalize

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revback/revback/pkg/contracts"
)

// AppleNormalizer handles App Store Server Notifications V2. The inbound
// body wraps a JWS whose payload carries another JWS with the transaction
// details; both layers are verified against the x5c certificate chain.
type AppleNormalizer struct {
	log *slog.Logger

	// roots anchors the x5c chain. When nil the chain is still checked for
	// internal consistency, but not pinned to the Apple root CA.
	roots *x509.CertPool
}

// NewApple creates the Apple normalizer.
func NewApple(log *slog.Logger, roots *x509.CertPool) *AppleNormalizer {
	if log == nil {
		log = slog.Default()
	}
	return &AppleNormalizer{log: log, roots: roots}
}

func (n *AppleNormalizer) Source() contracts.BillingSource { return contracts.SourceApple }

type appleSignedPayload struct {
	SignedPayload string `json:"signedPayload"`
}

type appleNotification struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		Environment           string `json:"environment"`
		BundleID              string `json:"bundleId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type appleTransaction struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	OfferType             int    `json:"offerType"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	AppAccountToken       string `json:"appAccountToken"`
	Storefront            string `json:"storefront"`
	RevocationDate        int64  `json:"revocationDate"`
	Environment           string `json:"environment"`
}

// VerifySignature verifies the outer JWS layer. Apple does not use a shared
// webhook secret; trust comes from the certificate chain.
func (n *AppleNormalizer) VerifySignature(raw RawWebhook, _ string) bool {
	var body appleSignedPayload
	if err := json.Unmarshal(raw.Body, &body); err != nil || body.SignedPayload == "" {
		return false
	}
	var claims appleNotification
	return n.parseJWS(body.SignedPayload, &claims) == nil
}

// parseJWS verifies a JWS against its embedded x5c chain and decodes the
// payload into claims.
func (n *AppleNormalizer) parseJWS(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		chain, ok := t.Header["x5c"].([]interface{})
		if !ok || len(chain) == 0 {
			return nil, errors.New("missing x5c header")
		}
		certs := make([]*x509.Certificate, 0, len(chain))
		for _, entry := range chain {
			der, ok := entry.(string)
			if !ok {
				return nil, errors.New("malformed x5c entry")
			}
			raw, err := base64.StdEncoding.DecodeString(der)
			if err != nil {
				return nil, fmt.Errorf("decode x5c cert: %w", err)
			}
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return nil, fmt.Errorf("parse x5c cert: %w", err)
			}
			certs = append(certs, cert)
		}
		if err := n.verifyChain(certs); err != nil {
			return nil, err
		}
		return certs[0].PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	return err
}

func (n *AppleNormalizer) verifyChain(certs []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{Intermediates: intermediates}
	if n.roots != nil {
		opts.Roots = n.roots
	} else if len(certs) > 1 {
		// No pinned root: anchor on the last cert in the presented chain.
		opts.Roots = x509.NewCertPool()
		opts.Roots.AddCert(certs[len(certs)-1])
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return fmt.Errorf("x5c chain: %w", err)
	}
	return nil
}

// Normalize maps one App Store notification to zero or one canonical events.
func (n *AppleNormalizer) Normalize(_ context.Context, orgID string, raw RawWebhook) ([]contracts.NormalizedEvent, error) {
	var body appleSignedPayload
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, err
	}
	var note appleNotification
	if err := n.parseJWS(body.SignedPayload, &note); err != nil {
		return nil, fmt.Errorf("apple: outer jws: %w", err)
	}

	eventType, status, ok := mapAppleNotification(note.NotificationType, note.Subtype)
	if !ok {
		n.log.Debug("unhandled apple notification",
			"org_id", orgID, "notification_type", note.NotificationType, "subtype", note.Subtype)
		return nil, nil
	}

	ev := contracts.NormalizedEvent{
		Source:          contracts.SourceApple,
		EventType:       eventType,
		SourceEventType: strings.TrimSuffix(note.NotificationType+":"+note.Subtype, ":"),
		Status:          status,
		EventTime:       time.UnixMilli(note.SignedDate).UTC(),
		ExternalEventID: note.NotificationUUID,
		Environment:     appleEnvironment(note.Data.Environment),
		IdempotencyKey:  contracts.BuildIdempotencyKey(contracts.SourceApple, note.NotificationUUID),
	}

	if note.Data.SignedTransactionInfo != "" {
		var tx appleTransaction
		if err := n.parseJWS(note.Data.SignedTransactionInfo, &tx); err != nil {
			return nil, fmt.Errorf("apple: transaction jws: %w", err)
		}
		applyAppleTransaction(&ev, &tx)
	}
	return []contracts.NormalizedEvent{ev}, nil
}

// NormalizeTransaction verifies one signed transaction from the App Store
// Server API history endpoint and maps it to a canonical event. There is no
// notification envelope, so the event type is inferred from the transaction
// itself: the first transaction under an original id is the purchase, later
// ones are renewals, and a revocation date marks a refund.
func (n *AppleNormalizer) NormalizeTransaction(signed string) (*contracts.NormalizedEvent, error) {
	var tx appleTransaction
	if err := n.parseJWS(signed, &tx); err != nil {
		return nil, fmt.Errorf("apple: transaction jws: %w", err)
	}

	eventType := contracts.EventRenewal
	status := contracts.StatusSuccess
	switch {
	case tx.RevocationDate > 0:
		eventType, status = contracts.EventRefund, contracts.StatusRefunded
	case tx.TransactionID == tx.OriginalTransactionID:
		eventType = contracts.EventPurchase
	}

	ev := contracts.NormalizedEvent{
		Source:          contracts.SourceApple,
		EventType:       eventType,
		SourceEventType: "TRANSACTION_HISTORY",
		Status:          status,
		EventTime:       time.UnixMilli(tx.PurchaseDate).UTC(),
		ExternalEventID: tx.TransactionID,
		Environment:     appleEnvironment(tx.Environment),
		IdempotencyKey:  contracts.BuildIdempotencyKey(contracts.SourceApple, "history:"+tx.TransactionID),
	}
	if tx.RevocationDate > 0 {
		ev.EventTime = time.UnixMilli(tx.RevocationDate).UTC()
	}
	applyAppleTransaction(&ev, &tx)
	return &ev, nil
}

func applyAppleTransaction(ev *contracts.NormalizedEvent, tx *appleTransaction) {
	ev.OriginalTransactionID = tx.OriginalTransactionID
	ev.ExternalSubscriptionID = tx.OriginalTransactionID
	ev.SubscriptionGroupID = tx.SubscriptionGroupID
	ev.ExternalProductID = tx.ProductID
	// Apple reports price in milliunits of the currency.
	ev.AmountCents = tx.Price / 10
	ev.Currency = strings.ToLower(tx.Currency)
	ev.CountryCode = tx.Storefront

	if tx.PurchaseDate > 0 {
		t := time.UnixMilli(tx.PurchaseDate).UTC()
		ev.PeriodStart = &t
	}
	if tx.ExpiresDate > 0 {
		t := time.UnixMilli(tx.ExpiresDate).UTC()
		ev.PeriodEnd = &t
		ev.ExpirationTime = &t
	}
	if tx.ProductID != "" {
		ev.PlanTier = applePlanTier(tx.ProductID)
	}
	if tx.OfferType == 1 && tx.PurchaseDate > 0 {
		t := time.UnixMilli(tx.PurchaseDate).UTC()
		ev.TrialStartedAt = &t
	}

	hints := []contracts.IdentityHint{{
		Source:     contracts.SourceApple,
		IDType:     contracts.IDTypeOriginalTransactionID,
		ExternalID: tx.OriginalTransactionID,
	}}
	if tx.AppAccountToken != "" {
		hints = append(hints, contracts.IdentityHint{
			Source:     contracts.SourceApple,
			IDType:     contracts.IDTypeAppUserID,
			ExternalID: tx.AppAccountToken,
		})
	}
	ev.IdentityHints = hints
}

// applePlanTier derives the tier from the last dot-segment of the product id.
func applePlanTier(productID string) string {
	parts := strings.Split(productID, ".")
	return parts[len(parts)-1]
}

func appleEnvironment(env string) contracts.Environment {
	if strings.EqualFold(env, "Sandbox") {
		return contracts.EnvSandbox
	}
	return contracts.EnvProduction
}

// mapAppleNotification maps (notificationType, subtype) to a canonical event.
func mapAppleNotification(notificationType, subtype string) (contracts.EventType, contracts.EventStatus, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return contracts.EventPurchase, contracts.StatusSuccess, true
	case "DID_RENEW":
		return contracts.EventRenewal, contracts.StatusSuccess, true
	case "DID_FAIL_TO_RENEW":
		if subtype == "GRACE_PERIOD" {
			return contracts.EventGracePeriodStart, contracts.StatusSuccess, true
		}
		return contracts.EventBillingRetry, contracts.StatusFailed, true
	case "GRACE_PERIOD_EXPIRED":
		return contracts.EventGracePeriodEnd, contracts.StatusSuccess, true
	case "EXPIRED":
		return contracts.EventExpiration, contracts.StatusSuccess, true
	case "REFUND":
		return contracts.EventRefund, contracts.StatusRefunded, true
	case "REVOKE":
		return contracts.EventRevoke, contracts.StatusSuccess, true
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_ENABLED" {
			return contracts.EventResume, contracts.StatusSuccess, true
		}
		return contracts.EventCancellation, contracts.StatusSuccess, true
	case "DID_CHANGE_RENEWAL_PREF":
		switch subtype {
		case "UPGRADE":
			return contracts.EventUpgrade, contracts.StatusSuccess, true
		case "DOWNGRADE":
			return contracts.EventDowngrade, contracts.StatusSuccess, true
		default:
			return contracts.EventCrossgrade, contracts.StatusSuccess, true
		}
	case "OFFER_REDEEMED":
		return contracts.EventOfferRedeemed, contracts.StatusSuccess, true
	case "PRICE_INCREASE":
		return contracts.EventPriceChange, contracts.StatusSuccess, true
	default:
		return "", "", false
	}
}
