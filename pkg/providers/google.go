package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/ratelimit"
)

const (
	androidPublisherBase  = "https://androidpublisher.googleapis.com"
	androidPublisherScope = "https://www.googleapis.com/auth/androidpublisher"
)

var googleBucket = ratelimit.Config{MaxTokens: 10, RefillRate: 10, RefillIntervalMs: 1000}

// GoogleCredentials is the decrypted credential blob for a Play connection.
type GoogleCredentials struct {
	PackageName        string `json:"packageName"`
	ServiceAccountJSON string `json:"serviceAccountJson"`
}

// GoogleClient calls the Play Developer API with a service account. It is
// the normalize.PlayEnricher for Play notifications and the source for
// voided-purchase backfills.
type GoogleClient struct {
	caller      *Caller
	tokens      oauth2.TokenSource
	packageName string
	base        string
}

var _ normalize.PlayEnricher = (*GoogleClient)(nil)

// NewGoogle creates a GoogleClient from a service-account key.
func NewGoogle(ctx context.Context, caller *Caller, creds GoogleCredentials) (*GoogleClient, error) {
	cfg, err := google.JWTConfigFromJSON([]byte(creds.ServiceAccountJSON), androidPublisherScope)
	if err != nil {
		return nil, fmt.Errorf("providers: google: parse service account: %w", err)
	}
	return &GoogleClient{
		caller:      caller,
		tokens:      cfg.TokenSource(ctx),
		packageName: creds.PackageName,
		base:        androidPublisherBase,
	}, nil
}

// WithBaseURL points the client at a test server and drops OAuth, for tests.
func (c *GoogleClient) WithBaseURL(base string, tokens oauth2.TokenSource) *GoogleClient {
	c.base = base
	c.tokens = tokens
	return c
}

// GetSubscription resolves a purchase token via subscriptionsv2 and maps the
// first line item onto the enrichment shape the normalizer consumes.
func (c *GoogleClient) GetSubscription(ctx context.Context, _ string, packageName, purchaseToken string) (*normalize.PlaySubscriptionInfo, error) {
	if packageName == "" {
		packageName = c.packageName
	}
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
		url.PathEscape(packageName), url.PathEscape(purchaseToken))

	var resp subscriptionV2
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if len(resp.LineItems) == 0 {
		return nil, fmt.Errorf("providers: google: subscription has no line items")
	}
	item := resp.LineItems[0]

	info := &normalize.PlaySubscriptionInfo{
		ExternalProductID:   item.ProductID,
		PlanTier:            item.OfferDetails.BasePlanID,
		LinkedPurchaseToken: resp.LinkedPurchaseToken,
	}
	if t, err := time.Parse(time.RFC3339, resp.StartTime); err == nil {
		info.PeriodStart = &t
	}
	if t, err := time.Parse(time.RFC3339, item.ExpiryTime); err == nil {
		info.PeriodEnd = &t
	}
	if p := item.AutoRenewingPlan.RecurringPrice; p.CurrencyCode != "" {
		units, _ := strconv.ParseInt(p.Units, 10, 64)
		info.AmountCents = units*100 + int64(p.Nanos)/10_000_000
		info.Currency = p.CurrencyCode
	}
	if period := item.OfferDetails.BasePlanID; period != "" {
		// Base plan ids conventionally encode the cadence (monthly, annual).
		info.BillingInterval = billingIntervalFromPlan(period)
	}
	return info, nil
}

// VoidedPurchase is one refunded or charged-back purchase.
type VoidedPurchase struct {
	PurchaseToken      string `json:"purchaseToken"`
	OrderID            string `json:"orderId"`
	VoidedTimeMillis   string `json:"voidedTimeMillis"`
	VoidedSource       int    `json:"voidedSource"`
	VoidedReason       int    `json:"voidedReason"`
	PurchaseTimeMillis string `json:"purchaseTimeMillis"`
}

// VoidedPurchases lists refunds and chargebacks since startTime. Google
// retains roughly 30 days unless a wider window was requested.
func (c *GoogleClient) VoidedPurchases(ctx context.Context, startTime time.Time, pageToken string) ([]VoidedPurchase, string, error) {
	q := url.Values{}
	q.Set("type", "1") // include subscriptions
	if !startTime.IsZero() {
		q.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
	}
	if pageToken != "" {
		q.Set("token", pageToken)
	}
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/voidedpurchases?%s",
		url.PathEscape(c.packageName), q.Encode())

	var resp struct {
		VoidedPurchases []VoidedPurchase `json:"voidedPurchases"`
		TokenPagination struct {
			NextPageToken string `json:"nextPageToken"`
		} `json:"tokenPagination"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, "", err
	}
	return resp.VoidedPurchases, resp.TokenPagination.NextPageToken, nil
}

func (c *GoogleClient) get(ctx context.Context, path string, v any) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("providers: google: access token: %w", err)
	}
	header := http.Header{}
	tok.SetAuthHeader(&http.Request{Header: header})
	return c.caller.GetJSON(ctx, "google-api", googleBucket, c.base+path, header, v)
}

type subscriptionV2 struct {
	StartTime           string `json:"startTime"`
	LinkedPurchaseToken string `json:"linkedPurchaseToken"`
	LineItems           []struct {
		ProductID    string `json:"productId"`
		ExpiryTime   string `json:"expiryTime"`
		OfferDetails struct {
			BasePlanID string `json:"basePlanId"`
			OfferID    string `json:"offerId"`
		} `json:"offerDetails"`
		AutoRenewingPlan struct {
			RecurringPrice struct {
				CurrencyCode string `json:"currencyCode"`
				Units        string `json:"units"`
				Nanos        int32  `json:"nanos"`
			} `json:"recurringPrice"`
		} `json:"autoRenewingPlan"`
	} `json:"lineItems"`
}

func billingIntervalFromPlan(basePlanID string) string {
	switch {
	case containsAny(basePlanID, "annual", "year"):
		return "year"
	case containsAny(basePlanID, "quarter"):
		return "quarter"
	case containsAny(basePlanID, "week"):
		return "week"
	default:
		return "month"
	}
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
