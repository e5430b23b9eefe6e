package contracts

// Severity ranks how damaging an issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IssueStatus is the operator-facing lifecycle of an issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
)

// DetectionTier distinguishes billing-data-only detections from ones
// corroborated by customer-app access reports.
type DetectionTier string

const (
	TierBillingOnly DetectionTier = "billing_only"
	TierAppVerified DetectionTier = "app_verified"
)

// DetectedIssue is what a detector returns; the detection engine persists it
// as an Issue row and enqueues alert dispatch.
type DetectedIssue struct {
	IssueType             string         `json:"issue_type"`
	Severity              Severity       `json:"severity"`
	Title                 string         `json:"title"`
	Description           string         `json:"description"`
	UserID                string         `json:"user_id,omitempty"`
	EstimatedRevenueCents int64          `json:"estimated_revenue_cents,omitempty"`
	Confidence            float64        `json:"confidence"`
	Evidence              map[string]any `json:"evidence,omitempty"`
	DetectionTier         DetectionTier  `json:"detection_tier,omitempty"`
}
