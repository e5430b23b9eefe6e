package contracts

// Queue names. Every background job in the system lands on one of these.
const (
	QueueWebhookProcessing = "webhook-processing"
	QueueAlertDispatch     = "alert-dispatch"
	QueueWebhookDelivery   = "webhook-delivery"
	QueueScheduledScans    = "scheduled-scans"
	QueueDataRetention     = "data-retention"
	QueueIngestionBackfill = "ingestion-backfill"
)

// AllQueues maps queue name to default worker concurrency.
var AllQueues = map[string]int{
	QueueWebhookProcessing: 10,
	QueueAlertDispatch:     5,
	QueueWebhookDelivery:   5,
	QueueScheduledScans:    2,
	QueueDataRetention:     1,
	QueueIngestionBackfill: 2,
}
