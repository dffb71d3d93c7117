package domain

import "time"

// WebhookStatus is the validation outcome of an inbound alert.
type WebhookStatus string

const (
	WebhookReceived WebhookStatus = "received"
	WebhookAccepted WebhookStatus = "accepted"
	WebhookRejected WebhookStatus = "rejected"
)

// WebhookLog is the immutable record of an inbound alert.
type WebhookLog struct {
	ID        string
	TenantID  string
	SourceIP  string
	Payload   string
	Status    WebhookStatus
	Symbol    string
	Action    OrderAction
	Quantity  int
	IntentID  string
	Error     string
	CreatedAt time.Time
}
