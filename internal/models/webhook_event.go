package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook event processing outcomes.
const (
	WebhookEventProcessed = "processed"
	WebhookEventIgnored   = "ignored"
	WebhookEventFailed    = "failed"
)

// WebhookEvent records one authenticated inbound provider callback. The log
// doubles as a redelivery audit trail; redelivered events for terminal jobs
// are recorded as ignored.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider   string `gorm:"type:text;not null;index"` // Sending provider.
	ExternalID string `gorm:"type:text;not null;index"` // Provider job handle from the payload.
	EventType  string `gorm:"type:text;not null"`       // Provider-reported event type.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw callback payload.

	Status string `gorm:"type:text;not null;default:'processed'"` // Processing outcome.
	Error  string `gorm:"type:text"`                              // Processing error, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Receipt timestamp.
}

// TableName overrides the default table name.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
