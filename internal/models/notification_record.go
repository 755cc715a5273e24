package models

import "time"

// Notification event types dispatched to users.
const (
	EventGenerationReady    = "generation_ready"
	EventGenerationError    = "generation_error"
	EventGenTokensExhausted = "gen_tokens_exhausted"
)

// NotificationRecord stores the last-sent time per (user, event type). It
// exists purely to suppress duplicate sends inside a cooldown window.
type NotificationRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64 `gorm:"not null;uniqueIndex:idx_notifications_user_event,priority:1"`           // Target user ID.
	EventType string `gorm:"type:text;not null;uniqueIndex:idx_notifications_user_event,priority:2"` // Event type key.

	LastSentAt time.Time `gorm:"not null"` // Time of the last accepted send.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (NotificationRecord) TableName() string {
	return "notification_records"
}
