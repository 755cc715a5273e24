package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageRecord stores metering data for a single generation attempt.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID   uint64 `gorm:"not null;index"`           // Requesting user ID.
	Provider string `gorm:"type:text;not null;index"` // Provider name.
	Kind     string `gorm:"type:text;not null"`       // Token kind spent (gen, geo).

	JobID *string `gorm:"type:text;index"` // Related job ID for webhook-upload jobs.

	TokensCharged int64 `gorm:"not null;default:0"` // Tokens debited for this attempt.

	Failed      bool           `gorm:"not null;default:false"` // Failure flag.
	ErrorDetail datatypes.JSON `gorm:"type:jsonb"`             // Structured error detail JSON.

	RequestedAt time.Time `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (UsageRecord) TableName() string {
	return "usage_records"
}
