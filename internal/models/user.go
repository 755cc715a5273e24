package models

import "time"

// Account tiers. The tier controls the default token allotment and whether
// the monthly refill applies. "pro" accounts bypass balance checks entirely.
const (
	TierFree = "free"
	TierPlus = "plus"
	TierPro  = "pro"
)

// User represents a platform account.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Login name.
	Email    string `gorm:"type:text;not null;index"`       // Contact email, also used for pro-domain checks.
	Password string `gorm:"type:text;not null"`             // bcrypt hash.

	Tier string `gorm:"type:text;not null;default:'free'"` // Account tier (free, plus, pro).

	Active   bool `gorm:"not null;default:true"`  // Whether the account is enabled.
	Disabled bool `gorm:"not null;default:false"` // Administrative lock-out flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
