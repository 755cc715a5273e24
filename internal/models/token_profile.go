package models

import "time"

// TokenProfile stores the spendable token balances for one user.
//
// Balances never go negative: every debit is a conditional UPDATE that fails
// instead of clamping. The row is created lazily on first access with a
// tier-dependent allotment and is never deleted.
type TokenProfile struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"` // Owning user ID.

	GeoTokens int64 `gorm:"not null;default:0"` // Elevation/geodesy lookup tokens.
	GenTokens int64 `gorm:"not null;default:0"` // Generation job tokens.

	LastMonthlyRefill *string `gorm:"type:text"` // Year-month key of the last refill, e.g. "2026-08".

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (TokenProfile) TableName() string {
	return "token_profiles"
}
