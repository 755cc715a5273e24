// Package access resolves API-key credentials to user accounts.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanforge/scanforge-server/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrInvalidKey indicates the key is unknown, inactive or revoked.
var ErrInvalidKey = errors.New("invalid api key")

// ErrKeyExpired indicates the key is past its expiry timestamp.
var ErrKeyExpired = errors.New("api key expired")

// ErrUserDisabled indicates the owning account is disabled.
var ErrUserDisabled = errors.New("user disabled")

// Authenticator validates API keys stored in the database.
type Authenticator struct {
	db *gorm.DB
}

func NewAuthenticator(db *gorm.DB) *Authenticator {
	return &Authenticator{db: db}
}

// AuthenticateKey resolves a raw API key to its owning user. Successful
// lookups touch the key's last_used_at as a side effect.
func (a *Authenticator) AuthenticateKey(ctx context.Context, key string) (*models.User, error) {
	if a == nil || a.db == nil {
		return nil, ErrInvalidKey
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	var row models.APIKey
	errFind := a.db.WithContext(ctx).
		Where("api_key = ? AND active = ? AND revoked_at IS NULL", key, true).
		First(&row).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, ErrInvalidKey
	default:
		return nil, fmt.Errorf("access: key lookup failed: %w", errFind)
	}

	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	var user models.User
	if errUser := a.db.WithContext(ctx).First(&user, row.UserID).Error; errUser != nil {
		if errors.Is(errUser, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("access: user lookup failed: %w", errUser)
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}

	now := time.Now().UTC()
	if errTouch := a.db.WithContext(ctx).Model(&row).
		UpdateColumn("last_used_at", now).Error; errTouch != nil {
		log.WithError(errTouch).Warnf("touch api key failed (key=%d)", row.ID)
	}

	return &user, nil
}
