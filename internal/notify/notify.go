// Package notify dispatches user-facing email notifications with a
// per-event cooldown so a flapping job or drained balance cannot spam a
// mailbox.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanforge/scanforge-server/internal/db"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Mailer delivers one message. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(to, subject, body string) error
}

// Dispatcher sends notifications subject to the cooldown window.
type Dispatcher struct {
	db     *gorm.DB
	mailer Mailer
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(database *gorm.DB, mailer Mailer) *Dispatcher {
	return &Dispatcher{db: database, mailer: mailer}
}

// Message is one notification to deliver.
type Message struct {
	EventType string
	Subject   string
	Body      string
}

// MaybeNotify sends msg to the user unless the same event type was sent to
// them inside the cooldown window. The send slot is reserved before the
// mailer runs, so a crash mid-send drops the mail rather than repeating it.
func (d *Dispatcher) MaybeNotify(ctx context.Context, user *models.User, msg Message) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("notify: dispatcher is not initialized")
	}
	if user == nil || user.Email == "" {
		return nil
	}

	cooldown := time.Duration(settings.IntValue(settings.NotificationCooldownHoursKey, settings.DefaultNotificationCooldownHours)) * time.Hour
	now := time.Now().UTC()

	reserved := false
	errTx := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.NotificationRecord
		errFind := db.ForUpdate(tx).Where("user_id = ? AND event_type = ?", user.ID, msg.EventType).First(&record).Error
		switch {
		case errFind == nil:
			if now.Sub(record.LastSentAt) < cooldown {
				return nil
			}
			record.LastSentAt = now
			if errSave := tx.Save(&record).Error; errSave != nil {
				return errSave
			}
		case errors.Is(errFind, gorm.ErrRecordNotFound):
			record = models.NotificationRecord{UserID: user.ID, EventType: msg.EventType, LastSentAt: now}
			if errCreate := tx.Create(&record).Error; errCreate != nil {
				return errCreate
			}
		default:
			return errFind
		}
		reserved = true
		return nil
	})
	if errTx != nil {
		return fmt.Errorf("notify: reserve send slot: %w", errTx)
	}
	if !reserved {
		log.Debugf("notify: suppressed %s for user %d (cooldown)", msg.EventType, user.ID)
		return nil
	}

	if errSend := d.mailer.Send(user.Email, msg.Subject, msg.Body); errSend != nil {
		log.WithError(errSend).Warnf("notify: send %s to user %d failed", msg.EventType, user.ID)
		return fmt.Errorf("notify: send: %w", errSend)
	}
	return nil
}
