package db

import (
	"fmt"

	"github.com/scanforge/scanforge-server/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all persisted models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.TokenProfile{},
		&models.GenerationJob{},
		&models.NotificationRecord{},
		&models.WebhookEvent{},
		&models.UsageRecord{},
		&models.APIKey{},
		&models.Setting{},
	)
}
