// Package usage persists per-attempt metering records for generation
// requests.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/provider"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder writes usage records.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *Recorder { return &Recorder{db: db} }

// Entry describes one generation attempt.
type Entry struct {
	UserID        uint64
	Provider      string
	Kind          string
	JobID         string
	TokensCharged int64
	RequestedAt   time.Time
	Err           error
}

// Record persists one entry. Recording is best-effort: a storage failure is
// logged and never surfaced, since metering must not fail the request that
// produced it.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.db == nil {
		return
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := models.UsageRecord{
		UserID:        entry.UserID,
		Provider:      entry.Provider,
		Kind:          entry.Kind,
		TokensCharged: entry.TokensCharged,
		Failed:        entry.Err != nil,
		ErrorDetail:   buildErrorDetail(entry.Err),
		RequestedAt:   normalizeTime(entry.RequestedAt),
	}
	if entry.JobID != "" {
		jobID := entry.JobID
		row.JobID = &jobID
	}

	if errCreate := r.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("usage recorder: failed to persist record")
	}
}

// buildErrorDetail encodes the failure as structured JSON. Provider request
// errors keep their upstream status code.
func buildErrorDetail(err error) datatypes.JSON {
	if err == nil {
		return nil
	}

	detail := map[string]any{"message": err.Error()}
	var reqErr *provider.RequestError
	if errors.As(err, &reqErr) {
		detail["provider"] = reqErr.Provider
		detail["status_code"] = reqErr.StatusCode()
	}

	encoded, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
