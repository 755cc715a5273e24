package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanforge/scanforge-server/internal/apperr"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/notify"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CompleteFromCallback settles one processing job as ready: archive the
// output into permanent storage, then apply the guarded transition. Both
// the webhook path and the manual status poll land here; a redelivery for a
// terminal job is a no-op and never re-charges tokens.
func (s *Service) CompleteFromCallback(ctx context.Context, providerName, externalID, outputURL string) error {
	job, errLoad := s.loadJobByExternal(ctx, providerName, externalID)
	if errLoad != nil {
		return errLoad
	}
	if job.Terminal() {
		log.Infof("callback for settled job ignored (job=%s status=%s)", job.JobID, job.Status)
		return nil
	}
	if job.Status != models.JobStatusProcessing {
		return apperr.New(apperr.FailedPrecondition, "job has not been finalized")
	}
	if strings.TrimSpace(outputURL) == "" {
		return apperr.New(apperr.InvalidArgument, "output url is required")
	}
	if s.store == nil {
		// The job stays processing; the copy is retried once storage is
		// configured again.
		return apperr.New(apperr.FailedPrecondition, "object storage is not configured")
	}

	// Archive before the transition so a download failure leaves the job
	// processing; a later status poll retries the copy.
	key := captureOutputKey(job)
	location, errStore := s.store.StoreFromURL(ctx, key, outputURL)
	if errStore != nil {
		log.WithError(errStore).Warnf("archive capture output failed (job=%s)", job.JobID)
		return apperr.Wrap(apperr.Internal, "store output failed", errStore)
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("job_id = ? AND status = ?", job.JobID, models.JobStatusProcessing).
		Updates(map[string]any{
			"status":           models.JobStatusReady,
			"storage_location": location,
			"output_url":       outputURL,
			"viewer_url":       s.store.ViewerURL(key),
			"completed_at":     now,
		})
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "job transition failed", res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent delivery settled the job first.
		log.Infof("callback lost completion race (job=%s)", job.JobID)
		return nil
	}

	s.notifyJobSettled(ctx, job, notify.Message{
		EventType: models.EventGenerationReady,
		Subject:   fmt.Sprintf("%q is ready", job.Name),
		Body:      fmt.Sprintf("Your capture %q finished processing and is ready to view.", job.Name),
	})
	return nil
}

// FailFromCallback settles one processing job as failed. Charged tokens are
// not returned; there is no refund path.
func (s *Service) FailFromCallback(ctx context.Context, providerName, externalID, message string) error {
	job, errLoad := s.loadJobByExternal(ctx, providerName, externalID)
	if errLoad != nil {
		return errLoad
	}
	if job.Terminal() {
		log.Infof("failure callback for settled job ignored (job=%s status=%s)", job.JobID, job.Status)
		return nil
	}
	if job.Status != models.JobStatusProcessing {
		return apperr.New(apperr.FailedPrecondition, "job has not been finalized")
	}
	if strings.TrimSpace(message) == "" {
		message = "provider reported failure"
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("job_id = ? AND status = ?", job.JobID, models.JobStatusProcessing).
		Updates(map[string]any{
			"status":        models.JobStatusError,
			"error_message": message,
			"completed_at":  now,
		})
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "job transition failed", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Infof("failure callback lost completion race (job=%s)", job.JobID)
		return nil
	}

	s.notifyJobSettled(ctx, job, notify.Message{
		EventType: models.EventGenerationError,
		Subject:   fmt.Sprintf("%q failed to process", job.Name),
		Body:      fmt.Sprintf("Your capture %q could not be processed: %s", job.Name, message),
	})
	return nil
}

// notifyJobSettled mails the owning user about a terminal transition.
// Delivery failures never escalate past the dispatcher.
func (s *Service) notifyJobSettled(ctx context.Context, job *models.GenerationJob, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	var user models.User
	if errFind := s.db.WithContext(ctx).Where("id = ?", job.UserID).First(&user).Error; errFind != nil {
		log.WithError(errFind).Warnf("load job owner failed (job=%s user=%d)", job.JobID, job.UserID)
		return
	}
	_ = s.notifier.MaybeNotify(ctx, &user, msg)
}

func (s *Service) loadJobByExternal(ctx context.Context, providerName, externalID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	errFind := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", providerName, externalID).
		First(&job).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "job not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "query job failed", errFind)
	}
	return &job, nil
}

func captureOutputKey(job *models.GenerationJob) string {
	return fmt.Sprintf("captures/%s/%s.ply", job.Provider, job.JobID)
}
