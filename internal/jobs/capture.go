package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scanforge/scanforge-server/internal/apperr"
	dbutil "github.com/scanforge/scanforge-server/internal/db"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/provider"
	"github.com/scanforge/scanforge-server/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// captureProviderName keys luma jobs in the store and the webhook route.
const captureProviderName = "luma"

// UploadSession is one initialized capture, ready for client-side part
// uploads.
type UploadSession struct {
	JobID           string
	ExternalID      string
	UploadURLs      []provider.PartUpload
	EstimatedTokens int64
}

// FinalizeOutcome reports the charge applied at the uploading->processing
// transition.
type FinalizeOutcome struct {
	Charged   int64
	Remaining int64
}

// InitUpload creates one capture job: estimate the cost, check
// affordability, allocate the provider upload session and persist the job
// in the uploading state. Nothing is debited yet.
func (s *Service) InitUpload(ctx context.Context, ident security.Identity, name, kind string, sizeBytes int64, parts int) (*UploadSession, error) {
	if s.luma == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "luma provider is not configured")
	}
	if s.store == nil {
		// Completion has to archive the output, so refuse the upload up
		// front rather than stranding a charged job later.
		return nil, apperr.New(apperr.FailedPrecondition, "object storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "name is required")
	}
	if sizeBytes <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "size_bytes must be positive")
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = "photo"
	}
	if parts <= 0 {
		parts = 1
	}

	estimate := ledger.EstimateCaptureTokens(kind, sizeBytes)
	unlimited := ident.Unlimited(s.proDomains)
	if errCheck := s.ensureAffordable(ctx, ident, estimate, unlimited); errCheck != nil {
		return nil, errCheck
	}

	session, errCreate := s.luma.CreateCapture(ctx, name, kind, parts)
	if errCreate != nil {
		log.WithError(errCreate).Warnf("capture allocation failed (user=%d)", ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "capture allocation failed", errCreate)
	}

	job := models.GenerationJob{
		JobID:           uuid.NewString(),
		UserID:          ident.UserID,
		Provider:        captureProviderName,
		ExternalID:      session.ExternalID,
		Name:            name,
		Kind:            kind,
		SizeBytes:       sizeBytes,
		Status:          models.JobStatusUploading,
		EstimatedTokens: estimate,
	}
	if errPersist := s.db.WithContext(ctx).Create(&job).Error; errPersist != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist job failed", errPersist)
	}

	return &UploadSession{
		JobID:           job.JobID,
		ExternalID:      job.ExternalID,
		UploadURLs:      session.UploadURLs,
		EstimatedTokens: estimate,
	}, nil
}

// Finalize moves one job from uploading to processing: tell the provider
// the upload is complete, then apply the debit and the status write in one
// transaction. Replaying finalize charges nothing; the second call fails
// with FailedPrecondition and the balance is untouched.
func (s *Service) Finalize(ctx context.Context, ident security.Identity, jobID, externalID string) (*FinalizeOutcome, error) {
	job, errLoad := s.loadJob(ctx, jobID)
	if errLoad != nil {
		return nil, errLoad
	}
	if job.UserID != ident.UserID {
		return nil, apperr.New(apperr.PermissionDenied, "job belongs to another user")
	}
	if externalID != "" && externalID != job.ExternalID {
		return nil, apperr.New(apperr.InvalidArgument, "external id does not match job")
	}
	if job.Status != models.JobStatusUploading {
		return nil, apperr.New(apperr.FailedPrecondition, "job is already finalized")
	}

	if errTrigger := s.luma.TriggerCapture(ctx, job.ExternalID); errTrigger != nil {
		log.WithError(errTrigger).Warnf("capture trigger failed (job=%s user=%d)", jobID, ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "capture trigger failed", errTrigger)
	}

	unlimited := ident.Unlimited(s.proDomains)
	charged := job.EstimatedTokens
	if unlimited {
		charged = 0
	}

	now := time.Now().UTC()
	remaining := UnlimitedBalance
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The status guard makes a concurrent finalize lose cleanly: its
		// transaction sees zero affected rows and rolls its debit back.
		res := tx.Model(&models.GenerationJob{}).
			Where("job_id = ? AND status = ?", jobID, models.JobStatusUploading).
			Updates(map[string]any{
				"status":                models.JobStatusProcessing,
				"tokens_charged":        charged,
				"processing_started_at": now,
			})
		if res.Error != nil {
			return apperr.Wrap(apperr.Internal, "job transition failed", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.FailedPrecondition, "job is already finalized")
		}
		if !unlimited {
			var errDebit error
			remaining, errDebit = s.ledger.DebitTx(tx, ident.UserID, charged, ledger.KindGen)
			if errDebit != nil {
				return errDebit
			}
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	s.recordAttempt(ctx, ident, captureProviderName, jobID, charged, now, nil)
	if remaining == 0 {
		s.notifyExhausted(ctx, ident)
	}
	return &FinalizeOutcome{Charged: charged, Remaining: remaining}, nil
}

// CheckStatus returns the job, first trying to settle a processing job from
// provider metadata. The manual path converges on the same transition
// helpers as the webhook, so a webhook racing this call stays idempotent.
func (s *Service) CheckStatus(ctx context.Context, ident security.Identity, jobID string) (*models.GenerationJob, error) {
	job, errLoad := s.loadJob(ctx, jobID)
	if errLoad != nil {
		return nil, errLoad
	}
	if job.UserID != ident.UserID {
		return nil, apperr.New(apperr.PermissionDenied, "job belongs to another user")
	}
	if job.Status != models.JobStatusProcessing || s.luma == nil {
		return job, nil
	}

	status, errPoll := s.luma.GetCapture(ctx, job.ExternalID)
	if errPoll != nil {
		// The fallback poll is opportunistic; report the stored state.
		log.WithError(errPoll).Warnf("capture status poll failed (job=%s)", jobID)
		return job, nil
	}

	switch status.Status {
	case provider.LumaStatusComplete:
		if errComplete := s.CompleteFromCallback(ctx, captureProviderName, job.ExternalID, status.OutputURL); errComplete != nil {
			log.WithError(errComplete).Warnf("manual completion failed (job=%s)", jobID)
			return job, nil
		}
	case provider.LumaStatusFailed:
		message := status.Error
		if message == "" {
			message = "provider reported failure"
		}
		if errFail := s.FailFromCallback(ctx, captureProviderName, job.ExternalID, message); errFail != nil {
			log.WithError(errFail).Warnf("manual failure transition failed (job=%s)", jobID)
			return job, nil
		}
	default:
		return job, nil
	}
	return s.loadJob(ctx, jobID)
}

// GetJob returns one job owned by the caller.
func (s *Service) GetJob(ctx context.Context, ident security.Identity, jobID string) (*models.GenerationJob, error) {
	job, errLoad := s.loadJob(ctx, jobID)
	if errLoad != nil {
		return nil, errLoad
	}
	if job.UserID != ident.UserID {
		return nil, apperr.New(apperr.PermissionDenied, "job belongs to another user")
	}
	return job, nil
}

// ListJobs returns the caller's jobs, newest first, optionally filtered by
// a case-insensitive name substring.
func (s *Service) ListJobs(ctx context.Context, ident security.Identity, limit int, query string) ([]models.GenerationJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	scope := s.db.WithContext(ctx).Where("user_id = ?", ident.UserID)
	if query = strings.TrimSpace(query); query != "" {
		pattern := dbutil.NormalizeLikePattern(s.db, "%"+query+"%")
		scope = scope.Where(dbutil.CaseInsensitiveLikeExpr(s.db, "name"), pattern)
	}
	var out []models.GenerationJob
	errFind := scope.
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if errFind != nil {
		return nil, apperr.Wrap(apperr.Internal, "list jobs failed", errFind)
	}
	return out, nil
}

func (s *Service) loadJob(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	errFind := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "job not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "query job failed", errFind)
	}
	return &job, nil
}
