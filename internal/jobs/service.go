// Package jobs orchestrates generation requests: balance checks, provider
// calls, token debits, job state transitions and completion notifications.
package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scanforge/scanforge-server/internal/apperr"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/notify"
	"github.com/scanforge/scanforge-server/internal/provider"
	"github.com/scanforge/scanforge-server/internal/security"
	"github.com/scanforge/scanforge-server/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MeshGenerator is the synchronous text-to-mesh provider.
type MeshGenerator interface {
	GenerateMesh(ctx context.Context, prompt, inputURL string) (*provider.MeshResult, error)
}

// QueueGenerator is the submit-then-poll image-to-3D provider.
type QueueGenerator interface {
	CreateTask(ctx context.Context, imageURL string) (string, error)
	WaitForTask(ctx context.Context, taskID string) (*provider.MeshResult, error)
}

// CaptureProvider is the webhook-driven multipart-upload provider.
type CaptureProvider interface {
	CreateCapture(ctx context.Context, title, kind string, parts int) (*provider.CaptureSession, error)
	TriggerCapture(ctx context.Context, externalID string) error
	GetCapture(ctx context.Context, externalID string) (*provider.CaptureStatus, error)
}

// ObjectStore archives provider output into permanent storage.
type ObjectStore interface {
	StoreFromURL(ctx context.Context, key, srcURL string) (string, error)
	ViewerURL(key string) string
}

// InputStager uploads inline client input to temporary storage so a
// provider can fetch it by URL.
type InputStager interface {
	StageTemp(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, func(), error)
}

// Notifier dispatches user notifications subject to the cooldown window.
type Notifier interface {
	MaybeNotify(ctx context.Context, user *models.User, msg notify.Message) error
}

// UnlimitedBalance is the remaining-balance sentinel reported for callers
// who bypass metering.
const UnlimitedBalance = int64(-1)

// Service is the orchestrator entry point.
type Service struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	stability  MeshGenerator
	meshy      QueueGenerator
	luma       CaptureProvider
	store      ObjectStore
	stager     InputStager
	notifier   Notifier
	recorder   *usage.Recorder
	proDomains []string
}

// Options wires the service dependencies. Provider fields left nil mark
// that provider unconfigured; requests for it fail with FailedPrecondition.
type Options struct {
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Stability  MeshGenerator
	Meshy      QueueGenerator
	Luma       CaptureProvider
	Store      ObjectStore
	Stager     InputStager
	Notifier   Notifier
	Recorder   *usage.Recorder
	ProDomains []string
}

// NewService constructs the orchestrator.
func NewService(opts Options) *Service {
	return &Service{
		db:         opts.DB,
		ledger:     opts.Ledger,
		stability:  opts.Stability,
		meshy:      opts.Meshy,
		luma:       opts.Luma,
		store:      opts.Store,
		stager:     opts.Stager,
		notifier:   opts.Notifier,
		recorder:   opts.Recorder,
		proDomains: opts.ProDomains,
	}
}

// GenerateInput is one generation request. Exactly one of InputRef and
// Inline may be set; both absent is fine for prompt-only providers.
type GenerateInput struct {
	Prompt      string
	InputRef    string
	Inline      io.Reader
	InlineName  string
	InlineSize  int64
	ContentType string
}

// GenerateOutcome is one finished inline generation.
type GenerateOutcome struct {
	Provider      string
	StorageKey    string
	ViewerURL     string
	TokensCharged int64
	Remaining     int64
}

// GenerateSync runs one synchronous text-to-mesh generation. The debit is
// applied only after the provider call and the archive copy both succeed, so
// a provider failure or timeout never charges the user.
func (s *Service) GenerateSync(ctx context.Context, ident security.Identity, in GenerateInput) (*GenerateOutcome, error) {
	if s.stability == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "stability provider is not configured")
	}
	if s.store == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "object storage is not configured")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, apperr.New(apperr.InvalidArgument, "prompt is required")
	}

	unlimited := ident.Unlimited(s.proDomains)
	if errCheck := s.ensureAffordable(ctx, ident, ledger.CostStabilityJob, unlimited); errCheck != nil {
		return nil, errCheck
	}

	inputURL := strings.TrimSpace(in.InputRef)
	var cleanup func()
	if in.Inline != nil {
		if s.stager == nil {
			return nil, apperr.New(apperr.FailedPrecondition, "object storage is not configured")
		}
		staged, stagedCleanup, errStage := s.stager.StageTemp(ctx, in.InlineName, in.Inline, in.InlineSize, in.ContentType)
		if errStage != nil {
			return nil, apperr.Wrap(apperr.Internal, "stage input failed", errStage)
		}
		inputURL = staged
		cleanup = stagedCleanup
	}

	requestedAt := time.Now().UTC()
	result, errGen := s.stability.GenerateMesh(ctx, in.Prompt, inputURL)
	if errGen != nil {
		s.recordAttempt(ctx, ident, "stability", "", 0, requestedAt, errGen)
		log.WithError(errGen).Warnf("generation failed (provider=stability user=%d)", ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "generation failed", errGen)
	}
	if cleanup != nil {
		cleanup()
	}

	return s.settleGeneration(ctx, ident, "stability", ledger.CostStabilityJob, unlimited, requestedAt, result)
}

// GeneratePolled runs one queued image-to-3D generation, polling the task
// to a terminal state inside the request. Debit timing matches GenerateSync.
func (s *Service) GeneratePolled(ctx context.Context, ident security.Identity, in GenerateInput) (*GenerateOutcome, error) {
	if s.meshy == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "meshy provider is not configured")
	}
	if s.store == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "object storage is not configured")
	}

	unlimited := ident.Unlimited(s.proDomains)
	if errCheck := s.ensureAffordable(ctx, ident, ledger.CostMeshyJob, unlimited); errCheck != nil {
		return nil, errCheck
	}

	imageURL := strings.TrimSpace(in.InputRef)
	var cleanup func()
	if in.Inline != nil {
		if s.stager == nil {
			return nil, apperr.New(apperr.FailedPrecondition, "object storage is not configured")
		}
		staged, stagedCleanup, errStage := s.stager.StageTemp(ctx, in.InlineName, in.Inline, in.InlineSize, in.ContentType)
		if errStage != nil {
			return nil, apperr.Wrap(apperr.Internal, "stage input failed", errStage)
		}
		imageURL = staged
		cleanup = stagedCleanup
	}
	if imageURL == "" {
		return nil, apperr.New(apperr.InvalidArgument, "input image is required")
	}

	requestedAt := time.Now().UTC()
	taskID, errCreate := s.meshy.CreateTask(ctx, imageURL)
	if errCreate != nil {
		s.recordAttempt(ctx, ident, "meshy", "", 0, requestedAt, errCreate)
		log.WithError(errCreate).Warnf("task submit failed (provider=meshy user=%d)", ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "generation failed", errCreate)
	}

	result, errWait := s.meshy.WaitForTask(ctx, taskID)
	if errWait != nil {
		s.recordAttempt(ctx, ident, "meshy", "", 0, requestedAt, errWait)
		log.WithError(errWait).Warnf("task did not settle (provider=meshy task=%s user=%d)", taskID, ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "generation failed", errWait)
	}
	if cleanup != nil {
		cleanup()
	}

	return s.settleGeneration(ctx, ident, "meshy", ledger.CostMeshyJob, unlimited, requestedAt, result)
}

// ensureAffordable lazily creates the token profile and rejects requests the
// balance cannot cover. Unlimited callers skip the check entirely.
func (s *Service) ensureAffordable(ctx context.Context, ident security.Identity, cost int64, unlimited bool) error {
	if unlimited {
		return nil
	}
	if _, errProfile := s.ledger.GetOrCreate(ctx, ident.UserID, ident.Tier); errProfile != nil {
		return errProfile
	}
	affordable, errAfford := s.ledger.CanAfford(ctx, ident.UserID, cost, ledger.KindGen)
	if errAfford != nil {
		return errAfford
	}
	if !affordable {
		return apperr.New(apperr.ResourceExhausted, "insufficient gen tokens")
	}
	return nil
}

// settleGeneration archives the output, applies the debit and emits the
// exhaustion notification when the balance just hit zero. The archive copy
// runs before the debit so a storage failure charges nothing.
func (s *Service) settleGeneration(ctx context.Context, ident security.Identity, providerName string, cost int64, unlimited bool, requestedAt time.Time, result *provider.MeshResult) (*GenerateOutcome, error) {
	key := outputKey(providerName, result.Format)
	if _, errStore := s.store.StoreFromURL(ctx, key, result.OutputURL); errStore != nil {
		s.recordAttempt(ctx, ident, providerName, "", 0, requestedAt, errStore)
		log.WithError(errStore).Warnf("archive output failed (provider=%s user=%d)", providerName, ident.UserID)
		return nil, apperr.Wrap(apperr.Internal, "store output failed", errStore)
	}

	charged := int64(0)
	remaining := UnlimitedBalance
	if !unlimited {
		var errDebit error
		remaining, errDebit = s.ledger.Debit(ctx, ident.UserID, cost, ledger.KindGen)
		if errDebit != nil {
			s.recordAttempt(ctx, ident, providerName, "", 0, requestedAt, errDebit)
			return nil, errDebit
		}
		charged = cost
	}

	s.recordAttempt(ctx, ident, providerName, "", charged, requestedAt, nil)
	if remaining == 0 {
		s.notifyExhausted(ctx, ident)
	}

	return &GenerateOutcome{
		Provider:      providerName,
		StorageKey:    key,
		ViewerURL:     s.store.ViewerURL(key),
		TokensCharged: charged,
		Remaining:     remaining,
	}, nil
}

// notifyExhausted tells the user their generation balance just ran out.
// Failures never escalate; the dispatcher already logs them.
func (s *Service) notifyExhausted(ctx context.Context, ident security.Identity) {
	if s.notifier == nil {
		return
	}
	user := &models.User{ID: ident.UserID, Email: ident.Email}
	_ = s.notifier.MaybeNotify(ctx, user, notify.Message{
		EventType: models.EventGenTokensExhausted,
		Subject:   "You are out of generation tokens",
		Body:      "Your generation token balance reached zero. Upgrade your plan or wait for the monthly refill to keep generating.",
	})
}

func (s *Service) recordAttempt(ctx context.Context, ident security.Identity, providerName, jobID string, charged int64, requestedAt time.Time, errAttempt error) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, usage.Entry{
		UserID:        ident.UserID,
		Provider:      providerName,
		Kind:          ledger.KindGen,
		JobID:         jobID,
		TokensCharged: charged,
		RequestedAt:   requestedAt,
		Err:           errAttempt,
	})
}

// outputKey builds the permanent storage key for one generated asset.
func outputKey(providerName, format string) string {
	ext := strings.ToLower(strings.TrimSpace(format))
	if ext == "" {
		ext = "glb"
	}
	return fmt.Sprintf("generated/%s/%s.%s", providerName, uuid.NewString(), ext)
}
