package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/scanforge/scanforge-server/internal/apperr"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/notify"
	"github.com/scanforge/scanforge-server/internal/provider"
	"github.com/scanforge/scanforge-server/internal/security"
	"gorm.io/gorm"
)

func setupJobsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:jobs_%d?mode=memory&cache=shared&_busy_timeout=5000", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errDB := db.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	errMigrate := db.AutoMigrate(
		&models.User{},
		&models.TokenProfile{},
		&models.GenerationJob{},
	)
	if errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

func seedProfile(t *testing.T, db *gorm.DB, userID uint64, gen int64) {
	t.Helper()
	profile := models.TokenProfile{UserID: userID, GenTokens: gen, GeoTokens: 10}
	if errCreate := db.Create(&profile).Error; errCreate != nil {
		t.Fatalf("seed profile: %v", errCreate)
	}
}

func seedUser(t *testing.T, db *gorm.DB, userID uint64, email string) {
	t.Helper()
	user := models.User{ID: userID, Username: fmt.Sprintf("user%d", userID), Email: email, Tier: models.TierFree}
	if errCreate := db.Create(&user).Error; errCreate != nil {
		t.Fatalf("seed user: %v", errCreate)
	}
}

func genBalance(t *testing.T, db *gorm.DB, userID uint64) int64 {
	t.Helper()
	var profile models.TokenProfile
	if errFind := db.Where("user_id = ?", userID).First(&profile).Error; errFind != nil {
		t.Fatalf("load profile: %v", errFind)
	}
	return profile.GenTokens
}

type fakeMesh struct {
	result *provider.MeshResult
	err    error
	calls  int
}

func (f *fakeMesh) GenerateMesh(ctx context.Context, prompt, inputURL string) (*provider.MeshResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeQueue struct{}

func (f *fakeQueue) CreateTask(ctx context.Context, imageURL string) (string, error) {
	return "task-1", nil
}

func (f *fakeQueue) WaitForTask(ctx context.Context, taskID string) (*provider.MeshResult, error) {
	return &provider.MeshResult{OutputURL: "https://meshy.test/out.glb", Format: "glb"}, nil
}

type fakeCapture struct {
	session    *provider.CaptureSession
	status     *provider.CaptureStatus
	triggerErr error
	triggers   int
}

func (f *fakeCapture) CreateCapture(ctx context.Context, title, kind string, parts int) (*provider.CaptureSession, error) {
	return f.session, nil
}

func (f *fakeCapture) TriggerCapture(ctx context.Context, externalID string) error {
	f.triggers++
	return f.triggerErr
}

func (f *fakeCapture) GetCapture(ctx context.Context, externalID string) (*provider.CaptureStatus, error) {
	if f.status == nil {
		return nil, errors.New("no status")
	}
	return f.status, nil
}

type fakeStore struct {
	stored map[string]string
	err    error
}

func (f *fakeStore) StoreFromURL(ctx context.Context, key, srcURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[key] = srcURL
	return "assets/" + key, nil
}

func (f *fakeStore) ViewerURL(key string) string {
	return "https://cdn.test/" + key
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) MaybeNotify(ctx context.Context, user *models.User, msg notify.Message) error {
	f.events = append(f.events, msg.EventType)
	return nil
}

func newCaptureService(t *testing.T, db *gorm.DB, capture *fakeCapture, store *fakeStore, notifier *fakeNotifier) *Service {
	t.Helper()
	return NewService(Options{
		DB:       db,
		Ledger:   ledger.New(db),
		Luma:     capture,
		Store:    store,
		Notifier: notifier,
	})
}

func testIdentity(userID uint64) security.Identity {
	return security.Identity{UserID: userID, Username: "maker", Email: "maker@example.com", Tier: models.TierFree}
}

func testSession() *provider.CaptureSession {
	return &provider.CaptureSession{
		ExternalID: "cap-1",
		UploadURLs: []provider.PartUpload{{PartNumber: 1, URL: "https://up.test/p1"}},
	}
}

func TestInitUploadRejectsUnaffordable(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 1)
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})

	// 3 GiB photo set estimates above a balance of 1.
	_, errInit := svc.InitUpload(context.Background(), testIdentity(1), "big scan", "photo", 3<<30, 2)
	if apperr.KindOf(errInit) != apperr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", errInit)
	}

	var jobCount int64
	if errCount := db.Model(&models.GenerationJob{}).Count(&jobCount).Error; errCount != nil {
		t.Fatalf("count jobs: %v", errCount)
	}
	if jobCount != 0 {
		t.Fatalf("job created despite rejection")
	}
	if got := genBalance(t, db, 1); got != 1 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestInitUploadDoesNotDebit(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})

	session, errInit := svc.InitUpload(context.Background(), testIdentity(1), "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}
	if session.JobID == "" || session.ExternalID != "cap-1" || len(session.UploadURLs) != 1 {
		t.Fatalf("unexpected session: %+v", session)
	}
	if got := genBalance(t, db, 1); got != 50 {
		t.Fatalf("init debited balance to %d", got)
	}

	var job models.GenerationJob
	if errFind := db.Where("job_id = ?", session.JobID).First(&job).Error; errFind != nil {
		t.Fatalf("load job: %v", errFind)
	}
	if job.Status != models.JobStatusUploading || job.TokensCharged != 0 {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestFinalizeChargesExactlyOnce(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	capture := &fakeCapture{session: testSession()}
	svc := newCaptureService(t, db, capture, &fakeStore{}, &fakeNotifier{})
	ident := testIdentity(1)

	session, errInit := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}

	outcome, errFinalize := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID)
	if errFinalize != nil {
		t.Fatalf("Finalize: %v", errFinalize)
	}
	if outcome.Charged != session.EstimatedTokens {
		t.Fatalf("charged %d, want %d", outcome.Charged, session.EstimatedTokens)
	}
	wantBalance := int64(50) - session.EstimatedTokens
	if outcome.Remaining != wantBalance {
		t.Fatalf("remaining %d, want %d", outcome.Remaining, wantBalance)
	}

	// Replay: nothing else is charged.
	_, errReplay := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID)
	if apperr.KindOf(errReplay) != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition on replay, got %v", errReplay)
	}
	if got := genBalance(t, db, 1); got != wantBalance {
		t.Fatalf("replay changed balance to %d", got)
	}

	var job models.GenerationJob
	if errFind := db.Where("job_id = ?", session.JobID).First(&job).Error; errFind != nil {
		t.Fatalf("load job: %v", errFind)
	}
	if job.Status != models.JobStatusProcessing || job.TokensCharged != session.EstimatedTokens {
		t.Fatalf("unexpected job state: %+v", job)
	}
	if job.ProcessingStartedAt == nil {
		t.Fatal("processing_started_at not set")
	}
}

func TestFinalizeOwnershipAndExternalID(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	seedProfile(t, db, 2, 50)
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})

	session, errInit := svc.InitUpload(context.Background(), testIdentity(1), "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}

	_, errOther := svc.Finalize(context.Background(), testIdentity(2), session.JobID, session.ExternalID)
	if apperr.KindOf(errOther) != apperr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", errOther)
	}

	_, errMismatch := svc.Finalize(context.Background(), testIdentity(1), session.JobID, "cap-wrong")
	if apperr.KindOf(errMismatch) != apperr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", errMismatch)
	}

	if got := genBalance(t, db, 1); got != 50 {
		t.Fatalf("rejected finalize changed balance to %d", got)
	}
	if got := genBalance(t, db, 2); got != 50 {
		t.Fatalf("rejected finalize changed other balance to %d", got)
	}
}

func TestFinalizeTriggerFailureLeavesJobUploading(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	capture := &fakeCapture{session: testSession(), triggerErr: errors.New("upstream 503")}
	svc := newCaptureService(t, db, capture, &fakeStore{}, &fakeNotifier{})
	ident := testIdentity(1)

	session, errInit := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}

	_, errFinalize := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID)
	if apperr.KindOf(errFinalize) != apperr.Internal {
		t.Fatalf("expected Internal, got %v", errFinalize)
	}
	if got := genBalance(t, db, 1); got != 50 {
		t.Fatalf("failed trigger changed balance to %d", got)
	}

	// The job is still finalizable once the provider recovers.
	capture.triggerErr = nil
	if _, errRetry := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID); errRetry != nil {
		t.Fatalf("retry finalize: %v", errRetry)
	}
}

func TestCompleteFromCallbackIsIdempotent(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	seedUser(t, db, 1, "maker@example.com")
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, store, notifier)
	ident := testIdentity(1)

	session, _ := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	if _, errFinalize := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID); errFinalize != nil {
		t.Fatalf("Finalize: %v", errFinalize)
	}
	balanceAfterCharge := genBalance(t, db, 1)

	if errComplete := svc.CompleteFromCallback(context.Background(), "luma", "cap-1", "https://luma.test/out.ply"); errComplete != nil {
		t.Fatalf("CompleteFromCallback: %v", errComplete)
	}

	var job models.GenerationJob
	if errFind := db.Where("job_id = ?", session.JobID).First(&job).Error; errFind != nil {
		t.Fatalf("load job: %v", errFind)
	}
	if job.Status != models.JobStatusReady {
		t.Fatalf("status = %q", job.Status)
	}
	if job.StorageLocation == "" || job.ViewerURL == "" || job.CompletedAt == nil {
		t.Fatalf("completion fields missing: %+v", job)
	}

	// Redelivery: no state change, no extra charge, no extra mail.
	if errRedeliver := svc.CompleteFromCallback(context.Background(), "luma", "cap-1", "https://luma.test/out.ply"); errRedeliver != nil {
		t.Fatalf("redelivery: %v", errRedeliver)
	}
	if got := genBalance(t, db, 1); got != balanceAfterCharge {
		t.Fatalf("redelivery changed balance to %d", got)
	}
	if len(notifier.events) != 1 || notifier.events[0] != models.EventGenerationReady {
		t.Fatalf("notifications = %v", notifier.events)
	}
}

func TestCompleteBeforeFinalizeRejected(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})

	session, errInit := svc.InitUpload(context.Background(), testIdentity(1), "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}

	errComplete := svc.CompleteFromCallback(context.Background(), "luma", session.ExternalID, "https://luma.test/out.ply")
	if apperr.KindOf(errComplete) != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", errComplete)
	}
}

func TestFailFromCallbackKeepsCharge(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	seedUser(t, db, 1, "maker@example.com")
	notifier := &fakeNotifier{}
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, notifier)
	ident := testIdentity(1)

	session, _ := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	outcome, errFinalize := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID)
	if errFinalize != nil {
		t.Fatalf("Finalize: %v", errFinalize)
	}

	if errFail := svc.FailFromCallback(context.Background(), "luma", "cap-1", "reconstruction failed"); errFail != nil {
		t.Fatalf("FailFromCallback: %v", errFail)
	}

	var job models.GenerationJob
	if errFind := db.Where("job_id = ?", session.JobID).First(&job).Error; errFind != nil {
		t.Fatalf("load job: %v", errFind)
	}
	if job.Status != models.JobStatusError || job.ErrorMessage != "reconstruction failed" {
		t.Fatalf("unexpected job state: %+v", job)
	}

	// No refund: charged tokens stay spent.
	if got := genBalance(t, db, 1); got != outcome.Remaining {
		t.Fatalf("failure refunded balance to %d", got)
	}
	if len(notifier.events) != 1 || notifier.events[0] != models.EventGenerationError {
		t.Fatalf("notifications = %v", notifier.events)
	}
}

func TestUnknownExternalIDNotFound(t *testing.T) {
	db := setupJobsDB(t)
	svc := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})

	errComplete := svc.CompleteFromCallback(context.Background(), "luma", "cap-missing", "https://luma.test/out.ply")
	if apperr.KindOf(errComplete) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", errComplete)
	}
}

func TestCheckStatusManualFallbackCompletes(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	seedUser(t, db, 1, "maker@example.com")
	capture := &fakeCapture{session: testSession()}
	svc := newCaptureService(t, db, capture, &fakeStore{}, &fakeNotifier{})
	ident := testIdentity(1)

	session, _ := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	if _, errFinalize := svc.Finalize(context.Background(), ident, session.JobID, session.ExternalID); errFinalize != nil {
		t.Fatalf("Finalize: %v", errFinalize)
	}

	capture.status = &provider.CaptureStatus{
		ExternalID: "cap-1",
		Status:     provider.LumaStatusComplete,
		OutputURL:  "https://luma.test/out.ply",
	}
	job, errCheck := svc.CheckStatus(context.Background(), ident, session.JobID)
	if errCheck != nil {
		t.Fatalf("CheckStatus: %v", errCheck)
	}
	if job.Status != models.JobStatusReady {
		t.Fatalf("status = %q", job.Status)
	}
}

func TestGenerateSyncEndToEnd(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 1)
	mesh := &fakeMesh{result: &provider.MeshResult{OutputURL: "https://stab.test/mesh.glb", Format: "glb"}}
	notifier := &fakeNotifier{}
	svc := NewService(Options{
		DB:        db,
		Ledger:    ledger.New(db),
		Stability: mesh,
		Store:     &fakeStore{},
		Notifier:  notifier,
	})
	ident := testIdentity(1)

	outcome, errGen := svc.GenerateSync(context.Background(), ident, GenerateInput{Prompt: "a ceramic vase"})
	if errGen != nil {
		t.Fatalf("GenerateSync: %v", errGen)
	}
	if outcome.TokensCharged != ledger.CostStabilityJob || outcome.Remaining != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := genBalance(t, db, 1); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}

	// Balance hit zero: the exhaustion notice went out.
	if len(notifier.events) != 1 || notifier.events[0] != models.EventGenTokensExhausted {
		t.Fatalf("notifications = %v", notifier.events)
	}

	// Next submit is rejected before reaching the provider.
	callsBefore := mesh.calls
	_, errSecond := svc.GenerateSync(context.Background(), ident, GenerateInput{Prompt: "another vase"})
	if apperr.KindOf(errSecond) != apperr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", errSecond)
	}
	if mesh.calls != callsBefore {
		t.Fatal("provider called despite empty balance")
	}
}

func TestGenerateSyncNoChargeOnProviderFailure(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 5)
	mesh := &fakeMesh{err: errors.New("upstream timeout")}
	svc := NewService(Options{
		DB:        db,
		Ledger:    ledger.New(db),
		Stability: mesh,
		Store:     &fakeStore{},
	})

	_, errGen := svc.GenerateSync(context.Background(), testIdentity(1), GenerateInput{Prompt: "a vase"})
	if apperr.KindOf(errGen) != apperr.Internal {
		t.Fatalf("expected Internal, got %v", errGen)
	}
	if got := genBalance(t, db, 1); got != 5 {
		t.Fatalf("failed generation charged balance to %d", got)
	}
}

func TestGenerateSyncNoChargeOnStorageFailure(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 5)
	mesh := &fakeMesh{result: &provider.MeshResult{OutputURL: "https://stab.test/mesh.glb"}}
	svc := NewService(Options{
		DB:        db,
		Ledger:    ledger.New(db),
		Stability: mesh,
		Store:     &fakeStore{err: errors.New("bucket unavailable")},
	})

	_, errGen := svc.GenerateSync(context.Background(), testIdentity(1), GenerateInput{Prompt: "a vase"})
	if apperr.KindOf(errGen) != apperr.Internal {
		t.Fatalf("expected Internal, got %v", errGen)
	}
	if got := genBalance(t, db, 1); got != 5 {
		t.Fatalf("failed archive charged balance to %d", got)
	}
}

func TestUnlimitedIdentityBypassesMetering(t *testing.T) {
	db := setupJobsDB(t)
	mesh := &fakeMesh{result: &provider.MeshResult{OutputURL: "https://stab.test/mesh.glb"}}
	svc := NewService(Options{
		DB:         db,
		Ledger:     ledger.New(db),
		Stability:  mesh,
		Store:      &fakeStore{},
		ProDomains: []string{"studio.example"},
	})
	ident := security.Identity{UserID: 9, Email: "artist@studio.example", Tier: models.TierFree}

	outcome, errGen := svc.GenerateSync(context.Background(), ident, GenerateInput{Prompt: "a vase"})
	if errGen != nil {
		t.Fatalf("GenerateSync: %v", errGen)
	}
	if outcome.TokensCharged != 0 || outcome.Remaining != UnlimitedBalance {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	// No profile was ever created for the unmetered caller.
	var profiles int64
	if errCount := db.Model(&models.TokenProfile{}).Count(&profiles).Error; errCount != nil {
		t.Fatalf("count profiles: %v", errCount)
	}
	if profiles != 0 {
		t.Fatalf("profile created for unlimited caller")
	}
}

func TestGenerateProviderNotConfigured(t *testing.T) {
	db := setupJobsDB(t)
	svc := NewService(Options{DB: db, Ledger: ledger.New(db), Store: &fakeStore{}})

	_, errGen := svc.GenerateSync(context.Background(), testIdentity(1), GenerateInput{Prompt: "a vase"})
	if apperr.KindOf(errGen) != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", errGen)
	}
}

func TestListJobsFiltersByNameSubstring(t *testing.T) {
	db := setupJobsDB(t)
	svc := NewService(Options{DB: db, Ledger: ledger.New(db)})
	rows := []models.GenerationJob{
		{JobID: "job-1", UserID: 1, Provider: "luma", ExternalID: "cap-a", Name: "Kitchen Scan", Kind: "splat", Status: models.JobStatusReady},
		{JobID: "job-2", UserID: 1, Provider: "luma", ExternalID: "cap-b", Name: "Garden", Kind: "splat", Status: models.JobStatusReady},
		{JobID: "job-3", UserID: 2, Provider: "luma", ExternalID: "cap-c", Name: "kitchen table", Kind: "splat", Status: models.JobStatusReady},
	}
	for i := range rows {
		if errCreate := db.Create(&rows[i]).Error; errCreate != nil {
			t.Fatalf("seed job: %v", errCreate)
		}
	}

	got, errList := svc.ListJobs(context.Background(), testIdentity(1), 0, "KITCHEN")
	if errList != nil {
		t.Fatalf("ListJobs: %v", errList)
	}
	if len(got) != 1 || got[0].JobID != "job-1" {
		t.Fatalf("filtered jobs = %+v", got)
	}

	all, errAll := svc.ListJobs(context.Background(), testIdentity(1), 0, "")
	if errAll != nil {
		t.Fatalf("ListJobs unfiltered: %v", errAll)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered jobs = %d", len(all))
	}
}

func TestOperationsRejectMissingObjectStore(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	ident := testIdentity(1)
	mesh := &fakeMesh{result: &provider.MeshResult{OutputURL: "https://stability.test/out.glb", Format: "glb"}}
	svc := NewService(Options{
		DB:        db,
		Ledger:    ledger.New(db),
		Stability: mesh,
		Meshy:     &fakeQueue{},
		Luma:      &fakeCapture{session: testSession()},
	})

	if _, errSync := svc.GenerateSync(context.Background(), ident, GenerateInput{Prompt: "a vase"}); apperr.KindOf(errSync) != apperr.FailedPrecondition {
		t.Fatalf("GenerateSync: expected FailedPrecondition, got %v", errSync)
	}
	if mesh.calls != 0 {
		t.Fatalf("provider called %d times without storage", mesh.calls)
	}
	if _, errPoll := svc.GeneratePolled(context.Background(), ident, GenerateInput{InputRef: "https://img.test/in.png"}); apperr.KindOf(errPoll) != apperr.FailedPrecondition {
		t.Fatalf("GeneratePolled: expected FailedPrecondition, got %v", errPoll)
	}
	if _, errInit := svc.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1); apperr.KindOf(errInit) != apperr.FailedPrecondition {
		t.Fatalf("InitUpload: expected FailedPrecondition, got %v", errInit)
	}
	if got := genBalance(t, db, 1); got != 50 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestCompleteFromCallbackMissingObjectStore(t *testing.T) {
	db := setupJobsDB(t)
	seedProfile(t, db, 1, 50)
	withStore := newCaptureService(t, db, &fakeCapture{session: testSession()}, &fakeStore{}, &fakeNotifier{})
	ident := testIdentity(1)

	session, errInit := withStore.InitUpload(context.Background(), ident, "kitchen", "splat", 10<<20, 1)
	if errInit != nil {
		t.Fatalf("InitUpload: %v", errInit)
	}
	if _, errFinalize := withStore.Finalize(context.Background(), ident, session.JobID, session.ExternalID); errFinalize != nil {
		t.Fatalf("Finalize: %v", errFinalize)
	}

	// Same database, but storage dropped from the wiring. The callback
	// must error out and leave the job processing for a later retry.
	withoutStore := NewService(Options{DB: db, Ledger: ledger.New(db), Luma: &fakeCapture{}})
	errComplete := withoutStore.CompleteFromCallback(context.Background(), "luma", session.ExternalID, "https://luma.test/out.ply")
	if apperr.KindOf(errComplete) != apperr.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", errComplete)
	}

	var job models.GenerationJob
	if errFind := db.Where("job_id = ?", session.JobID).First(&job).Error; errFind != nil {
		t.Fatalf("load job: %v", errFind)
	}
	if job.Status != models.JobStatusProcessing {
		t.Fatalf("status = %q", job.Status)
	}
}
