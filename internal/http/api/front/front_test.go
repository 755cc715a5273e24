package front

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/scanforge/scanforge-server/internal/config"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/provider"
	"gorm.io/gorm"
)

func setupFrontDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:front_%d?mode=memory&cache=shared&_busy_timeout=5000", time.Now().UnixNano())
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
		&models.APIKey{},
	)
	if errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

type stubMesh struct{}

func (stubMesh) GenerateMesh(ctx context.Context, prompt, inputURL string) (*provider.MeshResult, error) {
	return &provider.MeshResult{OutputURL: "https://stab.test/mesh.glb", Format: "glb"}, nil
}

type stubCapture struct{}

func (stubCapture) CreateCapture(ctx context.Context, title, kind string, parts int) (*provider.CaptureSession, error) {
	return &provider.CaptureSession{
		ExternalID: "cap-front",
		UploadURLs: []provider.PartUpload{{PartNumber: 1, URL: "https://up.test/p1"}},
	}, nil
}

func (stubCapture) TriggerCapture(ctx context.Context, externalID string) error { return nil }

func (stubCapture) GetCapture(ctx context.Context, externalID string) (*provider.CaptureStatus, error) {
	return &provider.CaptureStatus{ExternalID: externalID, Status: provider.LumaStatusRunning}, nil
}

type stubStore struct{}

func (stubStore) StoreFromURL(ctx context.Context, key, srcURL string) (string, error) {
	return "assets/" + key, nil
}

func (stubStore) ViewerURL(key string) string { return "https://cdn.test/" + key }

func newFrontEngine(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.JWT.Secret = "front-test-secret"

	l := ledger.New(db)
	svc := jobs.NewService(jobs.Options{
		DB:        db,
		Ledger:    l,
		Stability: stubMesh{},
		Luma:      stubCapture{},
		Store:     stubStore{},
	})

	r := gin.New()
	RegisterFrontRoutes(r, Deps{DB: db, Config: cfg, Service: svc, Ledger: l})
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if errEncode := json.NewEncoder(&body).Encode(payload); errEncode != nil {
			t.Fatalf("encode payload: %v", errEncode)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, r *gin.Engine) string {
	t.Helper()
	if w := doJSON(t, r, http.MethodPost, "/v0/front/register", "", gin.H{
		"username": "maker",
		"email":    "maker@example.com",
		"password": "hunter22",
	}); w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}

	w := doJSON(t, r, http.MethodPost, "/v0/front/login", "", gin.H{
		"username": "maker",
		"password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode login response: %v", errDecode)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	return resp.Token
}

func TestRegisterLoginAndBalance(t *testing.T) {
	db := setupFrontDB(t)
	r := newFrontEngine(t, db)
	token := registerAndLogin(t, r)

	w := doJSON(t, r, http.MethodGet, "/v0/front/balance", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		GenTokens int64 `json:"gen_tokens"`
		GeoTokens int64 `json:"geo_tokens"`
		Unlimited bool  `json:"unlimited"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode balance: %v", errDecode)
	}
	if resp.Unlimited || resp.GenTokens != 100 || resp.GeoTokens != 25 {
		t.Fatalf("unexpected balance: %+v", resp)
	}
}

func TestBalanceRequiresAuth(t *testing.T) {
	db := setupFrontDB(t)
	r := newFrontEngine(t, db)

	if w := doJSON(t, r, http.MethodGet, "/v0/front/balance", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated balance: status %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/v0/front/balance", "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", w.Code)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	db := setupFrontDB(t)
	r := newFrontEngine(t, db)
	token := registerAndLogin(t, r)

	w := doJSON(t, r, http.MethodPost, "/v0/front/generate", token, gin.H{
		"provider": "stability",
		"prompt":   "a ceramic vase",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		TokensCharged int64  `json:"tokens_charged"`
		Remaining     int64  `json:"remaining"`
		ViewerURL     string `json:"viewer_url"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode generate: %v", errDecode)
	}
	if resp.TokensCharged != ledger.CostStabilityJob || resp.ViewerURL == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Remaining != 100-ledger.CostStabilityJob {
		t.Fatalf("remaining = %d", resp.Remaining)
	}

	if w := doJSON(t, r, http.MethodPost, "/v0/front/generate", token, gin.H{
		"provider": "nonesuch",
		"prompt":   "x",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider: status %d", w.Code)
	}
}

func TestCaptureFlowOverHTTP(t *testing.T) {
	db := setupFrontDB(t)
	r := newFrontEngine(t, db)
	token := registerAndLogin(t, r)

	w := doJSON(t, r, http.MethodPost, "/v0/front/captures", token, gin.H{
		"name":       "kitchen",
		"kind":       "splat",
		"size_bytes": 10 << 20,
		"parts":      1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("init: status %d body %s", w.Code, w.Body.String())
	}
	var initResp struct {
		JobID           string `json:"job_id"`
		ExternalID      string `json:"external_id"`
		EstimatedTokens int64  `json:"estimated_tokens"`
		UploadURLs      []struct {
			URL string `json:"url"`
		} `json:"upload_urls"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &initResp); errDecode != nil {
		t.Fatalf("decode init: %v", errDecode)
	}
	if initResp.JobID == "" || len(initResp.UploadURLs) != 1 {
		t.Fatalf("unexpected init response: %+v", initResp)
	}

	finalizePath := "/v0/front/captures/" + initResp.JobID + "/finalize"
	w = doJSON(t, r, http.MethodPost, finalizePath, token, gin.H{
		"external_id": initResp.ExternalID,
		"parts":       []int{1},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: status %d body %s", w.Code, w.Body.String())
	}
	var finResp struct {
		Charged   int64 `json:"charged"`
		Remaining int64 `json:"remaining"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &finResp); errDecode != nil {
		t.Fatalf("decode finalize: %v", errDecode)
	}
	if finResp.Charged != initResp.EstimatedTokens {
		t.Fatalf("charged = %d, want %d", finResp.Charged, initResp.EstimatedTokens)
	}

	// Replay is rejected and no further tokens move.
	w = doJSON(t, r, http.MethodPost, finalizePath, token, gin.H{
		"external_id": initResp.ExternalID,
		"parts":       []int{1},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("finalize replay: status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/v0/front/captures/"+initResp.JobID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: status %d body %s", w.Code, w.Body.String())
	}
	var statusResp struct {
		Status string `json:"status"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &statusResp); errDecode != nil {
		t.Fatalf("decode status: %v", errDecode)
	}
	if statusResp.Status != models.JobStatusProcessing {
		t.Fatalf("status = %q", statusResp.Status)
	}

	w = doJSON(t, r, http.MethodGet, "/v0/front/jobs", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("jobs list: status %d body %s", w.Code, w.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	db := setupFrontDB(t)
	r := newFrontEngine(t, db)
	token := registerAndLogin(t, r)

	w := doJSON(t, r, http.MethodPost, "/v0/front/api-keys", token, gin.H{"name": "ci"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create key: status %d body %s", w.Code, w.Body.String())
	}
	var keyResp struct {
		Key string `json:"key"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &keyResp); errDecode != nil {
		t.Fatalf("decode key: %v", errDecode)
	}

	req := httptest.NewRequest(http.MethodGet, "/v0/front/balance", nil)
	req.Header.Set("X-Api-Key", keyResp.Key)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("api key balance: status %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/front/balance", nil)
	req.Header.Set("X-Api-Key", "sfk_bogus")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus api key: status %d", rec.Code)
	}
}
