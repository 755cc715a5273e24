// Package webhook serves the provider callback ingress. The handler
// authenticates and structurally validates the payload inside the request,
// answers immediately, then runs the state transition and the slow
// download/store work in the background so provider delivery timeouts never
// trigger duplicate work.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/apperr"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/provider"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxPayloadBytes bounds an inbound callback body.
const maxPayloadBytes = 1 << 20

// processTimeout bounds the asynchronous transition, including the output
// download.
const processTimeout = 15 * time.Minute

// Handler serves provider callbacks.
type Handler struct {
	db     *gorm.DB
	svc    *jobs.Service
	secret string
}

// NewHandler constructs a webhook handler. secret is the shared secret the
// provider signs or presents with each delivery; empty disables the check.
func NewHandler(db *gorm.DB, svc *jobs.Service, secret string) *Handler {
	return &Handler{db: db, svc: svc, secret: secret}
}

// Register mounts the callback routes.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/webhooks/luma", h.HandleLuma)
}

// lumaPayload is the callback shape luma delivers.
type lumaPayload struct {
	CaptureID string `json:"capture_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

// HandleLuma processes one luma capture callback.
func (h *Handler) HandleLuma(c *gin.Context) {
	raw, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	// Authentication comes before any state is touched.
	if !h.authenticate(c, raw) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload lumaPayload
	if errDecode := json.Unmarshal(raw, &payload); errDecode != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(payload.CaptureID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing capture id"})
		return
	}
	switch payload.Status {
	case provider.LumaStatusComplete, provider.LumaStatusFailed:
	default:
		h.recordEvent("luma", payload.CaptureID, payload.Status, raw, models.WebhookEventIgnored, "")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	// Answer inside the provider's delivery timeout; the transition and the
	// output download run on their own clock.
	c.JSON(http.StatusOK, gin.H{"ok": true})
	go h.process(payload, raw)
}

func (h *Handler) process(payload lumaPayload, raw []byte) {
	// The worker runs outside the gin request chain; a panic here would
	// take down the whole process.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("webhook processing panicked (provider=luma external=%s): %v", payload.CaptureID, r)
			h.recordEvent("luma", payload.CaptureID, payload.Status, raw, models.WebhookEventFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	var errProcess error
	if payload.Status == provider.LumaStatusComplete {
		errProcess = h.svc.CompleteFromCallback(ctx, "luma", payload.CaptureID, payload.OutputURL)
	} else {
		errProcess = h.svc.FailFromCallback(ctx, "luma", payload.CaptureID, payload.Error)
	}

	outcome := models.WebhookEventProcessed
	detail := ""
	if errProcess != nil {
		detail = errProcess.Error()
		if apperr.KindOf(errProcess) == apperr.NotFound {
			outcome = models.WebhookEventIgnored
		} else {
			outcome = models.WebhookEventFailed
		}
		log.WithError(errProcess).Warnf("webhook processing failed (provider=luma external=%s status=%s)", payload.CaptureID, payload.Status)
	}
	h.recordEvent("luma", payload.CaptureID, payload.Status, raw, outcome, detail)
}

// recordEvent appends one row to the webhook audit log. Logging failures are
// swallowed; the audit trail never blocks a delivery.
func (h *Handler) recordEvent(providerName, externalID, eventType string, raw []byte, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := models.WebhookEvent{
		Provider:   providerName,
		ExternalID: externalID,
		EventType:  eventType,
		Payload:    datatypes.JSON(raw),
		Status:     status,
		Error:      detail,
	}
	if errCreate := h.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("record webhook event failed")
	}
}

// authenticate verifies the delivery against the shared secret. Either a
// hex HMAC-SHA256 of the body in X-Luma-Signature or the raw secret in
// X-Webhook-Secret is accepted.
func (h *Handler) authenticate(c *gin.Context, body []byte) bool {
	if h.secret == "" {
		return true
	}

	if signature := strings.TrimSpace(c.GetHeader("X-Luma-Signature")); signature != "" {
		mac := hmac.New(sha256.New, []byte(h.secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
	}

	presented := strings.TrimSpace(c.GetHeader("X-Webhook-Secret"))
	return presented != "" && hmac.Equal([]byte(presented), []byte(h.secret))
}
