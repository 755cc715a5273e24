package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/ratelimit"
)

// CaptureHandler serves the webhook-upload capture flow.
type CaptureHandler struct {
	svc     *jobs.Service
	limiter *ratelimit.Limiter
}

// NewCaptureHandler constructs a CaptureHandler.
func NewCaptureHandler(svc *jobs.Service, limiter *ratelimit.Limiter) *CaptureHandler {
	return &CaptureHandler{svc: svc, limiter: limiter}
}

// initRequest defines the request body for capture initialization.
type initRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	SizeBytes int64  `json:"size_bytes"`
	Parts     int    `json:"parts"`
}

// Init estimates the cost, checks affordability and opens the provider
// upload session. Every presigned part URL comes back in one response.
func (h *CaptureHandler) Init(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.limiter.Allow(c.Request.Context(), identityRateKey(ident.UserID)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}

	var body initRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	session, errInit := h.svc.InitUpload(c.Request.Context(), ident, body.Name, body.Kind, body.SizeBytes, body.Parts)
	if errInit != nil {
		respondError(c, errInit)
		return
	}

	uploadURLs := make([]gin.H, 0, len(session.UploadURLs))
	for _, part := range session.UploadURLs {
		uploadURLs = append(uploadURLs, gin.H{"part_number": part.PartNumber, "url": part.URL})
	}
	c.JSON(http.StatusCreated, gin.H{
		"job_id":           session.JobID,
		"external_id":      session.ExternalID,
		"upload_urls":      uploadURLs,
		"estimated_tokens": session.EstimatedTokens,
	})
}

// finalizeRequest defines the request body for capture finalization.
type finalizeRequest struct {
	ExternalID string `json:"external_id"`
	Parts      []int  `json:"parts"`
}

// Finalize reports the upload complete and applies the charge.
func (h *CaptureHandler) Finalize(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body finalizeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.Parts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing uploaded parts"})
		return
	}

	outcome, errFinalize := h.svc.Finalize(c.Request.Context(), ident, c.Param("id"), body.ExternalID)
	if errFinalize != nil {
		respondError(c, errFinalize)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"charged":   outcome.Charged,
		"remaining": outcome.Remaining,
		"unlimited": outcome.Remaining == jobs.UnlimitedBalance,
	})
}

// Status returns the job state, settling processing jobs from provider
// metadata when the completion webhook has not arrived.
func (h *CaptureHandler) Status(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	job, errStatus := h.svc.CheckStatus(c.Request.Context(), ident, c.Param("id"))
	if errStatus != nil {
		respondError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, serializeJob(job))
}

// serializeJob converts a job row to an API response payload.
func serializeJob(job *models.GenerationJob) gin.H {
	return gin.H{
		"job_id":                job.JobID,
		"provider":              job.Provider,
		"name":                  job.Name,
		"kind":                  job.Kind,
		"status":                job.Status,
		"estimated_tokens":      job.EstimatedTokens,
		"tokens_charged":        job.TokensCharged,
		"viewer_url":            job.ViewerURL,
		"error_message":         job.ErrorMessage,
		"created_at":            job.CreatedAt,
		"processing_started_at": job.ProcessingStartedAt,
		"completed_at":          job.CompletedAt,
	}
}
