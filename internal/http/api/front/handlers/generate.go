package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// maxInlineInputBytes caps inline reference uploads on the generate
// endpoint. Larger payloads belong in the capture flow.
const maxInlineInputBytes = 64 << 20

// GenerateHandler serves the inline generation endpoint for the sync and
// poll-queue providers.
type GenerateHandler struct {
	svc     *jobs.Service
	limiter *ratelimit.Limiter
}

// NewGenerateHandler constructs a GenerateHandler.
func NewGenerateHandler(svc *jobs.Service, limiter *ratelimit.Limiter) *GenerateHandler {
	return &GenerateHandler{svc: svc, limiter: limiter}
}

// generateRequest defines the JSON request body for generation.
type generateRequest struct {
	Provider string `json:"provider"`
	Prompt   string `json:"prompt"`
	InputRef string `json:"input_ref"`
}

// Generate runs one generation to completion inside the request. The body
// is either JSON, or multipart form data when the input is inline binary.
func (h *GenerateHandler) Generate(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.limiter.Allow(c.Request.Context(), identityRateKey(ident.UserID)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}

	providerName, input, errParse := h.parseRequest(c)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errParse.Error()})
		return
	}

	var (
		outcome *jobs.GenerateOutcome
		errGen  error
	)
	switch providerName {
	case "stability":
		outcome, errGen = h.svc.GenerateSync(c.Request.Context(), ident, input)
	case "meshy":
		outcome, errGen = h.svc.GeneratePolled(c.Request.Context(), ident, input)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	if errGen != nil {
		respondError(c, errGen)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":       outcome.Provider,
		"storage_key":    outcome.StorageKey,
		"viewer_url":     outcome.ViewerURL,
		"tokens_charged": outcome.TokensCharged,
		"remaining":      outcome.Remaining,
		"unlimited":      outcome.Remaining == jobs.UnlimitedBalance,
	})
}

// parseRequest reads the request either as JSON or as a multipart form
// carrying an inline input file.
func (h *GenerateHandler) parseRequest(c *gin.Context) (string, jobs.GenerateInput, error) {
	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var body generateRequest
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			return "", jobs.GenerateInput{}, errInvalidJSON
		}
		return strings.ToLower(strings.TrimSpace(body.Provider)), jobs.GenerateInput{
			Prompt:   body.Prompt,
			InputRef: body.InputRef,
		}, nil
	}

	providerName := strings.ToLower(strings.TrimSpace(c.PostForm("provider")))
	input := jobs.GenerateInput{
		Prompt:   c.PostForm("prompt"),
		InputRef: c.PostForm("input_ref"),
	}

	fileHeader, errFile := c.FormFile("input")
	if errFile != nil {
		// No inline file is fine; input_ref may carry the reference.
		return providerName, input, nil
	}
	if fileHeader.Size > maxInlineInputBytes {
		return "", jobs.GenerateInput{}, errInputTooLarge
	}
	file, errOpen := fileHeader.Open()
	if errOpen != nil {
		log.WithError(errOpen).Warn("open inline input failed")
		return "", jobs.GenerateInput{}, errInvalidInput
	}
	// The file is closed by gin when the request ends.
	input.Inline = file
	input.InlineName = fileHeader.Filename
	input.InlineSize = fileHeader.Size
	input.ContentType = fileHeader.Header.Get("Content-Type")
	return providerName, input, nil
}
