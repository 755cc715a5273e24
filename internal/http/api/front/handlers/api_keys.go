package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/security"
	"github.com/scanforge/scanforge-server/internal/util"
	"gorm.io/gorm"
)

// APIKeyHandler handles API key endpoints for server-to-server callers.
type APIKeyHandler struct {
	db *gorm.DB
}

// NewAPIKeyHandler constructs an APIKeyHandler.
func NewAPIKeyHandler(db *gorm.DB) *APIKeyHandler {
	return &APIKeyHandler{db: db}
}

// List returns the caller's API keys.
func (h *APIKeyHandler) List(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var rows []models.APIKey
	errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", ident.UserID).
		Order("created_at DESC").
		Find(&rows).Error
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list api keys failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, serializeAPIKey(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": out, "total": len(out)})
}

// createAPIKeyRequest defines the request body for key creation.
type createAPIKeyRequest struct {
	Name       string `json:"name"`
	ExpiryDays int    `json:"expiry_days"`
}

// Create issues a new API key for the caller.
func (h *APIKeyHandler) Create(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body createAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	key, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate key failed"})
		return
	}

	row := models.APIKey{
		UserID: ident.UserID,
		Name:   name,
		APIKey: key,
		Active: true,
	}
	if body.ExpiryDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, body.ExpiryDays)
		row.ExpiresAt = &expires
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create api key failed"})
		return
	}
	c.JSON(http.StatusCreated, serializeAPIKey(&row))
}

// Revoke disables one key without deleting its audit trail.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	row, errLoad := h.loadOwnedKey(c, ident.UserID)
	if errLoad != nil {
		return
	}

	now := time.Now().UTC()
	errUpdate := h.db.WithContext(c.Request.Context()).Model(row).Updates(map[string]any{
		"active":     false,
		"revoked_at": now,
		"updated_at": now,
	}).Error
	if errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke api key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes one key.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	row, errLoad := h.loadOwnedKey(c, ident.UserID)
	if errLoad != nil {
		return
	}

	if errDelete := h.db.WithContext(c.Request.Context()).Delete(row).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete api key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// loadOwnedKey resolves the :id route param to a key owned by userID. On
// failure it writes the response and returns an error for the caller to
// stop on.
func (h *APIKeyHandler) loadOwnedKey(c *gin.Context, userID uint64) (*models.APIKey, error) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return nil, errParse
	}

	var row models.APIKey
	errFind := h.db.WithContext(c.Request.Context()).
		Where("id = ? AND user_id = ?", id, userID).
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return nil, errFind
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return nil, errFind
	}
	return &row, nil
}

// serializeAPIKey converts a model to an API response payload.
func serializeAPIKey(row *models.APIKey) gin.H {
	return gin.H{
		"id":           row.ID,
		"name":         row.Name,
		"key":          row.APIKey,
		"key_prefix":   util.HideAPIKey(row.APIKey),
		"active":       row.Active,
		"status":       row.Status(),
		"expires_at":   row.ExpiresAt,
		"revoked_at":   row.RevokedAt,
		"last_used_at": row.LastUsedAt,
		"created_at":   row.CreatedAt,
	}
}
