package handlers

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/apperr"
	"github.com/scanforge/scanforge-server/internal/security"
)

// Shared request validation errors.
var (
	errInvalidJSON   = errors.New("invalid json")
	errInvalidInput  = errors.New("invalid input file")
	errInputTooLarge = errors.New("input file too large")
)

// identityRateKey builds the per-user rate limit key.
func identityRateKey(userID uint64) string {
	return fmt.Sprintf("user:%d", userID)
}

// identityContextKey is where the auth middleware stores the resolved caller.
const identityContextKey = "identity"

// getIdentity extracts the authenticated caller from gin context.
func getIdentity(c *gin.Context) (security.Identity, bool) {
	val, exists := c.Get(identityContextKey)
	if !exists {
		return security.Identity{}, false
	}
	ident, ok := val.(security.Identity)
	if !ok || ident.UserID == 0 {
		return security.Identity{}, false
	}
	return ident, true
}

// SetIdentity stores the resolved caller for downstream handlers.
func SetIdentity(c *gin.Context, ident security.Identity) {
	c.Set(identityContextKey, ident)
}

// respondError maps a service error to its HTTP status and safe message.
// Internal errors reach the client as a generic message only.
func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.MessageOf(err)})
}
