// Package front registers the client-facing HTTP surface.
package front

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/access"
	"github.com/scanforge/scanforge-server/internal/config"
	"github.com/scanforge/scanforge-server/internal/http/api/front/handlers"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/ratelimit"
	"github.com/scanforge/scanforge-server/internal/security"
	"gorm.io/gorm"
)

// Deps bundles what the front routes need.
type Deps struct {
	DB      *gorm.DB
	Config  *config.Config
	Service *jobs.Service
	Ledger  *ledger.Ledger
	Limiter *ratelimit.Limiter
}

// RegisterFrontRoutes registers public and authenticated front-end routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	group := r.Group("/v0/front")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Config.JWT)
	group.POST("/register", authHandler.Register)
	group.POST("/login", authHandler.Login)

	authed := group.Group("")
	authed.Use(userAuthMiddleware(deps.DB, deps.Config.JWT))

	balanceHandler := handlers.NewBalanceHandler(deps.Ledger, deps.Config.Pro.EmailDomains)
	authed.GET("/balance", balanceHandler.Get)

	generateHandler := handlers.NewGenerateHandler(deps.Service, deps.Limiter)
	authed.POST("/generate", generateHandler.Generate)

	captureHandler := handlers.NewCaptureHandler(deps.Service, deps.Limiter)
	authed.POST("/captures", captureHandler.Init)
	authed.POST("/captures/:id/finalize", captureHandler.Finalize)
	authed.GET("/captures/:id", captureHandler.Status)

	jobsHandler := handlers.NewJobsHandler(deps.Service)
	authed.GET("/jobs", jobsHandler.List)
	authed.GET("/jobs/:id", jobsHandler.Get)

	apiKeyHandler := handlers.NewAPIKeyHandler(deps.DB)
	authed.GET("/api-keys", apiKeyHandler.List)
	authed.POST("/api-keys", apiKeyHandler.Create)
	authed.POST("/api-keys/:id/revoke", apiKeyHandler.Revoke)
	authed.DELETE("/api-keys/:id", apiKeyHandler.Delete)
}

// userAuthMiddleware resolves the caller identity from a JWT or an API key
// and stores it for downstream handlers.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	keys := access.NewAuthenticator(db)
	return func(c *gin.Context) {
		if apiKey := strings.TrimSpace(c.GetHeader("X-Api-Key")); apiKey != "" {
			authenticateAPIKey(c, keys, apiKey)
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
			return
		}

		handlers.SetIdentity(c, security.Identity{
			UserID:   user.ID,
			Username: user.Username,
			Email:    user.Email,
			Tier:     user.Tier,
			Pro:      claims.Pro || user.Tier == models.TierPro,
		})
		c.Next()
	}
}

// authenticateAPIKey resolves an API key header to an identity.
func authenticateAPIKey(c *gin.Context, keys *access.Authenticator, apiKey string) {
	user, errAuth := keys.AuthenticateKey(c.Request.Context(), apiKey)
	if errAuth != nil {
		switch {
		case errors.Is(errAuth, access.ErrUserDisabled):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
		case errors.Is(errAuth, access.ErrKeyExpired):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key expired"})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		}
		return
	}

	handlers.SetIdentity(c, security.Identity{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Tier:     user.Tier,
		Pro:      user.Tier == models.TierPro,
	})
	c.Next()
}
