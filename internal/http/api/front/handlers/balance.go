package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/ledger"
	log "github.com/sirupsen/logrus"
)

// BalanceHandler serves token balances.
type BalanceHandler struct {
	ledger     *ledger.Ledger
	proDomains []string
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(l *ledger.Ledger, proDomains []string) *BalanceHandler {
	return &BalanceHandler{ledger: l, proDomains: proDomains}
}

// Get returns the caller's balances, creating the profile lazily and
// applying the monthly refill on access.
func (h *BalanceHandler) Get(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if ident.Unlimited(h.proDomains) {
		c.JSON(http.StatusOK, gin.H{"unlimited": true})
		return
	}

	ctx := c.Request.Context()
	profile, errProfile := h.ledger.GetOrCreate(ctx, ident.UserID, ident.Tier)
	if errProfile != nil {
		respondError(c, errProfile)
		return
	}

	if refilled, errRefill := h.ledger.RefillMonthly(ctx, ident.UserID, ident.Tier); errRefill != nil {
		// The refill also runs from the background sweep; a failure here
		// only delays it.
		log.WithError(errRefill).Warnf("lazy monthly refill failed (user=%d)", ident.UserID)
	} else if refilled {
		profile, errProfile = h.ledger.GetOrCreate(ctx, ident.UserID, ident.Tier)
		if errProfile != nil {
			respondError(c, errProfile)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"unlimited":           false,
		"gen_tokens":          profile.GenTokens,
		"geo_tokens":          profile.GeoTokens,
		"last_monthly_refill": profile.LastMonthlyRefill,
	})
}
