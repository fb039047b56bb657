// Package httpapi implements the HTTP analytics surface: current value,
// history with gap-filling, and a rate-limited refresh trigger. A Handler
// struct holds its dependencies plus a zap logger, responses are gin.H
// JSON, and database errors are logged at Error level before returning a
// generic 500 to the caller.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/auth"
	"github.com/portfolio-management/portfolio-core/internal/calculator"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/ratelimit"
	"github.com/portfolio-management/portfolio-core/internal/snapshot"
	"github.com/portfolio-management/portfolio-core/internal/store"
	"github.com/portfolio-management/portfolio-core/internal/wsapi"
)

const refreshActionType = "portfolio_refresh"

// Handler holds every dependency the analytics endpoints need.
type Handler struct {
	verifier      *auth.Verifier
	ownership     auth.AccountOwnership
	store         *store.Store
	cache         *cache.Store
	calc          *calculator.Calculator
	limiter       *ratelimit.Limiter
	broadcast     *wsapi.Hub
	reconstructor *snapshot.ReconstructionWorker
	logger        *zap.Logger
}

func NewHandler(verifier *auth.Verifier, ownership auth.AccountOwnership, s *store.Store, c *cache.Store, calc *calculator.Calculator, limiter *ratelimit.Limiter, broadcast *wsapi.Hub, reconstructor *snapshot.ReconstructionWorker, logger *zap.Logger) *Handler {
	return &Handler{
		verifier:      verifier,
		ownership:     ownership,
		store:         s,
		cache:         c,
		calc:          calc,
		limiter:       limiter,
		broadcast:     broadcast,
		reconstructor: reconstructor,
		logger:        logger,
	}
}

// HealthCheck handles GET /health: cache reachability plus the broadcaster's
// live connection and distinct-account counts, so an operator can see
// whether clients are actually receiving updates, not just that the
// process is up.
func (h *Handler) HealthCheck(c *gin.Context) {
	status := "healthy"
	cacheReachable := true
	if err := h.cache.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		cacheReachable = false
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                 status,
		"service":                "portfolio-core",
		"cache_reachable":        cacheReachable,
		"connection_count":       h.broadcast.ConnectionCount(),
		"distinct_account_count": h.broadcast.DistinctAccountCount(),
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
	})
}

// authorize resolves the bearer token and account ownership, writing the
// matching HTTP status and body on failure. Returns ok=false when the
// caller should stop handling the request.
func (h *Handler) authorize(c *gin.Context, accountID string) (userID string, ok bool) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return "", false
	}

	userID, err := auth.Authorize(c.Request.Context(), h.verifier, h.ownership, token, accountID)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return "", false
	case errors.Is(err, auth.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "account not owned by authenticated user"})
		return "", false
	case err != nil:
		h.logger.Error("httpapi: authorization lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize request"})
		return "", false
	}
	return userID, true
}

// GetPortfolioValue handles GET /api/portfolio/value?account_id=...
func (h *Handler) GetPortfolioValue(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	userID, ok := h.authorize(c, accountID)
	if !ok {
		return
	}

	if accountID == "aggregated" {
		snap, err := h.calc.LiveValue(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("httpapi: failed to compute live aggregated value", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute portfolio value"})
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	raw, err := h.cache.GetLastPortfolio(c.Request.Context(), accountID)
	if err == cache.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "no computed value yet for this account"})
		return
	}
	if err != nil {
		h.logger.Error("httpapi: failed to read cached portfolio value", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch portfolio value"})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// GetPortfolioHistory handles GET /api/portfolio/history?user_id=...&range=...
func (h *Handler) GetPortfolioHistory(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if _, ok := h.authorize(c, "aggregated"); !ok {
		return
	}

	rangeDays, err := parseRange(c.Query("range"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -rangeDays)

	rows, err := h.store.RowsInRange(c.Request.Context(), userID, from, now)
	if err != nil {
		h.logger.Error("httpapi: failed to load history rows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch portfolio history"})
		return
	}

	series := snapshot.GapFill(rows, now)
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"range":   c.DefaultQuery("range", "30d"),
		"series":  series,
	})
}

// RefreshPortfolio handles POST /api/portfolio/refresh. It is rate limited
// per user/action, then triggers an immediate recompute instead of waiting
// for the next debounced price update.
func (h *Handler) RefreshPortfolio(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	userID, ok := h.authorize(c, accountID)
	if !ok {
		return
	}

	allowed, err := h.limiter.Allow(c.Request.Context(), userID, refreshActionType)
	if err != nil {
		h.logger.Error("httpapi: rate limiter failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process refresh request"})
		return
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "refresh requested too recently, try again shortly"})
		return
	}

	if accountID == "aggregated" {
		if _, err := h.calc.LiveValue(c.Request.Context(), userID); err != nil {
			h.logger.Error("httpapi: refresh failed for aggregated account", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh portfolio"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "refreshed"})
		return
	}

	if err := h.calc.Recompute(c.Request.Context(), accountID); err != nil {
		h.logger.Error("httpapi: refresh recompute failed", zap.Error(err), zap.String("account_id", accountID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh portfolio"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "refreshed"})
}

// ReconstructPortfolioHistory handles POST /api/portfolio/reconstruct?account_id=...
// It replays an account's transaction history against historical prices to
// backfill the equity curve, for an aggregated account on first connection
// or on admin request. It runs synchronously since a reconstruction is a
// one-time, bounded-size operation per account.
func (h *Handler) ReconstructPortfolioHistory(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	userID, ok := h.authorize(c, accountID)
	if !ok {
		return
	}

	if err := h.reconstructor.Reconstruct(c.Request.Context(), userID, accountID); err != nil {
		h.logger.Error("httpapi: reconstruction failed", zap.Error(err), zap.String("account_id", accountID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reconstruct portfolio history"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reconstructed"})
}

func parseRange(raw string) (int, error) {
	switch raw {
	case "", "30d":
		return 30, nil
	case "7d":
		return 7, nil
	case "90d":
		return 90, nil
	case "1y":
		return 365, nil
	default:
		return 0, errors.New("range must be one of 7d, 30d, 90d, 1y")
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
