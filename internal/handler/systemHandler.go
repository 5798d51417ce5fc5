package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/edge-gateway/internal/cache"
	"github.com/aman-churiwal/edge-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/edge-gateway/internal/healthcheck"
	"github.com/aman-churiwal/edge-gateway/internal/ratelimit"
)

// Handles system-related admin endpoints
type SystemHandler struct {
	started time.Time
	backend string
	limiter ratelimit.Limiter
	cache   *cache.ResponseCache           // nil when caching is disabled
	breaker *circuitbreaker.CircuitBreaker // nil when the breaker is disabled
	health  *healthcheck.Checker           // nil when probing is disabled
	now     func() time.Time
}

type SystemConfig struct {
	Started time.Time
	Backend string
	Limiter ratelimit.Limiter
	Cache   *cache.ResponseCache
	Breaker *circuitbreaker.CircuitBreaker
	Health  *healthcheck.Checker
}

func NewSystemHandler(cfg SystemConfig) *SystemHandler {
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	return &SystemHandler{
		started: cfg.Started,
		backend: cfg.Backend,
		limiter: cfg.Limiter,
		cache:   cfg.Cache,
		breaker: cfg.Breaker,
		health:  cfg.Health,
		now:     time.Now,
	}
}

// Handles GET /_gateway/status
func (h *SystemHandler) Status(c *gin.Context) {
	now := h.now()

	resp := gin.H{
		"gateway":   "running",
		"backend":   h.backend,
		"uptime":    now.Sub(h.started).Seconds(),
		"timestamp": now.Unix(),
	}

	if h.limiter != nil {
		resp["rate_limit"] = gin.H{
			"tracked_clients": h.limiter.Len(),
			"limit":           h.limiter.Limit(),
			"window_seconds":  h.limiter.Window().Seconds(),
		}
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	if h.breaker != nil {
		resp["circuit_breaker"] = h.breaker.Metrics()
	}
	if h.health != nil {
		resp["backend_health"] = h.health.Status()
	}

	c.JSON(http.StatusOK, resp)
}

// Returns the backend circuit breaker's state
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker disabled"})
		return
	}
	c.JSON(http.StatusOK, h.breaker.Metrics())
}

// Manually resets the circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker disabled"})
		return
	}

	h.breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"backend": h.backend,
	})
}
