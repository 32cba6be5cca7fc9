package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
)

// maxAdvance bounds a single manual clock advance.
const maxAdvance = 10_000

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// platformHandler describes the settlement policy and the current height.
func (s *Server) platformHandler(c *gin.Context) {
	ctx := c.Request.Context()
	cfg := s.escrowService.Config()

	platform := gin.H{
		"name":            "escrowd",
		"version":         version,
		"platformAddress": cfg.PlatformAddr,
		"fee": gin.H{
			"numerator":   cfg.Fees.Numerator,
			"denominator": cfg.Fees.Denominator,
			"rate":        cfg.Fees.String(),
		},
		"maxDuration": cfg.MaxDuration,
		"clockMode":   s.cfg.ClockMode,
	}
	if g := s.clocks.guarded; g != nil {
		platform["clockBreaker"] = g.State().String()
		platform["lastHeight"] = g.LastHeight()
	}

	height, err := s.escrowService.Height(ctx)
	if err != nil {
		logging.L(ctx).Warn("platform info without height", "error", err)
	} else {
		platform["height"] = height
	}

	c.JSON(http.StatusOK, gin.H{"platform": platform})
}

// AdvanceRequest moves the manual clock forward.
type AdvanceRequest struct {
	Ticks uint64 `json:"ticks"`
}

// advanceClockHandler handles POST /v1/admin/clock/advance
func (s *Server) advanceClockHandler(c *gin.Context) {
	if s.clocks.manual == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "clock_not_manual",
			"message": "The clock can only be advanced in manual mode",
		})
		return
	}

	req := AdvanceRequest{Ticks: 1}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.Ticks == 0 || req.Ticks > maxAdvance {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_ticks",
			"message": "ticks must be between 1 and 10000",
		})
		return
	}

	height := s.clocks.manual.Advance(req.Ticks)
	s.realtimeHub.BroadcastHeight(height)
	logging.L(c.Request.Context()).Info("manual clock advanced", "ticks", req.Ticks, "height", height)

	c.JSON(http.StatusOK, gin.H{"height": height})
}

// sweepHandler handles POST /v1/admin/watchdog/sweep
func (s *Server) sweepHandler(c *gin.Context) {
	released := s.watchdog.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"released": released})
}
