package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports liveness plus the state of optional dependencies.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.health))
	healthy := true
	for name, hc := range s.health {
		if err := hc.HealthCheck(ctx); err != nil {
			deps[name] = "unhealthy"
			healthy = false
			s.logger.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			continue
		}
		deps[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	data := gin.H{"session": s.bot.Status()}
	if s.breaker != nil {
		data["circuit_breaker"] = s.breaker.GetStats()
	}
	successResponse(c, data)
}

func (s *Server) handlePerformance(c *gin.Context) {
	successResponse(c, s.bot.Tracker().Snapshot())
}

// handleTrades returns closed trades, newest last. ?limit=N keeps the last N.
func (s *Server) handleTrades(c *gin.Context) {
	trades := s.bot.Trades()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(trades) {
			trades = trades[len(trades)-limit:]
		}
	}
	successResponse(c, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.Serve(conn)
}
