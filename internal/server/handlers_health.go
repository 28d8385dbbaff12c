package server

import (
	"context"
	"net/http"
	"time"

	"github.com/isgasho/otto-1/internal/platform/version"
	"github.com/labstack/echo/v4"
)

const readinessTimeout = 2 * time.Second

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

// handleReadiness reports ready while the broker answers a stats request in time.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	stats, err := s.broker.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "broker",
			"error":        err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": stats.Connections,
		"channels":    stats.Channels,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
