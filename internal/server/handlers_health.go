package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ThomasHabets/livecount/internal/platform/version"
	"github.com/ThomasHabets/livecount/web"
	"github.com/labstack/echo/v4"
)

const readinessTimeout = 2 * time.Second

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

// handleReadiness round-trips through the registry control loop, so a stopped
// or wedged registry takes the instance out of rotation.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	stats, err := s.registry.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "registry",
			"error":        err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"keys":        stats.Keys,
		"subscribers": stats.Subscribers,
		"connections": s.limits.Current(),
		"unique_ips":  s.limits.UniqueIPs(),
		"rate_limits": s.limits.RateLimiters(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}

// handleBootstrap serves the page that connects back to /livecount/ws for
// the embedding page's location and renders the count.
func (s *Server) handleBootstrap(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, web.BootstrapPage)
}
