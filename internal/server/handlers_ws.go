package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ThomasHabets/livecount/internal/platform/correlation"
	"github.com/ThomasHabets/livecount/internal/session"
	"github.com/labstack/echo/v4"
)

// handleWebSocket upgrades a viewer connection and runs its session until it
// ends. The handler goroutine is the session goroutine.
func (s *Server) handleWebSocket(c echo.Context) error {
	req := c.Request()

	origin := req.Header.Get(echo.HeaderOrigin)
	if origin == "" {
		return c.String(http.StatusBadRequest, "missing Origin header")
	}

	// peer comes from the configured IP extractor and is what limits are
	// keyed on; the forwarded address is informational.
	peer := c.RealIP()
	remote := forwardedFor(req)
	if remote == "" {
		remote = peer
	}

	ok, reason := s.limits.Acquire(peer)
	if !ok {
		s.httpMetrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		slog.Warn("WebSocket connection rejected", "peer", peer, "remote", remote, "reason", reason)
		return c.String(http.StatusTooManyRequests, "too many connections")
	}
	defer s.limits.Release(peer)

	conn, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Debug("WebSocket upgrade failed", "peer", peer, "error", err)
		return nil
	}

	key := session.ExtractKey(c.QueryParams())
	ctx := correlation.WithConn(req.Context(), correlation.NewConn(remote))
	slog.InfoContext(ctx, "WebSocket connected", "key", string(key), "origin", origin, "peer", peer)

	sreq := session.Request{Key: key, Origin: origin}
	transport := session.NewWebSocketTransport(conn, s.clock)
	sess := session.New(transport, s.registry, s.clock, s.sessionMetrics, s.sessionConfig(), sreq)
	sess.Run(ctx)
	return nil
}

// forwardedFor returns the client address a proxy recorded, if any.
func forwardedFor(req *http.Request) string {
	xff := req.Header.Get(echo.HeaderXForwardedFor)
	if i := strings.IndexByte(xff, ','); i >= 0 {
		xff = xff[:i]
	}
	return strings.TrimSpace(xff)
}
