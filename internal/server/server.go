package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThomasHabets/livecount/internal/metrics"
	"github.com/ThomasHabets/livecount/internal/platform/config"
	"github.com/ThomasHabets/livecount/internal/registry"
	"github.com/ThomasHabets/livecount/internal/session"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the part of *registry.Registry the HTTP layer needs.
type Registry interface {
	session.Registrar
	Stats(ctx context.Context) (registry.Stats, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	registry Registry
	limits   *ConnectionLimits
	upgrader websocket.Upgrader

	promRegistry   *prometheus.Registry
	httpMetrics    *metrics.HTTPMetrics
	sessionMetrics *metrics.SessionMetrics

	startTime time.Time
}

// NewServer wires the routes. HTTP and session collectors are registered on
// promRegistry, which is also what /livecount/metrics exposes.
func NewServer(cfg *config.Config, reg Registry, promRegistry *prometheus.Registry, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// RealIP keys the connection limits, so client-supplied forwarding
	// headers count only when they arrive through a trusted proxy.
	e.IPExtractor = echo.ExtractIPDirect()
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	}

	srv := &Server{
		echo:     e,
		config:   cfg,
		clock:    clock,
		registry: reg,
		limits: NewConnectionLimits(clock,
			int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.ConnectRate, cfg.ConnectBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Keys are not authenticated; mismatching origins are only logged.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		promRegistry:   promRegistry,
		httpMetrics:    metrics.NewHTTPMetrics(promRegistry),
		sessionMetrics: metrics.NewSessionMetrics(promRegistry),
		startTime:      clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns http.ErrServerClosed (wrapped) after
// a clean shutdown.
func (s *Server) Start() error {
	slog.Info("Starting server", "addr", s.config.ListenAddr, "tls", s.config.TLSEnabled())

	var err error
	if s.config.TLSEnabled() {
		err = s.echo.StartTLS(s.config.ListenAddr, s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.echo.Start(s.config.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to serve on %s: %w", s.config.ListenAddr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) sessionConfig() session.Config {
	return session.Config{
		MaxLife:     s.config.MaxLife,
		SendTimeout: s.config.SendTimeout,
	}
}
