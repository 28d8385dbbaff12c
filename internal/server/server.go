package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/isgasho/otto-1/internal/platform/config"
	apperrors "github.com/isgasho/otto-1/internal/platform/errors"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const pingInterval = 30 * time.Second

//go:embed templates/*.html
var templateFS embed.FS

// Broker is what the HTTP layer needs from the event broker.
type Broker interface {
	eventbus.BrokerClient
	Stats(ctx context.Context) (eventbus.Stats, error)
}

type Server struct {
	echo          *echo.Echo
	config        *config.Config
	broker        Broker
	clock         clockwork.Clock
	limits        *ConnectionLimits
	upgrader      websocket.Upgrader
	indexTemplate *template.Template
	startTime     time.Time

	// connCtx outlives requests: hijacked WebSocket connections are not tracked by echo's
	// Shutdown, so they are cancelled through this context instead.
	connCtx     context.Context
	cancelConns context.CancelFunc
	conns       sync.WaitGroup
}

func NewServer(cfg *config.Config, broker Broker, clock clockwork.Clock) (*Server, error) {
	indexTmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse index template: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(correlationMiddleware)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/ws")
		},
	}))
	e.Use(apperrors.Middleware())

	connCtx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		echo:   e,
		config: cfg,
		broker: broker,
		clock:  clock,
		limits: NewConnectionLimits(
			int64(cfg.Limits.MaxConnections),
			cfg.Limits.ConnectionRate,
			cfg.Limits.ConnectionBurst,
			clock,
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newCheckOrigin(cfg.AllowedOrigins, !cfg.IsProduction()),
		},
		indexTemplate: indexTmpl,
		startTime:     clock.Now(),
		connCtx:       connCtx,
		cancelConns:   cancel,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	slog.Info("Starting server", "addr", s.config.Addr())
	return s.echo.Start(s.config.Addr())
}

// Shutdown stops accepting requests, then closes every live WebSocket connection and waits for
// them to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancelConns()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("WebSocket connections still open at shutdown deadline", "open", s.limits.Global().Current())
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
