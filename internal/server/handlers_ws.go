package server

import (
	"log/slog"
	"time"

	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/isgasho/otto-1/internal/metrics"
	apperrors "github.com/isgasho/otto-1/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleWebSocket(c echo.Context) error {
	req := c.Request()

	if !s.upgrader.CheckOrigin(req) {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(LimitReasonOrigin)).Inc()
		return apperrors.ForbiddenError("origin not allowed").
			WithContext("origin", req.Header.Get("Origin"))
	}

	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonRate {
			return apperrors.RateLimitedError("too many connection attempts").WithContext("ip", ip)
		}
		return apperrors.UnavailableError("connection limit reached", nil).
			WithContext("max_connections", s.limits.Global().Max())
	}
	defer s.limits.Release()

	conn, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		slog.Debug("WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}

	s.conns.Add(1)
	defer s.conns.Done()

	stream := newWSStream(conn, s.clock, s.config.Connection.MaxMessageSize, pingInterval)
	connection := eventbus.NewConnection(s.broker, stream, s.clock, eventbus.ConnectionOptions{
		OutboxSize:             s.config.Connection.OutboxSize,
		AllowClientPublish:     s.config.Connection.AllowClientPublish,
		AutoSubscribeBroadcast: s.config.Connection.AutoSubscribeBroadcast,
		CommandRate:            s.config.Connection.CommandRate,
		CommandBurst:           s.config.Connection.CommandBurst,
		PingInterval:           pingInterval,
	})

	start := s.clock.Now()
	if err := connection.Run(s.connCtx); err != nil {
		slog.Warn("Connection ended by broker", "connection_id", connection.ID(), "ip", ip, "error", err)
	} else {
		slog.Debug("Connection ended", "connection_id", connection.ID(), "ip", ip,
			"duration", s.clock.Since(start).Round(time.Millisecond))
	}

	// The response is hijacked; nothing more can be written.
	return nil
}
