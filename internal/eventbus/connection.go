package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/metrics"
	"github.com/isgasho/otto-1/internal/platform/correlation"
	apperrors "github.com/isgasho/otto-1/internal/platform/errors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	defaultOutboxSize   = 64
	defaultPingInterval = 30 * time.Second
	defaultCommandRate  = 20
	defaultCommandBurst = 40
)

const (
	ReasonClientClosed      = "client closed"
	ReasonWriteFailed       = "write failed"
	ReasonPingFailed        = "ping failed"
	ReasonBrokerUnavailable = "broker unavailable"
)

// ConnectionOptions tunes one connection actor. Zero values fall back to defaults.
type ConnectionOptions struct {
	OutboxSize             int
	AllowClientPublish     bool
	AutoSubscribeBroadcast bool
	CommandRate            float64
	CommandBurst           int
	PingInterval           time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.OutboxSize <= 0 {
		o.OutboxSize = defaultOutboxSize
	}
	if o.CommandRate <= 0 {
		o.CommandRate = defaultCommandRate
	}
	if o.CommandBurst <= 0 {
		o.CommandBurst = defaultCommandBurst
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// Connection bridges one client Stream to the broker.
type Connection struct {
	id      uuid.UUID
	broker  BrokerClient
	stream  Stream
	clock   clockwork.Clock
	opts    ConnectionOptions
	limiter *rate.Limiter
	logger  *slog.Logger

	outbox chan domain.Frame

	done         chan struct{}
	shutdownOnce sync.Once
	closeReason  string

	finishOnce sync.Once

	// Owned by the reader goroutine.
	subscriptions map[string]struct{}
}

func NewConnection(broker BrokerClient, stream Stream, clock clockwork.Clock, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	id := uuid.New()

	return &Connection{
		id:            id,
		broker:        broker,
		stream:        stream,
		clock:         clock,
		opts:          opts,
		limiter:       rate.NewLimiter(rate.Limit(opts.CommandRate), opts.CommandBurst),
		logger:        slog.With("connection_id", id.String()),
		outbox:        make(chan domain.Frame, opts.OutboxSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Connection) ID() uuid.UUID { return c.id }

// Done is closed as soon as the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Deliver queues env for the writer without blocking. It returns false when the outbox is full or
// the connection is already closing.
func (c *Connection) Deliver(env domain.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- domain.EventFrame(env):
		return true
	default:
		return false
	}
}

// Evict closes the connection on the broker's behalf. It never blocks.
func (c *Connection) Evict(reason string) {
	c.shutdown(reason)
}

// Close starts a server-initiated close. Safe to call from any goroutine, any number of times.
func (c *Connection) Close(reason string) {
	c.shutdown(reason)
}

func (c *Connection) shutdown(reason string) {
	c.shutdownOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// Run serves the connection until the stream closes, the broker evicts it, or ctx is cancelled.
// The reader runs on the calling goroutine; Run returns after the writer has exited and the broker
// has been told to forget the connection.
func (c *Connection) Run(ctx context.Context) error {
	ctx = correlation.WithID(ctx, correlation.ShortID(c.id))
	start := c.clock.Now()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	defer func() {
		metrics.ConnectionsCurrent.Dec()
		metrics.ConnectionDuration.Observe(c.clock.Since(start).Seconds())
	}()

	c.logger.DebugContext(ctx, "Connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	readerDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(ReasonServerShutdown)
		case <-readerDone:
		}
	}()

	err := c.readLoop(ctx)
	close(readerDone)

	reason := ReasonClientClosed
	if errors.Is(err, ErrBrokerStopped) {
		reason = ReasonBrokerUnavailable
	}
	c.shutdown(reason)

	<-writerDone
	c.finish(ctx, start)

	if errors.Is(err, ErrBrokerStopped) {
		return err
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context) error {
	if c.opts.AutoSubscribeBroadcast {
		if err := c.apply(ctx, domain.Subscribe(domain.BroadcastChannel)); err != nil {
			return err
		}
	}

	for {
		cmd, err := c.stream.ReadCommand()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedCommand) {
				metrics.ConnectionCommandsTotal.WithLabelValues("unknown", "malformed").Inc()
				c.sendError(apperrors.ValidationError("malformed command").WithCause(err))
				continue
			}
			c.logger.DebugContext(ctx, "Read ended", "error", err)
			return nil
		}

		select {
		case <-c.done:
			return nil
		default:
		}

		if err := c.handleCommand(ctx, cmd); err != nil {
			return err
		}
	}
}

// handleCommand applies one client command. A non-nil return ends the connection.
func (c *Connection) handleCommand(ctx context.Context, cmd domain.Command) error {
	if !c.limiter.AllowN(c.clock.Now(), 1) {
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "rate_limited").Inc()
		c.sendError(apperrors.RateLimitedError("command rate limit exceeded").WithContext("op", string(cmd.Op)))
		return nil
	}

	switch cmd.Op {
	case domain.OpSubscribe, domain.OpUnsubscribe:
	case domain.OpPublish:
		if !c.opts.AllowClientPublish {
			metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "forbidden").Inc()
			c.sendError(apperrors.ForbiddenError("client publish is disabled").WithContext("channel", cmd.Channel))
			return nil
		}
	default:
		metrics.ConnectionCommandsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.sendError(apperrors.ValidationError("unknown command").WithContext("type", string(cmd.Op)))
		return nil
	}

	return c.apply(ctx, cmd)
}

// apply issues cmd to the broker and waits for the outcome, so commands from this connection reach
// the broker in the order they were read.
func (c *Connection) apply(ctx context.Context, cmd domain.Command) error {
	var err error
	switch cmd.Op {
	case domain.OpSubscribe:
		err = c.broker.Subscribe(ctx, cmd.Channel, c)
		if err == nil {
			c.subscriptions[cmd.Channel] = struct{}{}
		}
	case domain.OpUnsubscribe:
		err = c.broker.Unsubscribe(ctx, cmd.Channel, c)
		if err == nil {
			delete(c.subscriptions, cmd.Channel)
		}
	case domain.OpPublish:
		err = c.broker.Publish(ctx, domain.NewEnvelope(cmd.Channel, cmd.Payload))
	}

	if err == nil {
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "ok").Inc()
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrUnknownChannel):
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "unknown_channel").Inc()
		c.sendError(apperrors.NotFoundError("unknown channel").WithContext("channel", cmd.Channel))
		return nil
	case errors.Is(err, domain.ErrInvalidPayload):
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "invalid_payload").Inc()
		c.sendError(apperrors.ValidationError("invalid payload").WithContext("channel", cmd.Channel))
		return nil
	case errors.Is(err, ErrBrokerBusy):
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "busy").Inc()
		c.sendError(apperrors.UnavailableError("broker busy, retry later", err).WithContext("channel", cmd.Channel))
		return nil
	case errors.Is(err, ErrBrokerStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "aborted").Inc()
		return fmt.Errorf("%s %q: %w", cmd.Op, cmd.Channel, err)
	default:
		metrics.ConnectionCommandsTotal.WithLabelValues(string(cmd.Op), "error").Inc()
		c.logger.ErrorContext(ctx, "Broker command failed", "op", cmd.Op, "channel", cmd.Channel, "error", err)
		c.sendError(apperrors.InternalError("command failed", err))
		return nil
	}
}

// sendError queues an error frame behind any events already queued for this connection.
func (c *Connection) sendError(e *apperrors.Error) {
	metrics.ConnectionErrorFramesTotal.WithLabelValues(string(e.Type)).Inc()

	resp := e.ToResponse()
	frame := domain.Frame{
		Type:         domain.FrameError,
		Error:        resp.Error,
		ErrorType:    string(resp.Type),
		ErrorContext: resp.Context,
	}

	select {
	case c.outbox <- frame:
	default:
		c.shutdown(ReasonSlowConsumer)
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.closeStream(ctx)

	for {
		select {
		case frame := <-c.outbox:
			start := c.clock.Now()
			if err := c.stream.WriteFrame(frame); err != nil {
				c.logger.DebugContext(ctx, "Write failed", "error", err)
				c.shutdown(ReasonWriteFailed)
				return
			}
			metrics.ConnectionFrameSendDuration.Observe(c.clock.Since(start).Seconds())

		case <-ticker.Chan():
			if err := c.stream.Ping(); err != nil {
				metrics.ConnectionPingFailures.Inc()
				c.logger.DebugContext(ctx, "Ping failed", "error", err)
				c.shutdown(ReasonPingFailed)
				return
			}

		case <-c.done:
			return
		}
	}
}

// closeStream runs on the writer goroutine after it stops writing, so the close frame never races a
// data frame. Closing the stream also unblocks the reader.
func (c *Connection) closeStream(ctx context.Context) {
	<-c.done
	if err := c.stream.Close(c.closeReason); err != nil {
		c.logger.DebugContext(ctx, "Stream close failed", "error", err)
	}
}

// finish tells the broker to forget the connection and releases undelivered frames. Runs once.
func (c *Connection) finish(ctx context.Context, start time.Time) {
	c.finishOnce.Do(func() {
		c.broker.Disconnect(c.id)

		dropped := 0
	drain:
		for {
			select {
			case <-c.outbox:
				dropped++
			default:
				break drain
			}
		}
		if dropped > 0 {
			metrics.ConnectionDroppedEventsTotal.Add(float64(dropped))
		}

		c.logger.InfoContext(ctx, "Connection closed",
			"reason", c.closeReason,
			"subscriptions", len(c.subscriptions),
			"dropped_frames", dropped,
			"duration", c.clock.Since(start),
		)
	})
}
