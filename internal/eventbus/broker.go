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
	"github.com/isgasho/otto-1/internal/platform/logging"
	"github.com/jonboulle/clockwork"
)

const (
	commandBufferSize   = 256
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	depthSampleInterval = 1 * time.Second
	depthWarnThreshold  = commandBufferSize * 8 / 10
)

const (
	ReasonSlowConsumer   = "slow consumer"
	ReasonServerShutdown = "server shutting down"
	ReasonBrokerPanic    = "broker failure"
)

var (
	ErrBrokerStopped = errors.New("broker stopped")
	ErrBrokerBusy    = errors.New("broker busy")
	// ErrQueueFull is the ErrBrokerBusy case where the command never entered the queue.
	ErrQueueFull = fmt.Errorf("%w: command queue full", ErrBrokerBusy)
)

// brokerCmd is the command interface for the Broker actor.
type brokerCmd interface{ isBrokerCmd() }

type baseBrokerCmd struct{}

func (baseBrokerCmd) isBrokerCmd() {}

type subscribeCmd struct {
	baseBrokerCmd
	channel    string
	subscriber Subscriber
	reply      chan error
}

type unsubscribeCmd struct {
	baseBrokerCmd
	channel string
	id      uuid.UUID
	reply   chan error
}

type publishCmd struct {
	baseBrokerCmd
	envelope domain.Envelope
	reply    chan error
}

type disconnectCmd struct {
	baseBrokerCmd
	id uuid.UUID
}

type statsCmd struct {
	baseBrokerCmd
	reply chan Stats
}

// Broker is the single authority over channel membership and stateful retention.
// All registry mutations happen on the broker goroutine, in command arrival order.
type Broker struct {
	cmdCh          chan brokerCmd
	clock          clockwork.Clock
	registry       *registry
	stopping       chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
	commandTimeout time.Duration
	stopTimeout    time.Duration
}

// NewBroker declares channels and starts the broker goroutine.
// The channel set is validated by domain.NewChannelSet before the broker exists.
func NewBroker(channels domain.ChannelSet, clock clockwork.Clock) *Broker {
	b := &Broker{
		cmdCh:          make(chan brokerCmd, commandBufferSize),
		clock:          clock,
		registry:       newRegistry(channels),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
		commandTimeout: commandTimeout,
		stopTimeout:    stopTimeout,
	}

	slog.Info("Broker started", "channels", channels.Names())
	go b.run()
	return b
}

// Subscribe adds sub to channel. On a stateful channel holding a retained envelope, the envelope is
// handed to sub before any later publish is processed. Subscribing twice is a no-op.
func (b *Broker) Subscribe(ctx context.Context, channel string, sub Subscriber) error {
	reply := make(chan error, 1)
	return b.request(ctx, subscribeCmd{channel: channel, subscriber: sub, reply: reply}, reply)
}

// Unsubscribe removes sub from channel. Unsubscribing a non-member is a no-op.
func (b *Broker) Unsubscribe(ctx context.Context, channel string, sub Subscriber) error {
	reply := make(chan error, 1)
	return b.request(ctx, unsubscribeCmd{channel: channel, id: sub.ID(), reply: reply}, reply)
}

// Publish delivers env to every current subscriber of its channel, retaining it first when the
// channel is stateful.
func (b *Broker) Publish(ctx context.Context, env domain.Envelope) error {
	reply := make(chan error, 1)
	return b.request(ctx, publishCmd{envelope: env, reply: reply}, reply)
}

// Disconnect removes id from every channel. It is safe for unknown ids and repeated calls.
// It waits for queue space rather than timing out, so a terminated connection never stays
// registered. A stopping broker clears the registry itself.
func (b *Broker) Disconnect(id uuid.UUID) {
	select {
	case b.cmdCh <- disconnectCmd{id: id}:
	case <-b.stopping:
	}
}

// Stats returns a snapshot of the registry.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := b.send(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}

	timer := b.clock.NewTimer(b.commandTimeout)
	defer timer.Stop()

	select {
	case s := <-reply:
		return s, nil
	case <-b.done:
		return Stats{}, ErrBrokerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-timer.Chan():
		return Stats{}, fmt.Errorf("%w: stats timed out after %v", ErrBrokerBusy, b.commandTimeout)
	}
}

// Stop evicts every subscriber and shuts the broker goroutine down.
// Blocks until the goroutine has exited or the stop timeout is reached. Safe to call repeatedly.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopping) })

	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
	case <-timeout.Chan():
		slog.Warn("Broker stop timeout exceeded", "timeout", b.stopTimeout)
		metrics.BrokerStopTimeoutsTotal.Inc()
	}
}

// Done is closed once the broker goroutine has exited.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) send(ctx context.Context, cmd brokerCmd) error {
	select {
	case <-b.stopping:
		return ErrBrokerStopped
	default:
	}

	select {
	case b.cmdCh <- cmd:
		return nil
	default:
	}

	timer := b.clock.NewTimer(b.commandTimeout)
	defer timer.Stop()

	select {
	case b.cmdCh <- cmd:
		return nil
	case <-b.stopping:
		return ErrBrokerStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return fmt.Errorf("%w for %v", ErrQueueFull, b.commandTimeout)
	}
}

func (b *Broker) request(ctx context.Context, cmd brokerCmd, reply chan error) error {
	if err := b.send(ctx, cmd); err != nil {
		return err
	}

	timer := b.clock.NewTimer(b.commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-b.done:
		// The loop may have answered just before exiting.
		select {
		case err := <-reply:
			return err
		default:
			return ErrBrokerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return fmt.Errorf("%w: command timed out after %v", ErrBrokerBusy, b.commandTimeout)
	}
}

func (b *Broker) run() {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broker panic recovered", "panic", r)
			metrics.BrokerPanicsTotal.Inc()
			b.stopOnce.Do(func() { close(b.stopping) })
			b.evictAll(ReasonBrokerPanic)
		}
	}()

	depthTicker := b.clock.NewTicker(depthSampleInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			metrics.BrokerCommandChannelDepth.Set(float64(depth))
			if depth > depthWarnThreshold {
				slog.Warn("Broker command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}

		case cmd := <-b.cmdCh:
			b.handle(cmd)

		case <-b.stopping:
			b.handleStop()
			return
		}
	}
}

func (b *Broker) handle(cmd brokerCmd) {
	switch c := cmd.(type) {
	case subscribeCmd:
		c.reply <- b.handleSubscribe(c)
	case unsubscribeCmd:
		c.reply <- b.handleUnsubscribe(c)
	case publishCmd:
		c.reply <- b.handlePublish(c)
	case disconnectCmd:
		b.handleDisconnect(c)
	case statsCmd:
		c.reply <- b.registry.stats()
	default:
		slog.Warn("Broker received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
}

func (b *Broker) handleSubscribe(c subscribeCmd) error {
	entry, ok := b.registry.lookup(c.channel)
	if !ok {
		metrics.BrokerRejectedCommandsTotal.WithLabelValues("subscribe", "unknown_channel").Inc()
		return fmt.Errorf("%w: %q", domain.ErrUnknownChannel, c.channel)
	}

	if !b.registry.add(entry, c.subscriber) {
		return nil
	}
	logging.WithChannel(entry.name).Debug("Subscribed", "connection_id", c.subscriber.ID().String(), "subscribers", len(entry.subscribers))

	if entry.retained != nil {
		if c.subscriber.Deliver(*entry.retained) {
			metrics.BrokerRetainedReplaysTotal.Inc()
			metrics.BrokerEventsDeliveredTotal.Inc()
		} else {
			b.evict(c.subscriber.ID(), ReasonSlowConsumer)
		}
	}
	return nil
}

func (b *Broker) handleUnsubscribe(c unsubscribeCmd) error {
	entry, ok := b.registry.lookup(c.channel)
	if !ok {
		metrics.BrokerRejectedCommandsTotal.WithLabelValues("unsubscribe", "unknown_channel").Inc()
		return fmt.Errorf("%w: %q", domain.ErrUnknownChannel, c.channel)
	}

	if b.registry.remove(entry, c.id) {
		logging.WithChannel(entry.name).Debug("Unsubscribed", "connection_id", c.id.String(), "subscribers", len(entry.subscribers))
	}
	return nil
}

func (b *Broker) handlePublish(c publishCmd) error {
	env := c.envelope
	entry, ok := b.registry.lookup(env.Channel)
	if !ok {
		metrics.BrokerRejectedCommandsTotal.WithLabelValues("publish", "unknown_channel").Inc()
		return fmt.Errorf("%w: %q", domain.ErrUnknownChannel, env.Channel)
	}
	if env.Payload == nil {
		metrics.BrokerRejectedCommandsTotal.WithLabelValues("publish", "empty_payload").Inc()
		return fmt.Errorf("%w: publish without payload", domain.ErrInvalidPayload)
	}

	if entry.discipline == domain.Stateful {
		entry.retained = &env
	}
	metrics.BrokerEventsPublishedTotal.WithLabelValues(entry.name, env.Payload.Kind()).Inc()

	var refused []uuid.UUID
	for id, sub := range entry.subscribers {
		if sub.Deliver(env) {
			metrics.BrokerEventsDeliveredTotal.Inc()
		} else {
			refused = append(refused, id)
		}
	}

	for _, id := range refused {
		b.evict(id, ReasonSlowConsumer)
	}
	return nil
}

func (b *Broker) handleDisconnect(c disconnectCmd) {
	if _, n := b.registry.removeAll(c.id); n > 0 {
		slog.Debug("Disconnected", "connection_id", c.id.String(), "channels", n)
	}
}

// evict drops a subscriber that refused delivery. Other subscribers of the same event are unaffected.
func (b *Broker) evict(id uuid.UUID, reason string) {
	sub, n := b.registry.removeAll(id)
	if sub == nil {
		return
	}

	slog.Warn("Evicting subscriber", "connection_id", id.String(), "reason", reason, "channels", n)
	metrics.BrokerSlowClientsEvicted.Inc()
	sub.Evict(reason)
}

func (b *Broker) handleStop() {
	subs := b.registry.subscribers()
	slog.Info("Broker shutting down", "connections", len(subs))

	b.evictAll(ReasonServerShutdown)

	slog.Info("Broker shutdown complete", "disconnected_connections", len(subs))
}

func (b *Broker) evictAll(reason string) {
	for _, sub := range b.registry.subscribers() {
		sub.Evict(reason)
	}
	b.registry.reset()
}
