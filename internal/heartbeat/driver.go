// Package heartbeat periodically publishes a Heartbeat on the broadcast channel so idle clients see
// traffic and can tell the server is alive.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/isgasho/otto-1/internal/metrics"
	"github.com/isgasho/otto-1/internal/platform/correlation"
	"github.com/isgasho/otto-1/internal/platform/retry"
	"github.com/jonboulle/clockwork"
)

const (
	minInterval    = 1 * time.Second
	publishTimeout = 10 * time.Second
)

// Publisher is the slice of the broker the driver needs.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type Driver struct {
	publisher Publisher
	interval  func() time.Duration
	clock     clockwork.Clock
	policy    retry.Policy
}

// NewDriver builds a driver. interval is consulted before every wait, so a reloaded value applies
// from the next cycle on.
func NewDriver(publisher Publisher, interval func() time.Duration, clock clockwork.Clock) *Driver {
	return &Driver{
		publisher: publisher,
		interval:  interval,
		clock:     clock,
		policy: retry.Policy{
			MaxAttempts:     3,
			InitialBackoff:  100 * time.Millisecond,
			OverloadBackoff: time.Second,
			Clock:           clock,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Debug("Heartbeat publish retry", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

// Run publishes one heartbeat right away and then one per interval until ctx is cancelled.
// It returns nil on cancellation and ErrBrokerStopped once the broker is gone.
func (d *Driver) Run(ctx context.Context) error {
	slog.Info("Heartbeat driver started", "interval", d.currentInterval())
	defer slog.Info("Heartbeat driver stopped")

	for {
		if err := d.Beat(ctx); errors.Is(err, eventbus.ErrBrokerStopped) {
			return err
		}

		timer := d.clock.NewTimer(d.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

// Beat publishes a single heartbeat stamped with the current time.
func (d *Driver) Beat(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(correlation.WithID(ctx, correlation.NewID()), publishTimeout)
	defer cancel()

	env := domain.NewEnvelope(domain.BroadcastChannel, domain.Heartbeat{At: d.clock.Now()})
	err := retry.DoVoid(tickCtx, d.policy, classify, func(ctx context.Context) error {
		return d.publisher.Publish(ctx, env)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		slog.WarnContext(tickCtx, "Heartbeat publish failed", "error", err)
		return err
	}

	metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
	slog.DebugContext(tickCtx, "Heartbeat published")
	return nil
}

func (d *Driver) currentInterval() time.Duration {
	iv := d.interval()
	if iv < minInterval {
		return minInterval
	}
	return iv
}

// classify backs off harder when the broker queue is full than when a reply was merely slow.
func classify(err error) retry.Action {
	switch {
	case errors.Is(err, eventbus.ErrQueueFull):
		return retry.After
	case errors.Is(err, eventbus.ErrBrokerBusy):
		return retry.Retry
	default:
		return retry.Stop
	}
}
