package eventbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/isgasho/otto-1/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber buffers up to cap(events) envelopes and refuses the rest.
type fakeSubscriber struct {
	id      uuid.UUID
	events  chan domain.Envelope
	evicted chan string
}

func newFakeSubscriber(capacity int) *fakeSubscriber {
	return &fakeSubscriber{
		id:      uuid.New(),
		events:  make(chan domain.Envelope, capacity),
		evicted: make(chan string, 1),
	}
}

func (s *fakeSubscriber) ID() uuid.UUID { return s.id }

func (s *fakeSubscriber) Deliver(env domain.Envelope) bool {
	select {
	case s.events <- env:
		return true
	default:
		return false
	}
}

func (s *fakeSubscriber) Evict(reason string) {
	select {
	case s.evicted <- reason:
	default:
	}
}

func (s *fakeSubscriber) next(t *testing.T) domain.Envelope {
	t.Helper()
	select {
	case env := <-s.events:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.Envelope{}
	}
}

func (s *fakeSubscriber) requireNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-s.events:
		t.Fatalf("unexpected envelope on %q: %v", env.Channel, env.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func (s *fakeSubscriber) evictReason(t *testing.T) string {
	t.Helper()
	select {
	case r := <-s.evicted:
		return r
	case <-time.After(time.Second):
		t.Fatal("subscriber was not evicted")
		return ""
	}
}

// fakeStream is an in-memory Stream. Commands are fed through in; closing in simulates the client
// going away.
type fakeStream struct {
	in     chan domain.Command
	malIn  chan struct{}
	closed chan struct{}

	mu          sync.Mutex
	frames      []domain.Frame
	pings       int
	closeCalls  int
	closeReason string
	writeErr    error
	pingErr     error
	writeGate   chan struct{} // when set, WriteFrame waits for it to be closed
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan domain.Command, 16),
		malIn:  make(chan struct{}, 4),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) ReadCommand() (domain.Command, error) {
	select {
	case cmd, ok := <-s.in:
		if !ok {
			return domain.Command{}, io.EOF
		}
		return cmd, nil
	case <-s.malIn:
		return domain.Command{}, errors.Join(domain.ErrMalformedCommand, errors.New("bad json"))
	case <-s.closed:
		return domain.Command{}, io.EOF
	}
}

func (s *fakeStream) WriteFrame(f domain.Frame) error {
	s.mu.Lock()
	gate, err := s.writeGate, s.writeErr
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeStream) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		s.closeReason = reason
		close(s.closed)
	}
	return nil
}

func (s *fakeStream) sent() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Frame(nil), s.frames...)
}

func (s *fakeStream) waitFrames(t *testing.T, n int) []domain.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sent()) >= n }, time.Second, 2*time.Millisecond,
		"expected at least %d frames", n)
	return s.sent()
}

func (s *fakeStream) waitClosed(t *testing.T) string {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// countingClient forwards to a broker and counts Disconnect calls.
type countingClient struct {
	*Broker
	mu          sync.Mutex
	disconnects int
}

func (c *countingClient) Disconnect(id uuid.UUID) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.Broker.Disconnect(id)
}

func (c *countingClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func newTestChannels(t *testing.T) domain.ChannelSet {
	t.Helper()
	set, err := domain.NewChannelSet([]string{"chat"}, []string{"status"})
	require.NoError(t, err)
	return set
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(newTestChannels(t), clockwork.NewRealClock())
	t.Cleanup(b.Stop)
	return b
}

func msg(s string) domain.Message {
	return domain.MustMessage(s)
}

func stats(t *testing.T, b *Broker) Stats {
	t.Helper()
	s, err := b.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func subscribers(t *testing.T, b *Broker, channel string) int {
	t.Helper()
	c, ok := stats(t, b).Channel(channel)
	require.True(t, ok, "channel %q not declared", channel)
	return c.Subscribers
}
