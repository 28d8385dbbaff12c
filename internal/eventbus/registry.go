package eventbus

import (
	"github.com/google/uuid"
	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/metrics"
)

type channelEntry struct {
	name        string
	discipline  domain.Discipline
	subscribers map[uuid.UUID]Subscriber
	retained    *domain.Envelope
}

// membership is the reverse index used to drop a connection from all its channels at once.
type membership struct {
	subscriber Subscriber
	channels   map[string]struct{}
}

// registry is owned by the broker goroutine. It is never touched concurrently.
type registry struct {
	channels map[string]*channelEntry
	order    []string
	members  map[uuid.UUID]*membership
}

func newRegistry(set domain.ChannelSet) *registry {
	r := &registry{
		channels: make(map[string]*channelEntry, set.Len()),
		order:    set.Names(),
		members:  make(map[uuid.UUID]*membership),
	}

	counts := map[domain.Discipline]int{}
	for _, name := range r.order {
		d, _ := set.Lookup(name)
		r.channels[name] = &channelEntry{
			name:        name,
			discipline:  d,
			subscribers: make(map[uuid.UUID]Subscriber),
		}
		counts[d]++
		metrics.BrokerSubscriptions.WithLabelValues(name).Set(0)
	}
	metrics.BrokerDeclaredChannels.WithLabelValues(domain.Stateless.String()).Set(float64(counts[domain.Stateless]))
	metrics.BrokerDeclaredChannels.WithLabelValues(domain.Stateful.String()).Set(float64(counts[domain.Stateful]))

	return r
}

func (r *registry) lookup(name string) (*channelEntry, bool) {
	entry, ok := r.channels[name]
	return entry, ok
}

// add subscribes sub to entry. It reports false if sub was already subscribed.
func (r *registry) add(entry *channelEntry, sub Subscriber) bool {
	id := sub.ID()
	if _, exists := entry.subscribers[id]; exists {
		return false
	}
	entry.subscribers[id] = sub

	m, ok := r.members[id]
	if !ok {
		m = &membership{subscriber: sub, channels: make(map[string]struct{})}
		r.members[id] = m
	}
	m.channels[entry.name] = struct{}{}

	r.updateGauges(entry)
	return true
}

// remove unsubscribes id from entry. It reports false if id was not subscribed.
func (r *registry) remove(entry *channelEntry, id uuid.UUID) bool {
	if _, exists := entry.subscribers[id]; !exists {
		return false
	}
	delete(entry.subscribers, id)

	if m, ok := r.members[id]; ok {
		delete(m.channels, entry.name)
		if len(m.channels) == 0 {
			delete(r.members, id)
		}
	}

	r.updateGauges(entry)
	return true
}

// removeAll drops id from every channel and returns the subscriber it was registered with, if any.
func (r *registry) removeAll(id uuid.UUID) (Subscriber, int) {
	m, ok := r.members[id]
	if !ok {
		return nil, 0
	}

	for name := range m.channels {
		entry := r.channels[name]
		delete(entry.subscribers, id)
		r.updateGauges(entry)
	}
	delete(r.members, id)
	metrics.BrokerConnectedSubscribers.Set(float64(len(r.members)))

	return m.subscriber, len(m.channels)
}

// subscribers returns every distinct subscriber currently registered.
func (r *registry) subscribers() []Subscriber {
	subs := make([]Subscriber, 0, len(r.members))
	for _, m := range r.members {
		subs = append(subs, m.subscriber)
	}
	return subs
}

func (r *registry) reset() {
	for _, entry := range r.channels {
		clear(entry.subscribers)
		metrics.BrokerSubscriptions.WithLabelValues(entry.name).Set(0)
	}
	clear(r.members)
	metrics.BrokerConnectedSubscribers.Set(0)
}

func (r *registry) updateGauges(entry *channelEntry) {
	metrics.BrokerSubscriptions.WithLabelValues(entry.name).Set(float64(len(entry.subscribers)))
	metrics.BrokerConnectedSubscribers.Set(float64(len(r.members)))
}

// ChannelStats describes one registry entry.
type ChannelStats struct {
	Name        string `json:"name"`
	Discipline  string `json:"discipline"`
	Subscribers int    `json:"subscribers"`
	Retained    bool   `json:"retained"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Channels    []ChannelStats `json:"channels"`
	Connections int            `json:"connections"`
}

// Channel returns the stats of a named channel.
func (s Stats) Channel(name string) (ChannelStats, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelStats{}, false
}

func (r *registry) stats() Stats {
	s := Stats{
		Channels:    make([]ChannelStats, 0, len(r.order)),
		Connections: len(r.members),
	}
	for _, name := range r.order {
		entry := r.channels[name]
		s.Channels = append(s.Channels, ChannelStats{
			Name:        entry.name,
			Discipline:  entry.discipline.String(),
			Subscribers: len(entry.subscribers),
			Retained:    entry.retained != nil,
		})
	}
	return s
}
