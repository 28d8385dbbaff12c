package domain

import (
	"fmt"
	"slices"
	"unicode"
)

// BroadcastChannel is the reserved all-audience channel. It is always declared and always stateless.
const BroadcastChannel = "all"

const maxChannelNameLength = 128

type Discipline int

const (
	Stateless Discipline = iota
	Stateful
)

func (d Discipline) String() string {
	switch d {
	case Stateless:
		return "stateless"
	case Stateful:
		return "stateful"
	default:
		return fmt.Sprintf("discipline(%d)", int(d))
	}
}

// ChannelSet is a validated channel declaration. The zero value declares only the broadcast channel.
type ChannelSet struct {
	disciplines map[string]Discipline
	order       []string
}

// NewChannelSet validates the two declaration lists and builds the set.
// A name may appear in exactly one list, once. The broadcast channel may be listed as stateless.
func NewChannelSet(stateless, stateful []string) (ChannelSet, error) {
	set := ChannelSet{
		disciplines: map[string]Discipline{BroadcastChannel: Stateless},
		order:       []string{BroadcastChannel},
	}

	seen := make(map[string]Discipline, len(stateless)+len(stateful))
	declare := func(name string, d Discipline) error {
		if err := ValidateChannelName(name); err != nil {
			return err
		}
		if prev, dup := seen[name]; dup {
			if prev == d {
				return fmt.Errorf("%w: channel %q declared twice as %s", ErrInvalidChannelConfig, name, d)
			}
			return fmt.Errorf("%w: channel %q declared both stateless and stateful", ErrInvalidChannelConfig, name)
		}
		seen[name] = d

		if name == BroadcastChannel {
			if d != Stateless {
				return fmt.Errorf("%w: reserved channel %q must be stateless", ErrInvalidChannelConfig, name)
			}
			return nil
		}
		set.disciplines[name] = d
		set.order = append(set.order, name)
		return nil
	}

	for _, name := range stateless {
		if err := declare(name, Stateless); err != nil {
			return ChannelSet{}, err
		}
	}
	for _, name := range stateful {
		if err := declare(name, Stateful); err != nil {
			return ChannelSet{}, err
		}
	}

	return set, nil
}

// ValidateChannelName reports whether name is usable as a channel identifier.
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidChannelConfig)
	}
	if len(name) > maxChannelNameLength {
		return fmt.Errorf("%w: channel name longer than %d bytes", ErrInvalidChannelConfig, maxChannelNameLength)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: channel name %q contains whitespace or control characters", ErrInvalidChannelConfig, name)
		}
	}
	return nil
}

// Lookup returns the discipline of a declared channel.
func (s ChannelSet) Lookup(name string) (Discipline, bool) {
	if s.disciplines == nil {
		return Stateless, name == BroadcastChannel
	}
	d, ok := s.disciplines[name]
	return d, ok
}

// Names returns the declared channels in declaration order, broadcast channel first.
func (s ChannelSet) Names() []string {
	if s.order == nil {
		return []string{BroadcastChannel}
	}
	return slices.Clone(s.order)
}

func (s ChannelSet) Len() int {
	if s.order == nil {
		return 1
	}
	return len(s.order)
}
