package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed set of event kinds carried on channels.
// Implementations are immutable values; the same Payload is shared by every receiver.
type Payload interface {
	Kind() string
	isPayload()
}

const (
	KindHeartbeat = "heartbeat"
	KindMessage   = "message"
)

// Heartbeat is the liveness signal published on the broadcast channel.
type Heartbeat struct {
	At time.Time
}

func (Heartbeat) Kind() string { return KindHeartbeat }
func (Heartbeat) isPayload()   {}

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string    `json:"kind"`
		At   time.Time `json:"at"`
	}{Kind: KindHeartbeat, At: h.At})
}

// Message carries an arbitrary application JSON value.
// The raw document is kept as a string so that sharing a Message never exposes mutable bytes.
type Message struct {
	raw string
}

// NewMessage validates data as a single JSON value and copies it.
func NewMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty message", ErrInvalidPayload)
	}
	if !json.Valid(data) {
		return Message{}, fmt.Errorf("%w: message is not valid JSON", ErrInvalidPayload)
	}
	return Message{raw: string(data)}, nil
}

// MustMessage is NewMessage for literals known to be valid.
func MustMessage(data string) Message {
	m, err := NewMessage([]byte(data))
	if err != nil {
		panic(err)
	}
	return m
}

func (Message) Kind() string { return KindMessage }
func (Message) isPayload()   {}

// Data returns a copy of the raw JSON document.
func (m Message) Data() json.RawMessage {
	return json.RawMessage(m.raw)
}

func (m Message) String() string { return m.raw }

func (m Message) MarshalJSON() ([]byte, error) {
	data := json.RawMessage(m.raw)
	if m.raw == "" {
		data = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: KindMessage, Data: data})
}

// Envelope pairs a payload with the channel it was published on.
type Envelope struct {
	Channel string
	Payload Payload
}

func NewEnvelope(channel string, payload Payload) Envelope {
	return Envelope{Channel: channel, Payload: payload}
}
