package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/jonboulle/clockwork"
)

const (
	writeWait          = 10 * time.Second
	maxCloseReasonSize = 123 // control frame payload limit minus the status code
)

// inboundFrame is the JSON shape of a client command.
type inboundFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsStream adapts a gorilla connection to eventbus.Stream. ReadCommand is called from one goroutine
// and WriteFrame/Ping/Close from another, which is the concurrency gorilla supports.
type wsStream struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	pongWait time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, clock clockwork.Clock, maxMessageSize int64, pingInterval time.Duration) *wsStream {
	s := &wsStream{
		conn:     conn,
		clock:    clock,
		pongWait: pingInterval * 2,
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(clock.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.clock.Now().Add(s.pongWait))
	})
	return s
}

func (s *wsStream) ReadCommand() (domain.Command, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return domain.Command{}, err
	}
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(s.pongWait))

	if msgType != websocket.TextMessage {
		return domain.Command{}, fmt.Errorf("%w: binary frames are not supported", domain.ErrMalformedCommand)
	}
	return decodeCommand(data)
}

func decodeCommand(data []byte) (domain.Command, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Command{}, fmt.Errorf("%w: %w", domain.ErrMalformedCommand, err)
	}
	if in.Channel == "" {
		return domain.Command{}, fmt.Errorf("%w: missing channel", domain.ErrMalformedCommand)
	}

	switch op := domain.Op(in.Type); op {
	case domain.OpSubscribe, domain.OpUnsubscribe:
		return domain.Command{Op: op, Channel: in.Channel}, nil
	case domain.OpPublish:
		if len(in.Payload) == 0 || string(in.Payload) == "null" {
			return domain.Command{Op: op, Channel: in.Channel}, nil
		}
		msg, err := domain.NewMessage(in.Payload)
		if err != nil {
			return domain.Command{}, fmt.Errorf("%w: %w", domain.ErrMalformedCommand, err)
		}
		return domain.Publish(in.Channel, msg), nil
	case "":
		return domain.Command{}, fmt.Errorf("%w: missing type", domain.ErrMalformedCommand)
	default:
		// Unknown ops are reported by the connection with the offending type attached.
		return domain.Command{Op: op, Channel: in.Channel}, nil
	}
}

func (s *wsStream) WriteFrame(frame domain.Frame) error {
	if err := s.conn.SetWriteDeadline(s.clock.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

func (s *wsStream) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, s.clock.Now().Add(writeWait))
}

// Close sends a close frame carrying reason, then closes the socket. Only the first call has an
// effect.
func (s *wsStream) Close(reason string) error {
	s.closeOnce.Do(func() {
		if len(reason) > maxCloseReasonSize {
			reason = reason[:maxCloseReasonSize]
		}
		msg := websocket.FormatCloseMessage(closeCode(reason), reason)
		err := s.conn.WriteControl(websocket.CloseMessage, msg, s.clock.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.closeErr = err
		}
		if cerr := s.conn.Close(); cerr != nil && s.closeErr == nil {
			s.closeErr = cerr
		}
	})
	return s.closeErr
}

func closeCode(reason string) int {
	switch reason {
	case eventbus.ReasonServerShutdown:
		return websocket.CloseGoingAway
	case eventbus.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	case eventbus.ReasonBrokerUnavailable, eventbus.ReasonBrokerPanic:
		return websocket.CloseTryAgainLater
	case eventbus.ReasonWriteFailed, eventbus.ReasonPingFailed:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}
