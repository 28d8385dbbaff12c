package domain

// Op is the operation a client command requests.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
)

// Command is one decoded inbound client frame.
// Payload is only set for OpPublish.
type Command struct {
	Op      Op
	Channel string
	Payload Payload
}

func Subscribe(channel string) Command   { return Command{Op: OpSubscribe, Channel: channel} }
func Unsubscribe(channel string) Command { return Command{Op: OpUnsubscribe, Channel: channel} }

func Publish(channel string, payload Payload) Command {
	return Command{Op: OpPublish, Channel: channel, Payload: payload}
}

// FrameType distinguishes outbound frames.
type FrameType string

const (
	FrameEvent FrameType = "event"
	FrameError FrameType = "error"
)

// Frame is one outbound message to a client: either a delivered event or a command error.
type Frame struct {
	Type         FrameType      `json:"type"`
	Channel      string         `json:"channel,omitempty"`
	Payload      Payload        `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorContext map[string]any `json:"context,omitempty"`
}

func EventFrame(env Envelope) Frame {
	return Frame{Type: FrameEvent, Channel: env.Channel, Payload: env.Payload}
}
