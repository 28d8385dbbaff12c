package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelSet_DeclaresBothDisciplines(t *testing.T) {
	set, err := NewChannelSet([]string{"chat"}, []string{"status"})
	require.NoError(t, err)

	d, ok := set.Lookup("chat")
	require.True(t, ok)
	assert.Equal(t, Stateless, d)

	d, ok = set.Lookup("status")
	require.True(t, ok)
	assert.Equal(t, Stateful, d)

	_, ok = set.Lookup("nope")
	assert.False(t, ok)

	assert.Equal(t, []string{BroadcastChannel, "chat", "status"}, set.Names())
	assert.Equal(t, 3, set.Len())
}

func TestNewChannelSet_BroadcastAlwaysDeclared(t *testing.T) {
	set, err := NewChannelSet(nil, nil)
	require.NoError(t, err)

	d, ok := set.Lookup(BroadcastChannel)
	require.True(t, ok)
	assert.Equal(t, Stateless, d)

	var zero ChannelSet
	d, ok = zero.Lookup(BroadcastChannel)
	require.True(t, ok)
	assert.Equal(t, Stateless, d)
	assert.Equal(t, []string{BroadcastChannel}, zero.Names())
}

func TestNewChannelSet_BroadcastListedStateless(t *testing.T) {
	set, err := NewChannelSet([]string{BroadcastChannel, "chat"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{BroadcastChannel, "chat"}, set.Names())
}

func TestNewChannelSet_Errors(t *testing.T) {
	tests := []struct {
		name      string
		stateless []string
		stateful  []string
		wantErr   string
	}{
		{"in both lists", []string{"x"}, []string{"x"}, "declared both stateless and stateful"},
		{"duplicate stateless", []string{"x", "x"}, nil, "declared twice"},
		{"duplicate stateful", nil, []string{"y", "y"}, "declared twice"},
		{"empty name", []string{""}, nil, "empty channel name"},
		{"whitespace", nil, []string{"a b"}, "whitespace"},
		{"control char", []string{"a\tb"}, nil, "whitespace or control"},
		{"too long", []string{strings.Repeat("a", 129)}, nil, "longer than"},
		{"reserved stateful", nil, []string{BroadcastChannel}, "must be stateless"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChannelSet(tt.stateless, tt.stateful)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidChannelConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewMessage(t *testing.T) {
	m, err := NewMessage([]byte(`{"state":"ready"}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessage, m.Kind())
	assert.JSONEq(t, `{"state":"ready"}`, string(m.Data()))

	_, err = NewMessage([]byte(`{"state":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = NewMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestMessage_DataIsACopy(t *testing.T) {
	src := []byte(`"ready"`)
	m, err := NewMessage(src)
	require.NoError(t, err)

	src[1] = 'X'
	data := m.Data()
	data[1] = 'Y'

	assert.Equal(t, `"ready"`, m.String())
}

func TestFrameEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	heartbeat, err := json.Marshal(EventFrame(NewEnvelope(BroadcastChannel, Heartbeat{At: at})))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","channel":"all","payload":{"kind":"heartbeat","at":"2024-03-01T12:00:00Z"}}`, string(heartbeat))

	message, err := json.Marshal(EventFrame(NewEnvelope("status", MustMessage(`"busy"`))))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","channel":"status","payload":{"kind":"message","data":"busy"}}`, string(message))
}
