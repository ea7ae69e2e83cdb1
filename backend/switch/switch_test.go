package _switch

import (
	"context"
	"testing"

	"github.com/adwski/duelnet/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Frame, 4),
		TX: make(chan model.Frame, 4),
	}
}

func TestSwitch_PublishSkipsSource(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	alice, bob := bufferedWire(), bufferedWire()
	require.NoError(t, sw.Connect("alice", alice))
	require.NoError(t, sw.Connect("bob", bob))
	assert.ErrorIs(t, sw.Connect("bob", bob), ErrAlreadyConnected)

	first, err := sw.Subscribe("room", "alice")
	require.NoError(t, err)
	assert.True(t, first)
	first, err = sw.Subscribe("room", "bob")
	require.NoError(t, err)
	assert.False(t, first)

	frame := model.Frame{Type: model.FrameTypeMessage, SRC: "alice", Topic: "room", Payload: "hi"}
	assert.True(t, sw.Publish(context.Background(), frame, "room"))

	require.Len(t, bob.TX, 1)
	assert.Equal(t, "hi", (<-bob.TX).Payload)
	assert.Len(t, alice.TX, 0)
}

func TestSwitch_SubscribeRequiresConnection(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	_, err := sw.Subscribe("room", "ghost")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSwitch_DisconnectReportsEmptiedTopics(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	require.NoError(t, sw.Connect("alice", bufferedWire()))
	require.NoError(t, sw.Connect("bob", bufferedWire()))
	_, _ = sw.Subscribe("shared", "alice")
	_, _ = sw.Subscribe("shared", "bob")
	_, _ = sw.Subscribe("solo", "alice")

	emptied := sw.Disconnect("alice")
	assert.Equal(t, []string{"solo"}, emptied)
	assert.Equal(t, 1, sw.Subscribers("shared"))

	assert.True(t, sw.Unsubscribe("shared", "bob"))
	assert.False(t, sw.Unsubscribe("shared", "bob"))
}

func TestSwitch_Send(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	bob := bufferedWire()
	require.NoError(t, sw.Connect("bob", bob))

	assert.True(t, sw.Send(context.Background(), model.Frame{Type: model.FrameTypeAck}, "bob"))
	assert.False(t, sw.Send(context.Background(), model.Frame{Type: model.FrameTypeAck}, "nobody"))
	assert.Len(t, bob.TX, 1)
}
