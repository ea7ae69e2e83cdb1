package service

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/duelnet/backend/broker"
	"github.com/adwski/duelnet/backend/model"
	store "github.com/adwski/duelnet/backend/storage/memory"
	sw "github.com/adwski/duelnet/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	logger := zerolog.Nop()
	s := sw.NewSwitch(&logger)
	return NewService(Config{
		RoomStore: store.NewMemStore(2),
		Switch:    s,
		Broker:    broker.NewLocal(s),
		Logger:    &logger,
	})
}

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Frame),
		TX: make(chan model.Frame, 64),
	}
}

// waitFor drains tx until a frame matching match arrives.
func waitFor(t *testing.T, tx <-chan model.Frame, match func(model.Frame) bool) model.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-tx:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return model.Frame{}
		}
	}
}

func ackFor(id string) func(model.Frame) bool {
	return func(f model.Frame) bool {
		return f.ID == id && (f.Type == model.FrameTypeAck || f.Type == model.FrameTypeError)
	}
}

func TestService_CreateJoinPublishReady(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, bob := bufferedWire(), bufferedWire()
	require.NoError(t, svc.CreateSession(ctx, "alice", alice))
	require.NoError(t, svc.CreateSession(ctx, "bob", bob))
	assert.ErrorIs(t, svc.CreateSession(ctx, "bob", bob), ErrSessionExists)

	alice.RX <- model.Frame{ID: "1", Type: model.FrameTypeCreateRoom}
	ack := waitFor(t, alice.TX, ackFor("1"))
	require.Equal(t, model.FrameTypeAck, ack.Type, ack.Error)

	alice.RX <- model.Frame{ID: "2", Type: model.FrameTypeSubscribe, Topic: "alice"}
	require.Equal(t, model.FrameTypeAck, waitFor(t, alice.TX, ackFor("2")).Type)

	bob.RX <- model.Frame{ID: "3", Type: model.FrameTypeJoinRoom, Topic: "alice"}
	require.Equal(t, model.FrameTypeAck, waitFor(t, bob.TX, ackFor("3")).Type)
	bob.RX <- model.Frame{ID: "4", Type: model.FrameTypeSubscribe, Topic: "alice"}
	require.Equal(t, model.FrameTypeAck, waitFor(t, bob.TX, ackFor("4")).Type)

	bob.RX <- model.Frame{ID: "5", Type: model.FrameTypePublish, Topic: "alice", Payload: "duel:player:join:bob"}
	msg := waitFor(t, alice.TX, func(f model.Frame) bool { return f.Type == model.FrameTypeMessage })
	assert.Equal(t, "bob", msg.SRC)
	assert.Equal(t, "duel:player:join:bob", msg.Payload)

	alice.RX <- model.Frame{ID: "6", Type: model.FrameTypePlayerReady}
	require.Equal(t, model.FrameTypeAck, waitFor(t, alice.TX, ackFor("6")).Type)
	bob.RX <- model.Frame{ID: "7", Type: model.FrameTypePlayerReady}

	ready := waitFor(t, bob.TX, func(f model.Frame) bool {
		return f.Type == model.FrameTypeMessage && f.Payload == AllPlayersReadyPayload
	})
	assert.Equal(t, "alice", ready.Topic)
	waitFor(t, alice.TX, func(f model.Frame) bool {
		return f.Type == model.FrameTypeMessage && f.Payload == AllPlayersReadyPayload
	})
}

func TestService_JoinUnknownRoom(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := bufferedWire()
	require.NoError(t, svc.CreateSession(ctx, "bob", bob))

	bob.RX <- model.Frame{ID: "1", Type: model.FrameTypeJoinRoom, Topic: "nobody"}
	reply := waitFor(t, bob.TX, ackFor("1"))
	assert.Equal(t, model.FrameTypeError, reply.Type)
	assert.NotEmpty(t, reply.Error)

	bob.RX <- model.Frame{ID: "2", Type: "bogus"}
	assert.Equal(t, model.FrameTypeError, waitFor(t, bob.TX, ackFor("2")).Type)
}

func TestService_DeleteSessionClosesOwnedRoom(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := bufferedWire()
	require.NoError(t, svc.CreateSession(ctx, "alice", alice))
	alice.RX <- model.Frame{ID: "1", Type: model.FrameTypeCreateRoom}
	waitFor(t, alice.TX, ackFor("1"))
	require.Len(t, svc.ListRooms(), 1)

	require.NoError(t, svc.DeleteSession(ctx, "alice"))
	assert.Empty(t, svc.ListRooms())
}
