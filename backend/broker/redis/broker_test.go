package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx     sync.Mutex
	frames map[string][]model.Frame
}

func (r *recorder) Publish(_ context.Context, frame model.Frame, topic string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]model.Frame)
	}
	r.frames[topic] = append(r.frames[topic], frame)
	return true
}

func (r *recorder) got(topic string) []model.Frame {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Frame(nil), r.frames[topic]...)
}

func newBroker(t *testing.T, mr *miniredis.Miniredis, dst *recorder) *Broker {
	t.Helper()
	logger := zerolog.Nop()
	b, err := New(context.Background(), Config{Logger: &logger, Addr: mr.Addr(), Deliverer: dst})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func subscribers(mr *miniredis.Miniredis, topic string) func() bool {
	return func() bool {
		return mr.PubSubNumSub(defaultChannelPrefix + topic)[defaultChannelPrefix+topic] == 1
	}
}

func TestBroker_FanOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var onA, onB recorder
	a := newBroker(t, mr, &onA)
	b := newBroker(t, mr, &onB)

	require.NoError(t, a.Subscribe(ctx, "alice"))
	require.Eventually(t, subscribers(mr, "alice"), time.Second, 10*time.Millisecond)

	frame := model.Frame{Type: model.FrameTypeMessage, SRC: "bob", Topic: "alice", Payload: "duel:player:join:bob"}
	require.NoError(t, b.Publish(ctx, frame))

	assert.Eventually(t, func() bool { return len(onA.got("alice")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, onA.got("alice")[0])
	assert.Empty(t, onB.got("alice"), "instance without local subscribers must not receive")

	require.NoError(t, a.Unsubscribe(ctx, "alice"))
	require.Eventually(t, func() bool { return !subscribers(mr, "alice")() }, time.Second, 10*time.Millisecond)
	require.NoError(t, b.Publish(ctx, frame))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, onA.got("alice"), 1)
}

func TestBroker_SkipsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var dst recorder
	b := newBroker(t, mr, &dst)
	require.NoError(t, b.Subscribe(ctx, "room"))
	require.Eventually(t, subscribers(mr, "room"), time.Second, 10*time.Millisecond)

	mr.Publish(defaultChannelPrefix+"room", "not json")
	require.NoError(t, b.Publish(ctx, model.Frame{Type: model.FrameTypeMessage, Topic: "room", Payload: "ok"}))

	assert.Eventually(t, func() bool { return len(dst.got("room")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok", dst.got("room")[0].Payload)
}

func TestBroker_Unreachable(t *testing.T) {
	logger := zerolog.Nop()
	// nothing listens on port 1
	addr := "127.0.0.1:1"
	_, err := New(context.Background(), Config{Logger: &logger, Addr: addr, Deliverer: &recorder{}})
	assert.ErrorIs(t, err, ErrPing)
}
