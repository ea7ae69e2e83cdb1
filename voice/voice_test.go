package voice

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/wave"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTopics struct {
	mx         sync.Mutex
	subscribed map[string]bool
	published  [][]byte
	handlers   map[string]func(string, []byte)
}

func newFakeTopics() *fakeTopics {
	return &fakeTopics{
		subscribed: make(map[string]bool),
		handlers:   make(map[string]func(string, []byte)),
	}
}

func (f *fakeTopics) SubscribeTopic(_ context.Context, topic string, _ bool) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.subscribed[topic] = true
	return true
}

func (f *fakeTopics) UnsubscribeTopic(topic string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.subscribed, topic)
}

func (f *fakeTopics) PublishToTopic(_ context.Context, _ string, message []byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.published = append(f.published, message)
	return nil
}

func (f *fakeTopics) OnTopicMessage(topic string, fn func(string, []byte)) func() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.handlers[topic] = fn
	return func() {
		f.mx.Lock()
		defer f.mx.Unlock()
		delete(f.handlers, topic)
	}
}

func (f *fakeTopics) deliver(topic, from string, data []byte) {
	f.mx.Lock()
	fn := f.handlers[topic]
	f.mx.Unlock()
	if fn != nil {
		fn(from, data)
	}
}

func (f *fakeTopics) count() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.published)
}

type recordingPlayer struct {
	mx     sync.Mutex
	chunks []*wave.Float32Interleaved
}

func (p *recordingPlayer) Play(chunk wave.Audio) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.chunks = append(p.chunks, chunk.(*wave.Float32Interleaved))
	return nil
}

func (p *recordingPlayer) count() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.chunks)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestChannel(t *testing.T) (*Channel, *fakeTopics, *recordingPlayer, *fakeClock) {
	t.Helper()
	logger := zerolog.Nop()
	topics := newFakeTopics()
	player := &recordingPlayer{}
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	ch := NewChannel(ChannelConfig{
		Logger: &logger,
		Topics: topics,
		PeerID: "alice",
		Voice:  DefaultConfig(),
		Sink:   player,
		Now:    clock.Now,
	})
	require.NoError(t, ch.Start(context.Background(), "room1"))
	t.Cleanup(ch.Stop)
	return ch, topics, player, clock
}

func loud(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 12000
		} else {
			pcm[i] = -12000
		}
	}
	return pcm
}

func TestChannel_Throttle(t *testing.T) {
	ch, topics, _, clock := newTestChannel(t)
	ctx := context.Background()

	assert.True(t, ch.Offer(ctx, loud(480), 1))
	clock.Advance(50 * time.Millisecond)
	assert.False(t, ch.Offer(ctx, loud(480), 1))
	assert.Equal(t, 1, topics.count())

	clock.Advance(50 * time.Millisecond)
	assert.True(t, ch.Offer(ctx, loud(480), 1))
	assert.Equal(t, 2, topics.count())
}

func TestChannel_SilenceAndMute(t *testing.T) {
	ch, topics, _, clock := newTestChannel(t)
	ctx := context.Background()

	quiet := make([]int16, 480)
	for i := range quiet {
		quiet[i] = 100 // well below 1% of full scale
	}
	assert.False(t, ch.Offer(ctx, quiet, 1))

	ch.SetMicMuted(true)
	assert.False(t, ch.Offer(ctx, loud(480), 1))
	assert.Equal(t, 0, topics.count())

	ch.SetMicMuted(false)
	clock.Advance(time.Second)
	assert.True(t, ch.Offer(ctx, loud(480), 1))
}

func TestChannel_FrameFormat(t *testing.T) {
	ch, topics, _, _ := newTestChannel(t)
	require.True(t, ch.Offer(context.Background(), []int16{1000, -1000, 32767}, 1))

	var frame Frame
	require.NoError(t, json.Unmarshal(topics.published[0], &frame))
	assert.Equal(t, FrameType, frame.Type)
	assert.Equal(t, "alice", frame.SenderID)
	assert.Equal(t, int64(1_700_000_000_000), frame.TimestampMs)
	assert.Equal(t, []byte{0xe8, 0x03, 0x18, 0xfc, 0xff, 0x7f}, frame.Data)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(topics.published[0], &raw))
	assert.Equal(t, "6AMY/P9/", raw["data"])
}

func remoteFrame(t *testing.T, sender string, ts int64) []byte {
	t.Helper()
	b, err := json.Marshal(&Frame{
		Type:        FrameType,
		Data:        encodePCM([]int16{16384, -16384}),
		SenderID:    sender,
		TimestampMs: ts,
	})
	require.NoError(t, err)
	return b
}

func TestChannel_Receive(t *testing.T) {
	ch, topics, player, _ := newTestChannel(t)
	topic := Topic("room1")

	topics.deliver(topic, "alice", remoteFrame(t, "alice", 1000))
	assert.Equal(t, 0, player.count(), "own frames are not played")

	topics.deliver(topic, "bob", []byte("keepalive:123"))
	topics.deliver(topic, "bob", []byte(`{"type":"other"}`))
	topics.deliver(topic, "bob", []byte(`{broken`))
	assert.Equal(t, 0, player.count())

	topics.deliver(topic, "bob", remoteFrame(t, "bob", 1000))
	require.Equal(t, 1, player.count())
	assert.InDelta(t, 0.5, player.chunks[0].Data[0], 1e-6)
	assert.InDelta(t, -0.5, player.chunks[0].Data[1], 1e-6)

	topics.deliver(topic, "bob", remoteFrame(t, "bob", 850))
	assert.Equal(t, 1, player.count(), "stale frame is dropped")

	topics.deliver(topic, "bob", remoteFrame(t, "bob", 950))
	assert.Equal(t, 2, player.count(), "slightly late frame is played")

	ch.SetPlaybackMuted(true)
	topics.deliver(topic, "bob", remoteFrame(t, "bob", 1100))
	assert.Equal(t, 2, player.count())

	ch.SetPlaybackMuted(false)
	ch.SetVolume(0.5)
	topics.deliver(topic, "bob", remoteFrame(t, "bob", 1200))
	require.Equal(t, 3, player.count())
	assert.InDelta(t, 0.25, player.chunks[2].Data[0], 1e-6)
}

func TestChannel_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	topics := newFakeTopics()

	ch := NewChannel(ChannelConfig{Logger: &logger, Topics: topics, PeerID: "alice"})
	assert.ErrorIs(t, ch.Start(context.Background(), "room1"), ErrNoAudioDevice)

	ch = NewChannel(ChannelConfig{Logger: &logger, Topics: topics, PeerID: "alice", Sink: &recordingPlayer{}})
	require.NoError(t, ch.Start(context.Background(), "room1"))
	assert.True(t, topics.subscribed["room1/voice"])

	require.NoError(t, ch.Start(context.Background(), "room2"))
	assert.False(t, topics.subscribed["room1/voice"])
	assert.True(t, topics.subscribed["room2/voice"])
	assert.Equal(t, "room2", ch.RoomID())

	ch.Stop()
	assert.Empty(t, topics.subscribed)
	assert.Empty(t, ch.RoomID())
	assert.False(t, ch.Offer(context.Background(), loud(10), 1))
}

func TestAnalyser(t *testing.T) {
	a := NewAnalyser(Config{FFTSize: 100, MinDecibels: -100, MaxDecibels: -30, Smoothing: 0})
	assert.Equal(t, DefaultFFTSize, a.FFTSize())
	assert.Equal(t, float64(-100), a.Level())

	tone := make([]int16, a.FFTSize())
	for i := range tone {
		tone[i] = int16(16384 * math.Sin(2*math.Pi*16*float64(i)/float64(len(tone))))
	}
	a.Update(tone)
	assert.Greater(t, a.Level(), -12.0)
	data := a.FrequencyData()
	assert.Len(t, data, a.FFTSize()/2)

	var top byte
	for _, b := range data {
		if b > top {
			top = b
		}
	}
	assert.Equal(t, byte(255), top)
}
