package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/duelnet/voice"
	"github.com/cenkalti/backoff/v4"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	var s Signal[int]
	var got []int

	unsubA := s.Subscribe(func(v int) { got = append(got, v) })
	s.Subscribe(func(v int) { got = append(got, v*10) })
	s.Emit(1)
	assert.Equal(t, []int{1, 10}, got)

	unsubA()
	unsubA()
	s.Emit(2)
	assert.Equal(t, []int{1, 10, 20}, got)
	assert.Equal(t, 1, s.Len())

	s.Reset()
	s.Emit(3)
	assert.Equal(t, []int{1, 10, 20}, got)
}

func TestEvents_OnTopic(t *testing.T) {
	var e Events
	var got []string
	cancel := e.OnTopic("room", func(msg TopicMessage) { got = append(got, string(msg.Data)) })

	e.TopicMessage.Emit(TopicMessage{Topic: "room", Data: []byte("a")})
	e.TopicMessage.Emit(TopicMessage{Topic: "other", Data: []byte("b")})
	cancel()
	e.TopicMessage.Emit(TopicMessage{Topic: "room", Data: []byte("c")})

	assert.Equal(t, []string{"a"}, got)

	e.RemovePeer.Subscribe(func(string) {})
	e.AudioError.Subscribe(func(error) {})
	assert.Equal(t, 2, e.Listeners())
	e.Reset()
	assert.Zero(t, e.Listeners())
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	errMissing := errors.New("missing")
	policy := RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond}

	var calls int
	start := time.Now()
	err := policy.Retry(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errMissing
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, errMissing)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRetryPolicy_SucceedsAndStops(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Delay: time.Millisecond}

	var calls int
	require.NoError(t, policy.Retry(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	}))
	assert.Equal(t, 2, calls)

	errFatal := errors.New("fatal")
	calls = 0
	err := policy.Retry(context.Background(), func(int) error {
		calls++
		return backoff.Permanent(errFatal)
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Cancelled(t *testing.T) {
	policy := RetryPolicy{Attempts: 100, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		done <- policy.Retry(ctx, func(int) error { return errors.New("never") })
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry was not cancelled")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.Attempts)
	assert.Equal(t, 5*time.Second, p.Delay)
}

func TestSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("b"))
	assert.True(t, s.Add("a"))
	assert.Equal(t, []string{"a", "b"}, s.List())
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.True(t, s.Has("b"))
	s.Clear()
	assert.Empty(t, s.List())
}

type nopTopics struct{ *Base }

func (nopTopics) SubscribeTopic(context.Context, string, bool) bool { return true }
func (nopTopics) UnsubscribeTopic(string) {}
func (nopTopics) PublishToTopic(context.Context, string, []byte) error { return nil }

type nopPlayer struct{}

func (nopPlayer) Play(wave.Audio) error { return nil }

func TestBase_Voice(t *testing.T) {
	b := NewBase("test", Options{})
	b.SetPeerID("alice")
	b.SetPeerID("mallory")
	assert.Equal(t, "alice", b.PeerID())

	var audioErrs []error
	b.Events().AudioError.Subscribe(func(err error) { audioErrs = append(audioErrs, err) })
	assert.False(t, b.StartVoiceChat(context.Background(), "alice"))
	require.Len(t, audioErrs, 1)
	assert.ErrorIs(t, audioErrs[0], voice.ErrNoAudioDevice)
	assert.Nil(t, b.AudioAnalyser())

	b = NewBase("test", Options{AudioSink: nopPlayer{}})
	b.SetPeerID("alice")
	b.AttachVoice(nopTopics{b})

	var states []AudioState
	b.Events().AudioStateChange.Subscribe(func(s AudioState) { states = append(states, s) })
	b.SetRoomID("alice")
	require.True(t, b.StartVoiceChat(context.Background(), "alice"))
	require.NotNil(t, b.AudioAnalyser())
	b.SetMicMuted(true)

	assert.Equal(t, "alice", b.ReleaseRoom())
	assert.Empty(t, b.RoomID())
	require.Len(t, states, 3)
	assert.Equal(t, AudioState{RoomID: "alice", Active: true}, states[0])
	assert.True(t, states[1].MicMuted)
	assert.False(t, states[2].Active)

	b.CleanupBase()
	assert.Zero(t, b.Events().Listeners())
}
