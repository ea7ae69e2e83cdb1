package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/adwski/duelnet/voice"
	"github.com/rs/zerolog"
)

type Options struct {
	Logger      *zerolog.Logger
	Voice       voice.Config
	AudioSource voice.SourceFactory
	AudioSink   voice.Player
}

// Base carries identity, the current room, the event registry and voice
// wiring shared by every adapter. Adapters embed *Base and call AttachVoice
// once their topic primitives are usable.
type Base struct {
	logger zerolog.Logger
	events Events
	opts   Options
	subs   *Subscriptions

	mx     *sync.RWMutex
	peerID string
	roomID string
	voice  *voice.Channel
}

func NewBase(component string, opts Options) *Base {
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Base{
		logger: opts.Logger.With().Str("component", component).Logger(),
		opts:   opts,
		subs:   NewSubscriptions(),
		mx:     &sync.RWMutex{},
	}
}

func (b *Base) Logger() *zerolog.Logger { return &b.logger }

func (b *Base) Events() *Events { return &b.events }

func (b *Base) Subscriptions() *Subscriptions { return b.subs }

func (b *Base) PeerID() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.peerID
}

// SetPeerID fixes the identity of the adapter. Later calls are ignored.
func (b *Base) SetPeerID(id string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.peerID == "" {
		b.peerID = id
		b.logger = b.logger.With().Str("peerID", id).Logger()
	}
}

func (b *Base) RoomID() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.roomID
}

func (b *Base) SetRoomID(id string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.roomID = id
}

// ReleaseRoom stops voice on the current room and clears it. It returns the
// id of the released room, or "" when there was none.
func (b *Base) ReleaseRoom() string {
	b.mx.Lock()
	roomID := b.roomID
	b.roomID = ""
	b.mx.Unlock()
	if roomID != "" {
		b.StopVoiceChat(roomID)
	}
	return roomID
}

// OnTopicMessage adapts the topic event to a plain callback.
func (b *Base) OnTopicMessage(topic string, fn func(from string, data []byte)) func() {
	return b.events.OnTopic(topic, func(msg TopicMessage) {
		fn(msg.From, msg.Data)
	})
}

// Deliver emits a topic message received by the adapter.
func (b *Base) Deliver(topic, from string, data []byte) {
	b.events.TopicMessage.Emit(TopicMessage{Topic: topic, From: from, Data: data})
}

// AttachVoice builds the voice channel on top of topics when an audio input
// or output is configured.
func (b *Base) AttachVoice(topics voice.Topics) {
	if b.opts.AudioSource == nil && b.opts.AudioSink == nil {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.voice != nil {
		return
	}
	b.voice = voice.NewChannel(voice.ChannelConfig{
		Logger: b.opts.Logger,
		Topics: topics,
		PeerID: b.peerID,
		Voice:  b.opts.Voice,
		Source: b.opts.AudioSource,
		Sink:   b.opts.AudioSink,
	})
}

func (b *Base) voiceChannel() *voice.Channel {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.voice
}

func (b *Base) StartVoiceChat(ctx context.Context, roomID string) bool {
	ch := b.voiceChannel()
	if ch == nil {
		b.events.AudioError.Emit(voice.ErrNoAudioDevice)
		return false
	}
	if err := ch.Start(ctx, roomID); err != nil {
		b.logger.Error().Err(err).Str("roomID", roomID).Msg("unable to start voice chat")
		b.events.AudioError.Emit(err)
		return false
	}
	b.emitAudioState(ch)
	return true
}

// StopVoiceChat stops voice if it runs in roomID.
func (b *Base) StopVoiceChat(roomID string) {
	ch := b.voiceChannel()
	if ch == nil || ch.RoomID() == "" || ch.RoomID() != roomID {
		return
	}
	ch.Stop()
	b.emitAudioState(ch)
}

func (b *Base) SetMicMuted(muted bool) {
	if ch := b.voiceChannel(); ch != nil {
		ch.SetMicMuted(muted)
		b.emitAudioState(ch)
	}
}

func (b *Base) SetPlaybackMuted(muted bool) {
	if ch := b.voiceChannel(); ch != nil {
		ch.SetPlaybackMuted(muted)
		b.emitAudioState(ch)
	}
}

// SetVolume sets the playback gain of remote voice.
func (b *Base) SetVolume(v float64) {
	if ch := b.voiceChannel(); ch != nil {
		ch.SetVolume(v)
	}
}

func (b *Base) AudioAnalyser() *voice.Analyser {
	if ch := b.voiceChannel(); ch != nil {
		return ch.Analyser()
	}
	return nil
}

func (b *Base) emitAudioState(ch *voice.Channel) {
	roomID := ch.RoomID()
	b.events.AudioStateChange.Emit(AudioState{
		RoomID:        roomID,
		Active:        roomID != "",
		MicMuted:      ch.MicMuted(),
		PlaybackMuted: ch.PlaybackMuted(),
	})
}

// CleanupBase releases audio and detaches every listener.
func (b *Base) CleanupBase() {
	if ch := b.voiceChannel(); ch != nil {
		ch.Stop()
	}
	b.SetRoomID("")
	b.subs.Clear()
	b.events.Reset()
}

// Subscriptions is the set of topics an adapter is subscribed to.
type Subscriptions struct {
	mx     *sync.Mutex
	topics map[string]struct{}
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		mx:     &sync.Mutex{},
		topics: make(map[string]struct{}),
	}
}

// Add reports whether topic was newly added.
func (s *Subscriptions) Add(topic string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.topics[topic]; ok {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

// Remove reports whether topic was present.
func (s *Subscriptions) Remove(topic string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return true
}

func (s *Subscriptions) Has(topic string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Subscriptions) List() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (s *Subscriptions) Clear() {
	s.mx.Lock()
	defer s.mx.Unlock()
	clear(s.topics)
}
