// Package voice bridges local audio capture to a room's voice topic and
// remote voice frames back to local playback. It only needs topic
// primitives, so it works over any transport.
package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	FrameType = "voice"

	DefaultThrottleInterval = 100 * time.Millisecond
	DefaultSilenceThreshold = 0.01
	DefaultSampleRate       = 48000
	DefaultChannels         = 1
	DefaultFFTSize          = 256
	DefaultMinDecibels      = -100
	DefaultMaxDecibels      = -30
	DefaultSmoothing        = 0.8

	stopTimeout = time.Second
)

var (
	ErrNoAudioDevice = errors.New("no audio input or output device")
	ErrSubscribe     = errors.New("unable to subscribe to voice topic")
	ErrOpenSource    = errors.New("unable to open audio input")
)

// Topics is the subset of a transport the voice channel runs on.
type Topics interface {
	SubscribeTopic(ctx context.Context, topic string, waitForMesh bool) bool
	UnsubscribeTopic(topic string)
	PublishToTopic(ctx context.Context, topic string, message []byte) error
	OnTopicMessage(topic string, fn func(from string, data []byte)) (cancel func())
}

// Player renders decoded remote audio.
type Player interface {
	Play(chunk wave.Audio) error
}

// SourceFactory opens the audio input for one voice session. If the
// returned reader implements io.Closer it is closed when the session stops.
type SourceFactory func() (audio.Reader, error)

type Config struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	FFTSize          int           `yaml:"fft_size"`
	MinDecibels      float64       `yaml:"min_decibels"`
	MaxDecibels      float64       `yaml:"max_decibels"`
	Smoothing        float64       `yaml:"smoothing"`
}

func DefaultConfig() Config {
	return Config{
		ThrottleInterval: DefaultThrottleInterval,
		SilenceThreshold: DefaultSilenceThreshold,
		SampleRate:       DefaultSampleRate,
		Channels:         DefaultChannels,
		FFTSize:          DefaultFFTSize,
		MinDecibels:      DefaultMinDecibels,
		MaxDecibels:      DefaultMaxDecibels,
		Smoothing:        DefaultSmoothing,
	}
}

// Frame is the JSON payload published on "<roomId>/voice".
type Frame struct {
	Type        string `json:"type"`
	Data        []byte `json:"data"` // PCM16 little-endian, interleaved
	SenderID    string `json:"senderId"`
	TimestampMs int64  `json:"timestampMs"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
}

// Topic returns the voice topic of a room.
func Topic(roomID string) string {
	return roomID + "/voice"
}

type Channel struct {
	topics   Topics
	peerID   string
	cfg      Config
	source   SourceFactory
	sink     Player
	logger   zerolog.Logger
	analyser *Analyser
	now      func() time.Time

	micMuted      *atomic.Bool
	playbackMuted *atomic.Bool
	volume        *atomic.Float64

	mx          sync.Mutex
	roomID      string
	topic       string
	cancel      context.CancelFunc
	unsubscribe func()
	reader      audio.Reader
	done        chan struct{}
	lastEmit    time.Time
	newest      map[string]int64
}

type ChannelConfig struct {
	Logger *zerolog.Logger
	Topics Topics
	PeerID string
	Voice  Config
	Source SourceFactory
	Sink   Player
	Now    func() time.Time
}

func NewChannel(cfg ChannelConfig) *Channel {
	vc := cfg.Voice
	def := DefaultConfig()
	if vc.ThrottleInterval <= 0 {
		vc.ThrottleInterval = def.ThrottleInterval
	}
	if vc.SilenceThreshold <= 0 {
		vc.SilenceThreshold = def.SilenceThreshold
	}
	if vc.SampleRate <= 0 {
		vc.SampleRate = def.SampleRate
	}
	if vc.Channels <= 0 {
		vc.Channels = def.Channels
	}
	if vc.MinDecibels == 0 && vc.MaxDecibels == 0 {
		vc.MinDecibels, vc.MaxDecibels = def.MinDecibels, def.MaxDecibels
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		topics:        cfg.Topics,
		peerID:        cfg.PeerID,
		cfg:           vc,
		source:        cfg.Source,
		sink:          cfg.Sink,
		logger:        cfg.Logger.With().Str("component", "voice").Logger(),
		analyser:      NewAnalyser(vc),
		now:           now,
		micMuted:      atomic.NewBool(false),
		playbackMuted: atomic.NewBool(false),
		volume:        atomic.NewFloat64(1),
		newest:        make(map[string]int64),
	}
}

func (c *Channel) Analyser() *Analyser { return c.analyser }

func (c *Channel) SetMicMuted(muted bool) { c.micMuted.Store(muted) }

func (c *Channel) SetPlaybackMuted(muted bool) { c.playbackMuted.Store(muted) }

func (c *Channel) MicMuted() bool { return c.micMuted.Load() }

func (c *Channel) PlaybackMuted() bool { return c.playbackMuted.Load() }

// SetVolume sets the playback gain, clamped to [0, 2].
func (c *Channel) SetVolume(v float64) { c.volume.Store(clamp(v, 0, 2)) }

// RoomID returns the room the channel is active in, or "".
func (c *Channel) RoomID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.roomID
}

// Start joins the voice topic of roomID and starts capture when an input is
// available. Starting in the active room is a no-op; starting in another
// room stops the current session first.
func (c *Channel) Start(ctx context.Context, roomID string) error {
	if c.source == nil && c.sink == nil {
		return ErrNoAudioDevice
	}
	if current := c.RoomID(); current == roomID {
		return nil
	} else if current != "" {
		c.Stop()
	}

	topic := Topic(roomID)
	if !c.topics.SubscribeTopic(ctx, topic, false) {
		return ErrSubscribe
	}

	var reader audio.Reader
	if c.source != nil {
		var err error
		if reader, err = c.source(); err != nil {
			c.topics.UnsubscribeTopic(topic)
			return errors.Join(ErrOpenSource, err)
		}
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	c.mx.Lock()
	c.roomID = roomID
	c.topic = topic
	c.cancel = cancel
	c.reader = reader
	c.lastEmit = time.Time{}
	c.newest = make(map[string]int64)
	c.unsubscribe = c.topics.OnTopicMessage(topic, c.receive)
	c.done = make(chan struct{})
	done := c.done
	c.mx.Unlock()

	if reader != nil {
		go c.capture(captureCtx, reader, done)
	} else {
		close(done)
	}
	c.logger.Debug().Str("roomID", roomID).Bool("capture", reader != nil).Msg("voice started")
	return nil
}

// Stop leaves the voice topic and releases the audio input.
func (c *Channel) Stop() {
	c.mx.Lock()
	if c.roomID == "" {
		c.mx.Unlock()
		return
	}
	roomID, topic := c.roomID, c.topic
	cancel, unsubscribe, reader, done := c.cancel, c.unsubscribe, c.reader, c.done
	c.roomID, c.topic, c.cancel, c.unsubscribe, c.reader, c.done = "", "", nil, nil, nil, nil
	c.mx.Unlock()

	cancel()
	unsubscribe()
	if closer, ok := reader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close audio input")
		}
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.logger.Warn().Msg("audio capture did not stop in time")
	}
	c.topics.UnsubscribeTopic(topic)
	c.logger.Debug().Str("roomID", roomID).Msg("voice stopped")
}

func (c *Channel) capture(ctx context.Context, reader audio.Reader, done chan<- struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		chunk, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("audio capture failed")
			}
			return
		}
		pcm, channels := toPCM16(chunk)
		if release != nil {
			release()
		}
		c.Offer(ctx, pcm, channels)
	}
}

// Offer considers one captured PCM16 block for transmission. It reports
// whether a frame was published: the mic must be unmuted, the throttle
// interval must have elapsed since the last emission and the peak must be
// above the silence threshold.
func (c *Channel) Offer(ctx context.Context, pcm []int16, channels int) bool {
	c.analyser.Update(pcm)

	if c.micMuted.Load() {
		return false
	}
	now := c.now()

	c.mx.Lock()
	topic := c.topic
	if topic == "" {
		c.mx.Unlock()
		return false
	}
	if !c.lastEmit.IsZero() && now.Sub(c.lastEmit) < c.cfg.ThrottleInterval {
		c.mx.Unlock()
		return false
	}
	if peak(pcm) <= c.cfg.SilenceThreshold {
		c.mx.Unlock()
		return false
	}
	c.lastEmit = now
	c.mx.Unlock()

	b, err := json.Marshal(&Frame{
		Type:        FrameType,
		Data:        encodePCM(pcm),
		SenderID:    c.peerID,
		TimestampMs: now.UnixMilli(),
		SampleRate:  c.cfg.SampleRate,
		Channels:    channels,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshall voice frame")
		return false
	}
	if err = c.topics.PublishToTopic(ctx, topic, b); err != nil {
		c.logger.Debug().Err(err).Msg("voice frame publish failed")
	}
	return true
}

func (c *Channel) receive(from string, data []byte) {
	if len(data) == 0 || data[0] != '{' {
		return
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameType {
		return
	}
	if frame.SenderID == c.peerID || from == c.peerID {
		return
	}

	c.mx.Lock()
	newest := c.newest[frame.SenderID]
	if newest-frame.TimestampMs > c.cfg.ThrottleInterval.Milliseconds() {
		c.mx.Unlock()
		return
	}
	if frame.TimestampMs > newest {
		c.newest[frame.SenderID] = frame.TimestampMs
	}
	c.mx.Unlock()

	if c.playbackMuted.Load() || c.sink == nil {
		return
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := frame.SampleRate
	if rate <= 0 {
		rate = c.cfg.SampleRate
	}
	if err := c.sink.Play(decodePCM(frame.Data, channels, rate, c.volume.Load())); err != nil {
		c.logger.Debug().Err(err).Str("senderID", frame.SenderID).Msg("playback failed")
	}
}

func toPCM16(chunk wave.Audio) ([]int16, int) {
	info := chunk.ChunkInfo()
	channels := info.Channels
	if channels <= 0 {
		channels = 1
	}
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		out := make([]int16, len(c.Data))
		copy(out, c.Data)
		return out, channels
	case *wave.Float32Interleaved:
		out := make([]int16, len(c.Data))
		for i, s := range c.Data {
			out[i] = floatToPCM16(s)
		}
		return out, channels
	}
	out := make([]int16, 0, info.Len*channels)
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < channels; ch++ {
			out = append(out, int16(chunk.At(i, ch).Int()>>48))
		}
	}
	return out, channels
}

func floatToPCM16(s float32) int16 {
	v := math.Round(float64(s) * math.MaxInt16)
	return int16(clamp(v, math.MinInt16, math.MaxInt16))
}

func peak(pcm []int16) float64 {
	var p int
	for _, s := range pcm {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return float64(p) / 32768
}

func encodePCM(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func decodePCM(b []byte, channels, rate int, gain float64) *wave.Float32Interleaved {
	n := len(b) / 2
	chunk := wave.NewFloat32Interleaved(wave.ChunkInfo{
		Len:          n / channels,
		Channels:     channels,
		SamplingRate: rate,
	})
	for i := 0; i < n/channels*channels; i++ {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		chunk.Data[i] = float32(clamp(float64(s)/32768*gain, -1, 1))
	}
	return chunk
}
