package main

import (
	"math"
	"time"

	"github.com/adwski/duelnet/voice"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	toneFrequency = 440
	toneAmplitude = 0.3
	toneChunk     = 20 * time.Millisecond
)

// toneSource returns a paced sine generator standing in for a microphone.
func toneSource(cfg voice.Config) voice.SourceFactory {
	return func() (audio.Reader, error) {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = voice.DefaultSampleRate
		}
		n := rate * int(toneChunk/time.Millisecond) / 1000
		var phase float64
		step := 2 * math.Pi * toneFrequency / float64(rate)
		next := time.Now()

		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			next = next.Add(toneChunk)
			time.Sleep(time.Until(next))
			chunk := wave.NewFloat32Interleaved(wave.ChunkInfo{Len: n, Channels: 1, SamplingRate: rate})
			for i := 0; i < n; i++ {
				chunk.Data[i] = float32(toneAmplitude * math.Sin(phase))
				phase += step
			}
			return chunk, func() {}, nil
		}), nil
	}
}

// logPlayer counts received voice chunks instead of rendering them.
type logPlayer struct {
	logger zerolog.Logger
	chunks *atomic.Int64
}

func newLogPlayer(logger *zerolog.Logger) *logPlayer {
	return &logPlayer{
		logger: logger.With().Str("component", "player").Logger(),
		chunks: atomic.NewInt64(0),
	}
}

func (p *logPlayer) Play(chunk wave.Audio) error {
	if n := p.chunks.Inc(); n%50 == 1 {
		p.logger.Debug().
			Int64("chunks", n).
			Int("samples", chunk.ChunkInfo().Len).
			Msg("voice received")
	}
	return nil
}
