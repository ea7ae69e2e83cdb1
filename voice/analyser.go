package voice

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
)

// Analyser turns captured PCM into a smoothed level and a byte-scaled
// frequency spectrum for UI meters.
type Analyser struct {
	mx        sync.RWMutex
	fftSize   int
	minDB     float64
	maxDB     float64
	smoothing float64
	window    []float64
	spectrum  []float64 // smoothed linear magnitudes, fftSize/2 bins
	level     float64   // smoothed rms in dBFS
}

func NewAnalyser(cfg Config) *Analyser {
	size := cfg.FFTSize
	if size < 32 || size&(size-1) != 0 {
		size = DefaultFFTSize
	}
	return &Analyser{
		fftSize:   size,
		minDB:     cfg.MinDecibels,
		maxDB:     cfg.MaxDecibels,
		smoothing: clamp(cfg.Smoothing, 0, 1),
		window:    blackman(size),
		spectrum:  make([]float64, size/2),
		level:     cfg.MinDecibels,
	}
}

func (a *Analyser) FFTSize() int { return a.fftSize }

// Update feeds the most recent fftSize samples of pcm into the analyser.
func (a *Analyser) Update(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	if len(pcm) > a.fftSize {
		pcm = pcm[len(pcm)-a.fftSize:]
	}

	frame := make([]float64, a.fftSize)
	var sum float64
	for i, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
		frame[i] = v * a.window[i]
	}
	rms := math.Sqrt(sum / float64(len(pcm)))

	bins := fft.FFTReal(frame)

	a.mx.Lock()
	defer a.mx.Unlock()
	for k := range a.spectrum {
		mag := cmplx.Abs(bins[k]) / float64(a.fftSize)
		a.spectrum[k] = a.smoothing*a.spectrum[k] + (1-a.smoothing)*mag
	}
	a.level = a.smoothing*a.level + (1-a.smoothing)*clamp(toDB(rms), a.minDB, 0)
}

// FrequencyData returns fftSize/2 bins scaled from [minDB, maxDB] to 0..255.
func (a *Analyser) FrequencyData() []byte {
	a.mx.RLock()
	defer a.mx.RUnlock()

	out := make([]byte, len(a.spectrum))
	span := a.maxDB - a.minDB
	if span <= 0 {
		return out
	}
	for k, mag := range a.spectrum {
		scaled := (toDB(mag) - a.minDB) / span * 255
		out[k] = byte(clamp(scaled, 0, 255))
	}
	return out
}

// Level returns the smoothed input level in dBFS.
func (a *Analyser) Level() float64 {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return a.level
}

func toDB(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
