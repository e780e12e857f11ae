// Package analyser provides a frequency-domain analyser for captured audio.
//
// An [Analyser] keeps the most recent FFT-size window of mono samples and, on
// demand, produces byte-scaled frequency magnitudes with exponential time
// smoothing. The output matches the conventions of a Web Audio AnalyserNode
// (Blackman window, magnitude / N, smoothing, decibel mapping onto 0-255
// between MinDecibels and MaxDecibels), so thresholds tuned against a browser
// analyser carry over unchanged.
//
// One goroutine may call [Analyser.Write] while another calls
// [Analyser.ByteFrequencyData].
package analyser

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/murmur/pkg/audio"
)

const (
	// MinDecibels maps to byte value 0.
	MinDecibels = -100.0
	// MaxDecibels maps to byte value 255.
	MaxDecibels = -30.0

	minFFTSize = 32
	maxFFTSize = 32768
)

// Analyser computes smoothed frequency magnitudes over a sliding window.
type Analyser struct {
	fftSize    int
	smoothing  float64
	sampleRate int

	mu   sync.Mutex
	ring []float64 // last fftSize mono samples
	pos  int       // next write index in ring
	tmp  []float64 // mono conversion scratch

	fft      *fourier.FFT
	window   []float64
	input    []float64
	coeffs   []complex128
	smoothed []float64
}

// New returns an Analyser for the given FFT size, smoothing time constant, and
// capture sample rate. fftSize must be a power of two between 32 and 32768 and
// smoothing must lie in [0, 1].
func New(fftSize int, smoothing float64, sampleRate int) (*Analyser, error) {
	if fftSize < minFFTSize || fftSize > maxFFTSize || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("analyser: fft size %d must be a power of two in [%d, %d]", fftSize, minFFTSize, maxFFTSize)
	}
	if smoothing < 0 || smoothing > 1 || math.IsNaN(smoothing) {
		return nil, fmt.Errorf("analyser: smoothing %v must be in [0, 1]", smoothing)
	}
	if sampleRate <= 0 {
		return nil, errors.New("analyser: sample rate must be positive")
	}
	return &Analyser{
		fftSize:    fftSize,
		smoothing:  smoothing,
		sampleRate: sampleRate,
		ring:       make([]float64, fftSize),
		fft:        fourier.NewFFT(fftSize),
		window:     blackman(fftSize),
		input:      make([]float64, fftSize),
		coeffs:     make([]complex128, fftSize/2+1),
		smoothed:   make([]float64, fftSize/2),
	}, nil
}

// FFTSize returns the analysis window length.
func (a *Analyser) FFTSize() int { return a.fftSize }

// FrequencyBinCount returns the number of bins produced by ByteFrequencyData.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// SampleRate returns the capture rate the analyser was configured for.
func (a *Analyser) SampleRate() int { return a.sampleRate }

// Write appends the samples of frame to the analysis window, downmixing to mono.
func (a *Analyser) Write(frame audio.AudioFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tmp = audio.MonoFloat(a.tmp[:0], frame.Data, frame.Channels)
	a.writeLocked(a.tmp)
}

// WriteSamples appends mono float samples to the analysis window.
func (a *Analyser) WriteSamples(samples []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeLocked(samples)
}

func (a *Analyser) writeLocked(samples []float64) {
	// Only the newest fftSize samples can matter.
	if len(samples) > a.fftSize {
		samples = samples[len(samples)-a.fftSize:]
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData fills dst with the current frequency magnitudes scaled to
// 0-255 and returns the number of bins written (min(len(dst), FrequencyBinCount)).
// Each call advances the time smoothing by one step.
func (a *Analyser) ByteFrequencyData(dst []uint8) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Unroll the ring oldest-first and apply the window.
	for i := range a.fftSize {
		a.input[i] = a.ring[(a.pos+i)%a.fftSize] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	n := min(len(dst), len(a.smoothed))
	scale := 1 / float64(a.fftSize)
	rangeScale := 255 / (MaxDecibels - MinDecibels)
	for k := range a.smoothed {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) * scale
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v
		if k >= n {
			continue
		}
		db := MinDecibels
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		scaled := math.Floor(rangeScale * (db - MinDecibels))
		switch {
		case scaled < 0:
			dst[k] = 0
		case scaled > 255:
			dst[k] = 255
		default:
			dst[k] = uint8(scaled)
		}
	}
	return n
}

// Reset clears the sample window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// blackman returns the Blackman window used by Web Audio analysers.
func blackman(n int) []float64 {
	const (
		alpha = 0.16
		a0    = 0.5 * (1 - alpha)
		a1    = 0.5
		a2    = 0.5 * alpha
	)
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
