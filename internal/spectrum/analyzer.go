// Package spectrum turns captured PCM into the normalized magnitude spectrum
// consumed by the detection loop.
//
// The pipeline is: high-pass pre-filter, ring buffer of the latest FFTSize
// samples, Blackman window, real FFT, per-bin temporal smoothing, then a
// linear mapping of [MinDecibels, MaxDecibels] onto [0,1].
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/ColonelBlimp/tonelink/internal/detect"
)

var (
	// ErrInvalidFFTSize indicates the FFT size must be a power of two >= 32
	ErrInvalidFFTSize = errors.New("fft size must be a power of two of at least 32")
	// ErrInvalidSampleRate indicates sample rate must be positive
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	// ErrInvalidSmoothing indicates smoothing must be in [0, 1)
	ErrInvalidSmoothing = errors.New("smoothing must be between 0.0 and 1.0 (exclusive)")
	// ErrInvalidDecibels indicates min decibels must be below max decibels
	ErrInvalidDecibels = errors.New("min decibels must be less than max decibels")
)

// Config holds analyzer configuration.
type Config struct {
	// SampleRate is the capture rate in Hz
	SampleRate float64
	// FFTSize is the analysis frame length; bins = FFTSize/2
	FFTSize int
	// Smoothing is the time constant blending each frame with the previous one
	Smoothing float64
	// MinDecibels maps to 0.0
	MinDecibels float64
	// MaxDecibels maps to 1.0
	MaxDecibels float64
	// HighpassFrequency is the pre-filter cutoff in Hz, 0 disables it
	HighpassFrequency float64
	// HighpassQ is the pre-filter quality factor
	HighpassQ float64
}

// DefaultConfig returns the analyser settings the receiver was tuned with.
func DefaultConfig() Config {
	return Config{
		SampleRate:        44100,
		FFTSize:           1024,
		Smoothing:         0.6,
		MinDecibels:       -100,
		MaxDecibels:       -30,
		HighpassFrequency: 10000,
		HighpassQ:         1,
	}
}

// Validate checks the analyzer settings.
func (c Config) Validate() error {
	var errs []error
	if c.FFTSize < 32 || c.FFTSize&(c.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidFFTSize, c.FFTSize))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidSampleRate, c.SampleRate))
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidSmoothing, c.Smoothing))
	}
	if c.MinDecibels >= c.MaxDecibels {
		errs = append(errs, fmt.Errorf("%w, got %v >= %v", ErrInvalidDecibels, c.MinDecibels, c.MaxDecibels))
	}
	return errors.Join(errs...)
}

// Analyzer accumulates samples written from the capture thread and computes a
// spectrum on demand. It implements detect.SpectrumSource.
type Analyzer struct {
	cfg    Config
	window []float64

	mu         sync.Mutex
	sampleRate float64
	filter     *biquad.Chain
	ring       []float64
	pos        int
	filled     int

	// smoothing state, touched only by Spectrum
	specMu   sync.Mutex
	smoothed []float64
	frame    []float64
}

// New creates an analyzer.
func New(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spectrum config: %w", err)
	}
	return &Analyzer{
		cfg:        cfg,
		window:     window.Blackman(cfg.FFTSize),
		sampleRate: cfg.SampleRate,
		filter:     newHighpass(cfg.HighpassFrequency, cfg.HighpassQ, cfg.SampleRate),
		ring:       make([]float64, cfg.FFTSize),
		smoothed:   make([]float64, cfg.FFTSize/2),
		frame:      make([]float64, cfg.FFTSize),
	}, nil
}

// Write appends samples (normalized -1.0 to 1.0). Safe to call from the
// audio callback: it only filters and copies.
func (a *Analyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	for _, s := range samples {
		x := float64(s)
		if a.filter != nil {
			x = a.filter.ProcessSample(x)
		}
		a.ring[a.pos] = x
		a.pos = (a.pos + 1) % n
		if a.filled < n {
			a.filled++
		}
	}
}

// Spectrum returns the current smoothed spectrum. It reports false until a
// full frame has been written since creation or the last reconfiguration.
func (a *Analyzer) Spectrum() (detect.Sample, bool) {
	a.specMu.Lock()
	defer a.specMu.Unlock()

	a.mu.Lock()
	n := len(a.ring)
	if a.filled < n {
		a.mu.Unlock()
		return detect.Sample{}, false
	}
	sampleRate := a.sampleRate
	copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n-a.pos:], a.ring[:a.pos])
	a.mu.Unlock()

	for i := range a.frame {
		a.frame[i] *= a.window[i]
	}
	bins := fft.FFTReal(a.frame)

	tau := a.cfg.Smoothing
	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	magnitudes := make([]float64, n/2)
	for k := range magnitudes {
		mag := cmplx.Abs(bins[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		magnitudes[k] = normalize(a.smoothed[k], a.cfg.MinDecibels, span)
	}

	return detect.Sample{
		Magnitudes:   magnitudes,
		SampleRate:   sampleRate,
		SpectrumSize: n,
	}, true
}

// SetSampleRate reconfigures the analyzer after the capture device changed
// rate. Buffered audio is discarded.
func (a *Analyzer) SetSampleRate(rate float64) error {
	if rate <= 0 {
		return ErrInvalidSampleRate
	}
	a.specMu.Lock()
	defer a.specMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sampleRate = rate
	a.filter = newHighpass(a.cfg.HighpassFrequency, a.cfg.HighpassQ, rate)
	a.resetLocked()
	return nil
}

// SampleRate returns the rate the analyzer currently assumes.
func (a *Analyzer) SampleRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleRate
}

// Reset discards buffered audio and smoothing state.
func (a *Analyzer) Reset() {
	a.specMu.Lock()
	defer a.specMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Analyzer) resetLocked() {
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
	a.filled = 0
	if a.filter != nil {
		a.filter.Reset()
	}
}

// Config returns the analyzer configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// newHighpass builds a single RBJ high-pass section. It returns nil when the
// cutoff is disabled or not below Nyquist.
func newHighpass(cutoff, q, sampleRate float64) *biquad.Chain {
	if cutoff <= 0 || sampleRate <= 0 || cutoff >= sampleRate/2 {
		return nil
	}
	if q <= 0 {
		q = 1 / math.Sqrt2
	}
	return biquad.NewChain([]biquad.Coefficients{design.Highpass(cutoff, q, sampleRate)})
}

func normalize(mag, minDB, span float64) float64 {
	if mag <= 0 {
		return 0
	}
	v := (20*math.Log10(mag) - minDB) / span
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
