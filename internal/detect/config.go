// Package detect turns a stream of magnitude spectra into debounced channel
// detections for a single-tone frequency-division signaling scheme.
//
// Each logical channel is carried by a sustained tone inside a narrow band
// (by default 18-19 kHz). Channel 0 sits at the top of the band and the last
// channel at the bottom. A Loop samples the spectrum at a fixed period, scores
// every channel, picks the strongest one above the threshold and reports it
// once per cooldown window.
package detect

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidChannelCount indicates channel count must be positive
	ErrInvalidChannelCount = errors.New("channel count must be positive")
	// ErrInvalidFrequencyRange indicates frequency range must be non-negative
	ErrInvalidFrequencyRange = errors.New("frequency range must be non-negative")
	// ErrInvalidBaseFrequency indicates base frequency must be positive
	ErrInvalidBaseFrequency = errors.New("base frequency must be positive")
	// ErrInvalidThreshold indicates threshold must be in (0, 1]
	ErrInvalidThreshold = errors.New("threshold must be greater than 0.0 and at most 1.0")
	// ErrInvalidSampleRate indicates sample rate must be positive
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	// ErrInvalidSpectrumSize indicates spectrum size must be positive
	ErrInvalidSpectrumSize = errors.New("spectrum size must be positive")
	// ErrInvalidHalfWidth indicates bin half-width must be non-negative
	ErrInvalidHalfWidth = errors.New("bin half-width must be non-negative")
	// ErrInvalidInterval indicates tick, cooldown and timeout durations must be positive
	ErrInvalidInterval = errors.New("tick interval, cooldown and timeouts must be positive")
)

// Config holds the immutable tunables of the detection engine.
// A configuration change is applied by stopping the Loop and building a new one.
type Config struct {
	// BaseFrequency is the bottom edge of the signaling band in Hz
	BaseFrequency float64
	// FrequencyRange is the width of the signaling band in Hz
	FrequencyRange float64
	// ChannelCount is the number of logical channels in the band
	ChannelCount int
	// SampleRate is the nominal sample rate in Hz, used until the source reports its own
	SampleRate float64
	// SpectrumSize is the nominal FFT size, used until the source reports its own
	SpectrumSize int
	// Threshold is the minimum intensity (0.0-1.0] a channel needs to be selected
	Threshold float64
	// BinHalfWidth is W in the 2W+1 bin averaging window
	BinHalfWidth int
	// TickInterval is the detection period
	TickInterval time.Duration
	// Cooldown is how long further detections are suppressed after one is accepted
	Cooldown time.Duration
	// SilenceTimeout is how long without an accepted detection before "no signal"
	SilenceTimeout time.Duration
	// NoSignalDebounce delays the "no signal" notification to coalesce ticks
	NoSignalDebounce time.Duration
}

// DefaultConfig returns the settings the transmitter encoding was designed for.
func DefaultConfig() Config {
	return Config{
		BaseFrequency:    18000,
		FrequencyRange:   1000,
		ChannelCount:     16,
		SampleRate:       44100,
		SpectrumSize:     1024,
		Threshold:        0.2,
		BinHalfWidth:     2,
		TickInterval:     50 * time.Millisecond,
		Cooldown:         500 * time.Millisecond,
		SilenceTimeout:   2000 * time.Millisecond,
		NoSignalDebounce: 100 * time.Millisecond,
	}
}

// Validate checks the invariants the engine relies on.
func (c Config) Validate() error {
	var errs []error

	if c.ChannelCount <= 0 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidChannelCount, c.ChannelCount))
	}
	if c.FrequencyRange < 0 {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidFrequencyRange, c.FrequencyRange))
	}
	if c.BaseFrequency <= 0 {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidBaseFrequency, c.BaseFrequency))
	}
	if !(c.Threshold > 0 && c.Threshold <= 1) {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidThreshold, c.Threshold))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w, got %v", ErrInvalidSampleRate, c.SampleRate))
	}
	if c.SpectrumSize <= 0 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidSpectrumSize, c.SpectrumSize))
	}
	if c.BinHalfWidth < 0 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidHalfWidth, c.BinHalfWidth))
	}
	if c.TickInterval <= 0 || c.Cooldown <= 0 || c.SilenceTimeout <= 0 || c.NoSignalDebounce <= 0 {
		errs = append(errs, ErrInvalidInterval)
	}

	return errors.Join(errs...)
}
