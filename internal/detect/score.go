package detect

// Sample is one snapshot of the external spectrum.
type Sample struct {
	// Magnitudes holds one value per bin
	Magnitudes []float64
	// SampleRate is the current capture rate in Hz
	SampleRate float64
	// SpectrumSize is the FFT size the magnitudes were computed with
	SpectrumSize int
	// FullScale is the raw maximum of Magnitudes (e.g. 255). Zero or 1 means
	// the values are already normalized to [0,1].
	FullScale float64
}

// SpectrumSource supplies spectrum snapshots. Spectrum must not block; it
// returns false while the source is unavailable (device not ready).
type SpectrumSource interface {
	Spectrum() (Sample, bool)
}

// SpectrumSourceFunc adapts a function to SpectrumSource.
type SpectrumSourceFunc func() (Sample, bool)

// Spectrum calls f.
func (f SpectrumSourceFunc) Spectrum() (Sample, bool) { return f() }

// normalized returns the magnitudes scaled to [0,1].
func (s Sample) normalized() []float64 {
	if s.FullScale == 0 || s.FullScale == 1 {
		return s.Magnitudes
	}
	out := make([]float64, len(s.Magnitudes))
	for i, m := range s.Magnitudes {
		out[i] = m / s.FullScale
	}
	return out
}

// OverallLevel returns the largest magnitude across all bins.
func OverallLevel(magnitudes []float64) float64 {
	level := 0.0
	for _, m := range magnitudes {
		if m > level {
			level = m
		}
	}
	return level
}

// ScoreIntensities fills in the Intensity of each channel by averaging the
// 2W+1 bins centred on its bin. Bins outside the spectrum contribute nothing
// but still count toward the divisor, so channels near the edge score lower.
// Out-of-range channels score zero.
func ScoreIntensities(channels []ChannelDescriptor, magnitudes []float64, halfWidth int) []float64 {
	intensities := make([]float64, len(channels))
	window := float64(2*halfWidth + 1)

	for i := range channels {
		ch := &channels[i]
		if ch.OutOfRange {
			ch.Intensity = 0
			continue
		}
		sum := 0.0
		for idx := ch.BinIndex - halfWidth; idx <= ch.BinIndex+halfWidth; idx++ {
			if idx >= 0 && idx < len(magnitudes) {
				sum += magnitudes[idx]
			}
		}
		ch.Intensity = sum / window
		intensities[i] = ch.Intensity
	}
	return intensities
}

// SelectPeak returns the channel with the highest intensity at or above
// threshold. Ties go to the lowest channel index. ok is false when no
// channel clears the threshold.
func SelectPeak(intensities []float64, threshold float64) (channel int, intensity float64, ok bool) {
	channel = -1
	for ch, v := range intensities {
		if v >= threshold && v > intensity {
			channel, intensity = ch, v
		}
	}
	return channel, intensity, channel >= 0
}
