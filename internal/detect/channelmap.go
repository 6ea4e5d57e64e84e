package detect

import "math"

// ChannelDescriptor describes one channel for a single tick.
type ChannelDescriptor struct {
	Channel         int     `json:"channel"`
	TargetFrequency float64 `json:"target_frequency"`
	BinIndex        int     `json:"bin_index"`
	ActualFrequency float64 `json:"actual_frequency"`
	Intensity       float64 `json:"intensity"`
	// OutOfRange is set when BinIndex falls outside the spectrum
	OutOfRange bool `json:"out_of_range"`
}

// TargetFrequency returns the tone frequency for channel. Channel 0 maps to
// the top of the band; the order is fixed by the transmitter encoding.
func (c Config) TargetFrequency(channel int) float64 {
	step := c.FrequencyRange / float64(c.ChannelCount)
	return c.BaseFrequency + float64(c.ChannelCount-channel)*step
}

// BinIndex returns the spectrum bin nearest to frequency.
func BinIndex(frequency, sampleRate float64, spectrumSize int) int {
	return int(math.Round(frequency * float64(spectrumSize) / sampleRate))
}

// ActualFrequency returns the centre frequency of bin. It is not guaranteed
// to equal the target frequency that produced the bin.
func ActualFrequency(bin int, sampleRate float64, spectrumSize int) float64 {
	return float64(bin) * (sampleRate / float64(spectrumSize))
}

// Channels maps every channel onto a spectrum with the given resolution.
// binCount is the number of magnitudes actually available; channels whose
// bin is at or beyond it are flagged OutOfRange. Intensities are left at zero.
func Channels(cfg Config, sampleRate float64, spectrumSize, binCount int) []ChannelDescriptor {
	out := make([]ChannelDescriptor, cfg.ChannelCount)
	for ch := 0; ch < cfg.ChannelCount; ch++ {
		target := cfg.TargetFrequency(ch)
		bin := BinIndex(target, sampleRate, spectrumSize)
		out[ch] = ChannelDescriptor{
			Channel:         ch,
			TargetFrequency: target,
			BinIndex:        bin,
			ActualFrequency: ActualFrequency(bin, sampleRate, spectrumSize),
			OutOfRange:      bin < 0 || bin >= binCount,
		}
	}
	return out
}
