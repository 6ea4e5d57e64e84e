package detect

import "time"

// Snapshot is an immutable view of the loop state after a tick.
type Snapshot struct {
	Running         bool `json:"running"`
	SourceAvailable bool `json:"source_available"`

	Channels    []ChannelDescriptor `json:"channels"`
	Intensities []float64           `json:"intensities"`
	OutOfRange  []int               `json:"out_of_range,omitempty"`

	// DetectedChannel is the channel selected this tick, valid when Detected
	DetectedChannel int     `json:"detected_channel"`
	Detected        bool    `json:"detected"`
	MaxIntensity    float64 `json:"max_intensity"`

	// LastAcceptedChannel is the last channel reported to the caller, valid when HasAccepted
	LastAcceptedChannel int  `json:"last_accepted_channel"`
	HasAccepted         bool `json:"has_accepted"`

	State           CooldownState `json:"state"`
	LastSignal      time.Time     `json:"last_signal"`
	NoSignalPending bool          `json:"no_signal_pending"`
	NoSignal        bool          `json:"no_signal"`

	Level     float64 `json:"level"`
	Threshold float64 `json:"threshold"`

	SampleRate   float64 `json:"sample_rate"`
	SpectrumSize int     `json:"spectrum_size"`
	BinCount     int     `json:"bin_count"`
	Resolution   float64 `json:"resolution"`

	Ticks        uint64    `json:"ticks"`
	SkippedTicks uint64    `json:"skipped_ticks"`
	Timestamp    time.Time `json:"timestamp"`
}

// Observer receives a snapshot after every tick and state change. It runs on
// the detection path and must not block.
type Observer func(Snapshot)

// clone returns a deep copy so observers never share slices with the loop.
func (s Snapshot) clone() Snapshot {
	out := s
	if s.Channels != nil {
		out.Channels = append([]ChannelDescriptor(nil), s.Channels...)
	}
	if s.Intensities != nil {
		out.Intensities = append([]float64(nil), s.Intensities...)
	}
	if s.OutOfRange != nil {
		out.OutOfRange = append([]int(nil), s.OutOfRange...)
	}
	return out
}
