// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ColonelBlimp/tonelink/internal/audio"
	"github.com/ColonelBlimp/tonelink/internal/detect"
	"github.com/ColonelBlimp/tonelink/internal/spectrum"
)

const (
	AppName       = "tonelink"
	ConfigType    = "yaml"
	DefaultConfig = `# Tonelink Configuration

# Audio device settings
device_index: -1        # -1 for default device (use 'tonelink devices' to list)
sample_rate: 44100      # Requested capture rate in Hz; the device may pick another
buffer_size: 512        # Frames per capture callback

# Spectrum analysis
fft_size: 1024          # FFT frame length (power of 2), bins = fft_size/2
smoothing: 0.6          # Temporal smoothing time constant (0.0-0.99)
min_decibels: -100      # Level mapped to intensity 0.0
max_decibels: -30       # Level mapped to intensity 1.0
highpass_frequency: 10000 # Pre-filter cutoff in Hz, 0 disables
highpass_q: 1           # Pre-filter quality factor

# Channel plan
base_frequency: 18000   # Bottom of the signaling band in Hz
frequency_range: 1000   # Width of the signaling band in Hz
channel_count: 16       # Channel 0 sits at the top of the band

# Detection
threshold: 0.2          # Minimum channel intensity (0.0-1.0) to detect
bin_half_width: 2       # Bins either side of the target averaged per channel
tick_interval: 50ms     # Detection period
cooldown: 500ms         # Suppress further detections for this long
silence_timeout: 2s     # No detection for this long reports "no signal"
no_signal_debounce: 100ms # Delay before the "no signal" report fires

# Effects
available_effects: 11   # Channels below this drive effects (9-12 always do)

# Outputs
http_listen: ":8080"    # Metrics, diagnostics and websocket; empty disables
mqtt_broker: ""         # e.g. tcp://localhost:1883; empty disables
mqtt_topic: "tonelink"  # Events publish to <topic>/detected, <topic>/no_signal, <topic>/effect
mqtt_client_id: ""      # Generated when empty

debug: false            # Enable per-tick debug output
`
)

// Settings holds all application configuration
type Settings struct {
	// Audio device settings
	DeviceIndex int     `mapstructure:"device_index"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	BufferSize  int     `mapstructure:"buffer_size"`

	// Spectrum analysis
	FFTSize           int     `mapstructure:"fft_size"`
	Smoothing         float64 `mapstructure:"smoothing"`
	MinDecibels       float64 `mapstructure:"min_decibels"`
	MaxDecibels       float64 `mapstructure:"max_decibels"`
	HighpassFrequency float64 `mapstructure:"highpass_frequency"`
	HighpassQ         float64 `mapstructure:"highpass_q"`

	// Channel plan
	BaseFrequency  float64 `mapstructure:"base_frequency"`
	FrequencyRange float64 `mapstructure:"frequency_range"`
	ChannelCount   int     `mapstructure:"channel_count"`

	// Detection
	Threshold        float64       `mapstructure:"threshold"`
	BinHalfWidth     int           `mapstructure:"bin_half_width"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	SilenceTimeout   time.Duration `mapstructure:"silence_timeout"`
	NoSignalDebounce time.Duration `mapstructure:"no_signal_debounce"`

	// Effects
	AvailableEffects int `mapstructure:"available_effects"`

	// Outputs
	HTTPListen   string `mapstructure:"http_listen"`
	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
	MQTTClientID string `mapstructure:"mqtt_client_id"`

	Debug bool `mapstructure:"debug"`
}

// Init initializes Viper with defaults and config file.
// Config file search order: current directory, then ~/.config/tonelink/
func Init() error {
	viper.SetDefault("device_index", -1)
	viper.SetDefault("sample_rate", 44100)
	viper.SetDefault("buffer_size", 512)
	viper.SetDefault("fft_size", 1024)
	viper.SetDefault("smoothing", 0.6)
	viper.SetDefault("min_decibels", -100)
	viper.SetDefault("max_decibels", -30)
	viper.SetDefault("highpass_frequency", 10000)
	viper.SetDefault("highpass_q", 1)
	viper.SetDefault("base_frequency", 18000)
	viper.SetDefault("frequency_range", 1000)
	viper.SetDefault("channel_count", 16)
	viper.SetDefault("threshold", 0.2)
	viper.SetDefault("bin_half_width", 2)
	viper.SetDefault("tick_interval", "50ms")
	viper.SetDefault("cooldown", "500ms")
	viper.SetDefault("silence_timeout", "2s")
	viper.SetDefault("no_signal_debounce", "100ms")
	viper.SetDefault("available_effects", 11)
	viper.SetDefault("http_listen", ":8080")
	viper.SetDefault("mqtt_broker", "")
	viper.SetDefault("mqtt_topic", "tonelink")
	viper.SetDefault("mqtt_client_id", "")
	viper.SetDefault("debug", false)

	viper.SetConfigType(ConfigType)

	// Priority order: current directory first, then XDG config
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	// Try .config.yaml first (hidden file), then config.yaml
	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("read config: %w", err)
		}
		// No config found - create default in ~/.config/tonelink/
		if err = ensureConfigExists(filepath.Join(configDir, AppName)); err != nil {
			return err
		}
		if err = viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err = os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current settings
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Warnings reports settings that are accepted but degrade detection. A band
// reaching Nyquist leaves its top channels out of range; they score zero and
// the rest keep working.
func (s *Settings) Warnings() []string {
	var warnings []string
	if top := s.BaseFrequency + s.FrequencyRange; s.SampleRate > 0 && top >= s.SampleRate/2 {
		warnings = append(warnings, fmt.Sprintf(
			"base_frequency + frequency_range (%v Hz) reaches Nyquist (%v Hz), upper channels will be out of range",
			top, s.SampleRate/2))
	}
	return warnings
}

// Validate checks that all settings are within acceptable ranges
func (s *Settings) Validate() error {
	var errs []error

	// Audio device settings
	if s.DeviceIndex < -1 {
		errs = append(errs, fmt.Errorf("device_index must be -1 (default) or a device index, got %d", s.DeviceIndex))
	}
	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %v", s.SampleRate))
	}
	if s.BufferSize < 64 || s.BufferSize > 8192 {
		errs = append(errs, fmt.Errorf("buffer_size must be between 64 and 8192, got %d", s.BufferSize))
	}

	// Spectrum analysis
	if s.FFTSize < 32 || s.FFTSize > 32768 {
		errs = append(errs, fmt.Errorf("fft_size must be between 32 and 32768, got %d", s.FFTSize))
	}
	if s.FFTSize&(s.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("fft_size must be a power of 2, got %d", s.FFTSize))
	}
	if s.Smoothing < 0 || s.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("smoothing must be in [0.0, 1.0), got %v", s.Smoothing))
	}
	if s.MinDecibels >= s.MaxDecibels {
		errs = append(errs, fmt.Errorf("min_decibels (%v) must be below max_decibels (%v)", s.MinDecibels, s.MaxDecibels))
	}
	if s.HighpassFrequency < 0 {
		errs = append(errs, fmt.Errorf("highpass_frequency must be >= 0, got %v", s.HighpassFrequency))
	}
	if s.HighpassFrequency > 0 && s.HighpassQ <= 0 {
		errs = append(errs, fmt.Errorf("highpass_q must be > 0, got %v", s.HighpassQ))
	}

	// Channel plan
	if s.ChannelCount < 1 || s.ChannelCount > 256 {
		errs = append(errs, fmt.Errorf("channel_count must be between 1 and 256, got %d", s.ChannelCount))
	}
	if s.BaseFrequency <= 0 {
		errs = append(errs, fmt.Errorf("base_frequency must be > 0, got %v", s.BaseFrequency))
	}
	if s.FrequencyRange < 0 {
		errs = append(errs, fmt.Errorf("frequency_range must be >= 0, got %v", s.FrequencyRange))
	}

	// Detection
	if s.Threshold <= 0.0 || s.Threshold > 1.0 {
		errs = append(errs, fmt.Errorf("threshold must be in (0.0, 1.0], got %v", s.Threshold))
	}
	if s.BinHalfWidth < 0 || s.BinHalfWidth > 32 {
		errs = append(errs, fmt.Errorf("bin_half_width must be between 0 and 32, got %d", s.BinHalfWidth))
	}
	if s.TickInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("tick_interval must be at least 1ms, got %v", s.TickInterval))
	}
	if s.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("cooldown must be > 0, got %v", s.Cooldown))
	}
	if s.SilenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("silence_timeout must be > 0, got %v", s.SilenceTimeout))
	}
	if s.NoSignalDebounce <= 0 {
		errs = append(errs, fmt.Errorf("no_signal_debounce must be > 0, got %v", s.NoSignalDebounce))
	}

	// Effects
	if s.AvailableEffects < 0 {
		errs = append(errs, fmt.Errorf("available_effects must be >= 0, got %d", s.AvailableEffects))
	}

	// Outputs
	if s.MQTTBroker != "" && s.MQTTTopic == "" {
		errs = append(errs, errors.New("mqtt_topic is required when mqtt_broker is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// DetectConfig builds the detection core configuration.
func (s *Settings) DetectConfig() detect.Config {
	return detect.Config{
		BaseFrequency:    s.BaseFrequency,
		FrequencyRange:   s.FrequencyRange,
		ChannelCount:     s.ChannelCount,
		SampleRate:       s.SampleRate,
		SpectrumSize:     s.FFTSize,
		Threshold:        s.Threshold,
		BinHalfWidth:     s.BinHalfWidth,
		TickInterval:     s.TickInterval,
		Cooldown:         s.Cooldown,
		SilenceTimeout:   s.SilenceTimeout,
		NoSignalDebounce: s.NoSignalDebounce,
	}
}

// SpectrumConfig builds the analyzer configuration.
func (s *Settings) SpectrumConfig() spectrum.Config {
	return spectrum.Config{
		SampleRate:        s.SampleRate,
		FFTSize:           s.FFTSize,
		Smoothing:         s.Smoothing,
		MinDecibels:       s.MinDecibels,
		MaxDecibels:       s.MaxDecibels,
		HighpassFrequency: s.HighpassFrequency,
		HighpassQ:         s.HighpassQ,
	}
}

// AudioConfig builds the capture configuration.
func (s *Settings) AudioConfig() audio.Config {
	return audio.Config{
		DeviceIndex: s.DeviceIndex,
		SampleRate:  uint32(s.SampleRate),
		BufferSize:  uint32(s.BufferSize),
	}
}
