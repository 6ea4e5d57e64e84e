// Package audio captures mono microphone audio with malgo and hands each
// period of samples to a callback.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	ErrNotInitialized = errors.New("audio capture not initialized")
	ErrAlreadyRunning = errors.New("audio capture already running")
	ErrNotRunning     = errors.New("audio capture not running")
	ErrClosed         = errors.New("audio capture closed")
)

// Config holds audio capture configuration
type Config struct {
	DeviceIndex int    // -1 for default device
	SampleRate  uint32 // requested rate; the device may choose another
	BufferSize  uint32 // frames per callback
}

// DefaultConfig returns the capture settings the tone receiver expects.
// 44.1kHz keeps the 18-19kHz signaling band below Nyquist.
func DefaultConfig() Config {
	return Config{
		DeviceIndex: -1,
		SampleRate:  44100,
		BufferSize:  512,
	}
}

// SampleCallback is called directly from the audio thread with new samples.
// Must be non-blocking and fast. The slice is owned by the callee.
type SampleCallback func(samples []float32)

// Device describes a capture device.
type Device struct {
	Index     int
	Name      string
	IsDefault bool
}

// Capture handles real-time mono sampling from a capture device
type Capture struct {
	config Config
	logger *log.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	running     atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	sampleRate  atomic.Uint32
	callbackPtr atomic.Pointer[SampleCallback]
}

// New creates a new audio capture instance
func New(cfg Config) *Capture {
	c := &Capture{
		config: cfg,
		logger: log.Default(),
	}
	c.sampleRate.Store(cfg.SampleRate)
	return c
}

// SetLogger replaces the logger used for device messages.
func (c *Capture) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetCallback sets the callback for captured samples. Passing nil clears it.
func (c *Capture) SetCallback(cb SampleCallback) {
	if cb == nil {
		c.callbackPtr.Store(nil)
		return
	}
	c.callbackPtr.Store(&cb)
}

// Init initializes the audio backend
func (c *Capture) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	c.ctx = ctx
	return nil
}

// ListDevices returns available capture devices
func (c *Capture) ListDevices() ([]Device, error) {
	infos, err := c.deviceInfos()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, len(infos))
	for i, info := range infos {
		devices[i] = Device{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
	}
	return devices, nil
}

func (c *Capture) deviceInfos() ([]malgo.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return nil, ErrNotInitialized
	}
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return infos, nil
}

// Start begins audio capture. Capture stops when ctx is cancelled.
func (c *Capture) Start(ctx context.Context) error {
	if c.running.Load() {
		return ErrAlreadyRunning
	}
	c.mu.Lock()
	initialized := c.ctx != nil
	c.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = c.config.SampleRate
	deviceConfig.PeriodSizeInFrames = c.config.BufferSize
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1

	if c.config.DeviceIndex >= 0 {
		infos, err := c.deviceInfos()
		if err != nil {
			return err
		}
		if c.config.DeviceIndex >= len(infos) {
			return fmt.Errorf("device index %d out of range (have %d devices)",
				c.config.DeviceIndex, len(infos))
		}
		deviceConfig.Capture.DeviceID = infos[c.config.DeviceIndex].ID.Pointer()
	}

	onRecvFrames := func(_, input []byte, _ uint32) {
		if len(input) == 0 || c.closed.Load() {
			return
		}
		cb := c.callbackPtr.Load()
		if cb == nil {
			return
		}
		(*cb)(bytesToFloat32(input))
	}

	c.mu.Lock()
	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.mu.Unlock()
		return fmt.Errorf("start device: %w", err)
	}
	c.device = device
	c.mu.Unlock()

	rate := device.SampleRate()
	c.sampleRate.Store(rate)
	if rate != c.config.SampleRate {
		c.logger.Printf("audio: device runs at %d Hz (requested %d Hz)", rate, c.config.SampleRate)
	}
	c.running.Store(true)

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	return nil
}

// Stop stops audio capture
func (c *Capture) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	return nil
}

// Close releases all audio resources. Safe to call more than once.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.Stop()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ctx != nil {
			if uerr := c.ctx.Uninit(); uerr != nil {
				err = fmt.Errorf("uninit context: %w", uerr)
			}
			c.ctx.Free()
			c.ctx = nil
		}
	})
	return err
}

// IsRunning returns true if capture is active
func (c *Capture) IsRunning() bool {
	return c.running.Load()
}

// SampleRate returns the rate the device actually runs at, or the requested
// rate before Start.
func (c *Capture) SampleRate() uint32 {
	return c.sampleRate.Load()
}

// bytesToFloat32 decodes little-endian float32 samples into a new slice
func bytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
