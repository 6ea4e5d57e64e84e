package detect

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ColonelBlimp/tonelink/internal/clock"
)

var (
	// ErrSourceRequired indicates a spectrum source is required
	ErrSourceRequired = errors.New("spectrum source is required")
	// ErrAlreadyRunning indicates the loop was started twice
	ErrAlreadyRunning = errors.New("detection loop already running")
	// ErrNotRunning indicates the loop is not running
	ErrNotRunning = errors.New("detection loop not running")
)

// Handlers receive detection events. They are called on the detection path
// with the loop locked: they must be fast and must not call Start or Stop.
// Snapshot and Running are safe to call from a handler.
type Handlers struct {
	// OnChannelDetected fires at most once per cooldown window
	OnChannelDetected func(channel int)
	// OnNoSignal fires once per silence episode
	OnNoSignal func()
	// OnLevelChanged fires on every tick the source is available
	OnLevelChanged func(level float64)
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithHandlers sets the event handlers.
func WithHandlers(h Handlers) Option {
	return func(l *Loop) { l.handlers = h }
}

// WithObserver registers a diagnostics observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithLogger sets the logger used for detections and misconfiguration warnings.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithDebug enables per-tick logging.
func WithDebug(debug bool) Option {
	return func(l *Loop) { l.debug = debug }
}

// Loop pulls a spectrum on a fixed period and runs scoring, peak selection,
// cooldown and presence monitoring on it. Ticks never overlap: the next tick
// is armed only after the current one has returned.
type Loop struct {
	cfg       Config
	source    SpectrumSource
	clock     clock.Clock
	handlers  Handlers
	observers []Observer
	logger    *log.Logger
	debug     bool

	mu       sync.Mutex
	running  bool
	session  uint64
	tick     clock.Timer
	cooldown *Cooldown
	presence *Presence

	// detection state, owned by the tick
	lastAccepted int
	hasAccepted  bool
	level        float64
	ticks        uint64
	skipped      uint64
	resolution   [2]float64
	current      Snapshot

	snapMu   sync.RWMutex
	snapshot Snapshot
}

// New validates cfg and builds a stopped Loop.
func New(cfg Config, source SpectrumSource, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detect config: %w", err)
	}
	if source == nil {
		return nil, ErrSourceRequired
	}

	l := &Loop{
		cfg:          cfg,
		source:       source,
		clock:        clock.Real{},
		logger:       log.Default(),
		lastAccepted: -1,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.snapshot = l.baseSnapshot()
	return l, nil
}

// Start begins ticking. The caller must already hold whatever capture
// permission the spectrum source needs.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}

	l.session++
	l.running = true
	l.cooldown = newCooldown(l.cfg.Cooldown, l.schedule, l.cooldownExpired)
	l.presence = newPresence(l.cfg.SilenceTimeout, l.cfg.NoSignalDebounce, l.schedule, l.noSignal)
	l.presence.Reset(l.clock.Now())
	l.lastAccepted = -1
	l.hasAccepted = false
	l.level = 0
	l.ticks = 0
	l.skipped = 0
	l.resolution = [2]float64{}

	l.current = l.baseSnapshot()
	l.publish()
	l.tick = l.schedule(l.cfg.TickInterval, l.runTick)
	return nil
}

// Stop cancels the tick timer and every pending cooldown and no-signal
// timer. Observers see a final snapshot with Running false; no handler or
// observer is called once Stop has returned.
func (l *Loop) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return ErrNotRunning
	}

	l.running = false
	l.session++
	if l.tick != nil {
		l.tick.Stop()
		l.tick = nil
	}
	l.cooldown.Cancel()
	l.presence.Cancel()

	// observers get the stopped snapshot before Stop returns
	l.publish()
	return nil
}

// Running reports whether the loop is ticking. It is safe to call from handlers.
func (l *Loop) Running() bool {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snapshot.Running
}

// Snapshot returns the latest diagnostics. It is safe to call from handlers.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snapshot.clone()
}

// Config returns the configuration the loop was built with.
func (l *Loop) Config() Config {
	return l.cfg
}

// schedule arms f so that it runs under the loop lock, and only if the loop
// is still in the session that armed it.
func (l *Loop) schedule(d time.Duration, f func()) clock.Timer {
	session := l.session
	return l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.running || l.session != session {
			return
		}
		f()
	})
}

func (l *Loop) runTick() {
	start := l.clock.Now()
	l.process(start)

	next := l.cfg.TickInterval - l.clock.Now().Sub(start)
	if next < 0 {
		next = 0
	}
	l.tick = l.schedule(next, l.runTick)
}

func (l *Loop) process(now time.Time) {
	l.ticks++

	sample, ok := l.source.Spectrum()
	if !ok || len(sample.Magnitudes) == 0 {
		l.skipped++
		l.current.SourceAvailable = false
		l.current.Ticks = l.ticks
		l.current.SkippedTicks = l.skipped
		l.current.Timestamp = now
		l.publish()
		if l.debug {
			l.logger.Printf("detect: spectrum source unavailable, tick %d skipped", l.ticks)
		}
		return
	}

	sampleRate := sample.SampleRate
	if sampleRate <= 0 {
		sampleRate = l.cfg.SampleRate
	}
	size := sample.SpectrumSize
	if size <= 0 {
		size = l.cfg.SpectrumSize
	}
	magnitudes := sample.normalized()

	l.level = OverallLevel(magnitudes)
	if l.handlers.OnLevelChanged != nil {
		l.handlers.OnLevelChanged(l.level)
	}

	channels := Channels(l.cfg, sampleRate, size, len(magnitudes))
	intensities := ScoreIntensities(channels, magnitudes, l.cfg.BinHalfWidth)
	outOfRange := outOfRangeChannels(channels)
	l.checkResolution(sampleRate, size, outOfRange)

	channel, intensity, detected := SelectPeak(intensities, l.cfg.Threshold)
	if detected && l.cooldown.Offer(now) {
		l.lastAccepted = channel
		l.hasAccepted = true
		l.presence.Signal(now)
		l.logger.Printf("detect: channel %d detected (intensity %.3f)", channel, intensity)
		if l.handlers.OnChannelDetected != nil {
			l.handlers.OnChannelDetected(channel)
		}
	} else if detected && l.debug {
		l.logger.Printf("detect: channel %d suppressed during cooldown", channel)
	}

	l.presence.Check(now)

	if !detected {
		channel = -1
		intensity = 0
	}
	l.current = Snapshot{
		Running:             true,
		SourceAvailable:     true,
		Channels:            channels,
		Intensities:         intensities,
		OutOfRange:          outOfRange,
		DetectedChannel:     channel,
		Detected:            detected,
		MaxIntensity:        intensity,
		LastAcceptedChannel: l.lastAccepted,
		HasAccepted:         l.hasAccepted,
		Level:               l.level,
		Threshold:           l.cfg.Threshold,
		SampleRate:          sampleRate,
		SpectrumSize:        size,
		BinCount:            len(magnitudes),
		Resolution:          sampleRate / float64(size),
		Ticks:               l.ticks,
		SkippedTicks:        l.skipped,
		Timestamp:           now,
	}
	l.publish()
}

// checkResolution logs out-of-range channels once per resolution change.
func (l *Loop) checkResolution(sampleRate float64, size int, outOfRange []int) {
	res := [2]float64{sampleRate, float64(size)}
	if res == l.resolution {
		return
	}
	l.resolution = res
	if len(outOfRange) > 0 {
		l.logger.Printf("detect: channels %v outside spectrum at %.0f Hz / %d bins, excluded from detection",
			outOfRange, sampleRate, size)
	}
}

func (l *Loop) cooldownExpired() {
	l.publish()
}

func (l *Loop) noSignal() {
	l.logger.Printf("detect: no signal for %v", l.clock.Now().Sub(l.presence.LastSignal()))
	if l.handlers.OnNoSignal != nil {
		l.handlers.OnNoSignal()
	}
	l.publish()
}

// publish refreshes the state fields of the current snapshot, stores it and
// hands a copy to each observer.
func (l *Loop) publish() {
	l.current.Running = l.running
	l.current.State = l.cooldown.State()
	l.current.LastSignal = l.presence.LastSignal()
	l.current.NoSignalPending = l.presence.Pending()
	l.current.NoSignal = l.presence.Notified()
	l.current.LastAcceptedChannel = l.lastAccepted
	l.current.HasAccepted = l.hasAccepted
	l.storeSnapshot()

	for _, o := range l.observers {
		o(l.current.clone())
	}
}

func (l *Loop) storeSnapshot() {
	l.snapMu.Lock()
	l.snapshot = l.current.clone()
	l.snapMu.Unlock()
}

func (l *Loop) baseSnapshot() Snapshot {
	return Snapshot{
		DetectedChannel:     -1,
		LastAcceptedChannel: -1,
		Threshold:           l.cfg.Threshold,
		SampleRate:          l.cfg.SampleRate,
		SpectrumSize:        l.cfg.SpectrumSize,
		Resolution:          l.cfg.SampleRate / float64(l.cfg.SpectrumSize),
	}
}

func outOfRangeChannels(channels []ChannelDescriptor) []int {
	var out []int
	for _, ch := range channels {
		if ch.OutOfRange {
			out = append(out, ch.Channel)
		}
	}
	return out
}
