package detect

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ColonelBlimp/tonelink/internal/clock"
)

// fakeSource is a controllable spectrum source
type fakeSource struct {
	mu         sync.Mutex
	available  bool
	magnitudes []float64
	sampleRate float64
	size       int
	calls      int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		available:  true,
		magnitudes: make([]float64, testBinCount),
		sampleRate: testSampleRate,
		size:       testSpectrumSize,
	}
}

func (s *fakeSource) Spectrum() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if !s.available {
		return Sample{}, false
	}
	return Sample{
		Magnitudes:   append([]float64(nil), s.magnitudes...),
		SampleRate:   s.sampleRate,
		SpectrumSize: s.size,
	}, true
}

// setTone fills the 5-bin window around the bin of channel with level
func (s *fakeSource) setTone(cfg Config, channel int, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magnitudes = make([]float64, s.size/2)
	bin := BinIndex(cfg.TargetFrequency(channel), s.sampleRate, s.size)
	for i := bin - 2; i <= bin+2; i++ {
		if i >= 0 && i < len(s.magnitudes) {
			s.magnitudes[i] = level
		}
	}
}

func (s *fakeSource) silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magnitudes = make([]float64, s.size/2)
}

func (s *fakeSource) setAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// recorder collects handler events
type recorder struct {
	mu        sync.Mutex
	detected  []int
	detectAt  []time.Time
	noSignals int
	levels    []float64
	snapshots []Snapshot
}

func (r *recorder) handlers(fc *clock.Fake) Handlers {
	return Handlers{
		OnChannelDetected: func(ch int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.detected = append(r.detected, ch)
			r.detectAt = append(r.detectAt, fc.Now())
		},
		OnNoSignal: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.noSignals++
		},
		OnLevelChanged: func(level float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.levels = append(r.levels, level)
		},
	}
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) counts() (detected, noSignals, levels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.detected), r.noSignals, len(r.levels)
}

func newTestLoop(t *testing.T, cfg Config, src SpectrumSource) (*Loop, *clock.Fake, *recorder) {
	t.Helper()
	fc := clock.NewFake(testEpoch)
	rec := &recorder{}
	l, err := New(cfg, src,
		WithClock(fc),
		WithHandlers(rec.handlers(fc)),
		WithObserver(rec.observe),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, fc, rec
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChannelCount = 0

	_, err := New(cfg, newFakeSource())
	if !errors.Is(err, ErrInvalidChannelCount) {
		t.Errorf("New() error = %v, want ErrInvalidChannelCount", err)
	}
}

func TestNew_NilSource(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	if err != ErrSourceRequired {
		t.Errorf("New() error = %v, want ErrSourceRequired", err)
	}
}

func TestLoop_StartStopErrors(t *testing.T) {
	l, _, _ := newTestLoop(t, DefaultConfig(), newFakeSource())

	if err := l.Stop(); err != ErrNotRunning {
		t.Errorf("Stop() before Start = %v, want ErrNotRunning", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !l.Running() {
		t.Error("Running() = false after Start")
	}
	if err := l.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if l.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestLoop_TicksAtFixedPeriod(t *testing.T) {
	src := newFakeSource()
	l, fc, rec := newTestLoop(t, DefaultConfig(), src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(49 * time.Millisecond)
	if src.calls != 0 {
		t.Fatalf("source polled %d times before first period", src.calls)
	}
	fc.Advance(951 * time.Millisecond)

	if src.calls != 20 {
		t.Errorf("source polled %d times in 1s, want 20", src.calls)
	}
	_, _, levels := rec.counts()
	if levels != 20 {
		t.Errorf("OnLevelChanged fired %d times, want 20", levels)
	}
}

func TestLoop_ConcreteScenarioDetectsChannel0(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 0, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)

	if len(rec.detected) != 1 || rec.detected[0] != 0 {
		t.Fatalf("detected = %v, want [0]", rec.detected)
	}
	snap := l.Snapshot()
	if !snap.Detected || snap.DetectedChannel != 0 {
		t.Errorf("snapshot detected = %v/%d, want channel 0", snap.Detected, snap.DetectedChannel)
	}
	if snap.State != Cooling {
		t.Errorf("snapshot state = %v, want cooling", snap.State)
	}
	if snap.Channels[0].BinIndex != 441 {
		t.Errorf("channel 0 bin = %d, want 441", snap.Channels[0].BinIndex)
	}
	if d := snap.MaxIntensity - 0.9; d > 1e-9 || d < -1e-9 {
		t.Errorf("MaxIntensity = %v, want 0.9", snap.MaxIntensity)
	}
	if d := snap.Level - 0.9; d > 1e-9 || d < -1e-9 {
		t.Errorf("Level = %v, want 0.9", snap.Level)
	}
	if snap.Resolution != testSampleRate/testSpectrumSize {
		t.Errorf("Resolution = %v", snap.Resolution)
	}
	if snap.Threshold != cfg.Threshold {
		t.Errorf("Threshold = %v, want %v", snap.Threshold, cfg.Threshold)
	}
	if !snap.LastSignal.Equal(testEpoch.Add(50 * time.Millisecond)) {
		t.Errorf("LastSignal = %v", snap.LastSignal)
	}
}

func TestLoop_SustainedToneOneEventPerCooldown(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 5, 0.8)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(3 * cfg.Cooldown)

	if len(rec.detected) != 3 {
		t.Fatalf("detections over 3 cooldown windows = %d (%v), want 3", len(rec.detected), rec.detectAt)
	}
	for i, ch := range rec.detected {
		if ch != 5 {
			t.Errorf("detection %d channel = %d, want 5", i, ch)
		}
	}
	for i := 1; i < len(rec.detectAt); i++ {
		if gap := rec.detectAt[i].Sub(rec.detectAt[i-1]); gap < cfg.Cooldown {
			t.Errorf("detections %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestLoop_CooldownAppliesAcrossChannels(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 2, 0.8)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)
	src.setTone(cfg, 9, 0.8)
	fc.Advance(400 * time.Millisecond)

	if len(rec.detected) != 1 {
		t.Fatalf("detected = %v, want only the first channel during cooldown", rec.detected)
	}

	fc.Advance(150 * time.Millisecond)
	if len(rec.detected) != 2 || rec.detected[1] != 9 {
		t.Errorf("detected = %v, want [2 9]", rec.detected)
	}
}

func TestLoop_NoSignalFiresOnceAfterSilence(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 1, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond) // accepted at t=50ms
	src.silence()

	fc.Advance(cfg.SilenceTimeout + cfg.NoSignalDebounce)
	if _, n, _ := rec.counts(); n != 0 {
		t.Fatalf("no-signal fired %d times before timeout+debounce elapsed", n)
	}

	fc.Advance(cfg.TickInterval + time.Millisecond)
	if _, n, _ := rec.counts(); n != 1 {
		t.Fatalf("no-signal fired %d times, want 1", n)
	}
	if !l.Snapshot().NoSignal {
		t.Error("snapshot NoSignal = false after notification")
	}

	fc.Advance(10 * time.Second)
	if _, n, _ := rec.counts(); n != 1 {
		t.Errorf("no-signal re-fired without a detection: %d", n)
	}

	src.setTone(cfg, 1, 0.9)
	fc.Advance(50 * time.Millisecond)
	src.silence()
	fc.Advance(cfg.SilenceTimeout + cfg.NoSignalDebounce + 2*cfg.TickInterval)
	if _, n, _ := rec.counts(); n != 2 {
		t.Errorf("no-signal count after second silence = %d, want 2", n)
	}
}

func TestLoop_NoSignalWithoutAnyDetection(t *testing.T) {
	cfg := DefaultConfig()
	l, fc, rec := newTestLoop(t, cfg, newFakeSource())
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(2149 * time.Millisecond)
	if _, n, _ := rec.counts(); n != 0 {
		t.Fatalf("no-signal fired early: %d", n)
	}
	fc.Advance(time.Millisecond)
	if _, n, _ := rec.counts(); n != 1 {
		t.Errorf("no-signal count = %d, want 1 at timeout+tick+debounce", n)
	}
}

func TestLoop_UnavailableSourceSkipsTick(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setAvailable(false)
	src.setTone(cfg, 0, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(500 * time.Millisecond)

	detected, _, levels := rec.counts()
	if detected != 0 || levels != 0 {
		t.Errorf("unavailable source produced %d detections and %d level updates", detected, levels)
	}
	snap := l.Snapshot()
	if snap.SourceAvailable {
		t.Error("SourceAvailable = true while source unavailable")
	}
	if snap.SkippedTicks != 10 {
		t.Errorf("SkippedTicks = %d, want 10", snap.SkippedTicks)
	}

	src.setAvailable(true)
	fc.Advance(50 * time.Millisecond)

	detected, _, levels = rec.counts()
	if detected != 1 || levels != 1 {
		t.Errorf("after recovery: %d detections, %d levels; want 1, 1", detected, levels)
	}
	if !l.Snapshot().SourceAvailable {
		t.Error("SourceAvailable = false after recovery")
	}
}

func TestLoop_RecomputesMappingOnResolutionChange(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)
	if got := l.Snapshot().Channels[0].BinIndex; got != 441 {
		t.Fatalf("bin at 44.1kHz = %d, want 441", got)
	}

	src.mu.Lock()
	src.sampleRate = 48000
	src.mu.Unlock()
	src.setTone(cfg, 3, 0.7)
	fc.Advance(50 * time.Millisecond)

	snap := l.Snapshot()
	want := BinIndex(cfg.TargetFrequency(0), 48000, testSpectrumSize)
	if snap.Channels[0].BinIndex != want {
		t.Errorf("bin at 48kHz = %d, want %d", snap.Channels[0].BinIndex, want)
	}
	if snap.SampleRate != 48000 {
		t.Errorf("SampleRate = %v, want 48000", snap.SampleRate)
	}
	if len(rec.detected) != 1 || rec.detected[0] != 3 {
		t.Errorf("detected = %v, want [3]", rec.detected)
	}
}

func TestLoop_OutOfRangeChannelsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.mu.Lock()
	src.sampleRate = 37000
	src.mu.Unlock()
	// energy everywhere: only in-range channels can be selected
	src.mu.Lock()
	for i := range src.magnitudes {
		src.magnitudes[i] = 0.5
	}
	src.mu.Unlock()

	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)

	snap := l.Snapshot()
	if len(snap.OutOfRange) == 0 {
		t.Fatal("expected out-of-range channels at 37kHz")
	}
	if len(snap.Channels) != cfg.ChannelCount {
		t.Errorf("diagnostics list %d channels, want all %d", len(snap.Channels), cfg.ChannelCount)
	}
	for _, ch := range snap.OutOfRange {
		if snap.Intensities[ch] != 0 {
			t.Errorf("out-of-range channel %d intensity = %v", ch, snap.Intensities[ch])
		}
	}
	if len(rec.detected) != 1 {
		t.Fatalf("detected = %v, want one in-range channel", rec.detected)
	}
	for _, ch := range snap.OutOfRange {
		if rec.detected[0] == ch {
			t.Errorf("selected out-of-range channel %d", ch)
		}
	}
}

func TestLoop_RawUnitsNormalized(t *testing.T) {
	cfg := DefaultConfig()
	bin := BinIndex(cfg.TargetFrequency(4), testSampleRate, testSpectrumSize)
	src := SpectrumSourceFunc(func() (Sample, bool) {
		m := make([]float64, testBinCount)
		for i := bin - 2; i <= bin+2; i++ {
			m[i] = 204
		}
		return Sample{Magnitudes: m, SampleRate: testSampleRate, SpectrumSize: testSpectrumSize, FullScale: 255}, true
	})
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)

	if len(rec.detected) != 1 || rec.detected[0] != 4 {
		t.Errorf("detected = %v, want [4]", rec.detected)
	}
	if lvl := l.Snapshot().Level; lvl < 0.79 || lvl > 0.81 {
		t.Errorf("Level = %v, want 0.8", lvl)
	}
}

func (r *recorder) last() (Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return Snapshot{}, 0
	}
	return r.snapshots[len(r.snapshots)-1], len(r.snapshots)
}

func TestLoop_ObserversSeeSourceLossAndStop(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	fc.Advance(200 * time.Millisecond)
	_, before := rec.last()

	src.setAvailable(false)
	fc.Advance(500 * time.Millisecond)

	snap, after := rec.last()
	if after-before != 10 {
		t.Errorf("observer calls during 10 skipped ticks = %d, want 10", after-before)
	}
	if snap.SourceAvailable {
		t.Error("observer SourceAvailable = true while source unavailable")
	}
	if snap.SkippedTicks != 10 || snap.Ticks != 14 {
		t.Errorf("observer ticks = %d skipped = %d, want 14 and 10", snap.Ticks, snap.SkippedTicks)
	}
	if !snap.Running {
		t.Error("observer Running = false on a skipped tick")
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	snap, stopped := rec.last()
	if stopped != after+1 {
		t.Errorf("observer calls from Stop = %d, want 1", stopped-after)
	}
	if snap.Running || snap.State != Idle || snap.NoSignalPending {
		t.Errorf("final snapshot running=%v state=%v pending=%v, want stopped idle",
			snap.Running, snap.State, snap.NoSignalPending)
	}
	if l.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestLoop_StopCancelsPendingTimers(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 0, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	fc.Advance(100 * time.Millisecond)
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d timers after Stop, want 0", fc.Pending())
	}

	before, _, beforeLevels := rec.counts()
	beforeSnaps := len(rec.snapshots)
	fc.Advance(10 * time.Second)
	after, noSignals, afterLevels := rec.counts()

	if after != before || afterLevels != beforeLevels || noSignals != 0 {
		t.Errorf("callbacks after Stop: detections %d->%d, levels %d->%d, no-signal %d",
			before, after, beforeLevels, afterLevels, noSignals)
	}
	if len(rec.snapshots) != beforeSnaps {
		t.Errorf("observer called %d times after Stop", len(rec.snapshots)-beforeSnaps)
	}
	if l.Snapshot().State != Idle {
		t.Errorf("state after Stop = %v, want idle", l.Snapshot().State)
	}
}

func TestLoop_StopWithPendingNoSignalThenRestart(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	// timeout exceeded at 2050ms, notification pending until 2150ms
	fc.Advance(2100 * time.Millisecond)
	if !l.Snapshot().NoSignalPending {
		t.Fatal("expected a pending no-signal notification")
	}
	src.setTone(cfg, 0, 0.9)
	fc.Advance(0)
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	snap := l.Snapshot()
	if snap.State != Idle || snap.NoSignalPending || snap.HasAccepted {
		t.Errorf("restarted snapshot not fresh: state=%v pending=%v accepted=%v", snap.State, snap.NoSignalPending, snap.HasAccepted)
	}

	src.silence()
	fc.Advance(time.Second)
	if _, n, _ := rec.counts(); n != 0 {
		t.Errorf("no-signal from previous session fired after restart: %d", n)
	}
}

func TestLoop_StopMidCooldownRestartsIdle(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 7, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	fc.Advance(50 * time.Millisecond)
	if l.Snapshot().State != Cooling {
		t.Fatal("expected cooling after detection")
	}
	l.Stop()

	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	fc.Advance(50 * time.Millisecond)

	if len(rec.detected) != 2 {
		t.Errorf("detected = %v, want a fresh detection right after restart", rec.detected)
	}
}

func TestLoop_ObserverGetsIsolatedCopies(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 0, 0.9)
	l, fc, rec := newTestLoop(t, cfg, src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)

	rec.mu.Lock()
	last := rec.snapshots[len(rec.snapshots)-1]
	last.Channels[0].Intensity = -1
	last.Intensities[0] = -1
	rec.mu.Unlock()

	snap := l.Snapshot()
	if snap.Channels[0].Intensity == -1 || snap.Intensities[0] == -1 {
		t.Error("observer mutation leaked into loop snapshot")
	}
}

func TestLoop_SnapshotSafeFromHandler(t *testing.T) {
	cfg := DefaultConfig()
	src := newFakeSource()
	src.setTone(cfg, 0, 0.9)
	fc := clock.NewFake(testEpoch)

	var l *Loop
	var running bool
	l, err := New(cfg, src,
		WithClock(fc),
		WithLogger(log.New(io.Discard, "", 0)),
		WithHandlers(Handlers{OnChannelDetected: func(int) {
			_ = l.Snapshot()
			running = l.Running()
		}}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.Advance(50 * time.Millisecond)
	if !running {
		t.Error("Running() from handler = false")
	}
}

func TestLoop_RealClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	src := newFakeSource()
	src.setTone(cfg, 3, 0.9)

	detected := make(chan int, 16)
	l, err := New(cfg, src,
		WithLogger(log.New(io.Discard, "", 0)),
		WithHandlers(Handlers{OnChannelDetected: func(ch int) {
			select {
			case detected <- ch:
			default:
			}
		}}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case ch := <-detected:
		if ch != 3 {
			t.Errorf("detected channel %d, want 3", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detection with real clock")
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	n := len(detected)
	time.Sleep(4 * cfg.Cooldown / 2)
	if len(detected) != n {
		t.Error("detection delivered after Stop returned")
	}
}
