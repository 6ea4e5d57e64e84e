package detect

import (
	"testing"
	"time"

	"github.com/ColonelBlimp/tonelink/internal/clock"
)

func newTestPresence(fc *clock.Fake, count *int) *Presence {
	p := newPresence(2*time.Second, 100*time.Millisecond, fc.AfterFunc, func() { *count++ })
	p.Reset(fc.Now())
	return p
}

func TestPresence_NoNotificationBeforeTimeout(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	var count int
	p := newTestPresence(fc, &count)

	fc.Advance(2 * time.Second)
	p.Check(fc.Now())
	fc.Advance(time.Second)

	if count != 0 {
		t.Errorf("notified %d times at exactly the timeout, want 0", count)
	}
	if p.Pending() {
		t.Error("notification pending at exactly the timeout")
	}
}

func TestPresence_FiresOnceAfterDebounce(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	var count int
	p := newTestPresence(fc, &count)

	fc.Advance(2*time.Second + time.Millisecond)
	p.Check(fc.Now())
	if !p.Pending() {
		t.Fatal("expected pending notification after timeout")
	}

	// repeated checks coalesce into the pending notification
	for i := 0; i < 5; i++ {
		fc.Advance(10 * time.Millisecond)
		p.Check(fc.Now())
	}
	fc.Advance(50 * time.Millisecond)

	if count != 1 {
		t.Fatalf("notified %d times, want 1", count)
	}
	if !p.Notified() {
		t.Error("Notified() = false after firing")
	}

	for i := 0; i < 100; i++ {
		fc.Advance(50 * time.Millisecond)
		p.Check(fc.Now())
	}
	if count != 1 {
		t.Errorf("re-fired within one silence episode: %d notifications", count)
	}
}

func TestPresence_SignalRearms(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	var count int
	p := newTestPresence(fc, &count)

	fc.Advance(3 * time.Second)
	p.Check(fc.Now())
	fc.Advance(200 * time.Millisecond)
	if count != 1 {
		t.Fatalf("notified %d times, want 1", count)
	}

	p.Signal(fc.Now())
	if p.Notified() {
		t.Error("Notified() = true after Signal")
	}
	if !p.LastSignal().Equal(fc.Now()) {
		t.Errorf("LastSignal() = %v, want %v", p.LastSignal(), fc.Now())
	}

	fc.Advance(2100 * time.Millisecond)
	p.Check(fc.Now())
	fc.Advance(100 * time.Millisecond)
	if count != 2 {
		t.Errorf("notified %d times after second silence, want 2", count)
	}
}

func TestPresence_SignalCancelsPending(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	var count int
	p := newTestPresence(fc, &count)

	fc.Advance(2500 * time.Millisecond)
	p.Check(fc.Now())
	fc.Advance(50 * time.Millisecond)
	p.Signal(fc.Now())
	fc.Advance(time.Second)

	if count != 0 {
		t.Errorf("notified %d times, want 0 after a detection interrupted the debounce", count)
	}
}
