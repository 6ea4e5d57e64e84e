package detect

import (
	"time"

	"github.com/ColonelBlimp/tonelink/internal/clock"
)

// Presence raises a single "no signal" notification once no detection has
// been accepted for longer than the silence timeout. It re-arms only after
// a new detection is accepted.
type Presence struct {
	timeout  time.Duration
	debounce time.Duration
	schedule scheduleFunc
	notify   func()

	lastSignal time.Time
	pending    clock.Timer
	notified   bool
}

func newPresence(timeout, debounce time.Duration, schedule scheduleFunc, notify func()) *Presence {
	return &Presence{
		timeout:  timeout,
		debounce: debounce,
		schedule: schedule,
		notify:   notify,
	}
}

// Reset starts a new silence episode from now without any pending notification.
func (p *Presence) Reset(now time.Time) {
	p.Cancel()
	p.lastSignal = now
	p.notified = false
}

// Signal records an accepted detection.
func (p *Presence) Signal(now time.Time) {
	p.Reset(now)
}

// Check schedules the debounced notification when the silence timeout has
// been exceeded. Ticks that find the condition still true while a
// notification is pending coalesce into it.
func (p *Presence) Check(now time.Time) {
	if p.notified || p.pending != nil {
		return
	}
	if now.Sub(p.lastSignal) <= p.timeout {
		return
	}
	p.pending = p.schedule(p.debounce, p.fire)
}

func (p *Presence) fire() {
	p.pending = nil
	p.notified = true
	if p.notify != nil {
		p.notify()
	}
}

// Cancel drops a pending notification.
func (p *Presence) Cancel() {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// LastSignal returns the time of the last accepted detection, or the start
// of the session if none has been accepted.
func (p *Presence) LastSignal() time.Time { return p.lastSignal }

// Pending reports whether a notification is scheduled.
func (p *Presence) Pending() bool { return p.pending != nil }

// Notified reports whether the current silence episode has been announced.
func (p *Presence) Notified() bool { return p.notified }
