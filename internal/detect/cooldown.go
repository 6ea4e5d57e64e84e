package detect

import (
	"fmt"
	"time"

	"github.com/ColonelBlimp/tonelink/internal/clock"
)

// CooldownState is the state of the detection debouncer.
type CooldownState int

const (
	// Idle accepts the next detection
	Idle CooldownState = iota
	// Cooling silently drops detections until the cooldown timer fires
	Cooling
)

func (s CooldownState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Cooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CooldownState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *CooldownState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "cooling":
		*s = Cooling
	default:
		return fmt.Errorf("unknown cooldown state %q", text)
	}
	return nil
}

// scheduleFunc arms a one-shot callback. The Loop supplies one that runs the
// callback under its lock and drops it once the loop has been stopped.
type scheduleFunc func(d time.Duration, f func()) clock.Timer

// Cooldown reports a detection once and then suppresses every detection for
// a fixed window, whether or not the tone is still present.
type Cooldown struct {
	duration time.Duration
	schedule scheduleFunc
	onExpire func()

	state      CooldownState
	acceptedAt time.Time
	timer      clock.Timer
}

func newCooldown(duration time.Duration, schedule scheduleFunc, onExpire func()) *Cooldown {
	return &Cooldown{
		duration: duration,
		schedule: schedule,
		onExpire: onExpire,
		state:    Idle,
	}
}

// Offer presents a detection. It returns true exactly when the detection is
// accepted, which moves the debouncer to Cooling and arms the expiry timer.
func (c *Cooldown) Offer(now time.Time) bool {
	if c.state != Idle {
		return false
	}
	c.state = Cooling
	c.acceptedAt = now
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.schedule(c.duration, c.expire)
	return true
}

func (c *Cooldown) expire() {
	c.timer = nil
	c.state = Idle
	if c.onExpire != nil {
		c.onExpire()
	}
}

// Cancel stops a pending expiry and returns to Idle.
func (c *Cooldown) Cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Idle
}

// State returns the current state.
func (c *Cooldown) State() CooldownState { return c.state }

// AcceptedAt returns when the last detection was accepted.
func (c *Cooldown) AcceptedAt() time.Time { return c.acceptedAt }
