// Package servo drives one hobby-servo PWM channel: a mutex-guarded
// state record (enable, current/target angle, speed, calibration) plus a
// timer-driven motion loop that ramps the output toward the target.
package servo

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"servodrive-go/x/mathx"
)

const (
	DefaultPeriodNs = 20_000_000 // 20 ms -> 50 Hz
	DefaultTickMs   = 20         // motion loop period, matches the refresh period
	DefaultAngle    = 90
)

// Config tunes a Controller. Zero values select the defaults above.
type Config struct {
	PeriodNs   uint32
	TickMs     int
	StartAngle *int
	Clock      clock.Clock
	Logger     golog.Logger
}

// Controller owns the servo state. All mutation happens under mu, by the
// command methods and by the motion tick; the two never overlap.
type Controller struct {
	out      Output
	periodNs uint32
	tickMs   int
	interval time.Duration
	clk      clock.Clock
	logger   golog.Logger

	mu      sync.Mutex
	enabled bool
	cur     int
	target  int
	speed   int // degrees per second; 0 = jump
	limits  Limits
	closed  bool

	// Motion scheduler. armed means a future tick is pending; gen
	// invalidates ticks scheduled before the latest disarm.
	armed bool
	gen   uint64
	timer *clock.Timer
}

// NewController builds a disabled controller resting at the start angle
// and pre-configures the output with the matching pulse.
func NewController(out Output, cfg Config) (*Controller, error) {
	if cfg.PeriodNs == 0 {
		cfg.PeriodNs = DefaultPeriodNs
	}
	if cfg.TickMs <= 0 {
		cfg.TickMs = DefaultTickMs
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.NewLogger("servo")
	}
	start := DefaultAngle
	if cfg.StartAngle != nil {
		start = *cfg.StartAngle
	}

	c := &Controller{
		out:      out,
		periodNs: cfg.PeriodNs,
		tickMs:   cfg.TickMs,
		interval: time.Duration(cfg.TickMs) * time.Millisecond,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		cur:      start,
		target:   start,
		limits:   DefaultLimits(),
	}

	if err := out.Configure(c.limits.PulseNs(start), c.periodNs); err != nil {
		return nil, errors.Wrap(err, "preconfigure pwm")
	}
	return c, nil
}

// PeriodNs returns the fixed refresh period set at construction.
func (c *Controller) PeriodNs() uint32 { return c.periodNs }

// TickMs returns the motion loop period in milliseconds.
func (c *Controller) TickMs() int { return c.tickMs }

// Enable powers the output on or off. Turning the servo on applies the
// current angle immediately and starts the motion loop when a ramp is
// outstanding. Turning it off cancels the motion loop synchronously: no
// tick mutates state after Enable(false) returns.
func (c *Controller) Enable(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case on && !c.enabled:
		if err := c.out.Enable(); err != nil {
			return errors.Wrap(err, "enable pwm")
		}
		c.enabled = true
		if err := c.applyAngleLocked(c.cur); err != nil {
			c.logger.Errorw("initial angle write failed", "error", err)
		}
		if c.speed > 0 && c.cur != c.target {
			c.armLocked(0)
		}
	case !on && c.enabled:
		c.disarmLocked()
		c.out.Disable()
		c.enabled = false
	}
	return nil
}

// Enabled reports whether the output is powered.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetAngle clamps the angle into the calibrated range and stores it as
// the target. Disabled servos accept the target silently; at speed 0 the
// angle is applied immediately, otherwise the motion loop ramps to it.
// On a failed hardware write the target is kept, not rolled back.
func (c *Controller) SetAngle(angle int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = mathx.Clamp(angle, c.limits.MinAngle, c.limits.MaxAngle)
	if !c.enabled {
		return nil
	}
	if c.speed == 0 {
		if err := c.applyAngleLocked(c.target); err != nil {
			return errors.Wrap(err, "apply angle")
		}
		return nil
	}
	c.armLocked(0)
	return nil
}

// Angle returns the current (actual) angle.
func (c *Controller) Angle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Target returns the stored target angle.
func (c *Controller) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SetSpeed stores the ramp speed in degrees per second. Negative values
// clamp to 0 (jump mode). Raising the speed on a misaligned, enabled
// servo restarts the motion loop.
func (c *Controller) SetSpeed(dps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dps < 0 {
		dps = 0
	}
	c.speed = dps
	if c.enabled && c.speed > 0 && c.cur != c.target {
		c.armLocked(0)
	}
}

// Speed returns the stored ramp speed.
func (c *Controller) Speed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetLimits replaces the calibration wholesale. Invalid limits are
// rejected before any mutation. The stored current/target angles are
// not clamped into the new range; only the pulse for the unchanged
// current angle is re-derived under the new mapping.
func (c *Controller) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
	if c.enabled {
		if err := c.applyAngleLocked(c.cur); err != nil {
			return errors.Wrap(err, "reapply angle")
		}
	}
	return nil
}

// CurrentLimits returns a snapshot of the stored calibration.
func (c *Controller) CurrentLimits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Close cancels the motion loop and powers the output off. The output
// handle must stay valid until Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.disarmLocked()
	if c.enabled {
		c.out.Disable()
		c.enabled = false
	}
}

// applyAngleLocked writes the pulse for angle and commits it as the
// current angle only if the write succeeds. No-op while disabled.
func (c *Controller) applyAngleLocked(angle int) error {
	if !c.enabled {
		return nil
	}
	if err := c.out.Configure(c.limits.PulseNs(angle), c.periodNs); err != nil {
		return err
	}
	c.cur = angle
	return nil
}

// armLocked schedules a tick after d unless one is already pending.
func (c *Controller) armLocked(d time.Duration) {
	if c.armed {
		return
	}
	c.armed = true
	gen := c.gen
	c.timer = c.clk.AfterFunc(d, func() { c.tick(gen) })
}

// disarmLocked cancels the pending tick and invalidates ticks already
// fired but not yet run. A tick that passed its generation check holds
// mu, so a caller holding mu here has already waited it out: disable is
// cancel-and-wait without ever sleeping under the lock.
func (c *Controller) disarmLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.armed = false
}

// tick advances the ramp by one bounded step and reschedules itself
// while there is still ground to cover.
func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return // disarmed after this tick was scheduled
	}
	c.armed = false

	if c.enabled && c.speed > 0 && c.cur != c.target {
		step := mathx.Max(1, mathx.RoundDiv(c.speed*c.tickMs, 1000))
		delta := c.target - c.cur
		next := c.cur
		if delta > 0 {
			next += mathx.Min(step, delta)
		} else {
			next -= mathx.Min(step, -delta)
		}
		if err := c.applyAngleLocked(next); err != nil {
			// Current angle stays put; the reschedule below retries.
			c.logger.Errorw("pwm write failed", "angle", next, "error", err)
		}
	}

	if c.enabled && c.speed > 0 && c.cur != c.target {
		c.armLocked(c.interval)
	}
}
