// Package pca9685 drives one channel of an NXP PCA9685 16-channel PWM
// controller over I2C. The chip runs all channels off a shared prescaled
// clock, so the period is chip-wide while the pulse width is per channel.
//
// NOTE: the I2C implementation must support plain register writes
// (address byte followed by data) without a repeated start.
package pca9685

import (
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/drivers"

	"servodrive-go/x/mathx"
)

// Default I2C address with all address pins tied low.
const Address = 0x40

// Registers.
const (
	regMode1    = 0x00
	regMode2    = 0x01
	regLED0OnL  = 0x06
	regPrescale = 0xFE
)

// MODE1 bits.
const (
	mode1Sleep   = 0x10
	mode1AutoInc = 0x20
	mode1Restart = 0x80
)

// MODE2 totem-pole output drive.
const mode2OutDrv = 0x04

// Internal oscillator and counter resolution.
const (
	oscHz = 25_000_000
	ticks = 4096
)

// Full-off bit in LEDn_OFF_H; overrides the on/off counts.
const fullOff = 0x10

// Device is one PWM channel of a PCA9685.
type Device struct {
	bus     drivers.I2C
	Address uint16
	Channel int

	mu       sync.Mutex
	periodNs uint32 // 0 until the first Configure
	pulseNs  uint32
	enabled  bool
	buf      [5]byte
}

// New creates a channel handle. The I2C bus must already be configured;
// the device itself is not touched until Configure.
func New(bus drivers.I2C, channel int) *Device {
	return &Device{
		bus:     bus,
		Address: Address,
		Channel: channel,
	}
}

// Configure sets the chip-wide period and this channel's pulse width.
// The prescaler can only be written while the oscillator sleeps, so a
// period change briefly stops all channels.
func (d *Device) Configure(pulseNs, periodNs uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if periodNs != d.periodNs {
		if err := d.setPeriod(periodNs); err != nil {
			return err
		}
		d.periodNs = periodNs
	}
	d.pulseNs = pulseNs
	if !d.enabled {
		return nil
	}
	return d.writePulse()
}

// Enable starts driving the channel with the configured pulse width.
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.periodNs == 0 {
		return errors.New("pca9685: enable before configure")
	}
	if err := d.writePulse(); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

// Disable sets the channel full-off. Write failures cannot be reported
// through this interface; the channel state still flips so a later
// Enable rewrites the pulse.
func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.enabled = false
	base := uint8(regLED0OnL + 4*d.Channel)
	d.buf[0] = base
	d.buf[1] = 0
	d.buf[2] = 0
	d.buf[3] = 0
	d.buf[4] = fullOff
	_ = d.bus.Tx(d.Address, d.buf[:5], nil)
}

// setPeriod programs the prescaler for periodNs:
//
//	prescale = round(oscHz * period / (4096 * 1e9)) - 1
//
// A 20 ms frame gives prescale 121 (~50.3 Hz actual).
func (d *Device) setPeriod(periodNs uint32) error {
	pre := mathx.RoundDiv(uint64(oscHz)*uint64(periodNs), uint64(ticks)*1_000_000_000)
	if pre < 4 || pre > 256 {
		return errors.Errorf("pca9685: period %dns out of prescaler range", periodNs)
	}
	prescale := uint8(pre - 1)

	mode1 := uint8(mode1AutoInc | mode1Sleep)
	if err := d.writeReg(regMode1, mode1); err != nil {
		return errors.Wrap(err, "pca9685: sleeping oscillator")
	}
	if err := d.writeReg(regPrescale, prescale); err != nil {
		return errors.Wrap(err, "pca9685: writing prescaler")
	}
	if err := d.writeReg(regMode2, mode2OutDrv); err != nil {
		return errors.Wrap(err, "pca9685: writing mode2")
	}
	if err := d.writeReg(regMode1, mode1AutoInc); err != nil {
		return errors.Wrap(err, "pca9685: waking oscillator")
	}
	// Restart reloads channels that were running before the sleep.
	if err := d.writeReg(regMode1, mode1AutoInc|mode1Restart); err != nil {
		return errors.Wrap(err, "pca9685: restarting outputs")
	}
	return nil
}

// writePulse converts the stored pulse width to counter ticks and
// writes the channel's ON/OFF registers. The division truncates, so the
// produced pulse is never longer than requested.
func (d *Device) writePulse() error {
	off := uint64(d.pulseNs) * ticks / uint64(d.periodNs)
	if off >= ticks {
		off = ticks - 1
	}

	base := uint8(regLED0OnL + 4*d.Channel)
	d.buf[0] = base
	d.buf[1] = 0 // ON count 0: pulse starts at frame begin
	d.buf[2] = 0
	d.buf[3] = uint8(off)
	d.buf[4] = uint8(off >> 8)
	if err := d.bus.Tx(d.Address, d.buf[:5], nil); err != nil {
		return errors.Wrapf(err, "pca9685: writing channel %d", d.Channel)
	}
	return nil
}

func (d *Device) writeReg(reg, val uint8) error {
	return d.bus.Tx(d.Address, []byte{reg, val}, nil)
}
