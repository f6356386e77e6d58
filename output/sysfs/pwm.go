// Package sysfs drives a PWM channel through the Linux sysfs PWM class
// (/sys/class/pwm/pwmchipN/pwmM). It is the default output backend on
// boards whose PWM controller has a kernel driver.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// DefaultRoot is where the kernel exposes PWM chips.
const DefaultRoot = "/sys/class/pwm"

const exportSettle = 10 * time.Millisecond

type PWM struct {
	chipDir  string
	pwmDir   string
	channel  int
	exported bool // we exported it, so we unexport on Close
	logger   golog.Logger

	// Last period accepted by the kernel. The kernel rejects a duty
	// cycle larger than the period, so write order depends on whether
	// the period grows or shrinks.
	periodNs uint32
}

// Open attaches to channel on pwmchip chip under root (pass DefaultRoot
// outside of tests), exporting the channel if the kernel has not done
// so already.
func Open(root string, chip, channel int, logger golog.Logger) (*PWM, error) {
	p := &PWM{
		chipDir: filepath.Join(root, fmt.Sprintf("pwmchip%d", chip)),
		channel: channel,
		logger:  logger,
	}
	p.pwmDir = filepath.Join(p.chipDir, fmt.Sprintf("pwm%d", channel))

	if _, err := os.Stat(p.chipDir); err != nil {
		return nil, errors.Wrapf(err, "pwmchip%d not present", chip)
	}
	if _, err := os.Stat(p.pwmDir); err == nil {
		return p, nil
	}

	if err := writeAttr(p.chipDir, "export", strconv.Itoa(channel)); err != nil {
		return nil, errors.Wrapf(err, "exporting pwm%d", channel)
	}
	p.exported = true

	// The pwmN directory appears asynchronously after export.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(p.pwmDir); err == nil {
			return p, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("pwm%d did not appear after export", channel)
		}
		time.Sleep(exportSettle)
	}
}

// Configure writes the period and duty cycle, ordering the writes so
// that the duty cycle never exceeds the period the kernel currently
// holds.
func (p *PWM) Configure(pulseNs, periodNs uint32) error {
	period := strconv.FormatUint(uint64(periodNs), 10)
	duty := strconv.FormatUint(uint64(pulseNs), 10)

	if periodNs >= p.periodNs {
		if err := writeAttr(p.pwmDir, "period", period); err != nil {
			return errors.Wrap(err, "writing period")
		}
		p.periodNs = periodNs
		if err := writeAttr(p.pwmDir, "duty_cycle", duty); err != nil {
			return errors.Wrap(err, "writing duty_cycle")
		}
		return nil
	}

	if err := writeAttr(p.pwmDir, "duty_cycle", duty); err != nil {
		return errors.Wrap(err, "writing duty_cycle")
	}
	if err := writeAttr(p.pwmDir, "period", period); err != nil {
		return errors.Wrap(err, "writing period")
	}
	p.periodNs = periodNs
	return nil
}

func (p *PWM) Enable() error {
	if err := writeAttr(p.pwmDir, "enable", "1"); err != nil {
		return errors.Wrap(err, "enabling pwm")
	}
	return nil
}

func (p *PWM) Disable() {
	if err := writeAttr(p.pwmDir, "enable", "0"); err != nil {
		p.logger.Errorw("disabling pwm", "dir", p.pwmDir, "error", err)
	}
}

// Close disables the channel and unexports it if Open exported it.
func (p *PWM) Close() {
	p.Disable()
	if !p.exported {
		return
	}
	if err := writeAttr(p.chipDir, "unexport", strconv.Itoa(p.channel)); err != nil {
		p.logger.Errorw("unexporting pwm", "channel", p.channel, "error", err)
	}
}

func writeAttr(dir, name, value string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}
