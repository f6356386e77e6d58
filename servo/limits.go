package servo

import (
	"servodrive-go/errcode"
	"servodrive-go/x/mathx"
)

// Calibration defaults: 0..180 degrees over the classic 1.0..2.0 ms band.
const (
	DefaultMinAngle   = 0
	DefaultMaxAngle   = 180
	DefaultMinPulseNs = 1_000_000 // 1.0 ms
	DefaultMaxPulseNs = 2_000_000 // 2.0 ms
)

// Limits is the angle and pulse-width calibration of one servo. It is
// replaced wholesale by SetLimits, never partially updated.
type Limits struct {
	MinAngle   int    `json:"min_angle" yaml:"min_angle"`
	MaxAngle   int    `json:"max_angle" yaml:"max_angle"`
	MinPulseNs uint32 `json:"min_pulse_ns" yaml:"min_pulse_ns"`
	MaxPulseNs uint32 `json:"max_pulse_ns" yaml:"max_pulse_ns"`
}

func DefaultLimits() Limits {
	return Limits{
		MinAngle:   DefaultMinAngle,
		MaxAngle:   DefaultMaxAngle,
		MinPulseNs: DefaultMinPulseNs,
		MaxPulseNs: DefaultMaxPulseNs,
	}
}

// Validate rejects degenerate or inverted ranges.
func (l Limits) Validate() error {
	if l.MaxAngle <= l.MinAngle {
		return &errcode.E{C: errcode.InvalidLimits, Msg: "max_angle must exceed min_angle"}
	}
	if l.MaxPulseNs <= l.MinPulseNs {
		return &errcode.E{C: errcode.InvalidLimits, Msg: "max_pulse_ns must exceed min_pulse_ns"}
	}
	return nil
}

// PulseNs maps an angle to its pulse width. The angle is clamped into
// the calibrated range before mapping, and the division truncates, so
// quantization always rounds the pulse down.
func (l Limits) PulseNs(angle int) uint32 {
	a := mathx.Clamp(angle, l.MinAngle, l.MaxAngle)
	span := uint64(l.MaxPulseNs - l.MinPulseNs)
	off := span * uint64(a-l.MinAngle) / uint64(l.MaxAngle-l.MinAngle)
	return l.MinPulseNs + uint32(off)
}
