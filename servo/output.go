package servo

// Output is the hardware boundary: one PWM channel owned exclusively by
// a single controller. Implementations must not block beyond the write
// itself; failures are reported, never retried here.
type Output interface {
	// Configure sets the active pulse width within the fixed refresh period.
	Configure(pulseNs, periodNs uint32) error
	// Enable powers the output signal on.
	Enable() error
	// Disable powers the output signal off.
	Disable()
}

// NopOutput discards all writes. Used for dry-run servos.
type NopOutput struct{}

func (NopOutput) Configure(pulseNs, periodNs uint32) error { return nil }
func (NopOutput) Enable() error                            { return nil }
func (NopOutput) Disable()                                 {}
