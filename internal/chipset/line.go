// Package chipset models the interrupt wiring between platform devices, the
// interrupt controller and the hart.
package chipset

// LineInterrupt models an interrupt line that supports level and edge
// semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// InterruptSink receives level changes for numbered lines, for example an
// interrupt controller's source inputs.
type InterruptSink interface {
	SetIRQ(irq uint32, level bool)
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}
