// Package plic implements a platform level interrupt controller with one
// machine-mode and one supervisor-mode context.
package plic

import (
	"sync"

	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/mmu"
)

// PLIC register offsets.
const (
	PriorityBase  = 0x000000
	PendingBase   = 0x001000
	EnableBase    = 0x002000
	ThresholdBase = 0x200000

	EnableStride  = 0x80
	ContextStride = 0x1000

	Size = 0x4000000
)

// Sources is the number of interrupt sources, including the reserved
// source 0.
const Sources = 32

// Context indices.
const (
	ContextMachine    = 0
	ContextSupervisor = 1
	contexts          = 2
)

// PLIC gates level-triggered sources by priority, enable and threshold and
// drives one output line per context. Source lines come in through SetIRQ.
type PLIC struct {
	mu sync.Mutex

	outputs [contexts]chipset.LineInterrupt

	priority  [Sources]uint32
	level     uint32
	pending   uint32
	inService uint32
	enable    [contexts]uint32
	threshold [contexts]uint32
	claimed   [contexts]uint32
}

// New builds a PLIC whose context outputs drive machine and supervisor
// external interrupt lines. Nil outputs are detached.
func New(machine, supervisor chipset.LineInterrupt) *PLIC {
	p := &PLIC{}
	for i, out := range []chipset.LineInterrupt{machine, supervisor} {
		if out == nil {
			out = chipset.LineInterruptDetached()
		}
		p.outputs[i] = out
	}
	return p
}

// Size implements mmu.Device.
func (p *PLIC) Size() uint64 { return Size }

// Read implements mmu.Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		if source := offset / 4; source < Sources {
			return uint64(p.priority[source]), nil
		}
	case offset < EnableBase:
		if offset == PendingBase {
			return uint64(p.pending), nil
		}
	case offset < ThresholdBase:
		rel := offset - EnableBase
		if ctx := rel / EnableStride; ctx < contexts && rel%EnableStride == 0 {
			return uint64(p.enable[ctx]), nil
		}
	default:
		rel := offset - ThresholdBase
		ctx := rel / ContextStride
		if ctx >= contexts {
			return 0, nil
		}
		switch rel % ContextStride {
		case 0:
			return uint64(p.threshold[ctx]), nil
		case 4:
			return uint64(p.claim(int(ctx))), nil
		}
	}
	return 0, nil
}

// Write implements mmu.Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		// Source 0 is reserved.
		if source := offset / 4; source > 0 && source < Sources {
			p.priority[source] = uint32(value) & 7
		}
	case offset < EnableBase:
		// Pending bits are read-only.
	case offset < ThresholdBase:
		rel := offset - EnableBase
		if ctx := rel / EnableStride; ctx < contexts && rel%EnableStride == 0 {
			p.enable[ctx] = uint32(value) &^ 1
		}
	default:
		rel := offset - ThresholdBase
		ctx := rel / ContextStride
		if ctx >= contexts {
			break
		}
		switch rel % ContextStride {
		case 0:
			p.threshold[ctx] = uint32(value) & 7
		case 4:
			p.complete(int(ctx), uint32(value))
		}
	}

	p.updateOutputs()
	return nil
}

// SetIRQ implements chipset.InterruptSink. A source stays pending while its
// line is high, except while a context has it claimed.
func (p *PLIC) SetIRQ(irq uint32, level bool) {
	if irq == 0 || irq >= Sources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bit := uint32(1) << irq
	if level {
		p.level |= bit
		if p.inService&bit == 0 {
			p.pending |= bit
		}
	} else {
		p.level &^= bit
		p.pending &^= bit
	}
	p.updateOutputs()
}

// Pending reports the pending bitmap.
func (p *PLIC) Pending() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// claim returns the highest priority pending source enabled for a context
// and marks it in service. Ties go to the lowest source number.
func (p *PLIC) claim(ctx int) uint32 {
	best := p.best(ctx)
	if best != 0 {
		bit := uint32(1) << best
		p.pending &^= bit
		p.inService |= bit
		p.claimed[ctx] = best
	}
	p.updateOutputs()
	return best
}

func (p *PLIC) complete(ctx int, source uint32) {
	if source == 0 || source >= Sources {
		return
	}
	bit := uint32(1) << source
	if p.inService&bit == 0 {
		return
	}
	p.inService &^= bit
	if p.claimed[ctx] == source {
		p.claimed[ctx] = 0
	}
	if p.level&bit != 0 {
		p.pending |= bit
	}
}

func (p *PLIC) best(ctx int) uint32 {
	var bestSource, bestPriority uint32
	candidates := p.pending & p.enable[ctx]
	for source := uint32(1); source < Sources; source++ {
		if candidates&(1<<source) == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold[ctx] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}
	return bestSource
}

func (p *PLIC) updateOutputs() {
	for ctx := range p.outputs {
		p.outputs[ctx].SetLevel(p.best(ctx) != 0)
	}
}

var (
	_ mmu.Device            = (*PLIC)(nil)
	_ chipset.InterruptSink = (*PLIC)(nil)
)
