package cpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/mmu"
)

// Trap is a synchronous exception or an interrupt raised while executing.
// It is delivered to the guest and never escapes Step.
type Trap struct {
	Cause     uint64
	Value     uint64
	Interrupt bool
}

func (t *Trap) Error() string {
	if t.Interrupt {
		return fmt.Sprintf("interrupt %d", t.Cause)
	}
	return fmt.Sprintf("exception %d (tval %#x)", t.Cause, t.Value)
}

func exception(cause, tval uint64) *Trap { return &Trap{Cause: cause, Value: tval} }

// illegal raises an illegal instruction exception for in.
func illegal(in isa.Instruction) *Trap { return exception(isa.CauseIllegalInsn, uint64(in.Raw)) }

// asTrap converts an execution error into a guest trap. Errors that are not
// architectural are returned unchanged as fatal.
func asTrap(err error) (*Trap, error) {
	var trap *Trap
	if errors.As(err, &trap) {
		return trap, nil
	}
	var fault *mmu.Fault
	if errors.As(err, &fault) {
		return exception(fault.Cause(), fault.Addr), nil
	}
	var ill *isa.IllegalError
	if errors.As(err, &ill) {
		return exception(isa.CauseIllegalInsn, uint64(ill.Raw)), nil
	}
	return nil, err
}

// interruptOrder is the fixed priority of simultaneous interrupts.
var interruptOrder = [...]struct {
	bit   uint64
	cause uint64
}{
	{isa.MipMEIP, isa.IntMExternal},
	{isa.MipMSIP, isa.IntMSoft},
	{isa.MipMTIP, isa.IntMTimer},
	{isa.MipSEIP, isa.IntSExternal},
	{isa.MipSSIP, isa.IntSSoft},
	{isa.MipSTIP, isa.IntSTimer},
}

func (c *CPU) pending() uint64 { return c.mip | c.lines }

// pendingInterrupt returns the highest priority interrupt that is pending,
// enabled in mie and enabled at the current privilege level.
func (c *CPU) pendingInterrupt() (uint64, bool) {
	active := c.pending() & c.mie
	if active == 0 {
		return 0, false
	}

	mEnabled := c.priv < isa.PrivMachine || c.mstatus&isa.MstatusMIE != 0
	sEnabled := c.priv < isa.PrivSupervisor ||
		(c.priv == isa.PrivSupervisor && c.mstatus&isa.MstatusSIE != 0)

	var enabled uint64
	if mEnabled {
		enabled |= active &^ c.mideleg
	}
	if sEnabled {
		enabled |= active & c.mideleg
	}
	if enabled == 0 {
		return 0, false
	}
	for _, irq := range interruptOrder {
		if enabled&irq.bit != 0 {
			return irq.cause, true
		}
	}
	return 0, false
}

// interruptBit is the cause register flag for interrupts.
func (c *CPU) interruptBit() uint64 { return 1 << (uint(c.xlen) - 1) }

// deliver enters the trap handler for t. pc is the address of the
// interrupted or faulting instruction.
func (c *CPU) deliver(t *Trap, pc uint64) {
	deleg := c.medeleg
	if t.Interrupt {
		deleg = c.mideleg
		c.stats.Interrupts++
	} else {
		c.stats.Traps++
	}
	cause := t.Cause
	if t.Interrupt {
		cause |= c.interruptBit()
	}

	from := c.priv
	if c.priv <= isa.PrivSupervisor && deleg&(1<<t.Cause) != 0 {
		c.sepc = pc
		c.scause = cause
		c.stval = c.addr(t.Value)

		st := c.mstatus &^ (isa.MstatusSPIE | isa.MstatusSPP)
		if c.mstatus&isa.MstatusSIE != 0 {
			st |= isa.MstatusSPIE
		}
		if c.priv == isa.PrivSupervisor {
			st |= isa.MstatusSPP
		}
		c.mstatus = st &^ isa.MstatusSIE
		c.priv = isa.PrivSupervisor
		c.pc = c.vector(c.stvec, t)
	} else {
		c.mepc = pc
		c.mcause = cause
		c.mtval = c.addr(t.Value)

		st := c.mstatus &^ (isa.MstatusMPIE | isa.MstatusMPP)
		if c.mstatus&isa.MstatusMIE != 0 {
			st |= isa.MstatusMPIE
		}
		st |= uint64(c.priv) << isa.MstatusMPPShift
		c.mstatus = st &^ isa.MstatusMIE
		c.priv = isa.PrivMachine
		c.pc = c.vector(c.mtvec, t)
	}

	c.reservationValid = false
	c.wfi = false
	c.vectored = true
	c.syncMMU()

	if c.debug {
		c.log.Debug("trap",
			slog.Bool("interrupt", t.Interrupt),
			slog.Uint64("cause", t.Cause),
			slog.String("tval", fmt.Sprintf("%#x", t.Value)),
			slog.String("epc", fmt.Sprintf("%#x", pc)),
			slog.String("from", from.String()),
			slog.String("to", c.priv.String()),
			slog.String("handler", fmt.Sprintf("%#x", c.pc)),
		)
	}
}

// vector returns the handler address for t given an xtvec value.
func (c *CPU) vector(tvec uint64, t *Trap) uint64 {
	base := tvec &^ 3
	if tvec&3 == 1 && t.Interrupt {
		return c.addr(base + 4*t.Cause)
	}
	return c.addr(base)
}

// mret returns from a machine mode trap handler.
func (c *CPU) mret() {
	prev := isa.Privilege((c.mstatus & isa.MstatusMPP) >> isa.MstatusMPPShift)
	st := c.mstatus &^ (isa.MstatusMIE | isa.MstatusMPP)
	if c.mstatus&isa.MstatusMPIE != 0 {
		st |= isa.MstatusMIE
	}
	st |= isa.MstatusMPIE
	if prev != isa.PrivMachine {
		st &^= isa.MstatusMPRV
	}
	c.mstatus = st
	c.priv = prev
	c.pc = c.addr(c.mepc)
	c.syncMMU()
}

// sret returns from a supervisor trap handler.
func (c *CPU) sret() {
	prev := isa.PrivUser
	if c.mstatus&isa.MstatusSPP != 0 {
		prev = isa.PrivSupervisor
	}
	st := c.mstatus &^ (isa.MstatusSIE | isa.MstatusSPP | isa.MstatusMPRV)
	if c.mstatus&isa.MstatusSPIE != 0 {
		st |= isa.MstatusSIE
	}
	st |= isa.MstatusSPIE
	c.mstatus = st
	c.priv = prev
	c.pc = c.addr(c.sepc)
	c.syncMMU()
}
