package cpu

import (
	"fmt"

	"github.com/tinyrange/rvemu/internal/isa"
)

// Step advances the hart by one instruction, or delivers one pending
// interrupt. Guest exceptions are handled inside Step; the returned error is
// only set for conditions the guest cannot recover from.
func (c *CPU) Step() error {
	c.mmu.Tick()
	c.cycle++
	c.stats.Steps++

	if cause, ok := c.pendingInterrupt(); ok {
		c.wfi = false
		c.deliver(&Trap{Cause: cause, Interrupt: true}, c.pc)
		return nil
	}
	if c.wfi {
		// WFI resumes on any interrupt enabled in mie, even if it is
		// globally masked.
		if c.pending()&c.mie == 0 {
			return nil
		}
		c.wfi = false
	}

	pc := c.pc
	word, err := c.fetch(pc)
	if err != nil {
		return c.fail(err, pc, true)
	}
	c.vectored = false

	in, err := c.decoder.Decode(word, c.xlen)
	if err != nil {
		return c.fail(err, pc, false)
	}
	next, err := c.execute(in, pc)
	if err != nil {
		return c.fail(err, pc, false)
	}
	c.pc = c.addr(next)
	c.instret++
	c.stats.Retired++
	return nil
}

// fetch reads the instruction word at pc. A 32-bit encoding is read as two
// half-words so that it may straddle a page boundary.
func (c *CPU) fetch(pc uint64) (uint32, error) {
	lo, err := c.mmu.Fetch16(pc)
	if err != nil {
		return 0, err
	}
	word := uint32(lo)
	if !isa.IsCompressed(word) {
		hi, err := c.mmu.Fetch16(c.addr(pc + 2))
		if err != nil {
			return 0, err
		}
		word |= uint32(hi) << 16
	}
	return word, nil
}

// fail turns an execution error into a trap, or reports it as fatal.
func (c *CPU) fail(err error, pc uint64, fetching bool) error {
	trap, fatal := asTrap(err)
	if fatal != nil {
		return fmt.Errorf("cpu: pc %#x: %w", pc, fatal)
	}
	if fetching && c.vectored {
		return fmt.Errorf("%w: pc %#x: %v", ErrDoubleFault, pc, err)
	}
	c.deliver(trap, pc)
	return nil
}
