package clint

import (
	"testing"

	"github.com/tinyrange/rvemu/internal/chipset"
)

type levelRecorder struct {
	level bool
}

func (l *levelRecorder) line() chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(v bool) { l.level = v })
}

func TestTimerFiresAtCompare(t *testing.T) {
	var timer levelRecorder
	c := New(timer.line(), nil)

	if err := c.Write(OffsetMtimecmp, 8, 3); err != nil {
		t.Fatalf("write mtimecmp: %v", err)
	}
	for i := 0; i < 2; i++ {
		c.Tick()
		if timer.level {
			t.Fatalf("timer fired early at mtime=%d", c.Mtime())
		}
	}
	c.Tick()
	if !timer.level {
		t.Fatalf("timer did not fire at mtime=%d", c.Mtime())
	}

	// Moving the compare forward retracts the interrupt.
	if err := c.Write(OffsetMtimecmp, 8, 100); err != nil {
		t.Fatalf("write mtimecmp: %v", err)
	}
	if timer.level {
		t.Fatalf("timer still pending after rearm")
	}
}

func TestMtimecmpHalves(t *testing.T) {
	c := New(nil, nil)
	if err := c.Write(OffsetMtimecmp, 4, 0x89abcdef); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(OffsetMtimecmp+4, 4, 0x01234567); err != nil {
		t.Fatal(err)
	}
	if got := c.Mtimecmp(); got != 0x0123456789abcdef {
		t.Fatalf("mtimecmp = %#x", got)
	}
	lo, _ := c.Read(OffsetMtimecmp, 4)
	hi, _ := c.Read(OffsetMtimecmp+4, 4)
	if lo != 0x89abcdef || hi != 0x01234567 {
		t.Fatalf("halves = %#x %#x", lo, hi)
	}
}

func TestMtimeAdvancesPerTick(t *testing.T) {
	c := New(nil, nil)
	for i := 0; i < 10; i++ {
		c.Tick()
	}
	v, err := c.Read(OffsetMtime, 8)
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("mtime = %d, want 10", v)
	}
}

func TestSoftwareInterrupt(t *testing.T) {
	var soft levelRecorder
	c := New(nil, soft.line())

	if err := c.Write(OffsetMsip, 4, 1); err != nil {
		t.Fatal(err)
	}
	if !soft.level {
		t.Fatalf("msip write did not raise the software interrupt")
	}
	if v, _ := c.Read(OffsetMsip, 4); v != 1 {
		t.Fatalf("msip = %d, want 1", v)
	}
	if err := c.Write(OffsetMsip, 4, 0); err != nil {
		t.Fatal(err)
	}
	if soft.level {
		t.Fatalf("msip clear did not lower the software interrupt")
	}
}
