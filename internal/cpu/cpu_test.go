package cpu

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/tinyrange/rvemu/internal/asm"
	"github.com/tinyrange/rvemu/internal/asm/riscv"
	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/mmu"
)

const ramBase = 0x80000000

type harness struct {
	cpu  *CPU
	bus  *mmu.Bus
	prog asm.Program
}

func newHarness(t *testing.T, xlen isa.XLEN, frags ...asm.Fragment) *harness {
	t.Helper()
	prog, err := riscv.EmitProgram(asm.Group(frags))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	bus := mmu.NewBus(ramBase, 1<<20)
	if err := bus.WriteBytes(ramBase, prog.Bytes()); err != nil {
		t.Fatalf("load program: %v", err)
	}
	c := New(mmu.New(bus, xlen), xlen)
	c.SetPC(ramBase)
	return &harness{cpu: c, bus: bus, prog: prog}
}

func (h *harness) labelAddr(t *testing.T, label asm.Label) uint64 {
	t.Helper()
	off, ok := h.prog.Label(label)
	if !ok {
		t.Fatalf("label %q not defined", label)
	}
	return ramBase + uint64(off)
}

// runUntil steps until the PC reaches label.
func (h *harness) runUntil(t *testing.T, label asm.Label, limit int) {
	t.Helper()
	target := h.labelAddr(t, label)
	for i := 0; i < limit; i++ {
		if h.cpu.PC() == target {
			return
		}
		if err := h.cpu.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	t.Fatalf("pc %#x did not reach %q within %d steps", h.cpu.PC(), label, limit)
}

func (h *harness) expectReg(t *testing.T, r asm.Variable, want uint64) {
	t.Helper()
	got := uint64(h.cpu.Reg(int(r)))
	if got != want {
		t.Errorf("x%d = %#x, want %#x", r, got, want)
	}
}

// trapHandler installs a machine mode handler that records mcause, mtval and
// mepc in t4, t5 and t6.
func trapHandler() (asm.Fragment, asm.Fragment) {
	install := asm.Group{
		riscv.La(riscv.T0, "trap"),
		riscv.Csrw(isa.CSRMtvec, riscv.T0),
	}
	handler := asm.Group{
		asm.MarkLabel("trap"),
		riscv.Csrr(riscv.T4, isa.CSRMcause),
		riscv.Csrr(riscv.T5, isa.CSRMtval),
		riscv.Csrr(riscv.T6, isa.CSRMepc),
		asm.MarkLabel("done"),
		riscv.Spin(),
	}
	return install, handler
}

func TestArithmetic(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.A0, 10),
		riscv.Li(riscv.A1, 3),
		riscv.Add(riscv.A2, riscv.A0, riscv.A1),
		riscv.Sub(riscv.A3, riscv.A0, riscv.A1),
		riscv.And(riscv.A4, riscv.A0, riscv.A1),
		riscv.Or(riscv.A5, riscv.A0, riscv.A1),
		riscv.Xor(riscv.A6, riscv.A0, riscv.A1),
		riscv.Addi(riscv.Zero, riscv.Zero, 5),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 100)

	h.expectReg(t, riscv.A2, 13)
	h.expectReg(t, riscv.A3, 7)
	h.expectReg(t, riscv.A4, 2)
	h.expectReg(t, riscv.A5, 11)
	h.expectReg(t, riscv.A6, 9)
	h.expectReg(t, riscv.Zero, 0)
	if got := h.cpu.Stats().Retired; got != 8 {
		t.Errorf("retired = %d, want 8", got)
	}
}

func TestLoadImmediate(t *testing.T) {
	values := []int64{
		0x123456789abcdef0,
		-1,
		0x7fffffff,
		0x80000000,
		math.MinInt64,
		math.MinInt64 | 0x80010,
	}
	var frags []asm.Fragment
	for i, v := range values {
		frags = append(frags, riscv.Li(riscv.A0+asm.Variable(i), v))
	}
	frags = append(frags, asm.MarkLabel("done"), riscv.Spin())

	h := newHarness(t, isa.XLEN64, frags...)
	h.runUntil(t, "done", 200)
	for i, v := range values {
		h.expectReg(t, riscv.A0+asm.Variable(i), uint64(v))
	}
}

func TestRV32Wraparound(t *testing.T) {
	h := newHarness(t, isa.XLEN32,
		riscv.Lui(riscv.A0, 0x80000),
		riscv.Addi(riscv.A0, riscv.A0, -1),
		riscv.Addi(riscv.A1, riscv.A0, 1),
		riscv.Srli(riscv.A2, riscv.A1, 31),
		riscv.Srai(riscv.A3, riscv.A1, 31),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 20)

	if got := h.cpu.Reg(int(riscv.A0)); got != 0x7fffffff {
		t.Errorf("a0 = %#x, want 0x7fffffff", got)
	}
	if got := h.cpu.Reg(int(riscv.A1)); got != math.MinInt32 {
		t.Errorf("a1 = %d, want %d", got, math.MinInt32)
	}
	if got := h.cpu.Reg(int(riscv.A2)); got != 1 {
		t.Errorf("srli = %d, want 1", got)
	}
	if got := h.cpu.Reg(int(riscv.A3)); got != -1 {
		t.Errorf("srai = %d, want -1", got)
	}
}

func TestDivisionEdgeCases(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.A0, 7),
		riscv.Div(riscv.A2, riscv.A0, riscv.Zero),
		riscv.Rem(riscv.A3, riscv.A0, riscv.Zero),
		riscv.Divu(riscv.A4, riscv.A0, riscv.Zero),
		riscv.Li(riscv.T0, math.MinInt64),
		riscv.Li(riscv.T1, -1),
		riscv.Div(riscv.A5, riscv.T0, riscv.T1),
		riscv.Rem(riscv.A6, riscv.T0, riscv.T1),
		riscv.Mulhu(riscv.A7, riscv.T1, riscv.T1),
		riscv.Mulh(riscv.T2, riscv.T1, riscv.T1),
		riscv.Divw(riscv.T3, riscv.A0, riscv.Zero),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 100)

	h.expectReg(t, riscv.A2, math.MaxUint64)
	h.expectReg(t, riscv.A3, 7)
	h.expectReg(t, riscv.A4, math.MaxUint64)
	h.expectReg(t, riscv.A5, 1<<63)
	h.expectReg(t, riscv.A6, 0)
	h.expectReg(t, riscv.A7, math.MaxUint64-1)
	h.expectReg(t, riscv.T2, 0)
	h.expectReg(t, riscv.T3, math.MaxUint64)
}

func TestRV32MulDiv(t *testing.T) {
	h := newHarness(t, isa.XLEN32,
		riscv.Lui(riscv.T0, 0x80000),
		riscv.Li(riscv.T1, -1),
		riscv.Div(riscv.A0, riscv.T0, riscv.T1),
		riscv.Mulh(riscv.A1, riscv.T1, riscv.T1),
		riscv.Mulhu(riscv.A2, riscv.T1, riscv.T1),
		riscv.Rem(riscv.A3, riscv.T0, riscv.T1),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 20)

	if got := h.cpu.Reg(int(riscv.A0)); got != math.MinInt32 {
		t.Errorf("div overflow = %d, want %d", got, math.MinInt32)
	}
	if got := h.cpu.Reg(int(riscv.A1)); got != 0 {
		t.Errorf("mulh = %d, want 0", got)
	}
	if got := h.cpu.Reg(int(riscv.A2)); got != -2 {
		t.Errorf("mulhu = %d, want -2", got)
	}
	if got := h.cpu.Reg(int(riscv.A3)); got != 0 {
		t.Errorf("rem overflow = %d, want 0", got)
	}
}

func TestLoadFaultLeavesDestination(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN64,
		install,
		riscv.Li(riscv.A0, 42),
		riscv.Li(riscv.T1, 0x1000),
		asm.MarkLabel("load"),
		riscv.Lw(riscv.A0, riscv.T1, 0),
		riscv.Li(riscv.A0, 1),
		handler,
	)
	h.runUntil(t, "done", 50)

	h.expectReg(t, riscv.A0, 42)
	h.expectReg(t, riscv.T4, isa.CauseLoadAccess)
	h.expectReg(t, riscv.T5, 0x1000)
	h.expectReg(t, riscv.T6, h.labelAddr(t, "load"))
	if h.cpu.Privilege() != isa.PrivMachine {
		t.Errorf("privilege = %s, want M", h.cpu.Privilege())
	}
}

func TestDoubleFault(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Lw(riscv.A0, riscv.Zero, 0),
	)
	if err := h.cpu.Step(); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if h.cpu.PC() != 0 {
		t.Fatalf("pc = %#x, want the reset mtvec", h.cpu.PC())
	}
	err := h.cpu.Step()
	if !errors.Is(err, ErrDoubleFault) {
		t.Fatalf("expected ErrDoubleFault, got %v", err)
	}
}

// sv39 builds a table rooted at ramBase+0x10000 that maps RAM with an
// identity gigapage and va 0x2000 to a read-only page at ramBase+0x20000.
func sv39(t *testing.T, bus *mmu.Bus) {
	t.Helper()
	const (
		root = ramBase + 0x10000
		l1   = ramBase + 0x11000
		l0   = ramBase + 0x12000
		data = ramBase + 0x20000
	)
	ptes := []struct{ addr, value uint64 }{
		{root + 2*8, (ramBase>>12)<<10 | mmu.PteV | mmu.PteR | mmu.PteW | mmu.PteX},
		{root, (l1>>12)<<10 | mmu.PteV},
		{l1, (l0>>12)<<10 | mmu.PteV},
		{l0 + 2*8, (data>>12)<<10 | mmu.PteV | mmu.PteR},
	}
	for _, p := range ptes {
		if err := bus.Write(p.addr, 8, p.value); err != nil {
			t.Fatalf("write pte: %v", err)
		}
	}
}

func TestStoreToReadOnlyPage(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN64,
		install,
		riscv.Li(riscv.T0, math.MinInt64|(ramBase+0x10000)>>12),
		riscv.Csrw(isa.CSRSatp, riscv.T0),
		riscv.Li(riscv.T0, int64(isa.PrivSupervisor)<<isa.MstatusMPPShift),
		riscv.Csrs(isa.CSRMstatus, riscv.T0),
		riscv.La(riscv.T0, "super"),
		riscv.Csrw(isa.CSRMepc, riscv.T0),
		riscv.Mret(),
		asm.MarkLabel("super"),
		riscv.Li(riscv.T1, 0x2000),
		riscv.Li(riscv.A0, 0x55),
		riscv.Lw(riscv.A1, riscv.T1, 0),
		asm.MarkLabel("store"),
		riscv.Sw(riscv.A0, riscv.T1, 0),
		riscv.Li(riscv.A2, 1),
		handler,
	)
	sv39(t, h.bus)
	if err := h.bus.Write(ramBase+0x20000, 4, 0x1234); err != nil {
		t.Fatal(err)
	}
	h.runUntil(t, "done", 100)

	h.expectReg(t, riscv.A1, 0x1234)
	h.expectReg(t, riscv.A2, 0)
	h.expectReg(t, riscv.T4, isa.CauseStorePageFault)
	h.expectReg(t, riscv.T5, 0x2000)
	h.expectReg(t, riscv.T6, h.labelAddr(t, "store"))
	got, err := h.bus.Read(ramBase+0x20000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1234 {
		t.Errorf("read-only page modified: %#x", got)
	}
}

func TestEcallDelegatedToSupervisor(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.La(riscv.T0, "strap"),
		riscv.Csrw(isa.CSRStvec, riscv.T0),
		riscv.Li(riscv.T0, 1<<isa.CauseEcallU),
		riscv.Csrw(isa.CSRMedeleg, riscv.T0),
		riscv.La(riscv.T0, "user"),
		riscv.Csrw(isa.CSRMepc, riscv.T0),
		riscv.Mret(),
		asm.MarkLabel("user"),
		riscv.Ecall(),
		asm.MarkLabel("strap"),
		riscv.Csrr(riscv.A0, isa.CSRScause),
		riscv.Csrr(riscv.A1, isa.CSRSepc),
		riscv.Csrr(riscv.A2, isa.CSRSstatus),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 50)

	if h.cpu.Privilege() != isa.PrivSupervisor {
		t.Fatalf("privilege = %s, want S", h.cpu.Privilege())
	}
	h.expectReg(t, riscv.A0, isa.CauseEcallU)
	h.expectReg(t, riscv.A1, h.labelAddr(t, "user"))
	if uint64(h.cpu.Reg(int(riscv.A2)))&isa.MstatusSPP != 0 {
		t.Error("sstatus.SPP set after a trap from U")
	}
}

func TestMretRestoresInterruptEnable(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.T0, int64(isa.MstatusMPIE|isa.MstatusMPP)),
		riscv.Csrs(isa.CSRMstatus, riscv.T0),
		riscv.La(riscv.T0, "after"),
		riscv.Csrw(isa.CSRMepc, riscv.T0),
		riscv.Mret(),
		asm.MarkLabel("after"),
		riscv.Csrr(riscv.A0, isa.CSRMstatus),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 50)

	st := uint64(h.cpu.Reg(int(riscv.A0)))
	if st&isa.MstatusMIE == 0 {
		t.Error("MIE not restored from MPIE")
	}
	if st&isa.MstatusMPP != 0 {
		t.Errorf("MPP = %d, want U", (st&isa.MstatusMPP)>>isa.MstatusMPPShift)
	}
}

func TestCSRPrivilege(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN64,
		install,
		riscv.La(riscv.T0, "user"),
		riscv.Csrw(isa.CSRMepc, riscv.T0),
		riscv.Mret(),
		asm.MarkLabel("user"),
		riscv.Csrr(riscv.A0, isa.CSRMstatus),
		handler,
	)
	h.runUntil(t, "done", 50)

	h.expectReg(t, riscv.T4, isa.CauseIllegalInsn)
	h.expectReg(t, riscv.T5, 0x30002573)
	h.expectReg(t, riscv.T6, h.labelAddr(t, "user"))
}

func TestTimerInterrupt(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.La(riscv.T0, "handler"),
		riscv.Csrw(isa.CSRMtvec, riscv.T0),
		riscv.Li(riscv.T0, int64(isa.MipMTIP)),
		riscv.Csrw(isa.CSRMie, riscv.T0),
		riscv.Csrrsi(riscv.Zero, isa.CSRMstatus, uint8(isa.MstatusMIE)),
		asm.MarkLabel("wait"),
		riscv.J("wait"),
		asm.MarkLabel("handler"),
		riscv.Csrr(riscv.A0, isa.CSRMcause),
		riscv.Csrr(riscv.A1, isa.CSRMepc),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "wait", 20)
	for i := 0; i < 5; i++ {
		if err := h.cpu.Step(); err != nil {
			t.Fatal(err)
		}
	}

	h.cpu.InterruptLine(isa.MipMTIP).SetLevel(true)
	h.runUntil(t, "done", 10)

	h.expectReg(t, riscv.A0, 1<<63|isa.IntMTimer)
	h.expectReg(t, riscv.A1, h.labelAddr(t, "wait"))
	if got := h.cpu.Stats().Interrupts; got != 1 {
		t.Errorf("interrupts = %d, want 1", got)
	}
}

func TestWFIWakesWithoutGlobalEnable(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.T0, int64(isa.MipMTIP)),
		riscv.Csrw(isa.CSRMie, riscv.T0),
		riscv.Wfi(),
		riscv.Li(riscv.A0, 1),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	for i := 0; i < 10; i++ {
		if err := h.cpu.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if !h.cpu.Waiting() {
		t.Fatal("hart is not waiting after WFI")
	}

	h.cpu.SetPending(isa.MipMTIP, true)
	h.runUntil(t, "done", 10)
	h.expectReg(t, riscv.A0, 1)
	if got := h.cpu.Stats().Interrupts; got != 0 {
		t.Errorf("interrupts = %d, want 0 with MIE clear", got)
	}
}

func TestAtomics(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.T0, ramBase+0x8000),
		riscv.Li(riscv.A0, 5),
		riscv.Sw(riscv.A0, riscv.T0, 0),
		riscv.Li(riscv.A1, 3),
		riscv.Amo(riscv.AmoAdd, riscv.Word32, riscv.A2, riscv.A1, riscv.T0),
		riscv.Lw(riscv.A3, riscv.T0, 0),
		riscv.Lr(riscv.Word64, riscv.A4, riscv.T0),
		riscv.Sc(riscv.Word64, riscv.A5, riscv.A1, riscv.T0),
		riscv.Sc(riscv.Word64, riscv.A6, riscv.A0, riscv.T0),
		riscv.Ld(riscv.A7, riscv.T0, 0),
		riscv.Li(riscv.T1, -1),
		riscv.Amo(riscv.AmoMin, riscv.Word32, riscv.T2, riscv.T1, riscv.T0),
		riscv.Lw(riscv.T3, riscv.T0, 0),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 100)

	h.expectReg(t, riscv.A2, 5)
	h.expectReg(t, riscv.A3, 8)
	h.expectReg(t, riscv.A4, 8)
	h.expectReg(t, riscv.A5, 0)
	h.expectReg(t, riscv.A6, 1)
	h.expectReg(t, riscv.A7, 3)
	h.expectReg(t, riscv.T2, 3)
	h.expectReg(t, riscv.T3, math.MaxUint64)
}

func TestMisalignedAccess(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN64,
		install,
		riscv.Li(riscv.T1, ramBase+0x8002),
		riscv.Li(riscv.A0, 0x11223344),
		riscv.Sw(riscv.A0, riscv.T1, 0),
		riscv.Lw(riscv.A1, riscv.T1, 0),
		asm.MarkLabel("amo"),
		riscv.Amo(riscv.AmoAdd, riscv.Word32, riscv.A2, riscv.A0, riscv.T1),
		handler,
	)
	h.runUntil(t, "done", 50)

	h.expectReg(t, riscv.A1, 0x11223344)
	h.expectReg(t, riscv.T4, isa.CauseStoreMisaligned)
	h.expectReg(t, riscv.T5, ramBase+0x8002)
	h.expectReg(t, riscv.T6, h.labelAddr(t, "amo"))
}

func TestFloatingPoint(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.Li(riscv.A0, 1),
		riscv.Li(riscv.A1, 3),
		riscv.FCvtFromInt(riscv.Double, riscv.W, riscv.F1, riscv.A0, riscv.RNE),
		riscv.FCvtFromInt(riscv.Double, riscv.W, riscv.F2, riscv.A1, riscv.RNE),
		riscv.FDiv(riscv.Double, riscv.F3, riscv.F1, riscv.F2, riscv.RNE),
		riscv.FDiv(riscv.Double, riscv.F4, riscv.F1, riscv.F2, riscv.RUP),
		riscv.FMvToInt(riscv.Double, riscv.A2, riscv.F3),
		riscv.FMvToInt(riscv.Double, riscv.A3, riscv.F4),
		riscv.Csrr(riscv.A4, isa.CSRFflags),
		riscv.Li(riscv.A5, -1),
		riscv.FCvtFromInt(riscv.Double, riscv.W, riscv.F5, riscv.A5, riscv.RNE),
		riscv.FSqrt(riscv.Double, riscv.F6, riscv.F5, riscv.RNE),
		riscv.FMvToInt(riscv.Double, riscv.A6, riscv.F6),
		riscv.Csrr(riscv.A7, isa.CSRFflags),
		riscv.FCvtFromInt(riscv.Single, riscv.W, riscv.F7, riscv.A0, riscv.RNE),
		riscv.FMvToInt(riscv.Double, riscv.T3, riscv.F7),
		riscv.FCvtToInt(riscv.Double, riscv.W, riscv.T4, riscv.F6, riscv.RTZ),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 100)

	h.expectReg(t, riscv.A2, math.Float64bits(1.0/3.0))
	h.expectReg(t, riscv.A3, math.Float64bits(1.0/3.0)+1)
	h.expectReg(t, riscv.A4, 0x01)
	h.expectReg(t, riscv.A6, 0x7ff8000000000000)
	h.expectReg(t, riscv.A7, 0x11)
	h.expectReg(t, riscv.T3, 0xffffffff3f800000)
	h.expectReg(t, riscv.T4, math.MaxInt32)
}

func TestSingleNaNBoxing(t *testing.T) {
	h := newHarness(t, isa.XLEN64,
		riscv.FClass(riscv.Single, riscv.A0, riscv.F1),
		riscv.FClass(riscv.Single, riscv.A1, riscv.F2),
		riscv.FEq(riscv.Single, riscv.A2, riscv.F2, riscv.F2),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	// f1 holds a single without the upper ones, so it reads as NaN.
	h.cpu.SetFReg(1, 0x3f800000)
	h.cpu.SetFReg(2, 0xffffffff3f800000)
	h.runUntil(t, "done", 10)

	h.expectReg(t, riscv.A0, 1<<9)
	h.expectReg(t, riscv.A1, 1<<6)
	h.expectReg(t, riscv.A2, 1)
}

func TestFloatDisabled(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN64,
		install,
		riscv.Li(riscv.T0, int64(isa.MstatusFS)),
		riscv.Csrc(isa.CSRMstatus, riscv.T0),
		asm.MarkLabel("fp"),
		riscv.FAdd(riscv.Double, riscv.F1, riscv.F1, riscv.F1, riscv.RNE),
		handler,
	)
	h.runUntil(t, "done", 50)

	h.expectReg(t, riscv.T4, isa.CauseIllegalInsn)
	h.expectReg(t, riscv.T6, h.labelAddr(t, "fp"))
}

func TestCompressedRV32(t *testing.T) {
	h := newHarness(t, isa.XLEN32,
		riscv.La(riscv.RA, "done"),
		riscv.CLi(riscv.A0, 3),
		riscv.CRet(),
		riscv.CNop(),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	h.runUntil(t, "done", 10)

	h.expectReg(t, riscv.A0, 3)
	if got := h.cpu.Stats().Retired; got != 4 {
		t.Errorf("retired = %d, want 4", got)
	}
}

func TestRV64OnlyEncodingIllegalUnderRV32(t *testing.T) {
	install, handler := trapHandler()
	h := newHarness(t, isa.XLEN32,
		install,
		asm.MarkLabel("ld"),
		riscv.Ld(riscv.A0, riscv.Zero, 0),
		handler,
	)
	h.runUntil(t, "done", 20)
	h.expectReg(t, riscv.T4, isa.CauseIllegalInsn)
	h.expectReg(t, riscv.T6, uint64(int64(int32(h.labelAddr(t, "ld")))))
}

func TestRegistersCanonicalUnderRV32(t *testing.T) {
	h := newHarness(t, isa.XLEN32)
	h.cpu.SetReg(10, 0xffffffff)
	if got := h.cpu.Reg(10); got != -1 {
		t.Errorf("a0 = %d, want -1", got)
	}
	h.cpu.SetReg(0, 5)
	if got := h.cpu.Reg(0); got != 0 {
		t.Errorf("x0 = %d, want 0", got)
	}

	var buf bytes.Buffer
	h.cpu.DumpRegisters(&buf)
	if !strings.Contains(buf.String(), "a0   ffffffff") {
		t.Errorf("register dump missing a0:\n%s", buf.String())
	}
}
