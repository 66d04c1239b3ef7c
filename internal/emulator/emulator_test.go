package emulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/rvemu/internal/asm"
	"github.com/tinyrange/rvemu/internal/asm/riscv"
	"github.com/tinyrange/rvemu/internal/cpu"
	"github.com/tinyrange/rvemu/internal/fdt"
	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/term"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assemble(t *testing.T, frags ...asm.Fragment) asm.Program {
	t.Helper()
	prog, err := riscv.EmitProgram(asm.Group(frags))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return prog
}

func labelAddr(t *testing.T, prog asm.Program, label asm.Label) uint64 {
	t.Helper()
	off, ok := prog.Label(label)
	if !ok {
		t.Fatalf("label %q not defined", label)
	}
	return RAMBase + uint64(off)
}

func newEmulator(t *testing.T, cfg Config, prog asm.Program) *Emulator {
	t.Helper()
	if cfg.RAMSize == 0 {
		cfg.RAMSize = 1 << 20
	}
	cfg.Logger = quietLogger()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.LoadProgram(prog.Bytes()); err != nil {
		t.Fatalf("load program: %v", err)
	}
	return e
}

func TestReturnValueRV32(t *testing.T) {
	prog := assemble(t,
		riscv.CLi(riscv.A0, 3),
		riscv.CRet(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN32, StopAt: []uint64{0}}, prog)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reason != StopBreakpoint || res.PC != 0 {
		t.Fatalf("result = %+v, want breakpoint at 0", res)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	if got := e.CPU().Reg(int(riscv.A0)); got != 3 {
		t.Errorf("a0 = %d, want 3", got)
	}
}

func TestRawProgramNeedsXLEN(t *testing.T) {
	e := newEmulator(t, Config{}, assemble(t, riscv.Spin()))
	if _, err := e.Run(context.Background()); !errors.Is(err, ErrXLENRequired) {
		t.Fatalf("run without xlen: %v", err)
	}
	if err := e.SetXLEN(isa.XLEN64); err != nil {
		t.Fatal(err)
	}
	if err := e.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := e.SetXLEN(isa.XLEN32); !errors.Is(err, ErrXLENLocked) {
		t.Errorf("SetXLEN after step: %v", err)
	}
}

func TestRunWithoutProgram(t *testing.T) {
	e, err := New(Config{RAMSize: 1 << 20, XLEN: isa.XLEN64, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); !errors.Is(err, ErrNoProgram) {
		t.Fatalf("run: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{RAMSize: 1000, Logger: quietLogger()}); err == nil {
		t.Error("unaligned RAM size accepted")
	}
	if _, err := New(Config{XLEN: 16, Logger: quietLogger()}); err == nil {
		t.Error("xlen 16 accepted")
	}
}

func TestBootRegisters(t *testing.T) {
	e := newEmulator(t, Config{XLEN: isa.XLEN64, MaxSteps: 1}, assemble(t, riscv.Spin()))
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.CPU().Reg(int(riscv.A0)); got != 0 {
		t.Errorf("a0 = %d, want hart 0", got)
	}
	if got := uint64(e.CPU().Reg(int(riscv.A1))); got != DTBBase {
		t.Errorf("a1 = %#x, want %#x", got, DTBBase)
	}
}

func TestGeneratedDeviceTree(t *testing.T) {
	e := newEmulator(t, Config{XLEN: isa.XLEN64, Bootargs: "console=ttyS0"}, assemble(t, riscv.Spin()))
	if err := e.LoadFilesystem(make([]byte, 4096), false); err != nil {
		t.Fatal(err)
	}
	if err := e.Step(); err != nil {
		t.Fatal(err)
	}

	head := make([]byte, 40)
	if err := e.MMU().ReadPhysicalBytes(DTBBase, head); err != nil {
		t.Fatalf("read dtb header: %v", err)
	}
	total := uint32(head[4])<<24 | uint32(head[5])<<16 | uint32(head[6])<<8 | uint32(head[7])
	blob := make([]byte, total)
	if err := e.MMU().ReadPhysicalBytes(DTBBase, blob); err != nil {
		t.Fatalf("read dtb: %v", err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("parse dtb: %v", err)
	}
	mem, ok := root.Find("/memory@80000000")
	if !ok {
		t.Fatal("memory node missing")
	}
	if reg := mem.Properties["reg"].U32s(); len(reg) != 4 || reg[3] != 1<<20 {
		t.Errorf("memory reg = %#x", reg)
	}
	if _, ok := root.Find("/soc/virtio_mmio@10001000"); !ok {
		t.Error("virtio node missing")
	}

	// The device tree region is read-only.
	if err := e.MMU().WritePhysical(DTBBase, 4, 0); err == nil {
		t.Error("write to dtb succeeded")
	}
}

func TestLoadDTBRejectsGarbage(t *testing.T) {
	e := newEmulator(t, Config{XLEN: isa.XLEN64}, assemble(t, riscv.Spin()))
	if err := e.LoadDTB([]byte("definitely not a flattened device tree")); !errors.Is(err, fdt.ErrInvalid) {
		t.Fatalf("LoadDTB: %v", err)
	}

	blob, err := fdt.Generate(e.Platform())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadDTB(blob); err != nil {
		t.Fatalf("LoadDTB: %v", err)
	}
	if err := e.LoadDTB(blob); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second LoadDTB: %v", err)
	}
}

func TestUARTOutput(t *testing.T) {
	console := term.NewBuffer()
	prog := assemble(t,
		riscv.Li(riscv.T0, UARTBase),
		riscv.Li(riscv.T1, 'h'),
		riscv.Sb(riscv.T1, riscv.T0, 0),
		riscv.Li(riscv.T1, 'i'),
		riscv.Sb(riscv.T1, riscv.T0, 0),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64, Terminal: console}, prog)
	e.stopAt[labelAddr(t, prog, "done")] = struct{}{}

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopBreakpoint {
		t.Fatalf("reason = %v", res.Reason)
	}
	if got := console.String(); got != "hi" {
		t.Errorf("console = %q, want %q", got, "hi")
	}
}

func TestToHostExit(t *testing.T) {
	const tohost = RAMBase + 0x8000
	prog := assemble(t,
		riscv.Li(riscv.T0, tohost),
		riscv.Li(riscv.T1, 42<<1|1),
		riscv.Sd(riscv.T1, riscv.T0, 0),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64}, prog)
	e.SetToHost(tohost)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopToHost || res.ExitCode != 42 {
		t.Fatalf("result = %+v, want tohost exit 42", res)
	}
}

func TestUnmappedLoadTrapsToMachineVector(t *testing.T) {
	prog := assemble(t,
		riscv.La(riscv.T0, "trap"),
		riscv.Csrw(isa.CSRMtvec, riscv.T0),
		riscv.Li(riscv.T1, 0x4000_0000),
		riscv.Lw(riscv.A0, riscv.T1, 0),
		riscv.Spin(),
		asm.MarkLabel("trap"),
		riscv.Csrr(riscv.T4, isa.CSRMcause),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64}, prog)
	e.stopAt[labelAddr(t, prog, "done")] = struct{}{}

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopBreakpoint {
		t.Fatalf("reason = %v", res.Reason)
	}
	if got := uint64(e.CPU().Reg(int(riscv.T4))); got != isa.CauseLoadAccess {
		t.Errorf("mcause = %d, want %d", got, isa.CauseLoadAccess)
	}
}

func TestTimerInterruptThroughCLINT(t *testing.T) {
	prog := assemble(t,
		riscv.La(riscv.T0, "trap"),
		riscv.Csrw(isa.CSRMtvec, riscv.T0),
		riscv.Li(riscv.T0, CLINTBase+0x4000),
		riscv.Li(riscv.T1, 50),
		riscv.Sd(riscv.T1, riscv.T0, 0),
		riscv.Li(riscv.T0, int64(isa.MipMTIP)),
		riscv.Csrs(isa.CSRMie, riscv.T0),
		riscv.Csrrsi(riscv.X0, isa.CSRMstatus, uint8(isa.MstatusMIE)),
		asm.MarkLabel("idle"),
		riscv.Wfi(),
		riscv.J("idle"),
		asm.MarkLabel("trap"),
		riscv.Csrr(riscv.T4, isa.CSRMcause),
		asm.MarkLabel("done"),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64, MaxSteps: 1000}, prog)
	e.stopAt[labelAddr(t, prog, "done")] = struct{}{}

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopBreakpoint {
		t.Fatalf("reason = %v after %d steps", res.Reason, res.Steps)
	}
	want := uint64(1)<<63 | 7
	if got := uint64(e.CPU().Reg(int(riscv.T4))); got != want {
		t.Errorf("mcause = %#x, want %#x", got, want)
	}
}

func TestVirtioMagicVisibleToGuest(t *testing.T) {
	prog := assemble(t,
		riscv.Li(riscv.T0, VirtioBase),
		riscv.Lw(riscv.A0, riscv.T0, 0),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64, MaxSteps: 4}, prog)
	if err := e.LoadFilesystem(make([]byte, 1024), true); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadFilesystem(make([]byte, 1024), true); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second LoadFilesystem: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.CPU().Reg(int(riscv.A0)); got != 0x74726976 {
		t.Errorf("magic = %#x, want \"virt\"", got)
	}
	if e.Disk().Capacity() != 2 {
		t.Errorf("capacity = %d sectors", e.Disk().Capacity())
	}
}

func TestStopAndCancel(t *testing.T) {
	e := newEmulator(t, Config{XLEN: isa.XLEN64}, assemble(t, riscv.Spin()))
	e.Stop()
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopRequested || res.Steps != 0 {
		t.Errorf("result = %+v, want stop before the first step", res)
	}

	e = newEmulator(t, Config{XLEN: isa.XLEN64}, assemble(t, riscv.Spin()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopCanceled {
		t.Errorf("reason = %v, want canceled", res.Reason)
	}
}

func TestStepLimit(t *testing.T) {
	e := newEmulator(t, Config{XLEN: isa.XLEN32, MaxSteps: 10, PageCache: true}, assemble(t, riscv.Spin()))
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopStepLimit || res.Steps != 10 {
		t.Errorf("result = %+v", res)
	}
	if !e.MMU().CacheEnabled() {
		t.Error("page cache not enabled")
	}
	e.EnablePageCache(false)
	if e.MMU().CacheEnabled() {
		t.Error("page cache still enabled")
	}
}

func TestDoubleFaultIsFatal(t *testing.T) {
	// mtvec is zero and nothing is mapped there.
	prog := assemble(t,
		riscv.Li(riscv.T1, 0x4000_0000),
		riscv.Lw(riscv.A0, riscv.T1, 0),
		riscv.Spin(),
	)
	e := newEmulator(t, Config{XLEN: isa.XLEN64, MaxSteps: 100}, prog)
	res, err := e.Run(context.Background())
	if !errors.Is(err, cpu.ErrDoubleFault) {
		t.Fatalf("run: %v, want double fault", err)
	}
	if res.Reason != StopFatal {
		t.Errorf("reason = %v", res.Reason)
	}
}
