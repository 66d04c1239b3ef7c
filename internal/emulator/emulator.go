// Package emulator assembles a single-hart RISC-V machine from the cpu, mmu
// and device packages and runs programs on it.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/cpu"
	"github.com/tinyrange/rvemu/internal/devices/clint"
	"github.com/tinyrange/rvemu/internal/devices/plic"
	"github.com/tinyrange/rvemu/internal/devices/serial"
	"github.com/tinyrange/rvemu/internal/devices/virtio"
	"github.com/tinyrange/rvemu/internal/fdt"
	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/loader"
	"github.com/tinyrange/rvemu/internal/mmu"
	"github.com/tinyrange/rvemu/internal/term"
)

// Physical memory map.
const (
	DTBBase    = 0x0000_1020
	CLINTBase  = 0x0200_0000
	PLICBase   = 0x0c00_0000
	UARTBase   = 0x1000_0000
	VirtioBase = 0x1000_1000
	RAMBase    = 0x8000_0000

	UARTIRQ   = 10
	VirtioIRQ = 1

	DefaultRAMSize = 128 << 20

	// TimebaseFrequency is advertised to the guest. mtime advances once per
	// step, so this only scales guest timeouts.
	TimebaseFrequency = 10_000_000
)

// ctxCheckInterval is how many steps Run executes between context checks.
const ctxCheckInterval = 4096

var (
	ErrNoProgram     = errors.New("emulator: no program loaded")
	ErrXLENRequired  = errors.New("emulator: raw program image needs an explicit xlen")
	ErrXLENLocked    = errors.New("emulator: xlen cannot change once the hart has stepped")
	ErrAlreadyLoaded = errors.New("emulator: already loaded")
	ErrStarted       = errors.New("emulator: machine has already started")
)

// StopReason says why Run returned.
type StopReason int

const (
	StopNone StopReason = iota
	StopCanceled
	StopRequested
	StopBreakpoint
	StopStepLimit
	StopToHost
	StopFatal
)

func (r StopReason) String() string {
	switch r {
	case StopCanceled:
		return "canceled"
	case StopRequested:
		return "stopped"
	case StopBreakpoint:
		return "breakpoint"
	case StopStepLimit:
		return "step limit"
	case StopToHost:
		return "tohost"
	case StopFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Result describes the end of a Run.
type Result struct {
	Reason StopReason
	// ExitCode is the value the guest wrote to tohost shifted right by one.
	ExitCode int
	Steps    uint64
	PC       uint64
}

// Config describes the machine. Zero values select defaults.
type Config struct {
	RAMSize uint64
	// XLEN is 32 or 64. Zero takes the width from the ELF class.
	XLEN      isa.XLEN
	PageCache bool
	// Terminal backs the UART. Nil discards output and never has input.
	Terminal term.Terminal
	Logger   *slog.Logger

	// Bootargs is written to /chosen in a generated device tree.
	Bootargs string

	// StopAt ends Run before executing an instruction at any of these PCs.
	StopAt []uint64
	// MaxSteps ends Run after this many steps when non-zero.
	MaxSteps uint64
}

// Emulator owns one hart, its memory unit and the platform devices.
type Emulator struct {
	cfg Config
	log *slog.Logger

	bus   *mmu.Bus
	mmu   *mmu.MMU
	cpu   *cpu.CPU
	clint *clint.CLINT
	plic  *plic.PLIC
	irqs  *chipset.LineSet
	uart  *serial.UART8250
	disk  *virtio.Blk

	xlen    isa.XLEN
	program *loader.Program
	dtb     []byte

	toHost    uint64
	hasToHost bool

	stopAt  map[uint64]struct{}
	started bool
	stopped atomic.Bool
}

// New builds the machine with RAM, CLINT, PLIC and UART mapped. Programs,
// disks and device trees are attached with the Load methods.
func New(cfg Config) (*Emulator, error) {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	if cfg.RAMSize%mmu.PageSize != 0 {
		return nil, fmt.Errorf("emulator: RAM size %#x is not page aligned", cfg.RAMSize)
	}
	switch cfg.XLEN {
	case 0, isa.XLEN32, isa.XLEN64:
	default:
		return nil, fmt.Errorf("emulator: unsupported xlen %d", int(cfg.XLEN))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = term.NewBuffer()
	}

	e := &Emulator{
		cfg:    cfg,
		log:    cfg.Logger,
		xlen:   cfg.XLEN,
		stopAt: make(map[uint64]struct{}, len(cfg.StopAt)),
	}
	for _, pc := range cfg.StopAt {
		e.stopAt[pc] = struct{}{}
	}

	// The hart starts as RV64 until the program or caller fixes the width.
	initial := cfg.XLEN
	if initial == 0 {
		initial = isa.XLEN64
	}
	e.bus = mmu.NewBus(RAMBase, cfg.RAMSize)
	e.mmu = mmu.New(e.bus, initial)
	e.mmu.EnableCache(cfg.PageCache)
	e.cpu = cpu.New(e.mmu, initial)
	e.cpu.SetLogger(e.log)

	e.clint = clint.New(e.cpu.InterruptLine(isa.MipMTIP), e.cpu.InterruptLine(isa.MipMSIP))
	e.cpu.SetTimeSource(e.clint.Mtime)
	e.plic = plic.New(e.cpu.InterruptLine(isa.MipMEIP), e.cpu.InterruptLine(isa.MipSEIP))
	e.irqs = chipset.NewLineSet(e.plic)
	e.uart = serial.NewUART8250(cfg.Terminal, e.irqs.AllocateLine(UARTIRQ))

	for _, m := range []struct {
		kind mmu.RegionKind
		name string
		base uint64
		dev  mmu.Device
	}{
		{mmu.RegionCLINT, "clint", CLINTBase, e.clint},
		{mmu.RegionPLIC, "plic", PLICBase, e.plic},
		{mmu.RegionSerial, "uart", UARTBase, e.uart},
	} {
		if err := e.bus.Map(m.kind, m.name, m.base, m.dev); err != nil {
			return nil, fmt.Errorf("emulator: %w", err)
		}
	}
	return e, nil
}

func (e *Emulator) CPU() *cpu.CPU { return e.cpu }
func (e *Emulator) MMU() *mmu.MMU { return e.mmu }

// Disk returns the attached block device, or nil.
func (e *Emulator) Disk() *virtio.Blk { return e.disk }

// XLEN returns the configured width, or zero while it is still unknown.
func (e *Emulator) XLEN() isa.XLEN { return e.xlen }

// LoadProgram places an ELF or raw image in memory. Raw images are copied to
// the start of RAM. An ELF symbol named tohost enables the riscv-tests exit
// protocol.
func (e *Emulator) LoadProgram(image []byte) error {
	if e.started {
		return ErrStarted
	}
	if e.program != nil {
		return fmt.Errorf("%w: program", ErrAlreadyLoaded)
	}
	prog, err := loader.Load(image, RAMBase)
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}

	for _, seg := range prog.Segments {
		if err := e.writeSegment(seg); err != nil {
			return fmt.Errorf("load program: %w", err)
		}
	}

	switch {
	case e.xlen == 0 && prog.XLEN != 0:
		e.setXLEN(prog.XLEN)
	case e.xlen != 0 && prog.XLEN != 0 && e.xlen != prog.XLEN:
		e.log.Warn("xlen overrides ELF class", "xlen", e.xlen, "elf", prog.XLEN)
	}
	if prog.HasToHost {
		e.SetToHost(prog.ToHost)
	}
	e.program = prog

	e.log.Info("loaded program",
		"entry", fmt.Sprintf("%#x", prog.Entry),
		"segments", len(prog.Segments),
		"size", prog.Size(),
		"xlen", prog.XLEN,
	)
	return nil
}

func (e *Emulator) writeSegment(seg loader.Segment) error {
	if err := e.mmu.WritePhysicalBytes(seg.Addr, seg.Data); err != nil {
		return fmt.Errorf("segment @%#x: %w", seg.Addr, err)
	}
	var zero [4096]byte
	for addr, end := seg.Addr+uint64(len(seg.Data)), seg.Addr+seg.MemSize; addr < end; {
		n := min(end-addr, uint64(len(zero)))
		if err := e.mmu.WritePhysicalBytes(addr, zero[:n]); err != nil {
			return fmt.Errorf("segment @%#x: %w", seg.Addr, err)
		}
		addr += n
	}
	return nil
}

// SetXLEN fixes the register width. It fails once the hart has stepped.
func (e *Emulator) SetXLEN(xlen isa.XLEN) error {
	if xlen != isa.XLEN32 && xlen != isa.XLEN64 {
		return fmt.Errorf("emulator: unsupported xlen %d", int(xlen))
	}
	if e.started {
		return ErrXLENLocked
	}
	e.setXLEN(xlen)
	return nil
}

func (e *Emulator) setXLEN(xlen isa.XLEN) {
	e.xlen = xlen
	e.cpu.SetXLEN(xlen)
}

// SetToHost watches the 8 bytes at the physical address addr. A non-zero
// value ends Run.
func (e *Emulator) SetToHost(addr uint64) {
	e.toHost = addr
	e.hasToHost = true
}

// LoadFilesystem attaches a virtio block device backed by image. Guest writes
// land in image.
func (e *Emulator) LoadFilesystem(image []byte, readonly bool) error {
	if e.started {
		return ErrStarted
	}
	if e.disk != nil {
		return fmt.Errorf("%w: filesystem", ErrAlreadyLoaded)
	}
	disk := virtio.NewBlk(image, readonly)
	dev := virtio.NewMMIO(disk, e.mmu, e.irqs.AllocateLine(VirtioIRQ), e.log)
	if err := e.bus.Map(mmu.RegionBlock, "virtio-blk", VirtioBase, dev); err != nil {
		return fmt.Errorf("attach filesystem: %w", err)
	}
	e.disk = disk
	e.log.Info("attached filesystem", "bytes", len(image), "sectors", disk.Capacity(), "readonly", readonly)
	return nil
}

// LoadDTB maps blob read-only at DTBBase. Without it the machine generates
// a device tree when it starts.
func (e *Emulator) LoadDTB(blob []byte) error {
	if e.started {
		return ErrStarted
	}
	if e.dtb != nil {
		return fmt.Errorf("%w: device tree", ErrAlreadyLoaded)
	}
	if _, err := fdt.ReadHeader(blob); err != nil {
		return fmt.Errorf("load dtb: %w", err)
	}
	if err := e.mapDTB(blob); err != nil {
		return err
	}
	e.log.Info("loaded device tree", "bytes", len(blob))
	return nil
}

func (e *Emulator) mapDTB(blob []byte) error {
	if err := e.bus.Map(mmu.RegionROM, "dtb", DTBBase, mmu.NewROM(blob)); err != nil {
		return fmt.Errorf("map dtb: %w", err)
	}
	e.dtb = blob
	return nil
}

// EnablePageCache switches the translation cache. Switching it off drops
// every cached entry.
func (e *Emulator) EnablePageCache(on bool) {
	e.mmu.EnableCache(on)
}

// Platform describes the machine for device tree generation.
func (e *Emulator) Platform() fdt.Platform {
	p := fdt.Platform{
		XLEN:              e.xlen,
		RAMBase:           RAMBase,
		RAMSize:           e.cfg.RAMSize,
		Bootargs:          e.cfg.Bootargs,
		TimebaseFrequency: TimebaseFrequency,
		CLINTBase:         CLINTBase,
		CLINTSize:         clint.Size,
		PLICBase:          PLICBase,
		PLICSize:          plic.Size,
		PLICSources:       plic.Sources - 1,
		UARTBase:          UARTBase,
		UARTSize:          serial.UART8250Size,
		UARTIRQ:           UARTIRQ,
		UARTClock:         serial.UART8250DefaultClock,
	}
	if e.disk != nil {
		p.VirtioBase = VirtioBase
		p.VirtioSize = virtio.MMIOSize
		p.VirtioIRQ = VirtioIRQ
	}
	return p
}

// start finishes setup on the first step: the device tree is generated if
// needed and the boot registers are set.
func (e *Emulator) start() error {
	if e.started {
		return nil
	}
	if e.program == nil {
		return ErrNoProgram
	}
	if e.xlen == 0 {
		return ErrXLENRequired
	}
	if e.dtb == nil {
		blob, err := fdt.Generate(e.Platform())
		if err != nil {
			return fmt.Errorf("generate dtb: %w", err)
		}
		if err := e.mapDTB(blob); err != nil {
			return err
		}
	}

	e.cpu.SetPC(e.program.Entry)
	e.cpu.SetReg(10, 0) // a0: hart id
	e.cpu.SetReg(11, DTBBase)
	e.started = true

	e.log.Debug("machine started",
		"pc", fmt.Sprintf("%#x", e.cpu.PC()),
		"xlen", e.xlen,
		"ram", e.cfg.RAMSize,
		"pageCache", e.mmu.CacheEnabled(),
	)
	return nil
}

// Step executes one hart step, starting the machine if needed.
func (e *Emulator) Step() error {
	if err := e.start(); err != nil {
		return err
	}
	return e.cpu.Step()
}

// Stop asks Run to return before the next step. It is safe to call from any
// goroutine.
func (e *Emulator) Stop() { e.stopped.Store(true) }

// Run steps the hart until a stop condition is reached. Only fatal errors
// are returned; every other way of stopping is reported in Result.
func (e *Emulator) Run(ctx context.Context) (Result, error) {
	if err := e.start(); err != nil {
		return Result{}, err
	}

	begin := time.Now()
	var res Result
	var runErr error
	for {
		if e.stopped.Load() {
			res.Reason = StopRequested
			break
		}
		if res.Steps%ctxCheckInterval == 0 && ctx.Err() != nil {
			res.Reason = StopCanceled
			break
		}
		if e.cfg.MaxSteps != 0 && res.Steps >= e.cfg.MaxSteps {
			res.Reason = StopStepLimit
			break
		}
		if _, ok := e.stopAt[e.cpu.PC()]; ok {
			res.Reason = StopBreakpoint
			break
		}

		if err := e.cpu.Step(); err != nil {
			res.Reason = StopFatal
			runErr = err
			break
		}
		res.Steps++

		if e.hasToHost {
			v, err := e.mmu.ReadPhysical(e.toHost, 8)
			if err != nil {
				res.Reason = StopFatal
				runErr = fmt.Errorf("read tohost: %w", err)
				break
			}
			if v != 0 {
				res.Reason = StopToHost
				res.ExitCode = int(v >> 1)
				break
			}
		}
	}
	res.PC = e.cpu.PC()

	stats := e.cpu.Stats()
	cache := e.mmu.CacheStats()
	e.log.Info("run finished",
		"reason", res.Reason,
		"pc", fmt.Sprintf("%#x", res.PC),
		"steps", res.Steps,
		"retired", stats.Retired,
		"traps", stats.Traps,
		"interrupts", stats.Interrupts,
		"cacheHits", cache.Hits,
		"cacheMisses", cache.Misses,
		"elapsed", time.Since(begin),
	)
	if runErr != nil {
		e.log.Error("emulation failed", "error", runErr)
		return res, fmt.Errorf("emulator: %w", runErr)
	}
	return res, nil
}
