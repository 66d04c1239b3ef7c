package fdt

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/rvemu/internal/isa"
)

func testPlatform() Platform {
	return Platform{
		XLEN:              isa.XLEN64,
		RAMBase:           0x80000000,
		RAMSize:           128 << 20,
		Bootargs:          "console=ttyS0",
		TimebaseFrequency: 10000000,
		CLINTBase:         0x02000000,
		CLINTSize:         0x10000,
		PLICBase:          0x0c000000,
		PLICSize:          0x4000000,
		PLICSources:       31,
		UARTBase:          0x10000000,
		UARTSize:          0x100,
		UARTIRQ:           10,
		UARTClock:         3686400,
		VirtioBase:        0x10001000,
		VirtioSize:        0x1000,
		VirtioIRQ:         1,
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	root := NewNode("").
		Set("model", Strings("test")).
		Add(NewNode("child@1").
			Set("reg", Cells(1, 2)).
			Set("marker", Flag()))

	blob, err := Tree{
		Root:         root,
		Reservations: []Reservation{{Address: 0x80000000, Size: 0x1000}},
	}.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := binary.BigEndian.Uint32(blob); got != fdtMagic {
		t.Fatalf("magic = %#x", got)
	}

	parsed, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := parsed.Properties["model"].String(); got != "test" {
		t.Errorf("model = %q", got)
	}
	child, ok := parsed.Child("child@1")
	if !ok {
		t.Fatal("child@1 missing")
	}
	reg := child.Properties["reg"].U32s()
	if len(reg) != 2 || reg[0] != 1 || reg[1] != 2 {
		t.Errorf("reg = %v", reg)
	}
	if marker, ok := child.Properties["marker"]; !ok || len(marker.Raw()) != 0 {
		t.Errorf("marker = %v, %v", marker, ok)
	}
}

func TestNamedRootRejected(t *testing.T) {
	if _, err := Build(NewNode("root")); err == nil {
		t.Fatal("expected error for a named root")
	}
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	for _, blob := range [][]byte{nil, make([]byte, 64), []byte("not a device tree at all, definitely not")} {
		if _, err := ReadHeader(blob); !errors.Is(err, ErrInvalid) {
			t.Errorf("ReadHeader(%d bytes) = %v, want ErrInvalid", len(blob), err)
		}
	}

	blob, err := Generate(testPlatform())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(blob[:len(blob)-1]); !errors.Is(err, ErrInvalid) {
		t.Errorf("truncated blob accepted: %v", err)
	}
}

func TestPlatformTree(t *testing.T) {
	blob, err := Generate(testPlatform())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	root, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	mem, ok := root.Find("/memory@80000000")
	if !ok {
		t.Fatal("memory node missing")
	}
	if got := mem.Properties["reg"].U32s(); len(got) != 4 || got[1] != 0x80000000 || got[3] != 128<<20 {
		t.Errorf("memory reg = %#x", got)
	}

	cpu, ok := root.Find("/cpus/cpu@0")
	if !ok {
		t.Fatal("cpu node missing")
	}
	if got := cpu.Properties["riscv,isa"].String(); got != "rv64imafdc_zicsr_zifencei" {
		t.Errorf("riscv,isa = %q", got)
	}

	uart, ok := root.Find("/soc/serial@10000000")
	if !ok {
		t.Fatal("uart node missing")
	}
	if got := uart.Properties["interrupts"].U32s(); len(got) != 1 || got[0] != 10 {
		t.Errorf("uart interrupts = %v", got)
	}

	if _, ok := root.Find("/soc/virtio_mmio@10001000"); !ok {
		t.Error("virtio node missing")
	}
	chosen, _ := root.Find("/chosen")
	if got := chosen.Properties["stdout-path"].String(); got != "/soc/serial@10000000" {
		t.Errorf("stdout-path = %q", got)
	}
	if got := chosen.Properties["bootargs"].String(); got != "console=ttyS0" {
		t.Errorf("bootargs = %q", got)
	}
}

func TestPlatformTreeRV32WithoutDisk(t *testing.T) {
	p := testPlatform()
	p.XLEN = isa.XLEN32
	p.VirtioBase = 0
	root := PlatformTree(p)

	cpu, _ := root.Find("/cpus/cpu@0")
	if got := cpu.Properties["mmu-type"].String(); got != "riscv,sv32" {
		t.Errorf("mmu-type = %q", got)
	}
	if _, ok := root.Find("/soc/virtio_mmio@10001000"); ok {
		t.Error("virtio node present without a disk")
	}
}
