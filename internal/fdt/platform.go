package fdt

import (
	"fmt"

	"github.com/tinyrange/rvemu/internal/isa"
)

// Platform describes the machine published to the guest.
type Platform struct {
	XLEN     isa.XLEN
	RAMBase  uint64
	RAMSize  uint64
	Bootargs string

	// TimebaseFrequency is the rate of the CLINT mtime counter.
	TimebaseFrequency uint32

	CLINTBase, CLINTSize uint64
	PLICBase, PLICSize   uint64
	PLICSources          uint32

	UARTBase, UARTSize uint64
	UARTIRQ            uint32
	UARTClock          uint32

	// VirtioBase is zero when no block device is attached.
	VirtioBase, VirtioSize uint64
	VirtioIRQ              uint32
}

const (
	cpuIntcPhandle = 1
	plicPhandle    = 2
)

// PlatformTree returns the node tree describing p.
func PlatformTree(p Platform) Node {
	isaString, mmuType := "rv64imafdc_zicsr_zifencei", "riscv,sv48"
	if p.XLEN == isa.XLEN32 {
		isaString, mmuType = "rv32imafdc_zicsr_zifencei", "riscv,sv32"
	}

	intc := NewNode("interrupt-controller").
		Set("#interrupt-cells", Cells(1)).
		Set("interrupt-controller", Flag()).
		Set("compatible", Strings("riscv,cpu-intc")).
		Set("phandle", Cells(cpuIntcPhandle))

	cpu := NewNode("cpu@0").
		Set("device_type", Strings("cpu")).
		Set("reg", Cells(0)).
		Set("status", Strings("okay")).
		Set("compatible", Strings("riscv")).
		Set("riscv,isa", Strings(isaString)).
		Set("mmu-type", Strings(mmuType)).
		Add(intc)

	cpus := NewNode("cpus").
		Set("#address-cells", Cells(1)).
		Set("#size-cells", Cells(0)).
		Set("timebase-frequency", Cells(p.TimebaseFrequency)).
		Add(cpu)

	memory := NewNode(fmt.Sprintf("memory@%x", p.RAMBase)).
		Set("device_type", Strings("memory")).
		Set("reg", Cells64(p.RAMBase, p.RAMSize))

	clint := NewNode(fmt.Sprintf("clint@%x", p.CLINTBase)).
		Set("compatible", Strings("sifive,clint0", "riscv,clint0")).
		Set("reg", Cells64(p.CLINTBase, p.CLINTSize)).
		Set("interrupts-extended", Cells(
			cpuIntcPhandle, uint32(isa.IntMSoft),
			cpuIntcPhandle, uint32(isa.IntMTimer),
		))

	// Context 0 is the M-mode external interrupt, context 1 the S-mode one.
	plic := NewNode(fmt.Sprintf("plic@%x", p.PLICBase)).
		Set("compatible", Strings("sifive,plic-1.0.0", "riscv,plic0")).
		Set("#interrupt-cells", Cells(1)).
		Set("#address-cells", Cells(0)).
		Set("interrupt-controller", Flag()).
		Set("reg", Cells64(p.PLICBase, p.PLICSize)).
		Set("interrupts-extended", Cells(
			cpuIntcPhandle, uint32(isa.IntMExternal),
			cpuIntcPhandle, uint32(isa.IntSExternal),
		)).
		Set("riscv,ndev", Cells(p.PLICSources)).
		Set("phandle", Cells(plicPhandle))

	uartName := fmt.Sprintf("serial@%x", p.UARTBase)
	uart := NewNode(uartName).
		Set("compatible", Strings("ns16550a")).
		Set("reg", Cells64(p.UARTBase, p.UARTSize)).
		Set("clock-frequency", Cells(p.UARTClock)).
		Set("interrupts", Cells(p.UARTIRQ)).
		Set("interrupt-parent", Cells(plicPhandle))

	soc := NewNode("soc").
		Set("#address-cells", Cells(2)).
		Set("#size-cells", Cells(2)).
		Set("compatible", Strings("simple-bus")).
		Set("ranges", Flag()).
		Add(clint, plic, uart)

	if p.VirtioBase != 0 {
		soc = soc.Add(NewNode(fmt.Sprintf("virtio_mmio@%x", p.VirtioBase)).
			Set("compatible", Strings("virtio,mmio")).
			Set("reg", Cells64(p.VirtioBase, p.VirtioSize)).
			Set("interrupts", Cells(p.VirtioIRQ)).
			Set("interrupt-parent", Cells(plicPhandle)))
	}

	chosen := NewNode("chosen").
		Set("stdout-path", Strings("/soc/"+uartName))
	if p.Bootargs != "" {
		chosen = chosen.Set("bootargs", Strings(p.Bootargs))
	}

	return NewNode("").
		Set("#address-cells", Cells(2)).
		Set("#size-cells", Cells(2)).
		Set("compatible", Strings("riscv-virtio")).
		Set("model", Strings("riscv-virtio,rvemu")).
		Add(chosen, cpus, memory, soc)
}

// Generate returns the serialized device tree for p.
func Generate(p Platform) ([]byte, error) {
	return Build(PlatformTree(p))
}
