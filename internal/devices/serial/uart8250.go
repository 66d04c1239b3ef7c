// Package serial implements a 16550-compatible UART on the memory bus.
package serial

import (
	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/mmu"
	"github.com/tinyrange/rvemu/internal/term"
)

const (
	// UART8250DefaultClock is the reference clock advertised to the guest.
	UART8250DefaultClock = 1843200
	// UART8250Size is the size of the register window on the bus.
	UART8250Size = 0x100

	uartRegisterCount = 8

	// pollInterval is the number of ticks between terminal input polls.
	pollInterval = 128

	uartIERRxAvail   = 1 << 0
	uartIERTHRE      = 1 << 1
	uartIERLineStat  = 1 << 2
	uartIERModemStat = 1 << 3

	uartIIRNone    = 0x01
	uartIIRModem   = 0x00
	uartIIRTHRE    = 0x02
	uartIIRRxAvail = 0x04
	uartIIRLine    = 0x06
	uartIIRFIFO    = 0xc0

	uartLCRDLAB = 1 << 7
	uartMCRLoop = 1 << 4

	uartLSRDataReady = 1 << 0
	uartLSRErrors    = 0x1e
	uartLSRTHRE      = 1 << 5
	uartLSRTEMT      = 1 << 6
)

// UART8250 models the register file of a 16550 with a one byte receive
// buffer. Output goes straight to the terminal and input is polled from it
// on Tick.
type UART8250 struct {
	term term.Terminal
	irq  chipset.LineInterrupt

	dll       byte
	dlm       byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte
	rbr       byte

	// threPending is the latched transmitter-empty interrupt. It is raised
	// when THR drains or THRE interrupts get enabled, and cleared by a THR
	// write or an IIR read that reports it.
	threPending bool
	pendingIIR  byte
	fifoEnabled bool
	ticks       uint32
}

// NewUART8250 builds a UART wired to the given terminal and interrupt line.
// A nil line leaves the device without interrupts.
func NewUART8250(t term.Terminal, irq chipset.LineInterrupt) *UART8250 {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	s := &UART8250{
		term:       t,
		irq:        irq,
		lsr:        uartLSRTHRE | uartLSRTEMT,
		pendingIIR: uartIIRNone,
	}
	s.updateModemStatus()
	return s
}

// Size implements mmu.Device.
func (s *UART8250) Size() uint64 { return UART8250Size }

// Read implements mmu.Device. Wider accesses read successive registers.
func (s *UART8250) Read(offset uint64, size int) (uint64, error) {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(s.readByte(offset+uint64(i))) << (8 * i)
	}
	return v, nil
}

// Write implements mmu.Device.
func (s *UART8250) Write(offset uint64, size int, value uint64) error {
	for i := 0; i < size; i++ {
		s.writeByte(offset+uint64(i), byte(value>>(8*i)))
	}
	return nil
}

// Tick implements mmu.Ticker. The terminal is polled only while the
// receive buffer is empty.
func (s *UART8250) Tick() {
	s.ticks++
	if s.ticks < pollInterval {
		return
	}
	s.ticks = 0
	if s.lsr&uartLSRDataReady != 0 || s.term == nil || s.mcr&uartMCRLoop != 0 {
		return
	}
	if b, ok := s.term.GetInput(); ok {
		s.receive(b)
	}
}

// Receive injects an input byte as if it arrived on the wire. It is
// dropped if the receive buffer is still full.
func (s *UART8250) Receive(b byte) bool {
	if s.lsr&uartLSRDataReady != 0 {
		return false
	}
	s.receive(b)
	return true
}

// InterruptPending reports whether the device is asserting its line.
func (s *UART8250) InterruptPending() bool { return s.pendingIIR != uartIIRNone }

func (s *UART8250) receive(b byte) {
	s.rbr = b
	s.lsr |= uartLSRDataReady
	s.updateInterrupts()
}

func (s *UART8250) readByte(offset uint64) byte {
	if offset >= uartRegisterCount {
		return 0
	}
	return s.readRegister(uint16(offset))
}

func (s *UART8250) writeByte(offset uint64, value byte) {
	if offset >= uartRegisterCount {
		return
	}
	s.writeRegister(uint16(offset), value)
}

func (s *UART8250) writeRegister(offset uint16, value byte) {
	switch offset {
	case 0:
		if s.lcr&uartLCRDLAB != 0 {
			s.dll = value
		} else {
			s.threPending = false
			s.lsr &^= uartLSRTHRE | uartLSRTEMT
			s.updateInterrupts()
			s.transmit(value)
		}
	case 1:
		if s.lcr&uartLCRDLAB != 0 {
			s.dlm = value
		} else {
			s.setIER(value)
		}
	case 2:
		s.setFCR(value)
	case 3:
		s.lcr = value
	case 4:
		s.setMCR(value)
	case 5, 6:
		// LSR and MSR are read-only.
	case 7:
		s.scr = value
	}
}

func (s *UART8250) readRegister(offset uint16) byte {
	switch offset {
	case 0:
		if s.lcr&uartLCRDLAB != 0 {
			return s.dll
		}
		value := s.rbr
		s.rbr = 0
		s.lsr &^= uartLSRDataReady
		s.updateInterrupts()
		return value
	case 1:
		if s.lcr&uartLCRDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return s.interruptIdentification()
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.lsr
	case 6:
		return s.modemStatus()
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *UART8250) setIER(value byte) {
	prev := s.ier
	s.ier = value & 0x0f
	if prev&uartIERTHRE == 0 && s.ier&uartIERTHRE != 0 && s.lsr&uartLSRTHRE != 0 {
		s.threPending = true
	}
	s.updateInterrupts()
}

func (s *UART8250) interruptIdentification() byte {
	iir := s.pendingIIR
	if iir == uartIIRTHRE {
		s.threPending = false
		s.updateInterrupts()
	}
	if s.fifoEnabled {
		iir |= uartIIRFIFO
	}
	return iir
}

func (s *UART8250) updateInterrupts() {
	interrupt := byte(uartIIRNone)

	switch {
	case s.ier&uartIERLineStat != 0 && s.lsr&uartLSRErrors != 0:
		interrupt = uartIIRLine
	case s.ier&uartIERRxAvail != 0 && s.lsr&uartLSRDataReady != 0:
		interrupt = uartIIRRxAvail
	case s.ier&uartIERTHRE != 0 && s.threPending:
		interrupt = uartIIRTHRE
	case s.ier&uartIERModemStat != 0 && s.msrDelta != 0:
		interrupt = uartIIRModem
	}

	s.pendingIIR = interrupt
	s.irq.SetLevel(interrupt != uartIIRNone)
}

func (s *UART8250) transmit(value byte) {
	if s.mcr&uartMCRLoop != 0 {
		s.rbr = value
		s.lsr |= uartLSRDataReady
	} else if s.term != nil {
		s.term.PutByte(value)
	}
	s.lsr |= uartLSRTHRE | uartLSRTEMT
	if s.ier&uartIERTHRE != 0 {
		s.threPending = true
	}
	s.updateInterrupts()
}

func (s *UART8250) clearRX() {
	s.rbr = 0
	s.lsr &^= uartLSRDataReady
	s.updateInterrupts()
}

func (s *UART8250) setFCR(value byte) {
	if value&0x02 != 0 {
		s.clearRX()
	}
	s.fcr = value
	s.fifoEnabled = value&0x01 != 0
}

func (s *UART8250) setMCR(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1f

	if prev&uartMCRLoop != 0 && s.mcr&uartMCRLoop == 0 {
		s.clearRX()
	}

	s.updateModemStatus()
	s.updateInterrupts()
}

func (s *UART8250) modemStatus() byte {
	value := s.msrStatus | s.msrDelta
	s.msrDelta = 0
	s.updateInterrupts()
	return value
}

func (s *UART8250) updateModemStatus() {
	const (
		bitCTS = 1 << 4
		bitDSR = 1 << 5
		bitRI  = 1 << 6
		bitDCD = 1 << 7
	)
	s.msrStatus = bitCTS | bitDSR | bitDCD
	if s.mcr&0x04 != 0 {
		s.msrStatus |= bitRI
	}
}

var (
	_ mmu.Device = (*UART8250)(nil)
	_ mmu.Ticker = (*UART8250)(nil)
)
