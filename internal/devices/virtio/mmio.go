// Package virtio implements legacy (version 1) virtio-mmio transports and
// the devices behind them.
package virtio

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/mmu"
)

// Legacy virtio-mmio register offsets.
const (
	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regHostFeatures     = 0x010
	regHostFeaturesSel  = 0x014
	regGuestFeatures    = 0x020
	regGuestFeaturesSel = 0x024
	regGuestPageSize    = 0x028
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueAlign       = 0x03c
	regQueuePFN         = 0x040
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regConfig           = 0x100

	// MMIOSize is the size of one transport window on the bus.
	MMIOSize = 0x1000

	magicValue    = 0x74726976 // "virt"
	legacyVersion = 1
	vendorID      = 0x554d4551 // "QEMU"

	interruptUsedBuffer = 1 << 0
)

// Device is a virtio device behind an MMIO transport.
type Device interface {
	DeviceID() uint32
	Features() uint64
	QueueCount() int
	QueueMaxSize() uint16
	// Config returns the device configuration space.
	Config() []byte
	// OnQueueNotify processes available buffers and reports whether any
	// were completed.
	OnQueueNotify(q *VirtQueue) (bool, error)
	Reset()
}

// MMIO is the legacy virtio-mmio register block. Queue notifications are
// handled synchronously inside the guest's store.
type MMIO struct {
	dev    Device
	irq    chipset.LineInterrupt
	log    *slog.Logger
	queues []*VirtQueue

	hostFeaturesSel  uint32
	guestFeatures    uint64
	guestFeaturesSel uint32
	guestPageSize    uint32
	queueSel         uint32
	interruptStatus  uint32
	status           uint32
}

// NewMMIO wires dev to guest memory and an interrupt line.
func NewMMIO(dev Device, mem GuestMemory, irq chipset.LineInterrupt, log *slog.Logger) *MMIO {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	if log == nil {
		log = slog.Default()
	}
	m := &MMIO{
		dev:           dev,
		irq:           irq,
		log:           log,
		guestPageSize: 4096,
	}
	for i := 0; i < dev.QueueCount(); i++ {
		m.queues = append(m.queues, NewVirtQueue(mem, dev.QueueMaxSize()))
	}
	return m
}

// Size implements mmu.Device.
func (m *MMIO) Size() uint64 { return MMIOSize }

// InterruptStatus returns the interrupt status register.
func (m *MMIO) InterruptStatus() uint32 { return m.interruptStatus }

// Queue returns the queue with the given index or nil.
func (m *MMIO) Queue(idx int) *VirtQueue {
	if idx < 0 || idx >= len(m.queues) {
		return nil
	}
	return m.queues[idx]
}

func (m *MMIO) selected() *VirtQueue { return m.Queue(int(m.queueSel)) }

// Read implements mmu.Device.
func (m *MMIO) Read(offset uint64, size int) (uint64, error) {
	if offset >= regConfig {
		return readConfig(m.dev.Config(), offset-regConfig, size), nil
	}

	switch offset {
	case regMagic:
		return magicValue, nil
	case regVersion:
		return legacyVersion, nil
	case regDeviceID:
		return uint64(m.dev.DeviceID()), nil
	case regVendorID:
		return vendorID, nil
	case regHostFeatures:
		return uint64(uint32(m.dev.Features() >> (32 * uint64(m.hostFeaturesSel&1)))), nil
	case regQueueNumMax:
		if q := m.selected(); q != nil {
			return uint64(q.MaxSize), nil
		}
	case regQueuePFN:
		if q := m.selected(); q != nil {
			return uint64(q.PFN), nil
		}
	case regInterruptStatus:
		return uint64(m.interruptStatus), nil
	case regStatus:
		return uint64(m.status), nil
	}
	return 0, nil
}

// Write implements mmu.Device.
func (m *MMIO) Write(offset uint64, size int, value uint64) error {
	if offset >= regConfig {
		// Configuration space is read-only for the devices here.
		return nil
	}

	val := uint32(value)
	switch offset {
	case regHostFeaturesSel:
		m.hostFeaturesSel = val
	case regGuestFeatures:
		shift := 32 * uint64(m.guestFeaturesSel&1)
		m.guestFeatures = m.guestFeatures&^(0xffff_ffff<<shift) | uint64(val)<<shift
	case regGuestFeaturesSel:
		m.guestFeaturesSel = val
	case regGuestPageSize:
		m.guestPageSize = val
	case regQueueSel:
		m.queueSel = val
	case regQueueNum:
		if q := m.selected(); q != nil {
			if err := q.SetSize(uint16(val)); err != nil {
				m.log.Warn("virtio: ignoring queue size", "queue", m.queueSel, "err", err)
			}
		}
	case regQueueAlign:
		if q := m.selected(); q != nil && val != 0 && val&(val-1) == 0 {
			q.Align = val
		}
	case regQueuePFN:
		if q := m.selected(); q != nil {
			q.SetPFN(val, m.guestPageSize)
		}
	case regQueueNotify:
		return m.notify(int(val))
	case regInterruptACK:
		m.interruptStatus &^= val
		m.updateInterrupt()
	case regStatus:
		m.status = val
		if val == 0 {
			m.reset()
		}
	}
	return nil
}

func (m *MMIO) notify(idx int) error {
	q := m.Queue(idx)
	if q == nil || !q.Ready() {
		return nil
	}
	used, err := m.dev.OnQueueNotify(q)
	if err != nil {
		m.log.Warn("virtio: queue processing failed", "queue", idx, "err", err)
	}
	if used {
		m.interruptStatus |= interruptUsedBuffer
		m.updateInterrupt()
	}
	return nil
}

func (m *MMIO) reset() {
	for _, q := range m.queues {
		q.Reset()
	}
	m.hostFeaturesSel = 0
	m.guestFeatures = 0
	m.guestFeaturesSel = 0
	m.queueSel = 0
	m.interruptStatus = 0
	m.updateInterrupt()
	m.dev.Reset()
}

func (m *MMIO) updateInterrupt() {
	m.irq.SetLevel(m.interruptStatus != 0)
}

func readConfig(cfg []byte, offset uint64, size int) uint64 {
	var buf [8]byte
	if offset < uint64(len(cfg)) {
		copy(buf[:size], cfg[offset:])
	}
	return binary.LittleEndian.Uint64(buf[:])
}

var _ mmu.Device = (*MMIO)(nil)
