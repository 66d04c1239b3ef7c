package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	descriptorSize = 16
)

var ErrQueueNotReady = errors.New("virtio: queue not ready")

// GuestMemory is the DMA path into guest physical memory. Writes must go
// through the MMU so cached translations stay coherent with page tables.
type GuestMemory interface {
	ReadPhysicalBytes(paddr uint64, buf []byte) error
	WritePhysicalBytes(paddr uint64, data []byte) error
}

// VirtQueueDescriptor is one entry of the descriptor table.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the device writes into the buffer.
func (d VirtQueueDescriptor) IsWrite() bool { return d.Flags&virtqDescFWrite != 0 }

// VirtQueue is a split virtqueue laid out the legacy way: descriptor table,
// available ring and then the used ring on the next alignment boundary,
// all contiguous from the queue's page frame.
type VirtQueue struct {
	Size    uint16
	MaxSize uint16
	Align   uint32
	PFN     uint32

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize: maxSize,
		Align:   4096,
		mem:     mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Align = 4096
	q.PFN = 0
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// Ready reports whether the guest has placed the queue in memory.
func (q *VirtQueue) Ready() bool { return q.PFN != 0 && q.Size != 0 }

// SetSize sets the number of descriptors.
func (q *VirtQueue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	q.Size = size
	return nil
}

// SetPFN places the rings at pfn*pageSize. A zero pfn releases the queue.
func (q *VirtQueue) SetPFN(pfn uint32, pageSize uint32) {
	if pfn == 0 {
		q.Reset()
		return
	}
	q.PFN = pfn
	align := uint64(q.Align)
	if align == 0 {
		align = 4096
	}
	base := uint64(pfn) * uint64(pageSize)
	q.DescTableAddr = base
	q.AvailRingAddr = base + descriptorSize*uint64(q.Size)
	availEnd := q.AvailRingAddr + 2*(3+uint64(q.Size))
	q.UsedRingAddr = (availEnd + align - 1) &^ (align - 1)
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [descriptorSize]byte
	if err := q.mem.ReadPhysicalBytes(q.DescTableAddr+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}

	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable pops the next descriptor head from the available ring.
func (q *VirtQueue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.readUint16(q.AvailRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err = q.readUint16(q.AvailRingAddr + 4 + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain reads the chain starting at head. The walk is bounded
// by the queue size so a looping chain cannot hang the device.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueueDescriptor, error) {
	var chain []VirtQueueDescriptor
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return chain, err
		}
		chain = append(chain, desc)
		if desc.Flags&virtqDescFNext == 0 {
			return chain, nil
		}
		index = desc.Next
	}
	return chain, fmt.Errorf("virtio: descriptor chain from %d longer than queue", head)
}

// PutUsedBuffer publishes a completed chain in the used ring.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	slot := q.usedIdx % q.Size
	if err := q.mem.WritePhysicalBytes(q.UsedRingAddr+4+uint64(slot)*8, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.mem.WritePhysicalBytes(q.UsedRingAddr+2, idx[:])
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready() {
		return ErrQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.mem.ReadPhysicalBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
