package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	blkDeviceID    = 2
	blkQueueCount  = 1
	blkQueueNumMax = 8

	// SectorSize is the block size the guest addresses.
	SectorSize = 512

	blkHeaderSize = 16
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_RO    = 1 << 5
	VIRTIO_BLK_F_FLUSH = 1 << 9
)

// virtioBlkReqHdr is the request header at the start of every chain.
type virtioBlkReqHdr struct {
	reqType  uint32
	reserved uint32
	sector   uint64
}

// Blk is a block device over an in-memory disk image. Guest writes modify
// the image in place.
type Blk struct {
	mu       sync.Mutex
	contents []byte
	readonly bool
}

// NewBlk serves image to the guest. The slice is used directly, so the
// caller observes guest writes. Images are padded to a whole sector.
func NewBlk(image []byte, readonly bool) *Blk {
	if rem := len(image) % SectorSize; rem != 0 {
		image = append(image, make([]byte, SectorSize-rem)...)
	}
	return &Blk{contents: image, readonly: readonly}
}

// Contents returns the current disk image.
func (b *Blk) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contents
}

// Capacity returns the disk size in sectors.
func (b *Blk) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.contents)) / SectorSize
}

func (b *Blk) DeviceID() uint32 { return blkDeviceID }
func (b *Blk) QueueCount() int { return blkQueueCount }
func (b *Blk) QueueMaxSize() uint16 { return blkQueueNumMax }
func (b *Blk) Reset() {}

func (b *Blk) Features() uint64 {
	features := uint64(VIRTIO_BLK_F_FLUSH)
	if b.readonly {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

// Config returns the capacity field of the block configuration.
func (b *Blk) Config() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b.Capacity())
	return buf[:]
}

// OnQueueNotify implements Device.
func (b *Blk) OnQueueNotify(q *VirtQueue) (bool, error) {
	used := false
	for {
		head, ok, err := q.NextAvailable()
		if err != nil {
			return used, err
		}
		if !ok {
			return used, nil
		}
		written, err := b.processRequest(q, head)
		if err != nil {
			return used, err
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return used, err
		}
		used = true
	}
}

// processRequest walks a [header] [data...] [status] chain and returns the
// number of bytes written into guest buffers.
func (b *Blk) processRequest(q *VirtQueue, head uint16) (uint32, error) {
	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		return 0, err
	}
	if len(chain) < 2 {
		return 0, fmt.Errorf("virtio-blk: chain of %d descriptors is too short", len(chain))
	}

	hdrDesc := chain[0]
	if hdrDesc.IsWrite() {
		return 0, fmt.Errorf("virtio-blk: header descriptor is writable")
	}
	if hdrDesc.Length < blkHeaderSize {
		return 0, fmt.Errorf("virtio-blk: header too short: %d", hdrDesc.Length)
	}
	var raw [blkHeaderSize]byte
	if err := q.mem.ReadPhysicalBytes(hdrDesc.Addr, raw[:]); err != nil {
		return 0, err
	}
	hdr := virtioBlkReqHdr{
		reqType:  binary.LittleEndian.Uint32(raw[0:4]),
		reserved: binary.LittleEndian.Uint32(raw[4:8]),
		sector:   binary.LittleEndian.Uint64(raw[8:16]),
	}

	statusDesc := chain[len(chain)-1]
	if !statusDesc.IsWrite() || statusDesc.Length < 1 {
		return 0, fmt.Errorf("virtio-blk: bad status descriptor")
	}

	status, written := b.executeRequest(q.mem, hdr, chain[1:len(chain)-1])
	if err := q.mem.WritePhysicalBytes(statusDesc.Addr, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

func (b *Blk) executeRequest(mem GuestMemory, hdr virtioBlkReqHdr, data []VirtQueueDescriptor) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := hdr.sector * SectorSize
	var written uint32

	switch hdr.reqType {
	case VIRTIO_BLK_T_IN:
		for _, desc := range data {
			if !desc.IsWrite() {
				return VIRTIO_BLK_S_IOERR, written
			}
			end := offset + uint64(desc.Length)
			if end > uint64(len(b.contents)) || end < offset {
				return VIRTIO_BLK_S_IOERR, written
			}
			if err := mem.WritePhysicalBytes(desc.Addr, b.contents[offset:end]); err != nil {
				return VIRTIO_BLK_S_IOERR, written
			}
			written += desc.Length
			offset = end
		}
		return VIRTIO_BLK_S_OK, written

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, 0
		}
		for _, desc := range data {
			if desc.IsWrite() {
				return VIRTIO_BLK_S_IOERR, 0
			}
			end := offset + uint64(desc.Length)
			if end > uint64(len(b.contents)) || end < offset {
				return VIRTIO_BLK_S_IOERR, 0
			}
			if err := mem.ReadPhysicalBytes(desc.Addr, b.contents[offset:end]); err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			offset = end
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_FLUSH:
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, 20)
		copy(id, "rvemu-blk")
		if len(data) > 0 && data[0].IsWrite() {
			n := min(uint32(len(id)), data[0].Length)
			if err := mem.WritePhysicalBytes(data[0].Addr, id[:n]); err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			return VIRTIO_BLK_S_OK, n
		}
		return VIRTIO_BLK_S_OK, 0

	default:
		return VIRTIO_BLK_S_UNSUPP, 0
	}
}

var _ Device = (*Blk)(nil)
