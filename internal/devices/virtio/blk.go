package virtio

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/spaceport/internal/debug"
	"github.com/tinyrange/spaceport/internal/irq"
	"github.com/tinyrange/spaceport/internal/memory"
)

const (
	blkReqTypeIn  uint32 = 0
	blkReqTypeOut uint32 = 1

	blkStatusOK    byte = 0
	blkStatusIOErr byte = 1

	blkHeaderSize = 16
	sectorSize    = 512

	blkQueueSize = 256

	blkDeviceID = 2 // virtio-blk
)

// blkRequestHeader is the 16-byte request header preceding a block
// request's data: {type, ioprio, sector}. Decoded by explicit byte
// unpacking, not a cast, to keep the wire format endian-correct regardless
// of host layout.
type blkRequestHeader struct {
	Type   uint32
	IOPrio uint32
	Sector uint64
}

func decodeBlkHeader(buf []byte) blkRequestHeader {
	return blkRequestHeader{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		IOPrio: binary.LittleEndian.Uint32(buf[4:8]),
		Sector: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Blk is a virtio block device: one request queue, a pluggable disk
// backend, and a num_sectors config word.
type Blk struct {
	dev  *Device
	disk DiskBackend
}

// NewBlk builds a block device backed by disk, wired into mem/sender for
// guest access and its interrupt line.
func NewBlk(mem memory.Accessor, sender irq.Sender, base uint64, disk DiskBackend) *Blk {
	b := &Blk{disk: disk}
	b.dev = NewDevice(mem, sender, base, 0x200, 0, blkDeviceID, 0, b, b)
	return b
}

// Device exposes the underlying virtio-mmio register file, for wiring into
// an address-space Space as an IO region.
func (b *Blk) Device() *Device { return b.dev }

func (b *Blk) NumQueues() int          { return 1 }
func (b *Blk) QueueMaxSize(int) uint16 { return blkQueueSize }
func (b *Blk) OnDriverOK()             {}
func (b *Blk) OnReset()                {}

// ReadConfig serves num_sectors as the first 8 bytes of config space,
// little-endian, one 32-bit register at a time.
func (b *Blk) ReadConfig(offset uint64) uint32 {
	sectors := uint64(b.disk.Size()) / sectorSize
	switch offset {
	case 0:
		return uint32(sectors)
	case 4:
		return uint32(sectors >> 32)
	default:
		return 0
	}
}

func (b *Blk) WriteConfig(uint64, uint32) {}

// Receive processes one avail head: a request header followed by data,
// dispatched to the disk backend per the request type.
func (b *Blk) Receive(q *Queue, head uint16) bool {
	debug.Writef("virtio-blk.Receive", "head=%d", head)
	res, err := q.Extract(head, true, true)
	if err != nil {
		slog.Error("virtio-blk: extract failed", "err", err)
		return false
	}
	if res.WriteLen < blkHeaderSize {
		slog.Error("virtio-blk: request shorter than header", "len", res.WriteLen)
		return false
	}

	hdr := decodeBlkHeader(res.WriteBuf[:blkHeaderSize])
	diskOffset := int64(hdr.Sector) * sectorSize

	switch hdr.Type {
	case blkReqTypeIn:
		b.handleIn(q, head, res, diskOffset)
	case blkReqTypeOut:
		b.handleOut(q, head, res, diskOffset)
	default:
		slog.Error("virtio-blk: unknown request type", "type", hdr.Type)
		return false
	}

	b.dev.RaiseInterrupt(IntVRing)
	return true
}

func (b *Blk) handleIn(q *Queue, head uint16, res *ExtractResult, diskOffset int64) {
	if len(res.ReadBuf) == 0 {
		slog.Error("virtio-blk: IN request has no device-writable descriptors")
		return
	}
	payload := res.ReadBuf[:len(res.ReadBuf)-1]
	_, err := b.disk.ReadAt(payload, diskOffset)
	status := blkStatusOK
	if err != nil {
		slog.Error("virtio-blk: read failed", "err", err)
		status = blkStatusIOErr
	}
	debug.Writef("virtio-blk.read", "err=%v offset=%d len=%d", err, diskOffset, len(payload))
	res.ReadBuf[len(res.ReadBuf)-1] = status

	if err := q.CopyTo(res.ReadMeta, res.ReadBuf); err != nil {
		slog.Error("virtio-blk: scatter reply failed", "err", err)
	}
	if err := q.SetUsed(head, uint32(res.ReadLen)); err != nil {
		slog.Error("virtio-blk: set used failed", "err", err)
	}
}

func (b *Blk) handleOut(q *Queue, head uint16, res *ExtractResult, diskOffset int64) {
	payload := res.WriteBuf[blkHeaderSize:]
	_, err := b.disk.WriteAt(payload, diskOffset)
	status := blkStatusOK
	if err != nil {
		slog.Error("virtio-blk: write failed", "err", err)
		status = blkStatusIOErr
	}
	debug.Writef("virtio-blk.write", "err=%v offset=%d len=%d", err, diskOffset, len(payload))

	// Unconventional but intentional: the guest expects the OUT status
	// byte written into the first device-readable descriptor's own guest
	// address, not into a device-writable tail descriptor.
	if len(res.WriteMeta) > 0 {
		if err := q.WriteByte(res.WriteMeta[0].Addr, status); err != nil {
			slog.Error("virtio-blk: status write failed", "err", err)
		}
	}
	if err := q.SetUsed(head, 1); err != nil {
		slog.Error("virtio-blk: set used failed", "err", err)
	}
}

var _ ConfigDevice = (*Blk)(nil)
var _ QueueClient = (*Blk)(nil)
