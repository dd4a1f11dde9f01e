// Package virtio implements a split-virtqueue transport core (descriptor
// walking, MMIO register file, device status state machine) and two device
// classes built on it: block and console.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/spaceport/internal/errs"
	"github.com/tinyrange/spaceport/internal/memory"
)

// Descriptor flag bits, per the virtio split-virtqueue wire format.
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

const descriptorSize = 16

// Descriptor is the 16-byte wire structure for one virtqueue descriptor.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// DescMeta records the guest address and length backing one collected
// descriptor, enough to scatter a reply back with CopyTo.
type DescMeta struct {
	Addr uint64
	Len  uint32
}

// ExtractResult holds the flattened contents of a descriptor chain. Naming
// follows the side the device sees, not the flag that produced it: ReadBuf
// is what the device reads back out to the guest (WRITE-flagged
// descriptors, device-writable); WriteBuf is what the device read in from
// the guest (non-WRITE descriptors, device-readable). This is backwards
// from a naive reading of the flag names but matches the convention the
// request-processing code below depends on.
type ExtractResult struct {
	ReadBuf   []byte
	ReadMeta  []DescMeta
	ReadLen   int
	WriteBuf  []byte
	WriteMeta []DescMeta
	WriteLen  int
}

// QueueClient is notified of newly available descriptor chains. Receive
// reports whether the avail cursor should advance past head: false stalls
// the queue at this head (used for conditions the device wants the driver
// to observe as a stall rather than a completed, errored request), and
// Notify stops dispatching further heads from this batch when it happens.
type QueueClient interface {
	Receive(q *Queue, head uint16) (advance bool)
}

// Queue is one split virtqueue: ring addresses and cursor state live here;
// the rings themselves live in guest memory at those addresses.
type Queue struct {
	Ready bool
	Num   uint16

	DescAddr uint64
	AvailAddr uint64
	UsedAddr  uint64

	LastAvailIdx uint16
	usedIdx      uint16

	Client QueueClient

	mem memory.Accessor
}

// NewQueue creates a queue backed by mem for ring and descriptor access.
func NewQueue(mem memory.Accessor, client QueueClient) *Queue {
	return &Queue{mem: mem, Client: client}
}

// Reset clears all queue state, as performed on a QUEUE_READY=0 write or a
// full device reset.
func (q *Queue) Reset() {
	q.Ready = false
	q.Num = 0
	q.DescAddr = 0
	q.AvailAddr = 0
	q.UsedAddr = 0
	q.LastAvailIdx = 0
	q.usedIdx = 0
}

// GetReady reports whether the driver has marked the queue ready.
func (q *Queue) GetReady() bool { return q.Ready }

// SetReady marks the queue ready (or resets it, if ready is false).
func (q *Queue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.Ready = true
}

func (q *Queue) checkReady() error {
	if !q.Ready || q.Num == 0 {
		return errs.ErrNotReady
	}
	return nil
}

// GetDesc fetches descriptor i from the descriptor table, bounds-checked
// against the negotiated queue size.
func (q *Queue) GetDesc(i uint16) (Descriptor, error) {
	if err := q.checkReady(); err != nil {
		return Descriptor{}, err
	}
	if i >= q.Num {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (num %d): %w", i, q.Num, errs.ErrOutOfRange)
	}
	var buf [descriptorSize]byte
	if err := q.mem.ReadBytes(q.DescAddr+uint64(i)*descriptorSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return decodeDescriptor(buf[:]), nil
}

// walkChain returns the flattened descriptor sequence rooted at head, with
// exactly one level of INDIRECT expansion performed inline. A chain of more
// than num outer links is rejected as malformed rather than followed
// forever; indirect tables enforce their own length independently in
// readIndirectTable.
func (q *Queue) walkChain(head uint16) ([]Descriptor, error) {
	var out []Descriptor
	steps := 0
	maxSteps := int(q.Num)

	idx := head
	for {
		steps++
		if steps > maxSteps {
			return nil, fmt.Errorf("virtio: descriptor chain exceeds %d entries: %w", maxSteps, errs.ErrMalformedDescriptor)
		}
		d, err := q.GetDesc(idx)
		if err != nil {
			return nil, err
		}

		if d.Flags&DescFIndirect != 0 {
			table, err := q.readIndirectTable(d)
			if err != nil {
				return nil, err
			}
			out = append(out, table...)
		} else {
			out = append(out, d)
		}

		if d.Flags&DescFNext == 0 {
			break
		}
		idx = d.Next
	}
	return out, nil
}

// readIndirectTable reads the descriptor table referenced by an INDIRECT
// descriptor. Indirect tables do not nest: an INDIRECT flag on an entry
// inside the table is malformed.
func (q *Queue) readIndirectTable(d Descriptor) ([]Descriptor, error) {
	if d.Len == 0 || d.Len%descriptorSize != 0 {
		return nil, fmt.Errorf("virtio: indirect table length %d not a positive multiple of %d: %w", d.Len, descriptorSize, errs.ErrMalformedDescriptor)
	}
	count := d.Len / descriptorSize
	table := make([]Descriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		var buf [descriptorSize]byte
		if err := q.mem.ReadBytes(d.Addr+uint64(i)*descriptorSize, buf[:]); err != nil {
			return nil, err
		}
		desc := decodeDescriptor(buf[:])
		if desc.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("virtio: indirect descriptor inside an indirect table: %w", errs.ErrMalformedDescriptor)
		}
		table = append(table, desc)
		if desc.Flags&DescFNext == 0 {
			break
		}
	}
	return table, nil
}

// Extract walks the descriptor chain rooted at head and separates it into
// the device-writable and device-readable sides. collectRead/collectWrite
// control whether the corresponding buffer is actually materialized (a
// caller that only needs lengths, or only needs one side, can skip
// allocating the other).
func (q *Queue) Extract(head uint16, collectRead, collectWrite bool) (*ExtractResult, error) {
	chain, err := q.walkChain(head)
	if err != nil {
		return nil, err
	}

	res := &ExtractResult{}
	for _, d := range chain {
		if d.Flags&DescFWrite != 0 {
			res.ReadLen += int(d.Len)
			res.ReadMeta = append(res.ReadMeta, DescMeta{Addr: d.Addr, Len: d.Len})
			if collectRead {
				buf := make([]byte, d.Len)
				res.ReadBuf = append(res.ReadBuf, buf...)
			}
		} else {
			res.WriteLen += int(d.Len)
			res.WriteMeta = append(res.WriteMeta, DescMeta{Addr: d.Addr, Len: d.Len})
			if collectWrite {
				buf := make([]byte, d.Len)
				if err := q.mem.ReadBytes(d.Addr, buf); err != nil {
					return nil, err
				}
				res.WriteBuf = append(res.WriteBuf, buf...)
			}
		}
	}
	return res, nil
}

// CopyTo scatters data across descs in order, stopping once data is
// exhausted even if descriptors remain.
func (q *Queue) CopyTo(descs []DescMeta, data []byte) error {
	off := 0
	for _, d := range descs {
		if off >= len(data) {
			break
		}
		n := int(d.Len)
		if off+n > len(data) {
			n = len(data) - off
		}
		if n == 0 {
			continue
		}
		if err := q.mem.WriteBytes(d.Addr, data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// SetUsed appends {id: head, len} to the used ring at the current used
// index, then publishes the incremented index. The element is written
// before the index is bumped so a guest observing the new index is
// guaranteed to see the element it names.
func (q *Queue) SetUsed(head uint16, length uint32) error {
	if err := q.checkReady(); err != nil {
		return err
	}
	ringIdx := q.usedIdx % q.Num
	elemAddr := q.UsedAddr + 4 + uint64(ringIdx)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.mem.WriteBytes(elemAddr, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.mem.WriteBytes(q.UsedAddr+2, idxBuf[:])
}

// WriteByte writes a single byte directly to a guest address, independent
// of any descriptor bookkeeping. Used for the virtio-blk OUT status
// convention, where the status lands in a descriptor's own guest address
// rather than in a device-writable buffer.
func (q *Queue) WriteByte(addr uint64, v byte) error {
	return q.mem.WriteBytes(addr, []byte{v})
}

// UpdateLastAvail advances the device's private avail-ring cursor past one
// consumed entry.
func (q *Queue) UpdateLastAvail() { q.LastAvailIdx++ }

// AvailIter returns the descriptor heads published to the avail ring since
// the last call to UpdateLastAvail, in publication order. It does not
// itself advance the cursor; callers call UpdateLastAvail once per head
// they actually process, so a request that errors out before completion
// leaves the cursor exactly where the guest can observe the stall.
func (q *Queue) AvailIter() ([]uint16, error) {
	if err := q.checkReady(); err != nil {
		return nil, err
	}
	var idxBuf [2]byte
	if err := q.mem.ReadBytes(q.AvailAddr+2, idxBuf[:]); err != nil {
		return nil, err
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])

	var heads []uint16
	for cursor := q.LastAvailIdx; cursor != availIdx; cursor++ {
		ringIdx := cursor % q.Num
		var headBuf [2]byte
		if err := q.mem.ReadBytes(q.AvailAddr+4+uint64(ringIdx)*2, headBuf[:]); err != nil {
			return nil, err
		}
		heads = append(heads, binary.LittleEndian.Uint16(headBuf[:]))
	}
	return heads, nil
}

// Notify dispatches every head currently pending on the avail ring to
// Client.Receive, advancing the cursor one head at a time so a panic or a
// caller bailing mid-loop leaves LastAvailIdx consistent with what was
// actually delivered.
func (q *Queue) Notify() error {
	heads, err := q.AvailIter()
	if err != nil {
		return err
	}
	for _, head := range heads {
		if !q.Client.Receive(q, head) {
			break
		}
		q.UpdateLastAvail()
	}
	return nil
}
