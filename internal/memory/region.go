package memory

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tinyrange/spaceport/internal/errs"
)

type kind int

const (
	kindRoot kind = iota
	kindRemap
	kindIO
	kindRootIO
)

// Region is a typed, reference-counted view of storage. It is the single Go
// type standing in for the source's tagged Root/Remap/IO/RootIO union (see
// SPEC_FULL.md's Design Notes on expressing this as a small tagged variant):
// the kind field selects which branch the Accessor methods and Release
// take.
//
// Go has no destructors, so the retain/release discipline the original
// relies on (Rc<Region>/Drop) is made explicit here: every constructor
// returns a Region with one strong reference already held by the caller;
// Retain adds one, Release removes one and, on the last release, returns a
// Root's block to its heap or releases a Remap's/IO's downstream reference.
type Region struct {
	refs atomic.Int32

	info MemInfo
	kind kind

	// kindRoot
	heap    *Heap
	backing []byte

	// kindRemap
	target       *Region
	windowOffset uint64

	// kindIO, kindRootIO
	device Device
}

func newRootRegion(h *Heap, info MemInfo, backing []byte) *Region {
	r := &Region{info: info, kind: kindRoot, heap: h, backing: backing}
	r.refs.Store(1)
	return r
}

// Remap creates a region aliasing target at newBase, inheriting target's
// size. The returned Region holds a strong reference to target.
func Remap(newBase uint64, target *Region) *Region {
	target.Retain()
	r := &Region{
		info:   MemInfo{Base: newBase, Size: target.info.Size},
		kind:   kindRemap,
		target: target,
	}
	r.refs.Store(1)
	return r
}

// RemapPartial creates a windowed remap: [offset, offset+size) of target,
// rebased to newBase. Fails if the window exceeds target's extent.
func RemapPartial(newBase uint64, target *Region, offset, size uint64) (*Region, error) {
	if offset+size < offset || offset+size > target.info.Size {
		return nil, fmt.Errorf("memory: remap window [%#x,%#x) exceeds target size %#x: %w", offset, offset+size, target.info.Size, errs.ErrOutOfRange)
	}
	target.Retain()
	r := &Region{
		info:   MemInfo{Base: newBase, Size: size},
		kind:   kindRemap,
		target: target,
		// windowed remaps add windowOffset on top of target's own base when
		// translating; see translatedAddr().
	}
	r.windowOffset = offset
	r.refs.Store(1)
	return r
}

// IO creates a region at [base, base+size) delegating all access to device.
// The region owns device: on last Release, if device implements io.Closer,
// Close is called.
func IO(base, size uint64, device Device) *Region {
	r := &Region{info: MemInfo{Base: base, Size: size}, kind: kindIO, device: device}
	r.refs.Store(1)
	return r
}

// RootIO creates a heap-independent region at system addresses, identical
// in access semantics to IO. It exists as a separate constructor only to
// preserve the source's RootIO/IO distinction (both are, in Go, the same
// struct with a cosmetic kind tag — see DESIGN.md).
func RootIO(base, size uint64, device Device) *Region {
	r := IO(base, size, device)
	r.kind = kindRootIO
	return r
}

// Info returns the region's base/size geometry.
func (r *Region) Info() MemInfo { return r.info }

// Retain increments the strong reference count and returns r for chaining.
func (r *Region) Retain() *Region {
	r.refs.Add(1)
	return r
}

// Release decrements the strong reference count. On the last release: a
// Root region returns its block to its owning heap's free list; a Remap
// region releases its reference to target; an IO/RootIO region closes its
// device if it implements io.Closer. Remap never touches a heap directly,
// satisfying the region-drop-discipline invariant.
func (r *Region) Release() {
	if r.refs.Add(-1) > 0 {
		return
	}
	switch r.kind {
	case kindRoot:
		r.heap.free(r.info)
	case kindRemap:
		r.target.Release()
	case kindIO, kindRootIO:
		if c, ok := r.device.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// localBytes exposes a Root region's own backing slice for NewHeap nesting.
func (r *Region) localBytes() ([]byte, error) {
	if r.kind != kindRoot {
		return nil, fmt.Errorf("memory: nested heap requires a root region")
	}
	return r.backing, nil
}

func (r *Region) checkBounds(addr, width uint64) error {
	if addr < r.info.Base || addr-r.info.Base > r.info.Size || width > r.info.Size-(addr-r.info.Base) {
		return fmt.Errorf("memory: access [%#x,%#x) outside region [%#x,%#x): %w", addr, addr+width, r.info.Base, r.info.End(), errs.ErrOutOfRange)
	}
	return nil
}

// translatedAddr maps an address in r's own space to the corresponding
// address in target's space. windowOffset is nonzero only for a
// RemapPartial view; a plain Remap aliases target's full extent 1:1.
func (r *Region) translatedAddr(addr uint64) uint64 {
	if r.windowOffset != 0 || r.info.Size != r.target.info.Size {
		return addr - r.info.Base + r.windowOffset + r.target.info.Base
	}
	return addr - r.info.Base + r.target.info.Base
}

// ReadU8 reads one byte at addr.
func (r *Region) ReadU8(addr uint64) (uint8, error) {
	if err := r.checkBounds(addr, 1); err != nil {
		return 0, err
	}
	switch r.kind {
	case kindRoot:
		return r.backing[addr-r.info.Base], nil
	case kindIO, kindRootIO:
		return r.device.ReadU8(addr - r.info.Base)
	case kindRemap:
		return r.target.ReadU8(r.translatedAddr(addr))
	}
	panic("memory: unreachable region kind")
}

// WriteU8 writes one byte at addr.
func (r *Region) WriteU8(addr uint64, v uint8) error {
	if err := r.checkBounds(addr, 1); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		r.backing[addr-r.info.Base] = v
		return nil
	case kindIO, kindRootIO:
		return r.device.WriteU8(addr-r.info.Base, v)
	case kindRemap:
		return r.target.WriteU8(r.translatedAddr(addr), v)
	}
	panic("memory: unreachable region kind")
}

// ReadU16 reads a little-endian 16-bit word at addr.
func (r *Region) ReadU16(addr uint64) (uint16, error) {
	if err := r.checkBounds(addr, 2); err != nil {
		return 0, err
	}
	switch r.kind {
	case kindRoot:
		return binary.LittleEndian.Uint16(r.backing[addr-r.info.Base:]), nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U16Device); ok {
			return d.ReadU16(addr - r.info.Base)
		}
		return readWideFromBytes16(r, addr)
	case kindRemap:
		return r.target.ReadU16(r.translatedAddr(addr))
	}
	panic("memory: unreachable region kind")
}

// WriteU16 writes a little-endian 16-bit word at addr.
func (r *Region) WriteU16(addr uint64, v uint16) error {
	if err := r.checkBounds(addr, 2); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		binary.LittleEndian.PutUint16(r.backing[addr-r.info.Base:], v)
		return nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U16Device); ok {
			return d.WriteU16(addr-r.info.Base, v)
		}
		return writeWideAsBytes16(r, addr, v)
	case kindRemap:
		return r.target.WriteU16(r.translatedAddr(addr), v)
	}
	panic("memory: unreachable region kind")
}

// ReadU32 reads a little-endian 32-bit word at addr.
func (r *Region) ReadU32(addr uint64) (uint32, error) {
	if err := r.checkBounds(addr, 4); err != nil {
		return 0, err
	}
	switch r.kind {
	case kindRoot:
		return binary.LittleEndian.Uint32(r.backing[addr-r.info.Base:]), nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U32Device); ok {
			return d.ReadU32(addr - r.info.Base)
		}
		return readWideFromBytes32(r, addr)
	case kindRemap:
		return r.target.ReadU32(r.translatedAddr(addr))
	}
	panic("memory: unreachable region kind")
}

// WriteU32 writes a little-endian 32-bit word at addr.
func (r *Region) WriteU32(addr uint64, v uint32) error {
	if err := r.checkBounds(addr, 4); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		binary.LittleEndian.PutUint32(r.backing[addr-r.info.Base:], v)
		return nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U32Device); ok {
			return d.WriteU32(addr-r.info.Base, v)
		}
		return writeWideAsBytes32(r, addr, v)
	case kindRemap:
		return r.target.WriteU32(r.translatedAddr(addr), v)
	}
	panic("memory: unreachable region kind")
}

// ReadU64 reads a little-endian 64-bit word at addr.
func (r *Region) ReadU64(addr uint64) (uint64, error) {
	if err := r.checkBounds(addr, 8); err != nil {
		return 0, err
	}
	switch r.kind {
	case kindRoot:
		return binary.LittleEndian.Uint64(r.backing[addr-r.info.Base:]), nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U64Device); ok {
			return d.ReadU64(addr - r.info.Base)
		}
		return readWideFromBytes64(r, addr)
	case kindRemap:
		return r.target.ReadU64(r.translatedAddr(addr))
	}
	panic("memory: unreachable region kind")
}

// WriteU64 writes a little-endian 64-bit word at addr.
func (r *Region) WriteU64(addr uint64, v uint64) error {
	if err := r.checkBounds(addr, 8); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		binary.LittleEndian.PutUint64(r.backing[addr-r.info.Base:], v)
		return nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(U64Device); ok {
			return d.WriteU64(addr-r.info.Base, v)
		}
		return writeWideAsBytes64(r, addr, v)
	case kindRemap:
		return r.target.WriteU64(r.translatedAddr(addr), v)
	}
	panic("memory: unreachable region kind")
}

// ReadBytes reads len(buf) bytes starting at addr. Equivalent to a sequence
// of ReadU8 calls except that IO/RootIO regions may batch the access via
// BytesDevice.
func (r *Region) ReadBytes(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := r.checkBounds(addr, uint64(len(buf))); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		copy(buf, r.backing[addr-r.info.Base:])
		return nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(BytesDevice); ok {
			return d.ReadBytes(addr-r.info.Base, buf)
		}
		for i := range buf {
			v, err := r.device.ReadU8(addr - r.info.Base + uint64(i))
			if err != nil {
				return err
			}
			buf[i] = v
		}
		return nil
	case kindRemap:
		return r.target.ReadBytes(r.translatedAddr(addr), buf)
	}
	panic("memory: unreachable region kind")
}

// WriteBytes writes data starting at addr. Equivalent to a sequence of
// WriteU8 calls except that IO/RootIO regions may batch the access via
// BytesDevice.
func (r *Region) WriteBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := r.checkBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	switch r.kind {
	case kindRoot:
		copy(r.backing[addr-r.info.Base:], data)
		return nil
	case kindIO, kindRootIO:
		if d, ok := r.device.(BytesDevice); ok {
			return d.WriteBytes(addr-r.info.Base, data)
		}
		for i, v := range data {
			if err := r.device.WriteU8(addr-r.info.Base+uint64(i), v); err != nil {
				return err
			}
		}
		return nil
	case kindRemap:
		return r.target.WriteBytes(r.translatedAddr(addr), data)
	}
	panic("memory: unreachable region kind")
}

func readWideFromBytes16(r *Region, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := r.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeWideAsBytes16(r *Region, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return r.WriteBytes(addr, buf[:])
}

func readWideFromBytes32(r *Region, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeWideAsBytes32(r *Region, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return r.WriteBytes(addr, buf[:])
}

func readWideFromBytes64(r *Region, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeWideAsBytes64(r *Region, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return r.WriteBytes(addr, buf[:])
}

var _ Accessor = (*Region)(nil)
