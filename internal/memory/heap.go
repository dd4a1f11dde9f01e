package memory

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/spaceport/internal/errs"
)

// defaultGlobalHeapSize is large enough to host a modest guest memory image;
// callers needing more back their own Heap instead of using GlobalHeap.
const defaultGlobalHeapSize = 256 << 20 // 256 MiB

// Heap is a first-fit allocator over a contiguous backing byte span. It
// tracks allocated and free block lists, both kept sorted by base address,
// and hands out Root Regions on Alloc.
//
// Heap closure invariant: sum(free sizes) + sum(allocated sizes) always
// equals the backing size, and the two lists never overlap each other.
type Heap struct {
	mu sync.Mutex

	base    uint64
	backing []byte

	free      []MemInfo
	allocated []MemInfo

	// unmap is non-nil for heaps backed by an anonymous mmap (GlobalHeap);
	// Close releases that mapping. Nested heaps (NewHeap) borrow another
	// region's backing bytes and have no mapping of their own to release.
	unmap func() error
}

// NewHeap carves a heap out of an existing region's backing bytes. The new
// heap's address space is exactly the parent region's [Base, Base+Size).
// This mirrors the original source's Heap::new(region) nested-heap
// constructor (see SPEC_FULL.md, Supplemented Features).
func NewHeap(backing *Region) (*Heap, error) {
	buf, err := backing.localBytes()
	if err != nil {
		return nil, err
	}
	info := backing.Info()
	return &Heap{
		base:      info.Base,
		backing:   buf,
		free:      []MemInfo{info},
		allocated: nil,
	}, nil
}

var globalHeap = sync.OnceValue(newGlobalHeap)

func newGlobalHeap() *Heap {
	buf, err := unix.Mmap(-1, 0, defaultGlobalHeapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Sprintf("memory: mmap global heap: %v", err))
	}
	return &Heap{
		base:    0,
		backing: buf,
		free:    []MemInfo{{Base: 0, Size: uint64(defaultGlobalHeapSize)}},
		unmap:   func() error { return unix.Munmap(buf) },
	}
}

// GlobalHeap returns the process-wide singleton heap, backed by an
// anonymous mmap, lazily created on first use.
func GlobalHeap() *Heap { return globalHeap() }

// Close tears down a heap's own backing mapping, if it owns one. Nested
// heaps (NewHeap) and the global heap singleton are not meant to be closed
// during normal operation; this exists for explicit teardown in tests and
// short-lived harnesses.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unmap == nil {
		return nil
	}
	err := h.unmap()
	h.unmap = nil
	return err
}

// Alloc scans the free list in base order for the first block large enough
// to satisfy size at a base congruent to 0 mod align, splits the remainder
// back into free, and records the exact granted block in allocated.
func (h *Heap) Alloc(size, align uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: alloc size 0: %w", errs.ErrInvalidAlign)
	}
	if align == 0 || bits.OnesCount64(align) != 1 {
		return nil, fmt.Errorf("memory: alignment %d is not a power of two: %w", align, errs.ErrInvalidAlign)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, block := range h.free {
		base := alignUp(block.Base, align)
		if base < block.Base {
			continue // overflow
		}
		end := base + size
		if end < base || end > block.End() {
			continue
		}

		granted := MemInfo{Base: base, Size: size}
		h.removeFreeAt(i)
		if base > block.Base {
			h.insertFree(MemInfo{Base: block.Base, Size: base - block.Base})
		}
		if end < block.End() {
			h.insertFree(MemInfo{Base: end, Size: block.End() - end})
		}
		h.insertAllocated(granted)

		return newRootRegion(h, granted, h.backing[granted.Base-h.base:granted.End()-h.base]), nil
	}

	return nil, fmt.Errorf("memory: no block fits size=%d align=%d: %w", size, align, errs.ErrOutOfSpace)
}

// free returns info to the free list, merging with any adjacent free
// neighbor. It is called by a Root region's Release on last release.
func (h *Heap) free(info MemInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, a := range h.allocated {
		if a == info {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("memory: free of block not presently allocated: %+v", info))
	}
	h.allocated = append(h.allocated[:idx], h.allocated[idx+1:]...)

	h.insertFree(info)
	h.coalesce(info)
}

func (h *Heap) insertFree(info MemInfo) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Base >= info.Base })
	h.free = append(h.free, MemInfo{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = info
}

func (h *Heap) insertAllocated(info MemInfo) {
	i := sort.Search(len(h.allocated), func(i int) bool { return h.allocated[i].Base >= info.Base })
	h.allocated = append(h.allocated, MemInfo{})
	copy(h.allocated[i+1:], h.allocated[i:])
	h.allocated[i] = info
}

func (h *Heap) removeFreeAt(i int) {
	h.free = append(h.free[:i], h.free[i+1:]...)
}

// coalesce merges the free block matching info with its physically
// adjacent free neighbors, if any.
func (h *Heap) coalesce(info MemInfo) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Base >= info.Base })
	// i now indexes the block we just inserted (exact base match).
	if i+1 < len(h.free) && h.free[i].End() == h.free[i+1].Base {
		h.free[i].Size += h.free[i+1].Size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].End() == h.free[i].Base {
		h.free[i-1].Size += h.free[i].Size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Allocated returns a snapshot of the currently allocated blocks, sorted by
// base. Exposed for tests asserting the heap-closure and drop-discipline
// invariants.
func (h *Heap) Allocated() []MemInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MemInfo, len(h.allocated))
	copy(out, h.allocated)
	return out
}

// Free returns a snapshot of the currently free blocks, sorted by base.
func (h *Heap) Free() []MemInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MemInfo, len(h.free))
	copy(out, h.free)
	return out
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
