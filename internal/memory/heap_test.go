package memory

import (
	"errors"
	"testing"

	"github.com/tinyrange/spaceport/internal/errs"
)

func newTestHeap(t *testing.T, size uint64) *Heap {
	t.Helper()
	buf := make([]byte, size)
	return &Heap{
		base:    0,
		backing: buf,
		free:    []MemInfo{{Base: 0, Size: size}},
	}
}

func sumSizes(infos []MemInfo) uint64 {
	var total uint64
	for _, i := range infos {
		total += i.Size
	}
	return total
}

// Heap closure invariant: free + allocated sizes always sum to the backing
// size, and no two blocks in either list overlap.
func TestHeapClosureInvariant(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	var regions []*Region
	for i := 0; i < 8; i++ {
		r, err := h.Alloc(4096, 64)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		regions = append(regions, r)
	}

	if total := sumSizes(h.Allocated()) + sumSizes(h.Free()); total != 1<<20 {
		t.Fatalf("closure invariant violated: total=%d want %d", total, 1<<20)
	}

	for i, r := range regions {
		if i%2 == 0 {
			r.Release()
		}
	}

	if total := sumSizes(h.Allocated()) + sumSizes(h.Free()); total != 1<<20 {
		t.Fatalf("closure invariant violated after partial free: total=%d want %d", total, 1<<20)
	}

	for i, r := range regions {
		if i%2 != 0 {
			r.Release()
		}
	}

	free := h.Free()
	if len(free) != 1 || free[0].Size != 1<<20 {
		t.Fatalf("expected full coalescing back to one free block, got %+v", free)
	}
}

// Scenario 1 from the testable properties: allocate 188 bytes aligned to
// 1024 from a 1 MiB heap; the granted base must be a multiple of 1024 and
// the remainder must be returned to the free list.
func TestAllocAlignment188At1024(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	r, err := h.Alloc(188, 1024)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	info := r.Info()
	if info.Size != 188 {
		t.Fatalf("granted size = %d, want 188", info.Size)
	}
	if info.Base%1024 != 0 {
		t.Fatalf("granted base %#x is not 1024-aligned", info.Base)
	}

	free := h.Free()
	if sumSizes(free)+188 != 1<<20 {
		t.Fatalf("free+allocated mismatch: free=%d", sumSizes(free))
	}
}

func TestAllocRejectsNonPowerOfTwoAlign(t *testing.T) {
	h := newTestHeap(t, 4096)
	if _, err := h.Alloc(16, 3); !errors.Is(err, errs.ErrInvalidAlign) {
		t.Fatalf("expected ErrInvalidAlign, got %v", err)
	}
}

func TestAllocRejectsZeroSize(t *testing.T) {
	h := newTestHeap(t, 4096)
	if _, err := h.Alloc(0, 1); !errors.Is(err, errs.ErrInvalidAlign) {
		t.Fatalf("expected ErrInvalidAlign, got %v", err)
	}
}

func TestAllocOutOfSpace(t *testing.T) {
	h := newTestHeap(t, 128)
	if _, err := h.Alloc(256, 1); !errors.Is(err, errs.ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
}

// Root region drop discipline: releasing the last strong reference returns
// the exact granted block to the free list; double release panics.
func TestRootRegionDropDiscipline(t *testing.T) {
	h := newTestHeap(t, 4096)
	r, err := h.Alloc(256, 16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	r.Retain()
	r.Release()
	if len(h.Allocated()) != 1 {
		t.Fatalf("region released too early while a reference remained")
	}
	r.Release()
	if len(h.Allocated()) != 0 {
		t.Fatalf("region not released on last reference")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	r.Release()
}

func TestNewHeapNestsInParentRegion(t *testing.T) {
	parent := newTestHeap(t, 1<<20)
	backing, err := parent.Alloc(1<<16, 4096)
	if err != nil {
		t.Fatalf("alloc backing: %v", err)
	}

	nested, err := NewHeap(backing)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}

	child, err := nested.Alloc(4096, 4096)
	if err != nil {
		t.Fatalf("nested alloc: %v", err)
	}
	info := child.Info()
	if info.Base < backing.Info().Base || info.End() > backing.Info().End() {
		t.Fatalf("nested region %+v escapes parent region %+v", info, backing.Info())
	}

	if err := child.WriteU32(info.Base, 0xdeadbeef); err != nil {
		t.Fatalf("write through nested heap: %v", err)
	}
	if err := backing.WriteBytes(info.Base, nil); err != nil {
		t.Fatalf("unexpected error writing zero bytes: %v", err)
	}
	v, err := backing.ReadU32(info.Base)
	if err != nil {
		t.Fatalf("read through parent region: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("nested heap write not visible through parent region: got %#x", v)
	}
}
