// Package memory implements the address-space fabric: a first-fit heap
// allocator and a reference-counted Region type supporting heap-owned,
// remapped, and device-backed views over guest memory.
package memory

// MemInfo describes the geometry of an allocation or a region: a base
// address and a size in bytes. Two MemInfo values are equal iff both
// fields match.
type MemInfo struct {
	Base uint64
	Size uint64
}

// End returns the exclusive end of the interval [Base, Base+Size).
func (m MemInfo) End() uint64 { return m.Base + m.Size }

// Contains reports whether addr falls within [Base, Base+Size).
func (m MemInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// Overlaps reports whether m and other's intervals intersect.
func (m MemInfo) Overlaps(other MemInfo) bool {
	return m.Base < other.End() && other.Base < m.End()
}
