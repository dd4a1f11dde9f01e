// Package space implements named, per-process registries of regions kept in
// address order: a Space maps region names to Regions with disjoint address
// intervals, and a Table is a process-wide registry of Spaces looked up by
// name.
package space

import (
	"sort"
	"sync"

	"github.com/tinyrange/spaceport/internal/errs"
	"github.com/tinyrange/spaceport/internal/memory"
)

// entry pairs a name with the region registered under it, so the address-
// ordered slice and the name index can share the same backing Region
// pointer without a second retain.
type entry struct {
	name   string
	region *memory.Region
}

// Space is a named registry of regions with disjoint address intervals.
// All methods are safe for concurrent use.
type Space struct {
	mu      sync.Mutex
	byName  map[string]*entry
	ordered []*entry // kept sorted by region base address
}

// New creates an empty Space.
func New() *Space {
	return &Space{byName: make(map[string]*entry)}
}

// AddRegion registers region under name, retaining it. Fails if name is
// already taken or the region's interval overlaps an existing one.
func (s *Space) AddRegion(name string, region *memory.Region) (*memory.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return nil, errs.ErrNameExists
	}
	info := region.Info()
	i := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].region.Info().Base >= info.Base })
	if i > 0 && s.ordered[i-1].region.Info().Overlaps(info) {
		return nil, errs.ErrOverlap
	}
	if i < len(s.ordered) && s.ordered[i].region.Info().Overlaps(info) {
		return nil, errs.ErrOverlap
	}

	region.Retain()
	e := &entry{name: name, region: region}
	s.byName[name] = e
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = e

	return region, nil
}

// GetRegion returns the region registered under name; the boolean is false
// if none is registered.
func (s *Space) GetRegion(name string) (*memory.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return e.region, true
}

// GetRegionByAddr returns the region whose interval contains addr, if any.
func (s *Space) GetRegionByAddr(addr uint64) (*memory.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].region.Info().Base > addr })
	if i == 0 {
		return nil, false
	}
	e := s.ordered[i-1]
	if !e.region.Info().Contains(addr) {
		return nil, false
	}
	return e.region, true
}

// DeleteRegion removes name from the space and releases the space's
// reference to its region. Reports whether a region was removed.
func (s *Space) DeleteRegion(name string) bool {
	s.mu.Lock()
	e, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byName, name)
	for i, oe := range s.ordered {
		if oe == e {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	e.region.Release()
	return true
}

// Names returns the registered region names in no particular order.
func (s *Space) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}
