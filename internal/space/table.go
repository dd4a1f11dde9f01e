package space

import "sync"

// Table is a process-wide registry of Spaces, looked up and lazily created
// by name.
type Table struct {
	mu     sync.Mutex
	spaces map[string]*Space
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{spaces: make(map[string]*Space)}
}

// GetSpace returns the Space registered under name, creating it on first
// request.
func (t *Table) GetSpace(name string) *Space {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.spaces[name]
	if !ok {
		s = New()
		t.spaces[name] = s
	}
	return s
}

var globalTable = sync.OnceValue(NewTable)

// GlobalTable returns the process-wide singleton Table, lazily created on
// first use.
func GlobalTable() *Table { return globalTable() }
