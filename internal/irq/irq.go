// Package irq implements IrqVec, a fixed-width vector of level-sensitive
// interrupt lines with per-line enable bits and a pluggable listener,
// grounded on the chipset package's LineSet/LineInterrupt design.
package irq

import (
	"fmt"
	"sync"
)

// Listener receives level changes on enabled lines. SetLevel is called only
// when the effective (enabled) level actually changes.
type Listener interface {
	SetLevel(line uint32, high bool)
}

type noopListener struct{}

func (noopListener) SetLevel(uint32, bool) {}

// Vec is a fixed-width vector of level-sensitive interrupt lines. All
// methods are safe for concurrent use; Sender tokens obtained from it are
// cheap to copy and hand to independent goroutines.
type Vec struct {
	mu sync.Mutex

	listener Listener
	levels   []bool
	enabled  []bool
}

// New builds a Vec of width lines, all initially disabled and low.
func New(width uint32, listener Listener) *Vec {
	if listener == nil {
		listener = noopListener{}
	}
	return &Vec{
		listener: listener,
		levels:   make([]bool, width),
		enabled:  make([]bool, width),
	}
}

// Width returns the number of lines in the vector.
func (v *Vec) Width() uint32 { return uint32(len(v.levels)) }

// SetEnabled enables or disables line. Disabling a currently-high line
// notifies the listener of a drop in the effective level; re-enabling a
// still-high line re-notifies, matching level-sensitive semantics (the
// effective level is levels[line] && enabled[line]).
func (v *Vec) SetEnabled(line uint32, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if line >= uint32(len(v.levels)) {
		return fmt.Errorf("irq: line %d out of range [0,%d)", line, len(v.levels))
	}
	was := v.enabled[line] && v.levels[line]
	v.enabled[line] = enabled
	now := v.enabled[line] && v.levels[line]
	if was != now {
		v.notifyLocked(line, now)
	}
	return nil
}

// SetLevel sets line's raw level, bounds-checked. The listener is notified
// only if the line is enabled and the effective level changes.
func (v *Vec) SetLevel(line uint32, high bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if line >= uint32(len(v.levels)) {
		return fmt.Errorf("irq: line %d out of range [0,%d)", line, len(v.levels))
	}
	v.setLevelLocked(line, high)
	return nil
}

// SetLevelUnchecked is SetLevel without the bounds check, for hot paths that
// already know line is in range (e.g. a device's own fixed IRQ line,
// captured once at construction via Sender).
func (v *Vec) SetLevelUnchecked(line uint32, high bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setLevelLocked(line, high)
}

func (v *Vec) setLevelLocked(line uint32, high bool) {
	was := v.enabled[line] && v.levels[line]
	v.levels[line] = high
	now := v.enabled[line] && v.levels[line]
	if was != now {
		v.notifyLocked(line, now)
	}
}

func (v *Vec) notifyLocked(line uint32, high bool) {
	listener := v.listener
	v.mu.Unlock()
	listener.SetLevel(line, high)
	v.mu.Lock()
}

// Pulse raises then immediately lowers line, for edge-style signaling over a
// level-sensitive line (mirrors LineSet.pulse).
func (v *Vec) Pulse(line uint32) error {
	if err := v.SetLevel(line, true); err != nil {
		return err
	}
	return v.SetLevel(line, false)
}

// Level reports the effective (enabled && raw) level of line.
func (v *Vec) Level(line uint32) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if line >= uint32(len(v.levels)) {
		return false, fmt.Errorf("irq: line %d out of range [0,%d)", line, len(v.levels))
	}
	return v.enabled[line] && v.levels[line], nil
}

// Sender is a cheap, copyable token bound to one line of a Vec. Devices
// capture a Sender once at construction and use it on their hot path
// instead of threading a line index through every call site.
type Sender struct {
	vec  *Vec
	line uint32
}

// Sender returns a token bound to line, bounds-checked once up front.
func (v *Vec) Sender(line uint32) (Sender, error) {
	if line >= uint32(len(v.levels)) {
		return Sender{}, fmt.Errorf("irq: line %d out of range [0,%d)", line, len(v.levels))
	}
	return Sender{vec: v, line: line}, nil
}

// SetLevel raises or lowers the sender's line, skipping the bounds check
// since it was already validated when the Sender was created.
func (s Sender) SetLevel(high bool) { s.vec.SetLevelUnchecked(s.line, high) }

// Pulse raises then lowers the sender's line.
func (s Sender) Pulse() {
	s.vec.SetLevelUnchecked(s.line, true)
	s.vec.SetLevelUnchecked(s.line, false)
}
