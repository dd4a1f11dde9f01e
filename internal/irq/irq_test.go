package irq

import (
	"testing"
)

type recordingListener struct {
	events []struct {
		line uint32
		high bool
	}
}

func (r *recordingListener) SetLevel(line uint32, high bool) {
	r.events = append(r.events, struct {
		line uint32
		high bool
	}{line, high})
}

func TestSetLevelRequiresEnable(t *testing.T) {
	l := &recordingListener{}
	v := New(4, l)

	if err := v.SetLevel(1, true); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if len(l.events) != 0 {
		t.Fatalf("listener notified for a disabled line: %v", l.events)
	}

	if err := v.SetEnabled(1, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if len(l.events) != 1 || !l.events[0].high {
		t.Fatalf("enabling an already-high line did not notify: %v", l.events)
	}
}

func TestSetLevelOnlyNotifiesOnChange(t *testing.T) {
	l := &recordingListener{}
	v := New(4, l)
	if err := v.SetEnabled(0, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := v.SetLevel(0, true); err != nil {
			t.Fatalf("SetLevel: %v", err)
		}
	}
	if len(l.events) != 1 {
		t.Fatalf("expected exactly one notification for repeated identical levels, got %d", len(l.events))
	}

	if err := v.SetLevel(0, false); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if len(l.events) != 2 || l.events[1].high {
		t.Fatalf("expected a low notification, got %v", l.events)
	}
}

func TestSetLevelOutOfRange(t *testing.T) {
	v := New(2, nil)
	if err := v.SetLevel(2, true); err == nil {
		t.Fatalf("expected out-of-range error for line 2 on a width-2 vector")
	}
}

func TestSenderIsCheapAndBoundToLine(t *testing.T) {
	l := &recordingListener{}
	v := New(4, l)
	if err := v.SetEnabled(3, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	sender, err := v.Sender(3)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	other := sender // copy
	other.Pulse()

	if len(l.events) != 2 || l.events[0].line != 3 || l.events[1].line != 3 {
		t.Fatalf("pulse via copied sender targeted wrong line: %v", l.events)
	}
	if level, _ := v.Level(3); level {
		t.Fatalf("expected line 3 low after pulse, got high")
	}
}

func TestDisablingHighLineThenReenablingRenotifies(t *testing.T) {
	l := &recordingListener{}
	v := New(1, l)
	if err := v.SetEnabled(0, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := v.SetLevel(0, true); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if err := v.SetEnabled(0, false); err != nil {
		t.Fatalf("SetEnabled disable: %v", err)
	}
	if err := v.SetEnabled(0, true); err != nil {
		t.Fatalf("SetEnabled re-enable: %v", err)
	}

	if len(l.events) != 3 {
		t.Fatalf("expected enable-high, disable-drop, re-enable-high = 3 events, got %d: %v", len(l.events), l.events)
	}
	if l.events[1].high {
		t.Fatalf("expected disable to drop the effective level, got %v", l.events[1])
	}
	if !l.events[2].high {
		t.Fatalf("expected re-enable to restore the effective level, got %v", l.events[2])
	}
}
