package virtio

import (
	"testing"

	"github.com/tinyrange/spaceport/internal/irq"
	"github.com/tinyrange/spaceport/internal/memory"
)

// fakeConfigDevice is a minimal ConfigDevice stub for exercising the shared
// register file in isolation from any real device class.
type fakeConfigDevice struct {
	numQueues   int
	maxSize     uint16
	driverOK    int
	resets      int
	configBytes map[uint64]uint32
}

func newFakeConfigDevice(numQueues int) *fakeConfigDevice {
	return &fakeConfigDevice{numQueues: numQueues, maxSize: 64, configBytes: map[uint64]uint32{}}
}

func (f *fakeConfigDevice) NumQueues() int            { return f.numQueues }
func (f *fakeConfigDevice) QueueMaxSize(int) uint16   { return f.maxSize }
func (f *fakeConfigDevice) ReadConfig(offset uint64) uint32 { return f.configBytes[offset] }
func (f *fakeConfigDevice) WriteConfig(offset uint64, value uint32) { f.configBytes[offset] = value }
func (f *fakeConfigDevice) OnDriverOK()                             { f.driverOK++ }
func (f *fakeConfigDevice) OnReset()                                { f.resets++ }

type nopClient struct{}

func (nopClient) Receive(*Queue, uint16) bool { return true }

func newTestDevice(t *testing.T, numQueues int) (*Device, *fakeConfigDevice) {
	t.Helper()
	h := memory.GlobalHeap()
	backing, err := h.Alloc(1<<16, 8)
	if err != nil {
		t.Fatalf("alloc backing: %v", err)
	}
	t.Cleanup(backing.Release)

	vec := irq.New(1, nil)
	sender, err := vec.Sender(0)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := vec.SetEnabled(0, true); err != nil {
		t.Fatalf("enable line: %v", err)
	}

	cfg := newFakeConfigDevice(numQueues)
	dev := NewDevice(backing, sender, backing.Info().Base, 0x200, 0x1af4, 42, 0xf00d, cfg, nopClient{})
	return dev, cfg
}

func readReg32(t *testing.T, dev *Device, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := dev.ReadMMIO(devBase(dev)+offset, buf[:]); err != nil {
		t.Fatalf("read register %#x: %v", offset, err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func writeReg32(t *testing.T, dev *Device, offset uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
	buf[2] = byte(value >> 16)
	buf[3] = byte(value >> 24)
	if err := dev.WriteMMIO(devBase(dev)+offset, buf[:]); err != nil {
		t.Fatalf("write register %#x: %v", offset, err)
	}
}

// devBase reaches the device's own base without exposing it publicly.
func devBase(dev *Device) uint64 { return dev.base }

func TestMagicVersionAndDeviceID(t *testing.T) {
	dev, _ := newTestDevice(t, 1)
	if v := readReg32(t, dev, regMagicValue); v != mmioMagicValue {
		t.Fatalf("magic = %#x, want %#x", v, mmioMagicValue)
	}
	if v := readReg32(t, dev, regVersion); v != mmioVersion {
		t.Fatalf("version = %d, want %d", v, mmioVersion)
	}
	if v := readReg32(t, dev, regDeviceID); v != 42 {
		t.Fatalf("device id = %d, want 42", v)
	}
	if v := readReg32(t, dev, regVendorID); v != 0x1af4 {
		t.Fatalf("vendor id = %#x, want 0x1af4", v)
	}
}

func TestQueueNumMaxReflectsConfigDevice(t *testing.T) {
	dev, cfg := newTestDevice(t, 2)
	cfg.maxSize = 256
	writeReg32(t, dev, regQueueSel, 1)
	if v := readReg32(t, dev, regQueueNumMax); v != 256 {
		t.Fatalf("queue num max = %d, want 256", v)
	}
}

func TestQueueAddressRegistersRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t, 1)
	writeReg32(t, dev, regQueueSel, 0)
	writeReg32(t, dev, regQueueDescLow, 0xaabbccdd)
	writeReg32(t, dev, regQueueDescHigh, 0x00000001)

	q := dev.Queue(0)
	want := uint64(0x1aabbccdd)
	if q.DescAddr != want {
		t.Fatalf("DescAddr = %#x, want %#x", q.DescAddr, want)
	}
	if v := readReg32(t, dev, regQueueDescLow); v != 0xaabbccdd {
		t.Fatalf("desc low readback = %#x", v)
	}
	if v := readReg32(t, dev, regQueueDescHigh); v != 1 {
		t.Fatalf("desc high readback = %#x", v)
	}
}

func TestStatusResetClearsState(t *testing.T) {
	dev, cfg := newTestDevice(t, 1)
	writeReg32(t, dev, regStatus, StatusAcknowledge)
	writeReg32(t, dev, regStatus, StatusAcknowledge|StatusDriver)
	writeReg32(t, dev, regStatus, 0)

	if v := readReg32(t, dev, regStatus); v != 0 {
		t.Fatalf("status after reset = %d, want 0", v)
	}
	if cfg.resets != 1 {
		t.Fatalf("OnReset called %d times, want 1", cfg.resets)
	}
}

func TestStatusIllegalTransitionFails(t *testing.T) {
	dev, _ := newTestDevice(t, 1)
	writeReg32(t, dev, regStatus, StatusAcknowledge|StatusDriver)
	// Dropping StatusDriver while keeping Acknowledge is not a superset.
	writeReg32(t, dev, regStatus, StatusAcknowledge)

	if v := readReg32(t, dev, regStatus); v != StatusFailed {
		t.Fatalf("status = %d, want StatusFailed(%d)", v, StatusFailed)
	}
}

func TestDriverOKFiresOnlyWhenAllQueuesReady(t *testing.T) {
	dev, cfg := newTestDevice(t, 2)

	writeReg32(t, dev, regQueueSel, 0)
	writeReg32(t, dev, regQueueNum, 4)
	writeReg32(t, dev, regQueueReady, 1)

	writeReg32(t, dev, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	if cfg.driverOK != 0 {
		t.Fatalf("OnDriverOK fired with one queue still not ready")
	}

	writeReg32(t, dev, regQueueSel, 1)
	writeReg32(t, dev, regQueueNum, 4)
	writeReg32(t, dev, regQueueReady, 1)
	if cfg.driverOK != 1 {
		t.Fatalf("OnDriverOK did not fire once all queues became ready")
	}
}

func TestInterruptAckClearsBitAndLowersLine(t *testing.T) {
	dev, _ := newTestDevice(t, 1)
	dev.RaiseInterrupt(IntVRing)
	if v := readReg32(t, dev, regInterruptStatus); v != IntVRing {
		t.Fatalf("interrupt status = %d, want %d", v, IntVRing)
	}
	writeReg32(t, dev, regInterruptAck, IntVRing)
	if v := readReg32(t, dev, regInterruptStatus); v != 0 {
		t.Fatalf("interrupt status after ack = %d, want 0", v)
	}
}
