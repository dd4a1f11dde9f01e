package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/spaceport/internal/errs"
	"github.com/tinyrange/spaceport/internal/irq"
	"github.com/tinyrange/spaceport/internal/memory"
)

// MMIO register offsets, bit-exact with a standard virtio-mmio v2 device.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	mmioMagicValue = 0x74726976
	mmioVersion    = 2
)

// Device status bits, per the virtio device status byte.
const (
	StatusAcknowledge       uint32 = 1
	StatusDriver            uint32 = 2
	StatusDriverOK          uint32 = 4
	StatusFeaturesOK        uint32 = 8
	StatusDeviceNeedsReset  uint32 = 64
	StatusFailed            uint32 = 128
)

// Interrupt status bits.
const (
	IntVRing  uint32 = 1
	IntConfig uint32 = 2
)

// ConfigDevice is implemented by a specific device class (block, console) to
// serve its device-specific config space and react to lifecycle events.
type ConfigDevice interface {
	// NumQueues returns how many virtqueues the device exposes.
	NumQueues() int
	// QueueMaxSize returns the maximum size of queue i.
	QueueMaxSize(i int) uint16
	// ReadConfig reads 4 bytes at offset within the device's config space.
	ReadConfig(offset uint64) uint32
	// WriteConfig writes 4 bytes at offset within the device's config space.
	WriteConfig(offset uint64, value uint32)
	// OnDriverOK is called once the device reaches DRIVER_OK, after all
	// queues have been marked ready.
	OnDriverOK()
	// OnReset is called on a status write of 0.
	OnReset()
}

// Device is the shared virtio-mmio register file and queue set underneath a
// specific device class. It owns the queues but delegates config space and
// lifecycle notifications to a ConfigDevice.
type Device struct {
	memory memory.Accessor
	irq    irq.Sender

	base uint64
	size uint64

	vendorID uint32
	deviceID uint32

	deviceFeatures uint64
	driverFeatures uint64
	lastFeaturesSel       uint32
	lastDriverFeaturesSel uint32

	queueSel uint32
	status   uint32

	interruptStatus  uint32
	configGeneration uint32

	queues []Queue
	config ConfigDevice
}

// NewDevice builds a virtio-mmio device of size bytes at base, backed by
// mem for guest ring/descriptor access and sender for its interrupt line.
// config supplies the device-specific surface; each of its queues is
// constructed with client as the QueueClient.
func NewDevice(mem memory.Accessor, sender irq.Sender, base, size uint64, vendorID, deviceID uint32, deviceFeatures uint64, config ConfigDevice, client QueueClient) *Device {
	n := config.NumQueues()
	if n <= 0 {
		panic("virtio: device must expose at least one queue")
	}
	d := &Device{
		memory:         mem,
		irq:            sender,
		base:           base,
		size:           size,
		vendorID:       vendorID,
		deviceID:       deviceID,
		deviceFeatures: deviceFeatures,
		config:         config,
		queues:         make([]Queue, n),
	}
	for i := range d.queues {
		d.queues[i] = *NewQueue(mem, client)
	}
	return d
}

// Queue returns queue i, or nil if out of range.
func (d *Device) Queue(i int) *Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return &d.queues[i]
}

func (d *Device) currentQueue() *Queue { return d.Queue(int(d.queueSel)) }

// ReadMMIO reads a little-endian value of len(data) bytes (1, 2, 4, or 8)
// at addr, which must fall within the device's MMIO window.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := d.checkBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	value, err := d.readRegister(addr - d.base)
	if err != nil {
		return err
	}
	storeLittleEndian(data, value)
	return nil
}

// WriteMMIO writes a little-endian value of len(data) bytes (1, 2, 4, or 8)
// at addr, which must fall within the device's MMIO window.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := d.checkBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	return d.writeRegister(addr-d.base, loadLittleEndian(data))
}

func (d *Device) checkBounds(addr, length uint64) error {
	if addr < d.base || addr+length > d.base+d.size {
		return fmt.Errorf("virtio: mmio access [%#x,%#x) outside device window [%#x,%#x): %w", addr, addr+length, d.base, d.base+d.size, errs.ErrOutOfRange)
	}
	return nil
}

func (d *Device) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case regMagicValue:
		return mmioMagicValue, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return d.deviceID, nil
	case regVendorID:
		return d.vendorID, nil
	case regDeviceFeatures:
		return featureWord(d.deviceFeatures, d.lastFeaturesSel), nil
	case regQueueNumMax:
		idx := int(d.queueSel)
		if idx < 0 || idx >= len(d.queues) {
			return 0, nil
		}
		return uint32(d.config.QueueMaxSize(idx)), nil
	case regQueueNum:
		if q := d.currentQueue(); q != nil {
			return uint32(q.Num), nil
		}
		return 0, nil
	case regQueueReady:
		if q := d.currentQueue(); q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case regQueueDescLow:
		return lowWord(d.currentQueueField(func(q *Queue) uint64 { return q.DescAddr })), nil
	case regQueueDescHigh:
		return highWord(d.currentQueueField(func(q *Queue) uint64 { return q.DescAddr })), nil
	case regQueueAvailLow:
		return lowWord(d.currentQueueField(func(q *Queue) uint64 { return q.AvailAddr })), nil
	case regQueueAvailHigh:
		return highWord(d.currentQueueField(func(q *Queue) uint64 { return q.AvailAddr })), nil
	case regQueueUsedLow:
		return lowWord(d.currentQueueField(func(q *Queue) uint64 { return q.UsedAddr })), nil
	case regQueueUsedHigh:
		return highWord(d.currentQueueField(func(q *Queue) uint64 { return q.UsedAddr })), nil
	case regInterruptStatus:
		return d.interruptStatus, nil
	case regStatus:
		return d.status, nil
	case regConfigGeneration:
		return d.configGeneration, nil
	default:
		if offset >= regConfig {
			return d.config.ReadConfig(offset - regConfig), nil
		}
		return 0, nil
	}
}

// lastFeaturesSel/driverFeaturesSel select the 32-bit half of the 64-bit
// feature bitmap addressed by the selector register.
func featureWord(bits uint64, sel uint32) uint32 {
	if sel == 0 {
		return uint32(bits)
	}
	return uint32(bits >> 32)
}

func lowWord(v uint64) uint32  { return uint32(v) }
func highWord(v uint64) uint32 { return uint32(v >> 32) }

func (d *Device) currentQueueField(get func(*Queue) uint64) uint64 {
	q := d.currentQueue()
	if q == nil {
		return 0
	}
	return get(q)
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regDeviceFeaturesSel:
		d.lastFeaturesSel = value
	case regDriverFeaturesSel:
		d.lastDriverFeaturesSel = value
	case regDriverFeatures:
		if d.lastDriverFeaturesSel == 0 {
			d.driverFeatures = (d.driverFeatures &^ 0xffffffff) | uint64(value)
		} else {
			d.driverFeatures = (d.driverFeatures &^ (0xffffffff << 32)) | (uint64(value) << 32)
		}
	case regQueueSel:
		d.queueSel = value
	case regQueueNum:
		if q := d.currentQueue(); q != nil {
			q.Num = uint16(value)
		}
	case regQueueReady:
		if q := d.currentQueue(); q != nil {
			q.SetReady(value&1 != 0)
			d.maybeSignalDriverOK()
		}
	case regQueueDescLow:
		d.setQueueField(func(q *Queue) { q.DescAddr = (q.DescAddr &^ 0xffffffff) | uint64(value) })
	case regQueueDescHigh:
		d.setQueueField(func(q *Queue) { q.DescAddr = (q.DescAddr &^ (0xffffffff << 32)) | (uint64(value) << 32) })
	case regQueueAvailLow:
		d.setQueueField(func(q *Queue) { q.AvailAddr = (q.AvailAddr &^ 0xffffffff) | uint64(value) })
	case regQueueAvailHigh:
		d.setQueueField(func(q *Queue) { q.AvailAddr = (q.AvailAddr &^ (0xffffffff << 32)) | (uint64(value) << 32) })
	case regQueueUsedLow:
		d.setQueueField(func(q *Queue) { q.UsedAddr = (q.UsedAddr &^ 0xffffffff) | uint64(value) })
	case regQueueUsedHigh:
		d.setQueueField(func(q *Queue) { q.UsedAddr = (q.UsedAddr &^ (0xffffffff << 32)) | (uint64(value) << 32) })
	case regQueueNotify:
		if q := d.Queue(int(value)); q != nil {
			if err := q.Notify(); err != nil {
				slog.Error("virtio: queue notify failed", "queue", value, "err", err)
				return err
			}
		}
	case regInterruptAck:
		d.interruptStatus &^= value
		d.updateIRQ()
	case regStatus:
		d.writeStatus(value)
	default:
		if offset >= regConfig {
			d.config.WriteConfig(offset-regConfig, value)
		}
	}
	return nil
}

func (d *Device) setQueueField(set func(*Queue)) {
	if q := d.currentQueue(); q != nil {
		set(q)
	}
}

// writeStatus implements the device status state machine: {reset → ack →
// driver → features_ok → driver_ok → failed}. A write of 0 resets the
// device. Any other write must be a superset of the current bits (only
// additional lifecycle bits set, never cleared); anything else is an
// illegal transition and sets FAILED.
func (d *Device) writeStatus(value uint32) {
	if value == 0 {
		d.reset()
		return
	}
	if value&d.status != d.status {
		slog.Error("virtio: illegal status transition", "from", d.status, "to", value)
		d.status = StatusFailed
		return
	}
	d.status = value
	d.maybeSignalDriverOK()
}

func (d *Device) maybeSignalDriverOK() {
	if d.status&StatusDriverOK == 0 {
		return
	}
	for i := range d.queues {
		if !d.queues[i].Ready {
			return
		}
	}
	d.config.OnDriverOK()
}

func (d *Device) reset() {
	d.lastFeaturesSel = 0
	d.lastDriverFeaturesSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.status = 0
	d.interruptStatus = 0
	d.configGeneration = 0
	for i := range d.queues {
		d.queues[i].Reset()
	}
	d.config.OnReset()
}

// RaiseInterrupt sets bit in the interrupt-status register and, if that
// changes the line's asserted level, raises the device's IRQ.
func (d *Device) RaiseInterrupt(bit uint32) {
	prev := d.interruptStatus
	d.interruptStatus |= bit
	if prev == 0 && d.interruptStatus != 0 {
		d.updateIRQ()
	}
}

func (d *Device) updateIRQ() {
	d.irq.SetLevel(d.interruptStatus != 0)
}

func loadLittleEndian(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		panic(fmt.Sprintf("virtio: unsupported mmio access width %d", len(buf)))
	}
}

func storeLittleEndian(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		panic(fmt.Sprintf("virtio: unsupported mmio access width %d", len(buf)))
	}
}
