package virtio

import (
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tinyrange/spaceport/internal/debug"
	"github.com/tinyrange/spaceport/internal/irq"
	"github.com/tinyrange/spaceport/internal/memory"
)

const (
	consoleDeviceID = 3 // virtio-console

	queueReceive  = 0
	queueTransmit = 1

	consoleQueueSize    = 256
	consoleMaxReadChunk = 128
)

// Console is a virtio console device: an output queue drains to a host
// sink on notify, and an input queue is fed by an externally driven poll
// (ConsoleRead) rather than by notify itself.
type Console struct {
	dev *Device

	out io.Writer
	in  io.Reader
}

// NewConsole builds a console device writing to out and reading from in.
func NewConsole(mem memory.Accessor, sender irq.Sender, base uint64, out io.Writer, in io.Reader) *Console {
	c := &Console{out: out, in: in}
	c.dev = NewDevice(mem, sender, base, 0x200, 0, consoleDeviceID, 0, c, c)
	return c
}

// Device exposes the underlying virtio-mmio register file.
func (c *Console) Device() *Device { return c.dev }

func (c *Console) NumQueues() int          { return 2 }
func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueSize }
func (c *Console) OnDriverOK()             {}
func (c *Console) OnReset()                {}
func (c *Console) ReadConfig(uint64) uint32 { return 0 }
func (c *Console) WriteConfig(uint64, uint32) {}

// Receive handles transmit-queue notifications: copy the device-readable
// side verbatim to the host sink. The receive queue doesn't push bytes on
// notify at all (the guest only posts buffers there); ConsoleRead drives
// it externally, so Receive just leaves its avail cursor alone to advance
// later when data is actually delivered into it.
func (c *Console) Receive(q *Queue, head uint16) bool {
	if q != c.dev.Queue(queueTransmit) {
		return false
	}
	res, err := q.Extract(head, false, true)
	if err != nil {
		slog.Error("virtio-console: extract failed", "err", err)
		return false
	}
	if _, err := c.out.Write(res.WriteBuf); err != nil {
		slog.Error("virtio-console: write to host sink failed", "err", err)
		return false
	}
	debug.Writef("virtio-console.output", "len=%d", res.WriteLen)
	if err := q.SetUsed(head, uint32(res.WriteLen)); err != nil {
		slog.Error("virtio-console: set used failed", "err", err)
		return false
	}
	c.dev.RaiseInterrupt(IntVRing)
	return true
}

// ConsoleRead is the external poll driving the input queue: if the queue
// isn't ready or has no avail head, it returns immediately. Otherwise it
// reads up to 128 bytes from the host source into the most recently
// published avail head's buffer and marks that head used. The avail cursor
// then advances by exactly one entry (Queue.UpdateLastAvail); with more than
// one head pending, the entry it moves past is the oldest one, not the head
// that was serviced. A WouldBlock read yields without marking anything used
// or moving the cursor; any other read
// error is returned as fatal, matching the design's treatment of the input
// source.
func (c *Console) ConsoleRead() error {
	q := c.dev.Queue(queueReceive)
	if q == nil || !q.GetReady() {
		return nil
	}
	heads, err := q.AvailIter()
	if err != nil {
		return err
	}
	if len(heads) == 0 {
		return nil
	}
	head := heads[len(heads)-1]

	res, err := q.Extract(head, true, false)
	if err != nil {
		return err
	}
	if len(res.ReadBuf) == 0 {
		return nil
	}

	n := len(res.ReadBuf)
	if n > consoleMaxReadChunk {
		n = consoleMaxReadChunk
	}
	read, err := c.in.Read(res.ReadBuf[:n])
	if err != nil {
		if isWouldBlock(err) {
			return nil
		}
		return err
	}

	if err := q.CopyTo(res.ReadMeta, res.ReadBuf[:read]); err != nil {
		return err
	}
	if err := q.SetUsed(head, uint32(read)); err != nil {
		return err
	}
	q.UpdateLastAvail()
	c.dev.RaiseInterrupt(IntVRing)
	return nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// SetNonBlocking puts fd (typically stdin) into non-blocking mode so reads
// against it return EAGAIN instead of blocking the cooperative emulation
// loop.
func SetNonBlocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// EnableRawMode switches fd (typically stdin) into raw terminal mode and
// returns a restore function to call on teardown.
func EnableRawMode(fd int) (restore func() error, err error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() error { return term.Restore(fd, state) }, nil
}

var _ ConfigDevice = (*Console)(nil)
var _ QueueClient = (*Console)(nil)
