package virtio

import (
	"fmt"
	"os"

	"github.com/tinyrange/spaceport/internal/errs"
	"github.com/tinyrange/spaceport/internal/memory"
)

// DiskBackend is the storage behind a Blk device. All three implementations
// enforce addr+len <= Size().
type DiskBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

func checkBounds(off int64, n int, size int64) error {
	if off < 0 || int64(n) > size-off {
		return fmt.Errorf("virtio: disk access [%#x,%#x) exceeds image size %#x: %w", off, off+int64(n), size, errs.ErrOutOfRange)
	}
	return nil
}

// ReadOnlyDisk backs a Blk device with a read-only OS file. Writes always
// fail.
type ReadOnlyDisk struct {
	f    *os.File
	size int64
}

// OpenReadOnlyDisk opens path read-only as a disk backend.
func OpenReadOnlyDisk(path string) (*ReadOnlyDisk, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errs.NewIoError("open read-only disk", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.NewIoError("stat read-only disk", err)
	}
	return &ReadOnlyDisk{f: f, size: info.Size()}, nil
}

func (d *ReadOnlyDisk) Size() int64 { return d.size }

func (d *ReadOnlyDisk) ReadAt(p []byte, off int64) (int, error) {
	if err := checkBounds(off, len(p), d.size); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *ReadOnlyDisk) WriteAt(p []byte, off int64) (int, error) {
	return 0, errs.NewIoError("write to read-only disk", nil)
}

func (d *ReadOnlyDisk) Close() error { return d.f.Close() }

// ReadWriteDisk backs a Blk device with a read+write OS file. Every write is
// followed by an fsync before acknowledging; a failed sync is fatal to the
// device instance, since at that point durability the driver was promised
// can no longer be guaranteed.
type ReadWriteDisk struct {
	f    *os.File
	size int64
}

// OpenReadWriteDisk opens or creates path read-write as a disk backend.
func OpenReadWriteDisk(path string) (*ReadWriteDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.NewIoError("open read-write disk", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.NewIoError("stat read-write disk", err)
	}
	return &ReadWriteDisk{f: f, size: info.Size()}, nil
}

func (d *ReadWriteDisk) Size() int64 { return d.size }

func (d *ReadWriteDisk) ReadAt(p []byte, off int64) (int, error) {
	if err := checkBounds(off, len(p), d.size); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *ReadWriteDisk) WriteAt(p []byte, off int64) (int, error) {
	if err := checkBounds(off, len(p), d.size); err != nil {
		return 0, err
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, errs.NewIoError("write read-write disk", err)
	}
	if err := d.f.Sync(); err != nil {
		panic(fmt.Sprintf("virtio: durability sync failed, disk state is unreliable: %v", err))
	}
	return n, nil
}

func (d *ReadWriteDisk) Close() error { return d.f.Close() }

// SnapshotDisk loads an entire image into a heap-allocated region on
// construction; all I/O afterward is in-memory and discarded on teardown.
type SnapshotDisk struct {
	region *memory.Region
	size   int64
}

// NewSnapshotDisk loads path's full contents into a region allocated from
// heap.
func NewSnapshotDisk(heap *memory.Heap, path string) (*SnapshotDisk, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errs.NewIoError("open snapshot source", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errs.NewIoError("stat snapshot source", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, errs.NewIoError("snapshot source is empty", nil)
	}

	region, err := heap.Alloc(uint64(size), 1)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate snapshot region: %w", err)
	}

	buf := make([]byte, 1<<20)
	var off int64
	for off < size {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := region.WriteBytes(region.Info().Base+uint64(off), buf[:n]); werr != nil {
				region.Release()
				return nil, werr
			}
			off += int64(n)
		}
		if err != nil {
			break
		}
	}

	return &SnapshotDisk{region: region, size: size}, nil
}

func (d *SnapshotDisk) Size() int64 { return d.size }

func (d *SnapshotDisk) ReadAt(p []byte, off int64) (int, error) {
	if err := checkBounds(off, len(p), d.size); err != nil {
		return 0, err
	}
	if err := d.region.ReadBytes(d.region.Info().Base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *SnapshotDisk) WriteAt(p []byte, off int64) (int, error) {
	if err := checkBounds(off, len(p), d.size); err != nil {
		return 0, err
	}
	if err := d.region.WriteBytes(d.region.Info().Base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *SnapshotDisk) Close() error {
	d.region.Release()
	return nil
}
