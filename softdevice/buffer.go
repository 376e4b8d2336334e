package softdevice

import (
	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// Buffer is a view of a device allocation.
//
// The allocation is freed when the last buffer referencing it is released.
type Buffer struct {
	resource.RefCount

	dev    *Device
	alloc  *allocation
	parent *Buffer
	offset uint64
	length uint64
}

var _ device.Buffer = (*Buffer)(nil)

func newBuffer(d *Device, a *allocation) *Buffer {
	b := &Buffer{dev: d, alloc: a, length: uint64(len(a.mem))}
	b.Init(func() { d.free(a) })
	return b
}

// AllocatedPointer implements device.Buffer.
func (b *Buffer) AllocatedPointer() device.DevicePtr { return b.alloc.base }

// ByteOffset implements device.Buffer.
func (b *Buffer) ByteOffset() uint64 { return b.offset }

// ByteLength implements device.Buffer.
func (b *Buffer) ByteLength() uint64 { return b.length }

// Address returns the device address of the first byte.
func (b *Buffer) Address() device.DevicePtr {
	return device.Address(b, 0)
}

// Subspan returns a buffer viewing [offset, offset+length) of b. The subspan
// keeps b alive until it is released.
func (b *Buffer) Subspan(offset, length uint64) (*Buffer, error) {
	if offset+length < offset || offset+length > b.length {
		return nil, status.Newf(status.InvalidArgument,
			"subspan [%d, %d) exceeds buffer length %d", offset, offset+length, b.length)
	}
	b.Retain()
	s := &Buffer{
		dev:    b.dev,
		alloc:  b.alloc,
		parent: b,
		offset: b.offset + offset,
		length: length,
	}
	s.Init(b.Release)
	return s, nil
}

// Bytes returns the host memory backing the buffer. Reads and writes do not
// synchronize with streams; call Stream.Synchronize first.
func (b *Buffer) Bytes() []byte {
	return b.alloc.mem[b.offset : b.offset+b.length : b.offset+b.length]
}
