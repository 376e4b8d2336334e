package halqueue

import (
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// Buffer is a view of a Queue allocation.
//
// The allocation is unmapped when the last buffer referencing it is
// released.
type Buffer struct {
	resource.RefCount

	alloc  *allocation
	offset uint64
	length uint64
}

var _ device.Buffer = (*Buffer)(nil)

func newBuffer(q *Queue, a *allocation) *Buffer {
	b := &Buffer{alloc: a, length: a.size}
	b.Init(func() { q.free(a) })
	return b
}

// AllocatedPointer implements device.Buffer.
func (b *Buffer) AllocatedPointer() device.DevicePtr { return b.alloc.base }

// ByteOffset implements device.Buffer.
func (b *Buffer) ByteOffset() uint64 { return b.offset }

// ByteLength implements device.Buffer.
func (b *Buffer) ByteLength() uint64 { return b.length }

// Address returns the device address of the first byte.
func (b *Buffer) Address() device.DevicePtr { return device.Address(b, 0) }

// Native returns the HAL buffer backing the allocation.
func (b *Buffer) Native() hal.Buffer { return b.alloc.buf }

// Subspan returns a buffer viewing [offset, offset+length) of b and keeping
// b alive until it is released.
func (b *Buffer) Subspan(offset, length uint64) (*Buffer, error) {
	if offset+length < offset || offset+length > b.length {
		return nil, status.Newf(status.InvalidArgument,
			"subspan [%d, %d) exceeds buffer length %d", offset, offset+length, b.length)
	}
	b.Retain()
	s := &Buffer{alloc: b.alloc, offset: b.offset + offset, length: length}
	s.Init(b.Release)
	return s, nil
}
