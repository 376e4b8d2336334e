package halqueue

import (
	"encoding/binary"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

// The stream operations below implement device.Stream. Transfers must be
// 4-byte aligned in both offset and size; the HAL copies and the fill kernel
// work in whole words.

// MemsetD8Async implements device.Stream. count must be a multiple of 4.
func (q *Queue) MemsetD8Async(dst device.DevicePtr, value uint8, count uint64) error {
	return q.memset("MemsetD8Async", dst, uint32(value)*0x01010101, count)
}

// MemsetD16Async implements device.Stream. count must be even.
func (q *Queue) MemsetD16Async(dst device.DevicePtr, value uint16, count uint64) error {
	return q.memset("MemsetD16Async", dst, uint32(value)|uint32(value)<<16, 2*count)
}

// MemsetD32Async implements device.Stream.
func (q *Queue) MemsetD32Async(dst device.DevicePtr, value uint32, count uint64) error {
	return q.memset("MemsetD32Async", dst, value, 4*count)
}

// memset fills n bytes at dst with the repeated 32-bit word.
func (q *Queue) memset(name string, dst device.DevicePtr, word uint32, n uint64) error {
	if err := checkAligned(name, uint64(dst), n); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(name); err != nil {
		return err
	}
	a, off, err := q.resolve(dst, n)
	if err != nil {
		return status.Wrap(name, err)
	}
	if n == 0 {
		return nil
	}

	words := n / 4
	x, y, row := fillGrid(words)
	params := make([]byte, fillParamsSize)
	binary.LittleEndian.PutUint32(params[0:], uint32(off/4))
	binary.LittleEndian.PutUint32(params[4:], uint32(words))
	binary.LittleEndian.PutUint32(params[8:], word)
	binary.LittleEndian.PutUint32(params[12:], row)

	sub := &submission{}
	ub, err := q.uniform(name, params)
	if err != nil {
		return err
	}
	sub.buffers = append(sub.buffers, ub)

	bg, err := q.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "halqueue_fill_bg",
		Layout: q.fill.pipe.bgLayout,
		Entries: []gputypes.BindGroupEntry{
			bufferEntry(0, a.buf, 0, 0),
			bufferEntry(1, ub, 0, 0),
		},
	})
	if err != nil {
		q.destroy(sub)
		return status.Wrap("CreateBindGroup", err)
	}
	sub.bindGroups = append(sub.bindGroups, bg)

	return q.submit(name, sub, func(enc hal.CommandEncoder) {
		pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "halqueue_fill"})
		pass.SetPipeline(q.fill.pipe.pipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(x, y, 1)
		pass.End()
	})
}

// MemcpyHtoDAsync implements device.Stream. src is copied into a staging
// buffer before the call returns; the device copy is ordered after all
// earlier work on the queue.
func (q *Queue) MemcpyHtoDAsync(dst device.DevicePtr, src []byte) error {
	n := uint64(len(src))
	if err := checkAligned("MemcpyHtoDAsync", uint64(dst), n); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen("MemcpyHtoDAsync"); err != nil {
		return err
	}
	a, off, err := q.resolve(dst, n)
	if err != nil {
		return status.Wrap("MemcpyHtoDAsync", err)
	}
	if n == 0 {
		return nil
	}

	staging, err := q.upload("halqueue_staging", gputypes.BufferUsageCopySrc, src)
	if err != nil {
		return status.Wrap("MemcpyHtoDAsync", err)
	}
	sub := &submission{buffers: []hal.Buffer{staging}}
	return q.submit("MemcpyHtoDAsync", sub, func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(staging, a.buf, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: off, Size: n},
		})
	})
}

// MemcpyDtoDAsync implements device.Stream.
func (q *Queue) MemcpyDtoDAsync(dst, src device.DevicePtr, length uint64) error {
	if err := checkAligned("MemcpyDtoDAsync", uint64(dst)|uint64(src), length); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen("MemcpyDtoDAsync"); err != nil {
		return err
	}
	from, srcOff, err := q.resolve(src, length)
	if err != nil {
		return status.Wrap("MemcpyDtoDAsync", err)
	}
	to, dstOff, err := q.resolve(dst, length)
	if err != nil {
		return status.Wrap("MemcpyDtoDAsync", err)
	}
	if length == 0 {
		return nil
	}

	return q.submit("MemcpyDtoDAsync", &submission{}, func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(from.buf, to.buf, []hal.BufferCopy{
			{SrcOffset: srcOff, DstOffset: dstOff, Size: length},
		})
	})
}

// LaunchKernel implements device.Stream. fn must come from an Executable of
// this queue and block must match its workgroup size. Pointer arguments
// must sit at StorageOffsetAlignment within their allocation; each binds the
// rest of its allocation. Null pointers bind a placeholder buffer.
func (q *Queue) LaunchKernel(fn device.Function, grid, block device.Dim3,
	params device.KernelParams, sharedMemBytes uint32) error {
	k, ok := fn.(*kernel)
	if !ok || k.queue != q {
		return status.Newf(status.InvalidArgument, "LaunchKernel: function %T is not a kernel of this queue", fn)
	}
	if block != k.block {
		return status.Newf(status.InvalidArgument, "LaunchKernel: %s: block %v, compiled for %v",
			k.name, block, k.block)
	}
	if sharedMemBytes > k.shared {
		return status.Newf(status.InvalidArgument, "LaunchKernel: %s: %d bytes of shared memory, shader declares %d",
			k.name, sharedMemBytes, k.shared)
	}
	if grid.Count() == 0 {
		return nil
	}
	if params.Count != k.layout.ArgumentCount() || len(params.Storage) < device.StorageSize(params.Count) {
		return status.Newf(status.InvalidArgument, "LaunchKernel: %s: %d arguments in %d bytes, layout takes %d",
			k.name, params.Count, len(params.Storage), k.layout.ArgumentCount())
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen("LaunchKernel"); err != nil {
		return err
	}

	entries := make([]gputypes.BindGroupEntry, 0, params.Count+1)
	for i := range k.layout.TotalBindingCount {
		ptr := params.Pointer(i)
		if ptr == device.NullPtr {
			entries = append(entries, bufferEntry(uint32(i), q.dummy, 0, 0))
			continue
		}
		a, off, err := q.resolve(ptr, 1)
		if err != nil {
			return status.Wrap("LaunchKernel", err)
		}
		if off%StorageOffsetAlignment != 0 {
			return status.Newf(status.InvalidArgument,
				"LaunchKernel: %s: binding %d at %v is not %d-byte aligned", k.name, i, ptr, StorageOffsetAlignment)
		}
		entries = append(entries, bufferEntry(uint32(i), a.buf, off, a.size-off))
	}

	sub := &submission{}
	if n := k.layout.PushConstantCount; n > 0 {
		data := make([]byte, alignUp(uint64(4*n), 16))
		for i := range n {
			binary.LittleEndian.PutUint32(data[4*i:], params.Uint32(k.layout.PushConstantBaseIndex+i))
		}
		ub, err := q.uniform(k.name, data)
		if err != nil {
			return err
		}
		sub.buffers = append(sub.buffers, ub)
		entries = append(entries, bufferEntry(uint32(k.layout.TotalBindingCount), ub, 0, 0))
	}

	bg, err := q.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   k.name + "_bg",
		Layout:  k.pipe.bgLayout,
		Entries: entries,
	})
	if err != nil {
		q.destroy(sub)
		return status.Wrap("CreateBindGroup", err)
	}
	sub.bindGroups = append(sub.bindGroups, bg)

	return q.submit(k.name, sub, func(enc hal.CommandEncoder) {
		pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: k.name})
		pass.SetPipeline(k.pipe.pipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(grid.X, grid.Y, grid.Z)
		pass.End()
	})
}

// uniform creates a uniform buffer holding data. Caller holds q.mu.
func (q *Queue) uniform(label string, data []byte) (hal.Buffer, error) {
	return q.upload(label+"_uniform", gputypes.BufferUsageUniform, data)
}

// upload creates a buffer private to one submission and writes data into it.
// Nothing else references the buffer, so the immediate HAL write cannot
// overtake queued work. Caller holds q.mu.
func (q *Queue) upload(label string, usage gputypes.BufferUsage, data []byte) (hal.Buffer, error) {
	buf, err := q.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, status.Wrap("CreateBuffer", err)
	}
	if err := q.queue.WriteBuffer(buf, 0, data); err != nil {
		q.device.DestroyBuffer(buf)
		return nil, status.Wrap("WriteBuffer", err)
	}
	return buf, nil
}

// bufferEntry binds [offset, offset+size) of buf; size 0 binds the rest.
func bufferEntry(binding uint32, buf hal.Buffer, offset, size uint64) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  binding,
		Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: offset, Size: size},
	}
}

func checkAligned(op string, offset, size uint64) error {
	if offset%CopyAlignment != 0 || size%CopyAlignment != 0 {
		return status.Newf(status.InvalidArgument,
			"%s: offset %#x and size %d must be %d-byte aligned", op, offset, size, CopyAlignment)
	}
	return nil
}
