// Package streamtest provides fakes of the device contracts for testing
// code that drives a device.Stream.
package streamtest

import (
	"fmt"
	"sync"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// Call is one recorded stream call.
type Call struct {
	// Op is the stream method name, e.g. "MemsetD32Async".
	Op string

	Dst   device.DevicePtr
	Src   device.DevicePtr
	Value uint32
	Count uint64

	// Data is the host slice passed to MemcpyHtoDAsync. It is the caller's
	// slice, not a copy, so later mutation of the staging memory is visible.
	Data []byte

	Function  device.Function
	Grid      device.Dim3
	Block     device.Dim3
	Params    device.KernelParams
	SharedMem uint32
	Arguments []uint64
}

// Recorder is a device.Stream that records every call and executes nothing.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

var _ device.Stream = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// FailOn makes every later call to op return err. A nil err clears it.
func (r *Recorder) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Len returns the number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[c.Op]; err != nil {
		return err
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *Recorder) MemsetD8Async(dst device.DevicePtr, value uint8, count uint64) error {
	return r.record(Call{Op: "MemsetD8Async", Dst: dst, Value: uint32(value), Count: count})
}

func (r *Recorder) MemsetD16Async(dst device.DevicePtr, value uint16, count uint64) error {
	return r.record(Call{Op: "MemsetD16Async", Dst: dst, Value: uint32(value), Count: count})
}

func (r *Recorder) MemsetD32Async(dst device.DevicePtr, value uint32, count uint64) error {
	return r.record(Call{Op: "MemsetD32Async", Dst: dst, Value: value, Count: count})
}

func (r *Recorder) MemcpyHtoDAsync(dst device.DevicePtr, src []byte) error {
	return r.record(Call{Op: "MemcpyHtoDAsync", Dst: dst, Data: src, Count: uint64(len(src))})
}

func (r *Recorder) MemcpyDtoDAsync(dst, src device.DevicePtr, length uint64) error {
	return r.record(Call{Op: "MemcpyDtoDAsync", Dst: dst, Src: src, Count: length})
}

// LaunchKernel records the launch and decodes each argument slot at
// submission time into Arguments.
func (r *Recorder) LaunchKernel(fn device.Function, grid, block device.Dim3,
	params device.KernelParams, sharedMemBytes uint32) error {
	args := make([]uint64, params.Count)
	for i := range args {
		args[i] = uint64(params.Pointer(i))
	}
	return r.record(Call{
		Op:        "LaunchKernel",
		Function:  fn,
		Grid:      grid,
		Block:     block,
		Params:    params,
		SharedMem: sharedMemBytes,
		Arguments: args,
	})
}

// DeferredRecorder is a Recorder that also implements
// device.HostFuncLauncher. Host functions are queued until Drain, which
// stands in for the stream reaching them.
type DeferredRecorder struct {
	*Recorder

	mu      sync.Mutex
	pending []func()
	failErr error
}

var _ device.HostFuncLauncher = (*DeferredRecorder)(nil)

// NewDeferredRecorder creates an empty deferred recorder.
func NewDeferredRecorder() *DeferredRecorder {
	return &DeferredRecorder{Recorder: NewRecorder()}
}

// FailHostFuncs makes LaunchHostFunc return err.
func (d *DeferredRecorder) FailHostFuncs(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

// LaunchHostFunc queues fn until Drain.
func (d *DeferredRecorder) LaunchHostFunc(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	d.pending = append(d.pending, fn)
	return nil
}

// Pending returns the number of queued host functions.
func (d *DeferredRecorder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain runs every queued host function in order.
func (d *DeferredRecorder) Drain() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Device is a named fake device.
type Device string

// Name implements device.Device.
func (d Device) Name() string { return string(d) }

// Buffer is a fake device buffer at a fixed address. Its reference count
// starts at one, held by the test.
type Buffer struct {
	resource.RefCount

	Base   device.DevicePtr
	Offset uint64
	Length uint64

	destroyed bool
}

var _ device.Buffer = (*Buffer)(nil)

// NewBuffer creates a buffer of length bytes at base+offset.
func NewBuffer(base device.DevicePtr, offset, length uint64) *Buffer {
	b := &Buffer{Base: base, Offset: offset, Length: length}
	b.Init(func() { b.destroyed = true })
	return b
}

func (b *Buffer) AllocatedPointer() device.DevicePtr { return b.Base }
func (b *Buffer) ByteOffset() uint64                 { return b.Offset }
func (b *Buffer) ByteLength() uint64                 { return b.Length }

// Destroyed reports whether the last reference was released.
func (b *Buffer) Destroyed() bool { return b.destroyed }

// Function is a named fake kernel.
type Function string

// Name implements device.Function.
func (f Function) Name() string { return string(f) }

// Executable is a fake executable with a fixed table of entry points.
type Executable struct {
	resource.RefCount

	Kernels []device.KernelInfo
	Lookups int
}

var _ device.Executable = (*Executable)(nil)

// NewExecutable creates an executable resolving entry point i to kernels[i].
func NewExecutable(kernels ...device.KernelInfo) *Executable {
	e := &Executable{Kernels: kernels}
	e.Init(nil)
	return e
}

// KernelInfo implements device.Executable.
func (e *Executable) KernelInfo(entryPoint int32) (device.KernelInfo, error) {
	e.Lookups++
	if entryPoint < 0 || int(entryPoint) >= len(e.Kernels) {
		return device.KernelInfo{}, status.Newf(status.NotFound,
			"entry point %d not found (%d exported)", entryPoint, len(e.Kernels))
	}
	return e.Kernels[entryPoint], nil
}

// Kernel builds a KernelInfo with a static layout.
func Kernel(name string, block device.Dim3, pushConstants int, setBindingCounts ...int) device.KernelInfo {
	return device.KernelInfo{
		Function:  Function(name),
		BlockSize: block,
		Layout:    device.NewStaticLayout(pushConstants, setBindingCounts...),
	}
}

// String implements fmt.Stringer for readable test failures.
func (c Call) String() string {
	switch c.Op {
	case "LaunchKernel":
		return fmt.Sprintf("%s(%s, grid=%v, block=%v, args=%x)", c.Op, c.Function.Name(), c.Grid, c.Block, c.Arguments)
	case "MemcpyDtoDAsync":
		return fmt.Sprintf("%s(dst=%v, src=%v, %d)", c.Op, c.Dst, c.Src, c.Count)
	default:
		return fmt.Sprintf("%s(dst=%v, value=%#x, %d)", c.Op, c.Dst, c.Value, c.Count)
	}
}
