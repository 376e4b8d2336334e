package halqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/streamcb"
	"github.com/gogpu/streamcb/arena"
	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

// scaleWGSL computes y[i] = a*x[i] + y[i] for i < n.
// Bindings: set 0 {x, y}; push constants: a, n.
const scaleWGSL = `
@group(0) @binding(0) var<storage, read_write> x: array<u32>;
@group(0) @binding(1) var<storage, read_write> y: array<u32>;
@group(0) @binding(2) var<uniform> pc: array<vec4<u32>, 1>;

@compute @workgroup_size(64)
fn scale(@builtin(global_invocation_id) id: vec3<u32>) {
    let n = pc[0].y;
    if (id.x >= n) {
        return;
    }
    y[id.x] = pc[0].x * x[id.x] + y[id.x];
}
`

var scaleEntry = EntryPoint{
	Name:          "scale",
	BlockSize:     device.Dim3{X: 64, Y: 1, Z: 1},
	PushConstants: 2,
	Sets:          []int{2},
}

// newTestQueue opens a noop HAL device and wraps it in a Queue.
func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	dev, queue := openNoop(t)
	return newQueue(t, dev, queue, cfg)
}

// newGatedQueue is newTestQueue with completion reporting under test control.
// Nothing completes until the gate is opened.
func newGatedQueue(t *testing.T, cfg Config) (*Queue, *gatedQueue) {
	t.Helper()
	dev, queue := openNoop(t)
	g := &gatedQueue{Queue: queue}
	q := newQueue(t, dev, g, cfg)
	// Runs before Close so that it can drain.
	t.Cleanup(func() { g.complete(^uint64(0)) })
	return q, g
}

func openNoop(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()

	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

func newQueue(t *testing.T, dev hal.Device, queue hal.Queue, cfg Config) *Queue {
	t.Helper()
	q, err := New(dev, queue, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return q
}

// gatedQueue wraps a HAL queue. It records buffer writes and submission
// indices and reports completion no further than the gate.
type gatedQueue struct {
	hal.Queue

	mu        sync.Mutex
	gate      uint64
	submitted []uint64
	writes    []hal.Buffer
	writeErr  error
}

func (g *gatedQueue) Submit(cmds []hal.CommandBuffer) (uint64, error) {
	index, err := g.Queue.Submit(cmds)
	if err == nil {
		g.mu.Lock()
		g.submitted = append(g.submitted, index)
		g.mu.Unlock()
	}
	return index, err
}

func (g *gatedQueue) PollCompleted() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return min(g.Queue.PollCompleted(), g.gate)
}

func (g *gatedQueue) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error {
	g.mu.Lock()
	g.writes = append(g.writes, buf)
	err := g.writeErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.Queue.WriteBuffer(buf, offset, data)
}

// failWrites makes WriteBuffer return err; nil restores it.
func (g *gatedQueue) failWrites(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeErr = err
}

// complete reports every submission up to index as done.
func (g *gatedQueue) complete(index uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = index
}

func (g *gatedQueue) submissions() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.submitted)
}

func (g *gatedQueue) wrote(buf hal.Buffer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Contains(g.writes, buf)
}

func mustAllocate(t *testing.T, q *Queue, size uint64) *Buffer {
	t.Helper()
	b, err := q.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate(%d) error = %v", size, err)
	}
	return b
}

func synchronize(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
}

// =============================================================================
// Address space
// =============================================================================

func TestNew_NilDevice(t *testing.T) {
	if _, err := New(nil, nil, Config{}); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("New(nil, nil) code = %v, want InvalidArgument", status.CodeOf(err))
	}
}

func TestAllocate_AlignedAddresses(t *testing.T) {
	q := newTestQueue(t, Config{})

	a := mustAllocate(t, q, 10)
	b := mustAllocate(t, q, 300)

	if a.Address() != baseAddress {
		t.Errorf("first address = %v, want %v", a.Address(), baseAddress)
	}
	if a.ByteLength() != 12 {
		t.Errorf("ByteLength() = %d, want size rounded to 12", a.ByteLength())
	}
	if b.Address()%StorageOffsetAlignment != 0 {
		t.Errorf("second address %v not %d-aligned", b.Address(), StorageOffsetAlignment)
	}
	if b.Address() <= a.Address().Add(a.ByteLength()) {
		t.Errorf("allocations overlap or touch: %v after %v", b.Address(), a.Address())
	}
	if q.MemoryUsed() != 312 || q.Allocations() != 2 {
		t.Errorf("used = %d, allocations = %d", q.MemoryUsed(), q.Allocations())
	}

	a.Release()
	b.Release()
	if q.Allocations() != 0 || q.MemoryUsed() != 0 {
		t.Errorf("after release: used = %d, allocations = %d", q.MemoryUsed(), q.Allocations())
	}
}

func TestAllocate_Zero(t *testing.T) {
	q := newTestQueue(t, Config{})
	if _, err := q.Allocate(0); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("Allocate(0) code = %v, want InvalidArgument", status.CodeOf(err))
	}
}

func TestSubspan(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 1024)

	s, err := b.Subspan(256, 512)
	if err != nil {
		t.Fatalf("Subspan() error = %v", err)
	}
	if s.Address() != b.Address().Add(256) {
		t.Errorf("Subspan address = %v, want %v", s.Address(), b.Address().Add(256))
	}
	if _, err := b.Subspan(1000, 100); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("out-of-range Subspan code = %v", status.CodeOf(err))
	}

	b.Release()
	if q.Allocations() != 1 {
		t.Fatal("subspan should keep the allocation mapped")
	}
	s.Release()
	if q.Allocations() != 0 {
		t.Error("allocation still mapped after last release")
	}
}

// =============================================================================
// Stream operations
// =============================================================================

func TestStream_SubmitAndSynchronize(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 4096)
	defer b.Release()

	if err := q.MemsetD32Async(b.Address(), 0xCAFEBABE, 1024); err != nil {
		t.Fatalf("MemsetD32Async() error = %v", err)
	}
	if err := q.MemcpyHtoDAsync(b.Address().Add(16), make([]byte, 64)); err != nil {
		t.Fatalf("MemcpyHtoDAsync() error = %v", err)
	}
	if err := q.MemcpyDtoDAsync(b.Address().Add(2048), b.Address(), 1024); err != nil {
		t.Fatalf("MemcpyDtoDAsync() error = %v", err)
	}

	if q.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", q.Pending())
	}
	synchronize(t, q)
	if q.Pending() != 0 || q.Retired() != 3 {
		t.Errorf("after Synchronize: pending = %d, retired = %d", q.Pending(), q.Retired())
	}

	// The readback copy is one more submission.
	out, err := q.ReadBuffer(context.Background(), b.Address(), 64)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if len(out) != 64 || q.Retired() != 4 {
		t.Errorf("ReadBuffer: %d bytes, retired = %d, want 64 and 4", len(out), q.Retired())
	}
	if _, err := q.ReadBuffer(context.Background(), b.Address().Add(2), 4); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("misaligned ReadBuffer code = %v, want InvalidArgument", status.CodeOf(err))
	}
}

func TestStream_RetiresInSubmissionOrder(t *testing.T) {
	q, g := newGatedQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	var ran []int
	for i := range 2 {
		if err := q.MemsetD32Async(b.Address(), uint32(i), 16); err != nil {
			t.Fatalf("MemsetD32Async() error = %v", err)
		}
		if err := q.LaunchHostFunc(func() { ran = append(ran, i) }); err != nil {
			t.Fatalf("LaunchHostFunc() error = %v", err)
		}
	}

	q.Poll()
	if q.Pending() != 2 || len(ran) != 0 {
		t.Fatalf("before completion: pending = %d, ran = %v", q.Pending(), ran)
	}

	subs := g.submissions()
	if len(subs) != 2 || subs[0] >= subs[1] {
		t.Fatalf("submission indices = %v, want two increasing", subs)
	}
	g.complete(subs[0])
	q.Poll()
	if q.Pending() != 1 || !slices.Equal(ran, []int{0}) {
		t.Errorf("after first completes: pending = %d, ran = %v", q.Pending(), ran)
	}

	g.complete(subs[1])
	q.Poll()
	if q.Pending() != 0 || !slices.Equal(ran, []int{0, 1}) {
		t.Errorf("after both complete: pending = %d, ran = %v", q.Pending(), ran)
	}
}

func TestStream_SynchronizeDeadline(t *testing.T) {
	q, g := newGatedQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	if err := q.MemsetD32Async(b.Address(), 0, 16); err != nil {
		t.Fatalf("MemsetD32Async() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Synchronize(ctx); status.CodeOf(err) != status.DeadlineExceeded {
		t.Errorf("Synchronize() code = %v, want DeadlineExceeded (err = %v)", status.CodeOf(err), err)
	}
	if q.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", q.Pending())
	}

	// Completion arriving while Synchronize waits unblocks it.
	go func() {
		time.Sleep(5 * time.Millisecond)
		g.complete(^uint64(0))
	}()
	synchronize(t, q)
	if q.Pending() != 0 {
		t.Errorf("Pending() after completion = %d, want 0", q.Pending())
	}
}

func TestStream_HtoDOrderedAfterLaunch(t *testing.T) {
	q, g := newGatedQueue(t, Config{})
	exe, err := q.NewExecutable("scale", scaleWGSL, scaleEntry)
	if err != nil {
		t.Fatalf("NewExecutable() error = %v", err)
	}
	defer exe.Release()
	info, _ := exe.KernelInfo(0)
	x := mustAllocate(t, q, 256)
	defer x.Release()

	params, err := device.NewKernelParams(make([]byte, device.StorageSize(4)), 4)
	if err != nil {
		t.Fatalf("NewKernelParams() error = %v", err)
	}
	params.SetPointer(0, x.Address())
	params.SetPointer(1, x.Address())
	params.SetUint32(3, 64)
	if err := q.LaunchKernel(info.Function, device.Dim3{X: 1, Y: 1, Z: 1}, scaleEntry.BlockSize, params, 0); err != nil {
		t.Fatalf("LaunchKernel() error = %v", err)
	}

	// The kernel is still running; the upload must queue behind it.
	if err := q.MemcpyHtoDAsync(x.Address(), make([]byte, 256)); err != nil {
		t.Fatalf("MemcpyHtoDAsync() error = %v", err)
	}
	if g.wrote(x.Native()) {
		t.Error("upload wrote the destination buffer while a launch reading it was in flight")
	}
	if subs := g.submissions(); len(subs) != 2 || subs[0] >= subs[1] {
		t.Errorf("submission indices = %v, want launch then upload", subs)
	}
	if q.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", q.Pending())
	}
}

func TestStream_HtoDWriteError(t *testing.T) {
	q, g := newGatedQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	writeErr := errors.New("staging write failed")
	g.failWrites(writeErr)
	defer g.failWrites(nil)

	err := q.MemcpyHtoDAsync(b.Address(), make([]byte, 16))
	if !errors.Is(err, writeErr) {
		t.Fatalf("MemcpyHtoDAsync() error = %v, want the write error", err)
	}
	var se *status.Error
	if !errors.As(err, &se) || se.Op != "MemcpyHtoDAsync" {
		t.Errorf("error = %v, want wrapped with MemcpyHtoDAsync", err)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
	if err := q.MemsetD32Async(b.Address(), 0, 16); status.CodeOf(err) != status.Internal {
		t.Errorf("memset with failing uniform write code = %v, want Internal", status.CodeOf(err))
	}
}

func TestStream_ZeroLengthIsNoop(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	if err := q.MemsetD8Async(b.Address(), 1, 0); err != nil {
		t.Errorf("MemsetD8Async(0) error = %v", err)
	}
	if err := q.MemcpyDtoDAsync(b.Address(), b.Address(), 0); err != nil {
		t.Errorf("MemcpyDtoDAsync(0) error = %v", err)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
}

func TestStream_Validation(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	tests := []struct {
		name string
		call func() error
	}{
		{"memset8 partial word", func() error { return q.MemsetD8Async(b.Address(), 1, 3) }},
		{"memset16 odd count", func() error { return q.MemsetD16Async(b.Address(), 1, 1) }},
		{"memset misaligned", func() error { return q.MemsetD32Async(b.Address().Add(2), 1, 1) }},
		{"memset overrun", func() error { return q.MemsetD32Async(b.Address(), 1, 17) }},
		{"memset unmapped", func() error { return q.MemsetD32Async(0x100, 1, 1) }},
		{"htod odd size", func() error { return q.MemcpyHtoDAsync(b.Address(), make([]byte, 3)) }},
		{"dtod misaligned src", func() error { return q.MemcpyDtoDAsync(b.Address(), b.Address().Add(1), 4) }},
		{"dtod overrun", func() error { return q.MemcpyDtoDAsync(b.Address().Add(32), b.Address(), 64) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); status.CodeOf(err) != status.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument (err = %v)", status.CodeOf(err), err)
			}
		})
	}
	if q.Pending() != 0 {
		t.Errorf("rejected calls submitted work: pending = %d", q.Pending())
	}
}

func TestStream_MaxInFlight(t *testing.T) {
	q := newTestQueue(t, Config{MaxInFlight: 2})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	for range 5 {
		if err := q.MemsetD32Async(b.Address(), 7, 16); err != nil {
			t.Fatalf("MemsetD32Async() error = %v", err)
		}
	}
	if q.Pending() > 2 {
		t.Errorf("Pending() = %d, want at most 2", q.Pending())
	}
	if q.Retired() < 3 {
		t.Errorf("Retired() = %d, want at least 3", q.Retired())
	}
}

func TestStream_MaxInFlightTimeout(t *testing.T) {
	q, _ := newGatedQueue(t, Config{MaxInFlight: 1, WaitTimeout: 10 * time.Millisecond})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	if err := q.MemsetD32Async(b.Address(), 0, 16); err != nil {
		t.Fatalf("MemsetD32Async() error = %v", err)
	}
	err := q.MemsetD32Async(b.Address(), 1, 16)
	if status.CodeOf(err) != status.DeadlineExceeded {
		t.Errorf("second submit code = %v, want DeadlineExceeded (err = %v)", status.CodeOf(err), err)
	}
	// The submission itself went through; only the wait gave up.
	if q.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", q.Pending())
	}
}

func TestStream_HostFunc(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	defer b.Release()

	ran := false
	if err := q.LaunchHostFunc(func() { ran = true }); err != nil {
		t.Fatalf("LaunchHostFunc() error = %v", err)
	}
	if !ran {
		t.Error("host func with nothing in flight should run immediately")
	}

	ran = false
	if err := q.MemsetD32Async(b.Address(), 0, 16); err != nil {
		t.Fatalf("MemsetD32Async() error = %v", err)
	}
	if err := q.LaunchHostFunc(func() { ran = true }); err != nil {
		t.Fatalf("LaunchHostFunc() error = %v", err)
	}
	if ran {
		t.Error("host func ran before its submission retired")
	}
	synchronize(t, q)
	if !ran {
		t.Error("host func did not run after Synchronize")
	}
}

func TestStream_FreeWhileInFlight(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 64)

	if err := q.MemsetD32Async(b.Address(), 0, 16); err != nil {
		t.Fatalf("MemsetD32Async() error = %v", err)
	}
	b.Release()

	// The address range is gone at once; the HAL buffer waits for retirement.
	if q.Allocations() != 0 {
		t.Errorf("Allocations() = %d, want 0", q.Allocations())
	}
	if err := q.MemsetD32Async(b.Address(), 0, 16); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("use after release code = %v, want InvalidArgument", status.CodeOf(err))
	}
	synchronize(t, q)
}

func TestStream_Closed(t *testing.T) {
	q := newTestQueue(t, Config{})
	b := mustAllocate(t, q, 64)
	ptr := b.Address()

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Release after Close is harmless.
	b.Release()

	if err := q.MemsetD32Async(ptr, 0, 16); !errors.Is(err, ErrClosed) {
		t.Errorf("MemsetD32Async after Close = %v, want ErrClosed", err)
	}
	if _, err := q.Allocate(64); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate after Close = %v, want ErrClosed", err)
	}
	if err := q.LaunchHostFunc(func() {}); status.CodeOf(err) != status.Unavailable {
		t.Errorf("LaunchHostFunc after Close code = %v, want Unavailable", status.CodeOf(err))
	}
}

func TestFillGrid(t *testing.T) {
	tests := []struct {
		words     uint64
		x, y, row uint32
	}{
		{1, 1, 1, 64},
		{64, 1, 1, 64},
		{65, 2, 1, 128},
		{maxWorkgroups * 64, maxWorkgroups, 1, maxWorkgroups * 64},
		{maxWorkgroups*64 + 1, maxWorkgroups, 2, maxWorkgroups * 64},
	}
	for _, tt := range tests {
		x, y, row := fillGrid(tt.words)
		if x != tt.x || y != tt.y || row != tt.row {
			t.Errorf("fillGrid(%d) = (%d, %d, %d), want (%d, %d, %d)",
				tt.words, x, y, row, tt.x, tt.y, tt.row)
		}
		if uint64(x)*uint64(y)*fillWorkgroupSize < tt.words {
			t.Errorf("fillGrid(%d) covers too few words", tt.words)
		}
	}
}

// =============================================================================
// Kernels
// =============================================================================

func TestExecutable_KernelInfo(t *testing.T) {
	q := newTestQueue(t, Config{})

	exe, err := q.NewExecutable("scale", scaleWGSL, scaleEntry)
	if err != nil {
		t.Fatalf("NewExecutable() error = %v", err)
	}
	defer exe.Release()

	info, err := exe.KernelInfo(0)
	if err != nil {
		t.Fatalf("KernelInfo(0) error = %v", err)
	}
	if info.Function.Name() != "scale" || info.BlockSize.X != 64 {
		t.Errorf("KernelInfo(0) = %+v", info)
	}
	if got := info.Layout.DispatchLayout().ArgumentCount(); got != 4 {
		t.Errorf("ArgumentCount() = %d, want 4", got)
	}
	if _, err := exe.KernelInfo(1); status.CodeOf(err) != status.NotFound {
		t.Errorf("KernelInfo(1) code = %v, want NotFound", status.CodeOf(err))
	}
}

func TestExecutable_BadSource(t *testing.T) {
	q := newTestQueue(t, Config{})
	if _, err := q.NewExecutable("bad", "fn (", scaleEntry); status.CodeOf(err) != status.InvalidArgument {
		t.Errorf("NewExecutable(bad) code = %v, want InvalidArgument", status.CodeOf(err))
	}
}

func TestLaunchKernel_Validation(t *testing.T) {
	q := newTestQueue(t, Config{})
	exe, err := q.NewExecutable("scale", scaleWGSL, scaleEntry)
	if err != nil {
		t.Fatalf("NewExecutable() error = %v", err)
	}
	defer exe.Release()
	info, _ := exe.KernelInfo(0)

	b := mustAllocate(t, q, 1024)
	defer b.Release()

	params := func(x, y device.DevicePtr) device.KernelParams {
		p, err := device.NewKernelParams(make([]byte, device.StorageSize(4)), 4)
		if err != nil {
			t.Fatalf("NewKernelParams() error = %v", err)
		}
		p.SetPointer(0, x)
		p.SetPointer(1, y)
		p.SetUint32(2, 3)
		p.SetUint32(3, 16)
		return p
	}
	block := scaleEntry.BlockSize
	grid := device.Dim3{X: 1, Y: 1, Z: 1}

	tests := []struct {
		name string
		call func() error
	}{
		{"wrong block", func() error {
			return q.LaunchKernel(info.Function, grid, device.Dim3{X: 32, Y: 1, Z: 1}, params(b.Address(), b.Address()), 0)
		}},
		{"foreign function", func() error {
			return q.LaunchKernel(fakeFunction("scale"), grid, block, params(b.Address(), b.Address()), 0)
		}},
		{"misaligned binding", func() error {
			return q.LaunchKernel(info.Function, grid, block, params(b.Address().Add(4), b.Address()), 0)
		}},
		{"unmapped binding", func() error {
			return q.LaunchKernel(info.Function, grid, block, params(0x100, b.Address()), 0)
		}},
		{"shared memory", func() error {
			return q.LaunchKernel(info.Function, grid, block, params(b.Address(), b.Address()), 16)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); status.CodeOf(err) != status.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument (err = %v)", status.CodeOf(err), err)
			}
		})
	}

	// A null binding is bound to the placeholder buffer.
	if err := q.LaunchKernel(info.Function, grid, block, params(device.NullPtr, b.Address()), 0); err != nil {
		t.Errorf("LaunchKernel with null binding error = %v", err)
	}
	synchronize(t, q)
}

type fakeFunction string

func (f fakeFunction) Name() string { return string(f) }

// =============================================================================
// Encoder integration
// =============================================================================

func TestEncoder_RecordsThroughQueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	const n = 256

	exe, err := q.NewExecutable("scale", scaleWGSL, scaleEntry)
	if err != nil {
		t.Fatalf("NewExecutable() error = %v", err)
	}
	x := mustAllocate(t, q, 4*n)
	y := mustAllocate(t, q, 4*n)

	pool := arena.NewBlockPool(4096, 0)
	cb, err := streamcb.NewStreamCommandBuffer(q, q, streamcb.WithBlockPool(pool))
	if err != nil {
		t.Fatalf("NewStreamCommandBuffer() error = %v", err)
	}
	defer cb.Destroy()

	host := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(host[4*i:], uint32(i))
	}
	pc := binary.LittleEndian.AppendUint32(nil, 2)
	pc = binary.LittleEndian.AppendUint32(pc, n)

	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	steps := []error{
		cb.UpdateBuffer(host, 0, streamcb.BufferRef{Buffer: x, Length: 4 * n}),
		cb.FillBuffer(streamcb.BufferRef{Buffer: y, Length: 4 * n}, []byte{1, 0, 0, 0}),
		cb.PushDescriptorSet(nil, 0, []streamcb.DescriptorSetBinding{
			{Binding: 0, Buffer: x, Length: 4 * n},
			{Binding: 1, Buffer: y, Length: 4 * n},
		}),
		cb.PushConstants(nil, 0, pc),
		cb.Dispatch(exe, 0, n/64, 1, 1),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
	}
	if err := cb.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	// Upload, fill and dispatch are one submission each.
	if q.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", q.Pending())
	}
	if x.Count() != 2 || exe.Count() != 2 {
		t.Errorf("in-flight claims: x = %d, exe = %d, want 2", x.Count(), exe.Count())
	}

	synchronize(t, q)

	if pool.Stats().InUse != 0 {
		t.Errorf("arena blocks in use after synchronize = %d", pool.Stats().InUse)
	}
	if x.Count() != 1 || y.Count() != 1 || exe.Count() != 1 {
		t.Errorf("claims after synchronize: x = %d, y = %d, exe = %d, want 1",
			x.Count(), y.Count(), exe.Count())
	}

	exe.Release()
	x.Release()
	y.Release()
	if q.Allocations() != 0 {
		t.Errorf("Allocations() = %d, want 0", q.Allocations())
	}
}
