// Package halqueue runs device streams on a gogpu/wgpu HAL device.
//
// The HAL exposes buffers as opaque handles, so Queue keeps a virtual address
// space: every allocation gets a stable range of device.DevicePtr values that
// resolve back to the owning hal.Buffer when work is encoded. Each stream
// operation is recorded into its own command buffer. Submissions are
// retired in order once the HAL reports their submission index complete,
// by Poll, Synchronize, or a submit that finds too much work in flight.
//
// Kernels are WGSL compute shaders compiled with naga. See NewExecutable for
// the binding convention.
package halqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

const (
	// DefaultMaxInFlight bounds the submissions awaiting retirement before
	// a new submission waits for the oldest.
	DefaultMaxInFlight = 64

	// DefaultWaitTimeout bounds a wait for submitted work when the caller
	// gives no deadline.
	DefaultWaitTimeout = 5 * time.Second

	// Completion is polled with an exponential backoff between these.
	minPollInterval = 50 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond

	// baseAddress is the first virtual address handed out.
	baseAddress device.DevicePtr = 0x4000_0000

	// StorageOffsetAlignment is the binding offset alignment storage
	// buffers require.
	StorageOffsetAlignment = 256

	// CopyAlignment is the offset and size alignment of transfers.
	CopyAlignment = 4
)

// ErrClosed is returned for operations on a closed Queue.
var ErrClosed = &status.Error{Code: status.Unavailable, Msg: "queue closed"}

// Config configures a Queue.
type Config struct {
	// Name identifies the device in logs.
	Name string

	// MaxInFlight bounds pending submissions. Zero means DefaultMaxInFlight.
	MaxInFlight int

	// WaitTimeout bounds waits without a context deadline. Zero means
	// DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// allocation is one hal.Buffer mapped into the virtual address space.
type allocation struct {
	base device.DevicePtr
	size uint64
	buf  hal.Buffer
}

func (a *allocation) end() device.DevicePtr { return a.base.Add(a.size) }

// submission is one submitted command buffer and everything it keeps alive.
type submission struct {
	label      string
	index      uint64 // HAL submission index
	encoder    hal.CommandEncoder
	cmd        hal.CommandBuffer
	bindGroups []hal.BindGroup
	buffers    []hal.Buffer // transient buffers destroyed on retirement
	hostFuncs  []func()
}

// Queue is a device.Stream over one hal.Queue.
//
// Queue is safe for concurrent use.
type Queue struct {
	cfg    Config
	device hal.Device
	queue  hal.Queue

	mu       sync.Mutex
	allocs   []*allocation // sorted by base
	next     device.DevicePtr
	used     uint64
	inflight []*submission
	retired  uint64
	closed   bool

	fill  *fillKernel
	dummy hal.Buffer // bound in place of null bindings
}

var (
	_ device.Device           = (*Queue)(nil)
	_ device.Stream           = (*Queue)(nil)
	_ device.HostFuncLauncher = (*Queue)(nil)
)

// New creates a queue over an open HAL device. The device and queue stay
// owned by the caller and must outlive the Queue.
func New(dev hal.Device, q hal.Queue, cfg Config) (*Queue, error) {
	if dev == nil || q == nil {
		return nil, status.Newf(status.InvalidArgument, "halqueue: nil device or queue")
	}
	if cfg.Name == "" {
		cfg.Name = "halqueue"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	hq := &Queue{cfg: cfg, device: dev, queue: q, next: baseAddress}

	fill, err := newFillKernel(dev)
	if err != nil {
		return nil, err
	}
	hq.fill = fill

	dummy, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "halqueue_null_binding",
		Size:  StorageOffsetAlignment,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		fill.destroy(dev)
		return nil, fmt.Errorf("halqueue: create null binding buffer: %w", err)
	}
	hq.dummy = dummy

	slogger().Info("halqueue: opened", "name", cfg.Name, "max_in_flight", cfg.MaxInFlight)
	return hq, nil
}

// Name implements device.Device.
func (q *Queue) Name() string { return q.cfg.Name }

// SetLogger sets the logger used by the package.
func (q *Queue) SetLogger(l *slog.Logger) { setLogger(l) }

// MemoryUsed returns the bytes held by live allocations.
func (q *Queue) MemoryUsed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// Allocations returns the number of live allocations.
func (q *Queue) Allocations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.allocs)
}

// Pending returns the number of submissions not yet retired.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Retired returns the number of submissions retired so far.
func (q *Queue) Retired() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retired
}

// Allocate creates a storage buffer of size bytes, rounded up to the copy
// alignment. The caller holds the only reference.
func (q *Queue) Allocate(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, status.Newf(status.InvalidArgument, "zero-size allocation")
	}
	size = alignUp(size, CopyAlignment)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, status.Wrap("Allocate", ErrClosed)
	}

	buf, err := q.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("halqueue_alloc_%d", len(q.allocs)),
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, status.Wrap("CreateBuffer", err)
	}

	a := &allocation{base: q.next, size: size, buf: buf}
	q.next = device.DevicePtr(alignUp(uint64(a.end())+StorageOffsetAlignment, StorageOffsetAlignment))
	q.used += size
	q.allocs = append(q.allocs, a)

	return newBuffer(q, a), nil
}

// free unmaps a. The hal buffer is destroyed once work submitted before the
// free has retired.
func (q *Queue) free(a *allocation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, found := slices.BinarySearchFunc(q.allocs, a.base, func(x *allocation, base device.DevicePtr) int {
		return compareAddr(x.base, base)
	})
	if !found {
		return
	}
	q.allocs = slices.Delete(q.allocs, i, i+1)
	q.used -= a.size
	q.releaseLocked(a.buf)
}

// releaseLocked destroys buf once work submitted so far has retired.
// Caller holds q.mu.
func (q *Queue) releaseLocked(buf hal.Buffer) {
	if n := len(q.inflight); n > 0 {
		last := q.inflight[n-1]
		last.buffers = append(last.buffers, buf)
		return
	}
	q.device.DestroyBuffer(buf)
}

// resolve maps [ptr, ptr+n) to its allocation and the offset within it.
// Caller holds q.mu.
func (q *Queue) resolve(ptr device.DevicePtr, n uint64) (*allocation, uint64, error) {
	i, found := slices.BinarySearchFunc(q.allocs, ptr, func(x *allocation, p device.DevicePtr) int {
		return compareAddr(x.base, p)
	})
	if !found {
		i--
	}
	if i < 0 || ptr == device.NullPtr {
		return nil, 0, status.Newf(status.InvalidArgument, "address %v is not device memory", ptr)
	}
	a := q.allocs[i]
	off := uint64(ptr - a.base)
	if off+n < off || off+n > a.size {
		return nil, 0, status.Newf(status.InvalidArgument,
			"range [%v, +%d) exceeds allocation [%v, %v)", ptr, n, a.base, a.end())
	}
	return a, off, nil
}

// submit records one command buffer with record and submits it. sub carries
// the transient resources the recording created; they are destroyed when the
// submission retires, or immediately if submission fails.
// Caller holds q.mu.
func (q *Queue) submit(label string, sub *submission, record func(enc hal.CommandEncoder)) error {
	sub.label = label

	encoder, err := q.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		q.destroy(sub)
		return status.Wrap("CreateCommandEncoder", err)
	}
	sub.encoder = encoder
	if err := encoder.BeginEncoding(label); err != nil {
		q.destroy(sub)
		return status.Wrap("BeginEncoding", err)
	}
	record(encoder)
	cmd, err := encoder.EndEncoding()
	if err != nil {
		q.destroy(sub)
		return status.Wrap("EndEncoding", err)
	}
	sub.cmd = cmd

	index, err := q.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		q.destroy(sub)
		return status.Wrap("Submit", err)
	}
	sub.index = index
	q.inflight = append(q.inflight, sub)
	slogger().Debug("halqueue: submitted", "label", label, "index", index, "pending", len(q.inflight))

	if n := len(q.inflight); n > q.cfg.MaxInFlight {
		oldest := q.inflight[n-q.cfg.MaxInFlight-1]
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WaitTimeout)
		err := q.awaitLocked(ctx, oldest.index)
		cancel()
		q.runLocked(q.retireLocked())
		if err != nil {
			return status.Wrap(label, fmt.Errorf("submission %q: %w", oldest.label, err))
		}
	}
	return nil
}

// runLocked runs host functions with q.mu released.
func (q *Queue) runLocked(funcs []func()) {
	if len(funcs) == 0 {
		return
	}
	q.mu.Unlock()
	defer q.mu.Lock()
	for _, fn := range funcs {
		fn()
	}
}

// awaitLocked polls the HAL until the submission index has completed or ctx
// is done. q.mu is released between polls. Caller holds q.mu.
func (q *Queue) awaitLocked(ctx context.Context, index uint64) error {
	delay := minPollInterval
	for q.queue.PollCompleted() < index {
		if err := ctx.Err(); err != nil {
			return deadlineError(err)
		}
		q.mu.Unlock()
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		q.mu.Lock()
		delay = min(2*delay, maxPollInterval)
	}
	return nil
}

// retireLocked retires, in submission order, every submission the HAL
// reports complete. It returns their host functions.
// Caller holds q.mu.
func (q *Queue) retireLocked() []func() {
	completed := q.queue.PollCompleted()
	var funcs []func()
	for len(q.inflight) > 0 && q.inflight[0].index <= completed {
		sub := q.inflight[0]
		q.inflight[0] = nil
		q.inflight = q.inflight[1:]
		q.destroy(sub)
		funcs = append(funcs, sub.hostFuncs...)
		q.retired++
	}
	return funcs
}

// destroy frees the HAL objects held by sub.
func (q *Queue) destroy(sub *submission) {
	if sub.cmd != nil {
		q.device.FreeCommandBuffer(sub.cmd)
	}
	if sub.encoder != nil {
		sub.encoder.Destroy()
	}
	for _, g := range sub.bindGroups {
		q.device.DestroyBindGroup(g)
	}
	for _, b := range sub.buffers {
		q.device.DestroyBuffer(b)
	}
	*sub = submission{label: sub.label, index: sub.index, hostFuncs: sub.hostFuncs}
}

// Poll retires every completed submission without blocking and runs their
// host functions.
func (q *Queue) Poll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runLocked(q.retireLocked())
}

// Synchronize waits until all submitted work has executed, retiring it and
// running pending host functions. Without a ctx deadline the wait is bounded
// by Config.WaitTimeout.
func (q *Queue) Synchronize(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.WaitTimeout)
		defer cancel()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Host functions may submit more work, so loop until nothing is left.
	for n := len(q.inflight); n > 0; n = len(q.inflight) {
		last := q.inflight[n-1]
		if err := q.awaitLocked(ctx, last.index); err != nil {
			return status.Wrap("Synchronize", fmt.Errorf("submission %q: %w", last.label, err))
		}
		q.runLocked(q.retireLocked())
	}
	return nil
}

// LaunchHostFunc implements device.HostFuncLauncher. fn runs once every
// submission made before the call has retired; with nothing in flight it
// runs before LaunchHostFunc returns.
func (q *Queue) LaunchHostFunc(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return status.Wrap("LaunchHostFunc", ErrClosed)
	}
	if n := len(q.inflight); n > 0 {
		last := q.inflight[n-1]
		last.hostFuncs = append(last.hostFuncs, fn)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	fn()
	return nil
}

// ReadBuffer copies n bytes of device memory at ptr into a new slice. The
// copy is ordered after all previously submitted work; ReadBuffer waits for
// it under ctx.
func (q *Queue) ReadBuffer(ctx context.Context, ptr device.DevicePtr, n uint64) ([]byte, error) {
	if err := checkAligned("ReadBuffer", uint64(ptr), n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}

	q.mu.Lock()
	if err := q.checkOpen("ReadBuffer"); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	a, off, err := q.resolve(ptr, n)
	if err != nil {
		q.mu.Unlock()
		return nil, status.Wrap("ReadBuffer", err)
	}
	readback, err := q.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "halqueue_readback",
		Size:  n,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		q.mu.Unlock()
		return nil, status.Wrap("CreateBuffer", err)
	}
	err = q.submit("ReadBuffer", &submission{}, func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(a.buf, readback, []hal.BufferCopy{
			{SrcOffset: off, DstOffset: 0, Size: n},
		})
	})
	if err != nil {
		// A failed submit may still have left the copy in flight.
		q.releaseLocked(readback)
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	err = q.Synchronize(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.releaseLocked(readback)
	if err != nil {
		return nil, err
	}
	m, err := q.device.MapBuffer(readback, 0, n)
	if err != nil {
		return nil, status.Wrap("MapBuffer", err)
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(m.Ptr), n))
	if err := q.device.UnmapBuffer(readback); err != nil {
		return nil, status.Wrap("UnmapBuffer", err)
	}
	return out, nil
}

// Close synchronizes and releases the queue's own HAL objects. Live
// allocations are destroyed; buffers must not be used afterwards.
func (q *Queue) Close() error {
	err := q.Synchronize(context.Background())

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return err
	}
	q.closed = true
	if len(q.inflight) > 0 {
		// Synchronize gave up; the device must be idle before destruction.
		if werr := q.device.WaitIdle(); werr != nil {
			err = errors.Join(err, status.Wrap("WaitIdle", werr))
		}
	}
	var funcs []func()
	for _, sub := range q.inflight {
		q.destroy(sub)
		funcs = append(funcs, sub.hostFuncs...)
	}
	q.inflight = nil
	for _, a := range q.allocs {
		q.device.DestroyBuffer(a.buf)
	}
	q.allocs = nil
	q.used = 0
	q.device.DestroyBuffer(q.dummy)
	q.fill.destroy(q.device)
	slogger().Info("halqueue: closed", "name", q.cfg.Name, "retired", q.retired)
	q.mu.Unlock()

	// Host functions of abandoned submissions still run so that their
	// owners release what they retained.
	for _, fn := range funcs {
		fn()
	}
	return err
}

// checkOpen returns ErrClosed after Close. Caller holds q.mu.
func (q *Queue) checkOpen(op string) error {
	if q.closed {
		return status.Wrap(op, ErrClosed)
	}
	return nil
}

func deadlineError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Newf(status.DeadlineExceeded, "%v", err)
	}
	return status.Newf(status.Unavailable, "%v", err)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func compareAddr(a, b device.DevicePtr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
