package softdevice

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

// streamOp is one queued stream operation.
type streamOp struct {
	name string
	run  func() error

	// always runs even after an earlier operation failed.
	always bool
}

// Stream is an in-order asynchronous execution queue on a Device.
//
// Operations are validated on submission and executed on the stream's own
// goroutine in submission order. The first execution failure is sticky:
// later device operations are skipped and Synchronize reports it. Host
// functions still run so resources released through them are not leaked.
//
// Stream is safe for concurrent use.
type Stream struct {
	dev *Device
	ops chan streamOp

	// mu guards closed and the ops channel against Close.
	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error

	submitted atomic.Uint64
	completed atomic.Uint64
	done      chan struct{}
}

var (
	_ device.Stream           = (*Stream)(nil)
	_ device.HostFuncLauncher = (*Stream)(nil)
)

// NewStream creates a stream and starts its goroutine.
func (d *Device) NewStream() (*Stream, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, status.Wrap("NewStream", ErrClosed)
	}

	s := &Stream{
		dev:  d,
		ops:  make(chan streamOp, d.cfg.QueueDepth),
		done: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// SetLogger sets the logger used by the package.
func (s *Stream) SetLogger(l *slog.Logger) { setLogger(l) }

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.ops {
		if op.always || s.Err() == nil {
			if err := op.run(); err != nil {
				s.fail(op.name, err)
			}
		}
		s.completed.Add(1)
	}
}

func (s *Stream) fail(name string, err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = status.Wrap(name, err)
		slogger().Warn("softdevice: stream failed", "op", name, "err", err)
	}
}

// Err returns the sticky execution error, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) submit(op streamOp) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return status.Newf(status.Unavailable, "%s: stream closed", op.name)
	}
	s.submitted.Add(1)
	s.ops <- op
	return nil
}

// Pending returns the number of submitted operations not yet executed.
func (s *Stream) Pending() uint64 {
	return s.submitted.Load() - s.completed.Load()
}

// Synchronize waits until every operation submitted before the call has
// executed and returns the sticky error.
func (s *Stream) Synchronize(ctx context.Context) error {
	reached := make(chan struct{})
	err := s.submit(streamOp{name: "Synchronize", always: true, run: func() error {
		close(reached)
		return nil
	}})
	if err != nil {
		return err
	}
	select {
	case <-reached:
		return s.Err()
	case <-ctx.Done():
		return &status.Error{Code: status.DeadlineExceeded, Op: "Synchronize", Err: ctx.Err()}
	}
}

// Close executes the queued operations and stops the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	slogger().Info("softdevice: stream closed", "ops", s.completed.Load())
	return s.Err()
}

// LaunchHostFunc implements device.HostFuncLauncher.
func (s *Stream) LaunchHostFunc(fn func()) error {
	return s.submit(streamOp{name: "LaunchHostFunc", always: true, run: func() error {
		fn()
		return nil
	}})
}

func (s *Stream) memset(name string, dst device.DevicePtr, pattern []byte, count uint64) error {
	width := uint64(len(pattern))
	if _, err := s.dev.resolve(dst, count*width); err != nil {
		return status.Wrap(name, err)
	}
	return s.submit(streamOp{name: name, run: func() error {
		mem, err := s.dev.resolve(dst, count*width)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		copy(mem, pattern)
		for filled := width; filled < uint64(len(mem)); filled *= 2 {
			copy(mem[filled:], mem[:filled])
		}
		return nil
	}})
}

// MemsetD8Async implements device.Stream.
func (s *Stream) MemsetD8Async(dst device.DevicePtr, value uint8, count uint64) error {
	return s.memset("MemsetD8Async", dst, []byte{value}, count)
}

// MemsetD16Async implements device.Stream.
func (s *Stream) MemsetD16Async(dst device.DevicePtr, value uint16, count uint64) error {
	return s.memset("MemsetD16Async", dst, binary.LittleEndian.AppendUint16(nil, value), count)
}

// MemsetD32Async implements device.Stream.
func (s *Stream) MemsetD32Async(dst device.DevicePtr, value uint32, count uint64) error {
	return s.memset("MemsetD32Async", dst, binary.LittleEndian.AppendUint32(nil, value), count)
}

// MemcpyHtoDAsync implements device.Stream. src is read when the operation
// executes, not when it is submitted.
func (s *Stream) MemcpyHtoDAsync(dst device.DevicePtr, src []byte) error {
	n := uint64(len(src))
	if _, err := s.dev.resolve(dst, n); err != nil {
		return status.Wrap("MemcpyHtoDAsync", err)
	}
	return s.submit(streamOp{name: "MemcpyHtoDAsync", run: func() error {
		mem, err := s.dev.resolve(dst, n)
		if err != nil {
			return err
		}
		copy(mem, src)
		return nil
	}})
}

// MemcpyDtoDAsync implements device.Stream.
func (s *Stream) MemcpyDtoDAsync(dst, src device.DevicePtr, length uint64) error {
	if _, err := s.dev.resolve(src, length); err != nil {
		return status.Wrap("MemcpyDtoDAsync", err)
	}
	if _, err := s.dev.resolve(dst, length); err != nil {
		return status.Wrap("MemcpyDtoDAsync", err)
	}
	return s.submit(streamOp{name: "MemcpyDtoDAsync", run: func() error {
		from, err := s.dev.resolve(src, length)
		if err != nil {
			return err
		}
		to, err := s.dev.resolve(dst, length)
		if err != nil {
			return err
		}
		copy(to, from)
		return nil
	}})
}

// LaunchKernel implements device.Stream. The argument table is decoded when
// the launch executes.
func (s *Stream) LaunchKernel(fn device.Function, grid, block device.Dim3,
	params device.KernelParams, sharedMemBytes uint32) error {
	k, ok := fn.(*kernel)
	if !ok {
		return status.Newf(status.InvalidArgument, "LaunchKernel: function %T is not a softdevice kernel", fn)
	}
	if block.Count() == 0 {
		return status.Newf(status.InvalidArgument, "LaunchKernel: empty block %v", block)
	}
	if grid.Count() > math.MaxInt {
		return status.Newf(status.InvalidArgument, "LaunchKernel: grid %v has too many workgroups", grid)
	}
	if len(params.Storage) < device.StorageSize(params.Count) {
		return status.Newf(status.InvalidArgument, "LaunchKernel: %d arguments in %d bytes",
			params.Count, len(params.Storage))
	}

	return s.submit(streamOp{name: "LaunchKernel", run: func() error {
		args := make([]uint64, params.Count)
		for i := range args {
			args[i] = uint64(params.Pointer(i))
		}
		return s.dev.run(k, grid, block, args, sharedMemBytes)
	}})
}

// run executes every workgroup of a launch on the worker pool and returns
// the first kernel error.
func (d *Device) run(k *kernel, grid, block device.Dim3, args []uint64, sharedMemBytes uint32) error {
	total := grid.Count()
	if total == 0 {
		return nil
	}

	var (
		errOnce sync.Once
		first   error
	)
	d.pool.Run(int(total), func(i int) {
		id := device.Dim3{
			X: uint32(uint64(i) % uint64(grid.X)),
			Y: uint32(uint64(i) / uint64(grid.X) % uint64(grid.Y)),
			Z: uint32(uint64(i) / (uint64(grid.X) * uint64(grid.Y))),
		}
		wg := &Workgroup{ID: id, Grid: grid, Block: block, dev: d, args: args}
		if sharedMemBytes > 0 {
			wg.Shared = make([]byte, sharedMemBytes)
		}
		if err := k.fn(wg); err != nil {
			errOnce.Do(func() { first = err })
		}
	})
	if first != nil {
		return status.Wrap(k.name, first)
	}
	return nil
}
