// Package softdevice is an emulated compute device.
//
// Device memory is host memory mapped at synthetic device addresses, kernels
// are Go functions run once per workgroup on a worker pool, and streams
// execute their operations in order on a dedicated goroutine. It implements
// the device contracts so a streamcb.StreamCommandBuffer can drive it end to
// end without a GPU.
package softdevice

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/internal/parallel"
	"github.com/gogpu/streamcb/status"
)

const (
	// baseAddress is the first device address handed out.
	baseAddress device.DevicePtr = 0x1000_0000

	// allocationAlignment aligns every allocation's base address.
	allocationAlignment = 256

	// DefaultMemoryLimit is used when Config.MemoryLimit is zero.
	DefaultMemoryLimit = 256 << 20

	// DefaultQueueDepth is used when Config.QueueDepth is zero.
	DefaultQueueDepth = 256
)

// ErrClosed is returned for operations on a closed device or stream.
var ErrClosed = errors.New("softdevice: closed")

// Config configures a Device.
type Config struct {
	// Name identifies the device in logs.
	Name string

	// MemoryLimit bounds the sum of live allocation sizes.
	MemoryLimit uint64

	// Workers is the number of workgroup workers. Zero means GOMAXPROCS.
	Workers int

	// QueueDepth is how many operations a stream buffers before
	// submission blocks.
	QueueDepth int
}

// allocation is one contiguous range of device memory.
type allocation struct {
	base device.DevicePtr
	mem  []byte
}

func (a *allocation) end() device.DevicePtr {
	return a.base.Add(uint64(len(a.mem)))
}

// Device is an emulated device.
//
// Device is safe for concurrent use.
type Device struct {
	cfg  Config
	pool *parallel.Pool

	mu     sync.RWMutex
	allocs []*allocation // sorted by base
	next   device.DevicePtr
	used   uint64
	closed bool
}

var _ device.Device = (*Device)(nil)

// New creates a device.
func New(cfg Config) *Device {
	if cfg.Name == "" {
		cfg.Name = "softdevice"
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	d := &Device{
		cfg:  cfg,
		pool: parallel.NewPool(cfg.Workers),
		next: baseAddress,
	}
	slogger().Info("softdevice: opened", "name", cfg.Name,
		"memory_limit", cfg.MemoryLimit, "workers", d.pool.Workers())
	return d
}

// Name implements device.Device.
func (d *Device) Name() string { return d.cfg.Name }

// Close stops the worker pool. Buffers and streams must not be used
// afterwards.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.Close()
}

// MemoryUsed returns the bytes held by live allocations.
func (d *Device) MemoryUsed() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.used
}

// Allocations returns the number of live allocations.
func (d *Device) Allocations() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.allocs)
}

// Allocate creates a zeroed buffer of size bytes. The caller holds the only
// reference; the memory is freed when it is released.
func (d *Device) Allocate(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, status.Newf(status.InvalidArgument, "zero-size allocation")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, status.Wrap("Allocate", ErrClosed)
	}
	if d.used+size > d.cfg.MemoryLimit {
		return nil, status.Newf(status.ResourceExhausted,
			"allocation of %d bytes exceeds device memory (%d of %d used)", size, d.used, d.cfg.MemoryLimit)
	}

	a := &allocation{base: d.next, mem: make([]byte, size)}
	d.next = alignAddress(a.end() + allocationAlignment)
	d.used += size
	d.allocs = append(d.allocs, a)

	return newBuffer(d, a), nil
}

// free removes a from the address map.
func (d *Device) free(a *allocation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, found := slices.BinarySearchFunc(d.allocs, a.base, func(x *allocation, base device.DevicePtr) int {
		return compareAddr(x.base, base)
	})
	if !found {
		return
	}
	d.allocs = slices.Delete(d.allocs, i, i+1)
	d.used -= uint64(len(a.mem))
}

// resolve returns the host memory backing [ptr, ptr+n).
func (d *Device) resolve(ptr device.DevicePtr, n uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Last allocation with base <= ptr.
	i, found := slices.BinarySearchFunc(d.allocs, ptr, func(x *allocation, p device.DevicePtr) int {
		return compareAddr(x.base, p)
	})
	if !found {
		i--
	}
	if i < 0 || ptr == device.NullPtr {
		return nil, status.Newf(status.InvalidArgument, "address %v is not device memory", ptr)
	}
	a := d.allocs[i]
	off := uint64(ptr - a.base)
	if off+n < off || off+n > uint64(len(a.mem)) {
		return nil, status.Newf(status.InvalidArgument,
			"range [%v, +%d) exceeds allocation [%v, %v)", ptr, n, a.base, a.end())
	}
	return a.mem[off : off+n : off+n], nil
}

// Read copies n bytes of device memory at ptr to a new slice. It does not
// synchronize with streams.
func (d *Device) Read(ptr device.DevicePtr, n uint64) ([]byte, error) {
	mem, err := d.resolve(ptr, n)
	if err != nil {
		return nil, err
	}
	return slices.Clone(mem), nil
}

// String describes the device.
func (d *Device) String() string {
	return fmt.Sprintf("softdevice(%s, %d workers)", d.cfg.Name, d.pool.Workers())
}

func alignAddress(p device.DevicePtr) device.DevicePtr {
	return (p + allocationAlignment - 1) &^ (allocationAlignment - 1)
}

func compareAddr(a, b device.DevicePtr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
