// Package device defines the contracts between the stream command buffer and
// the device backend it drives.
//
// The encoder never allocates device memory or compiles kernels itself. It
// consumes:
//   - Buffer: a resolved device allocation plus a byte offset into it
//   - Executable: resolves an entry point to a launchable kernel and its layout
//   - Stream: an asynchronous, in-order execution queue
//
// Backends in this module implement these contracts (softdevice, halqueue,
// streamtest); any other device API can be wired in the same way.
package device

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/gogpu/streamcb/resource"
)

// DevicePtr is an address in device memory. The zero value is the null
// address and marks an unbound binding.
type DevicePtr uint64

// NullPtr is the null device address.
const NullPtr DevicePtr = 0

// Add returns p advanced by offset bytes.
func (p DevicePtr) Add(offset uint64) DevicePtr {
	return p + DevicePtr(offset)
}

// String formats the address in hex.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Dim3 is a three-dimensional launch extent.
type Dim3 struct {
	X, Y, Z uint32
}

// Count returns X*Y*Z, saturating at math.MaxUint64.
func (d Dim3) Count() uint64 {
	hi, lo := bits.Mul64(uint64(d.X)*uint64(d.Y), uint64(d.Z))
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Buffer is a device buffer as seen by the encoder.
type Buffer interface {
	resource.Resource

	// AllocatedPointer returns the base address of the underlying allocation.
	AllocatedPointer() DevicePtr

	// ByteOffset returns the offset of this buffer within its allocation.
	ByteOffset() uint64

	// ByteLength returns the size of this buffer in bytes.
	ByteLength() uint64
}

// Address resolves the device address of offset bytes into b.
func Address(b Buffer, offset uint64) DevicePtr {
	return b.AllocatedPointer().Add(b.ByteOffset() + offset)
}

// Function is a launchable kernel handle owned by a backend.
type Function interface {
	// Name returns the kernel entry point name.
	Name() string
}

// SetLayout describes one descriptor set in a dispatch layout.
type SetLayout struct {
	// BindingCount is the number of bindings in the set.
	BindingCount int

	// BaseIndex is the position of the set's first binding in the flat
	// kernel argument list.
	BaseIndex int
}

// DispatchLayout describes how bindings and push constants map onto the
// flat kernel argument list.
type DispatchLayout struct {
	// Sets lists the descriptor sets in set order.
	Sets []SetLayout

	// TotalBindingCount is the number of bindings across all sets.
	TotalBindingCount int

	// PushConstantCount is the number of 32-bit push constants.
	PushConstantCount int

	// PushConstantBaseIndex is the position of the first push constant in
	// the flat argument list.
	PushConstantBaseIndex int
}

// ArgumentCount returns the length of the flat kernel argument list.
func (l DispatchLayout) ArgumentCount() int {
	return l.TotalBindingCount + l.PushConstantCount
}

// PipelineLayout computes the dispatch layout of a kernel.
type PipelineLayout interface {
	DispatchLayout() DispatchLayout
}

// StaticLayout is a PipelineLayout built from per-set binding counts and a
// push-constant count. Sets are packed in order; push constants follow the
// last binding.
type StaticLayout struct {
	layout DispatchLayout
}

// NewStaticLayout builds a layout with the given bindings per set.
func NewStaticLayout(pushConstants int, setBindingCounts ...int) *StaticLayout {
	l := DispatchLayout{
		Sets:              make([]SetLayout, len(setBindingCounts)),
		PushConstantCount: pushConstants,
	}
	for i, n := range setBindingCounts {
		l.Sets[i] = SetLayout{BindingCount: n, BaseIndex: l.TotalBindingCount}
		l.TotalBindingCount += n
	}
	l.PushConstantBaseIndex = l.TotalBindingCount
	return &StaticLayout{layout: l}
}

// DispatchLayout implements PipelineLayout.
func (s *StaticLayout) DispatchLayout() DispatchLayout {
	return s.layout
}

// KernelInfo is everything needed to launch one entry point.
type KernelInfo struct {
	// Function is the backend kernel handle.
	Function Function

	// BlockSize is the fixed workgroup size the kernel was compiled for.
	BlockSize Dim3

	// SharedMemorySize is the workgroup shared memory requirement in bytes.
	SharedMemorySize uint32

	// Layout computes the argument layout.
	Layout PipelineLayout
}

// Executable is a loaded program with one or more entry points.
type Executable interface {
	resource.Resource

	// KernelInfo resolves an entry point. Unknown entry points return a
	// NotFound error.
	KernelInfo(entryPoint int32) (KernelInfo, error)
}

// Device identifies the device a stream executes on.
type Device interface {
	// Name returns a human-readable device name.
	Name() string
}
