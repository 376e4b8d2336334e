package device

import (
	"encoding/binary"
	"fmt"
)

// Stream is an asynchronous device execution queue.
//
// Every call returns once the work is submitted, not completed. Work on one
// stream executes in submission order and each operation observes the memory
// effects of the ones before it.
//
// Slices passed to a Stream must stay unmodified until the stream has
// executed the operation that references them.
type Stream interface {
	// MemsetD8Async fills count bytes at dst with value.
	MemsetD8Async(dst DevicePtr, value uint8, count uint64) error

	// MemsetD16Async fills count 16-bit elements at dst with value.
	MemsetD16Async(dst DevicePtr, value uint16, count uint64) error

	// MemsetD32Async fills count 32-bit elements at dst with value.
	MemsetD32Async(dst DevicePtr, value uint32, count uint64) error

	// MemcpyHtoDAsync copies src from host memory to dst.
	MemcpyHtoDAsync(dst DevicePtr, src []byte) error

	// MemcpyDtoDAsync copies length bytes between device addresses.
	MemcpyDtoDAsync(dst, src DevicePtr, length uint64) error

	// LaunchKernel launches fn over grid workgroups of block threads each.
	LaunchKernel(fn Function, grid, block Dim3, params KernelParams, sharedMemBytes uint32) error
}

// HostFuncLauncher is implemented by streams that can run a host callback
// once all previously submitted work has executed.
type HostFuncLauncher interface {
	LaunchHostFunc(fn func()) error
}

// SlotSize is the width of one kernel argument slot: a device pointer.
const SlotSize = 8

// KernelParams is a positional kernel argument list whose values are supplied
// indirectly.
//
// Storage holds two regions of Count slots each. The first region is the
// argument table: slot i holds the byte offset, within Storage, of argument
// i's value. The second region is the payload holding the values themselves.
// Bindings occupy a full slot as a little-endian device address; push
// constants occupy the low 4 bytes of a slot with the rest zeroed.
type KernelParams struct {
	Storage []byte
	Count   int
}

// StorageSize returns the bytes of Storage needed for count arguments.
func StorageSize(count int) int {
	return 2 * count * SlotSize
}

// NewKernelParams lays out an argument table over storage, pointing slot i
// at payload slot i and zeroing the payload.
func NewKernelParams(storage []byte, count int) (KernelParams, error) {
	if len(storage) < StorageSize(count) {
		return KernelParams{}, fmt.Errorf("kernel params: storage %d bytes, need %d",
			len(storage), StorageSize(count))
	}
	p := KernelParams{Storage: storage[:StorageSize(count)], Count: count}
	payload := count * SlotSize
	for i := range count {
		binary.LittleEndian.PutUint64(p.Storage[i*SlotSize:], uint64(payload+i*SlotSize))
	}
	clear(p.Storage[payload:])
	return p, nil
}

// Slot returns the value slot of argument i.
func (p KernelParams) Slot(i int) []byte {
	off := binary.LittleEndian.Uint64(p.Storage[i*SlotSize:])
	return p.Storage[off : off+SlotSize : off+SlotSize]
}

// SetPointer stores a device address in argument i.
func (p KernelParams) SetPointer(i int, ptr DevicePtr) {
	binary.LittleEndian.PutUint64(p.Slot(i), uint64(ptr))
}

// Pointer reads argument i as a device address.
func (p KernelParams) Pointer(i int) DevicePtr {
	return DevicePtr(binary.LittleEndian.Uint64(p.Slot(i)))
}

// SetUint32 stores a 32-bit value in the low half of argument i.
func (p KernelParams) SetUint32(i int, v uint32) {
	binary.LittleEndian.PutUint32(p.Slot(i), v)
}

// Uint32 reads the low 32 bits of argument i.
func (p KernelParams) Uint32(i int) uint32 {
	return binary.LittleEndian.Uint32(p.Slot(i))
}
