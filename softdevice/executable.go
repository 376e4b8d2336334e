package softdevice

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// KernelFunc is the body of a kernel, called once per workgroup.
// Workgroups of one launch may run concurrently.
type KernelFunc func(wg *Workgroup) error

// EntryPoint describes one kernel of an executable.
type EntryPoint struct {
	Name      string
	Func      KernelFunc
	BlockSize device.Dim3

	// SharedMemorySize is the workgroup scratch memory in bytes.
	SharedMemorySize uint32

	// PushConstants is the number of 32-bit push constants.
	PushConstants int

	// Sets is the binding count of each descriptor set.
	Sets []int
}

// kernel is the device.Function of an entry point.
type kernel struct {
	name string
	fn   KernelFunc
}

func (k *kernel) Name() string { return k.name }

// Executable is a set of Go kernels.
type Executable struct {
	resource.RefCount

	entries []EntryPoint
	infos   []device.KernelInfo
}

var _ device.Executable = (*Executable)(nil)

// NewExecutable creates an executable exporting entries in order. The
// caller holds the only reference.
func NewExecutable(entries ...EntryPoint) (*Executable, error) {
	e := &Executable{
		entries: entries,
		infos:   make([]device.KernelInfo, len(entries)),
	}
	for i, ep := range entries {
		if ep.Func == nil {
			return nil, status.Newf(status.InvalidArgument, "entry point %q has no function", ep.Name)
		}
		if ep.BlockSize.Count() == 0 {
			return nil, status.Newf(status.InvalidArgument, "entry point %q has an empty block", ep.Name)
		}
		e.infos[i] = device.KernelInfo{
			Function:         &kernel{name: ep.Name, fn: ep.Func},
			BlockSize:        ep.BlockSize,
			SharedMemorySize: ep.SharedMemorySize,
			Layout:           device.NewStaticLayout(ep.PushConstants, ep.Sets...),
		}
	}
	e.Init(nil)
	return e, nil
}

// KernelInfo implements device.Executable.
func (e *Executable) KernelInfo(entryPoint int32) (device.KernelInfo, error) {
	if entryPoint < 0 || int(entryPoint) >= len(e.infos) {
		return device.KernelInfo{}, status.Newf(status.NotFound,
			"entry point %d not found (%d exported)", entryPoint, len(e.infos))
	}
	return e.infos[entryPoint], nil
}

// Workgroup is the view one kernel invocation has of its launch.
type Workgroup struct {
	// ID is the workgroup index within the grid.
	ID device.Dim3

	// Grid is the launch grid in workgroups.
	Grid device.Dim3

	// Block is the workgroup size in threads.
	Block device.Dim3

	// Shared is the workgroup scratch memory, zeroed per workgroup.
	Shared []byte

	dev  *Device
	args []uint64
}

// Threads calls fn for every thread of the workgroup with its global linear
// x index and its local linear index.
func (wg *Workgroup) Threads(fn func(globalX uint32, local int) error) error {
	local := 0
	for z := uint32(0); z < wg.Block.Z; z++ {
		for y := uint32(0); y < wg.Block.Y; y++ {
			for x := uint32(0); x < wg.Block.X; x++ {
				if err := fn(wg.ID.X*wg.Block.X+x, local); err != nil {
					return err
				}
				local++
			}
		}
	}
	return nil
}

// NumArgs returns the number of kernel arguments.
func (wg *Workgroup) NumArgs() int { return len(wg.args) }

// Pointer returns argument i as a device address.
func (wg *Workgroup) Pointer(i int) device.DevicePtr { return device.DevicePtr(wg.args[i]) }

// Uint32 returns argument i as a 32-bit push constant.
func (wg *Workgroup) Uint32(i int) uint32 { return uint32(wg.args[i]) }

// Float32 returns argument i as a float push constant.
func (wg *Workgroup) Float32(i int) float32 { return math.Float32frombits(wg.Uint32(i)) }

// Memory returns n bytes of device memory at ptr.
func (wg *Workgroup) Memory(ptr device.DevicePtr, n uint64) ([]byte, error) {
	return wg.dev.resolve(ptr, n)
}

// LoadFloat32 reads element i of a float array at ptr.
func (wg *Workgroup) LoadFloat32(ptr device.DevicePtr, i uint32) (float32, error) {
	mem, err := wg.dev.resolve(ptr.Add(uint64(i)*4), 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(mem)), nil
}

// StoreFloat32 writes element i of a float array at ptr.
func (wg *Workgroup) StoreFloat32(ptr device.DevicePtr, i uint32, v float32) error {
	mem, err := wg.dev.resolve(ptr.Add(uint64(i)*4), 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, math.Float32bits(v))
	return nil
}

// LoadUint32 reads element i of a uint32 array at ptr.
func (wg *Workgroup) LoadUint32(ptr device.DevicePtr, i uint32) (uint32, error) {
	mem, err := wg.dev.resolve(ptr.Add(uint64(i)*4), 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// StoreUint32 writes element i of a uint32 array at ptr.
func (wg *Workgroup) StoreUint32(ptr device.DevicePtr, i uint32, v uint32) error {
	mem, err := wg.dev.resolve(ptr.Add(uint64(i)*4), 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, v)
	return nil
}
