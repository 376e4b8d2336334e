package halqueue

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// fillShaderWGSL stores one 32-bit value over a word range of dst. The grid
// is two-dimensional so large fills stay within the per-dimension workgroup
// limit; row is the number of words one grid row covers.
const fillShaderWGSL = `
struct FillParams {
    offset: u32,
    count: u32,
    value: u32,
    row: u32,
}

@group(0) @binding(0) var<storage, read_write> dst: array<u32>;
@group(0) @binding(1) var<uniform> params: FillParams;

@compute @workgroup_size(64)
fn fill(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.y * params.row + id.x;
    if (i >= params.count) {
        return;
    }
    dst[params.offset + i] = params.value;
}
`

const (
	fillWorkgroupSize = 64
	maxWorkgroups     = 65535
	fillParamsSize    = 16
)

// compileModule compiles WGSL to SPIR-V and creates a shader module.
func compileModule(dev hal.Device, label, source string) (hal.ShaderModule, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, status.Newf(status.InvalidArgument, "%s: compile shader: %v", label, err)
	}

	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	module, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create shader module: %w", label, err)
	}
	return module, nil
}

// pipeline is a compute pipeline with a single bind group: storageCount
// storage buffers at bindings [0, storageCount), then a uniform buffer at
// binding storageCount when uniform is set.
type pipeline struct {
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

func newPipeline(dev hal.Device, module hal.ShaderModule, entryPoint string,
	storageCount int, uniform bool,
) (*pipeline, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, storageCount+1)
	for i := range storageCount {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		})
	}
	if uniform {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(storageCount),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		})
	}

	p := &pipeline{}
	var err error
	p.bgLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   entryPoint + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create bind group layout: %w", entryPoint, err)
	}
	p.layout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            entryPoint + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgLayout},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("%s: create pipeline layout: %w", entryPoint, err)
	}
	p.pipeline, err = dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  entryPoint,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("%s: create compute pipeline: %w", entryPoint, err)
	}
	return p, nil
}

func (p *pipeline) destroy(dev hal.Device) {
	if p.pipeline != nil {
		dev.DestroyComputePipeline(p.pipeline)
	}
	if p.layout != nil {
		dev.DestroyPipelineLayout(p.layout)
	}
	if p.bgLayout != nil {
		dev.DestroyBindGroupLayout(p.bgLayout)
	}
	*p = pipeline{}
}

// fillKernel backs the Memset operations.
type fillKernel struct {
	module hal.ShaderModule
	pipe   *pipeline
}

func newFillKernel(dev hal.Device) (*fillKernel, error) {
	module, err := compileModule(dev, "halqueue_fill", fillShaderWGSL)
	if err != nil {
		return nil, err
	}
	pipe, err := newPipeline(dev, module, "fill", 1, true)
	if err != nil {
		dev.DestroyShaderModule(module)
		return nil, err
	}
	return &fillKernel{module: module, pipe: pipe}, nil
}

func (f *fillKernel) destroy(dev hal.Device) {
	f.pipe.destroy(dev)
	dev.DestroyShaderModule(f.module)
}

// fillGrid splits words into a grid of 64-wide workgroups no wider than
// the per-dimension limit. It returns the grid and the words per grid row.
func fillGrid(words uint64) (x, y uint32, row uint32) {
	groups := (words + fillWorkgroupSize - 1) / fillWorkgroupSize
	if groups <= maxWorkgroups {
		return uint32(groups), 1, uint32(groups) * fillWorkgroupSize
	}
	return maxWorkgroups, uint32((groups + maxWorkgroups - 1) / maxWorkgroups), maxWorkgroups * fillWorkgroupSize
}

// EntryPoint describes one compute entry point of a WGSL module.
//
// The entry point declares its bindings in @group(0): one
// var<storage, read_write> per binding, numbered by flat argument position
// (set 0 first), followed, when PushConstants is non-zero, by
// var<uniform> array<vec4<u32>, N> holding the push constants in order.
type EntryPoint struct {
	Name string

	// BlockSize must match the entry point's @workgroup_size.
	BlockSize device.Dim3

	// SharedMemorySize is the workgroup memory the shader declares.
	SharedMemorySize uint32

	// PushConstants is the number of 32-bit push constants.
	PushConstants int

	// Sets is the binding count of each descriptor set.
	Sets []int
}

// kernel is the device.Function of a compiled entry point.
type kernel struct {
	name   string
	queue  *Queue
	pipe   *pipeline
	layout device.DispatchLayout
	block  device.Dim3
	shared uint32
}

func (k *kernel) Name() string { return k.name }

// Executable is a compiled WGSL module with one or more entry points.
type Executable struct {
	resource.RefCount

	module  hal.ShaderModule
	kernels []*kernel
	infos   []device.KernelInfo
}

var _ device.Executable = (*Executable)(nil)

// NewExecutable compiles source and creates a pipeline per entry point,
// exporting them in order. The caller holds the only reference; HAL objects
// are destroyed after the last release once in-flight work has retired.
func (q *Queue) NewExecutable(label, source string, entries ...EntryPoint) (*Executable, error) {
	module, err := compileModule(q.device, label, source)
	if err != nil {
		return nil, err
	}

	e := &Executable{
		module:  module,
		kernels: make([]*kernel, 0, len(entries)),
		infos:   make([]device.KernelInfo, len(entries)),
	}
	for i, ep := range entries {
		if ep.BlockSize.Count() == 0 {
			e.destroy(q.device)
			return nil, status.Newf(status.InvalidArgument, "entry point %q has an empty block", ep.Name)
		}
		layout := device.NewStaticLayout(ep.PushConstants, ep.Sets...)
		dl := layout.DispatchLayout()

		pipe, err := newPipeline(q.device, module, ep.Name, dl.TotalBindingCount, ep.PushConstants > 0)
		if err != nil {
			e.destroy(q.device)
			return nil, err
		}
		k := &kernel{
			name:   ep.Name,
			queue:  q,
			pipe:   pipe,
			layout: dl,
			block:  ep.BlockSize,
			shared: ep.SharedMemorySize,
		}
		e.kernels = append(e.kernels, k)
		e.infos[i] = device.KernelInfo{
			Function:         k,
			BlockSize:        ep.BlockSize,
			SharedMemorySize: ep.SharedMemorySize,
			Layout:           layout,
		}
	}

	e.Init(func() {
		// Pipelines may still be referenced by submitted command buffers.
		if err := q.LaunchHostFunc(func() { e.destroy(q.device) }); err != nil {
			e.destroy(q.device)
		}
	})
	slogger().Debug("halqueue: executable loaded", "label", label, "entry_points", len(entries))
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

func (e *Executable) destroy(dev hal.Device) {
	for _, k := range e.kernels {
		k.pipe.destroy(dev)
	}
	e.kernels = nil
	if e.module != nil {
		dev.DestroyShaderModule(e.module)
		e.module = nil
	}
}
