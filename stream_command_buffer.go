package streamcb

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gogpu/streamcb/arena"
	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/internal/binding"
	"github.com/gogpu/streamcb/internal/kernelcache"
	"github.com/gogpu/streamcb/resource"
	"github.com/gogpu/streamcb/status"
)

// State is the recording state of a StreamCommandBuffer.
type State int

const (
	// StateInitial means Begin has never been called.
	StateInitial State = iota

	// StateRecording means operations are accepted.
	StateRecording

	// StateEnded means the last cycle has ended. Begin starts a new one.
	StateEnded

	// StateDestroyed means Destroy has been called.
	StateDestroyed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRecording:
		return "Recording"
	case StateEnded:
		return "Ended"
	case StateDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Stats is a snapshot of encoder counters.
type Stats struct {
	// Cycles is the number of Begin calls that started a cycle.
	Cycles uint64

	// Submitted is the number of stream calls issued.
	Submitted uint64

	// Dispatches is the number of kernel launches issued.
	Dispatches uint64

	// ArenaBytes is the transient memory handed out this cycle.
	ArenaBytes int

	// Retained is the number of resources held by this cycle.
	Retained int

	// Kernels is the kernel-info cache statistics.
	Kernels kernelcache.Stats
}

// StreamCommandBuffer issues command buffer operations directly to a
// device.Stream.
//
// State machine:
//
//	Initial   -> Begin() -> Recording
//	Recording -> End()   -> Ended
//	Ended     -> Begin() -> Recording
//	any       -> Destroy() -> Destroyed
//
// StreamCommandBuffer is NOT safe for concurrent use.
type StreamCommandBuffer struct {
	id     uuid.UUID
	log    *slog.Logger
	dev    device.Device
	stream device.Stream
	opts   options

	pool     *arena.BlockPool
	arena    *arena.Arena
	retained *resource.Set
	bindings binding.State
	kernels  *kernelcache.Cache

	state      State
	cycles     uint64
	submitted  uint64
	dispatches uint64
	debugDepth int
}

var _ CommandBuffer = (*StreamCommandBuffer)(nil)

// NewStreamCommandBuffer creates a command buffer issuing to stream on dev.
//
// Returns an Unimplemented error and no command buffer if a non-zero binding
// capacity is requested.
func NewStreamCommandBuffer(dev device.Device, stream device.Stream, opts ...Option) (*StreamCommandBuffer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.bindingCapacity != 0 {
		return nil, status.Newf(status.Unimplemented,
			"indirect binding tables not supported by stream command buffers (capacity %d)", o.bindingCapacity)
	}
	if dev == nil {
		return nil, status.Newf(status.InvalidArgument, "device is nil")
	}
	if stream == nil {
		return nil, status.Newf(status.InvalidArgument, "stream is nil")
	}

	pool := o.blockPool
	if pool == nil {
		pool = arena.NewBlockPool(arena.DefaultBlockSize, 0)
	}

	id := uuid.New()
	cb := &StreamCommandBuffer{
		id:       id,
		log:      Logger().With("encoder", id.String(), "device", dev.Name()),
		dev:      dev,
		stream:   stream,
		opts:     o,
		pool:     pool,
		arena:    arena.New(pool),
		retained: resource.NewSet(o.retentionCapacity),
		kernels:  kernelcache.New(o.kernelCacheSize),
	}
	trackStream(stream)

	cb.log.Debug("stream command buffer created",
		"mode", o.mode, "categories", o.categories, "block_size", pool.BlockSize())
	return cb, nil
}

// ID returns the identity used in log records.
func (cb *StreamCommandBuffer) ID() uuid.UUID { return cb.id }

// Device returns the device the command buffer was created on.
func (cb *StreamCommandBuffer) Device() device.Device { return cb.dev }

// Stream returns the stream operations are issued to.
func (cb *StreamCommandBuffer) Stream() device.Stream { return cb.stream }

// Mode implements CommandBuffer.
func (cb *StreamCommandBuffer) Mode() Mode { return cb.opts.mode }

// Categories implements CommandBuffer.
func (cb *StreamCommandBuffer) Categories() Category { return cb.opts.categories }

// QueueAffinity implements CommandBuffer.
func (cb *StreamCommandBuffer) QueueAffinity() uint64 { return cb.opts.queueAffinity }

// State returns the current recording state.
func (cb *StreamCommandBuffer) State() State { return cb.state }

// Stats returns a snapshot of the encoder counters.
func (cb *StreamCommandBuffer) Stats() Stats {
	return Stats{
		Cycles:     cb.cycles,
		Submitted:  cb.submitted,
		Dispatches: cb.dispatches,
		ArenaBytes: cb.arena.Used(),
		Retained:   cb.retained.Len(),
		Kernels:    cb.kernels.Stats(),
	}
}

// checkRecording returns an error if the command buffer is not recording.
func (cb *StreamCommandBuffer) checkRecording(op string) error {
	if cb.state != StateRecording {
		return status.Newf(status.FailedPrecondition, "%s: command buffer is %s, not recording", op, cb.state)
	}
	return nil
}

// Begin starts a recording cycle.
func (cb *StreamCommandBuffer) Begin() error {
	switch cb.state {
	case StateRecording:
		return status.Newf(status.FailedPrecondition, "Begin: command buffer is already recording")
	case StateDestroyed:
		return status.Newf(status.FailedPrecondition, "Begin: command buffer is destroyed")
	}

	if cb.opts.resetBindingsOnBegin {
		cb.bindings.Reset()
	}
	cb.arena.BeginCycle()
	cb.cycles++
	cb.debugDepth = 0
	cb.state = StateRecording

	cb.log.Debug("cycle begin", "cycle", cb.cycles)
	return nil
}

// End finishes the recording cycle and retires its arena and retained
// resources.
//
// If the stream implements device.HostFuncLauncher, the release is queued
// on the stream so it runs after the cycle's work. Otherwise it happens
// before End returns.
func (cb *StreamCommandBuffer) End() error {
	if err := cb.checkRecording("End"); err != nil {
		return err
	}
	cb.state = StateEnded
	cb.log.Debug("cycle end", "cycle", cb.cycles,
		"arena_bytes", cb.arena.Used(), "retained", cb.retained.Len())
	return cb.retire()
}

// Destroy releases everything the command buffer holds. Work already issued
// keeps its resources until the stream reaches it when the stream supports
// host callbacks.
func (cb *StreamCommandBuffer) Destroy() {
	if cb.state == StateDestroyed {
		return
	}
	if err := cb.retire(); err != nil {
		cb.log.Warn("destroy: retiring cycle", "err", err)
	}
	cb.kernels.Clear()
	untrackStream(cb.stream)
	cb.state = StateDestroyed
	cb.log.Debug("stream command buffer destroyed", "cycles", cb.cycles)
}

// retire swaps in a fresh arena and retention set and releases the old ones
// once the stream is done with them.
func (cb *StreamCommandBuffer) retire() error {
	oldArena, oldSet := cb.arena, cb.retained
	cb.arena = arena.New(cb.pool)
	cb.retained = resource.NewSet(cb.opts.retentionCapacity)

	if oldArena.Used() == 0 && oldArena.BlockCount() == 0 && oldSet.Len() == 0 {
		return nil
	}

	release := func() {
		oldArena.EndCycle()
		var executables []device.Executable
		oldSet.Each(func(r resource.Resource) {
			if e, ok := r.(device.Executable); ok {
				executables = append(executables, e)
			}
		})
		oldSet.Release()
		cb.forgetDead(executables)
	}

	launcher, ok := cb.stream.(device.HostFuncLauncher)
	if !ok {
		release()
		return nil
	}
	if err := launcher.LaunchHostFunc(release); err != nil {
		cb.log.Warn("deferred release failed, releasing now", "err", err)
		release()
		return status.Wrap("LaunchHostFunc", err)
	}
	return nil
}

// claimCounter is implemented by resources that expose their claim count,
// such as those embedding resource.RefCount.
type claimCounter interface {
	Count() int32
}

// forgetDead drops cached kernel info of executables whose last claim is gone.
func (cb *StreamCommandBuffer) forgetDead(executables []device.Executable) {
	for _, e := range executables {
		if c, ok := e.(claimCounter); ok && c.Count() <= 0 {
			cb.kernels.Forget(e)
		}
	}
}

// BeginDebugGroup is a no-op apart from logging.
func (cb *StreamCommandBuffer) BeginDebugGroup(label string, color LabelColor, location *LabelLocation) {
	cb.debugDepth++
	if location != nil {
		cb.log.Debug("debug group", "label", label, "depth", cb.debugDepth,
			"file", location.File, "line", location.Line)
		return
	}
	cb.log.Debug("debug group", "label", label, "depth", cb.debugDepth)
}

// EndDebugGroup is a no-op apart from logging.
func (cb *StreamCommandBuffer) EndDebugGroup() {
	if cb.debugDepth > 0 {
		cb.debugDepth--
	}
}

// ExecutionBarrier is a no-op: the stream already executes and publishes
// memory in submission order. Barriers that involve the host stage or set
// flags are Unimplemented.
func (cb *StreamCommandBuffer) ExecutionBarrier(source, target ExecutionStage, flags BarrierFlags,
	memory []MemoryBarrier, buffers []BufferBarrier) error {
	if err := cb.checkRecording("ExecutionBarrier"); err != nil {
		return err
	}
	if (source|target)&StageHost != 0 {
		return status.Newf(status.Unimplemented,
			"barriers involving the host stage are not supported (source %s, target %s)", source, target)
	}
	if flags != 0 {
		return status.Newf(status.Unimplemented, "barrier flags 0x%x are not supported", uint32(flags))
	}
	return nil
}

// SignalEvent is Unimplemented.
func (cb *StreamCommandBuffer) SignalEvent(Event, ExecutionStage) error {
	return status.Newf(status.Unimplemented, "events are not supported by stream command buffers")
}

// ResetEvent is Unimplemented.
func (cb *StreamCommandBuffer) ResetEvent(Event, ExecutionStage) error {
	return status.Newf(status.Unimplemented, "events are not supported by stream command buffers")
}

// WaitEvents is Unimplemented.
func (cb *StreamCommandBuffer) WaitEvents([]Event, ExecutionStage, ExecutionStage,
	[]MemoryBarrier, []BufferBarrier) error {
	return status.Newf(status.Unimplemented, "events are not supported by stream command buffers")
}

// DiscardBuffer is a no-op.
func (cb *StreamCommandBuffer) DiscardBuffer(device.Buffer) error {
	return nil
}

// FillBuffer fills target with a repeated 1, 2 or 4 byte little-endian
// pattern. The fill covers target.Length/len(pattern) elements.
func (cb *StreamCommandBuffer) FillBuffer(target BufferRef, pattern []byte) error {
	if err := cb.checkRecording("FillBuffer"); err != nil {
		return err
	}
	if err := cb.retainRef("FillBuffer", target); err != nil {
		return err
	}

	dst := device.Address(target.Buffer, target.Offset)
	count := target.Length
	var op string
	var err error
	switch len(pattern) {
	case 1:
		op = "MemsetD8Async"
		err = cb.stream.MemsetD8Async(dst, pattern[0], count)
	case 2:
		op = "MemsetD16Async"
		err = cb.stream.MemsetD16Async(dst, binary.LittleEndian.Uint16(pattern), count/2)
	case 4:
		op = "MemsetD32Async"
		err = cb.stream.MemsetD32Async(dst, binary.LittleEndian.Uint32(pattern), count/4)
	default:
		return status.Newf(status.Internal, "unsupported fill pattern length %d", len(pattern))
	}
	if err != nil {
		return status.Wrap(op, err)
	}
	cb.submitted++
	cb.log.Debug("fill", "dst", dst, "bytes", count, "pattern_length", len(pattern))
	return nil
}

// UpdateBuffer copies source[sourceOffset:sourceOffset+target.Length] into
// target. The bytes are staged in the arena before the call returns, so
// source may be reused immediately.
func (cb *StreamCommandBuffer) UpdateBuffer(source []byte, sourceOffset uint64, target BufferRef) error {
	if err := cb.checkRecording("UpdateBuffer"); err != nil {
		return err
	}
	end := sourceOffset + target.Length
	if end < sourceOffset || end > uint64(len(source)) {
		return status.Newf(status.InvalidArgument,
			"update source range [%d, %d) exceeds %d bytes", sourceOffset, end, len(source))
	}
	if err := cb.retainRef("UpdateBuffer", target); err != nil {
		return err
	}

	staged, err := cb.arena.Allocate(int(target.Length))
	if err != nil {
		return err
	}
	copy(staged, source[sourceOffset:end])

	dst := device.Address(target.Buffer, target.Offset)
	if err := cb.stream.MemcpyHtoDAsync(dst, staged); err != nil {
		return status.Wrap("MemcpyHtoDAsync", err)
	}
	cb.submitted++
	cb.log.Debug("update", "dst", dst, "bytes", target.Length)
	return nil
}

// CopyBuffer copies target.Length bytes from source to target.
func (cb *StreamCommandBuffer) CopyBuffer(source, target BufferRef) error {
	if err := cb.checkRecording("CopyBuffer"); err != nil {
		return err
	}
	if err := cb.retainRef("CopyBuffer", source); err != nil {
		return err
	}
	if err := cb.retainRef("CopyBuffer", target); err != nil {
		return err
	}

	src := device.Address(source.Buffer, source.Offset)
	dst := device.Address(target.Buffer, target.Offset)
	if err := cb.stream.MemcpyDtoDAsync(dst, src, target.Length); err != nil {
		return status.Wrap("MemcpyDtoDAsync", err)
	}
	cb.submitted++
	cb.log.Debug("copy", "src", src, "dst", dst, "bytes", target.Length)
	return nil
}

// Collective is Unimplemented.
func (cb *StreamCommandBuffer) Collective(Channel, CollectiveOp, uint32, BufferRef, BufferRef, uint64) error {
	return status.Newf(status.Unimplemented, "collectives are not supported by stream command buffers")
}

// PushConstants writes values, a sequence of little-endian 32-bit words, at
// byte offset into the push-constant table.
func (cb *StreamCommandBuffer) PushConstants(_ device.PipelineLayout, offset int, values []byte) error {
	if err := cb.checkRecording("PushConstants"); err != nil {
		return err
	}
	if len(values)%4 != 0 {
		return status.Newf(status.InvalidArgument, "push constant length %d is not a multiple of 4", len(values))
	}
	n := len(values) / 4
	if n > binding.MaxPushConstants {
		return status.Newf(status.InvalidArgument,
			"%d push constants exceed capacity %d", n, binding.MaxPushConstants)
	}

	var words [binding.MaxPushConstants]uint32
	for i := range n {
		words[i] = binary.LittleEndian.Uint32(values[i*4:])
	}
	return cb.bindings.SetPushConstants(offset, words[:n])
}

// PushDescriptorSet resolves bindings to device addresses and stores them in
// descriptor set slot set. Bound buffers are retained for the cycle.
func (cb *StreamCommandBuffer) PushDescriptorSet(_ device.PipelineLayout, set int, bindings []DescriptorSetBinding) error {
	if err := cb.checkRecording("PushDescriptorSet"); err != nil {
		return err
	}
	if len(bindings) > binding.MaxBindingsPerSet {
		return status.Newf(status.ResourceExhausted,
			"%d bindings exceed per-set capacity %d", len(bindings), binding.MaxBindingsPerSet)
	}
	if set < 0 || set >= binding.MaxDescriptorSets {
		return status.Newf(status.InvalidArgument,
			"descriptor set %d out of range [0, %d)", set, binding.MaxDescriptorSets)
	}

	for _, b := range bindings {
		addr := device.NullPtr
		if b.Buffer != nil {
			if err := cb.retained.Insert(b.Buffer); err != nil {
				return err
			}
			addr = device.Address(b.Buffer, b.Offset)
		}
		if err := cb.bindings.SetBinding(set, b.Binding, addr); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch launches entry point of executable over the given workgroup
// counts with the current bindings and push constants.
func (cb *StreamCommandBuffer) Dispatch(executable device.Executable, entryPoint int32,
	workgroupX, workgroupY, workgroupZ uint32) error {
	if err := cb.checkRecording("Dispatch"); err != nil {
		return err
	}
	if executable == nil {
		return status.Newf(status.InvalidArgument, "Dispatch: executable is nil")
	}

	info, err := cb.kernels.Lookup(executable, entryPoint)
	if err != nil {
		return err
	}
	if err := cb.retained.Insert(executable); err != nil {
		return err
	}

	layout := info.Layout.DispatchLayout()
	if err := binding.CheckLayout(layout); err != nil {
		return err
	}

	count := layout.ArgumentCount()
	storage, err := cb.arena.Allocate(device.StorageSize(count))
	if err != nil {
		return err
	}
	params, err := device.NewKernelParams(storage, count)
	if err != nil {
		return status.Wrap("Dispatch", err)
	}

	for i, set := range layout.Sets {
		table := cb.bindings.Set(i)
		for j := range set.BindingCount {
			params.SetPointer(set.BaseIndex+j, table.Bindings[j])
		}
	}
	for i, v := range cb.bindings.PushConstants(layout.PushConstantCount) {
		params.SetUint32(layout.PushConstantBaseIndex+i, v)
	}

	grid := device.Dim3{X: workgroupX, Y: workgroupY, Z: workgroupZ}
	if err := cb.stream.LaunchKernel(info.Function, grid, info.BlockSize, params, info.SharedMemorySize); err != nil {
		return status.Wrap("LaunchKernel", err)
	}
	cb.submitted++
	cb.dispatches++
	cb.log.Debug("dispatch", "kernel", info.Function.Name(), "grid", grid,
		"block", info.BlockSize, "args", count)
	return nil
}

// DispatchIndirect is Unimplemented.
func (cb *StreamCommandBuffer) DispatchIndirect(device.Executable, int32, BufferRef) error {
	return status.Newf(status.Unimplemented, "indirect dispatch is not supported by stream command buffers")
}

// ExecuteCommands is Unimplemented.
func (cb *StreamCommandBuffer) ExecuteCommands(CommandBuffer, BindingTable) error {
	return status.Newf(status.Unimplemented, "nested command buffers are not supported by stream command buffers")
}

// retainRef validates ref and retains its buffer for the cycle.
func (cb *StreamCommandBuffer) retainRef(op string, ref BufferRef) error {
	if ref.Buffer == nil {
		return status.Newf(status.InvalidArgument, "%s: buffer is nil", op)
	}
	return cb.retained.Insert(ref.Buffer)
}
