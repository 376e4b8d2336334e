package streamcb

import (
	"fmt"
	"strings"

	"github.com/gogpu/streamcb/device"
)

// Mode is a set of command buffer mode bits.
type Mode uint32

const (
	// ModeOneShot marks a command buffer submitted once.
	ModeOneShot Mode = 1 << iota

	// ModeAllowInlineExecution permits operations to execute as they are
	// recorded. Stream command buffers always execute inline.
	ModeAllowInlineExecution

	// ModeUnvalidated skips validation in layers that perform it.
	ModeUnvalidated
)

// String returns the set bits joined with "|".
func (m Mode) String() string {
	return flagString(uint32(m), []string{"OneShot", "AllowInlineExecution", "Unvalidated"})
}

// Category is a set of operation categories a command buffer accepts.
type Category uint32

const (
	// CategoryTransfer covers fill, update and copy.
	CategoryTransfer Category = 1 << iota

	// CategoryDispatch covers dispatch and binding updates.
	CategoryDispatch

	// CategoryAny accepts everything.
	CategoryAny = CategoryTransfer | CategoryDispatch
)

// String returns the set bits joined with "|".
func (c Category) String() string {
	return flagString(uint32(c), []string{"Transfer", "Dispatch"})
}

// ExecutionStage is a set of pipeline stages.
type ExecutionStage uint32

const (
	StageCommandIssue ExecutionStage = 1 << iota
	StageCommandProcess
	StageDispatch
	StageTransfer
	StageCommandRetire
	StageHost
)

// String returns the set bits joined with "|".
func (s ExecutionStage) String() string {
	return flagString(uint32(s), []string{
		"CommandIssue", "CommandProcess", "Dispatch", "Transfer", "CommandRetire", "Host",
	})
}

// BarrierFlags modify an execution barrier. Only the zero value is
// supported.
type BarrierFlags uint32

// AccessScope is a set of memory access kinds.
type AccessScope uint32

const (
	AccessIndirectCommandRead AccessScope = 1 << iota
	AccessConstantRead
	AccessDispatchRead
	AccessDispatchWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
)

// MemoryBarrier orders memory accesses globally.
type MemoryBarrier struct {
	SourceScope AccessScope
	TargetScope AccessScope
}

// BufferBarrier orders memory accesses to a buffer range.
type BufferBarrier struct {
	SourceScope AccessScope
	TargetScope AccessScope
	Buffer      device.Buffer
	Offset      uint64
	Length      uint64
}

// Event is a host-visible synchronization primitive.
type Event interface {
	device.Buffer
}

// Channel is a collective communication channel.
type Channel interface {
	Rank() int
	Count() int
}

// CollectiveOp describes a collective operation.
type CollectiveOp struct {
	Kind      CollectiveKind
	Reduction uint8
	Element   uint8
}

// CollectiveKind is the kind of a collective operation.
type CollectiveKind uint8

const (
	CollectiveAllGather CollectiveKind = iota
	CollectiveAllReduce
	CollectiveAllToAll
	CollectiveBroadcast
	CollectiveReduce
	CollectiveReduceScatter
	CollectiveSend
	CollectiveRecv
)

// BufferRef addresses a byte range of a buffer.
type BufferRef struct {
	Buffer device.Buffer
	Offset uint64
	Length uint64
}

// DescriptorSetBinding binds a buffer range to one binding of a set. A nil
// Buffer leaves the binding unbound.
type DescriptorSetBinding struct {
	Binding int
	Buffer  device.Buffer
	Offset  uint64
	Length  uint64
}

// BindingTable supplies buffers to a command buffer recorded with indirect
// bindings.
type BindingTable []BufferRef

// LabelColor is a debug group color.
type LabelColor struct {
	R, G, B, A uint8
}

// LabelLocation is the source location of a debug group.
type LabelLocation struct {
	File string
	Line int
}

// CommandBuffer is the operation set of a device command buffer.
//
// Implementations are not safe for concurrent use.
type CommandBuffer interface {
	Mode() Mode
	Categories() Category
	QueueAffinity() uint64

	Begin() error
	End() error

	BeginDebugGroup(label string, color LabelColor, location *LabelLocation)
	EndDebugGroup()

	ExecutionBarrier(source, target ExecutionStage, flags BarrierFlags,
		memory []MemoryBarrier, buffers []BufferBarrier) error
	SignalEvent(event Event, stages ExecutionStage) error
	ResetEvent(event Event, stages ExecutionStage) error
	WaitEvents(events []Event, source, target ExecutionStage,
		memory []MemoryBarrier, buffers []BufferBarrier) error

	DiscardBuffer(buffer device.Buffer) error
	FillBuffer(target BufferRef, pattern []byte) error
	UpdateBuffer(source []byte, sourceOffset uint64, target BufferRef) error
	CopyBuffer(source, target BufferRef) error
	Collective(channel Channel, op CollectiveOp, param uint32,
		send, recv BufferRef, elementCount uint64) error

	PushConstants(layout device.PipelineLayout, offset int, values []byte) error
	PushDescriptorSet(layout device.PipelineLayout, set int, bindings []DescriptorSetBinding) error
	Dispatch(executable device.Executable, entryPoint int32, workgroupX, workgroupY, workgroupZ uint32) error
	DispatchIndirect(executable device.Executable, entryPoint int32, workgroups BufferRef) error
	ExecuteCommands(commands CommandBuffer, bindings BindingTable) error
}

func flagString(v uint32, names []string) string {
	if v == 0 {
		return "None"
	}
	var parts []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
			v &^= 1 << i
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, "|")
}
