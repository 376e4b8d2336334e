// Package binding holds the push-constant and descriptor tables a stream
// command buffer assembles kernel arguments from.
package binding

import (
	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

const (
	// MaxPushConstants is the number of 32-bit push-constant words.
	MaxPushConstants = 64

	// MaxDescriptorSets is the number of descriptor set slots.
	MaxDescriptorSets = 4

	// MaxBindingsPerSet is the number of bindings per descriptor set.
	MaxBindingsPerSet = 16
)

// DescriptorSet is the resolved addresses of one set's bindings.
// A NullPtr entry is unbound.
type DescriptorSet struct {
	Bindings [MaxBindingsPerSet]device.DevicePtr
}

// State is the current push constants and descriptor bindings.
//
// Writes overwrite in place; nothing is cleared between dispatches.
// The zero value is ready to use.
type State struct {
	pushConstants  [MaxPushConstants]uint32
	descriptorSets [MaxDescriptorSets]DescriptorSet
}

// SetPushConstants writes values starting at word byteOffset/4.
// byteOffset must be 4-byte aligned and the write must fit the table.
func (s *State) SetPushConstants(byteOffset int, values []uint32) error {
	if byteOffset < 0 || byteOffset%4 != 0 {
		return status.Newf(status.InvalidArgument,
			"push constant offset %d must be a non-negative multiple of 4", byteOffset)
	}
	first := byteOffset / 4
	if first+len(values) > MaxPushConstants {
		return status.Newf(status.InvalidArgument,
			"push constant range [%d, %d) exceeds %d words", first, first+len(values), MaxPushConstants)
	}
	copy(s.pushConstants[first:], values)
	return nil
}

// PushConstant returns word i.
func (s *State) PushConstant(i int) uint32 {
	return s.pushConstants[i]
}

// PushConstants returns the first n words. The slice aliases the table.
func (s *State) PushConstants(n int) []uint32 {
	return s.pushConstants[:n]
}

// SetBinding overwrites the address of (set, binding).
func (s *State) SetBinding(set, binding int, addr device.DevicePtr) error {
	if set < 0 || set >= MaxDescriptorSets {
		return status.Newf(status.InvalidArgument,
			"descriptor set %d out of range [0, %d)", set, MaxDescriptorSets)
	}
	if binding < 0 || binding >= MaxBindingsPerSet {
		return status.Newf(status.InvalidArgument,
			"binding %d out of range [0, %d)", binding, MaxBindingsPerSet)
	}
	s.descriptorSets[set].Bindings[binding] = addr
	return nil
}

// Binding returns the address of (set, binding).
func (s *State) Binding(set, binding int) device.DevicePtr {
	return s.descriptorSets[set].Bindings[binding]
}

// Set returns the bindings of one descriptor set.
func (s *State) Set(set int) *DescriptorSet {
	return &s.descriptorSets[set]
}

// CheckLayout reports whether a dispatch layout can be served from the
// tables.
func CheckLayout(l device.DispatchLayout) error {
	if len(l.Sets) > MaxDescriptorSets {
		return status.Newf(status.InvalidArgument,
			"layout has %d descriptor sets, max %d", len(l.Sets), MaxDescriptorSets)
	}
	for i, set := range l.Sets {
		if set.BindingCount < 0 || set.BindingCount > MaxBindingsPerSet {
			return status.Newf(status.InvalidArgument,
				"set %d has %d bindings, max %d", i, set.BindingCount, MaxBindingsPerSet)
		}
		if set.BaseIndex < 0 || set.BaseIndex+set.BindingCount > l.ArgumentCount() {
			return status.Newf(status.InvalidArgument,
				"set %d arguments [%d, %d) outside %d", i, set.BaseIndex,
				set.BaseIndex+set.BindingCount, l.ArgumentCount())
		}
	}
	if l.PushConstantCount < 0 || l.PushConstantCount > MaxPushConstants {
		return status.Newf(status.InvalidArgument,
			"layout has %d push constants, max %d", l.PushConstantCount, MaxPushConstants)
	}
	if l.PushConstantBaseIndex < 0 || l.PushConstantBaseIndex+l.PushConstantCount > l.ArgumentCount() {
		return status.Newf(status.InvalidArgument,
			"push constant arguments [%d, %d) outside %d", l.PushConstantBaseIndex,
			l.PushConstantBaseIndex+l.PushConstantCount, l.ArgumentCount())
	}
	return nil
}

// Reset zeroes every push constant and unbinds every slot.
func (s *State) Reset() {
	*s = State{}
}
