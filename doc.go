// Package streamcb provides an immediate-mode GPU command encoder over an
// asynchronous device stream.
//
// # Overview
//
// A StreamCommandBuffer accepts the operations of a generic device command
// buffer (fill, update, copy, push constants, push descriptor set, dispatch)
// and issues each one directly to a device.Stream as it arrives. There is no
// intermediate command list: once an operation returns it has been submitted,
// and the stream executes it in order after everything submitted before.
//
// # Quick Start
//
//	cb, err := streamcb.NewStreamCommandBuffer(dev, stream)
//	if err != nil {
//	    return err
//	}
//	defer cb.Destroy()
//
//	_ = cb.Begin()
//	_ = cb.PushDescriptorSet(layout, 0, []streamcb.DescriptorSetBinding{
//	    {Binding: 0, Buffer: x, Length: x.ByteLength()},
//	    {Binding: 1, Buffer: y, Length: y.ByteLength()},
//	})
//	_ = cb.PushConstants(layout, 0, alpha)
//	_ = cb.Dispatch(exe, 0, groups, 1, 1)
//	_ = cb.End()
//
// # Lifetimes
//
// Host data handed to UpdateBuffer is copied into a transient arena before
// the call returns, so callers may reuse it immediately. Every buffer and
// executable an operation references is retained for the recording cycle.
// On End the cycle's arena blocks and retention claims are released. When
// the stream implements device.HostFuncLauncher the release is queued behind
// the cycle's work and runs once the stream reaches it.
//
// # Binding State
//
// Push constants and descriptor bindings persist across dispatches and
// across cycles. A kernel reads whatever was last written; callers must set
// every constant a kernel reads. WithResetBindingsOnBegin clears the tables
// at the start of each cycle instead.
//
// # Unsupported Operations
//
// Events, collectives, indirect dispatch, nested command buffers and
// host-stage barriers return errors matching status.ErrUnimplemented.
//
// # Architecture
//
//   - Public API: StreamCommandBuffer, CommandBuffer, options
//   - Contracts: device (Stream, Buffer, Executable)
//   - Support: arena (transient memory), resource (retention), status (errors)
//   - Backends: softdevice (emulated), halqueue (gogpu/wgpu HAL), streamtest (fake)
package streamcb
