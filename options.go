package streamcb

import (
	"github.com/gogpu/streamcb/arena"
	"github.com/gogpu/streamcb/internal/kernelcache"
)

// Option configures a StreamCommandBuffer during creation.
//
// Example:
//
//	pool := arena.NewBlockPool(arena.DefaultBlockSize, 64)
//	cb, err := streamcb.NewStreamCommandBuffer(dev, stream,
//	    streamcb.WithBlockPool(pool),
//	    streamcb.WithMode(streamcb.ModeOneShot),
//	)
type Option func(*options)

// options holds optional configuration for creation.
type options struct {
	mode                 Mode
	categories           Category
	queueAffinity        uint64
	bindingCapacity      int
	blockPool            *arena.BlockPool
	retentionCapacity    int
	kernelCacheSize      int
	resetBindingsOnBegin bool
}

func defaultOptions() options {
	return options{
		mode:            ModeOneShot | ModeAllowInlineExecution,
		categories:      CategoryAny,
		queueAffinity:   ^uint64(0),
		kernelCacheSize: kernelcache.DefaultCapacity,
	}
}

// WithMode sets the command buffer mode bits.
func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithCategories sets the accepted operation categories.
func WithCategories(c Category) Option {
	return func(o *options) {
		o.categories = c
	}
}

// WithQueueAffinity sets the queues the command buffer may be submitted to.
func WithQueueAffinity(mask uint64) Option {
	return func(o *options) {
		o.queueAffinity = mask
	}
}

// WithBindingCapacity requests an indirect binding table of n slots.
// Stream command buffers do not support binding tables; any n other than
// zero makes NewStreamCommandBuffer fail with Unimplemented.
func WithBindingCapacity(n int) Option {
	return func(o *options) {
		o.bindingCapacity = n
	}
}

// WithBlockPool sets the pool the transient arena borrows from. The pool is
// not owned by the command buffer and may be shared. By default each command
// buffer creates a private unbounded pool.
func WithBlockPool(p *arena.BlockPool) Option {
	return func(o *options) {
		o.blockPool = p
	}
}

// WithRetentionCapacity limits how many distinct resources one cycle may
// retain. Zero means unlimited.
func WithRetentionCapacity(n int) Option {
	return func(o *options) {
		o.retentionCapacity = n
	}
}

// WithKernelCacheSize sets how many resolved entry points are cached.
func WithKernelCacheSize(n int) Option {
	return func(o *options) {
		o.kernelCacheSize = n
	}
}

// WithResetBindingsOnBegin zeroes push constants and descriptor bindings on
// every Begin. By default they carry over between cycles.
func WithResetBindingsOnBegin(reset bool) Option {
	return func(o *options) {
		o.resetBindingsOnBegin = reset
	}
}
