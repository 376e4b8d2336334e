package resource

import "sync/atomic"

// RefCount is an embeddable reference counter implementing Resource.
//
// The zero value holds no claims. Call Init before sharing the owner to set
// the initial claim count and the function run when the count drops to zero.
//
// RefCount is safe for concurrent use.
type RefCount struct {
	refs    atomic.Int32
	destroy func()
}

// Init sets one claim (owned by the creator) and the destroy callback.
func (c *RefCount) Init(destroy func()) {
	c.refs.Store(1)
	c.destroy = destroy
}

// Retain adds one claim.
func (c *RefCount) Retain() {
	c.refs.Add(1)
}

// Release drops one claim and runs the destroy callback on the last one.
func (c *RefCount) Release() {
	n := c.refs.Add(-1)
	if n == 0 && c.destroy != nil {
		c.destroy()
	}
}

// Count returns the current number of claims.
func (c *RefCount) Count() int32 {
	return c.refs.Load()
}
