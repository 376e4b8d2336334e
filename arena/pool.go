// Package arena provides transient host storage for data that asynchronous
// device work references after the submitting call has returned.
//
// A BlockPool owns fixed-size byte blocks and is shared by any number of
// arenas. An Arena borrows blocks from its pool, bump-allocates from them, and
// hands them all back at the end of a cycle:
//
//	pool := arena.NewBlockPool(arena.DefaultBlockSize, 0)
//	a := arena.New(pool)
//
//	a.BeginCycle()
//	buf, err := a.Allocate(256)
//	// ... submit work that reads buf ...
//	a.EndCycle() // buf is invalid from here on
//
// Memory returned by Allocate is never freed individually.
package arena

import (
	"sync"

	"github.com/gogpu/streamcb/status"
)

// DefaultBlockSize is the block size used when none is configured (32 KiB).
const DefaultBlockSize = 32 * 1024

// minBlockSize keeps blocks large enough for at least a few allocations.
const minBlockSize = 256

// PoolStats contains block pool usage statistics.
type PoolStats struct {
	// BlockSize is the size of every block in bytes.
	BlockSize int

	// InUse is the number of blocks currently lent out.
	InUse int

	// Free is the number of blocks waiting for reuse.
	Free int

	// Limit is the maximum number of blocks, 0 meaning unlimited.
	Limit int
}

// BlockPool is a pool of fixed-size blocks.
//
// BlockPool is safe for concurrent use.
type BlockPool struct {
	mu        sync.Mutex
	blockSize int
	limit     int
	inUse     int
	free      [][]byte
}

// NewBlockPool creates a pool of blockSize-byte blocks. A limit of 0 lets the
// pool grow without bound. Block sizes below 256 bytes are rounded up.
func NewBlockPool(blockSize, limit int) *BlockPool {
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	if limit < 0 {
		limit = 0
	}
	return &BlockPool{
		blockSize: blockSize,
		limit:     limit,
	}
}

// BlockSize returns the size of every block in bytes.
func (p *BlockPool) BlockSize() int {
	return p.blockSize
}

// Acquire lends a block to the caller. The contents of a reused block are
// whatever its previous user left there.
//
// Returns a ResourceExhausted error when the pool limit is reached.
func (p *BlockPool) Acquire() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		block := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.inUse++
		return block, nil
	}

	if p.limit > 0 && p.inUse >= p.limit {
		return nil, status.Newf(status.ResourceExhausted,
			"block pool exhausted: %d blocks of %d bytes in use", p.inUse, p.blockSize)
	}

	p.inUse++
	return make([]byte, p.blockSize), nil
}

// Release returns a block previously obtained from Acquire.
// Blocks of the wrong size are dropped.
func (p *BlockPool) Release(block []byte) {
	if cap(block) != p.blockSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	p.free = append(p.free, block[:p.blockSize])
}

// Trim drops all free blocks so the garbage collector can reclaim them.
func (p *BlockPool) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.free)
	p.free = p.free[:0]
}

// Stats returns a snapshot of pool usage.
func (p *BlockPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		BlockSize: p.blockSize,
		InUse:     p.inUse,
		Free:      len(p.free),
		Limit:     p.limit,
	}
}
