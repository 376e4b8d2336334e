package arena

import (
	"github.com/gogpu/streamcb/status"
)

// Alignment is the alignment of every allocation, the width of a device
// pointer.
const Alignment = 8

// Arena is a bump allocator over blocks borrowed from a BlockPool.
//
// Allocations stay valid until EndCycle (or Reset). Requests larger than a
// pool block get a dedicated allocation that is dropped at the end of the
// cycle.
//
// Arena is NOT safe for concurrent use.
type Arena struct {
	pool *BlockPool

	// blocks are the pool blocks borrowed this cycle; the last one is current.
	blocks [][]byte
	offset int

	// oversize holds dedicated allocations larger than a block.
	oversize [][]byte

	used   int
	cycles uint64
}

// New creates an arena borrowing from pool.
func New(pool *BlockPool) *Arena {
	return &Arena{pool: pool}
}

// Pool returns the pool the arena borrows from.
func (a *Arena) Pool() *BlockPool {
	return a.pool
}

// BeginCycle marks the start of a recording cycle.
func (a *Arena) BeginCycle() {
	a.cycles++
}

// EndCycle invalidates every allocation of the cycle and returns the
// borrowed blocks to the pool.
func (a *Arena) EndCycle() {
	a.Reset()
}

// Cycles returns the number of cycles begun on this arena.
func (a *Arena) Cycles() uint64 {
	return a.cycles
}

// Allocate returns n bytes valid until the end of the cycle.
// The memory is not zeroed.
//
// Returns a ResourceExhausted error if the pool cannot supply a block.
func (a *Arena) Allocate(n int) ([]byte, error) {
	if n < 0 {
		return nil, status.Newf(status.InvalidArgument, "negative arena allocation %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	size := alignUp(n)
	blockSize := a.pool.BlockSize()

	if size > blockSize {
		buf := make([]byte, n)
		a.oversize = append(a.oversize, buf)
		a.used += n
		return buf, nil
	}

	if len(a.blocks) == 0 || a.offset+size > blockSize {
		block, err := a.pool.Acquire()
		if err != nil {
			return nil, err
		}
		a.blocks = append(a.blocks, block)
		a.offset = 0
	}

	block := a.blocks[len(a.blocks)-1]
	buf := block[a.offset : a.offset+n : a.offset+n]
	a.offset += size
	a.used += n
	return buf, nil
}

// Reset invalidates every allocation and returns all blocks to the pool.
func (a *Arena) Reset() {
	for i, block := range a.blocks {
		a.pool.Release(block)
		a.blocks[i] = nil
	}
	a.blocks = a.blocks[:0]
	clear(a.oversize)
	a.oversize = a.oversize[:0]
	a.offset = 0
	a.used = 0
}

// Used returns the number of bytes handed out since the last reset.
func (a *Arena) Used() int {
	return a.used
}

// BlockCount returns the number of pool blocks currently borrowed.
func (a *Arena) BlockCount() int {
	return len(a.blocks)
}

// alignUp rounds n up to Alignment.
func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
