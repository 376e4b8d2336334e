package kernelcache

import (
	"errors"
	"testing"

	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/status"
)

type fn string

func (f fn) Name() string { return string(f) }

// countingExecutable resolves entry points below n and counts lookups.
type countingExecutable struct {
	n       int32
	lookups int
}

func (e *countingExecutable) Retain()  {}
func (e *countingExecutable) Release() {}

func (e *countingExecutable) KernelInfo(entryPoint int32) (device.KernelInfo, error) {
	e.lookups++
	if entryPoint < 0 || entryPoint >= e.n {
		return device.KernelInfo{}, status.Newf(status.NotFound, "entry point %d", entryPoint)
	}
	return device.KernelInfo{
		Function:  fn("main"),
		BlockSize: device.Dim3{X: 64, Y: 1, Z: 1},
		Layout:    device.NewStaticLayout(0, 1),
	}, nil
}

func TestCache_HitAvoidsLookup(t *testing.T) {
	c := New(8)
	exe := &countingExecutable{n: 2}

	for range 3 {
		info, err := c.Lookup(exe, 1)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if info.BlockSize.X != 64 {
			t.Errorf("BlockSize.X = %d, want 64", info.BlockSize.X)
		}
	}

	if exe.lookups != 1 {
		t.Errorf("executable consulted %d times, want 1", exe.lookups)
	}
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 2 hits 1 miss", stats)
	}
}

func TestCache_ErrorsNotCached(t *testing.T) {
	c := New(8)
	exe := &countingExecutable{n: 1}

	for range 2 {
		if _, err := c.Lookup(exe, 5); !errors.Is(err, status.ErrNotFound) {
			t.Fatalf("Lookup(missing) error = %v, want NotFound", err)
		}
	}
	if exe.lookups != 2 {
		t.Errorf("executable consulted %d times, want 2", exe.lookups)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	exe := &countingExecutable{n: 3}

	mustLookup := func(ep int32) {
		t.Helper()
		if _, err := c.Lookup(exe, ep); err != nil {
			t.Fatalf("Lookup(%d) error = %v", ep, err)
		}
	}

	mustLookup(0)
	mustLookup(1)
	mustLookup(0) // 1 becomes oldest
	mustLookup(2) // evicts 1

	before := exe.lookups
	mustLookup(0)
	if exe.lookups != before {
		t.Error("entry 0 was evicted, want entry 1 evicted")
	}
	mustLookup(1)
	if exe.lookups != before+1 {
		t.Error("entry 1 still cached after eviction")
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("Evictions = %d, want 2", got)
	}
}

func TestCache_Forget(t *testing.T) {
	c := New(8)
	a := &countingExecutable{n: 2}
	b := &countingExecutable{n: 2}

	_, _ = c.Lookup(a, 0)
	_, _ = c.Lookup(a, 1)
	_, _ = c.Lookup(b, 0)

	c.Forget(a)

	if c.Len() != 1 {
		t.Errorf("Len() after Forget = %d, want 1", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
}
