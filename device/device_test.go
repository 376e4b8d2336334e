package device

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestStaticLayout(t *testing.T) {
	l := NewStaticLayout(3, 2, 0, 4).DispatchLayout()

	if l.TotalBindingCount != 6 {
		t.Errorf("TotalBindingCount = %d, want 6", l.TotalBindingCount)
	}
	wantBase := []int{0, 2, 2}
	for i, s := range l.Sets {
		if s.BaseIndex != wantBase[i] {
			t.Errorf("Sets[%d].BaseIndex = %d, want %d", i, s.BaseIndex, wantBase[i])
		}
	}
	if l.PushConstantBaseIndex != 6 {
		t.Errorf("PushConstantBaseIndex = %d, want 6", l.PushConstantBaseIndex)
	}
	if l.ArgumentCount() != 9 {
		t.Errorf("ArgumentCount() = %d, want 9", l.ArgumentCount())
	}
}

func TestKernelParams_TablePointsAtPayload(t *testing.T) {
	storage := make([]byte, StorageSize(3))
	for i := range storage {
		storage[i] = 0xEE
	}

	p, err := NewKernelParams(storage, 3)
	if err != nil {
		t.Fatalf("NewKernelParams() error = %v", err)
	}

	for i := range 3 {
		off := binary.LittleEndian.Uint64(storage[i*SlotSize:])
		if want := uint64(3*SlotSize + i*SlotSize); off != want {
			t.Errorf("table[%d] = %d, want %d", i, off, want)
		}
		if p.Pointer(i) != NullPtr {
			t.Errorf("payload[%d] not zeroed", i)
		}
	}
}

func TestKernelParams_Values(t *testing.T) {
	p, err := NewKernelParams(make([]byte, StorageSize(2)), 2)
	if err != nil {
		t.Fatalf("NewKernelParams() error = %v", err)
	}

	p.SetPointer(0, 0x1000_0040)
	p.SetUint32(1, 0xCAFEBABE)

	if p.Pointer(0) != 0x1000_0040 {
		t.Errorf("Pointer(0) = %v, want 0x10000040", p.Pointer(0))
	}
	if p.Uint32(1) != 0xCAFEBABE {
		t.Errorf("Uint32(1) = %#x, want 0xcafebabe", p.Uint32(1))
	}
	// The high half of a push-constant slot stays zero.
	if p.Pointer(1) != 0xCAFEBABE {
		t.Errorf("Pointer(1) = %v, want 0xcafebabe", p.Pointer(1))
	}
}

func TestKernelParams_ShortStorage(t *testing.T) {
	if _, err := NewKernelParams(make([]byte, 8), 2); err == nil {
		t.Error("NewKernelParams() with short storage should fail")
	}
}

func TestAddressAndDim3(t *testing.T) {
	if got := DevicePtr(0x100).Add(0x20); got != 0x120 {
		t.Errorf("Add() = %v, want 0x120", got)
	}
	if got := (Dim3{X: 2, Y: 3, Z: 4}).Count(); got != 24 {
		t.Errorf("Count() = %d, want 24", got)
	}
	huge := Dim3{X: math.MaxUint32, Y: math.MaxUint32, Z: math.MaxUint32}
	if got := huge.Count(); got != math.MaxUint64 {
		t.Errorf("Count() of %v = %d, want saturation at MaxUint64", huge, got)
	}
	wide := Dim3{X: math.MaxUint32, Y: math.MaxUint32, Z: 1}
	if got, want := wide.Count(), uint64(math.MaxUint32)*math.MaxUint32; got != want {
		t.Errorf("Count() of %v = %d, want %d", wide, got, want)
	}
}
