package mm

import (
	"errors"
	"testing"
)

func TestASIDAllocatorNeverHandsOutZero(t *testing.T) {
	a := NewASIDAllocator(func() {}, nil)
	seen := make(map[ASID]bool)
	for i := 0; i < 255; i++ {
		id, err := a.TryAcquire()
		if err != nil {
			t.Fatalf("TryAcquire %d: %v", i, err)
		}
		if id == 0 || seen[id] {
			t.Fatalf("TryAcquire %d = %d (seen %v)", i, id, seen[id])
		}
		seen[id] = true
	}
	if a.InUse() != 255 {
		t.Errorf("InUse = %d", a.InUse())
	}
	if _, err := a.TryAcquire(); !errors.Is(err, ErrASIDExhausted) {
		t.Errorf("err = %v, want ErrASIDExhausted", err)
	}
}

func TestASIDRolloverFlushes(t *testing.T) {
	flushes := 0
	a := NewASIDAllocator(func() { flushes++ }, nil)
	for i := 0; i < 255; i++ {
		a.Acquire()
	}
	if flushes != 0 || a.Generation() != 0 {
		t.Fatalf("flushes = %d, generation = %d before exhaustion", flushes, a.Generation())
	}

	id, gen := a.Acquire()
	if flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
	if id != 1 || gen != 1 {
		t.Errorf("Acquire after rollover = (%d, %d), want (1, 1)", id, gen)
	}
	if a.Current(5, 0) {
		t.Error("generation 0 ASID still current")
	}
	if a.InUse() != 1 {
		t.Errorf("InUse = %d, want 1", a.InUse())
	}
}

func TestASIDRelease(t *testing.T) {
	a := NewASIDAllocator(func() {}, nil)
	id, gen := a.Acquire()
	if !a.Current(id, gen) {
		t.Fatal("fresh ASID not current")
	}
	a.Release(id, gen)
	if a.Current(id, gen) {
		t.Error("released ASID still current")
	}

	// A release from an older generation must not free the new owner.
	old, oldGen := a.Acquire()
	for i := 0; i < 300; i++ {
		a.Acquire()
	}
	newID, newGen := a.Acquire()
	for newID != old {
		newID, newGen = a.Acquire()
	}
	a.Release(old, oldGen)
	if !a.Current(newID, newGen) {
		t.Error("stale release freed a current ASID")
	}
}

func TestASIDReleaseReservedIsIgnored(t *testing.T) {
	a := NewASIDAllocator(func() {}, nil)
	a.Release(0, 0)
	if a.InUse() != 0 {
		t.Errorf("InUse = %d", a.InUse())
	}
	if id, _ := a.Acquire(); id == 0 {
		t.Error("ASID 0 handed out")
	}
}
