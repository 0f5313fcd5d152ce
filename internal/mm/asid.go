package mm

import (
	"log/slog"
	"math/bits"

	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

// ASIDAllocator hands out the 255 usable ASIDs from a 256-bit bitmap.
//
// When the bitmap is full, Acquire flushes the whole TLB, clears the bitmap
// and bumps the generation. An ASID is only meaningful together with the
// generation it was acquired in: holders of an older generation must
// re-acquire before they run again.
type ASIDAllocator struct {
	bitmap     [4]uint64
	next       uint32
	generation uint32
	flush      func()
	guard      hal.IRQState
	log        *slog.Logger
}

// NewASIDAllocator returns an allocator with ASID 0 reserved. flush must
// invalidate the entire TLB.
func NewASIDAllocator(flush func(), log *slog.Logger) *ASIDAllocator {
	a := &ASIDAllocator{next: 1, flush: flush, log: orDiscard(log).With("component", "asid")}
	a.bitmap[0] = 1
	return a
}

// SetIRQGuard makes acquire and release halt unless IRQs are masked.
func (a *ASIDAllocator) SetIRQGuard(s hal.IRQState) { a.guard = s }

func (a *ASIDAllocator) assertMasked(op string) {
	if a.guard != nil && a.guard.InterruptsEnabled() {
		halt(a.log, "asid", "%s with interrupts enabled", op)
	}
}

func (a *ASIDAllocator) test(id uint32) bool { return a.bitmap[id/64]&(1<<(id%64)) != 0 }
func (a *ASIDAllocator) set(id uint32)       { a.bitmap[id/64] |= 1 << (id % 64) }
func (a *ASIDAllocator) clr(id uint32)       { a.bitmap[id/64] &^= 1 << (id % 64) }

// TryAcquire returns a free ASID of the current generation, or
// ErrASIDExhausted without touching the TLB.
func (a *ASIDAllocator) TryAcquire() (ASID, error) {
	a.assertMasked("acquire")
	for n := uint32(0); n < 255; n++ {
		id := (a.next-1+n)%255 + 1
		if !a.test(id) {
			a.set(id)
			a.next = id%255 + 1
			return ASID(id), nil
		}
	}
	return 0, ErrASIDExhausted
}

// Acquire always succeeds, rolling over to a new generation when needed.
func (a *ASIDAllocator) Acquire() (ASID, uint32) {
	id, err := a.TryAcquire()
	if err == nil {
		return id, a.generation
	}
	a.rollover()
	id, _ = a.TryAcquire()
	return id, a.generation
}

func (a *ASIDAllocator) rollover() {
	a.flush()
	a.bitmap = [4]uint64{1}
	a.next = 1
	a.generation++
	a.log.Info("asid: rollover", "generation", a.generation)
}

// Release returns id to the pool. Releases from an older generation are
// ignored; the rollover already reclaimed them.
func (a *ASIDAllocator) Release(id ASID, generation uint32) {
	a.assertMasked("release")
	if id == 0 || generation != a.generation {
		return
	}
	a.clr(uint32(id))
}

// Current reports whether id is still valid for generation.
func (a *ASIDAllocator) Current(id ASID, generation uint32) bool {
	return generation == a.generation && id != 0 && a.test(uint32(id))
}

// Generation is the current rollover count.
func (a *ASIDAllocator) Generation() uint32 { return a.generation }

// InUse counts allocated ASIDs, not counting the reserved one.
func (a *ASIDAllocator) InUse() int {
	n := 0
	for _, w := range a.bitmap {
		n += bits.OnesCount64(w)
	}
	return n - 1
}
