package mm

import (
	"fmt"
	"log/slog"

	"github.com/Code-Allergy/kernel-project-sub000/bitfield"
	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

// PageFrame is the metadata for one 4KB physical frame.
type PageFrame struct {
	addr  PhysAddr
	flags uint32 // packed bitfield.FrameFlags
	next  int32  // free list, -1 terminates
	prev  int32
}

// FrameState is the allocation state of a frame.
type FrameState uint8

const (
	FrameFree FrameState = iota
	FrameUsed
	FrameReserved
)

func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameUsed:
		return "used"
	default:
		return "reserved"
	}
}

var (
	flagsFree     = packFrameFlags(bitfield.FrameFlags{})
	flagsUsed     = packFrameFlags(bitfield.FrameFlags{Used: true})
	flagsReserved = packFrameFlags(bitfield.FrameFlags{Reserved: true})
)

func packFrameFlags(f bitfield.FrameFlags) uint32 {
	return mustPack(bitfield.PackFrameFlags(f))
}

const nilFrame = -1

// Stats is a snapshot of the allocator counters.
type Stats struct {
	Total    uint32
	Free     uint32
	Reserved uint32
	Used     uint32
}

// PageAllocator hands out 4KB frames from one contiguous DRAM window.
// Free frames sit on an intrusive doubly linked list threaded through the
// frame records; allocation pops the head.
type PageAllocator struct {
	base     PhysAddr
	frames   []PageFrame
	head     int32
	free     uint32
	reserved uint32

	guard hal.IRQState
	log   *slog.Logger
}

// NewPageAllocator returns an uninitialized allocator.
func NewPageAllocator(log *slog.Logger) *PageAllocator {
	return &PageAllocator{head: nilFrame, log: orDiscard(log).With("component", "pmm")}
}

// SetIRQGuard makes every mutation halt unless IRQs are masked.
func (p *PageAllocator) SetIRQGuard(s hal.IRQState) { p.guard = s }

func (p *PageAllocator) assertMasked(op string) {
	if p.guard != nil && p.guard.InterruptsEnabled() {
		halt(p.log, "pmm", "%s with interrupts enabled", op)
	}
}

// Init carves [dramBase, dramBase+dramSize) into frames. Everything below
// reservedEnd is reserved and never handed out.
func (p *PageAllocator) Init(dramBase PhysAddr, dramSize uint32, reservedEnd PhysAddr) error {
	if p.frames != nil {
		return fmt.Errorf("pmm: %w", ErrAlreadyInitialized)
	}
	if !pageAligned(uint32(dramBase)) || !pageAligned(dramSize) || dramSize == 0 {
		return fmt.Errorf("pmm: DRAM window %s+0x%x is not page aligned", dramBase, dramSize)
	}
	end := uint64(dramBase) + uint64(dramSize)
	if end > 1<<32 {
		return fmt.Errorf("pmm: DRAM window %s+0x%x exceeds 4GB", dramBase, dramSize)
	}
	if reservedEnd < dramBase || uint64(reservedEnd) > end {
		return fmt.Errorf("pmm: reserved end %s outside DRAM window", reservedEnd)
	}

	n := dramSize / PageSize
	p.base = dramBase
	p.frames = make([]PageFrame, n)
	p.head = nilFrame
	p.free, p.reserved = 0, 0

	firstFree := int32(alignUp(uint32(reservedEnd-dramBase), PageSize) / PageSize)
	for i := int32(0); i < int32(n); i++ {
		f := &p.frames[i]
		f.addr = dramBase + PhysAddr(uint32(i)*PageSize)
		f.next, f.prev = nilFrame, nilFrame
		if i < firstFree {
			f.flags = flagsReserved
			p.reserved++
		}
	}
	// Push highest first so the list hands out ascending addresses.
	for i := int32(n) - 1; i >= firstFree; i-- {
		p.frames[i].flags = flagsFree
		p.push(i)
	}

	p.log.Info("pmm: init",
		"base", dramBase, "size", fmt.Sprintf("0x%x", dramSize),
		"total", n, "reserved", p.reserved, "free", p.free)
	return nil
}

func (p *PageAllocator) push(i int32) {
	f := &p.frames[i]
	f.prev = nilFrame
	f.next = p.head
	if p.head != nilFrame {
		p.frames[p.head].prev = i
	}
	p.head = i
	p.free++
}

func (p *PageAllocator) unlink(i int32) {
	f := &p.frames[i]
	if f.prev != nilFrame {
		p.frames[f.prev].next = f.next
	} else {
		p.head = f.next
	}
	if f.next != nilFrame {
		p.frames[f.next].prev = f.prev
	}
	f.next, f.prev = nilFrame, nilFrame
	p.free--
}

func (p *PageAllocator) index(addr PhysAddr) (int32, bool) {
	if addr < p.base || !pageAligned(uint32(addr)) {
		return 0, false
	}
	i := uint32(addr-p.base) / PageSize
	if i >= uint32(len(p.frames)) {
		return 0, false
	}
	return int32(i), true
}

// AllocPage pops one frame off the free list.
func (p *PageAllocator) AllocPage() (PhysAddr, error) {
	p.assertMasked("alloc")
	if p.frames == nil {
		return 0, fmt.Errorf("pmm: %w", ErrNotInitialized)
	}
	if p.head == nilFrame {
		return 0, ErrOutOfMemory
	}
	i := p.head
	p.unlink(i)
	p.frames[i].flags = flagsUsed
	return p.frames[i].addr, nil
}

// AllocAlignedPages returns count contiguous frames starting on a 16KB
// boundary, the shape of an L1 table.
func (p *PageAllocator) AllocAlignedPages(count uint32) (PhysAddr, error) {
	return p.AllocRun(count, L1TableAlign)
}

// AllocRun returns count contiguous free frames whose first address is a
// multiple of align. The free list is scanned for a suitable start; it is
// never compacted, so fragmentation can fail a request that total free
// memory could satisfy.
func (p *PageAllocator) AllocRun(count, align uint32) (PhysAddr, error) {
	p.assertMasked("alloc run")
	if p.frames == nil {
		return 0, fmt.Errorf("pmm: %w", ErrNotInitialized)
	}
	if count == 0 || align < PageSize || align&(align-1) != 0 {
		return 0, fmt.Errorf("pmm: bad run request count=%d align=0x%x", count, align)
	}
	if p.free < count {
		return 0, ErrOutOfMemory
	}

	for i := p.head; i != nilFrame; i = p.frames[i].next {
		if uint32(p.frames[i].addr)&(align-1) != 0 {
			continue
		}
		if !p.runFree(i, count) {
			continue
		}
		for j := i; j < i+int32(count); j++ {
			p.unlink(j)
			p.frames[j].flags = flagsUsed
		}
		return p.frames[i].addr, nil
	}
	return 0, ErrNoAlignedRun
}

func (p *PageAllocator) runFree(start int32, count uint32) bool {
	if uint32(start)+count > uint32(len(p.frames)) {
		return false
	}
	for j := start; j < start+int32(count); j++ {
		if p.frames[j].flags != flagsFree {
			return false
		}
	}
	return true
}

// FreePage returns a frame to the free list. Frees of reserved, foreign
// or already free frames are refused so they cannot corrupt the list.
func (p *PageAllocator) FreePage(addr PhysAddr) error {
	p.assertMasked("free")
	i, err := p.checkUsed(addr)
	if err != nil {
		return err
	}
	p.frames[i].flags = flagsFree
	p.push(i)
	return nil
}

func (p *PageAllocator) checkUsed(addr PhysAddr) (int32, error) {
	i, ok := p.index(addr)
	if !ok {
		return 0, fmt.Errorf("pmm: free %s: %w", addr, ErrBadFrame)
	}
	switch p.frames[i].flags {
	case flagsUsed:
		return i, nil
	case flagsFree:
		return 0, fmt.Errorf("pmm: free %s: %w", addr, ErrDoubleFree)
	default:
		return 0, fmt.Errorf("pmm: free reserved %s: %w", addr, ErrBadFrame)
	}
}

// FreeAlignedPages undoes AllocAlignedPages/AllocRun. Nothing is freed
// unless every frame of the run is currently allocated.
func (p *PageAllocator) FreeAlignedPages(addr PhysAddr, count uint32) error {
	p.assertMasked("free run")
	for k := uint32(0); k < count; k++ {
		if _, err := p.checkUsed(addr + PhysAddr(k*PageSize)); err != nil {
			return err
		}
	}
	for k := uint32(0); k < count; k++ {
		i, _ := p.index(addr + PhysAddr(k*PageSize))
		p.frames[i].flags = flagsFree
		p.push(i)
	}
	return nil
}

// Stats returns the current counters.
func (p *PageAllocator) Stats() Stats {
	total := uint32(len(p.frames))
	return Stats{
		Total:    total,
		Free:     p.free,
		Reserved: p.reserved,
		Used:     total - p.free - p.reserved,
	}
}

// State reports the state of the frame containing addr.
func (p *PageAllocator) State(addr PhysAddr) (FrameState, bool) {
	i, ok := p.index(PhysAddr(uint32(addr) &^ (PageSize - 1)))
	if !ok {
		return 0, false
	}
	return frameState(p.frames[i].flags), true
}

func frameState(flags uint32) FrameState {
	f := bitfield.UnpackFrameFlags(flags)
	switch {
	case f.Reserved:
		return FrameReserved
	case f.Used:
		return FrameUsed
	default:
		return FrameFree
	}
}

// ForEachFrame calls fn for every frame in address order.
func (p *PageAllocator) ForEachFrame(fn func(addr PhysAddr, s FrameState)) {
	for i := range p.frames {
		fn(p.frames[i].addr, frameState(p.frames[i].flags))
	}
}

// Range is the managed DRAM window.
func (p *PageAllocator) Range() (PhysAddr, uint32) {
	return p.base, uint32(len(p.frames)) * PageSize
}

// CheckInvariants walks the free list and cross-checks the counters.
func (p *PageAllocator) CheckInvariants() error {
	s := p.Stats()
	if s.Free+s.Reserved > s.Total {
		return fmt.Errorf("pmm: free %d + reserved %d > total %d", s.Free, s.Reserved, s.Total)
	}
	var n uint32
	prev := int32(nilFrame)
	for i := p.head; i != nilFrame; i = p.frames[i].next {
		f := &p.frames[i]
		if f.flags != flagsFree {
			return fmt.Errorf("pmm: frame %s on free list is %s", f.addr, frameState(f.flags))
		}
		if f.prev != prev {
			return fmt.Errorf("pmm: frame %s has broken back link", f.addr)
		}
		prev = i
		n++
		if n > s.Total {
			return fmt.Errorf("pmm: free list cycle")
		}
	}
	if n != s.Free {
		return fmt.Errorf("pmm: free list holds %d frames, counter says %d", n, s.Free)
	}
	return nil
}
