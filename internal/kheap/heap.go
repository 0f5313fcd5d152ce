// Package kheap is the kernel's kmalloc/kfree: a best-fit segment list over
// a fixed kernel virtual window. Pages of the window are backed with frames
// from the page allocator the first time a segment reaches them.
package kheap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

const (
	// Alignment of every returned address.
	Alignment = 16
	// headerSize is the space a segment header takes in front of its data.
	headerSize = 16
	// minSplit is the smallest remainder worth its own segment.
	minSplit = 2 * headerSize
)

var (
	ErrNoSpace = errors.New("kheap: no segment large enough")
	ErrBadFree = errors.New("kheap: free of an address not returned by Alloc")
)

// Backing supplies and maps the frames behind the heap window.
// *mm.Manager implements it.
type Backing interface {
	AllocPage() (mm.PhysAddr, error)
	FreePage(pa mm.PhysAddr) error
	MapKernelPage(va mm.VirtAddr, pa mm.PhysAddr, flags mm.Flags) error
}

// segment is one allocated or free stretch of the window, header included.
type segment struct {
	next, prev *segment
	addr       mm.VirtAddr
	size       uint32
	allocated  bool
}

func (s *segment) data() mm.VirtAddr { return s.addr + headerSize }

// Heap is not safe for concurrent use; the kernel calls it with IRQs masked.
type Heap struct {
	back   Backing
	log    *slog.Logger
	base   mm.VirtAddr
	size   uint32
	head   *segment
	live   map[mm.VirtAddr]*segment
	mapped map[mm.VirtAddr]mm.PhysAddr
}

// Stats describes the heap.
type Stats struct {
	Size        uint32
	Allocated   uint32 // bytes in allocated segments, headers included
	Free        uint32
	Segments    int
	Allocations int
	MappedPages int
}

// New creates a heap over [base, base+size). Nothing is mapped until the
// first allocation.
func New(back Backing, base mm.VirtAddr, size uint32, log *slog.Logger) (*Heap, error) {
	if uint32(base)%mm.PageSize != 0 || size%mm.PageSize != 0 || size == 0 {
		return nil, fmt.Errorf("kheap: window %s+0x%x not page aligned", base, size)
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("kheap: window %s+0x%x wraps", base, size)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Heap{
		back:   back,
		log:    log.With("component", "kheap"),
		base:   base,
		size:   size,
		head:   &segment{addr: base, size: size},
		live:   make(map[mm.VirtAddr]*segment),
		mapped: make(map[mm.VirtAddr]mm.PhysAddr),
	}
	h.log.Info("kheap: init", "base", base, "size", fmt.Sprintf("0x%x", size))
	return h, nil
}

// Alloc returns the address of size bytes, 16-byte aligned.
func (h *Heap) Alloc(size uint32) (mm.VirtAddr, error) {
	if size == 0 {
		size = 1
	}
	if size > h.size {
		return 0, fmt.Errorf("kheap: alloc %d: %w", size, ErrNoSpace)
	}
	total := (headerSize + size + Alignment - 1) &^ (Alignment - 1)

	var best *segment
	for s := h.head; s != nil; s = s.next {
		if s.allocated || s.size < total {
			continue
		}
		if best == nil || s.size < best.size {
			best = s
		}
	}
	if best == nil {
		return 0, fmt.Errorf("kheap: alloc %d: %w", size, ErrNoSpace)
	}

	used := best.size
	if best.size-total > minSplit {
		used = total
	}
	if err := h.touch(best.addr, used); err != nil {
		return 0, err
	}
	if used < best.size {
		rest := &segment{next: best.next, prev: best, addr: best.addr + mm.VirtAddr(used), size: best.size - used}
		if best.next != nil {
			best.next.prev = rest
		}
		best.next = rest
		best.size = used
	}
	best.allocated = true
	h.live[best.data()] = best
	return best.data(), nil
}

// touch backs every page of [va, va+n) that is not mapped yet.
func (h *Heap) touch(va mm.VirtAddr, n uint32) error {
	first := uint32(va) &^ (mm.PageSize - 1)
	end := uint64(va) + uint64(n)
	for page := uint64(first); page < end; page += mm.PageSize {
		pva := mm.VirtAddr(page)
		if _, ok := h.mapped[pva]; ok {
			continue
		}
		pa, err := h.back.AllocPage()
		if err != nil {
			return fmt.Errorf("kheap: back %s: %w", pva, err)
		}
		if err := h.back.MapKernelPage(pva, pa, mm.KernelData); err != nil {
			_ = h.back.FreePage(pa)
			return fmt.Errorf("kheap: map %s: %w", pva, err)
		}
		h.mapped[pva] = pa
		h.log.Debug("kheap: first touch", "va", pva, "pa", pa)
	}
	return nil
}

// Free releases an address returned by Alloc and merges it with free
// neighbours. Pages stay mapped.
func (h *Heap) Free(va mm.VirtAddr) error {
	s, ok := h.live[va]
	if !ok {
		return fmt.Errorf("kheap: free %s: %w", va, ErrBadFree)
	}
	delete(h.live, va)
	s.allocated = false

	for s.prev != nil && !s.prev.allocated {
		prev := s.prev
		prev.size += s.size
		prev.next = s.next
		if s.next != nil {
			s.next.prev = prev
		}
		s = prev
	}
	for s.next != nil && !s.next.allocated {
		next := s.next
		s.size += next.size
		s.next = next.next
		if next.next != nil {
			next.next.prev = s
		}
	}
	return nil
}

// Backed reports the frame behind heap page va, if it has been touched.
func (h *Heap) Backed(va mm.VirtAddr) (mm.PhysAddr, bool) {
	pa, ok := h.mapped[mm.VirtAddr(uint32(va)&^(mm.PageSize-1))]
	return pa, ok
}

func (h *Heap) Stats() Stats {
	st := Stats{Size: h.size, Allocations: len(h.live), MappedPages: len(h.mapped)}
	for s := h.head; s != nil; s = s.next {
		st.Segments++
		if s.allocated {
			st.Allocated += s.size
		} else {
			st.Free += s.size
		}
	}
	return st
}
