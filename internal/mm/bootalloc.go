package mm

import (
	"log/slog"

	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

// bootRegion is a bump allocator for the tables built before the page
// allocator exists. It sits directly after the kernel image, is zeroed as it
// is handed out, and is never freed; the page allocator later reserves it.
type bootRegion struct {
	base PhysAddr
	size uint32
	off  uint32
	mem  hal.PhysMem
	log  *slog.Logger
}

// alloc returns n zeroed bytes aligned to align. Overflow halts: the region
// is sized from the platform before anything is built.
func (b *bootRegion) alloc(n, align uint32) PhysAddr {
	off := alignUp(uint32(b.base)+b.off, align) - uint32(b.base)
	if off+n > b.size {
		halt(b.log, "mmu", "boot table region overflow (0x%x of 0x%x used)", b.off, b.size)
	}
	pa := b.base + PhysAddr(off)
	b.mem.Zero(uint32(pa), n)
	b.off = off + n
	return pa
}

func (b *bootRegion) page() (PhysAddr, error) {
	return b.alloc(PageSize, PageSize), nil
}

func (b *bootRegion) end() PhysAddr { return b.base + PhysAddr(b.size) }

// used and remaining mirror the allocator stats for boot diagnostics.
func (b *bootRegion) used() uint32      { return b.off }
func (b *bootRegion) remaining() uint32 { return b.size - b.off }
