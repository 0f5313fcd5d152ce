package mm

import (
	"fmt"
	"log/slog"

	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

// Options configures a Manager.
type Options struct {
	Platform Platform
	// KernelEnd is the first physical address after the kernel image. The
	// boot table region starts at the next 16KB boundary.
	KernelEnd PhysAddr
	// DRAMBase and DRAMSize override the platform window when DRAMSize is
	// non-zero.
	DRAMBase PhysAddr
	DRAMSize uint32
	Strategy Strategy
	// ReclaimASIDs returns an ASID to the pool when its space is destroyed.
	// Otherwise ASIDs are only recovered by rollover.
	ReclaimASIDs bool
	Logger       *slog.Logger
}

// Manager is the kernel memory manager: one page allocator, one table
// manager and one ASID pool, constructed once at boot and handed to the
// subsystems that need memory.
type Manager struct {
	cpu  hal.CPU
	mem  hal.PhysMem
	opts Options
	log  *slog.Logger

	pages  *PageAllocator
	tables *PageTableManager
	asids  *ASIDAllocator

	spaces  map[*AddressSpace]struct{}
	current *AddressSpace
	booted  bool
}

// NewManager wires the subsystem to a CPU and physical memory. Call Boot
// before anything else.
func NewManager(cpu hal.CPU, mem hal.PhysMem, opts Options) (*Manager, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("mm: no platform")
	}
	if opts.DRAMSize == 0 {
		opts.DRAMBase, opts.DRAMSize = opts.Platform.DRAM()
	}
	log := orDiscard(opts.Logger)
	m := &Manager{
		cpu:    cpu,
		mem:    mem,
		opts:   opts,
		log:    log.With("component", "vm"),
		pages:  NewPageAllocator(log),
		spaces: make(map[*AddressSpace]struct{}),
	}
	m.tables = NewPageTableManager(cpu, mem, TableConfig{
		Platform: opts.Platform,
		Strategy: opts.Strategy,
		BootBase: opts.KernelEnd,
		Logger:   log,
	})
	m.asids = NewASIDAllocator(m.tables.FlushTLB, log)
	return m, nil
}

// Boot runs the bootstrap sequence: kernel table, page allocator over the
// DRAM above the boot tables, MMU on.
func (m *Manager) Boot() error {
	defer m.enterCritical()()
	if m.booted {
		return fmt.Errorf("mm: boot: %w", ErrAlreadyInitialized)
	}

	if err := m.tables.Init(); err != nil {
		return err
	}
	_, bootEnd := m.tables.BootRegion()
	if err := m.pages.Init(m.opts.DRAMBase, m.opts.DRAMSize, bootEnd); err != nil {
		return err
	}
	m.pages.SetIRQGuard(m.cpu)
	m.tables.SetIRQGuard(m.cpu)
	m.asids.SetIRQGuard(m.cpu)
	m.tables.AttachAllocator(m.pages)
	if err := m.tables.Enable(); err != nil {
		return err
	}
	m.booted = true

	s := m.pages.Stats()
	m.log.Info("vm: boot complete", "platform", m.opts.Platform.Name(),
		"strategy", m.opts.Strategy.String(), "free_pages", s.Free, "reserved_pages", s.Reserved)
	return nil
}

// enterCritical masks IRQs and returns the function that restores them.
// Nesting is safe: only the outermost exit unmasks.
func (m *Manager) enterCritical() func() {
	was := m.cpu.DisableInterrupts()
	return func() { m.cpu.RestoreInterrupts(was) }
}

func (m *Manager) halt(format string, args ...any) {
	halt(m.log, "vm", format, args...)
}

// Pages exposes the page allocator for diagnostics.
func (m *Manager) Pages() *PageAllocator { return m.pages }

// Tables exposes the table manager (the MMU driver table).
func (m *Manager) Tables() *PageTableManager { return m.tables }

// ASIDs exposes the ASID pool for diagnostics.
func (m *Manager) ASIDs() *ASIDAllocator { return m.asids }

// Platform is the board the manager was built for.
func (m *Manager) Platform() Platform { return m.opts.Platform }

// Current is the installed address space, nil when the kernel table is.
func (m *Manager) Current() *AddressSpace { return m.current }

// Spaces is the number of live address spaces.
func (m *Manager) Spaces() int { return len(m.spaces) }

// AllocPage returns a zeroed frame.
func (m *Manager) AllocPage() (PhysAddr, error) {
	defer m.enterCritical()()
	pa, err := m.pages.AllocPage()
	if err != nil {
		return 0, err
	}
	m.mem.Zero(uint32(pa), PageSize)
	return pa, nil
}

// FreePage returns a frame from AllocPage.
func (m *Manager) FreePage(pa PhysAddr) error {
	defer m.enterCritical()()
	return m.pages.FreePage(pa)
}

// MapKernelPage maps va to pa in the kernel table.
func (m *Manager) MapKernelPage(va VirtAddr, pa PhysAddr, flags Flags) error {
	defer m.enterCritical()()
	return m.tables.MapPage(nil, va, pa, flags)
}

// UnmapKernelPage removes a kernel mapping made with MapKernelPage.
func (m *Manager) UnmapKernelPage(va VirtAddr) error {
	defer m.enterCritical()()
	return m.tables.UnmapPage(nil, va)
}

// CreateAddressSpace allocates a 16KB L1 table, installs the kernel's
// shared slots and assigns an ASID.
func (m *Manager) CreateAddressSpace() (*AddressSpace, error) {
	defer m.enterCritical()()
	if !m.booted {
		return nil, fmt.Errorf("vm: create: %w", ErrNotInitialized)
	}

	l1, err := m.pages.AllocAlignedPages(L1TablePages)
	if err != nil {
		return nil, fmt.Errorf("vm: L1 table: %w", err)
	}
	t, err := m.tables.NewTable(l1)
	if err != nil {
		_ = m.pages.FreeAlignedPages(l1, L1TablePages)
		return nil, err
	}
	asid, gen := m.asids.Acquire()
	s := &AddressSpace{m: m, table: t, asid: asid, gen: gen, owned: make(map[VirtAddr]PhysAddr)}
	m.spaces[s] = struct{}{}
	m.log.Debug("vm: create", "l1", l1, "asid", asid, "generation", gen)
	return s, nil
}

// Fork creates a copy of parent. Pages parent owns are copied into fresh
// frames with the same flags; other user mappings (shared frames) are
// mapped to the same physical page.
func (m *Manager) Fork(parent *AddressSpace) (*AddressSpace, error) {
	defer m.enterCritical()()
	if parent.dead {
		return nil, fmt.Errorf("vm: fork: %w", ErrSpaceDestroyed)
	}
	child, err := m.CreateAddressSpace()
	if err != nil {
		return nil, err
	}

	var ferr error
	buf := make([]byte, PageSize)
	m.tables.Walk(parent.table, func(mp Mapping) bool {
		if !mp.Private {
			return true
		}
		if _, ok := parent.owned[mp.VA]; !ok {
			ferr = m.tables.MapPage(child.table, mp.VA, mp.PA, mp.Flags)
			return ferr == nil
		}
		var pa PhysAddr
		if pa, ferr = m.pages.AllocPage(); ferr != nil {
			return false
		}
		m.mem.ReadBytes(uint32(mp.PA), buf)
		m.mem.WriteBytes(uint32(pa), buf)
		if ferr = m.tables.MapPage(child.table, mp.VA, pa, mp.Flags); ferr != nil {
			_ = m.pages.FreePage(pa)
			return false
		}
		child.owned[mp.VA] = pa
		return true
	})
	if ferr != nil {
		if err := m.Destroy(child); err != nil {
			m.log.Error("vm: fork cleanup", "err", err)
		}
		return nil, fmt.Errorf("vm: fork: %w", ferr)
	}
	m.log.Debug("vm: fork", "parent_asid", parent.asid, "child_asid", child.asid, "pages", len(child.owned))
	return child, nil
}

// Activate installs s. An ASID from an older generation is replaced first.
func (m *Manager) Activate(s *AddressSpace) error {
	defer m.enterCritical()()
	if s.dead {
		return fmt.Errorf("vm: activate: %w", ErrSpaceDestroyed)
	}
	if !m.asids.Current(s.asid, s.gen) {
		old := s.asid
		s.asid, s.gen = m.asids.Acquire()
		m.log.Debug("vm: asid refresh", "old", old, "new", s.asid, "generation", s.gen)
	}
	m.tables.SetL1WithASID(s.table, s.asid)
	m.current = s
	return nil
}

// ActivateKernel installs the kernel table with the reserved ASID.
func (m *Manager) ActivateKernel() {
	defer m.enterCritical()()
	m.tables.SetL1Table(nil)
	m.current = nil
}

// Destroy frees everything s owns: its pages, its L2 tables and its L1
// table. A destroyed space that is still installed is switched out first.
func (m *Manager) Destroy(s *AddressSpace) error {
	defer m.enterCritical()()
	if s.dead {
		return fmt.Errorf("vm: destroy: %w", ErrSpaceDestroyed)
	}
	if m.current == s {
		m.ActivateKernel()
	}

	for va, pa := range s.owned {
		if err := m.pages.FreePage(pa); err != nil {
			m.halt("destroy: owned page %s at %s: %v", pa, va, err)
		}
	}
	s.owned = nil
	if err := m.tables.ReleaseTable(s.table); err != nil {
		m.halt("destroy: L2 tables: %v", err)
	}
	if err := m.pages.FreeAlignedPages(s.table.l1, L1TablePages); err != nil {
		m.halt("destroy: L1 table: %v", err)
	}

	if m.opts.ReclaimASIDs && m.asids.Current(s.asid, s.gen) {
		m.cpu.InvalidateTLBASID(uint8(s.asid))
		m.cpu.DSB()
		m.asids.Release(s.asid, s.gen)
	}
	s.dead = true
	delete(m.spaces, s)
	m.log.Debug("vm: destroy", "l1", s.table.l1, "asid", s.asid)
	return nil
}
