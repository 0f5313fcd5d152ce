package mm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

// MMU is the driver table the rest of the kernel programs against. A nil
// *Table always means the kernel table.
type MMU interface {
	Init() error
	Enable() error
	MapPage(t *Table, va VirtAddr, pa PhysAddr, flags Flags) error
	UnmapPage(t *Table, va VirtAddr) error
	GetPhysicalAddress(t *Table, va VirtAddr) (PhysAddr, error)
	FlushTLB()
	SetL1Table(t *Table)
	SetL1WithASID(t *Table, asid ASID)
	MapHardwarePages() error
}

var _ MMU = (*PageTableManager)(nil)

// Strategy decides how kernel mappings become visible inside process tables.
type Strategy int

const (
	// StrategySplit runs the kernel table from TTBR1 and process tables
	// from TTBR0, with the platform's TTBCR boundary between them.
	StrategySplit Strategy = iota
	// StrategyCopy uses TTBR0 only and copies the kernel's upper L1 entries
	// into every process table.
	StrategyCopy
)

func (s Strategy) String() string {
	if s == StrategyCopy {
		return "copy"
	}
	return "split"
}

// ParseStrategy accepts "split" or "copy".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "split":
		return StrategySplit, nil
	case "copy":
		return StrategyCopy, nil
	}
	return 0, fmt.Errorf("unknown kernel mapping strategy %q", s)
}

// Table is one L1 translation table and the L2 tables it owns.
type Table struct {
	l1     PhysAddr
	kernel bool
	asid   ASID // ASID the table was last installed with
	l2     l2Pool
}

// L1 is the physical base of the 16KB L1 table.
func (t *Table) L1() PhysAddr { return t.l1 }

// Kernel reports whether t is the kernel table.
func (t *Table) Kernel() bool { return t.kernel }

// L2Tables is the number of L2 tables t owns.
func (t *Table) L2Tables() int { return t.l2.tables() }

type tableState int

const (
	stateUninitialized tableState = iota
	stateBootstrapped
	stateEnabled
)

func (s tableState) String() string {
	return [...]string{"uninitialized", "bootstrapped", "enabled"}[s]
}

// TableConfig configures a PageTableManager.
type TableConfig struct {
	Platform Platform
	Strategy Strategy
	// BootBase is where the boot table region starts. It is rounded up to
	// 16KB.
	BootBase PhysAddr
	Logger   *slog.Logger
}

// PageTableManager owns the kernel table and edits every other table.
type PageTableManager struct {
	cpu      hal.CPU
	mem      hal.PhysMem
	plat     Platform
	strategy Strategy
	log      *slog.Logger

	state  tableState
	boot   bootRegion
	pages  *PageAllocator
	guard  hal.IRQState
	kernel *Table
	active *Table

	// globalLow are kernel L1 slots below the user boundary that every
	// process table shares (MMIO windows).
	globalLow map[uint32]bool
	userTabs  map[*Table]struct{}
}

// NewPageTableManager sizes the boot region for cfg.Platform. Nothing is
// written until Init.
func NewPageTableManager(cpu hal.CPU, mem hal.PhysMem, cfg TableConfig) *PageTableManager {
	log := orDiscard(cfg.Logger).With("component", "mmu")
	base := PhysAddr(alignUp(uint32(cfg.BootBase), L1TableAlign))
	return &PageTableManager{
		cpu:       cpu,
		mem:       mem,
		plat:      cfg.Platform,
		strategy:  cfg.Strategy,
		log:       log,
		boot:      bootRegion{base: base, size: bootRegionSize(cfg.Platform), mem: mem, log: log},
		globalLow: make(map[uint32]bool),
		userTabs:  make(map[*Table]struct{}),
	}
}

// bootRegionSize covers the kernel L1, the identity L2 tables when the
// platform needs them, and one L2 frame per device window.
func bootRegionSize(p Platform) uint32 {
	n := uint32(L1TableSize)
	if p.IdentityPages() {
		n += L1Entries / L2TablesPerPage * PageSize
	}
	n += uint32(len(p.Devices())+1) * PageSize
	return n
}

// BootRegion is the physical range Init builds tables in. The page
// allocator must treat it as reserved.
func (p *PageTableManager) BootRegion() (PhysAddr, PhysAddr) { return p.boot.base, p.boot.end() }

// Kernel returns the kernel table, nil before Init.
func (p *PageTableManager) Kernel() *Table { return p.kernel }

// Active returns the table currently installed in TTBR0.
func (p *PageTableManager) Active() *Table { return p.active }

// Strategy reports the kernel mapping strategy.
func (p *PageTableManager) Strategy() Strategy { return p.strategy }

// UserTop is the first address above the user range.
func (p *PageTableManager) UserTop() uint64 { return userTop(p.plat) }

// Enabled reports whether translation is live.
func (p *PageTableManager) Enabled() bool { return p.state == stateEnabled }

// AttachAllocator switches kernel L2 allocation from the boot region to
// the page allocator. Process tables need it too.
func (p *PageTableManager) AttachAllocator(pages *PageAllocator) { p.pages = pages }

// SetIRQGuard makes every table edit and TTBR0 switch halt unless IRQs
// are masked.
func (p *PageTableManager) SetIRQGuard(s hal.IRQState) { p.guard = s }

func (p *PageTableManager) assertMasked(op string) {
	if p.guard != nil && p.guard.InterruptsEnabled() {
		halt(p.log, "mmu", "%s with interrupts enabled", op)
	}
}

// Init builds the kernel table: a full identity map of all 4096 megabytes
// and the device windows.
func (p *PageTableManager) Init() error {
	if p.state != stateUninitialized {
		return fmt.Errorf("mmu: init: %w", ErrAlreadyInitialized)
	}
	p.log.Info("mmu: init", "platform", p.plat.Name(), "strategy", p.strategy.String(),
		"boot_base", p.boot.base, "boot_size", fmt.Sprintf("0x%x", p.boot.size))

	l1 := p.boot.alloc(L1TableSize, L1TableAlign)
	p.kernel = &Table{l1: l1, kernel: true}

	if p.plat.IdentityPages() {
		p.identityPages()
	} else {
		p.identitySections()
	}
	p.state = stateBootstrapped

	if err := p.MapHardwarePages(); err != nil {
		return err
	}
	p.log.Info("mmu: kernel table ready", "l1", l1,
		"l2_tables", p.kernel.L2Tables(), "boot_used", fmt.Sprintf("0x%x", p.boot.used()))
	return nil
}

func (p *PageTableManager) identitySections() {
	templates := make(map[Flags]uint32)
	for idx := uint32(0); idx < L1Entries; idx++ {
		f := p.plat.RegionFlags(idx)
		tmpl, ok := templates[f]
		if !ok {
			tmpl = sectionTemplate(f, DomainKernel)
			templates[f] = tmpl
		}
		p.mem.Write32(p.l1Slot(p.kernel, idx), tmpl|idx<<SectionShift)
	}
}

func (p *PageTableManager) identityPages() {
	templates := make(map[Flags]uint32)
	for idx := uint32(0); idx < L1Entries; idx++ {
		f := p.plat.RegionFlags(idx)
		tmpl, ok := templates[f]
		if !ok {
			tmpl = smallPageTemplate(f)
			templates[f] = tmpl
		}
		l2, _ := p.kernel.l2.alloc(p.boot.page)
		for i := uint32(0); i < L2Entries; i++ {
			p.mem.Write32(uint32(l2)+i*4, tmpl|idx<<SectionShift|i<<PageShift)
		}
		p.mem.Write32(p.l1Slot(p.kernel, idx), pageTableDesc(l2, DomainKernel))
	}
}

// MapHardwarePages identity-maps every device window of the platform as
// shareable device memory, kernel RW, execute-never. Windows below the user
// boundary are shared with every process table.
func (p *PageTableManager) MapHardwarePages() error {
	p.assertMasked("map_hardware_pages")
	if p.state == stateUninitialized {
		return fmt.Errorf("mmu: map hardware: %w", ErrNotInitialized)
	}
	top := userTop(p.plat)
	for _, d := range p.plat.Devices() {
		end := uint32(d.Base) + alignUp(d.Size, PageSize)
		for pa := uint32(d.Base) &^ (PageSize - 1); pa < end; pa += PageSize {
			if err := p.mapPage(p.kernel, VirtAddr(pa), PhysAddr(pa), KernelDevice); err != nil {
				return fmt.Errorf("mmu: map %s: %w", d.Name, err)
			}
			p.invalidatePage(p.kernel, VirtAddr(pa))
			if uint64(pa) < top {
				p.shareLow(l1Index(VirtAddr(pa)))
			}
		}
		p.log.Debug("mmu: device window", "name", d.Name, "base", d.Base, "size", fmt.Sprintf("0x%x", d.Size))
	}
	return nil
}

func (p *PageTableManager) shareLow(idx uint32) {
	if p.globalLow[idx] {
		return
	}
	p.globalLow[idx] = true
	desc := p.sharedDesc(idx, p.mem.Read32(p.l1Slot(p.kernel, idx)))
	for t := range p.userTabs {
		p.mem.Write32(p.l1Slot(t, idx), desc)
	}
}

// sharedDesc is the process-table copy of kernel slot idx. Device windows
// below the user boundary are installed in the client domain so their
// kernel-only AP bits hold against user mode.
func (p *PageTableManager) sharedDesc(idx, desc uint32) uint32 {
	if p.globalLow[idx] && desc&l1TypeMask == l1PageTable {
		return pageTableDesc(PhysAddr(desc&pageTableBaseMask), DomainUser)
	}
	return desc
}

// Enable programs TTBCR, DACR and the TTBRs, runs the invalidation
// sequence and turns on the MMU, caches and branch prediction.
func (p *PageTableManager) Enable() error {
	switch p.state {
	case stateUninitialized:
		return fmt.Errorf("mmu: enable: %w", ErrNotInitialized)
	case stateEnabled:
		return fmt.Errorf("mmu: enable: %w", ErrAlreadyEnabled)
	}

	if p.strategy == StrategySplit {
		p.cpu.WriteTTBCR(p.plat.SplitN())
		p.cpu.WriteTTBR1(uint32(p.kernel.l1))
	} else {
		p.cpu.WriteTTBCR(0)
	}
	p.cpu.WriteDACR(dacrValue)
	p.cpu.WriteTTBR0(uint32(p.kernel.l1))
	p.cpu.WriteCONTEXTIDR(0)
	p.syncTranslation()

	p.cpu.WriteSCTLR(p.cpu.ReadSCTLR() | hal.SCTLR_M | hal.SCTLR_C | hal.SCTLR_Z | hal.SCTLR_I)
	p.cpu.ISB()

	p.kernel.asid = 0
	p.active = p.kernel
	p.state = stateEnabled
	p.log.Info("mmu: enabled", "ttbr0", p.kernel.l1, "dacr", fmt.Sprintf("0x%x", dacrValue))
	return nil
}

func (p *PageTableManager) table(t *Table) *Table {
	if t == nil {
		return p.kernel
	}
	return t
}

func (p *PageTableManager) l1Slot(t *Table, idx uint32) uint32 {
	return uint32(t.l1) + idx*4
}

// shared reports whether kernel slot idx is mirrored into process tables.
func (p *PageTableManager) shared(idx uint32) bool {
	if p.globalLow[idx] {
		return true
	}
	return p.strategy == StrategyCopy && uint64(idx)<<SectionShift >= userTop(p.plat)
}

func (p *PageTableManager) writeL1(t *Table, idx, desc uint32) {
	p.mem.Write32(p.l1Slot(t, idx), desc)
	if t.kernel && p.shared(idx) {
		desc = p.sharedDesc(idx, desc)
		for u := range p.userTabs {
			p.mem.Write32(p.l1Slot(u, idx), desc)
		}
	}
}

// newL2Frame feeds l2Pool: boot region for the kernel before the page
// allocator is attached, the page allocator otherwise.
func (p *PageTableManager) newL2Frame(t *Table) func() (PhysAddr, error) {
	if t.kernel && p.pages == nil {
		return p.boot.page
	}
	return func() (PhysAddr, error) {
		if p.pages == nil {
			return 0, fmt.Errorf("mmu: no page allocator: %w", ErrNotInitialized)
		}
		pa, err := p.pages.AllocPage()
		if err != nil {
			return 0, fmt.Errorf("mmu: L2 table: %w", err)
		}
		p.mem.Zero(uint32(pa), PageSize)
		return pa, nil
	}
}

func (p *PageTableManager) checkUser(t *Table, va VirtAddr) error {
	if !t.kernel && uint64(va) >= userTop(p.plat) {
		return fmt.Errorf("mmu: %s: %w", va, ErrKernelRange)
	}
	return nil
}

// MapPage maps the 4KB page va to pa in t, allocating the L2 table for
// va's megabyte if needed. An existing mapping is replaced.
func (p *PageTableManager) MapPage(t *Table, va VirtAddr, pa PhysAddr, flags Flags) error {
	if p.state == stateUninitialized {
		return fmt.Errorf("mmu: map: %w", ErrNotInitialized)
	}
	p.assertMasked("map_page")
	if !pageAligned(uint32(va)) || !pageAligned(uint32(pa)) {
		halt(p.log, "mmu", "map_page: misaligned va=%s pa=%s", va, pa)
	}
	t = p.table(t)
	if err := p.checkUser(t, va); err != nil {
		return err
	}
	if err := p.mapPage(t, va, pa, flags); err != nil {
		return err
	}
	p.invalidatePage(t, va)
	return nil
}

func (p *PageTableManager) mapPage(t *Table, va VirtAddr, pa PhysAddr, flags Flags) error {
	idx := l1Index(va)
	l2, err := p.l2For(t, idx)
	if err != nil {
		return err
	}
	p.mem.Write32(uint32(l2)+l2Index(va)*4, smallPageDesc(pa, flags))
	return nil
}

// l2For returns the L2 table behind slot idx of t, creating it (or
// splitting a section into it) when the slot holds none.
func (p *PageTableManager) l2For(t *Table, idx uint32) (PhysAddr, error) {
	desc := p.mem.Read32(p.l1Slot(t, idx))
	domain := uint8(DomainKernel)
	if !t.kernel {
		domain = DomainUser
	}

	switch desc & l1TypeMask {
	case l1PageTable:
		l2 := PhysAddr(desc & pageTableBaseMask)
		if !t.kernel && !t.l2.owns(l2) {
			return 0, fmt.Errorf("mmu: slot %d belongs to the kernel: %w", idx, ErrKernelRange)
		}
		return l2, nil
	case l1Section:
		if !t.kernel {
			return 0, fmt.Errorf("mmu: slot %d is a kernel section: %w", idx, ErrKernelRange)
		}
		l2, err := t.l2.alloc(p.newL2Frame(t))
		if err != nil {
			return 0, err
		}
		tmpl := splitTemplate(desc)
		base := desc & sectionBaseMask
		for i := uint32(0); i < L2Entries; i++ {
			p.mem.Write32(uint32(l2)+i*4, tmpl|(base+i<<PageShift))
		}
		p.writeL1(t, idx, pageTableDesc(l2, descDomain(desc)))
		p.log.Debug("mmu: split section", "slot", idx, "l2", l2)
		return l2, nil
	default:
		l2, err := t.l2.alloc(p.newL2Frame(t))
		if err != nil {
			return 0, err
		}
		p.writeL1(t, idx, pageTableDesc(l2, domain))
		return l2, nil
	}
}

// UnmapPage clears the L2 entry for va. The slot must hold an L2 table;
// anything else means the caller's view of the table is wrong, which
// halts. The L2 table itself stays.
func (p *PageTableManager) UnmapPage(t *Table, va VirtAddr) error {
	if p.state == stateUninitialized {
		return fmt.Errorf("mmu: unmap: %w", ErrNotInitialized)
	}
	p.assertMasked("unmap_page")
	if !pageAligned(uint32(va)) {
		halt(p.log, "mmu", "unmap_page: misaligned va=%s", va)
	}
	t = p.table(t)
	if err := p.checkUser(t, va); err != nil {
		return err
	}
	idx := l1Index(va)
	desc := p.mem.Read32(p.l1Slot(t, idx))
	if desc&l1TypeMask != l1PageTable {
		halt(p.log, "mmu", "unmap_page: slot %d for %s is not a page table (0x%08x)", idx, va, desc)
	}
	l2 := PhysAddr(desc & pageTableBaseMask)
	if !t.kernel && !t.l2.owns(l2) {
		return fmt.Errorf("mmu: slot %d belongs to the kernel: %w", idx, ErrKernelRange)
	}
	p.mem.Write32(uint32(l2)+l2Index(va)*4, 0)
	p.invalidatePage(t, va)
	return nil
}

// Mapping is one live translation.
type Mapping struct {
	VA    VirtAddr
	PA    PhysAddr
	Size  uint32 // PageSize or SectionSize
	Flags Flags
	// Private is set for pages in an L2 table the table owns.
	Private bool
}

// resolve picks the table that translates va for t: in split mode the
// kernel table answers for everything above the user boundary.
func (p *PageTableManager) resolve(t *Table, va VirtAddr) *Table {
	if !t.kernel && p.strategy == StrategySplit && uint64(va) >= userTop(p.plat) {
		return p.kernel
	}
	return t
}

// Lookup walks t for va.
func (p *PageTableManager) Lookup(t *Table, va VirtAddr) (Mapping, error) {
	if p.state == stateUninitialized {
		return Mapping{}, fmt.Errorf("mmu: lookup: %w", ErrNotInitialized)
	}
	t = p.resolve(p.table(t), va)
	idx := l1Index(va)
	desc := p.mem.Read32(p.l1Slot(t, idx))
	switch desc & l1TypeMask {
	case l1Section:
		return Mapping{
			VA:    VirtAddr(idx << SectionShift),
			PA:    PhysAddr(desc & sectionBaseMask),
			Size:  SectionSize,
			Flags: sectionFlags(desc),
		}, nil
	case l1PageTable:
		l2 := PhysAddr(desc & pageTableBaseMask)
		pte := p.mem.Read32(uint32(l2) + l2Index(va)*4)
		if !l2Valid(pte) {
			break
		}
		return Mapping{
			VA:      VirtAddr(uint32(va) &^ (PageSize - 1)),
			PA:      PhysAddr(pte & smallPageBaseMask),
			Size:    PageSize,
			Flags:   smallPageFlags(pte),
			Private: t.l2.owns(l2),
		}, nil
	}
	return Mapping{}, fmt.Errorf("mmu: %s: %w", va, ErrNotMapped)
}

// GetPhysicalAddress translates va through t. Unmapped addresses are an
// error; see KernelVirtToPhys for the static fallback.
func (p *PageTableManager) GetPhysicalAddress(t *Table, va VirtAddr) (PhysAddr, error) {
	m, err := p.Lookup(t, va)
	if err != nil {
		return 0, err
	}
	return m.PA + PhysAddr(uint32(va)-uint32(m.VA)), nil
}

// KernelVirtToPhys translates a kernel address, falling back to the
// platform's static offset when the kernel table has no mapping. Only early
// boot code that knows the address is kernel memory should use it.
func (p *PageTableManager) KernelVirtToPhys(va VirtAddr) PhysAddr {
	if pa, err := p.GetPhysicalAddress(nil, va); err == nil {
		return pa
	}
	return PhysAddr(uint32(va) - p.plat.KernelVirtOffset())
}

// Walk calls fn for every live mapping of t in address order, stopping
// when fn returns false. User tables report only their own range.
func (p *PageTableManager) Walk(t *Table, fn func(Mapping) bool) {
	if p.state == stateUninitialized {
		return
	}
	t = p.table(t)
	end := uint32(L1Entries)
	if !t.kernel {
		end = uint32(userTop(p.plat) >> SectionShift)
	}
	for idx := uint32(0); idx < end; idx++ {
		desc := p.mem.Read32(p.l1Slot(t, idx))
		switch desc & l1TypeMask {
		case l1Section:
			m := Mapping{VA: VirtAddr(idx << SectionShift), PA: PhysAddr(desc & sectionBaseMask),
				Size: SectionSize, Flags: sectionFlags(desc)}
			if !fn(m) {
				return
			}
		case l1PageTable:
			l2 := PhysAddr(desc & pageTableBaseMask)
			private := t.l2.owns(l2)
			for i := uint32(0); i < L2Entries; i++ {
				pte := p.mem.Read32(uint32(l2) + i*4)
				if !l2Valid(pte) {
					continue
				}
				m := Mapping{VA: VirtAddr(idx<<SectionShift | i<<PageShift), PA: PhysAddr(pte & smallPageBaseMask),
					Size: PageSize, Flags: smallPageFlags(pte), Private: private}
				if !fn(m) {
					return
				}
			}
		}
	}
}

// L1Kind classifies an L1 slot.
type L1Kind uint8

const (
	L1Fault L1Kind = iota
	L1Section
	L1PrivateTable
	L1SharedTable
)

// SlotKind classifies slot idx of t.
func (p *PageTableManager) SlotKind(t *Table, idx uint32) L1Kind {
	t = p.table(t)
	desc := p.mem.Read32(p.l1Slot(t, idx))
	switch desc & l1TypeMask {
	case l1Section:
		return L1Section
	case l1PageTable:
		if t.l2.owns(PhysAddr(desc & pageTableBaseMask)) {
			return L1PrivateTable
		}
		return L1SharedTable
	}
	return L1Fault
}

// NewTable turns the 16KB at l1 into a process table: zeroed, with the
// shared kernel slots installed. l1 must be 16KB aligned.
func (p *PageTableManager) NewTable(l1 PhysAddr) (*Table, error) {
	if p.state == stateUninitialized {
		return nil, fmt.Errorf("mmu: new table: %w", ErrNotInitialized)
	}
	p.assertMasked("new_table")
	if uint32(l1)&(L1TableAlign-1) != 0 {
		halt(p.log, "mmu", "L1 table %s is not 16KB aligned", l1)
	}
	p.mem.Zero(uint32(l1), L1TableSize)
	t := &Table{l1: l1}
	for idx := uint32(0); idx < L1Entries; idx++ {
		if p.shared(idx) {
			p.mem.Write32(p.l1Slot(t, idx), p.sharedDesc(idx, p.mem.Read32(p.l1Slot(p.kernel, idx))))
		}
	}
	p.cpu.DSB()
	p.userTabs[t] = struct{}{}
	return t, nil
}

// ReleaseTable frees the L2 tables t owns. The L1 frames belong to the
// caller. t must not be installed.
func (p *PageTableManager) ReleaseTable(t *Table) error {
	if t == nil || t.kernel {
		halt(p.log, "mmu", "release of the kernel table")
	}
	if t == p.active {
		halt(p.log, "mmu", "release of the active table %s", t.l1)
	}
	p.assertMasked("release_table")
	if p.pages == nil {
		return fmt.Errorf("mmu: release: %w", ErrNotInitialized)
	}
	delete(p.userTabs, t)
	return t.l2.release(p.pages.FreePage)
}
