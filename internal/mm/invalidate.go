package mm

// syncTranslation is the maintenance sequence that precedes every TTBR
// write: TLB, I-cache, D-cache invalidate, D-cache clean, then a DSB to
// drain the write buffer. The D-cache "invalidate" step is clean+invalidate
// on hardware so freshly written descriptors are not discarded.
func (p *PageTableManager) syncTranslation() {
	p.cpu.InvalidateTLB()
	p.cpu.InvalidateICache()
	p.cpu.InvalidateDCache()
	p.cpu.CleanDCache()
	p.cpu.DSB()
}

// invalidatePage drops any cached translation of va after t changed.
// Entries are tagged with the ASID t was last installed with; global
// kernel entries match any ASID.
func (p *PageTableManager) invalidatePage(t *Table, va VirtAddr) {
	if p.state != stateEnabled {
		return
	}
	p.cpu.DSB()
	p.cpu.InvalidateTLBMVA(uint32(va)&^(PageSize-1) | uint32(t.asid))
	p.cpu.DSB()
	p.cpu.ISB()
}

// FlushTLB invalidates every TLB entry.
func (p *PageTableManager) FlushTLB() {
	p.cpu.InvalidateTLB()
	p.cpu.DSB()
	p.cpu.ISB()
}

// SetL1Table installs t (nil for the kernel table) with the reserved ASID.
func (p *PageTableManager) SetL1Table(t *Table) {
	p.SetL1WithASID(t, 0)
}

// SetL1WithASID installs t as the TTBR0 root tagged with asid. The
// reserved ASID is current while TTBR0 changes so no walk mixes the old
// ASID with the new table.
func (p *PageTableManager) SetL1WithASID(t *Table, asid ASID) {
	if p.state == stateUninitialized {
		halt(p.log, "mmu", "set_l1_table before init")
	}
	p.assertMasked("set_l1_table")
	t = p.table(t)

	p.syncTranslation()
	p.cpu.WriteCONTEXTIDR(0)
	p.cpu.ISB()
	p.cpu.WriteTTBR0(uint32(t.l1))
	p.cpu.ISB()
	p.cpu.WriteCONTEXTIDR(uint32(asid))
	p.cpu.ISB()

	t.asid = asid
	p.active = t
	p.log.Debug("mmu: switch", "l1", t.l1, "asid", asid)
}
