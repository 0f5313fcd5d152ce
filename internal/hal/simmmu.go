package hal

// Access describes one memory reference.
type Access struct {
	Write bool
	User  bool
	Exec  bool
}

// SimMMU walks the short-descriptor tables that SimCPU's TTBRs point at,
// the way the hardware would. Successful walks are cached in the CPU's TLB,
// so a table edit is invisible until the matching TLB maintenance runs.
type SimMMU struct {
	CPU *SimCPU
	Mem *SimMemory
}

// NewSimMMU wires a fresh CPU and memory together.
func NewSimMMU() *SimMMU {
	return &SimMMU{CPU: NewSimCPU(), Mem: NewSimMemory()}
}

// Translate resolves va for the given access.
func (m *SimMMU) Translate(va uint32, acc Access) (uint32, *Fault) {
	c := m.CPU
	if c.SCTLR&SCTLR_M == 0 {
		return va, nil
	}

	vpn := va >> 12
	asid := uint8(c.CONTEXTIDR)
	e, ok := c.tlb[tlbKey{global: true, vpn: vpn}]
	if !ok {
		e, ok = c.tlb[tlbKey{asid: asid, vpn: vpn}]
	}
	if ok {
		if f := m.check(va, e, acc); f != nil {
			return 0, f
		}
		return e.ppn<<12 | va&0xFFF, nil
	}

	e, global, f := m.walk(va, acc)
	if f != nil {
		return 0, f
	}
	if f := m.check(va, e, acc); f != nil {
		return 0, f
	}
	key := tlbKey{global: true, vpn: vpn}
	if !global {
		key = tlbKey{asid: asid, vpn: vpn}
	}
	c.tlb[key] = e
	return e.ppn<<12 | va&0xFFF, nil
}

// walk performs the table walk. Sections are cached per 4KB like pages.
func (m *SimMMU) walk(va uint32, acc Access) (tlbEntry, bool, *Fault) {
	c := m.CPU
	n := c.TTBCR & 7
	var base uint32
	if n > 0 && va>>(32-n) != 0 {
		base = c.TTBR1 &^ 0x3FFF
	} else {
		base = c.TTBR0 &^ (0x3FFF >> n)
	}

	l1 := m.Mem.Read32(base + (va>>20)*4)
	switch l1 & 3 {
	case 0b01:
		domain := uint8(l1>>5) & 0xF
		l2 := m.Mem.Read32(l1&^0x3FF + ((va>>12)&0xFF)*4)
		if l2&2 == 0 {
			// Large pages are never produced; treat them as unmapped.
			return tlbEntry{}, false, m.fault(FS_TRANSLATION_PAGE, va, acc)
		}
		e := tlbEntry{
			ppn:    l2 >> 12,
			domain: domain | pageLevel,
			ap:     uint8(l2>>4)&3 | uint8(l2>>7)&4,
			xn:     l2&1 != 0,
		}
		return e, l2&(1<<11) == 0, nil
	case 0b10, 0b11:
		if l1&(1<<18) != 0 {
			return tlbEntry{}, false, m.fault(FS_TRANSLATION_SECT, va, acc)
		}
		e := tlbEntry{
			ppn:    (l1&0xFFF00000 | va&0x000FF000) >> 12,
			domain: uint8(l1>>5) & 0xF,
			ap:     uint8(l1>>10)&3 | uint8(l1>>13)&4,
			xn:     l1&(1<<4) != 0,
		}
		return e, l1&(1<<17) == 0, nil
	default:
		return tlbEntry{}, false, m.fault(FS_TRANSLATION_SECT, va, acc)
	}
}

// pageLevel is folded into tlbEntry.domain to pick page vs section codes.
const pageLevel = 0x10

func (m *SimMMU) check(va uint32, e tlbEntry, acc Access) *Fault {
	page := e.domain&pageLevel != 0
	domain := e.domain &^ pageLevel
	code := func(sect, pg uint8) uint8 {
		if page {
			return pg
		}
		return sect
	}

	switch (m.CPU.DACR >> (2 * domain)) & 3 {
	case DomainManager:
		return nil
	case DomainClient:
	default:
		return m.fault(code(FS_DOMAIN_SECT, FS_DOMAIN_PAGE), va, acc)
	}

	if acc.Exec && e.xn {
		return m.fault(code(FS_PERMISSION_SECT, FS_PERMISSION_PAGE), va, acc)
	}
	if !permits(e.ap, acc) {
		return m.fault(code(FS_PERMISSION_SECT, FS_PERMISSION_PAGE), va, acc)
	}
	return nil
}

// permits applies the AP[2:0] table.
func permits(ap uint8, acc Access) bool {
	apx := ap&4 != 0
	switch ap & 3 {
	case 0:
		return false
	case 1:
		if acc.User {
			return false
		}
		return !apx || !acc.Write
	case 2:
		if apx {
			return !acc.Write
		}
		return !acc.User || !acc.Write
	default:
		if apx {
			return !acc.Write
		}
		return true
	}
}

func (m *SimMMU) fault(status uint8, va uint32, acc Access) *Fault {
	return &Fault{Status: status, Address: va, Write: acc.Write, User: acc.User, Exec: acc.Exec}
}

// Load32 reads a word through the MMU.
func (m *SimMMU) Load32(va uint32, user bool) (uint32, error) {
	pa, f := m.Translate(va, Access{User: user})
	if f != nil {
		return 0, f
	}
	return m.Mem.Read32(pa), nil
}

// Store32 writes a word through the MMU.
func (m *SimMMU) Store32(va uint32, v uint32, user bool) error {
	pa, f := m.Translate(va, Access{Write: true, User: user})
	if f != nil {
		return f
	}
	m.Mem.Write32(pa, v)
	return nil
}
