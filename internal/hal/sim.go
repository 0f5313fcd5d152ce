package hal

import (
	"encoding/binary"
	"fmt"
)

// Op names one coprocessor operation recorded by SimCPU.
type Op string

const (
	OpWriteSCTLR      Op = "sctlr"
	OpWriteTTBR0      Op = "ttbr0"
	OpWriteTTBR1      Op = "ttbr1"
	OpWriteTTBCR      Op = "ttbcr"
	OpWriteDACR       Op = "dacr"
	OpWriteCONTEXTIDR Op = "contextidr"
	OpTLBIALL         Op = "tlbiall"
	OpTLBIASID        Op = "tlbiasid"
	OpTLBIMVA         Op = "tlbimva"
	OpICIALLU         Op = "iciallu"
	OpDCInvalidate    Op = "dcinv"
	OpDCClean         Op = "dcclean"
	OpDSB             Op = "dsb"
	OpISB             Op = "isb"
)

type tlbKey struct {
	global bool
	asid   uint8
	vpn    uint32
}

type tlbEntry struct {
	ppn    uint32
	domain uint8
	ap     uint8 // AP[2:0]
	xn     bool
}

// SimCPU is a software CP15. It keeps the registers, an ASID-tagged TLB that
// SimMMU fills on every successful walk, the IRQ mask, and a log of every
// operation in issue order.
type SimCPU struct {
	SCTLR      uint32
	TTBR0      uint32
	TTBR1      uint32
	TTBCR      uint32
	DACR       uint32
	CONTEXTIDR uint32

	irqEnabled bool
	ops        []Op
	tlb        map[tlbKey]tlbEntry
}

// NewSimCPU returns a CPU in reset state with IRQs enabled.
func NewSimCPU() *SimCPU {
	return &SimCPU{irqEnabled: true, tlb: make(map[tlbKey]tlbEntry)}
}

func (c *SimCPU) record(op Op) { c.ops = append(c.ops, op) }

// Ops returns a copy of the operation log.
func (c *SimCPU) Ops() []Op { return append([]Op(nil), c.ops...) }

// ResetOps clears the operation log.
func (c *SimCPU) ResetOps() { c.ops = c.ops[:0] }

// TLBSize is the number of cached translations.
func (c *SimCPU) TLBSize() int { return len(c.tlb) }

func (c *SimCPU) ReadSCTLR() uint32        { return c.SCTLR }
func (c *SimCPU) WriteSCTLR(v uint32)      { c.record(OpWriteSCTLR); c.SCTLR = v }
func (c *SimCPU) ReadTTBR0() uint32        { return c.TTBR0 }
func (c *SimCPU) WriteTTBR0(v uint32)      { c.record(OpWriteTTBR0); c.TTBR0 = v }
func (c *SimCPU) ReadTTBR1() uint32        { return c.TTBR1 }
func (c *SimCPU) WriteTTBR1(v uint32)      { c.record(OpWriteTTBR1); c.TTBR1 = v }
func (c *SimCPU) WriteTTBCR(v uint32)      { c.record(OpWriteTTBCR); c.TTBCR = v }
func (c *SimCPU) WriteDACR(v uint32)       { c.record(OpWriteDACR); c.DACR = v }
func (c *SimCPU) ReadCONTEXTIDR() uint32   { return c.CONTEXTIDR }
func (c *SimCPU) WriteCONTEXTIDR(v uint32) { c.record(OpWriteCONTEXTIDR); c.CONTEXTIDR = v }

func (c *SimCPU) InvalidateTLB() {
	c.record(OpTLBIALL)
	clear(c.tlb)
}

func (c *SimCPU) InvalidateTLBASID(asid uint8) {
	c.record(OpTLBIASID)
	for k := range c.tlb {
		if !k.global && k.asid == asid {
			delete(c.tlb, k)
		}
	}
}

func (c *SimCPU) InvalidateTLBMVA(mva uint32) {
	c.record(OpTLBIMVA)
	vpn := mva >> 12
	asid := uint8(mva)
	delete(c.tlb, tlbKey{global: true, vpn: vpn})
	delete(c.tlb, tlbKey{asid: asid, vpn: vpn})
}

func (c *SimCPU) InvalidateICache() { c.record(OpICIALLU) }
func (c *SimCPU) InvalidateDCache() { c.record(OpDCInvalidate) }
func (c *SimCPU) CleanDCache()      { c.record(OpDCClean) }
func (c *SimCPU) DSB()              { c.record(OpDSB) }
func (c *SimCPU) ISB()              { c.record(OpISB) }

func (c *SimCPU) InterruptsEnabled() bool { return c.irqEnabled }

func (c *SimCPU) DisableInterrupts() bool {
	was := c.irqEnabled
	c.irqEnabled = false
	return was
}

func (c *SimCPU) RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		c.irqEnabled = true
	}
}

const simPageSize = 4096

// SimMemory is sparse physical memory. Untouched pages read as zero.
type SimMemory struct {
	pages  map[uint32]*[simPageSize]byte
	writes int
}

// NewSimMemory returns empty physical memory.
func NewSimMemory() *SimMemory {
	return &SimMemory{pages: make(map[uint32]*[simPageSize]byte)}
}

// Writes counts Write32/WriteBytes calls.
func (m *SimMemory) Writes() int { return m.writes }

// Resident is the number of pages that have been written.
func (m *SimMemory) Resident() int { return len(m.pages) }

func (m *SimMemory) page(pa uint32, create bool) *[simPageSize]byte {
	base := pa &^ (simPageSize - 1)
	p := m.pages[base]
	if p == nil && create {
		p = new([simPageSize]byte)
		m.pages[base] = p
	}
	return p
}

func (m *SimMemory) Read32(pa uint32) uint32 {
	if pa&3 != 0 {
		panic(fmt.Sprintf("hal: unaligned Read32 at 0x%08x", pa))
	}
	p := m.page(pa, false)
	if p == nil {
		return 0
	}
	off := pa & (simPageSize - 1)
	return binary.LittleEndian.Uint32(p[off : off+4])
}

func (m *SimMemory) Write32(pa uint32, v uint32) {
	if pa&3 != 0 {
		panic(fmt.Sprintf("hal: unaligned Write32 at 0x%08x", pa))
	}
	m.writes++
	p := m.page(pa, v != 0)
	if p == nil {
		return
	}
	off := pa & (simPageSize - 1)
	binary.LittleEndian.PutUint32(p[off:off+4], v)
}

func (m *SimMemory) Zero(pa uint32, n uint32) {
	end := uint64(pa) + uint64(n)
	for addr := uint64(pa); addr < end; {
		base := uint32(addr) &^ (simPageSize - 1)
		off := uint32(addr) - base
		chunk := uint64(simPageSize - off)
		if addr+chunk > end {
			chunk = end - addr
		}
		if off == 0 && chunk == simPageSize {
			delete(m.pages, base)
		} else if p := m.pages[base]; p != nil {
			clear(p[off : uint64(off)+chunk])
		}
		addr += chunk
	}
}

func (m *SimMemory) ReadBytes(pa uint32, dst []byte) {
	for i := 0; i < len(dst); {
		addr := pa + uint32(i)
		off := addr & (simPageSize - 1)
		n := min(len(dst)-i, int(simPageSize-off))
		if p := m.page(addr, false); p != nil {
			copy(dst[i:i+n], p[off:int(off)+n])
		} else {
			clear(dst[i : i+n])
		}
		i += n
	}
}

func (m *SimMemory) WriteBytes(pa uint32, src []byte) {
	m.writes++
	for i := 0; i < len(src); {
		addr := pa + uint32(i)
		off := addr & (simPageSize - 1)
		n := min(len(src)-i, int(simPageSize-off))
		copy(m.page(addr, true)[off:int(off)+n], src[i:i+n])
		i += n
	}
}
