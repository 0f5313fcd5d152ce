//go:build arm && baremetal

package hal

import "unsafe"

// Implemented in cp15_arm.s.
func readSCTLR() uint32
func writeSCTLR(v uint32)
func readTTBR0() uint32
func writeTTBR0(v uint32)
func readTTBR1() uint32
func writeTTBR1(v uint32)
func writeTTBCR(v uint32)
func writeDACR(v uint32)
func readCONTEXTIDR() uint32
func writeCONTEXTIDR(v uint32)
func tlbiall()
func tlbiasid(asid uint32)
func tlbimva(mva uint32)
func iciallu()
func readCLIDR() uint32
func readCCSIDR() uint32
func writeCSSELR(v uint32)
func dccisw(v uint32)
func dccsw(v uint32)
func dsb()
func isb()
func irqDisable() uint32 // returns CPSR before masking
func irqEnable()
func readCPSR() uint32

const cpsrI = 1 << 7

// ARMCPU drives the real coprocessor registers.
type ARMCPU struct{}

func (ARMCPU) ReadSCTLR() uint32         { return readSCTLR() }
func (ARMCPU) WriteSCTLR(v uint32)       { writeSCTLR(v) }
func (ARMCPU) ReadTTBR0() uint32         { return readTTBR0() }
func (ARMCPU) WriteTTBR0(v uint32)       { writeTTBR0(v) }
func (ARMCPU) ReadTTBR1() uint32         { return readTTBR1() }
func (ARMCPU) WriteTTBR1(v uint32)       { writeTTBR1(v) }
func (ARMCPU) WriteTTBCR(v uint32)       { writeTTBCR(v) }
func (ARMCPU) WriteDACR(v uint32)        { writeDACR(v) }
func (ARMCPU) ReadCONTEXTIDR() uint32    { return readCONTEXTIDR() }
func (ARMCPU) WriteCONTEXTIDR(v uint32)  { writeCONTEXTIDR(v) }
func (ARMCPU) InvalidateTLB()            { tlbiall() }
func (ARMCPU) InvalidateTLBASID(a uint8) { tlbiasid(uint32(a)) }
func (ARMCPU) InvalidateTLBMVA(m uint32) { tlbimva(m) }
func (ARMCPU) InvalidateICache()         { iciallu() }
func (ARMCPU) DSB()                      { dsb() }
func (ARMCPU) ISB()                      { isb() }

// InvalidateDCache cleans as it invalidates so dirty lines holding
// descriptors reach memory.
func (ARMCPU) InvalidateDCache() { forEachSetWay(dccisw) }
func (ARMCPU) CleanDCache()      { forEachSetWay(dccsw) }

func (ARMCPU) InterruptsEnabled() bool { return readCPSR()&cpsrI == 0 }

func (ARMCPU) DisableInterrupts() bool {
	return irqDisable()&cpsrI == 0
}

func (ARMCPU) RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		irqEnable()
	}
}

// forEachSetWay runs op over every set/way of every data or unified cache
// level up to the level of coherency.
func forEachSetWay(op func(uint32)) {
	clidr := readCLIDR()
	loc := (clidr >> 24) & 7
	for level := uint32(0); level < loc; level++ {
		ctype := (clidr >> (level * 3)) & 7
		if ctype < 2 {
			continue // no data cache at this level
		}
		writeCSSELR(level << 1)
		isb()
		ccsidr := readCCSIDR()
		lineShift := (ccsidr & 7) + 4
		ways := (ccsidr>>3)&0x3FF + 1
		sets := (ccsidr>>13)&0x7FFF + 1
		wayShift := uint32(32)
		for w := ways - 1; w > 0; w >>= 1 {
			wayShift--
		}
		for way := uint32(0); way < ways; way++ {
			for set := uint32(0); set < sets; set++ {
				var wayBits uint32
				if wayShift < 32 {
					wayBits = way << wayShift
				}
				op(wayBits | set<<lineShift | level<<1)
			}
		}
	}
	dsb()
}

// ARMMemory accesses physical memory directly. The kernel's tables are
// identity mapped, so physical and virtual addresses coincide.
type ARMMemory struct{}

//go:nosplit
func (ARMMemory) Read32(pa uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(pa)))
}

//go:nosplit
func (ARMMemory) Write32(pa uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(pa))) = v
}

func (ARMMemory) Zero(pa uint32, n uint32) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), n))
}

func (ARMMemory) ReadBytes(pa uint32, dst []byte) {
	copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), len(dst)))
}

func (ARMMemory) WriteBytes(pa uint32, src []byte) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), len(src)), src)
}
