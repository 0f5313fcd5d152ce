// Package hal is the boundary between the memory subsystem and the CPU.
//
// Everything above this package manipulates translation tables as ordinary
// words in physical memory; the handful of coprocessor operations that make
// them live (TTBR/TTBCR/DACR/SCTLR/CONTEXTIDR writes, TLB and cache
// maintenance, interrupt masking) go through CPU. The bare-metal backend lives
// behind the "arm && baremetal" build constraint, SimCPU/SimMemory/SimMMU
// implement the same contract in software.
package hal

// SCTLR bits.
const (
	SCTLR_M = 1 << 0  // MMU enable
	SCTLR_A = 1 << 1  // alignment checking
	SCTLR_C = 1 << 2  // data/unified cache enable
	SCTLR_Z = 1 << 11 // branch prediction
	SCTLR_I = 1 << 12 // instruction cache enable
)

// DACR domain policies, two bits per domain.
const (
	DomainNoAccess = 0b00
	DomainClient   = 0b01
	DomainManager  = 0b11
)

// IRQState reports whether IRQs are currently unmasked.
type IRQState interface {
	InterruptsEnabled() bool
}

// CPU is the coprocessor 15 surface and the interrupt mask.
type CPU interface {
	IRQState

	ReadSCTLR() uint32
	WriteSCTLR(v uint32)
	ReadTTBR0() uint32
	WriteTTBR0(v uint32)
	ReadTTBR1() uint32
	WriteTTBR1(v uint32)
	WriteTTBCR(v uint32)
	WriteDACR(v uint32)
	ReadCONTEXTIDR() uint32
	WriteCONTEXTIDR(v uint32)

	// InvalidateTLB is TLBIALL.
	InvalidateTLB()
	// InvalidateTLBASID is TLBIASID: every non-global entry tagged asid.
	InvalidateTLBASID(asid uint8)
	// InvalidateTLBMVA is TLBIMVA; mva carries the ASID in bits[7:0].
	InvalidateTLBMVA(mva uint32)
	InvalidateICache()
	InvalidateDCache()
	CleanDCache()
	// DSB drains the write buffer.
	DSB()
	ISB()

	// DisableInterrupts masks IRQs and reports whether they were enabled.
	DisableInterrupts() bool
	// RestoreInterrupts unmasks IRQs if wasEnabled.
	RestoreInterrupts(wasEnabled bool)
}

// PhysMem is word and byte access to physical memory. The kernel runs with
// its tables identity mapped, so table words are addressed physically.
type PhysMem interface {
	Read32(pa uint32) uint32
	Write32(pa uint32, v uint32)
	Zero(pa uint32, n uint32)
	ReadBytes(pa uint32, dst []byte)
	WriteBytes(pa uint32, src []byte)
}
