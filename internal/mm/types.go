// Package mm is the kernel's virtual memory subsystem: the physical page
// allocator, the two-level ARMv7 short-descriptor table manager, ASIDs and
// per-process address spaces.
//
// Everything here is single-core and synchronous. Mutations run with IRQs
// masked (see Manager), there are no locks and no goroutines.
package mm

import "fmt"

// PhysAddr is a physical address.
type PhysAddr uint32

// VirtAddr is a virtual address.
type VirtAddr uint32

// ASID tags TLB entries of one address space. 0 is reserved for the kernel.
type ASID uint8

func (a PhysAddr) String() string { return fmt.Sprintf("0x%08x", uint32(a)) }
func (a VirtAddr) String() string { return fmt.Sprintf("0x%08x", uint32(a)) }

const (
	PageShift    = 12
	PageSize     = 1 << PageShift // 4KB
	SectionShift = 20
	SectionSize  = 1 << SectionShift // 1MB

	L1Entries       = 4096
	L2Entries       = 256
	L1TableSize     = L1Entries * 4 // 16KB
	L1TableAlign    = L1TableSize
	L1TablePages    = L1TableSize / PageSize
	L2TableSize     = L2Entries * 4 // 1KB
	L2TablesPerPage = PageSize / L2TableSize
)

// Domains. DACR makes the kernel domain a manager and the user domain a
// client, so only user mappings are checked against their AP bits.
const (
	DomainKernel = 0
	DomainUser   = 1
)

// dacrValue is the process-wide DACR, written once in Enable.
const dacrValue = 0b11<<(2*DomainKernel) | 0b01<<(2*DomainUser)

func pageAligned(x uint32) bool { return x&(PageSize-1) == 0 }

func l1Index(va VirtAddr) uint32 { return uint32(va) >> SectionShift }

func l2Index(va VirtAddr) uint32 { return (uint32(va) >> PageShift) & (L2Entries - 1) }

func alignUp(x, align uint32) uint32 { return (x + align - 1) &^ (align - 1) }
