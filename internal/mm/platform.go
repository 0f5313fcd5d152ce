package mm

import (
	"fmt"
	"sort"
)

// DeviceWindow is an MMIO block identity-mapped as device memory.
type DeviceWindow struct {
	Name string
	Base PhysAddr
	Size uint32
}

// Platform is the board-specific half of the table manager: where DRAM is,
// how the identity map is built and which MMIO windows the kernel needs.
// Backends are picked by name at boot.
type Platform interface {
	Name() string
	// DRAM is the default physical memory window.
	DRAM() (base PhysAddr, size uint32)
	// SplitN is the TTBCR.N value: TTBR0 translates the low 2^(32-N) bytes.
	SplitN() uint32
	// IdentityPages selects an identity map built from L2 small pages
	// instead of 1MB sections.
	IdentityPages() bool
	// RegionFlags gives the identity-map attributes of megabyte idx.
	RegionFlags(idx uint32) Flags
	Devices() []DeviceWindow
	// KernelVirtOffset is kernel VA minus PA for the static fallback.
	KernelVirtOffset() uint32
}

var platforms = map[string]func() Platform{
	"bbb":  func() Platform { return bbbPlatform{} },
	"qemu": func() Platform { return qemuPlatform{} },
}

// PlatformByName returns the backend called name.
func PlatformByName(name string) (Platform, error) {
	mk, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q (have %v)", name, PlatformNames())
	}
	return mk(), nil
}

// PlatformNames lists the registered backends.
func PlatformNames() []string {
	names := make([]string, 0, len(platforms))
	for n := range platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// userTop is the first address translated through TTBR1 (or, in copy
// mode, the first kernel address).
func userTop(p Platform) uint64 { return 1 << (32 - p.SplitN()) }

// dramRegionFlags is the common identity policy: DRAM is normal cached
// kernel memory, everything else strongly-ordered and never executable.
func dramRegionFlags(p Platform, idx uint32) Flags {
	base, size := p.DRAM()
	mb := uint64(idx) << SectionShift
	if mb >= uint64(base) && mb < uint64(base)+uint64(size) {
		return FlagWrite | FlagExec | FlagCached
	}
	return FlagWrite | FlagStronglyOrdered
}
