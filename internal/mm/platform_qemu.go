package mm

// vexpress-a9 physical map as emulated by QEMU.
const (
	qemuDRAMBase = 0x60000000
	qemuDRAMSize = 256 << 20

	qemuSysRegs = 0x10000000
	qemuMMCI    = 0x10005000
	qemuUART0   = 0x10009000
	qemuSP804   = 0x10011000
	qemuGIC     = 0x1E000000 // SCU, GIC CPU interface and distributor
)

// qemuPlatform identity-maps every megabyte through L2 tables and gives
// processes the low 1GB.
type qemuPlatform struct{}

func (qemuPlatform) Name() string                   { return "qemu" }
func (qemuPlatform) DRAM() (PhysAddr, uint32)       { return qemuDRAMBase, qemuDRAMSize }
func (qemuPlatform) SplitN() uint32                 { return 2 }
func (qemuPlatform) IdentityPages() bool            { return true }
func (qemuPlatform) KernelVirtOffset() uint32       { return 0 }
func (p qemuPlatform) RegionFlags(idx uint32) Flags { return dramRegionFlags(p, idx) }

func (qemuPlatform) Devices() []DeviceWindow {
	return []DeviceWindow{
		{"sysregs", qemuSysRegs, 0x1000},
		{"mmci", qemuMMCI, 0x1000},
		{"uart0", qemuUART0, 0x1000},
		{"sp804", qemuSP804, 0x2000},
		{"gic", qemuGIC, 0x2000},
	}
}
