package mm

// AM335x (BeagleBone Black) physical map.
const (
	bbbDRAMBase = 0x80000000
	bbbDRAMSize = 512 << 20

	bbbOCMC      = 0x40300000
	bbbUART0     = 0x44E09000
	bbbCMPER     = 0x44E00000
	bbbDMTimer2  = 0x48040000
	bbbMMC0      = 0x48060000
	bbbINTC      = 0x48200000
	bbbTimerSpan = 0x6000 // DMTIMER2..DMTIMER7
)

// bbbPlatform identity-maps with sections and splits user/kernel at 2GB.
type bbbPlatform struct{}

func (bbbPlatform) Name() string                   { return "bbb" }
func (bbbPlatform) DRAM() (PhysAddr, uint32)       { return bbbDRAMBase, bbbDRAMSize }
func (bbbPlatform) SplitN() uint32                 { return 1 }
func (bbbPlatform) IdentityPages() bool            { return false }
func (bbbPlatform) KernelVirtOffset() uint32       { return 0 }
func (p bbbPlatform) RegionFlags(idx uint32) Flags { return dramRegionFlags(p, idx) }

func (bbbPlatform) Devices() []DeviceWindow {
	return []DeviceWindow{
		{"uart0", bbbUART0, 0x1000},
		{"cm_per", bbbCMPER, 0x2000}, // CM_PER + CM_WKUP/PRCM
		{"dmtimer", bbbDMTimer2, bbbTimerSpan},
		{"mmc0", bbbMMC0, 0x1000},
		{"intc", bbbINTC, 0x1000},
		{"ocmc", bbbOCMC, 0x10000},
	}
}
