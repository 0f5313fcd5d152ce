package mm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
)

func bootManager(t *testing.T, platform string, strategy Strategy, reclaim bool) (*Manager, *hal.SimMMU) {
	t.Helper()
	plat, err := PlatformByName(platform)
	if err != nil {
		t.Fatal(err)
	}
	sim := hal.NewSimMMU()
	base, _ := plat.DRAM()
	m, err := NewManager(sim.CPU, sim.Mem, Options{
		Platform:     plat,
		KernelEnd:    base + 0x200000,
		Strategy:     strategy,
		ReclaimASIDs: reclaim,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m, sim
}

func TestBootReservesTables(t *testing.T) {
	tests := []struct {
		platform string
		bootEnd  PhysAddr
		reserved uint32
	}{
		{"bbb", 0x8020B000, 0x20B},
		{"qemu", 0x6060A000, 0x60A},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			m, sim := bootManager(t, tt.platform, StrategySplit, true)
			if _, end := m.Tables().BootRegion(); end != tt.bootEnd {
				t.Errorf("boot region ends at %s, want %s", end, tt.bootEnd)
			}
			s := m.Pages().Stats()
			if s.Reserved != tt.reserved || s.Used != 0 {
				t.Errorf("Stats = %+v", s)
			}
			if !sim.CPU.InterruptsEnabled() {
				t.Error("Boot left IRQs masked")
			}
			if err := m.Boot(); !errors.Is(err, ErrAlreadyInitialized) {
				t.Errorf("second Boot: %v", err)
			}
		})
	}
}

func TestCreateBeforeBoot(t *testing.T) {
	plat, _ := PlatformByName("bbb")
	sim := hal.NewSimMMU()
	m, err := NewManager(sim.CPU, sim.Mem, Options{Platform: plat, KernelEnd: 0x80200000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAddressSpace(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v", err)
	}
	if _, err := NewManager(sim.CPU, sim.Mem, Options{}); err == nil {
		t.Error("NewManager accepted a nil platform")
	}
}

// Map a user page, store through the MMU as user code would, unmap it and
// take a translation fault.
func TestUserPageThroughMMU(t *testing.T) {
	tests := []struct {
		platform string
		strategy Strategy
	}{
		{"bbb", StrategySplit},
		{"bbb", StrategyCopy},
		{"qemu", StrategySplit},
		{"qemu", StrategyCopy},
	}
	for _, tt := range tests {
		t.Run(tt.platform+"/"+tt.strategy.String(), func(t *testing.T) {
			m, sim := bootManager(t, tt.platform, tt.strategy, true)
			base, _ := m.Platform().DRAM()
			frame := base + 0x10000

			s, err := m.CreateAddressSpace()
			if err != nil {
				t.Fatal(err)
			}
			if s.ASID() == 0 {
				t.Fatal("space got the reserved ASID")
			}
			if uint32(s.Table().L1())&(L1TableAlign-1) != 0 {
				t.Errorf("L1 %s not 16KB aligned", s.Table().L1())
			}
			if err := s.MapPage(0x10000, frame, UserData); err != nil {
				t.Fatal(err)
			}
			if err := m.Activate(s); err != nil {
				t.Fatal(err)
			}
			if err := sim.Store32(0x10004, 0xCAFEF00D, true); err != nil {
				t.Fatalf("user store: %v", err)
			}
			if got := sim.Mem.Read32(uint32(frame) + 4); got != 0xCAFEF00D {
				t.Errorf("physical word = 0x%08x", got)
			}
			if pa, err := s.Translate(0x10004); err != nil || pa != frame+4 {
				t.Errorf("Translate = %s, %v", pa, err)
			}

			// The kernel stays reachable with the process installed.
			if _, err := sim.Load32(uint32(base), false); err != nil {
				t.Errorf("kernel load with process active: %v", err)
			}

			if err := s.UnmapPage(0x10000); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Translate(0x10000); !errors.Is(err, ErrNotMapped) {
				t.Errorf("Translate after unmap: %v", err)
			}
			_, err = sim.Load32(0x10004, true)
			var f *hal.Fault
			if !errors.As(err, &f) || f.Status != hal.FS_TRANSLATION_PAGE {
				t.Errorf("load after unmap: %v", err)
			}
		})
	}
}

func TestActivateSequence(t *testing.T) {
	m, sim := bootManager(t, "bbb", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	sim.CPU.ResetOps()
	if err := m.Activate(s); err != nil {
		t.Fatal(err)
	}
	want := []hal.Op{
		hal.OpTLBIALL, hal.OpICIALLU, hal.OpDCInvalidate, hal.OpDCClean, hal.OpDSB,
		hal.OpWriteCONTEXTIDR, hal.OpISB,
		hal.OpWriteTTBR0, hal.OpISB,
		hal.OpWriteCONTEXTIDR, hal.OpISB,
	}
	got := sim.CPU.Ops()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops = %v, want %v", got, want)
		}
	}
	if sim.CPU.TTBR0 != uint32(s.Table().L1()) || sim.CPU.CONTEXTIDR != uint32(s.ASID()) {
		t.Errorf("TTBR0 = 0x%08x CONTEXTIDR = %d", sim.CPU.TTBR0, sim.CPU.CONTEXTIDR)
	}
	if m.Current() != s {
		t.Error("Current not updated")
	}

	m.ActivateKernel()
	if sim.CPU.TTBR0 != uint32(m.Tables().Kernel().L1()) || sim.CPU.CONTEXTIDR != 0 {
		t.Errorf("kernel switch: TTBR0 = 0x%08x CONTEXTIDR = %d", sim.CPU.TTBR0, sim.CPU.CONTEXTIDR)
	}
}

func TestUserMapRefusesKernelRange(t *testing.T) {
	m, _ := bootManager(t, "bbb", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		va   VirtAddr
	}{
		{"kernel half", 0x80000000},
		{"top page", 0xFFFFF000},
		{"shared device slot", 0x44E0A000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.MapPage(tt.va, 0x80010000, UserData); !errors.Is(err, ErrKernelRange) {
				t.Errorf("MapPage = %v, want ErrKernelRange", err)
			}
		})
	}
	if err := s.UnmapPage(0x44E09000); !errors.Is(err, ErrKernelRange) {
		t.Errorf("UnmapPage of device page = %v", err)
	}
	// The device window itself is visible from the process table.
	if pa, err := s.Translate(0x44E09000); err != nil || pa != 0x44E09000 {
		t.Errorf("Translate(uart0) = %s, %v", pa, err)
	}
}

func TestKernelMappingsReachProcesses(t *testing.T) {
	for _, strategy := range []Strategy{StrategySplit, StrategyCopy} {
		t.Run(strategy.String(), func(t *testing.T) {
			m, sim := bootManager(t, "bbb", strategy, true)
			s, err := m.CreateAddressSpace()
			if err != nil {
				t.Fatal(err)
			}
			pa, err := m.AllocPage()
			if err != nil {
				t.Fatal(err)
			}
			// Splits a kernel section after s was created.
			if err := m.MapKernelPage(0x90000000, pa, KernelData); err != nil {
				t.Fatal(err)
			}
			if got, err := s.Translate(0x90000000); err != nil || got != pa {
				t.Errorf("Translate = %s, %v, want %s", got, err, pa)
			}
			if err := m.Activate(s); err != nil {
				t.Fatal(err)
			}
			if err := sim.Store32(0x90000008, 42, false); err != nil {
				t.Fatal(err)
			}
			if got := sim.Mem.Read32(uint32(pa) + 8); got != 42 {
				t.Errorf("word = %d", got)
			}
		})
	}
}

func TestDestroyReturnsEverything(t *testing.T) {
	m, sim := bootManager(t, "bbb", StrategySplit, true)
	before := m.Pages().Stats()

	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	for _, va := range []VirtAddr{0x10000, 0x200000, 0x30000000, 0x30001000} {
		if _, err := s.AllocAndMap(va, UserData); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AllocAndMap(0x10000, UserData); err == nil {
		t.Error("AllocAndMap over an owned page succeeded")
	}
	if s.OwnedPages() != 4 {
		t.Errorf("OwnedPages = %d", s.OwnedPages())
	}
	if err := m.Activate(s); err != nil {
		t.Fatal(err)
	}
	if m.Pages().Stats().Free >= before.Free {
		t.Fatal("nothing allocated")
	}

	sim.CPU.ResetOps()
	if err := m.Destroy(s); err != nil {
		t.Fatal(err)
	}
	if got := m.Pages().Stats(); got != before {
		t.Errorf("Stats after Destroy = %+v, want %+v", got, before)
	}
	if m.Current() != nil || sim.CPU.TTBR0 != uint32(m.Tables().Kernel().L1()) {
		t.Error("destroyed space still installed")
	}
	if m.ASIDs().InUse() != 0 {
		t.Errorf("ASIDs in use = %d", m.ASIDs().InUse())
	}
	flushed := false
	for _, op := range sim.CPU.Ops() {
		flushed = flushed || op == hal.OpTLBIASID
	}
	if !flushed {
		t.Error("no TLBIASID before the ASID went back to the pool")
	}
	if m.Spaces() != 0 {
		t.Errorf("Spaces = %d", m.Spaces())
	}
	if err := m.Pages().CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestDestroyedSpaceIsRejected(t *testing.T) {
	m, _ := bootManager(t, "bbb", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(s); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(s); !errors.Is(err, ErrSpaceDestroyed) {
		t.Errorf("second Destroy: %v", err)
	}
	if err := m.Activate(s); !errors.Is(err, ErrSpaceDestroyed) {
		t.Errorf("Activate: %v", err)
	}
	if err := s.MapPage(0x10000, 0x80010000, UserData); !errors.Is(err, ErrSpaceDestroyed) {
		t.Errorf("MapPage: %v", err)
	}
	if _, err := m.Fork(s); !errors.Is(err, ErrSpaceDestroyed) {
		t.Errorf("Fork: %v", err)
	}
}

func TestLeakedASIDsRollOver(t *testing.T) {
	m, sim := bootManager(t, "bbb", StrategySplit, false)
	first, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 255; i++ {
		s, err := m.CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Destroy(s); err != nil {
			t.Fatal(err)
		}
	}
	if g := m.ASIDs().Generation(); g != 1 {
		t.Fatalf("generation = %d, want 1", g)
	}
	if first.Generation() != 0 {
		t.Fatalf("first space generation = %d", first.Generation())
	}

	if err := m.Activate(first); err != nil {
		t.Fatal(err)
	}
	if first.Generation() != 1 || !m.ASIDs().Current(first.ASID(), first.Generation()) {
		t.Errorf("stale ASID not refreshed: asid %d generation %d", first.ASID(), first.Generation())
	}
	if sim.CPU.CONTEXTIDR != uint32(first.ASID()) {
		t.Errorf("CONTEXTIDR = %d, want %d", sim.CPU.CONTEXTIDR, first.ASID())
	}
}

func TestLiveASIDsAreUnique(t *testing.T) {
	m, _ := bootManager(t, "bbb", StrategySplit, true)
	var spaces []*AddressSpace
	for i := 0; i < 300; i++ {
		s, err := m.CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}
		spaces = append(spaces, s)
	}
	check := func() {
		t.Helper()
		seen := make(map[ASID]*AddressSpace)
		for _, s := range spaces {
			if !m.ASIDs().Current(s.ASID(), s.Generation()) {
				continue
			}
			if other, dup := seen[s.ASID()]; dup {
				t.Fatalf("ASID %d held by %s and %s", s.ASID(), other.Table().L1(), s.Table().L1())
			}
			seen[s.ASID()] = s
		}
	}
	check()
	for _, s := range spaces {
		if err := m.Activate(s); err != nil {
			t.Fatal(err)
		}
		if !m.ASIDs().Current(s.ASID(), s.Generation()) {
			t.Fatalf("active space %s holds a stale ASID", s.Table().L1())
		}
		check()
	}
}

func TestFork(t *testing.T) {
	m, _ := bootManager(t, "bbb", StrategySplit, true)
	parent, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	own, err := parent.AllocAndMap(0x10000, UserData)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CopyToUser(parent, 0x10100, []byte("parent data")); err != nil {
		t.Fatal(err)
	}
	shared, err := m.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := parent.MapPage(0x20000, shared, UserRO); err != nil {
		t.Fatal(err)
	}

	child, err := m.Fork(parent)
	if err != nil {
		t.Fatal(err)
	}
	if child.ASID() == parent.ASID() {
		t.Error("child shares the parent's ASID")
	}
	if child.OwnedPages() != 1 {
		t.Errorf("child owns %d pages", child.OwnedPages())
	}
	cpa, err := child.Translate(0x10000)
	if err != nil || cpa == own {
		t.Fatalf("child 0x10000 -> %s, %v (parent frame %s)", cpa, err, own)
	}
	if spa, _ := child.Translate(0x20000); spa != shared {
		t.Errorf("shared page -> %s, want %s", spa, shared)
	}

	buf := make([]byte, 11)
	if err := m.CopyFromUser(child, buf, 0x10100); err != nil || string(buf) != "parent data" {
		t.Fatalf("child copy = %q, %v", buf, err)
	}
	// Writes after the fork stay private.
	if err := m.CopyToUser(parent, 0x10100, []byte("PARENT")); err != nil {
		t.Fatal(err)
	}
	if err := m.CopyFromUser(child, buf, 0x10100); err != nil || string(buf) != "parent data" {
		t.Errorf("child sees parent write: %q", buf)
	}

	// Destroying the child must not free the parent's shared frame.
	if err := m.Destroy(child); err != nil {
		t.Fatal(err)
	}
	if st, _ := m.Pages().State(shared); st != FrameUsed {
		t.Errorf("shared frame is %v after child exit", st)
	}
}

func TestIsUserAddr(t *testing.T) {
	m, _ := bootManager(t, "bbb", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	_, _ = s.AllocAndMap(0x10000, UserData)
	_, _ = s.AllocAndMap(0x11000, UserData)
	_, _ = s.AllocAndMap(0x12000, UserRO)

	tests := []struct {
		name   string
		va     VirtAddr
		length uint32
		write  bool
		want   bool
	}{
		{"two pages", 0x10000, 0x2000, true, true},
		{"crosses boundary", 0x10FF0, 0x20, true, true},
		{"read-only read", 0x12000, 4, false, true},
		{"read-only write", 0x12000, 4, true, false},
		{"write runs into read-only", 0x11FF0, 0x20, true, false},
		{"unmapped", 0x13000, 1, false, false},
		{"runs off the end", 0x12FF0, 0x20, false, false},
		{"kernel address", 0x80000000, 4, false, false},
		{"straddles the boundary", 0x7FFFFFF0, 0x20, false, false},
		{"wraps", 0xFFFFFFF0, 0x20, false, false},
		{"device window", 0x44E09000, 4, false, false},
		{"empty range", 0x10000, 0, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsUserAddr(s, tt.va, tt.length, tt.write); got != tt.want {
				t.Errorf("IsUserAddr(%s, 0x%x, %v) = %v", tt.va, tt.length, tt.write, got)
			}
		})
	}
	if m.IsUserAddr(nil, 0x10000, 4, false) {
		t.Error("nil space accepted")
	}
}

func TestCopyUserAcrossPages(t *testing.T) {
	m, sim := bootManager(t, "qemu", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	pa1, _ := s.AllocAndMap(0x10000, UserData)
	pa2, _ := s.AllocAndMap(0x11000, UserData)
	_, _ = s.AllocAndMap(0x12000, UserRO)

	if err := m.CopyToUser(s, 0x10FFE, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	head, tail := make([]byte, 2), make([]byte, 4)
	sim.Mem.ReadBytes(uint32(pa1)+0xFFE, head)
	sim.Mem.ReadBytes(uint32(pa2), tail)
	if string(head) != "ab" || string(tail) != "cdef" {
		t.Errorf("physical bytes = %q %q", head, tail)
	}
	got := make([]byte, 6)
	if err := m.CopyFromUser(s, got, 0x10FFE); err != nil || !bytes.Equal(got, []byte("abcdef")) {
		t.Errorf("CopyFromUser = %q, %v", got, err)
	}

	if err := m.CopyToUser(s, 0x12000, []byte("x")); !errors.Is(err, ErrBadUserPointer) {
		t.Errorf("copy to read-only page: %v", err)
	}
	if err := m.CopyFromUser(s, got, 0x40000000); !errors.Is(err, ErrBadUserPointer) {
		t.Errorf("copy from kernel range: %v", err)
	}
}

func TestCriticalSectionsRestoreIRQs(t *testing.T) {
	m, sim := bootManager(t, "bbb", StrategySplit, true)

	was := sim.CPU.DisableInterrupts()
	if _, err := m.AllocPage(); err != nil {
		t.Fatal(err)
	}
	if sim.CPU.InterruptsEnabled() {
		t.Fatal("inner critical section unmasked IRQs")
	}
	sim.CPU.RestoreInterrupts(was)

	fe := mustPanicFatal(t, func() { _ = m.MapKernelPage(0x90000001, 0x80300000, KernelData) })
	if fe.Op != "mmu" {
		t.Errorf("Op = %q", fe.Op)
	}
	if !sim.CPU.InterruptsEnabled() {
		t.Error("IRQs masked after a halt unwound")
	}
}

func TestTableAndASIDEditsRequireMaskedIRQs(t *testing.T) {
	m, sim := bootManager(t, "bbb", StrategySplit, true)
	s, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	pa, err := m.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MapPage(0x10000, pa, UserData); err != nil {
		t.Fatal(err)
	}
	if !sim.CPU.InterruptsEnabled() {
		t.Fatal("IRQs masked after boot")
	}
	inUse := m.ASIDs().InUse()

	tests := []struct {
		name string
		op   string
		fn   func()
	}{
		{"map page", "mmu", func() { _ = m.Tables().MapPage(s.Table(), 0x11000, pa, UserData) }},
		{"unmap page", "mmu", func() { _ = m.Tables().UnmapPage(s.Table(), 0x10000) }},
		{"switch table", "mmu", func() { m.Tables().SetL1WithASID(s.Table(), s.ASID()) }},
		{"new table", "mmu", func() { _, _ = m.Tables().NewTable(s.Table().L1()) }},
		{"release table", "mmu", func() { _ = m.Tables().ReleaseTable(s.Table()) }},
		{"hardware pages", "mmu", func() { _ = m.Tables().MapHardwarePages() }},
		{"acquire asid", "asid", func() { _, _ = m.ASIDs().TryAcquire() }},
		{"release asid", "asid", func() { m.ASIDs().Release(s.ASID(), s.Generation()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := mustPanicFatal(t, tt.fn)
			if fe.Op != tt.op {
				t.Errorf("Op = %q, want %q", fe.Op, tt.op)
			}
		})
	}

	if _, err := s.Translate(0x11000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("refused map left a mapping: %v", err)
	}
	if got, err := s.Translate(0x10000); err != nil || got != pa {
		t.Errorf("refused unmap: Translate = %s, %v", got, err)
	}
	if m.Tables().Active() == s.Table() {
		t.Error("refused switch installed the table")
	}
	if m.ASIDs().InUse() != inUse || !m.ASIDs().Current(s.ASID(), s.Generation()) {
		t.Error("refused ASID edit changed the pool")
	}

	was := sim.CPU.DisableInterrupts()
	err = m.Tables().MapPage(s.Table(), 0x11000, pa, UserData)
	sim.CPU.RestoreInterrupts(was)
	if err != nil {
		t.Fatalf("masked MapPage: %v", err)
	}
}

func TestDeviceWindowsAreKernelOnly(t *testing.T) {
	for _, strategy := range []Strategy{StrategySplit, StrategyCopy} {
		t.Run(strategy.String(), func(t *testing.T) {
			m, sim := bootManager(t, "bbb", strategy, true)
			s, err := m.CreateAddressSpace()
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Activate(s); err != nil {
				t.Fatal(err)
			}
			if _, err := sim.Load32(0x44E09000, false); err != nil {
				t.Fatalf("kernel load of uart0: %v", err)
			}
			_, err = sim.Load32(0x44E09000, true)
			var f *hal.Fault
			if !errors.As(err, &f) || !f.Permission() {
				t.Errorf("user load of uart0 = %v, want permission fault", err)
			}
			if err := sim.Store32(0x44E09000, 1, true); !errors.As(err, &f) || !f.Permission() {
				t.Errorf("user store to uart0 = %v, want permission fault", err)
			}
		})
	}
}
