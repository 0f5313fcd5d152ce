package hal

import (
	"errors"
	"testing"
)

const (
	testL1  = 0x80004000
	testL2  = 0x80008000
	testL1b = 0x8000C000
)

// newTestMMU builds a tiny address space by hand: a kernel RW section at
// 0x80000000 (domain 0) and one user page 0x00010000 -> 0x80010000 (domain 1).
func newTestMMU(t *testing.T) *SimMMU {
	t.Helper()
	m := NewSimMMU()
	m.Mem.Write32(testL1+0x800*4, 0x80000000|1<<10|0b10)
	m.Mem.Write32(testL1+0*4, testL2|1<<5|0b01)
	m.Mem.Write32(testL2+0x10*4, 0x80010000|1<<11|3<<4|0b10)
	m.Mem.Write32(testL2+0x11*4, 0x80011000|1<<11|2<<4|0b10)

	m.CPU.TTBR0 = testL1
	m.CPU.DACR = DomainManager | DomainClient<<2
	m.CPU.CONTEXTIDR = 1
	m.CPU.SCTLR = SCTLR_M
	return m
}

func TestSimMemory(t *testing.T) {
	mem := NewSimMemory()
	if got := mem.Read32(0x1000); got != 0 {
		t.Fatalf("untouched word = %#x, want 0", got)
	}
	mem.Write32(0x1ffc, 0xdeadbeef)
	if got := mem.Read32(0x1ffc); got != 0xdeadbeef {
		t.Errorf("Read32 = %#x", got)
	}

	mem.WriteBytes(0x2ffe, []byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	mem.ReadBytes(0x2ffe, buf)
	if buf[0] != 1 || buf[3] != 4 {
		t.Errorf("cross-page ReadBytes = %v", buf)
	}

	mem.Zero(0x1000, 0x2000)
	if got := mem.Read32(0x1ffc); got != 0 {
		t.Errorf("after Zero, word = %#x", got)
	}
	mem.ReadBytes(0x2ffe, buf)
	if buf[0] != 0 || buf[1] != 0 || buf[2] != 3 {
		t.Errorf("Zero must stop at its end: %v", buf)
	}
}

func TestSimMemoryUnalignedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on unaligned access")
		}
	}()
	NewSimMemory().Read32(0x1002)
}

func TestTranslateMMUOff(t *testing.T) {
	m := NewSimMMU()
	pa, f := m.Translate(0x12345678, Access{Write: true, User: true})
	if f != nil || pa != 0x12345678 {
		t.Errorf("Translate with MMU off = %#x, %v", pa, f)
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name   string
		va     uint32
		acc    Access
		wantPA uint32
		status uint8
	}{
		{"kernel section", 0x80023456, Access{Write: true}, 0x80023456, 0},
		{"next megabyte unmapped", 0x80123456, Access{Write: true}, 0, FS_TRANSLATION_SECT},
		{"user page write", 0x00010010, Access{Write: true, User: true}, 0x80010010, 0},
		{"user read-only page read", 0x00011000, Access{User: true}, 0x80011000, 0},
		{"user read-only page write", 0x00011000, Access{Write: true, User: true}, 0, FS_PERMISSION_PAGE},
		{"kernel write to user RO page", 0x00011004, Access{Write: true}, 0x80011004, 0},
		{"missing L2 entry", 0x00012000, Access{}, 0, FS_TRANSLATION_PAGE},
		{"missing L1 entry", 0x40000000, Access{}, 0, FS_TRANSLATION_SECT},
		{"execute cached page", 0x00010000, Access{Exec: true, User: true}, 0x80010000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMMU(t)
			pa, f := m.Translate(tt.va, tt.acc)
			if tt.status != 0 {
				if f == nil {
					t.Fatalf("Translate(%#x) = %#x, want fault %#x", tt.va, pa, tt.status)
				}
				if f.Status != tt.status || f.Address != tt.va {
					t.Errorf("fault = %+v, want status %#x at %#x", f, tt.status, tt.va)
				}
				return
			}
			if f != nil {
				t.Fatalf("Translate(%#x): %v", tt.va, f)
			}
			if pa != tt.wantPA {
				t.Errorf("Translate(%#x) = %#x, want %#x", tt.va, pa, tt.wantPA)
			}
		})
	}
}

func TestTranslateDomainFault(t *testing.T) {
	m := newTestMMU(t)
	m.CPU.DACR = DomainManager // domain 1 no access
	_, f := m.Translate(0x00010000, Access{User: true})
	if f == nil || f.Status != FS_DOMAIN_PAGE {
		t.Fatalf("fault = %v, want domain fault", f)
	}
}

func TestTranslateExecuteNever(t *testing.T) {
	m := newTestMMU(t)
	m.Mem.Write32(testL2+0x10*4, 0x80010000|1<<11|3<<4|0b11)
	_, f := m.Translate(0x00010000, Access{Exec: true, User: true})
	if f == nil || !f.Permission() {
		t.Fatalf("fault = %v, want permission fault", f)
	}
}

func TestStaleTLBUntilInvalidated(t *testing.T) {
	m := newTestMMU(t)
	if err := m.Store32(0x00010000, 42, true); err != nil {
		t.Fatal(err)
	}
	if got := m.Mem.Read32(0x80010000); got != 42 {
		t.Fatalf("physical word = %d, want 42", got)
	}

	m.Mem.Write32(testL2+0x10*4, 0)
	if _, err := m.Load32(0x00010000, true); err != nil {
		t.Fatalf("cached translation should survive the table edit: %v", err)
	}

	m.CPU.InvalidateTLBMVA(0x00010000 | 1)
	_, err := m.Load32(0x00010000, true)
	var f *Fault
	if !errors.As(err, &f) || !f.Translation() {
		t.Fatalf("after TLBIMVA, err = %v, want translation fault", err)
	}
}

func TestTLBIsTaggedByASID(t *testing.T) {
	m := newTestMMU(t)
	if _, f := m.Translate(0x00010000, Access{User: true}); f != nil {
		t.Fatal(f)
	}
	if _, f := m.Translate(0x80000000, Access{}); f != nil {
		t.Fatal(f)
	}
	if m.CPU.TLBSize() != 2 {
		t.Fatalf("TLB size = %d, want 2", m.CPU.TLBSize())
	}

	// Point TTBR0 at an empty table for ASID 2; the global kernel entry
	// stays usable while the nG user entry does not leak across.
	m.CPU.TTBR0 = testL1b
	m.CPU.CONTEXTIDR = 2
	if _, f := m.Translate(0x00010000, Access{User: true}); f == nil {
		t.Error("ASID 1 entry used under ASID 2")
	}
	if _, f := m.Translate(0x80000000, Access{}); f != nil {
		t.Errorf("global entry lost: %v", f)
	}

	m.CPU.InvalidateTLBASID(1)
	if m.CPU.TLBSize() != 1 {
		t.Errorf("TLBIASID left %d entries, want 1 (global)", m.CPU.TLBSize())
	}
	m.CPU.InvalidateTLB()
	if m.CPU.TLBSize() != 0 {
		t.Errorf("TLBIALL left %d entries", m.CPU.TLBSize())
	}
}

func TestTranslateSplitTTBR(t *testing.T) {
	m := newTestMMU(t)
	// TTBR1 covers the top half; its table only has the kernel section.
	m.Mem.Write32(testL1b+0x800*4, 0x80000000|1<<10|0b10)
	m.Mem.Write32(testL1+0x800*4, 0)
	m.CPU.TTBR1 = testL1b
	m.CPU.TTBCR = 1

	if pa, f := m.Translate(0x80000010, Access{}); f != nil || pa != 0x80000010 {
		t.Errorf("upper half via TTBR1 = %#x, %v", pa, f)
	}
	if pa, f := m.Translate(0x00010000, Access{User: true}); f != nil || pa != 0x80010000 {
		t.Errorf("lower half via TTBR0 = %#x, %v", pa, f)
	}
}

func TestSimCPUInterrupts(t *testing.T) {
	c := NewSimCPU()
	was := c.DisableInterrupts()
	if !was || c.InterruptsEnabled() {
		t.Fatal("DisableInterrupts did not mask")
	}
	inner := c.DisableInterrupts()
	c.RestoreInterrupts(inner)
	if c.InterruptsEnabled() {
		t.Error("nested restore unmasked IRQs")
	}
	c.RestoreInterrupts(was)
	if !c.InterruptsEnabled() {
		t.Error("outer restore left IRQs masked")
	}
}

func TestSimCPUOpLog(t *testing.T) {
	c := NewSimCPU()
	c.WriteTTBR0(0x80004000)
	c.ISB()
	c.InvalidateTLB()
	ops := c.Ops()
	want := []Op{OpWriteTTBR0, OpISB, OpTLBIALL}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
	c.ResetOps()
	if len(c.Ops()) != 0 {
		t.Error("ResetOps did not clear the log")
	}
}

func TestDescribeFault(t *testing.T) {
	tests := []struct {
		fsr  uint32
		want string
	}{
		{0x005, "translation fault (section)"},
		{0x807, "translation fault (page)"},
		{0x00B, "domain fault (page)"},
		{0x00D, "permission fault (section)"},
		{0x00F, "permission fault (page)"},
		{0x406, "unknown fault"},
	}
	for _, tt := range tests {
		if got := DescribeFault(DecodeFSR(tt.fsr)); got != tt.want {
			t.Errorf("DescribeFault(DecodeFSR(%#x)) = %q, want %q", tt.fsr, got, tt.want)
		}
	}
}

func TestFaultError(t *testing.T) {
	f := &Fault{Status: FS_PERMISSION_PAGE, Address: 0x1000, Write: true, User: true}
	want := "user write abort at 0x00001000: permission fault (page) (FS=0x0f)"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
}
