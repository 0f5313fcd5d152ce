package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/Code-Allergy/kernel-project-sub000/internal/config"
	"github.com/Code-Allergy/kernel-project-sub000/internal/hal"
	"github.com/Code-Allergy/kernel-project-sub000/internal/kheap"
	"github.com/Code-Allergy/kernel-project-sub000/internal/memviz"
	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

// userBase is where scenarios place process pages.
const userBase = 0x00010000

// machine is a booted memory subsystem on the simulated CPU.
type machine struct {
	cfg    config.Config
	log    *slog.Logger
	out    io.Writer
	mmu    *hal.SimMMU
	m      *mm.Manager
	heap   *kheap.Heap
	spaces []*mm.AddressSpace
	next   map[*mm.AddressSpace]mm.VirtAddr
	allocs []mm.VirtAddr
}

func boot(cfg config.Config, log *slog.Logger, out io.Writer) (*machine, error) {
	opts, err := cfg.Options(log)
	if err != nil {
		return nil, err
	}
	sim := hal.NewSimMMU()
	m, err := mm.NewManager(sim.CPU, sim.Mem, opts)
	if err != nil {
		return nil, err
	}
	if err := m.Boot(); err != nil {
		return nil, err
	}
	h, err := kheap.New(m, mm.VirtAddr(cfg.HeapBase), uint32(cfg.HeapSize), log)
	if err != nil {
		return nil, err
	}
	return &machine{cfg: cfg, log: log, out: out, mmu: sim, m: m, heap: h,
		next: make(map[*mm.AddressSpace]mm.VirtAddr)}, nil
}

func (mc *machine) printf(format string, args ...any) {
	fmt.Fprintf(mc.out, format, args...)
}

// spawn creates a process with pages user pages starting at userBase.
func (mc *machine) spawn(pages int) (*mm.AddressSpace, error) {
	s, err := mc.m.CreateAddressSpace()
	if err != nil {
		return nil, err
	}
	mc.spaces = append(mc.spaces, s)
	mc.next[s] = userBase
	for i := 0; i < pages; i++ {
		if _, err := mc.grow(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// grow backs the next page of s.
func (mc *machine) grow(s *mm.AddressSpace) (mm.VirtAddr, error) {
	va := mc.next[s]
	if _, err := s.AllocAndMap(va, mm.UserData); err != nil {
		return 0, err
	}
	mc.next[s] = va + mm.PageSize
	return va, nil
}

func (mc *machine) destroy(s *mm.AddressSpace) error {
	if err := mc.m.Destroy(s); err != nil {
		return err
	}
	delete(mc.next, s)
	for i, o := range mc.spaces {
		if o == s {
			mc.spaces = append(mc.spaces[:i], mc.spaces[i+1:]...)
			break
		}
	}
	return nil
}

func (mc *machine) index(s *mm.AddressSpace) int {
	for i, o := range mc.spaces {
		if o == s {
			return i
		}
	}
	return -1
}

// touch activates s and writes then reads one word per page through the
// MMU in user mode.
func (mc *machine) touch(s *mm.AddressSpace) error {
	if err := mc.m.Activate(s); err != nil {
		return err
	}
	for va := mm.VirtAddr(userBase); va < mc.next[s]; va += mm.PageSize {
		want := uint32(va) ^ uint32(s.ASID())<<24
		if err := mc.mmu.Store32(uint32(va), want, true); err != nil {
			return err
		}
		got, err := mc.mmu.Load32(uint32(va), true)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("vmsim: %s read back 0x%08x, wrote 0x%08x", va, got, want)
		}
	}
	return nil
}

func (mc *machine) stats() {
	st := mc.m.Pages().Stats()
	hs := mc.heap.Stats()
	mc.printf("platform %s (%s): frames total %d free %d used %d reserved %d\n",
		mc.cfg.Platform, mc.m.Tables().Strategy(), st.Total, st.Free, st.Used, st.Reserved)
	mc.printf("spaces %d, asids in use %d, generation %d\n",
		mc.m.Spaces(), mc.m.ASIDs().InUse(), mc.m.ASIDs().Generation())
	if cur := mc.m.Current(); cur != nil {
		mc.printf("current: #%d l1 %s asid %d\n", mc.index(cur), cur.Table().L1(), cur.ASID())
	} else {
		mc.printf("current: kernel\n")
	}
	mc.printf("heap: %d allocations, %d bytes free, %d pages mapped\n", hs.Allocations, hs.Free, hs.MappedPages)
}

func (mc *machine) dumpFrames(path string, raw bool) error {
	c := memviz.Frames(mc.m.Pages(), 256, 2)
	if !raw {
		st := mc.m.Pages().Stats()
		c.Label(fmt.Sprintf("%s frames: %d free %d used", mc.cfg.Platform, st.Free, st.Used))
	}
	return save(c, path, raw)
}

func (mc *machine) dumpL1(path string, raw bool) error {
	var t *mm.Table
	if cur := mc.m.Current(); cur != nil {
		t = cur.Table()
	}
	c := memviz.L1(mc.m.Tables(), t, 8)
	if !raw {
		if t == nil {
			c.Label("kernel L1")
		} else {
			c.Label(fmt.Sprintf("L1 %s asid %d", t.L1(), mc.m.Current().ASID()))
		}
	}
	return save(c, path, raw)
}

func save(c *memviz.Canvas, path string, raw bool) error {
	if !raw {
		return c.SavePNG(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.EncodeRaw(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type scenario struct {
	run func(*machine) error
	// keeps is set when frames legitimately stay allocated afterwards.
	keeps bool
}

var scenarios = map[string]scenario{
	"processes": {run: scenarioProcesses},
	"fork":      {run: scenarioFork},
	"asid":      {run: scenarioASIDChurn},
	"faults":    {run: scenarioFaults},
	"heap":      {run: scenarioHeap, keeps: true}, // heap pages stay mapped
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (mc *machine) run(name string) error {
	if name == "all" {
		for _, n := range scenarioNames() {
			if err := mc.run(n); err != nil {
				return err
			}
		}
		return nil
	}
	sc, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("vmsim: unknown scenario %q (have %v)", name, scenarioNames())
	}
	mc.printf("== %s\n", name)
	before := mc.m.Pages().Stats()
	if err := sc.run(mc); err != nil {
		return fmt.Errorf("vmsim: %s: %w", name, err)
	}
	if after := mc.m.Pages().Stats(); !sc.keeps && after != before {
		return fmt.Errorf("vmsim: %s leaked: before %+v after %+v", name, before, after)
	}
	return nil
}

// scenarioProcesses runs three processes with private pages and checks
// each sees only its own data.
func scenarioProcesses(mc *machine) error {
	var ps []*mm.AddressSpace
	for i := 0; i < 3; i++ {
		s, err := mc.spawn(4)
		if err != nil {
			return err
		}
		ps = append(ps, s)
	}
	for round := 0; round < 2; round++ {
		for _, s := range ps {
			if err := mc.touch(s); err != nil {
				return err
			}
		}
	}
	for _, s := range ps {
		mc.printf("process asid %d l1 %s pages %d\n", s.ASID(), s.Table().L1(), s.OwnedPages())
		if err := mc.destroy(s); err != nil {
			return err
		}
	}
	return nil
}

// scenarioFork writes through the parent, forks and checks the child got
// a copy that later parent writes do not reach.
func scenarioFork(mc *machine) error {
	parent, err := mc.spawn(2)
	if err != nil {
		return err
	}
	if err := mc.touch(parent); err != nil {
		return err
	}
	want := uint32(userBase) ^ uint32(parent.ASID())<<24
	child, err := mc.m.Fork(parent)
	if err != nil {
		return err
	}
	mc.spaces = append(mc.spaces, child)
	mc.next[child] = mc.next[parent]

	if err := mc.m.Activate(parent); err != nil {
		return err
	}
	if err := mc.mmu.Store32(userBase, 0xDEADBEEF, true); err != nil {
		return err
	}
	if err := mc.m.Activate(child); err != nil {
		return err
	}
	got, err := mc.mmu.Load32(userBase, true)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("child read 0x%08x, want 0x%08x", got, want)
	}
	mc.printf("fork: parent asid %d child asid %d, child keeps 0x%08x\n", parent.ASID(), child.ASID(), got)
	if err := mc.destroy(child); err != nil {
		return err
	}
	return mc.destroy(parent)
}

// scenarioASIDChurn creates and destroys more spaces than there are ASIDs
// while one long-lived process keeps running.
func scenarioASIDChurn(mc *machine) error {
	long, err := mc.spawn(1)
	if err != nil {
		return err
	}
	gen := mc.m.ASIDs().Generation()
	for i := 0; i < 600; i++ {
		s, err := mc.spawn(1)
		if err != nil {
			return err
		}
		if err := mc.touch(s); err != nil {
			return err
		}
		if i%50 == 0 {
			if err := mc.touch(long); err != nil {
				return err
			}
		}
		if err := mc.destroy(s); err != nil {
			return err
		}
	}
	if err := mc.touch(long); err != nil {
		return err
	}
	mc.printf("asid: %d generations passed, long-lived process now asid %d\n",
		mc.m.ASIDs().Generation()-gen, long.ASID())
	return mc.destroy(long)
}

// scenarioFaults provokes the aborts a process can take.
func scenarioFaults(mc *machine) error {
	s, err := mc.spawn(1)
	if err != nil {
		return err
	}
	ro, err := mc.m.AllocPage()
	if err != nil {
		return err
	}
	if err := s.MapPage(0x00400000, ro, mm.UserRO); err != nil {
		return err
	}
	if err := mc.m.Activate(s); err != nil {
		return err
	}

	probes := []struct {
		va    uint32
		write bool
		want  func(*hal.Fault) bool
	}{
		{0x00300000, false, (*hal.Fault).Translation},
		{userBase + mm.PageSize, false, (*hal.Fault).Translation},
		{0x00400000, true, (*hal.Fault).Permission},
	}
	for _, p := range probes {
		var err error
		if p.write {
			err = mc.mmu.Store32(p.va, 1, true)
		} else {
			_, err = mc.mmu.Load32(p.va, true)
		}
		var f *hal.Fault
		if !errors.As(err, &f) || !p.want(f) {
			return fmt.Errorf("probe 0x%08x: got %v", p.va, err)
		}
		mc.printf("fault: %v\n", f)
	}
	if _, err := mc.mmu.Load32(0x00400000, true); err != nil {
		return fmt.Errorf("read of read-only page: %w", err)
	}

	if err := s.UnmapPage(0x00400000); err != nil {
		return err
	}
	if err := mc.m.FreePage(ro); err != nil {
		return err
	}
	return mc.destroy(s)
}

// scenarioHeap allocates kernel heap blocks of mixed sizes, frees every
// other one and reallocates into the holes.
func scenarioHeap(mc *machine) error {
	var vas []mm.VirtAddr
	for i := 0; i < 64; i++ {
		va, err := mc.heap.Alloc(uint32(16 + i*97))
		if err != nil {
			return err
		}
		vas = append(vas, va)
	}
	for i := 0; i < len(vas); i += 2 {
		if err := mc.heap.Free(vas[i]); err != nil {
			return err
		}
	}
	for i := 0; i < len(vas); i += 2 {
		va, err := mc.heap.Alloc(uint32(16 + i*97))
		if err != nil {
			return err
		}
		vas[i] = va
	}
	for _, va := range vas {
		pa, err := mc.m.Tables().GetPhysicalAddress(nil, va)
		if err != nil {
			return err
		}
		if err := mc.mmu.Store32(uint32(va), uint32(pa), false); err != nil {
			return err
		}
	}
	st := mc.heap.Stats()
	mc.printf("heap: %d allocations in %d segments, %d pages backed\n", st.Allocations, st.Segments, st.MappedPages)
	for _, va := range vas {
		if err := mc.heap.Free(va); err != nil {
			return err
		}
	}
	return nil
}
