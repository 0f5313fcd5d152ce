package mm

import "fmt"

// AddressSpace is one process's view of memory: a private L1 table, the L2
// tables and pages it owns, and an ASID.
type AddressSpace struct {
	m     *Manager
	table *Table
	asid  ASID
	gen   uint32
	owned map[VirtAddr]PhysAddr
	dead  bool
}

// ASID is the space's current ASID. It can change on Activate after a
// rollover.
func (s *AddressSpace) ASID() ASID { return s.asid }

// Generation is the ASID generation s last acquired in.
func (s *AddressSpace) Generation() uint32 { return s.gen }

// Table is the space's L1 table.
func (s *AddressSpace) Table() *Table { return s.table }

// OwnedPages counts the frames s frees on Destroy.
func (s *AddressSpace) OwnedPages() int { return len(s.owned) }

// MapPage maps a caller-owned frame into the user range.
func (s *AddressSpace) MapPage(va VirtAddr, pa PhysAddr, flags Flags) error {
	defer s.m.enterCritical()()
	if s.dead {
		return ErrSpaceDestroyed
	}
	return s.m.tables.MapPage(s.table, va, pa, flags)
}

// AllocAndMap backs va with a fresh zeroed frame that s owns.
func (s *AddressSpace) AllocAndMap(va VirtAddr, flags Flags) (PhysAddr, error) {
	defer s.m.enterCritical()()
	if s.dead {
		return 0, ErrSpaceDestroyed
	}
	if old, ok := s.owned[va]; ok {
		return 0, fmt.Errorf("vm: %s already backed by %s", va, old)
	}
	pa, err := s.m.AllocPage()
	if err != nil {
		return 0, err
	}
	if err := s.m.tables.MapPage(s.table, va, pa, flags); err != nil {
		_ = s.m.pages.FreePage(pa)
		return 0, err
	}
	s.owned[va] = pa
	return pa, nil
}

// UnmapPage removes the mapping at va, freeing the frame if s owns it.
func (s *AddressSpace) UnmapPage(va VirtAddr) error {
	defer s.m.enterCritical()()
	if s.dead {
		return ErrSpaceDestroyed
	}
	if err := s.m.tables.UnmapPage(s.table, va); err != nil {
		return err
	}
	if pa, ok := s.owned[va]; ok {
		delete(s.owned, va)
		return s.m.pages.FreePage(pa)
	}
	return nil
}

// Translate resolves va as the hardware would with s installed.
func (s *AddressSpace) Translate(va VirtAddr) (PhysAddr, error) {
	return s.m.tables.GetPhysicalAddress(s.table, va)
}
