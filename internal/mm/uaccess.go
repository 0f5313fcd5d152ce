package mm

import "fmt"

// IsUserAddr reports whether [va, va+length) lies in the user range of s
// and every page in it is a user mapping, writable if write is set.
func (m *Manager) IsUserAddr(s *AddressSpace, va VirtAddr, length uint32, write bool) bool {
	if s == nil || s.dead {
		return false
	}
	end := uint64(va) + uint64(length)
	if end > m.tables.UserTop() {
		return false
	}
	if length == 0 {
		return true
	}
	for page := uint64(va) &^ (PageSize - 1); page < end; page += PageSize {
		mp, err := m.tables.Lookup(s.table, VirtAddr(page))
		if err != nil || mp.Flags&FlagUser == 0 {
			return false
		}
		if write && mp.Flags&FlagWrite == 0 {
			return false
		}
	}
	return true
}

// CopyToUser writes src to dst in s after validating the range.
func (m *Manager) CopyToUser(s *AddressSpace, dst VirtAddr, src []byte) error {
	if !m.IsUserAddr(s, dst, uint32(len(src)), true) {
		return fmt.Errorf("vm: copy to %s (+%d): %w", dst, len(src), ErrBadUserPointer)
	}
	return m.eachChunk(s, dst, len(src), func(pa PhysAddr, off, n int) {
		m.mem.WriteBytes(uint32(pa), src[off:off+n])
	})
}

// CopyFromUser fills dst from src in s after validating the range.
func (m *Manager) CopyFromUser(s *AddressSpace, dst []byte, src VirtAddr) error {
	if !m.IsUserAddr(s, src, uint32(len(dst)), false) {
		return fmt.Errorf("vm: copy from %s (+%d): %w", src, len(dst), ErrBadUserPointer)
	}
	return m.eachChunk(s, src, len(dst), func(pa PhysAddr, off, n int) {
		m.mem.ReadBytes(uint32(pa), dst[off:off+n])
	})
}

// eachChunk splits [va, va+n) at page boundaries and hands each piece's
// physical address to fn.
func (m *Manager) eachChunk(s *AddressSpace, va VirtAddr, n int, fn func(pa PhysAddr, off, n int)) error {
	for off := 0; off < n; {
		cur := VirtAddr(uint32(va) + uint32(off))
		pa, err := m.tables.GetPhysicalAddress(s.table, cur)
		if err != nil {
			return fmt.Errorf("vm: %w: %w", ErrBadUserPointer, err)
		}
		chunk := min(n-off, PageSize-int(uint32(cur)&(PageSize-1)))
		fn(pa, off, chunk)
		off += chunk
	}
	return nil
}
