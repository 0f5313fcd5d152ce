package mm

import "math/bits"

// l2Frame is one 4KB frame split into four 1KB L2 tables.
type l2Frame struct {
	pa   PhysAddr
	used uint8 // one bit per 1KB slot
}

// l2Pool tracks the L2 tables a Table owns. Slots are never released
// individually; an emptied L2 table stays in place until the pool goes.
type l2Pool struct {
	frames []l2Frame
}

// alloc returns a zeroed 1KB table. newFrame must return a zeroed 4KB frame.
func (p *l2Pool) alloc(newFrame func() (PhysAddr, error)) (PhysAddr, error) {
	for i := range p.frames {
		f := &p.frames[i]
		if f.used == 1<<L2TablesPerPage-1 {
			continue
		}
		slot := bits.TrailingZeros8(^f.used)
		f.used |= 1 << slot
		return f.pa + PhysAddr(slot*L2TableSize), nil
	}
	pa, err := newFrame()
	if err != nil {
		return 0, err
	}
	p.frames = append(p.frames, l2Frame{pa: pa, used: 1})
	return pa, nil
}

func (p *l2Pool) owns(l2 PhysAddr) bool {
	base := PhysAddr(uint32(l2) &^ (PageSize - 1))
	for _, f := range p.frames {
		if f.pa == base {
			return f.used&(1<<((uint32(l2)&(PageSize-1))/L2TableSize)) != 0
		}
	}
	return false
}

func (p *l2Pool) tables() int {
	n := 0
	for _, f := range p.frames {
		n += bits.OnesCount8(f.used)
	}
	return n
}

// release hands every frame to free and empties the pool.
func (p *l2Pool) release(free func(PhysAddr) error) error {
	for _, f := range p.frames {
		if err := free(f.pa); err != nil {
			return err
		}
	}
	p.frames = nil
	return nil
}
