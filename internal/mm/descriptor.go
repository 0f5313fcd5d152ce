package mm

import (
	"strings"

	"github.com/Code-Allergy/kernel-project-sub000/bitfield"
)

// Flags describe a mapping independent of the descriptor format.
type Flags uint16

const (
	FlagWrite Flags = 1 << iota
	FlagUser
	FlagExec
	FlagCached
	FlagDevice
	FlagStronglyOrdered
	FlagShared
)

// Common combinations.
const (
	KernelData   = FlagWrite | FlagCached
	KernelText   = FlagExec | FlagCached
	KernelDevice = FlagWrite | FlagDevice | FlagShared
	UserData     = FlagUser | FlagWrite | FlagCached
	UserText     = FlagUser | FlagExec | FlagCached
	UserRO       = FlagUser | FlagCached
)

func (f Flags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit Flags
		on  byte
	}{{FlagUser, 'u'}, {FlagWrite, 'w'}, {FlagExec, 'x'}} {
		if f&c.bit != 0 {
			b.WriteByte(c.on)
		} else {
			b.WriteByte('-')
		}
	}
	switch {
	case f&FlagStronglyOrdered != 0:
		b.WriteString(" so")
	case f&FlagDevice != 0:
		b.WriteString(" dev")
	case f&FlagCached != 0:
		b.WriteString(" wb")
	default:
		b.WriteString(" nc")
	}
	if f&FlagShared != 0 {
		b.WriteString(" s")
	}
	return b.String()
}

// Descriptor type bits[1:0].
const (
	l1Fault     = 0b00
	l1PageTable = 0b01
	l1Section   = 0b10
	l1TypeMask  = 0b11

	l2SmallPage = 0b10 // bit 1, bit 0 is XN

	sectionBaseMask   = 0xFFF00000
	pageTableBaseMask = 0xFFFFFC00
	smallPageBaseMask = 0xFFFFF000
)

// attrs is the part of a descriptor that both sections and small pages carry.
type attrs struct {
	xn, b, c, s, ng, apx bool
	ap, tex              uint8
}

func attrsFor(f Flags) attrs {
	var a attrs
	a.xn = f&FlagExec == 0
	a.s = f&FlagShared != 0
	a.ng = f&FlagUser != 0
	switch {
	case f&FlagStronglyOrdered != 0:
		// TEX 000, C 0, B 0
	case f&FlagDevice != 0:
		a.b = true
	case f&FlagCached != 0:
		a.tex, a.c, a.b = 1, true, true
	default:
		a.tex = 1
	}
	switch {
	case f&FlagUser != 0 && f&FlagWrite != 0:
		a.ap = 3
	case f&FlagUser != 0:
		a.ap = 2
	case f&FlagWrite != 0:
		a.ap = 1
	default:
		a.ap, a.apx = 1, true
	}
	return a
}

func (a attrs) flags() Flags {
	var f Flags
	if !a.xn {
		f |= FlagExec
	}
	if a.s {
		f |= FlagShared
	}
	switch {
	case a.tex == 0 && !a.c && !a.b:
		f |= FlagStronglyOrdered
	case a.tex == 0 && !a.c && a.b:
		f |= FlagDevice
	case a.c:
		f |= FlagCached
	}
	switch {
	case a.apx:
		// kernel read-only
	case a.ap == 3:
		f |= FlagUser | FlagWrite
	case a.ap == 2:
		f |= FlagUser
	case a.ap == 1:
		f |= FlagWrite
	}
	return f
}

func mustPack(v uint32, err error) uint32 {
	if err != nil {
		panic(err)
	}
	return v
}

// smallPageDesc encodes an L2 small-page descriptor.
func smallPageDesc(pa PhysAddr, f Flags) uint32 {
	return smallPageTemplate(f) | uint32(pa)&smallPageBaseMask
}

// smallPageTemplate is the descriptor for f with a zero base, so identity
// loops can OR in addresses without re-encoding.
func smallPageTemplate(f Flags) uint32 {
	a := attrsFor(f)
	return mustPack(bitfield.PackSmallPage(bitfield.SmallPageDesc{
		XN: a.xn, Small: true, B: a.b, C: a.c,
		AP: a.ap, TEX: a.tex, APX: a.apx, S: a.s, NG: a.ng,
	}))
}

func sectionTemplate(f Flags, domain uint8) uint32 {
	a := attrsFor(f)
	return mustPack(bitfield.PackSection(bitfield.SectionDesc{
		Type: l1Section, B: a.b, C: a.c, XN: a.xn, Domain: domain,
		AP: a.ap, TEX: a.tex, APX: a.apx, S: a.s, NG: a.ng,
	}))
}

// sectionDesc encodes an L1 section descriptor.
func sectionDesc(pa PhysAddr, f Flags, domain uint8) uint32 {
	return sectionTemplate(f, domain) | uint32(pa)&sectionBaseMask
}

// pageTableDesc encodes an L1 descriptor pointing at an L2 table.
func pageTableDesc(l2 PhysAddr, domain uint8) uint32 {
	return mustPack(bitfield.PackPageTable(bitfield.PageTableDesc{
		Type: l1PageTable, Domain: domain, Base: uint32(l2) >> 10,
	}))
}

func smallPageFlags(desc uint32) Flags {
	d := bitfield.UnpackSmallPage(desc)
	return attrs{xn: d.XN, b: d.B, c: d.C, s: d.S, ng: d.NG, apx: d.APX, ap: d.AP, tex: d.TEX}.flags()
}

func sectionFlags(desc uint32) Flags {
	d := bitfield.UnpackSection(desc)
	return attrs{xn: d.XN, b: d.B, c: d.C, s: d.S, ng: d.NG, apx: d.APX, ap: d.AP, tex: d.TEX}.flags()
}

func descDomain(desc uint32) uint8 { return uint8(desc>>5) & 0xF }

// splitTemplate converts a section's attributes into the small-page
// template that maps the same megabyte page by page.
func splitTemplate(section uint32) uint32 {
	d := bitfield.UnpackSection(section)
	return mustPack(bitfield.PackSmallPage(bitfield.SmallPageDesc{
		XN: d.XN, Small: true, B: d.B, C: d.C,
		AP: d.AP, TEX: d.TEX, APX: d.APX, S: d.S, NG: d.NG,
	}))
}

func l2Valid(desc uint32) bool { return desc&l2SmallPage != 0 }
