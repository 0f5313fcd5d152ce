package bitfield

// ARMv7 short-descriptor translation table formats. Field order follows the
// bit order of the hardware word, bit 0 first.

// SectionDesc is an L1 entry that maps 1MB directly (bits[1:0] = 10).
type SectionDesc struct {
	Type   uint8  `bitfield:",2"` // 0b10
	B      bool   `bitfield:",1"`
	C      bool   `bitfield:",1"`
	XN     bool   `bitfield:",1"`
	Domain uint8  `bitfield:",4"` // bits 8:5
	Impl   bool   `bitfield:",1"`
	AP     uint8  `bitfield:",2"` // bits 11:10
	TEX    uint8  `bitfield:",3"` // bits 14:12
	APX    bool   `bitfield:",1"` // AP[2], bit 15
	S      bool   `bitfield:",1"`
	NG     bool   `bitfield:",1"`
	Super  bool   `bitfield:",1"` // must be 0 for a section
	NS     bool   `bitfield:",1"`
	Base   uint32 `bitfield:",12"` // PA[31:20]
}

// PageTableDesc is an L1 entry pointing at an L2 table (bits[1:0] = 01).
type PageTableDesc struct {
	Type   uint8  `bitfield:",2"` // 0b01
	PXN    bool   `bitfield:",1"`
	NS     bool   `bitfield:",1"`
	SBZ    bool   `bitfield:",1"`
	Domain uint8  `bitfield:",4"` // bits 8:5
	Impl   bool   `bitfield:",1"`
	Base   uint32 `bitfield:",22"` // PA[31:10]
}

// SmallPageDesc is an L2 entry mapping 4KB. Bit 1 marks a small page and
// bit 0 is execute-never, so a valid entry reads 10 or 11 in bits[1:0].
type SmallPageDesc struct {
	XN    bool   `bitfield:",1"`
	Small bool   `bitfield:",1"`
	B     bool   `bitfield:",1"`
	C     bool   `bitfield:",1"`
	AP    uint8  `bitfield:",2"` // bits 5:4
	TEX   uint8  `bitfield:",3"` // bits 8:6
	APX   bool   `bitfield:",1"` // AP[2], bit 9
	S     bool   `bitfield:",1"`
	NG    bool   `bitfield:",1"`
	Base  uint32 `bitfield:",20"` // PA[31:12]
}

// FrameFlags is the state word kept in every physical frame record.
type FrameFlags struct {
	// Used is set while the frame is handed out by the allocator
	Used bool `bitfield:",1"`

	// Reserved frames (kernel image, boot tables) never enter the free list
	Reserved bool `bitfield:",1"`

	// Spare bits for future use (30 bits)
	Spare uint32 `bitfield:",30"`
}

var word = &Config{NumBits: 32}

func pack32(x interface{}) (uint32, error) {
	v, err := Pack(x, word)
	return uint32(v), err
}

func mustUnpack(v uint32, x interface{}) {
	if err := Unpack(uint64(v), x); err != nil {
		panic(err)
	}
}

// PackSection encodes d into a descriptor word.
func PackSection(d SectionDesc) (uint32, error) { return pack32(d) }

// UnpackSection decodes a section descriptor word.
func UnpackSection(v uint32) SectionDesc {
	var d SectionDesc
	mustUnpack(v, &d)
	return d
}

// PackPageTable encodes d into a descriptor word.
func PackPageTable(d PageTableDesc) (uint32, error) { return pack32(d) }

// UnpackPageTable decodes a page-table descriptor word.
func UnpackPageTable(v uint32) PageTableDesc {
	var d PageTableDesc
	mustUnpack(v, &d)
	return d
}

// PackSmallPage encodes d into a descriptor word.
func PackSmallPage(d SmallPageDesc) (uint32, error) { return pack32(d) }

// UnpackSmallPage decodes a small-page descriptor word.
func UnpackSmallPage(v uint32) SmallPageDesc {
	var d SmallPageDesc
	mustUnpack(v, &d)
	return d
}

// PackFrameFlags encodes f into a 32-bit word.
func PackFrameFlags(f FrameFlags) (uint32, error) { return pack32(f) }

// UnpackFrameFlags decodes a frame state word.
func UnpackFrameFlags(v uint32) FrameFlags {
	var f FrameFlags
	mustUnpack(v, &f)
	return f
}
