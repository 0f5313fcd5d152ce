package hal

import "fmt"

// DFSR/IFSR fault status codes (short-descriptor format, FS[3:0]).
const (
	FS_ALIGNMENT        = 0b00001
	FS_TRANSLATION_SECT = 0b00101
	FS_TRANSLATION_PAGE = 0b00111
	FS_DOMAIN_SECT      = 0b01001
	FS_DOMAIN_PAGE      = 0b01011
	FS_PERMISSION_SECT  = 0b01101
	FS_PERMISSION_PAGE  = 0b01111
	FS_ACCESS_FLAG_SECT = 0b00011
	FS_ACCESS_FLAG_PAGE = 0b00110
	FS_SYNC_EXTERNAL    = 0b01000
	FS_DEBUG            = 0b00010
)

// Fault is a failed translation, carrying what DFSR and DFAR would hold.
type Fault struct {
	Status  uint8
	Address uint32
	Write   bool
	User    bool
	Exec    bool
}

func (f *Fault) Error() string {
	kind := "read"
	switch {
	case f.Exec:
		kind = "prefetch"
	case f.Write:
		kind = "write"
	}
	mode := "kernel"
	if f.User {
		mode = "user"
	}
	return fmt.Sprintf("%s %s abort at 0x%08x: %s (FS=0x%02x)", mode, kind, f.Address, DescribeFault(f.Status), f.Status)
}

// Translation reports whether f is a missing-mapping fault.
func (f *Fault) Translation() bool {
	return f.Status == FS_TRANSLATION_SECT || f.Status == FS_TRANSLATION_PAGE
}

// Permission reports whether f is an access permission or XN fault.
func (f *Fault) Permission() bool {
	return f.Status == FS_PERMISSION_SECT || f.Status == FS_PERMISSION_PAGE
}

// DescribeFault names a fault status code.
func DescribeFault(status uint8) string {
	switch status {
	case FS_ALIGNMENT:
		return "alignment fault"
	case FS_TRANSLATION_SECT:
		return "translation fault (section)"
	case FS_TRANSLATION_PAGE:
		return "translation fault (page)"
	case FS_DOMAIN_SECT:
		return "domain fault (section)"
	case FS_DOMAIN_PAGE:
		return "domain fault (page)"
	case FS_PERMISSION_SECT:
		return "permission fault (section)"
	case FS_PERMISSION_PAGE:
		return "permission fault (page)"
	case FS_ACCESS_FLAG_SECT:
		return "access flag fault (section)"
	case FS_ACCESS_FLAG_PAGE:
		return "access flag fault (page)"
	case FS_SYNC_EXTERNAL:
		return "synchronous external abort"
	case FS_DEBUG:
		return "debug event"
	default:
		return "unknown fault"
	}
}

// DecodeFSR extracts FS[4:0] from a DFSR/IFSR value (FS[4] is bit 10).
func DecodeFSR(fsr uint32) uint8 {
	return uint8(fsr&0xF | (fsr>>6)&0x10)
}
