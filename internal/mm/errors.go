package mm

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrOutOfMemory        = errors.New("out of physical memory")
	ErrNoAlignedRun       = errors.New("no aligned run of free frames")
	ErrASIDExhausted      = errors.New("ASID pool exhausted")
	ErrNotMapped          = errors.New("address not mapped")
	ErrDoubleFree         = errors.New("frame is already free")
	ErrBadFrame           = errors.New("address is not an allocatable frame")
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrAlreadyEnabled     = errors.New("MMU already enabled")
	ErrKernelRange        = errors.New("address outside the user range")
	ErrBadUserPointer     = errors.New("bad user pointer")
	ErrSpaceDestroyed     = errors.New("address space destroyed")
)

// FatalError is the panic value of an unrecoverable table or allocator
// inconsistency. On hardware the kernel stops here; in tests it can be
// recovered and inspected.
type FatalError struct {
	Op  string
	Msg string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("mm: fatal: %s: %s", e.Op, e.Msg)
}

// halt logs the failure and stops.
func halt(log *slog.Logger, op, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(op+": halt", "reason", msg)
	panic(&FatalError{Op: op, Msg: msg})
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
