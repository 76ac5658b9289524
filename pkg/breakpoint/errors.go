package breakpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/livecore/pkg/memory"
)

var (
	// ErrInvalidAddress is returned when the target bytes at the address
	// can not be read or written.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAlreadyExists is returned when a breakpoint of the same kind is
	// already set at the address, or the name is already taken.
	ErrAlreadyExists = errors.New("breakpoint already exists")
	// ErrNotFound is returned when no breakpoint matches.
	ErrNotFound = errors.New("no breakpoint")
	// ErrSlotsExhausted is returned when every debug register slot is
	// in use.
	ErrSlotsExhausted = errors.New("hardware breakpoint slots exhausted")
	// ErrProtectionChangeFailed is returned when page protection can not
	// be queried or changed.
	ErrProtectionChangeFailed = errors.New("page protection change failed")
	// ErrPartialFailure is returned when programming debug registers
	// succeeded on some threads only.
	ErrPartialFailure = errors.New("debug registers partially programmed")
)

// Error is returned by the manager operations. errors.Is matches it
// against the sentinel for its Kind and against its cause.
type Error struct {
	Op     string
	Addr   memory.Address
	BpKind Kind
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s breakpoint at %#x: %v", e.Op, e.BpKind, uint64(e.Addr), e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, k key, kind, err error) *Error {
	return &Error{Op: op, Addr: k.addr, BpKind: k.kind, Kind: kind, Err: err}
}

// PartialFailureError reports which threads were programmed when setting
// or clearing a hardware breakpoint failed on some of them. Callers can
// retry the failed threads with ProgramThread.
type PartialFailureError struct {
	Addr      memory.Address
	Slot      uint8
	Succeeded []ThreadID
	Failed    map[ThreadID]error
}

func (e *PartialFailureError) Error() string {
	tids := make([]int, 0, len(e.Failed))
	for tid := range e.Failed {
		tids = append(tids, int(tid))
	}
	sort.Ints(tids)
	var b strings.Builder
	fmt.Fprintf(&b, "hardware breakpoint at %#x (slot %d): %d threads programmed, failed on", uint64(e.Addr), e.Slot, len(e.Succeeded))
	for _, tid := range tids {
		fmt.Fprintf(&b, " %d (%v)", tid, e.Failed[ThreadID(tid)])
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
