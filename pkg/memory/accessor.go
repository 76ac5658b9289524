package memory

import (
	"errors"
	"fmt"

	"github.com/go-delve/livecore/pkg/logflags"
)

// ErrInvalidAddress is returned (wrapped in *Error) when a request falls
// outside the user address range, wraps around the address space, or hits
// a page the OS refuses to read or write.
var ErrInvalidAddress = errors.New("invalid address")

// PageReadWriter is the single-page OS primitive. Addresses passed to it
// are always page aligned and page is always PageSize bytes long.
type PageReadWriter interface {
	ReadPage(addr Address, page []byte) error
	WritePage(addr Address, page []byte) error
}

// SpanWriter is implemented by targets that can write part of a page
// directly. The span passed to WriteSpan never crosses a page boundary.
// Accessors use it instead of reading and writing back whole pages, so
// that the bytes around the span are never rewritten.
type SpanWriter interface {
	WriteSpan(addr Address, data []byte) error
}

// Error describes a failed Read or Write. Addr is the page (or requested
// address, for range errors) that caused the failure.
type Error struct {
	Op   string
	Addr Address
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory %s at %#x: %v", e.Op, uint64(e.Addr), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Accessor reads and writes arbitrary byte ranges of a target by splitting
// them into page sized operations. Nothing is cached between calls: target
// memory can change at any time.
type Accessor struct {
	mem  PageReadWriter
	spans SpanWriter
	arch Arch
	log  logflags.Logger
}

// NewAccessor returns an accessor for mem on architecture arch. If mem
// also implements SpanWriter, partial pages are written with WriteSpan.
func NewAccessor(mem PageReadWriter, arch Arch) *Accessor {
	a := &Accessor{mem: mem, arch: arch, log: logflags.MemoryLogger()}
	a.spans, _ = mem.(SpanWriter)
	return a
}

// Arch returns the architecture the accessor was created for.
func (a *Accessor) Arch() Arch {
	return a.arch
}

// Read fills buf with the target memory starting at addr.
// If an error is returned the contents of buf are undefined: pages before
// the failing one have already been copied.
func (a *Accessor) Read(addr Address, buf []byte) error {
	start, npages, err := a.span("read", addr, len(buf))
	if err != nil || npages == 0 {
		return err
	}
	page := make([]byte, PageSize)
	off := PageOffset(addr)
	done := 0
	for i := uint64(0); i < npages; i++ {
		base := start + Address(i*PageSize)
		n := chunk(off, len(buf)-done)
		if err := a.mem.ReadPage(base, page); err != nil {
			return a.pageError("read", base, err)
		}
		copy(buf[done:done+n], page[off:])
		done += n
		off = 0
	}
	return nil
}

// Write copies buf into target memory starting at addr. Pages only
// partially covered by buf are written with WriteSpan when the target
// supports it, otherwise they are read first so that the bytes around the
// requested range are preserved.
// If an error is returned the pages before the failing one have already
// been written.
func (a *Accessor) Write(addr Address, buf []byte) error {
	start, npages, err := a.span("write", addr, len(buf))
	if err != nil || npages == 0 {
		return err
	}
	page := make([]byte, PageSize)
	off := PageOffset(addr)
	done := 0
	for i := uint64(0); i < npages; i++ {
		base := start + Address(i*PageSize)
		n := chunk(off, len(buf)-done)
		if n != PageSize && a.spans != nil {
			if err := a.spans.WriteSpan(base+Address(off), buf[done:done+n]); err != nil {
				return a.pageError("write", base, err)
			}
			done += n
			off = 0
			continue
		}
		if n != PageSize {
			if err := a.mem.ReadPage(base, page); err != nil {
				return a.pageError("write", base, err)
			}
		}
		copy(page[off:], buf[done:done+n])
		if err := a.mem.WritePage(base, page); err != nil {
			return a.pageError("write", base, err)
		}
		done += n
		off = 0
	}
	return nil
}

// IsValidReadPtr returns true if the byte at addr can be read.
func (a *Accessor) IsValidReadPtr(addr Address) bool {
	var b [1]byte
	return a.Read(addr, b[:]) == nil
}

// Patch writes data at addr and returns the bytes it replaced. Nothing is
// written if the old bytes can not be read.
func (a *Accessor) Patch(addr Address, data []byte) (old []byte, err error) {
	old = make([]byte, len(data))
	if err := a.Read(addr, old); err != nil {
		return nil, err
	}
	if err := a.Write(addr, data); err != nil {
		return nil, err
	}
	return old, nil
}

func (a *Accessor) span(op string, addr Address, size int) (Address, uint64, error) {
	if size == 0 {
		return 0, 0, nil
	}
	if addr > a.arch.MaxUserAddress {
		return 0, 0, &Error{Op: op, Addr: addr, Err: fmt.Errorf("%w: above user address ceiling %#x", ErrInvalidAddress, uint64(a.arch.MaxUserAddress))}
	}
	start, npages, ok := PageSpan(addr, uint64(size))
	if !ok || start+Address(npages*PageSize) < start {
		return 0, 0, &Error{Op: op, Addr: addr, Err: fmt.Errorf("%w: range of %d bytes wraps around", ErrInvalidAddress, size)}
	}
	if addr+Address(size-1) > a.arch.MaxUserAddress {
		return 0, 0, &Error{Op: op, Addr: addr, Err: fmt.Errorf("%w: range of %d bytes crosses user address ceiling", ErrInvalidAddress, size)}
	}
	return start, npages, nil
}

func (a *Accessor) pageError(op string, page Address, err error) error {
	a.log.Debugf("%s of page %#x failed: %v", op, uint64(page), err)
	return &Error{Op: op, Addr: page, Err: fmt.Errorf("%w: %w", ErrInvalidAddress, err)}
}

// chunk returns how many bytes of a page starting at off belong to a
// request that still has remaining bytes to transfer.
func chunk(off uint64, remaining int) int {
	n := PageSize - int(off)
	if remaining < n {
		return remaining
	}
	return n
}
