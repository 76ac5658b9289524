package memory

import (
	"fmt"
	"strings"
)

// Address is a location in the target's address space. It is never
// dereferenced by this process.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

const (
	// PageShift is log2(PageSize).
	PageShift = 12
	// PageSize is the granularity of every OS memory operation issued by
	// the accessor.
	PageSize = 1 << PageShift
)

// PageBase returns the base of the page containing addr.
func PageBase(addr Address) Address {
	return addr &^ (PageSize - 1)
}

// PageOffset returns the offset of addr inside its page.
func PageOffset(addr Address) uint64 {
	return uint64(addr) & (PageSize - 1)
}

// PageSpan returns the first page and the number of pages covered by the
// half open range [addr, addr+size). ok is false if the range wraps around
// the end of the address space.
func PageSpan(addr Address, size uint64) (start Address, npages uint64, ok bool) {
	if size == 0 {
		return PageBase(addr), 0, true
	}
	if size-1 > ^uint64(0)-uint64(addr) {
		return 0, 0, false
	}
	last := uint64(addr) + size - 1
	start = PageBase(addr)
	end := last | (PageSize - 1)
	return start, (end-uint64(start))/PageSize + 1, true
}

// Arch describes the properties of the target architecture that matter to
// memory access.
type Arch struct {
	Name string
	// PtrSize is the size of a pointer in bytes.
	PtrSize int
	// MaxUserAddress is the highest address a user-mode process can map.
	MaxUserAddress Address
	// Canonical48 is true if addresses must be sign extended from bit 47.
	Canonical48 bool
}

var (
	// AMD64 is the x86-64 architecture with 48 bit virtual addresses.
	AMD64 = Arch{Name: "amd64", PtrSize: 8, MaxUserAddress: 0x00007FFFFFFFFFFF, Canonical48: true}
	// I386 is 32 bit x86.
	I386 = Arch{Name: "386", PtrSize: 4, MaxUserAddress: 0x7FFFFFFF}
)

// ParseArch returns the architecture called name.
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "amd64", "x86_64", "x64", "":
		return AMD64, nil
	case "386", "i386", "x86", "x32":
		return I386, nil
	}
	return Arch{}, fmt.Errorf("unknown architecture %q", name)
}

// IsCanonical reports whether addr is a canonical address for arch. On
// 48 bit architectures the top 17 bits must be all ones or all zeros.
func (arch Arch) IsCanonical(addr Address) bool {
	if !arch.Canonical48 {
		return uint64(addr) <= 0xFFFFFFFF
	}
	return ((uint64(addr)&0xFFFF800000000000)+0x800000000000)&^0x800000000000 == 0
}
