package memory

import (
	"bytes"
	"errors"
	"testing"
)

var errUnmapped = errors.New("unmapped")

type fakePages struct {
	pages  map[Address][]byte
	bad    map[Address]bool
	reads  int
	writes int
}

func newFakePages(base Address, n int) *fakePages {
	fp := &fakePages{pages: map[Address][]byte{}, bad: map[Address]bool{}}
	for i := 0; i < n; i++ {
		page := make([]byte, PageSize)
		for j := range page {
			page[j] = byte(i*7 + j)
		}
		fp.pages[base+Address(i*PageSize)] = page
	}
	return fp
}

func (fp *fakePages) ReadPage(addr Address, page []byte) error {
	fp.reads++
	if addr&(PageSize-1) != 0 || len(page) != PageSize {
		panic("unaligned page read")
	}
	p, ok := fp.pages[addr]
	if !ok || fp.bad[addr] {
		return errUnmapped
	}
	copy(page, p)
	return nil
}

func (fp *fakePages) WritePage(addr Address, page []byte) error {
	fp.writes++
	if addr&(PageSize-1) != 0 || len(page) != PageSize {
		panic("unaligned page write")
	}
	p, ok := fp.pages[addr]
	if !ok || fp.bad[addr] {
		return errUnmapped
	}
	copy(p, page)
	return nil
}

func (fp *fakePages) expected(addr Address, size int) []byte {
	r := make([]byte, size)
	for i := range r {
		a := addr + Address(i)
		r[i] = fp.pages[PageBase(a)][PageOffset(a)]
	}
	return r
}

func TestReadWriteRoundTrip(t *testing.T) {
	fp := newFakePages(0x10000, 3)
	acc := NewAccessor(fp, AMD64)
	for _, tc := range []struct {
		addr Address
		size int
	}{
		{0x10000, 1},
		{0x10000, PageSize},
		{0x10ffe, 4},
		{0x10123, 100},
		{0x11fff, 1},
	} {
		data := make([]byte, tc.size)
		for i := range data {
			data[i] = byte(0xA0 + i)
		}
		if err := acc.Write(tc.addr, data); err != nil {
			t.Fatalf("Write(%#x, %d): %v", tc.addr, tc.size, err)
		}
		got := make([]byte, tc.size)
		if err := acc.Read(tc.addr, got); err != nil {
			t.Fatalf("Read(%#x, %d): %v", tc.addr, tc.size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch at %#x: % x vs % x", tc.addr, got, data)
		}
	}
}

func TestWritePreservesNeighbours(t *testing.T) {
	fp := newFakePages(0x10000, 1)
	acc := NewAccessor(fp, AMD64)
	before := fp.expected(0x10000, PageSize)
	if err := acc.Write(0x10010, []byte{0xCC}); err != nil {
		t.Fatal(err)
	}
	after := fp.expected(0x10000, PageSize)
	before[0x10] = 0xCC
	if !bytes.Equal(before, after) {
		t.Fatalf("write changed bytes outside the requested range")
	}
}

func TestReadPageCount(t *testing.T) {
	const base = 0x400000
	fp := newFakePages(base, 8)
	acc := NewAccessor(fp, AMD64)
	for _, off := range []Address{0, 1, 0x7ff, PageSize - 1} {
		for _, size := range []int{1, PageSize - int(off), PageSize, 3 * PageSize, 5*PageSize + 17} {
			addr := base + off
			_, npages, _ := PageSpan(addr, uint64(size))
			fp.reads = 0
			buf := make([]byte, size)
			if err := acc.Read(addr, buf); err != nil {
				t.Fatalf("Read(%#x, %d): %v", addr, size, err)
			}
			if uint64(fp.reads) != npages {
				t.Fatalf("Read(%#x, %d): expected %d page reads, got %d", addr, size, npages, fp.reads)
			}
			if !bytes.Equal(buf, fp.expected(addr, size)) {
				t.Fatalf("Read(%#x, %d): wrong content", addr, size)
			}
		}
	}
}

func TestZeroSize(t *testing.T) {
	fp := newFakePages(0x10000, 1)
	acc := NewAccessor(fp, AMD64)
	if err := acc.Read(0xdeadbeef, nil); err != nil {
		t.Fatalf("zero sized read failed: %v", err)
	}
	if err := acc.Write(^Address(0), []byte{}); err != nil {
		t.Fatalf("zero sized write failed: %v", err)
	}
	if fp.reads != 0 || fp.writes != 0 {
		t.Fatalf("zero sized requests touched the OS layer")
	}
}

func TestAboveCeiling(t *testing.T) {
	fp := newFakePages(0x10000, 1)
	for _, tc := range []struct {
		arch Arch
		addr Address
		size int
	}{
		{AMD64, AMD64.MaxUserAddress + 1, 1},
		{AMD64, 0xFFFFFFFFFFFFF000, 16},
		{AMD64, AMD64.MaxUserAddress, 2},
		{I386, 0x80000000, 4},
	} {
		acc := NewAccessor(fp, tc.arch)
		fp.reads = 0
		err := acc.Read(tc.addr, make([]byte, tc.size))
		if !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%s Read(%#x, %d): expected ErrInvalidAddress, got %v", tc.arch.Name, tc.addr, tc.size, err)
		}
		if fp.reads != 0 {
			t.Fatalf("%s Read(%#x, %d): OS layer touched", tc.arch.Name, tc.addr, tc.size)
		}
	}
}

func TestWrapRejected(t *testing.T) {
	if _, _, ok := PageSpan(0xFFFFFFFFFFFFFFF0, 0x20); ok {
		t.Fatalf("expected wrapping span to be rejected")
	}
	if start, n, ok := PageSpan(0x1fff, 2); !ok || start != 0x1000 || n != 2 {
		t.Fatalf("PageSpan(0x1fff, 2) = %#x %d %v", start, n, ok)
	}
}

func TestStopsAtFailingPage(t *testing.T) {
	const base = 0x10000
	fp := newFakePages(base, 4)
	fp.bad[base+2*PageSize] = true
	acc := NewAccessor(fp, AMD64)

	buf := make([]byte, 4*PageSize)
	err := acc.Read(base, buf)
	var merr *Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if merr.Addr != base+2*PageSize {
		t.Fatalf("expected failure at %#x, got %#x", base+2*PageSize, merr.Addr)
	}
	if !errors.Is(err, errUnmapped) {
		t.Fatalf("OS error not wrapped: %v", err)
	}
	if fp.reads != 3 {
		t.Fatalf("expected 3 page reads, got %d", fp.reads)
	}
	if !bytes.Equal(buf[:2*PageSize], fp.expected(base, 2*PageSize)) {
		t.Fatalf("pages before the failing one were not copied")
	}
}

func TestPatch(t *testing.T) {
	fp := newFakePages(0x10000, 1)
	acc := NewAccessor(fp, AMD64)
	want := fp.expected(0x10100, 2)
	old, err := acc.Patch(0x10100, []byte{0x90, 0x90})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(old, want) {
		t.Fatalf("Patch returned % x, expected % x", old, want)
	}
	if !acc.IsValidReadPtr(0x10100) || acc.IsValidReadPtr(0x20000) {
		t.Fatalf("IsValidReadPtr wrong")
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Address
		ok   bool
	}{
		{0, true},
		{0x00007FFFFFFFFFFF, true},
		{0x0000800000000000, false},
		{0xFFFF800000000000, true},
		{0xFFFFFFFFFFFFFFFF, true},
		{0x1234000000000000, false},
	} {
		if got := AMD64.IsCanonical(tc.addr); got != tc.ok {
			t.Errorf("IsCanonical(%#x) = %v", tc.addr, got)
		}
	}
}

func TestProtectionStrings(t *testing.T) {
	for _, tc := range []struct {
		in   string
		prot Protection
		str  string
	}{
		{"ExecuteRead", ProtExec | ProtRead, "ER---"},
		{"readwrite", ProtRead | ProtWrite, "-RW--"},
		{"GReadOnly", ProtGuard | ProtRead, "-R--G"},
		{"NoAccess", 0, "-----"},
		{"WriteCopy", ProtRead | ProtWrite | ProtCopyOnWrite, "-RWC-"},
	} {
		p, err := ParseRights(tc.in)
		if err != nil {
			t.Fatalf("ParseRights(%q): %v", tc.in, err)
		}
		if p != tc.prot {
			t.Fatalf("ParseRights(%q) = %v, expected %v", tc.in, p, tc.prot)
		}
		if p.String() != tc.str {
			t.Fatalf("%q.String() = %q, expected %q", tc.in, p.String(), tc.str)
		}
	}
	if _, err := ParseRights("Bogus"); err == nil {
		t.Fatalf("expected error for unknown rights")
	}
}

type spanPages struct {
	*fakePages
	spans int
}

func (sp *spanPages) WriteSpan(addr Address, data []byte) error {
	sp.spans++
	if PageBase(addr) != PageBase(addr+Address(len(data)-1)) {
		panic("span crosses a page")
	}
	p, ok := sp.pages[PageBase(addr)]
	if !ok || sp.bad[PageBase(addr)] {
		return errUnmapped
	}
	copy(p[PageOffset(addr):], data)
	return nil
}

func TestWriteSpans(t *testing.T) {
	const base = Address(0x10000)
	sp := &spanPages{fakePages: newFakePages(base, 3)}
	a := NewAccessor(sp, AMD64)

	// head and tail are partial, the middle page is whole
	addr := base + 0xff0
	data := bytes.Repeat([]byte{0xab}, PageSize+0x20)
	want := sp.expected(base, 3*PageSize)
	copy(want[0xff0:], data)
	if err := a.Write(addr, data); err != nil {
		t.Fatal(err)
	}
	if sp.reads != 0 {
		t.Fatalf("expected no page reads, got %d", sp.reads)
	}
	if sp.spans != 2 || sp.writes != 1 {
		t.Fatalf("expected 2 spans and 1 page write, got %d and %d", sp.spans, sp.writes)
	}
	if got := sp.expected(base, 3*PageSize); !bytes.Equal(got, want) {
		t.Fatal("memory around the written range changed")
	}

	sp.bad[base+2*PageSize] = true
	err := a.Write(addr, data)
	var merr *Error
	if !errors.As(err, &merr) || merr.Addr != base+2*PageSize || !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unexpected error %v", err)
	}
}
