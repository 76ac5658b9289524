//go:build linux && amd64

package native

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/go-delve/livecore/pkg/memory"
)

var writable = [64]byte{1}

func TestReadMaps(t *testing.T) {
	maps, err := readMaps(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(maps); i++ {
		if maps[i].start < maps[i-1].start {
			t.Fatalf("mappings not sorted at %d", i)
		}
	}
	m, ok := findMapping(maps, memory.Address(uintptr(unsafe.Pointer(&writable[0]))))
	if !ok {
		t.Fatal("data mapping not found")
	}
	if m.prot&(memory.ProtRead|memory.ProtWrite) != memory.ProtRead|memory.ProtWrite {
		t.Fatalf("data mapping has protection %v", m.prot)
	}
}

func TestReadMapsNoProcess(t *testing.T) {
	if _, err := readMaps(-1); err == nil {
		t.Fatal("expected error")
	}
}

var spanTarget [64]byte

func TestWriteSpanSelf(t *testing.T) {
	buf := &spanTarget
	for i := range buf {
		buf[i] = byte(i)
	}
	want := *buf
	copy(want[8:12], []byte{0xcc, 0xcc, 0xcc, 0xcc})

	p := &Process{pid: os.Getpid()}
	addr := memory.Address(uintptr(unsafe.Pointer(&buf[8])))
	if memory.PageBase(addr) != memory.PageBase(addr+3) {
		t.Skip("span crosses a page")
	}
	err := p.WriteSpan(addr, []byte{0xcc, 0xcc, 0xcc, 0xcc})
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOSYS) {
		t.Skipf("process_vm_writev not allowed: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:], want[:]) {
		t.Fatalf("got % x", buf)
	}
}
