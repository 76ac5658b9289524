//go:build linux && amd64

package native

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/livecore/pkg/memory"
)

// ReadPage reads one page with process_vm_readv.
func (p *Process) ReadPage(addr memory.Address, page []byte) error {
	return p.readMemory(addr, page)
}

func (p *Process) readMemory(addr memory.Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []sys.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := sys.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", uint64(addr), n, len(buf))
	}
	return nil
}

// WritePage writes one page.
func (p *Process) WritePage(addr memory.Address, page []byte) error {
	return p.writeMemory(addr, page)
}

// WriteSpan writes data, which lies inside one page, without touching the
// rest of the page.
func (p *Process) WriteSpan(addr memory.Address, data []byte) error {
	return p.writeMemory(addr, data)
}

// writeMemory uses process_vm_writev, which honours page protection.
// Writes to read only pages, like code, fall back to PTRACE_POKEDATA
// through a stopped thread.
func (p *Process) writeMemory(addr memory.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	local := []sys.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := sys.ProcessVMWritev(p.pid, local, remote, 0)
	if err == nil && n == len(data) {
		return nil
	}
	if err != nil && err != sys.EFAULT {
		return err
	}
	return p.poke(addr, data)
}

func (p *Process) poke(addr memory.Address, data []byte) error {
	tid := p.stoppedThread()
	if tid == 0 {
		return p.withStopped(p.pid, func() error { return p.poke(addr, data) })
	}
	var n int
	var err error
	p.execPtraceFunc(func() { n, err = sys.PtracePokeData(tid, uintptr(addr), data) })
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", uint64(addr), n, len(data))
	}
	return nil
}

func (p *Process) stoppedThread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[p.pid]; ok && !th.running {
		return th.id
	}
	for _, th := range p.threads {
		if !th.running {
			return th.id
		}
	}
	return 0
}

// Protection returns the protection of page from /proc/<pid>/maps.
// Guard pages do not exist on Linux.
func (p *Process) Protection(page memory.Address) (memory.Protection, error) {
	maps, err := readMaps(p.pid)
	if err != nil {
		return 0, err
	}
	m, ok := findMapping(maps, page)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, uint64(page))
	}
	return m.prot, nil
}

// SetProtection always fails, mprotect can only be called by the process
// itself.
func (p *Process) SetProtection(page memory.Address, prot memory.Protection) error {
	return fmt.Errorf("%w: %#x %v", ErrProtectionChange, uint64(page), prot)
}

var errExited = errors.New("process exited")

var _ memory.SpanWriter = (*Process)(nil)

// readMaps returns the mappings of process pid sorted by address.
func readMaps(pid int) ([]mapping, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	pms, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading mappings of %d: %w", pid, err)
	}
	maps := make([]mapping, 0, len(pms))
	for _, pm := range pms {
		m := mapping{start: memory.Address(pm.StartAddr), end: memory.Address(pm.EndAddr), path: pm.Pathname}
		if perms := pm.Perms; perms != nil {
			m.prot = protection(perms.Read, perms.Write, perms.Execute, perms.Private)
		}
		maps = append(maps, m)
	}
	sortMappings(maps)
	return maps, nil
}
