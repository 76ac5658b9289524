//go:build linux && amd64

package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
)

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

const (
	dr6Index = 6
	dr7Index = 7
	// eflagsRF suppresses instruction breakpoints for one instruction.
	eflagsRF = 1 << 16
	// dr6BS is set in DR6 by a single step trap.
	dr6BS = 1 << 14
)

func peekUser(tid int, idx int) (uint64, error) {
	var v uint64
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(idx)*unsafe.Sizeof(v)), uintptr(unsafe.Pointer(&v)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return v, nil
}

func pokeUser(tid int, idx int, v uint64) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(idx)*unsafe.Sizeof(v)), uintptr(v), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// withDebugRegisters calls f with the debug registers of a stopped thread
// and writes them back if f changed them.
func (p *Process) withDebugRegisters(tid int, f func(*amd64util.DebugRegisters) error) error {
	var err error
	p.execPtraceFunc(func() {
		var drs amd64util.DebugRegisters
		for i := range drs.Addr {
			if drs.Addr[i], err = peekUser(tid, i); err != nil {
				return
			}
		}
		if drs.Status, err = peekUser(tid, dr6Index); err != nil {
			return
		}
		if drs.Control, err = peekUser(tid, dr7Index); err != nil {
			return
		}

		if err = f(&drs); err != nil || !drs.Dirty {
			return
		}

		// DR7 must be written last, the kernel validates each address
		// against the enabled slots. Linux returns EIO for DR4 and DR5.
		if err = pokeUser(tid, dr7Index, 0); err != nil {
			return
		}
		for i := range drs.Addr {
			if err = pokeUser(tid, i, drs.Addr[i]); err != nil {
				return
			}
		}
		if err = pokeUser(tid, dr6Index, drs.Status); err != nil {
			return
		}
		err = pokeUser(tid, dr7Index, drs.Control)
	})
	return err
}

// SetSlot programs debug register slot on thread tid.
func (p *Process) SetSlot(tid breakpoint.ThreadID, slot uint8, addr memory.Address, access breakpoint.Access, size int) error {
	return p.withStopped(int(tid), func() error {
		return p.withDebugRegisters(int(tid), func(drs *amd64util.DebugRegisters) error {
			return drs.SetSlot(slot, uint64(addr), access.Condition(), size)
		})
	})
}

// ClearSlot disables debug register slot on thread tid.
func (p *Process) ClearSlot(tid breakpoint.ThreadID, slot uint8) error {
	return p.withStopped(int(tid), func() error {
		return p.withDebugRegisters(int(tid), func(drs *amd64util.DebugRegisters) error {
			drs.ClearSlot(slot)
			return nil
		})
	})
}

// debugStatus returns DR6 of a stopped thread and the condition of the
// slot it reports, then clears DR6.
func (p *Process) debugStatus(tid int) (dr6 uint64, cond amd64util.Condition, err error) {
	err = p.withDebugRegisters(tid, func(drs *amd64util.DebugRegisters) error {
		dr6 = drs.Status
		if idx, ok := drs.HitSlot(); ok {
			_, cond, _, _ = drs.Slot(idx)
		}
		if drs.Status != 0 {
			drs.Status = 0
			drs.Dirty = true
		}
		return nil
	})
	return dr6, cond, err
}

// SingleStep executes one instruction at pc on the stopped thread tid.
func (p *Process) SingleStep(tid breakpoint.ThreadID, pc memory.Address) error {
	id := int(tid)
	p.mu.Lock()
	th, ok := p.threads[id]
	if ok && th.running {
		ok = false
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("thread %d is not stopped", id)
	}

	var err error
	p.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(id, &regs); err != nil {
			return
		}
		regs.Rip = uint64(pc)
		err = sys.PtraceSetRegs(id, &regs)
	})
	if err != nil {
		return err
	}

	var sig int
	for {
		p.execPtraceFunc(func() { err = ptraceSingleStep(id, sig) })
		if err != nil {
			return err
		}
		status, err := p.waitThread(id)
		if err != nil {
			p.mu.Lock()
			delete(p.threads, id)
			p.mu.Unlock()
			return err
		}
		if s := status.StopSignal(); s == sys.SIGTRAP {
			break
		} else if s == sys.SIGSTOP {
			sig = 0
		} else {
			// an asynchronous signal arrived, deliver it with the step
			sig = int(s)
		}
	}
	_, _, err = p.debugStatus(id)
	return err
}

// setResumeFlag sets RF so that the instruction breakpoint that stopped
// the thread does not fire again when it resumes.
func (p *Process) setResumeFlag(tid int) error {
	var err error
	p.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		regs.Eflags |= eflagsRF
		err = sys.PtraceSetRegs(tid, &regs)
	})
	return err
}

func (p *Process) pc(tid int) (memory.Address, error) {
	var regs sys.PtraceRegs
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	return memory.Address(regs.Rip), err
}
