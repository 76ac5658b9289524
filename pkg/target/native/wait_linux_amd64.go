//go:build linux && amd64

package native

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
)

// si_code values of SIGTRAP raised by int3
const (
	trapBrkpt = 1
	siKernel  = 0x80
)

const waitPollInterval = 5 * time.Millisecond

// WaitEvent resumes every thread stopped without an outstanding event and
// waits for the next stop.
func (p *Process) WaitEvent(ctx context.Context) (breakpoint.Event, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return breakpoint.Event{}, io.EOF
	}
	if p.detached {
		p.mu.Unlock()
		return breakpoint.Event{}, errExited
	}
	var idle []*thread
	for _, th := range p.threads {
		if !th.running && !th.reported && !p.isPending(th.id) {
			idle = append(idle, th)
		}
	}
	p.mu.Unlock()
	for _, th := range idle {
		var err error
		p.execPtraceFunc(func() { err = p.resumeThread(th, 0) })
		if err != nil && err != sys.ESRCH {
			return breakpoint.Event{}, fmt.Errorf("resuming thread %d: %w", th.id, err)
		}
	}

	for {
		if ps, ok := p.popPending(); ok {
			if ev, ok, err := p.classify(ps.tid, ps.status); err != nil || ok {
				return ev, err
			}
			continue
		}

		var s sys.WaitStatus
		wpid, err := sys.Wait4(-1, &s, sys.WALL|sys.WNOHANG, nil)
		switch {
		case err == sys.EINTR:
			continue
		case err == sys.ECHILD:
			p.mu.Lock()
			p.exited = true
			p.mu.Unlock()
			return breakpoint.Event{Kind: breakpoint.EventExited, Thread: breakpoint.ThreadID(p.pid)}, nil
		case err != nil:
			return breakpoint.Event{}, fmt.Errorf("wait err %s %d", err, p.pid)
		}
		if wpid == 0 {
			select {
			case <-ctx.Done():
				return breakpoint.Event{}, ctx.Err()
			case <-time.After(waitPollInterval):
			}
			continue
		}
		ev, ok, err := p.classify(wpid, s)
		if err != nil || ok {
			return ev, err
		}
	}
}

func (p *Process) isPending(tid int) bool {
	for _, ps := range p.pending {
		if ps.tid == tid {
			return true
		}
	}
	return false
}

func (p *Process) popPending() (pendingStop, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return pendingStop{}, false
	}
	ps := p.pending[0]
	p.pending = p.pending[1:]
	return ps, true
}

// classify converts a wait status to an event. ok is false for stops that
// are handled here.
func (p *Process) classify(wpid int, status sys.WaitStatus) (ev breakpoint.Event, ok bool, err error) {
	ev.Thread = breakpoint.ThreadID(wpid)

	if status.Exited() || status.Signaled() {
		code := status.ExitStatus()
		if status.Signaled() {
			code = -int(status.Signal())
		}
		p.mu.Lock()
		delete(p.threads, wpid)
		if wpid == p.pid {
			p.exited = true
		}
		p.mu.Unlock()
		if wpid == p.pid {
			ev.Kind = breakpoint.EventExited
			ev.Code = code
		} else {
			ev.Kind = breakpoint.EventThreadExited
		}
		return ev, true, nil
	}
	if !status.Stopped() {
		return ev, false, nil
	}

	p.mu.Lock()
	th, known := p.threads[wpid]
	if !known {
		// A clone child can report its first stop before the parent
		// reports PTRACE_EVENT_CLONE.
		th = &thread{id: wpid, reported: true}
		p.threads[wpid] = th
	}
	th.running = false
	stepping := th.stepping
	p.mu.Unlock()
	if !known {
		return ev, false, nil
	}

	sig := status.StopSignal()
	switch {
	case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
		return p.cloned(th)
	case sig == sys.SIGTRAP && status.TrapCause() > 0:
		// other ptrace events are not requested
		return ev, false, p.resume(th, 0)
	case sig == sys.SIGSTOP:
		return ev, false, p.resume(th, 0)
	case sig == sys.SIGTRAP:
		ev, err = p.classifyTrap(th, stepping)
	default:
		ev.Kind = breakpoint.EventException
		ev.Code = int(sig)
		ev.PC, err = p.pc(wpid)
	}
	if err != nil {
		return ev, false, err
	}
	p.mu.Lock()
	th.reported = true
	p.mu.Unlock()
	return ev, true, nil
}

func (p *Process) cloned(parent *thread) (breakpoint.Event, bool, error) {
	var msg uint
	var err error
	p.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(parent.id) })
	if err != nil {
		return breakpoint.Event{}, false, p.resume(parent, 0)
	}
	tid := int(msg)
	p.mu.Lock()
	_, seen := p.threads[tid]
	p.mu.Unlock()
	if !seen {
		if _, err := p.waitThread(tid); err != nil {
			return breakpoint.Event{}, false, p.resume(parent, 0)
		}
		p.mu.Lock()
		p.threads[tid] = &thread{id: tid}
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.threads[tid].reported = true
	p.mu.Unlock()
	if err := p.resume(parent, 0); err != nil {
		return breakpoint.Event{}, false, err
	}
	pc, _ := p.pc(tid)
	return breakpoint.Event{Kind: breakpoint.EventThreadCreated, Thread: breakpoint.ThreadID(tid), PC: pc}, true, nil
}

func (p *Process) classifyTrap(th *thread, stepping bool) (breakpoint.Event, error) {
	ev := breakpoint.Event{Thread: breakpoint.ThreadID(th.id)}
	pc, err := p.pc(th.id)
	if err != nil {
		return ev, err
	}
	ev.PC = pc
	dr6, cond, err := p.debugStatus(th.id)
	if err != nil {
		return ev, err
	}
	switch {
	case dr6&((1<<amd64util.NumSlots)-1) != 0:
		ev.DebugStatus = dr6
		if cond == amd64util.CondExecute {
			ev.Kind = breakpoint.EventHardware
		} else {
			ev.Kind = breakpoint.EventSingleStep
		}
	case dr6&dr6BS != 0:
		ev.Kind = breakpoint.EventSingleStep
	default:
		code, err := p.sigCode(th.id)
		if err != nil {
			return ev, err
		}
		switch {
		case code == siKernel || code == trapBrkpt:
			ev.Kind = breakpoint.EventBreakpoint
			ev.PC = pc - memory.Address(len(breakpoint.DefaultTrapInstruction))
		case stepping:
			ev.Kind = breakpoint.EventSingleStep
		default:
			ev.Kind = breakpoint.EventException
			ev.Code = int(sys.SIGTRAP)
		}
	}
	return ev, nil
}

// sigCode returns si_code of the signal that stopped the thread.
func (p *Process) sigCode(tid int) (int32, error) {
	var info [128]byte
	var err error
	p.execPtraceFunc(func() {
		_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&info[0])), 0, 0)
		if e != syscall.Errno(0) {
			err = e
		}
	})
	// si_signo, si_errno, si_code
	return *(*int32)(unsafe.Pointer(&info[8])), err
}

// rewindBreakpoint rewinds tid to pc if the trap it executed at pc is gone.
func (p *Process) rewindBreakpoint(tid int, pc memory.Address) bool {
	var regs sys.PtraceRegs
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return false
	}
	return p.rewindRemovedTrap(tid, &regs, pc)
}

func (p *Process) resume(th *thread, sig int) error {
	var err error
	p.execPtraceFunc(func() { err = p.resumeThread(th, sig) })
	if err == sys.ESRCH {
		return nil
	}
	return err
}

// Resume resumes the thread that raised ev. Events passed through are
// delivered to the thread as signals, except for traps raised by the
// debug registers and by tracing, which the target never asked for.
// A trap passed through after its breakpoint was deleted is not delivered
// either: the thread restarts at the restored instruction.
func (p *Process) Resume(ev breakpoint.Event, decision breakpoint.Decision) error {
	switch ev.Kind {
	case breakpoint.EventExited, breakpoint.EventThreadExited:
		return nil
	}
	p.mu.Lock()
	th, ok := p.threads[int(ev.Thread)]
	if !ok || th.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sig := 0
	if decision == breakpoint.DecisionPassThrough {
		switch ev.Kind {
		case breakpoint.EventBreakpoint:
			sig = int(sys.SIGTRAP)
			if p.rewindBreakpoint(th.id, ev.PC) {
				p.log.Debugf("thread %d: trap at %#x removed, not delivered", th.id, uint64(ev.PC))
				sig = 0
			}
		case breakpoint.EventException:
			sig = ev.Code
		}
	}
	if ev.Kind == breakpoint.EventHardware {
		if err := p.setResumeFlag(th.id); err != nil {
			return err
		}
	}
	return p.resume(th, sig)
}
