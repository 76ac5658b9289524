//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"syscall"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/logflags"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/target"
)

type thread struct {
	id      int
	running bool
	// reported is set while the stop of the thread is an event not yet
	// resumed by the event loop.
	reported bool
	// stepping is set if the thread was last resumed with
	// PTRACE_SINGLESTEP for tracing.
	stepping bool
	// held is the wait status of a stop that happened while Halt was
	// waiting for SIGSTOP. The SIGSTOP is still pending.
	held *sys.WaitStatus
}

type pendingStop struct {
	tid    int
	status sys.WaitStatus
}

// Process is a process traced with ptrace.
type Process struct {
	pid  int
	opts Options

	mu      sync.Mutex
	threads map[int]*thread
	pending []pendingStop

	exited, detached bool

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
	log            logflags.Logger
}

var _ target.Process = (*Process)(nil)

func newProcess(pid int, opts Options) *Process {
	p := &Process{
		pid:            pid,
		opts:           opts,
		threads:        make(map[int]*thread),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		log:            logflags.NativeLogger().WithField("pid", pid),
	}
	go p.handlePtraceFuncs()
	return p
}

// Attach attaches to every thread of process pid. The process is left
// stopped, the first call to WaitEvent resumes it.
func Attach(pid int, opts Options) (target.Process, error) {
	p := newProcess(pid, opts)
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceAttach(pid) })
	if err != nil {
		p.close()
		return nil, fmt.Errorf("could not attach to %d: %w", pid, err)
	}
	if err := p.waitStopped(pid); err != nil {
		p.close()
		return nil, err
	}
	if err := p.addThread(pid, false); err != nil {
		p.detachAll()
		return nil, err
	}
	if err := p.updateThreadList(); err != nil {
		p.detachAll()
		return nil, err
	}
	p.log.Debugf("attached to %s, %d threads", p.comm(), len(p.threads))
	return p, nil
}

// handlePtraceFuncs runs every ptrace request on the same OS thread, as
// ptrace requires after PTRACE_ATTACH.
func (p *Process) handlePtraceFuncs() {
	runtime.LockOSThread()
	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- struct{}{}
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

func (p *Process) close() {
	close(p.ptraceChan)
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) addThread(tid int, attach bool) error {
	if _, ok := p.threads[tid]; ok {
		return nil
	}
	var err error
	if attach {
		p.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// EPERM means the thread is already traced through
			// PTRACE_O_TRACECLONE.
			return fmt.Errorf("could not attach to thread %d: %w", tid, err)
		}
		if err := p.waitStopped(tid); err != nil {
			return err
		}
	}
	p.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACECLONE) })
	if err != nil {
		return fmt.Errorf("could not set options for thread %d: %w", tid, err)
	}
	p.threads[tid] = &thread{id: tid}
	return nil
}

func (p *Process) updateThreadList() error {
	tasks, err := procfs.AllThreads(p.pid)
	if err != nil {
		return fmt.Errorf("listing threads of %d: %w", p.pid, err)
	}
	for _, task := range tasks {
		if err := p.addThread(task.PID, task.PID != p.pid); err != nil {
			return err
		}
	}
	return nil
}

// waitStopped waits for thread tid to stop.
func (p *Process) waitStopped(tid int) error {
	var s sys.WaitStatus
	for {
		_, err := sys.Wait4(tid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for thread %d: %w", tid, err)
		}
		if s.Exited() || s.Signaled() {
			return fmt.Errorf("thread %d exited", tid)
		}
		if s.Stopped() {
			return nil
		}
	}
}

// Threads returns the ids of the traced threads.
func (p *Process) Threads() []breakpoint.ThreadID {
	p.mu.Lock()
	defer p.mu.Unlock()
	tids := make([]breakpoint.ThreadID, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, breakpoint.ThreadID(tid))
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids
}

// withStopped calls fn with thread tid stopped. A running thread is
// stopped with SIGSTOP and resumed afterwards. Any other stop observed on
// the way is queued for WaitEvent.
func (p *Process) withStopped(tid int, fn func() error) error {
	p.mu.Lock()
	th, ok := p.threads[tid]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no thread %d", tid)
	}
	running := th.running
	p.mu.Unlock()
	if !running {
		return fn()
	}

	if err := sys.Tgkill(p.pid, tid, sys.SIGSTOP); err != nil {
		return err
	}
	status, err := p.waitThread(tid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	th.running = false
	if status.StopSignal() != sys.SIGSTOP {
		// The thread stopped for another reason first. Leave it stopped
		// and let the event loop report it, the SIGSTOP is swallowed when
		// it shows up.
		p.pending = append(p.pending, pendingStop{tid: tid, status: status})
		p.mu.Unlock()
		return fn()
	}
	p.mu.Unlock()
	fnErr := fn()
	p.execPtraceFunc(func() { err = p.resumeThread(th, 0) })
	return errors.Join(fnErr, err)
}

func (p *Process) waitThread(tid int) (sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		_, err := sys.Wait4(tid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return s, err
		}
		if s.Exited() || s.Signaled() {
			return s, fmt.Errorf("thread %d exited", tid)
		}
		return s, nil
	}
}

// resumeThread must be called on the ptrace thread.
func (p *Process) resumeThread(th *thread, sig int) error {
	var err error
	if p.opts.Trace {
		err = ptraceSingleStep(th.id, sig)
	} else {
		err = sys.PtraceCont(th.id, sig)
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	th.running = true
	th.reported = false
	th.stepping = p.opts.Trace
	p.mu.Unlock()
	return nil
}

// Halt stops every running thread.
func (p *Process) Halt() error {
	p.mu.Lock()
	if p.exited || p.detached {
		p.mu.Unlock()
		return nil
	}
	var running []*thread
	for _, th := range p.threads {
		if th.running {
			running = append(running, th)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, th := range running {
		if err := sys.Tgkill(p.pid, th.id, sys.SIGSTOP); err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("stopping thread %d: %w", th.id, err))
		}
	}
	for _, th := range running {
		status, err := p.waitThread(th.id)
		p.mu.Lock()
		if err != nil {
			delete(p.threads, th.id)
		} else {
			th.running = false
			if status.StopSignal() != sys.SIGSTOP {
				th.held = &status
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Detach detaches from every thread. Threads that are running are
// stopped first.
func (p *Process) Detach() error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	exited := p.exited
	p.mu.Unlock()
	if exited {
		p.mu.Lock()
		p.detached = true
		p.mu.Unlock()
		p.close()
		return nil
	}
	if err := p.Halt(); err != nil {
		p.log.Warnf("halt before detach: %v", err)
	}
	return p.detachAll()
}

func (p *Process) detachAll() error {
	p.mu.Lock()
	threads := make([]*thread, 0, len(p.threads))
	for _, th := range p.threads {
		threads = append(threads, th)
	}
	p.detached = true
	p.mu.Unlock()

	var errs []error
	for _, th := range threads {
		sig := p.consumeHeld(th)
		var err error
		p.execPtraceFunc(func() { err = ptraceDetach(th.id, sig) })
		if err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("detaching thread %d: %w", th.id, err))
		}
	}
	p.close()
	return errors.Join(errs...)
}

// consumeHeld gets rid of the SIGSTOP still pending on a thread that Halt
// found stopped for another reason and returns the signal to deliver on
// detach.
func (p *Process) consumeHeld(th *thread) int {
	if th.held == nil {
		return 0
	}
	sig := 0
	status := *th.held
	for i := 0; i < 8; i++ {
		switch s := status.StopSignal(); s {
		case sys.SIGSTOP:
			return sig
		case sys.SIGTRAP:
			p.rewindTrap(th.id)
		default:
			sig = int(s)
		}
		var err error
		p.execPtraceFunc(func() { err = sys.PtraceCont(th.id, 0) })
		if err != nil {
			return sig
		}
		if status, err = p.waitThread(th.id); err != nil {
			return 0
		}
	}
	return sig
}

// rewindTrap moves a thread that executed a trap instruction which has
// since been removed back to the restored instruction.
func (p *Process) rewindTrap(tid int) {
	var regs sys.PtraceRegs
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil || regs.Rip == 0 {
		return
	}
	p.rewindRemovedTrap(tid, &regs, memory.Address(regs.Rip-1))
}

// rewindRemovedTrap sets the instruction pointer of tid, stopped after
// the trap at addr, back to addr if the trap is no longer there. It
// returns false if the trap is still in memory or can not be read.
func (p *Process) rewindRemovedTrap(tid int, regs *sys.PtraceRegs, addr memory.Address) bool {
	buf := make([]byte, 1)
	if err := p.readMemory(addr, buf); err != nil {
		return false
	}
	if !trapRemoved(buf[0]) {
		return false
	}
	regs.Rip = uint64(addr)
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, regs) })
	return err == nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), 0, uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// comm returns the command name of the process, used in log messages.
func (p *Process) comm() string {
	proc, err := procfs.NewProc(p.pid)
	if err != nil {
		return ""
	}
	comm, _ := proc.Comm()
	return comm
}
