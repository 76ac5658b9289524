package sim

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
)

// Instruction is one instruction executed by a Runner.
type Instruction struct {
	PC memory.Address
	// Data is the address of the memory operand, zero if the instruction
	// does not access memory.
	Data  memory.Address
	Write bool
}

// phases of the execution of one instruction, in the order the CPU
// reports them.
const (
	phaseTrace = iota
	phaseHardwareExec
	phaseTrap
	phaseGuard
	phaseHardwareData
	phaseDone
)

// Resumption records a Resume call.
type Resumption struct {
	Event    breakpoint.Event
	Decision breakpoint.Decision
}

// Runner is an event source that executes a fixed instruction sequence on
// one thread of a Process, raising the debug events a real CPU would
// raise: trace traps when Trace is set, hardware execute and data
// breakpoints, trap instructions and guard pages.
type Runner struct {
	p     *Process
	tid   breakpoint.ThreadID
	prog  []Instruction
	Trace bool

	mu       sync.Mutex
	i        int
	phase    int
	exited   bool
	resumed  []Resumption
	stepsRun int
}

// NewRunner returns a runner executing prog on thread tid, which is
// created if it does not exist.
func NewRunner(p *Process, tid breakpoint.ThreadID, prog []Instruction) *Runner {
	p.mu.Lock()
	if _, ok := p.threads[tid]; !ok {
		pc := memory.Address(0)
		if len(prog) > 0 {
			pc = prog[0].PC
		}
		p.threads[tid] = &thread{pc: pc}
	}
	p.mu.Unlock()
	return &Runner{p: p, tid: tid, prog: prog}
}

// WaitEvent returns the next debug event. After the last instruction it
// returns an EventExited event, then io.EOF.
func (r *Runner) WaitEvent(ctx context.Context) (breakpoint.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return breakpoint.Event{}, err
		}
		if r.i >= len(r.prog) {
			if r.exited {
				return breakpoint.Event{}, io.EOF
			}
			r.exited = true
			return breakpoint.Event{Kind: breakpoint.EventExited, Thread: r.tid}, nil
		}
		ins := r.prog[r.i]
		phase := r.phase
		r.phase++
		if ev, ok := r.check(phase, ins); ok {
			return ev, nil
		}
		if r.phase > phaseDone {
			r.i++
			r.phase = phaseTrace
			r.stepsRun++
		}
	}
}

func (r *Runner) check(phase int, ins Instruction) (breakpoint.Event, bool) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[r.tid]
	if !ok {
		th = &thread{}
		p.threads[r.tid] = th
	}
	ev := breakpoint.Event{Thread: r.tid, PC: ins.PC}
	switch phase {
	case phaseTrace:
		th.pc = ins.PC
		if r.Trace {
			ev.Kind = breakpoint.EventSingleStep
			return ev, true
		}
	case phaseHardwareExec:
		if slot, ok := matchSlot(&th.regs, ins.PC, 1, func(c amd64util.Condition) bool { return c == amd64util.CondExecute }); ok {
			ev.Kind = breakpoint.EventHardware
			ev.DebugStatus = 1 << slot
			return ev, true
		}
	case phaseTrap:
		if b, ok := p.byteAt(ins.PC); ok && b == breakpoint.DefaultTrapInstruction[0] {
			ev.Kind = breakpoint.EventBreakpoint
			return ev, true
		}
	case phaseGuard:
		if ins.Data == 0 {
			break
		}
		page := memory.PageBase(ins.Data)
		if prot := p.prot[page]; prot&memory.ProtGuard != 0 {
			// guard pages are one shot
			p.prot[page] = prot &^ memory.ProtGuard
			ev.Kind = breakpoint.EventGuardPage
			ev.Addr = ins.Data
			return ev, true
		}
	case phaseHardwareData:
		if ins.Data == 0 {
			break
		}
		write := ins.Write
		if slot, ok := matchSlot(&th.regs, ins.Data, 1, func(c amd64util.Condition) bool {
			return c == amd64util.CondReadWrite || (write && c == amd64util.CondWrite)
		}); ok {
			// data breakpoints trap after the instruction
			ev.Kind = breakpoint.EventSingleStep
			ev.DebugStatus = 1 << slot
			ev.Addr = ins.Data
			if r.i+1 < len(r.prog) {
				ev.PC = r.prog[r.i+1].PC
			}
			return ev, true
		}
	}
	return breakpoint.Event{}, false
}

func matchSlot(regs *amd64util.DebugRegisters, addr memory.Address, size int, cond func(amd64util.Condition) bool) (uint8, bool) {
	for idx := uint8(0); idx < amd64util.NumSlots; idx++ {
		saddr, scond, ssz, ok := regs.Slot(idx)
		if !ok || !cond(scond) {
			continue
		}
		if uint64(addr)+uint64(size) > saddr && uint64(addr) < saddr+uint64(ssz) {
			return idx, true
		}
	}
	return 0, false
}

// Resume records the decision taken for ev.
func (r *Runner) Resume(ev breakpoint.Event, decision breakpoint.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, Resumption{Event: ev, Decision: decision})
	return nil
}

// Resumed returns the Resume calls made so far.
func (r *Runner) Resumed() []Resumption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resumption(nil), r.resumed...)
}

// Executed returns the number of instructions completed.
func (r *Runner) Executed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepsRun
}

// Machine is a process driven by a runner, usable wherever a whole
// attached process is expected.
type Machine struct {
	*Process
	*Runner

	mu       sync.Mutex
	halted   int
	detached bool
}

// NewMachine returns a machine running prog on thread 1 of p.
func NewMachine(p *Process, prog []Instruction) *Machine {
	return &Machine{Process: p, Runner: NewRunner(p, 1, prog)}
}

// Pid returns a fixed process id.
func (m *Machine) Pid() int {
	return 1
}

// Halt records the call. Simulated threads only run inside WaitEvent.
func (m *Machine) Halt() error {
	m.mu.Lock()
	m.halted++
	m.mu.Unlock()
	return nil
}

// Detach marks the machine as detached.
func (m *Machine) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return errors.New("already detached")
	}
	m.detached = true
	return nil
}

// Detached returns true after Detach and the number of Halt calls.
func (m *Machine) Detached() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached, m.halted
}
