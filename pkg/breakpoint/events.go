package breakpoint

import (
	"errors"
	"fmt"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/memory"
)

// EventKind is the kind of a debug event reported by the target.
type EventKind uint8

const (
	// EventBreakpoint is raised when a thread executes a trap instruction.
	EventBreakpoint EventKind = iota
	// EventSingleStep is the trace trap raised after a single step. On x86
	// hardware breakpoint hits are reported the same way, with the slot in
	// DebugStatus.
	EventSingleStep
	// EventHardware is a hardware breakpoint hit reported separately by
	// the platform.
	EventHardware
	// EventGuardPage is raised by the first access to a guarded page.
	EventGuardPage
	EventThreadCreated
	EventThreadExited
	// EventException is any other exception or signal.
	EventException
	// EventExited means the target is gone. No further events follow.
	EventExited
)

var eventKindNames = [...]string{
	EventBreakpoint:    "breakpoint",
	EventSingleStep:    "single-step",
	EventHardware:      "hardware",
	EventGuardPage:     "guard-page",
	EventThreadCreated: "thread-created",
	EventThreadExited:  "thread-exited",
	EventException:     "exception",
	EventExited:        "exited",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is a debug event of one thread.
type Event struct {
	Kind   EventKind
	Thread ThreadID
	// PC is the instruction pointer of the thread. For EventBreakpoint it
	// is the address of the trap instruction, not the address after it.
	PC memory.Address
	// Addr is the faulting data address of EventGuardPage.
	Addr memory.Address
	// DebugStatus is the value of DR6 at the time of the event.
	DebugStatus uint64
	// Code is the signal or exception code of EventException and the exit
	// status of EventExited.
	Code int
}

// Decision tells the event loop how to resume the target.
type Decision uint8

const (
	// DecisionPassThrough means the event does not belong to the debugger
	// and must be delivered to the target.
	DecisionPassThrough Decision = iota
	// DecisionContinue means the event was handled and the target can be
	// resumed.
	DecisionContinue
	// DecisionStop means a breakpoint was hit.
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionPassThrough:
		return "pass-through"
	case DecisionContinue:
		return "continue"
	case DecisionStop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", uint8(d))
}

// Hit describes a breakpoint hit.
type Hit struct {
	// Breakpoint is a copy of the breakpoint taken at the time of the hit.
	// Single shot breakpoints are already deleted from the table.
	Breakpoint Breakpoint
	Thread     ThreadID
	// Err is set if the target could not be fully restored after the hit.
	Err error
}

// Result is the classification of a debug event.
type Result struct {
	Decision Decision
	Hit      *Hit
}

var errNoStepper = errors.New("target can not single step")

// OnDebugEvent classifies ev against the breakpoint table and performs
// the work needed before the target can be resumed: stepping over software
// breakpoints, re-arming guard pages and recording traced instructions.
func (m *Manager) OnDebugEvent(ev Event) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventBreakpoint:
		if bp, ok := m.table[key{ev.PC, Software}]; ok {
			return m.softwareHit(bp, ev)
		}
	case EventSingleStep, EventHardware:
		if slot, ok := amd64util.StatusSlot(ev.DebugStatus); ok {
			if bp := m.slotOwner(slot); bp != nil {
				return m.hardwareHit(bp, ev)
			}
		}
		if ev.Kind == EventSingleStep && m.trace(ev.PC) {
			return Result{Decision: DecisionContinue}
		}
	case EventGuardPage:
		if bp := m.guardOwner(memory.PageBase(ev.Addr)); bp != nil {
			return m.memoryHit(bp, ev)
		}
	case EventThreadCreated:
		if err := m.programThread(ev.Thread); err != nil {
			m.log.Warnf("new thread %d: %v", ev.Thread, err)
		}
		return Result{Decision: DecisionContinue}
	}
	return Result{Decision: DecisionPassThrough}
}

func (m *Manager) softwareHit(bp *Breakpoint, ev Event) Result {
	if bp.State != Enabled {
		// The breakpoint was disabled after the thread executed the trap,
		// the original instruction is back in place.
		if m.stepper == nil {
			return Result{Decision: DecisionPassThrough}
		}
		if err := m.stepper.SingleStep(ev.Thread, bp.Addr); err != nil {
			m.log.Warnf("stepping thread %d over disabled breakpoint at %#x: %v", ev.Thread, uint64(bp.Addr), err)
			return Result{Decision: DecisionPassThrough}
		}
		return Result{Decision: DecisionContinue}
	}

	bp.HitCount++
	hit := &Hit{Breakpoint: bp.clone(), Thread: ev.Thread}
	restored, err := m.stepOver(bp, ev.Thread)
	if err != nil {
		m.log.Errorf("step over %v: %v", bp, err)
		hit.Err = err
		if !restored {
			return Result{Decision: DecisionPassThrough, Hit: hit}
		}
	}
	return Result{Decision: DecisionStop, Hit: hit}
}

// stepOver executes the instruction replaced by the trap of bp on thread
// tid and reinstalls the trap, or deletes bp if it is single shot.
// restored is false if the original bytes could not be put back, in which
// case the thread has not moved.
func (m *Manager) stepOver(bp *Breakpoint, tid ThreadID) (restored bool, err error) {
	if m.stepper == nil {
		return false, newError("step over", bp.key(), ErrInvalidAddress, errNoStepper)
	}

	bp.awaitingStepOver = true
	m.steppingAt.Store(uint64(bp.Addr) + 1)
	defer func() {
		bp.awaitingStepOver = false
		m.steppingAt.Store(0)
	}()

	if err := m.mem.Write(bp.Addr, bp.Software.OriginalData); err != nil {
		return false, newError("step over", bp.key(), ErrInvalidAddress, err)
	}
	stepErr := m.stepper.SingleStep(tid, bp.Addr)
	if stepErr != nil {
		stepErr = fmt.Errorf("single step of thread %d: %w", tid, stepErr)
	}

	if bp.Persistence == SingleShot {
		// original bytes are already in place
		bp.State = Disabled
		m.deleteLocked(bp)
		return true, stepErr
	}
	if err := m.mem.Write(bp.Addr, m.trap); err != nil {
		bp.State = Disabled
		return true, errors.Join(stepErr, newError("reinstall", bp.key(), ErrInvalidAddress, err))
	}
	return true, stepErr
}

func (m *Manager) hardwareHit(bp *Breakpoint, ev Event) Result {
	bp.HitCount++
	hit := &Hit{Breakpoint: bp.clone(), Thread: ev.Thread}
	if bp.Persistence == SingleShot {
		hit.Err = m.deleteLocked(bp)
	}
	return Result{Decision: DecisionStop, Hit: hit}
}

func (m *Manager) memoryHit(bp *Breakpoint, ev Event) Result {
	bp.HitCount++
	hit := &Hit{Breakpoint: bp.clone(), Thread: ev.Thread}
	if bp.Persistence == SingleShot {
		hit.Err = m.deleteLocked(bp)
		return Result{Decision: DecisionStop, Hit: hit}
	}
	// The guard is removed by the OS when it fires. Let the faulting
	// instruction complete before putting it back.
	if m.stepper != nil {
		if err := m.stepper.SingleStep(ev.Thread, ev.PC); err != nil {
			hit.Err = fmt.Errorf("single step of thread %d: %w", ev.Thread, err)
		}
	}
	if err := m.rearmGuard(bp); err != nil {
		m.log.Errorf("%v: %v", bp, err)
		bp.State = Disabled
		hit.Err = errors.Join(hit.Err, err)
	}
	return Result{Decision: DecisionStop, Hit: hit}
}

// trace records the instruction at pc if the tracer wants it.
func (m *Manager) trace(pc memory.Address) bool {
	if m.tracer == nil || m.decoder == nil || !m.tracer.Tracing(pc) {
		return false
	}
	code := make([]byte, maxInstructionLength)
	if err := m.mem.Read(pc, code); err != nil {
		// the instruction may be at the end of the mapping
		n := int(memory.PageSize - memory.PageOffset(pc))
		if n >= len(code) {
			m.log.Debugf("trace: reading instruction at %#x: %v", uint64(pc), err)
			return false
		}
		code = code[:n]
		if err := m.mem.Read(pc, code); err != nil {
			m.log.Debugf("trace: reading instruction at %#x: %v", uint64(pc), err)
			return false
		}
	}
	m.maskTraps(pc, code)
	size, err := m.decoder.InstructionLength(code)
	if err != nil {
		m.log.Debugf("trace: decoding instruction at %#x: %v", uint64(pc), err)
		return false
	}
	m.tracer.RecordExecution(pc, size)
	return true
}

// maskTraps replaces the trap instructions inside code, read from addr,
// with the original bytes.
func (m *Manager) maskTraps(addr memory.Address, code []byte) {
	end := addr + memory.Address(len(code))
	for _, bp := range m.table {
		if bp.Kind != Software || bp.State != Enabled || bp.Addr < addr || bp.Addr >= end {
			continue
		}
		copy(code[bp.Addr-addr:], bp.Software.OriginalData)
	}
}

func (m *Manager) slotOwner(slot uint8) *Breakpoint {
	for _, bp := range m.table {
		if bp.Kind == Hardware && bp.State == Enabled && bp.Hardware.Slot == slot {
			return bp
		}
	}
	return nil
}

func (m *Manager) guardOwner(page memory.Address) *Breakpoint {
	for _, bp := range m.table {
		if bp.Kind == Memory && bp.State == Enabled && memory.PageBase(bp.Addr) == page {
			return bp
		}
	}
	return nil
}
