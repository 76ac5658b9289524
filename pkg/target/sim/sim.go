// Package sim implements a simulated target process. It provides every
// collaborator needed by the breakpoint manager and the session: page
// memory, page protection, threads with x86 debug registers, single
// stepping and a scripted event source.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
)

var (
	// ErrUnmapped is returned for accesses to pages that were never mapped.
	ErrUnmapped = errors.New("page not mapped")
	// ErrFault is returned by operations made to fail with one of the Fail
	// methods.
	ErrFault = errors.New("injected fault")
	// ErrNoThread is returned for unknown thread IDs.
	ErrNoThread = errors.New("no such thread")
	// ErrTrapStep is returned by SingleStep when the instruction at pc is
	// still a trap.
	ErrTrapStep = errors.New("single stepped a trap instruction")
	// ErrNoProtect is returned by SetProtection on pages made to refuse
	// protection changes.
	ErrNoProtect = errors.New("protection change refused")
)

type thread struct {
	pc   memory.Address
	regs amd64util.DebugRegisters
}

// Step records one SingleStep call.
type Step struct {
	Thread breakpoint.ThreadID
	PC     memory.Address
}

// Process is a simulated target. All methods are safe for concurrent use.
type Process struct {
	mu      sync.Mutex
	pages   map[memory.Address][]byte
	prot    map[memory.Address]memory.Protection
	threads map[breakpoint.ThreadID]*thread

	failRead    map[memory.Address]bool
	failWrite   map[memory.Address]bool
	failProt    map[memory.Address]bool
	failThreads map[breakpoint.ThreadID]bool

	// Decoder, if set, is used by SingleStep to advance the program
	// counter. Otherwise every instruction is one byte long.
	Decoder breakpoint.Decoder

	steps      []Step
	pageReads  int
	pageWrites int
}

// NewProcess returns a process with no memory and no threads.
func NewProcess() *Process {
	return &Process{
		pages:       make(map[memory.Address][]byte),
		prot:        make(map[memory.Address]memory.Protection),
		threads:     make(map[breakpoint.ThreadID]*thread),
		failRead:    make(map[memory.Address]bool),
		failWrite:   make(map[memory.Address]bool),
		failProt:    make(map[memory.Address]bool),
		failThreads: make(map[breakpoint.ThreadID]bool),
	}
}

// Map maps npages zeroed pages starting at the page containing base.
func (p *Process) Map(base memory.Address, npages int, prot memory.Protection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base = memory.PageBase(base)
	for i := 0; i < npages; i++ {
		page := base + memory.Address(i*memory.PageSize)
		p.pages[page] = make([]byte, memory.PageSize)
		p.prot[page] = prot
	}
}

// Load copies data into mapped memory at addr, bypassing protections and
// injected faults.
func (p *Process) Load(addr memory.Address, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range data {
		a := addr + memory.Address(i)
		page, ok := p.pages[memory.PageBase(a)]
		if !ok {
			return fmt.Errorf("%w: %#x", ErrUnmapped, uint64(a))
		}
		page[memory.PageOffset(a)] = b
	}
	return nil
}

// Peek returns n bytes at addr, bypassing injected faults.
func (p *Process) Peek(addr memory.Address, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]byte, n)
	for i := range r {
		a := addr + memory.Address(i)
		if page, ok := p.pages[memory.PageBase(a)]; ok {
			r[i] = page[memory.PageOffset(a)]
		}
	}
	return r
}

func (p *Process) byteAt(addr memory.Address) (byte, bool) {
	page, ok := p.pages[memory.PageBase(addr)]
	if !ok {
		return 0, false
	}
	return page[memory.PageOffset(addr)], true
}

// FailRead makes reads of the page containing addr fail.
func (p *Process) FailRead(addr memory.Address, fail bool) {
	p.mu.Lock()
	p.failRead[memory.PageBase(addr)] = fail
	p.mu.Unlock()
}

// FailWrite makes writes of the page containing addr fail.
func (p *Process) FailWrite(addr memory.Address, fail bool) {
	p.mu.Lock()
	p.failWrite[memory.PageBase(addr)] = fail
	p.mu.Unlock()
}

// FailProtection makes protection changes of the page containing addr
// fail.
func (p *Process) FailProtection(addr memory.Address, fail bool) {
	p.mu.Lock()
	p.failProt[memory.PageBase(addr)] = fail
	p.mu.Unlock()
}

// FailThread makes debug register changes of thread tid fail.
func (p *Process) FailThread(tid breakpoint.ThreadID, fail bool) {
	p.mu.Lock()
	p.failThreads[tid] = fail
	p.mu.Unlock()
}

// PageIO returns the number of ReadPage and WritePage calls so far.
func (p *Process) PageIO() (reads, writes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageReads, p.pageWrites
}

func (p *Process) ReadPage(addr memory.Address, page []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageReads++
	src, ok := p.pages[addr]
	if !ok {
		return ErrUnmapped
	}
	if p.failRead[addr] {
		return ErrFault
	}
	copy(page, src)
	return nil
}

func (p *Process) WritePage(addr memory.Address, page []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageWrites++
	dst, ok := p.pages[addr]
	if !ok {
		return ErrUnmapped
	}
	if p.failWrite[addr] {
		return ErrFault
	}
	copy(dst, page)
	return nil
}

func (p *Process) Protection(page memory.Address) (memory.Protection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prot, ok := p.prot[page]
	if !ok {
		return 0, ErrUnmapped
	}
	return prot, nil
}

func (p *Process) SetProtection(page memory.Address, prot memory.Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.prot[page]; !ok {
		return ErrUnmapped
	}
	if p.failProt[page] {
		return ErrNoProtect
	}
	p.prot[page] = prot
	return nil
}

// AddThread creates thread tid stopped at pc.
func (p *Process) AddThread(tid breakpoint.ThreadID, pc memory.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[tid] = &thread{pc: pc}
}

// RemoveThread removes thread tid.
func (p *Process) RemoveThread(tid breakpoint.ThreadID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, tid)
}

// PC returns the program counter of thread tid.
func (p *Process) PC(tid breakpoint.ThreadID) memory.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[tid]; ok {
		return th.pc
	}
	return 0
}

// Registers returns a copy of the debug registers of thread tid.
func (p *Process) Registers(tid breakpoint.ThreadID) amd64util.DebugRegisters {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[tid]; ok {
		return th.regs
	}
	return amd64util.DebugRegisters{}
}

func (p *Process) Threads() []breakpoint.ThreadID {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]breakpoint.ThreadID, 0, len(p.threads))
	for tid := range p.threads {
		r = append(r, tid)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

func (p *Process) SetSlot(tid breakpoint.ThreadID, slot uint8, addr memory.Address, access breakpoint.Access, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[tid]
	if !ok {
		return ErrNoThread
	}
	if p.failThreads[tid] {
		return ErrFault
	}
	return th.regs.SetSlot(slot, uint64(addr), access.Condition(), size)
}

func (p *Process) ClearSlot(tid breakpoint.ThreadID, slot uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[tid]
	if !ok {
		return ErrNoThread
	}
	if p.failThreads[tid] {
		return ErrFault
	}
	th.regs.ClearSlot(slot)
	return nil
}

// SingleStep executes the instruction at pc. It fails if the instruction
// is a trap, which means the caller did not restore the original bytes.
func (p *Process) SingleStep(tid breakpoint.ThreadID, pc memory.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[tid]
	if !ok {
		return ErrNoThread
	}
	b, ok := p.byteAt(pc)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnmapped, uint64(pc))
	}
	if b == breakpoint.DefaultTrapInstruction[0] {
		return fmt.Errorf("%w at %#x", ErrTrapStep, uint64(pc))
	}
	p.steps = append(p.steps, Step{Thread: tid, PC: pc})
	th.pc = pc + memory.Address(p.instructionLength(pc))
	return nil
}

func (p *Process) instructionLength(pc memory.Address) int {
	if p.Decoder == nil {
		return 1
	}
	code := make([]byte, 0, 16)
	for i := 0; i < 16; i++ {
		b, ok := p.byteAt(pc + memory.Address(i))
		if !ok {
			break
		}
		code = append(code, b)
	}
	n, err := p.Decoder.InstructionLength(code)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// Steps returns the SingleStep calls made so far.
func (p *Process) Steps() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Step(nil), p.steps...)
}
