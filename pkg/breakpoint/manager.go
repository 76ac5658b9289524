package breakpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/derekparker/trie"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/logflags"
	"github.com/go-delve/livecore/pkg/memory"
)

// DebugRegisters programs the hardware breakpoint slots of the threads of
// the target.
type DebugRegisters interface {
	Threads() []ThreadID
	SetSlot(tid ThreadID, slot uint8, addr memory.Address, access Access, size int) error
	ClearSlot(tid ThreadID, slot uint8) error
}

// Stepper executes exactly one instruction of thread tid starting at pc.
// It returns once the thread has stopped again.
type Stepper interface {
	SingleStep(tid ThreadID, pc memory.Address) error
}

// Decoder returns the length of the instruction at the start of code.
type Decoder interface {
	InstructionLength(code []byte) (int, error)
}

// Tracer receives the instructions executed while single stepping.
type Tracer interface {
	Tracing(addr memory.Address) bool
	RecordExecution(addr memory.Address, size int)
}

// DefaultTrapInstruction is the x86 int3 instruction.
var DefaultTrapInstruction = []byte{0xCC}

// maxInstructionLength is the longest x86 instruction.
const maxInstructionLength = 16

// Config holds the collaborators of a Manager. Memory is required, every
// other field is optional: operations needing a missing collaborator fail.
type Config struct {
	Memory    *memory.Accessor
	Registers DebugRegisters
	Protector memory.Protector
	Stepper   Stepper
	Tracer    Tracer
	Decoder   Decoder

	// HardwareSlots is the number of debug register slots the manager may
	// use, between 1 and amd64util.NumSlots. Zero means all of them.
	HardwareSlots int
	// TrapInstruction defaults to DefaultTrapInstruction.
	TrapInstruction []byte
}

// Manager owns the breakpoint table of one target. All methods are safe
// for concurrent use.
type Manager struct {
	mu sync.Mutex

	mem     *memory.Accessor
	regs    DebugRegisters
	prot    memory.Protector
	stepper Stepper
	tracer  Tracer
	decoder Decoder
	trap    []byte

	slots []bool // slots[i] is true if hardware slot i is allocated
	table map[key]*Breakpoint
	names *trie.Trie

	// steppingAt is the address of the breakpoint being stepped over plus
	// one, zero when no step over is in progress.
	steppingAt atomic.Uint64

	log logflags.Logger
}

// NewManager returns an empty breakpoint table for the target described
// by cfg.
func NewManager(cfg Config) *Manager {
	n := cfg.HardwareSlots
	if n <= 0 || n > amd64util.NumSlots {
		n = amd64util.NumSlots
	}
	trap := cfg.TrapInstruction
	if len(trap) == 0 {
		trap = DefaultTrapInstruction
	}
	return &Manager{
		mem:     cfg.Memory,
		regs:    cfg.Registers,
		prot:    cfg.Protector,
		stepper: cfg.Stepper,
		tracer:  cfg.Tracer,
		decoder: cfg.Decoder,
		trap:    append([]byte(nil), trap...),
		slots:   make([]bool, n),
		table:   make(map[key]*Breakpoint),
		names:   trie.New(),
		log:     logflags.BreakpointsLogger(),
	}
}

// Set creates a breakpoint of kind k at addr and, unless WithDisabled is
// passed, installs it in the target.
//
// A hardware breakpoint that could only be programmed on some threads is
// kept and returned together with a *PartialFailureError.
func (m *Manager) Set(addr memory.Address, k Kind, persistence Persistence, opts ...Option) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k0 := key{addr, k}
	if _, exists := m.table[k0]; exists {
		return nil, newError("set", k0, ErrAlreadyExists, nil)
	}
	bp := &Breakpoint{Addr: addr, Kind: k, State: Enabled, Persistence: persistence}
	for _, opt := range opts {
		opt(bp)
	}
	if bp.Name != "" {
		if _, taken := m.names.Find(bp.Name); taken {
			return nil, newError("set", k0, ErrAlreadyExists, fmt.Errorf("name %q in use", bp.Name))
		}
	}

	switch k {
	case Software:
		bp.Hardware, bp.Memory = nil, nil
		bp.Software = &SoftwareInfo{}
	case Hardware:
		bp.Software, bp.Memory = nil, nil
		if bp.Hardware == nil {
			bp.Hardware = &HardwareInfo{Access: AccessExecute, Size: 1}
		}
		if err := checkHardware(addr, bp.Hardware); err != nil {
			return nil, newError("set", k0, ErrInvalidAddress, err)
		}
	case Memory:
		bp.Software, bp.Hardware = nil, nil
		if bp.Memory == nil {
			bp.Memory = &MemoryInfo{Access: AccessReadWrite}
		}
		for _, other := range m.table {
			if other.Kind == Memory && memory.PageBase(other.Addr) == memory.PageBase(addr) {
				return nil, newError("set", k0, ErrAlreadyExists, fmt.Errorf("page %#x already guarded by breakpoint at %#x", uint64(memory.PageBase(addr)), uint64(other.Addr)))
			}
		}
	default:
		return nil, fmt.Errorf("unknown breakpoint kind %d", k)
	}

	if k == Software {
		orig := make([]byte, len(m.trap))
		if err := m.mem.Read(addr, orig); err != nil {
			return nil, newError("set", k0, ErrInvalidAddress, err)
		}
		bp.Software.OriginalData = orig
	} else if !m.mem.IsValidReadPtr(addr) {
		return nil, newError("set", k0, ErrInvalidAddress, nil)
	}

	if k == Hardware {
		slot, ok := m.allocSlot()
		if !ok {
			return nil, newError("set", k0, ErrSlotsExhausted, nil)
		}
		bp.Hardware.Slot = slot
	}

	var partial error
	if bp.State == Enabled {
		if err := m.install(bp); err != nil {
			var pf *PartialFailureError
			if !errors.As(err, &pf) || len(pf.Succeeded) == 0 {
				if k == Hardware {
					m.slots[bp.Hardware.Slot] = false
				}
				return nil, err
			}
			partial = err
		}
	}

	m.table[k0] = bp
	if bp.Name != "" {
		m.names.Add(bp.Name, k0)
	}
	m.log.Debugf("set %v", bp)
	r := bp.clone()
	return &r, partial
}

// Delete removes the breakpoint of kind k at addr. The entry is removed
// even if restoring the target fails, in which case the error is returned.
func (m *Manager) Delete(addr memory.Address, k Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, err := m.lookup("delete", key{addr, k})
	if err != nil {
		return err
	}
	return m.deleteLocked(bp)
}

func (m *Manager) deleteLocked(bp *Breakpoint) error {
	var err error
	if bp.State == Enabled {
		err = m.uninstall(bp)
		if err != nil {
			m.log.Warnf("could not restore target while deleting %v: %v", bp, err)
		}
	}
	if bp.Kind == Hardware {
		m.slots[bp.Hardware.Slot] = false
	}
	delete(m.table, bp.key())
	if bp.Name != "" {
		m.rebuildNames()
	}
	m.log.Debugf("deleted %v", bp)
	return err
}

// Enable installs a disabled breakpoint. For software breakpoints the
// original bytes are read again before the trap is written.
func (m *Manager) Enable(addr memory.Address, k Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, err := m.lookup("enable", key{addr, k})
	if err != nil {
		return err
	}
	if bp.State == Enabled {
		return nil
	}
	if err := m.install(bp); err != nil {
		var pf *PartialFailureError
		if errors.As(err, &pf) && len(pf.Succeeded) > 0 {
			bp.State = Enabled
		}
		return err
	}
	bp.State = Enabled
	return nil
}

// Disable removes a breakpoint from the target without deleting it. If
// the target can not be restored the breakpoint stays enabled.
func (m *Manager) Disable(addr memory.Address, k Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, err := m.lookup("disable", key{addr, k})
	if err != nil {
		return err
	}
	if bp.State == Disabled {
		return nil
	}
	if err := m.uninstall(bp); err != nil {
		return err
	}
	bp.State = Disabled
	return nil
}

// Get returns a copy of the breakpoint of kind k at addr.
func (m *Manager) Get(addr memory.Address, k Kind) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.table[key{addr, k}]
	if !ok {
		return Breakpoint{}, false
	}
	return bp.clone(), true
}

// GetByName returns a copy of the breakpoint called name.
func (m *Manager) GetByName(name string) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.names.Find(name)
	if !ok {
		return Breakpoint{}, false
	}
	bp, ok := m.table[node.Meta().(key)]
	if !ok {
		return Breakpoint{}, false
	}
	return bp.clone(), true
}

// FindByPrefix returns the breakpoints whose name starts with prefix,
// sorted by name.
func (m *Manager) FindByPrefix(prefix string) []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.names.PrefixSearch(prefix)
	sort.Strings(names)
	r := make([]Breakpoint, 0, len(names))
	for _, name := range names {
		node, ok := m.names.Find(name)
		if !ok {
			continue
		}
		if bp, ok := m.table[node.Meta().(key)]; ok {
			r = append(r, bp.clone())
		}
	}
	return r
}

// SetName renames a breakpoint. An empty name removes it.
func (m *Manager) SetName(addr memory.Address, k Kind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k0 := key{addr, k}
	bp, err := m.lookup("rename", k0)
	if err != nil {
		return err
	}
	if name == bp.Name {
		return nil
	}
	if name != "" {
		if _, taken := m.names.Find(name); taken {
			return newError("rename", k0, ErrAlreadyExists, fmt.Errorf("name %q in use", name))
		}
	}
	bp.Name = name
	m.rebuildNames()
	return nil
}

// List returns a copy of every breakpoint sorted by kind, then address.
func (m *Manager) List() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]Breakpoint, 0, len(m.table))
	for _, bp := range m.table {
		r = append(r, bp.clone())
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].Kind != r[j].Kind {
			return r[i].Kind < r[j].Kind
		}
		return r[i].Addr < r[j].Addr
	})
	return r
}

// Count returns the number of breakpoints of kind k.
func (m *Manager) Count(k Kind, enabledOnly bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bp := range m.table {
		if bp.Kind == k && (!enabledOnly || bp.State == Enabled) {
			n++
		}
	}
	return n
}

// InStepOver returns true while a thread is being stepped over the
// software breakpoint at addr, i.e. while the original bytes are back in
// the target.
func (m *Manager) InStepOver(addr memory.Address) bool {
	return m.steppingAt.Load() == uint64(addr)+1
}

// Clear removes every breakpoint, restoring the target on a best effort
// basis. It is called when detaching.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, bp := range m.table {
		if bp.State != Enabled {
			continue
		}
		if err := m.uninstall(bp); err != nil {
			errs = append(errs, err)
		}
	}
	m.reset()
	return errors.Join(errs...)
}

// Reset empties the table without touching the target. It is used once
// the target has exited and its memory is gone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Manager) reset() {
	m.table = make(map[key]*Breakpoint)
	for i := range m.slots {
		m.slots[i] = false
	}
	m.names = trie.New()
}

// ProgramThread programs every enabled hardware breakpoint on thread tid.
// It is used for threads created after the breakpoints were set and to
// retry threads reported by a *PartialFailureError.
func (m *Manager) ProgramThread(tid ThreadID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programThread(tid)
}

func (m *Manager) programThread(tid ThreadID) error {
	if m.regs == nil {
		return nil
	}
	var errs []error
	for _, bp := range m.table {
		if bp.Kind != Hardware || bp.State != Enabled {
			continue
		}
		hw := bp.Hardware
		if err := m.regs.SetSlot(tid, hw.Slot, bp.Addr, hw.Access, hw.Size); err != nil {
			errs = append(errs, fmt.Errorf("thread %d: %w", tid, newError("program", bp.key(), ErrPartialFailure, err)))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(op string, k key) (*Breakpoint, error) {
	bp, ok := m.table[k]
	if !ok {
		return nil, newError(op, k, ErrNotFound, nil)
	}
	return bp, nil
}

func (m *Manager) allocSlot() (uint8, bool) {
	for i, used := range m.slots {
		if !used {
			m.slots[i] = true
			return uint8(i), true
		}
	}
	return 0, false
}

// rebuildNames recreates the name index from the table.
func (m *Manager) rebuildNames() {
	m.names = trie.New()
	for k, bp := range m.table {
		if bp.Name != "" {
			m.names.Add(bp.Name, k)
		}
	}
}

func checkHardware(addr memory.Address, hw *HardwareInfo) error {
	switch hw.Size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("hardware breakpoint of size %d not supported", hw.Size)
	}
	if hw.Access == AccessExecute && hw.Size != 1 {
		return fmt.Errorf("execute breakpoints must have size 1, not %d", hw.Size)
	}
	if uint64(addr)%uint64(hw.Size) != 0 {
		return fmt.Errorf("address not aligned to %d bytes", hw.Size)
	}
	return nil
}
