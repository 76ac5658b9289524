package breakpoint

import (
	"fmt"

	"github.com/go-delve/livecore/pkg/amd64util"
	"github.com/go-delve/livecore/pkg/memory"
)

// ThreadID identifies a thread of the target.
type ThreadID int

// Kind is the mechanism used to stop the target.
type Kind uint8

const (
	// Software breakpoints overwrite target code with a trap instruction.
	Software Kind = iota
	// Hardware breakpoints are programmed in the CPU debug registers of
	// every thread.
	Hardware
	// Memory breakpoints guard the page containing the address.
	Memory
)

func (k Kind) String() string {
	switch k {
	case Software:
		return "software"
	case Hardware:
		return "hardware"
	case Memory:
		return "memory"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// State says whether a breakpoint is currently installed in the target.
type State uint8

const (
	Disabled State = iota
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Persistence decides what happens to a breakpoint after it is hit.
type Persistence uint8

const (
	Permanent Persistence = iota
	// SingleShot breakpoints are deleted by the first hit.
	SingleShot
)

// Access is the kind of access that triggers a hardware breakpoint.
type Access uint8

const (
	AccessExecute Access = iota
	AccessWrite
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessExecute:
		return "x"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// ParseAccess parses the String form of an access. The empty string is
// AccessExecute.
func ParseAccess(s string) (Access, error) {
	switch s {
	case "x", "":
		return AccessExecute, nil
	case "w":
		return AccessWrite, nil
	case "rw":
		return AccessReadWrite, nil
	}
	return 0, fmt.Errorf("invalid access %q", s)
}

// Condition returns the x86 DR7 R/W encoding of a.
func (a Access) Condition() amd64util.Condition {
	switch a {
	case AccessWrite:
		return amd64util.CondWrite
	case AccessReadWrite:
		return amd64util.CondReadWrite
	}
	return amd64util.CondExecute
}

// SoftwareInfo is the payload of a Software breakpoint.
type SoftwareInfo struct {
	// OriginalData holds the bytes replaced by the trap instruction.
	OriginalData []byte
}

// HardwareInfo is the payload of a Hardware breakpoint.
type HardwareInfo struct {
	Slot   uint8
	Access Access
	Size   int
}

// MemoryInfo is the payload of a Memory breakpoint.
type MemoryInfo struct {
	// PrevProtection is the protection of the page before the guard was
	// added, restored on removal.
	PrevProtection memory.Protection
	// Access is informational: the guard traps every access to the page.
	Access Access
}

// Breakpoint is one entry of the breakpoint table. Exactly one of
// Software, Hardware and Memory is set, the one matching Kind.
type Breakpoint struct {
	Addr        memory.Address
	Kind        Kind
	State       State
	Persistence Persistence
	Name        string
	HitCount    uint64

	Software *SoftwareInfo
	Hardware *HardwareInfo
	Memory   *MemoryInfo

	// awaitingStepOver is true while the trap has been replaced by the
	// original bytes to single step the trapped thread over them.
	awaitingStepOver bool
}

func (bp *Breakpoint) String() string {
	s := fmt.Sprintf("%s breakpoint at %#x (%s", bp.Kind, uint64(bp.Addr), bp.State)
	if bp.Persistence == SingleShot {
		s += ", single shot"
	}
	if bp.Kind == Hardware && bp.Hardware != nil {
		s += fmt.Sprintf(", slot %d %s/%d", bp.Hardware.Slot, bp.Hardware.Access, bp.Hardware.Size)
	}
	s += fmt.Sprintf(", %d hits)", bp.HitCount)
	if bp.Name != "" {
		s = bp.Name + ": " + s
	}
	return s
}

// clone returns a copy of bp that shares no memory with it.
func (bp *Breakpoint) clone() Breakpoint {
	r := *bp
	if bp.Software != nil {
		sw := SoftwareInfo{OriginalData: append([]byte(nil), bp.Software.OriginalData...)}
		r.Software = &sw
	}
	if bp.Hardware != nil {
		hw := *bp.Hardware
		r.Hardware = &hw
	}
	if bp.Memory != nil {
		mi := *bp.Memory
		r.Memory = &mi
	}
	r.awaitingStepOver = false
	return r
}

type key struct {
	addr memory.Address
	kind Kind
}

func (bp *Breakpoint) key() key {
	return key{bp.Addr, bp.Kind}
}

// Option configures a breakpoint created by Set.
type Option func(*Breakpoint)

// WithName gives the breakpoint a name. Names are unique.
func WithName(name string) Option {
	return func(bp *Breakpoint) {
		bp.Name = name
	}
}

// WithHardware sets the access type and size of a Hardware breakpoint.
// Without it hardware breakpoints are 1 byte execute breakpoints.
func WithHardware(access Access, size int) Option {
	return func(bp *Breakpoint) {
		if bp.Hardware == nil {
			bp.Hardware = &HardwareInfo{}
		}
		bp.Hardware.Access = access
		bp.Hardware.Size = size
	}
}

// WithMemoryAccess records the access type a Memory breakpoint is meant
// to catch. The default is AccessReadWrite.
func WithMemoryAccess(access Access) Option {
	return func(bp *Breakpoint) {
		if bp.Memory == nil {
			bp.Memory = &MemoryInfo{}
		}
		bp.Memory.Access = access
	}
}

// WithDisabled creates the breakpoint in the Disabled state, nothing is
// written to the target until Enable is called.
func WithDisabled() Option {
	return func(bp *Breakpoint) {
		bp.State = Disabled
	}
}
