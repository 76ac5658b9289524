package amd64util

import (
	"fmt"
)

// NumSlots is the number of address debug registers (DR0-DR3).
const NumSlots = 4

// Condition is the R/W field of a DR7 slot: what kind of access triggers
// the breakpoint.
type Condition uint8

const (
	CondExecute   Condition = 0x0
	CondWrite     Condition = 0x1
	CondReadWrite Condition = 0x3
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	Addr    [NumSlots]uint64 // DR0-DR3
	Status  uint64           // DR6
	Control uint64           // DR7

	// Dirty is set when a method changes a register and the values need
	// to be written back to the thread.
	Dirty bool
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Slot returns the configuration of slot idx. enabled is false if the slot
// is free.
func (drs *DebugRegisters) Slot(idx uint8) (addr uint64, cond Condition, sz int, enabled bool) {
	if idx >= NumSlots || drs.Control&(1<<enableBitOffset(idx)) == 0 {
		return 0, 0, 0, false
	}
	addr = drs.Addr[idx]
	lenrw := (drs.Control >> lenrwBitsOffset(idx)) & 0xf
	cond = Condition(lenrw & 0x3)
	switch lenrw >> 2 {
	case 0x0:
		sz = 1
	case 0x1:
		sz = 2
	case 0x2:
		sz = 8 // sic
	case 0x3:
		sz = 4
	}
	return addr, cond, sz, true
}

// SetSlot programs slot idx to trigger on cond accesses of sz bytes at
// addr. If the slot is already in use with the same parameters it does
// nothing.
func (drs *DebugRegisters) SetSlot(idx uint8, addr uint64, cond Condition, sz int) error {
	if idx >= NumSlots {
		return fmt.Errorf("debug register slot %d out of range", idx)
	}
	if curaddr, curcond, cursz, ok := drs.Slot(idx); ok {
		if curaddr != addr || curcond != cond || cursz != sz {
			return fmt.Errorf("debug register slot %d already in use (address %#x)", idx, curaddr)
		}
		return nil
	}

	var lenbits uint64
	switch sz {
	case 1:
		// already ok
	case 2:
		lenbits = 0x1
	case 4:
		lenbits = 0x3
	case 8:
		lenbits = 0x2
	default:
		return fmt.Errorf("hardware breakpoint of size %d not supported", sz)
	}
	switch cond {
	case CondExecute:
		if sz != 1 {
			return fmt.Errorf("execute breakpoints must have size 1, not %d", sz)
		}
	case CondWrite, CondReadWrite:
		if addr%uint64(sz) != 0 {
			return fmt.Errorf("hardware breakpoint address %#x not aligned to %d bytes", addr, sz)
		}
	default:
		return fmt.Errorf("unsupported debug register condition %#x", cond)
	}

	drs.Addr[idx] = addr
	lenrw := lenbits<<2 | uint64(cond)
	drs.Control &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	drs.Control |= lenrw << lenrwBitsOffset(idx)
	drs.Control |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearSlot disables slot idx. If the slot was already disabled it does
// nothing.
func (drs *DebugRegisters) ClearSlot(idx uint8) {
	if idx >= NumSlots || drs.Control&(1<<enableBitOffset(idx)) == 0 {
		return
	}
	drs.Control &^= (1 << enableBitOffset(idx))
	drs.Addr[idx] = 0
	drs.Dirty = true
}

// HitSlot returns the enabled slot whose condition bit is set in DR6 and
// resets the condition bits.
func (drs *DebugRegisters) HitSlot() (idx uint8, ok bool) {
	for idx := uint8(0); idx < NumSlots; idx++ {
		if drs.Control&(1<<enableBitOffset(idx)) == 0 {
			continue
		}
		if drs.Status&(1<<idx) != 0 {
			drs.Status &^= 0xf // it is our responsibility to clear the condition bits
			drs.Dirty = true
			return idx, true
		}
	}
	return 0, false
}

// StatusSlot decodes a DR6 value without modifying any register: it
// returns the lowest slot whose condition bit is set.
func StatusSlot(dr6 uint64) (idx uint8, ok bool) {
	for idx := uint8(0); idx < NumSlots; idx++ {
		if dr6&(1<<idx) != 0 {
			return idx, true
		}
	}
	return 0, false
}
