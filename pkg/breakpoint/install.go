package breakpoint

import (
	"errors"

	"github.com/go-delve/livecore/pkg/memory"
)

var (
	errNoDebugRegisters = errors.New("target has no debug registers")
	errNoProtector      = errors.New("target does not support page protection")
)

// install writes bp into the target.
func (m *Manager) install(bp *Breakpoint) error {
	switch bp.Kind {
	case Software:
		old, err := m.mem.Patch(bp.Addr, m.trap)
		if err != nil {
			return newError("install", bp.key(), ErrInvalidAddress, err)
		}
		bp.Software.OriginalData = old
		return nil
	case Hardware:
		return m.programHardware(bp)
	case Memory:
		if m.prot == nil {
			return newError("install", bp.key(), ErrProtectionChangeFailed, errNoProtector)
		}
		page := memory.PageBase(bp.Addr)
		prev, err := m.prot.Protection(page)
		if err != nil {
			return newError("install", bp.key(), ErrProtectionChangeFailed, err)
		}
		prev &^= memory.ProtGuard
		if err := m.prot.SetProtection(page, prev|memory.ProtGuard); err != nil {
			return newError("install", bp.key(), ErrProtectionChangeFailed, err)
		}
		bp.Memory.PrevProtection = prev
		return nil
	}
	return nil
}

// uninstall restores the target as it was before install.
func (m *Manager) uninstall(bp *Breakpoint) error {
	switch bp.Kind {
	case Software:
		if err := m.mem.Write(bp.Addr, bp.Software.OriginalData); err != nil {
			return newError("uninstall", bp.key(), ErrInvalidAddress, err)
		}
		return nil
	case Hardware:
		return m.clearHardware(bp)
	case Memory:
		if m.prot == nil {
			return newError("uninstall", bp.key(), ErrProtectionChangeFailed, errNoProtector)
		}
		if err := m.prot.SetProtection(memory.PageBase(bp.Addr), bp.Memory.PrevProtection); err != nil {
			return newError("uninstall", bp.key(), ErrProtectionChangeFailed, err)
		}
		return nil
	}
	return nil
}

// rearmGuard adds the guard back to the page of a memory breakpoint after
// the OS removed it to deliver the exception.
func (m *Manager) rearmGuard(bp *Breakpoint) error {
	if err := m.prot.SetProtection(memory.PageBase(bp.Addr), bp.Memory.PrevProtection|memory.ProtGuard); err != nil {
		return newError("rearm", bp.key(), ErrProtectionChangeFailed, err)
	}
	return nil
}

func (m *Manager) programHardware(bp *Breakpoint) error {
	if m.regs == nil {
		return newError("install", bp.key(), ErrSlotsExhausted, errNoDebugRegisters)
	}
	hw := bp.Hardware
	return m.eachThread(bp, func(tid ThreadID) error {
		return m.regs.SetSlot(tid, hw.Slot, bp.Addr, hw.Access, hw.Size)
	})
}

func (m *Manager) clearHardware(bp *Breakpoint) error {
	if m.regs == nil {
		return nil
	}
	return m.eachThread(bp, func(tid ThreadID) error {
		return m.regs.ClearSlot(tid, bp.Hardware.Slot)
	})
}

// eachThread calls fn for every thread of the target and collects the
// failures in a *PartialFailureError. Threads already done are not rolled
// back.
func (m *Manager) eachThread(bp *Breakpoint, fn func(tid ThreadID) error) error {
	var pf *PartialFailureError
	var succeeded []ThreadID
	for _, tid := range m.regs.Threads() {
		if err := fn(tid); err != nil {
			if pf == nil {
				pf = &PartialFailureError{Addr: bp.Addr, Slot: bp.Hardware.Slot, Failed: make(map[ThreadID]error)}
			}
			pf.Failed[tid] = err
			m.log.Warnf("debug registers of thread %d: %v", tid, err)
			continue
		}
		succeeded = append(succeeded, tid)
	}
	if pf == nil {
		return nil
	}
	pf.Succeeded = succeeded
	return pf
}
