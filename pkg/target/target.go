// Package target defines the operating system side of a debug session.
// Subpackages implement it for live processes (native) and for tests
// (sim).
package target

import (
	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/session"
)

// Process is an attached process.
type Process interface {
	memory.PageReadWriter
	memory.Protector
	breakpoint.DebugRegisters
	breakpoint.Stepper
	session.EventSource

	Pid() int
	// Halt stops every thread of the process.
	Halt() error
	// Detach releases the process, which keeps running.
	Detach() error
}

// Session returns the session collaborators backed by p.
func Session(p Process) session.Target {
	return session.Target{
		Memory:    p,
		Protector: p,
		Registers: p,
		Stepper:   p,
		Events:    p,
		Halt:      p.Halt,
		Detach:    p.Detach,
	}
}
