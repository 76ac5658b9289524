// Package native attaches to live processes using ptrace. Only linux/amd64
// is supported.
//
// Page protection can be queried but not changed from a tracer on Linux,
// memory breakpoints therefore fail with
// breakpoint.ErrProtectionChangeFailed.
package native

import (
	"errors"
	"sort"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
)

// ErrUnsupported is returned by Attach on platforms without native
// support.
var ErrUnsupported = errors.New("native debugging is not supported on this platform")

// ErrProtectionChange is returned by SetProtection.
var ErrProtectionChange = errors.New("changing page protection of a traced process is not supported")

// ErrNotMapped is returned for addresses outside every mapping.
var ErrNotMapped = errors.New("address not mapped")

// Options configures Attach.
type Options struct {
	// Trace makes every resumption a single step so that each executed
	// instruction raises an event.
	Trace bool
}

type mapping struct {
	start, end memory.Address
	prot       memory.Protection
	path       string
}

// protection converts the permissions of a mapping. Private writable
// mappings are copy on write.
func protection(read, write, exec, private bool) memory.Protection {
	var prot memory.Protection
	if read {
		prot |= memory.ProtRead
	}
	if write {
		prot |= memory.ProtWrite
		if private {
			prot |= memory.ProtCopyOnWrite
		}
	}
	if exec {
		prot |= memory.ProtExec
	}
	return prot
}

func sortMappings(maps []mapping) {
	sort.Slice(maps, func(i, j int) bool { return maps[i].start < maps[j].start })
}

func findMapping(maps []mapping, addr memory.Address) (mapping, bool) {
	i := sort.Search(len(maps), func(i int) bool { return maps[i].end > addr })
	if i < len(maps) && maps[i].start <= addr {
		return maps[i], true
	}
	return mapping{}, false
}

// trapRemoved returns true if cur, the byte now at the address of an
// executed trap, is no longer the trap instruction.
func trapRemoved(cur byte) bool {
	return cur != breakpoint.DefaultTrapInstruction[0]
}
