package memory

import (
	"fmt"
	"strings"
)

// Protection is a set of page access rights.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
	ProtCopyOnWrite
	// ProtGuard makes the next access to the page raise a one-shot
	// exception, after which the OS clears the flag.
	ProtGuard
)

// Protector is implemented by targets that can query and change page
// protection. Addresses are page aligned.
type Protector interface {
	Protection(page Address) (Protection, error)
	SetProtection(page Address, prot Protection) error
}

// String formats prot as five characters: execute, read, write,
// copy-on-write, guard. For example "ERW--" or "-R--G".
func (prot Protection) String() string {
	var b [5]byte
	set := func(i int, f Protection, c byte) {
		if prot&f != 0 {
			b[i] = c
		} else {
			b[i] = '-'
		}
	}
	set(0, ProtExec, 'E')
	set(1, ProtRead, 'R')
	set(2, ProtWrite, 'W')
	set(3, ProtCopyOnWrite, 'C')
	set(4, ProtGuard, 'G')
	if prot&ProtCopyOnWrite != 0 {
		b[2] = 'W'
	}
	return string(b[:])
}

var rightsNames = map[string]Protection{
	"execute":          ProtExec,
	"executeread":      ProtExec | ProtRead,
	"executereadwrite": ProtExec | ProtRead | ProtWrite,
	"executewritecopy": ProtExec | ProtRead | ProtWrite | ProtCopyOnWrite,
	"noaccess":         0,
	"readonly":         ProtRead,
	"readwrite":        ProtRead | ProtWrite,
	"writecopy":        ProtRead | ProtWrite | ProtCopyOnWrite,
}

// ParseRights parses a rights name such as "ExecuteRead" or "ReadWrite".
// A leading 'G' adds ProtGuard ("GReadOnly").
func ParseRights(s string) (Protection, error) {
	var prot Protection
	rights := s
	if len(rights) > 1 && (rights[0] == 'G' || rights[0] == 'g') {
		if _, ok := rightsNames[strings.ToLower(rights[1:])]; ok {
			prot |= ProtGuard
			rights = rights[1:]
		}
	}
	p, ok := rightsNames[strings.ToLower(rights)]
	if !ok {
		return 0, fmt.Errorf("unknown page rights %q", s)
	}
	return prot | p, nil
}
