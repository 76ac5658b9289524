package target_test

import (
	"context"
	"testing"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/session"
	"github.com/go-delve/livecore/pkg/target"
	"github.com/go-delve/livecore/pkg/target/sim"
)

var _ target.Process = (*sim.Machine)(nil)

func TestSession(t *testing.T) {
	p := sim.NewProcess()
	p.Map(0x1000, 1, memory.ProtRead|memory.ProtExec)
	p.Load(0x1000, []byte{0x90, 0x90, 0x90})
	m := sim.NewMachine(p, []sim.Instruction{{PC: 0x1000}, {PC: 0x1001}, {PC: 0x1002}})

	var hits int
	s, err := session.Attach(target.Session(m), session.Config{OnHit: func(breakpoint.Hit) { hits++ }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(0x1001, breakpoint.Software, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("expected one hit, got %d", hits)
	}
	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	// the target exited, nothing to halt
	if detached, halted := m.Detached(); !detached || halted != 0 {
		t.Fatalf("detached %v halted %d", detached, halted)
	}
}

func TestSessionHalt(t *testing.T) {
	p := sim.NewProcess()
	p.Map(0x1000, 1, memory.ProtRead|memory.ProtExec)
	m := sim.NewMachine(p, nil)
	s, err := session.Attach(target.Session(m), session.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	if detached, halted := m.Detached(); !detached || halted != 1 {
		t.Fatalf("detached %v halted %d", detached, halted)
	}
}
