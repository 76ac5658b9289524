package session_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/session"
	"github.com/go-delve/livecore/pkg/store"
	"github.com/go-delve/livecore/pkg/target/sim"
	"github.com/go-delve/livecore/pkg/tracerecord"
)

const (
	codeBase = memory.Address(0x401000)
	dataBase = memory.Address(0x602000)
)

// newProcess returns a process running a page of nops.
func newProcess(t *testing.T) *sim.Process {
	t.Helper()
	p := sim.NewProcess()
	p.Map(codeBase, 1, memory.ProtRead|memory.ProtExec)
	p.Map(dataBase, 1, memory.ProtRead|memory.ProtWrite)
	if err := p.Load(codeBase, bytes.Repeat([]byte{0x90}, memory.PageSize)); err != nil {
		t.Fatal(err)
	}
	p.AddThread(1, codeBase)
	return p
}

func program() []sim.Instruction {
	return []sim.Instruction{
		{PC: codeBase},
		{PC: codeBase + 1},
		{PC: codeBase + 2},
		{PC: codeBase + 3, Data: dataBase + 8, Write: true},
		{PC: codeBase + 4},
	}
}

func target(p *sim.Process, r *sim.Runner) session.Target {
	return session.Target{
		Memory:    p,
		Protector: p,
		Registers: p,
		Stepper:   p,
		Events:    r,
	}
}

func TestRun(t *testing.T) {
	p := newProcess(t)
	r := sim.NewRunner(p, 1, program())
	r.Trace = true
	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)
	st := store.NewMemory()

	var hits []breakpoint.Hit
	s, err := session.Attach(target(p, r), session.Config{
		Arch:            memory.AMD64,
		DecodeCacheSize: 64,
		Store:           st,
		Metrics:         metrics,
		OnHit:           func(h breakpoint.Hit) { hits = append(hits, h) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Trace().SetPageMode(codeBase, tracerecord.ByteCounter); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(codeBase+2, breakpoint.Software, breakpoint.Permanent, breakpoint.WithName("main")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(dataBase+8, breakpoint.Hardware, breakpoint.Permanent, breakpoint.WithHardware(breakpoint.AccessWrite, 8)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Exited() {
		t.Fatalf("session did not see the target exit")
	}

	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Breakpoint.Kind != breakpoint.Software || hits[0].Breakpoint.Name != "main" || hits[0].Breakpoint.HitCount != 1 {
		t.Fatalf("unexpected first hit %v", &hits[0].Breakpoint)
	}
	if hits[1].Breakpoint.Kind != breakpoint.Hardware || hits[1].Breakpoint.Addr != dataBase+8 {
		t.Fatalf("unexpected second hit %v", &hits[1].Breakpoint)
	}
	for _, h := range hits {
		if h.Err != nil {
			t.Fatalf("hit error: %v", h.Err)
		}
	}

	for i := memory.Address(0); i < 5; i++ {
		if cnt := s.Trace().GetHitCount(codeBase + i); cnt != 1 {
			t.Fatalf("%#x executed %d times", codeBase+i, cnt)
		}
		if typ := s.Trace().GetByteType(codeBase + i); typ != tracerecord.InstructionHeading {
			t.Fatalf("%#x: byte type %v", codeBase+i, typ)
		}
	}
	if s.Trace().IsTraced(codeBase + 5) {
		t.Fatalf("instruction past the end of the program traced")
	}

	var stops int
	for _, res := range r.Resumed() {
		if res.Decision == breakpoint.DecisionStop {
			stops++
		}
		if res.Decision == breakpoint.DecisionPassThrough {
			t.Fatalf("event passed through: %+v", res)
		}
	}
	if stops != 2 {
		t.Fatalf("expected 2 stops, got %d", stops)
	}

	if n, err := testutil.GatherAndCount(reg, "dlvcore_breakpoint_hits_total"); err != nil || n != 2 {
		t.Fatalf("expected hit counters for 2 kinds, got %d %v", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "dlvcore_traced_instructions_total"); err != nil || n != 1 {
		t.Fatalf("traced instruction counter missing: %d %v", n, err)
	}

	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(tracerecord.StoreKey); err != nil {
		t.Fatalf("trace not saved: %v", err)
	}
}

func TestDetachRestoresTarget(t *testing.T) {
	p := newProcess(t)
	r := sim.NewRunner(p, 1, nil)
	detached := 0
	tg := target(p, r)
	tg.Detach = func() error {
		detached++
		return nil
	}
	s, err := session.Attach(tg, session.Config{})
	if err != nil {
		t.Fatal(err)
	}
	orig := p.Peek(codeBase+0x20, 1)[0]
	if _, err := s.Breakpoints().Set(codeBase+0x20, breakpoint.Software, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(codeBase+0x30, breakpoint.Hardware, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(dataBase, breakpoint.Memory, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}

	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	if got := p.Peek(codeBase+0x20, 1)[0]; got != orig {
		t.Fatalf("trap left in target: %#x", got)
	}
	if regs := p.Registers(1); regs.Control != 0 {
		t.Fatalf("debug registers not cleared: %#x", regs.Control)
	}
	if prot, _ := p.Protection(dataBase); prot&memory.ProtGuard != 0 {
		t.Fatalf("guard page left in target")
	}
	if s.Breakpoints().Count(breakpoint.Software, false) != 0 {
		t.Fatalf("breakpoints left in table")
	}

	if err := s.Detach(); err != nil || detached != 1 {
		t.Fatalf("second Detach: %v, target detached %d times", err, detached)
	}
	if err := s.Run(context.Background()); !errors.Is(err, session.ErrDetached) {
		t.Fatalf("Run after Detach: %v", err)
	}
}

func TestDetachErrors(t *testing.T) {
	p := newProcess(t)
	r := sim.NewRunner(p, 1, nil)
	tg := target(p, r)
	errDetach := errors.New("detach failed")
	tg.Detach = func() error { return errDetach }
	s, err := session.Attach(tg, session.Config{})
	if err != nil {
		t.Fatal(err)
	}
	s.Breakpoints().Set(codeBase+0x20, breakpoint.Software, breakpoint.Permanent)
	p.FailWrite(codeBase, true)
	err = s.Detach()
	if !errors.Is(err, errDetach) {
		t.Fatalf("target detach error lost: %v", err)
	}
	if !errors.Is(err, breakpoint.ErrInvalidAddress) {
		t.Fatalf("breakpoint restore error lost: %v", err)
	}
}

func TestAttachLoadsTrace(t *testing.T) {
	st := store.NewMemory()
	rec := tracerecord.New(tracerecord.Options{})
	rec.SetPageMode(codeBase, tracerecord.WordCounter)
	rec.RecordExecution(codeBase+4, 2)
	if err := rec.SaveToStore(st); err != nil {
		t.Fatal(err)
	}

	p := newProcess(t)
	s, err := session.Attach(target(p, sim.NewRunner(p, 1, nil)), session.Config{Store: st})
	if err != nil {
		t.Fatal(err)
	}
	if s.Trace().PageMode(codeBase) != tracerecord.WordCounter || s.Trace().GetHitCount(codeBase+5) != 1 {
		t.Fatalf("trace not loaded: %+v", s.Trace().Pages())
	}

	st.Put(tracerecord.StoreKey, []byte("not a trace blob"))
	if _, err := session.Attach(target(p, sim.NewRunner(p, 1, nil)), session.Config{Store: st}); !errors.Is(err, tracerecord.ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestRunCancel(t *testing.T) {
	p := newProcess(t)
	s, err := session.Attach(target(p, sim.NewRunner(p, 1, program())), session.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Exited() {
		t.Fatalf("cancelled session marked exited")
	}
}

func TestAttachValidation(t *testing.T) {
	if _, err := session.Attach(session.Target{}, session.Config{}); err == nil {
		t.Fatalf("expected error for empty target")
	}
	p := newProcess(t)
	cfg := session.Config{Arch: memory.Arch{Name: "arm64", PtrSize: 16}}
	if _, err := session.Attach(target(p, sim.NewRunner(p, 1, nil)), cfg); err == nil {
		t.Fatalf("expected error for unsupported architecture")
	}
}

func TestDetachAfterExit(t *testing.T) {
	p := newProcess(t)
	st := store.NewMemory()
	s, err := session.Attach(target(p, sim.NewRunner(p, 1, program())), session.Config{Store: st, HardwareSlots: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(codeBase+0x20, breakpoint.Software, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Breakpoints().Set(codeBase+0x30, breakpoint.Hardware, breakpoint.Permanent); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Exited() {
		t.Fatalf("target did not exit")
	}

	_, writes := p.PageIO()
	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	if _, after := p.PageIO(); after != writes {
		t.Fatalf("Detach wrote %d pages of an exited target", after-writes)
	}
	if n := len(s.Breakpoints().List()); n != 0 {
		t.Fatalf("%d breakpoints left in table", n)
	}
	if _, err := s.Breakpoints().Set(codeBase+0x38, breakpoint.Hardware, breakpoint.Permanent, breakpoint.WithDisabled()); err != nil {
		t.Fatalf("hardware slot not released: %v", err)
	}
	if _, err := st.Get(breakpoint.StoreKey); err != nil {
		t.Fatalf("breakpoints not saved: %v", err)
	}
}

func TestRestoreBreakpoints(t *testing.T) {
	st := store.NewMemory()
	p := newProcess(t)
	s, err := session.Attach(target(p, sim.NewRunner(p, 1, nil)), session.Config{Store: st})
	if err != nil {
		t.Fatal(err)
	}
	bps := s.Breakpoints()
	if _, err := bps.Set(codeBase+0x20, breakpoint.Software, breakpoint.Permanent, breakpoint.WithName("main")); err != nil {
		t.Fatal(err)
	}
	if _, err := bps.Set(dataBase+8, breakpoint.Hardware, breakpoint.Permanent, breakpoint.WithHardware(breakpoint.AccessWrite, 8), breakpoint.WithDisabled()); err != nil {
		t.Fatal(err)
	}
	if _, err := bps.Set(codeBase+0x40, breakpoint.Software, breakpoint.SingleShot); err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}

	p2 := newProcess(t)
	reg := prometheus.NewRegistry()
	cfg := session.Config{Store: st, RestoreBreakpoints: true, Metrics: session.NewMetrics(reg)}
	s2, err := session.Attach(target(p2, sim.NewRunner(p2, 1, nil)), cfg)
	if err != nil {
		t.Fatal(err)
	}
	list := s2.Breakpoints().List()
	if len(list) != 2 {
		t.Fatalf("expected 2 restored breakpoints, got %d", len(list))
	}
	if bp, ok := s2.Breakpoints().GetByName("main"); !ok || bp.Addr != codeBase+0x20 || bp.State != breakpoint.Enabled {
		t.Fatalf("named breakpoint not restored: %v %v", &bp, ok)
	}
	if got := p2.Peek(codeBase+0x20, 1)[0]; got != breakpoint.DefaultTrapInstruction[0] {
		t.Fatalf("restored breakpoint not installed: %#x", got)
	}
	hw, ok := s2.Breakpoints().Get(dataBase+8, breakpoint.Hardware)
	if !ok || hw.State != breakpoint.Disabled || hw.Hardware.Access != breakpoint.AccessWrite || hw.Hardware.Size != 8 {
		t.Fatalf("hardware breakpoint not restored: %v %v", &hw, ok)
	}
	if regs := p2.Registers(1); regs.Control != 0 {
		t.Fatalf("disabled breakpoint programmed: %#x", regs.Control)
	}
	if n, err := testutil.GatherAndCount(reg, "dlvcore_errors_total"); err != nil || n != 0 {
		t.Fatalf("unexpected errors: %d %v", n, err)
	}

	// the first entry points outside of the new target
	st.Put(breakpoint.StoreKey, []byte("- address: 65536\n  kind: software\n  enabled: true\n- address: 4198432\n  kind: software\n  enabled: true\n"))
	p3 := newProcess(t)
	reg = prometheus.NewRegistry()
	cfg.Metrics = session.NewMetrics(reg)
	s3, err := session.Attach(target(p3, sim.NewRunner(p3, 1, nil)), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s3.Breakpoints().Get(codeBase+0x20, breakpoint.Software); !ok {
		t.Fatalf("valid entry not restored after a failing one")
	}
	if n, err := testutil.GatherAndCount(reg, "dlvcore_errors_total"); err != nil || n != 1 {
		t.Fatalf("restore failure not counted: %d %v", n, err)
	}

	st.Put(breakpoint.StoreKey, []byte("{not: a list"))
	if _, err := session.Attach(target(p3, sim.NewRunner(p3, 1, nil)), cfg); err == nil {
		t.Fatalf("expected error for a corrupt breakpoint list")
	}
}
