// Package session ties the memory accessor, the breakpoint manager and
// the trace recorder of one attached target together and runs its debug
// event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/decode"
	"github.com/go-delve/livecore/pkg/logflags"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/store"
	"github.com/go-delve/livecore/pkg/tracerecord"
)

// EventSource delivers the debug events of the target. WaitEvent blocks
// until a thread stops, Resume lets the thread that raised ev continue.
type EventSource interface {
	WaitEvent(ctx context.Context) (breakpoint.Event, error)
	Resume(ev breakpoint.Event, decision breakpoint.Decision) error
}

// Target groups the collaborators implementing OS access to the target.
// Memory, Stepper and Events are required.
type Target struct {
	Memory    memory.PageReadWriter
	Protector memory.Protector
	Registers breakpoint.DebugRegisters
	Stepper   breakpoint.Stepper
	Events    EventSource
	// Halt, if set, is called by Session.Detach before the breakpoints
	// are removed. It must leave every thread of the target stopped.
	Halt func() error
	// Detach, if set, is called last by Session.Detach.
	Detach func() error
}

// Config configures a session.
type Config struct {
	Arch            memory.Arch
	HardwareSlots   int
	AutoTrace       bool
	DecodeCacheSize int
	// Store, if set, is where the trace is loaded from on Attach and saved
	// to on Detach. The permanent breakpoints are saved to it too.
	Store store.Store
	// RestoreBreakpoints sets again, on Attach, the breakpoints saved in
	// Store by the last Detach.
	RestoreBreakpoints bool
	// Metrics may be nil.
	Metrics *Metrics
	// OnHit, if set, is called by Run for every breakpoint hit, with the
	// target stopped.
	OnHit func(breakpoint.Hit)
}

// ErrDetached is returned by operations on a detached session.
var ErrDetached = errors.New("session detached")

// Session is one attached target.
type Session struct {
	target  Target
	acc     *memory.Accessor
	bps     *breakpoint.Manager
	rec     *tracerecord.Recorder
	store   store.Store
	metrics *Metrics
	onHit   func(breakpoint.Hit)
	log     logflags.Logger

	mu       sync.Mutex
	detached bool
	exited   bool
}

// Attach creates the session of target t. If cfg.Store holds a saved
// trace it is loaded.
func Attach(t Target, cfg Config) (*Session, error) {
	if t.Memory == nil || t.Events == nil {
		return nil, errors.New("target has no memory or event source")
	}
	if cfg.Arch.Name == "" {
		cfg.Arch = memory.AMD64
	}
	dec, err := decode.NewX86(cfg.Arch, cfg.DecodeCacheSize)
	if err != nil {
		return nil, err
	}
	acc := memory.NewAccessor(t.Memory, cfg.Arch)
	rec := tracerecord.New(tracerecord.Options{AutoCreate: cfg.AutoTrace})
	s := &Session{
		target: t,
		acc:    acc,
		rec:    rec,
		bps: breakpoint.NewManager(breakpoint.Config{
			Memory:        acc,
			Registers:     t.Registers,
			Protector:     t.Protector,
			Stepper:       t.Stepper,
			Tracer:        rec,
			Decoder:       dec,
			HardwareSlots: cfg.HardwareSlots,
		}),
		store:   cfg.Store,
		metrics: cfg.Metrics,
		onHit:   cfg.OnHit,
		log:     logflags.SessionLogger(),
	}
	if s.store != nil {
		rep, err := rec.LoadFromStore(s.store)
		if err != nil {
			return nil, err
		}
		if rep.Skipped > 0 {
			s.metrics.recordError("load")
		}
		s.log.Debugf("loaded %d trace pages", rep.Pages)
		if cfg.RestoreBreakpoints {
			if err := s.restoreBreakpoints(); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Session) restoreBreakpoints() error {
	rep, err := s.bps.LoadFromStore(s.store)
	if err != nil {
		return err
	}
	for _, err := range rep.Failed {
		s.metrics.recordError("restore")
		s.log.Warnf("breakpoint not restored: %v", err)
	}
	s.log.Debugf("restored %d breakpoints", rep.Restored)
	return nil
}

// Memory returns the accessor for target memory.
func (s *Session) Memory() *memory.Accessor {
	return s.acc
}

// Breakpoints returns the breakpoint table.
func (s *Session) Breakpoints() *breakpoint.Manager {
	return s.bps
}

// Trace returns the trace recorder.
func (s *Session) Trace() *tracerecord.Recorder {
	return s.rec
}

// Exited returns true if the target exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Run processes debug events until the target exits, ctx is cancelled or
// the event source fails. It returns nil when the target exits.
// Failures while handling an event are logged and do not stop the loop.
func (s *Session) Run(ctx context.Context) error {
	if s.isDetached() {
		return ErrDetached
	}
	for {
		ev, err := s.target.Events.WaitEvent(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.setExited()
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("waiting for debug event: %w", err)
		}
		if ev.Kind == breakpoint.EventExited {
			s.log.Infof("target exited with status %d", ev.Code)
			s.metrics.recordEvent(ev.Kind.String(), "exit")
			s.setExited()
			return nil
		}

		traced := s.rec.InstructionCounter()
		res := s.bps.OnDebugEvent(ev)
		s.metrics.recordTraced(s.rec.InstructionCounter() - traced)
		s.metrics.recordEvent(ev.Kind.String(), res.Decision.String())

		if res.Hit != nil {
			s.metrics.recordHit(res.Hit.Breakpoint.Kind.String())
			if res.Hit.Err != nil {
				s.metrics.recordError("hit")
				s.log.Warnf("thread %d hit %v: %v", res.Hit.Thread, &res.Hit.Breakpoint, res.Hit.Err)
			} else {
				s.log.Debugf("thread %d hit %v", res.Hit.Thread, &res.Hit.Breakpoint)
			}
			if s.onHit != nil {
				s.onHit(*res.Hit)
			}
		}

		if err := s.target.Events.Resume(ev, res.Decision); err != nil {
			return fmt.Errorf("resuming thread %d: %w", ev.Thread, err)
		}
	}
}

// Detach saves the trace and the permanent breakpoints, removes every
// breakpoint from the target and releases it. If the target exited the
// breakpoint table is emptied without writing to it. It is safe to call
// more than once. Every step is attempted even if an earlier one fails.
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.detached = true
	exited := s.exited
	s.mu.Unlock()

	var errs []error
	if !exited && s.target.Halt != nil {
		if err := s.target.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("stopping target: %w", err))
		}
	}
	if s.store != nil {
		if err := s.bps.SaveToStore(s.store); err != nil {
			s.metrics.recordError("save")
			errs = append(errs, err)
		}
	}
	if exited {
		s.bps.Reset()
	} else if err := s.bps.Clear(); err != nil {
		s.metrics.recordError("detach")
		errs = append(errs, fmt.Errorf("removing breakpoints: %w", err))
	}
	if s.store != nil {
		if err := s.rec.SaveToStore(s.store); err != nil {
			s.metrics.recordError("save")
			errs = append(errs, err)
		}
	}
	if s.target.Detach != nil {
		if err := s.target.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
	}
	s.log.Debugf("detached")
	return errors.Join(errs...)
}

func (s *Session) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *Session) setExited() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
}
