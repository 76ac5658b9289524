package breakpoint

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/store"
)

// StoreKey is the key the breakpoint table is saved under.
const StoreKey = "breakpoints"

// savedBreakpoint is how one breakpoint is written to the store. Only
// what Set needs to recreate it is kept: trap bytes, slots and saved
// protections belong to the target that was detached from.
type savedBreakpoint struct {
	Address uint64 `yaml:"address"`
	Kind    string `yaml:"kind"`
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name,omitempty"`
	Access  string `yaml:"access,omitempty"`
	Size    int    `yaml:"size,omitempty"`
}

// RestoreReport describes the outcome of LoadFromStore.
type RestoreReport struct {
	// Restored is the number of breakpoints set again.
	Restored int
	// Failed holds one error per saved breakpoint that could not be set.
	Failed []error
}

// Err joins the errors in Failed.
func (rep RestoreReport) Err() error {
	return errors.Join(rep.Failed...)
}

// SaveToStore writes every permanent breakpoint to st under StoreKey as a
// YAML list. Single shot breakpoints are not saved.
func (m *Manager) SaveToStore(st store.Store) error {
	var saved []savedBreakpoint
	for _, bp := range m.List() {
		if bp.Persistence == SingleShot {
			continue
		}
		sb := savedBreakpoint{
			Address: uint64(bp.Addr),
			Kind:    bp.Kind.String(),
			Enabled: bp.State == Enabled,
			Name:    bp.Name,
		}
		switch {
		case bp.Hardware != nil:
			sb.Access = bp.Hardware.Access.String()
			sb.Size = bp.Hardware.Size
		case bp.Memory != nil:
			sb.Access = bp.Memory.Access.String()
		}
		saved = append(saved, sb)
	}
	blob, err := yaml.Marshal(saved)
	if err != nil {
		return err
	}
	if err := st.Put(StoreKey, blob); err != nil {
		return fmt.Errorf("saving breakpoints: %w", err)
	}
	m.log.Debugf("saved %d breakpoints", len(saved))
	return nil
}

// LoadFromStore sets again every breakpoint saved in st. A missing key
// restores nothing. Breakpoints that can not be decoded or set are
// reported in RestoreReport.Failed and do not stop the others. The error
// is only returned for store failures and blobs that are not a
// breakpoint list.
func (m *Manager) LoadFromStore(st store.Store) (RestoreReport, error) {
	var rep RestoreReport
	blob, err := st.Get(StoreKey)
	if errors.Is(err, store.ErrNotFound) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("loading breakpoints: %w", err)
	}
	var saved []savedBreakpoint
	if err := yaml.Unmarshal(blob, &saved); err != nil {
		return rep, fmt.Errorf("loading breakpoints: %w", err)
	}
	for _, sb := range saved {
		err := m.restore(sb)
		var pf *PartialFailureError
		switch {
		case err == nil:
			rep.Restored++
		case errors.As(err, &pf) && len(pf.Succeeded) > 0:
			// kept, the remaining threads can be retried with ProgramThread
			m.log.Warnf("restoring breakpoint at %#x: %v", sb.Address, err)
			rep.Restored++
		default:
			m.log.Warnf("restoring breakpoint at %#x: %v", sb.Address, err)
			rep.Failed = append(rep.Failed, err)
		}
	}
	return rep, nil
}

func (m *Manager) restore(sb savedBreakpoint) error {
	addr := memory.Address(sb.Address)
	var opts []Option
	if sb.Name != "" {
		opts = append(opts, WithName(sb.Name))
	}
	if !sb.Enabled {
		opts = append(opts, WithDisabled())
	}
	var k Kind
	switch sb.Kind {
	case "software":
		k = Software
	case "hardware":
		k = Hardware
		access, err := ParseAccess(sb.Access)
		if err != nil {
			return fmt.Errorf("breakpoint at %#x: %w", sb.Address, err)
		}
		opts = append(opts, WithHardware(access, sb.Size))
	case "memory":
		k = Memory
		if sb.Access != "" {
			access, err := ParseAccess(sb.Access)
			if err != nil {
				return fmt.Errorf("breakpoint at %#x: %w", sb.Address, err)
			}
			opts = append(opts, WithMemoryAccess(access))
		}
	default:
		return fmt.Errorf("breakpoint at %#x: unknown kind %q", sb.Address, sb.Kind)
	}
	_, err := m.Set(addr, k, Permanent, opts...)
	return err
}
