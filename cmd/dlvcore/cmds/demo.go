package cmds

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/decode"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/session"
	"github.com/go-delve/livecore/pkg/store"
	"github.com/go-delve/livecore/pkg/target"
	"github.com/go-delve/livecore/pkg/target/sim"
	"github.com/go-delve/livecore/pkg/tracerecord"
)

const (
	demoCode = memory.Address(0x401000)
	demoData = memory.Address(0x602000)
)

// demoText is
//
//	push rbp
//	mov rbp, rsp
//	mov dword ptr [rip+0x200ff2], 0x2a	; writes demoData
//	pop rbp
//	ret
var demoText = []byte{
	0x55,
	0x48, 0x89, 0xe5,
	0xc7, 0x05, 0xf2, 0x0f, 0x20, 0x00, 0x2a, 0x00, 0x00, 0x00,
	0x5d,
	0xc3,
}

var demoProgram = []sim.Instruction{
	{PC: demoCode},
	{PC: demoCode + 1},
	{PC: demoCode + 4, Data: demoData, Write: true},
	{PC: demoCode + 14},
	{PC: demoCode + 15},
}

func demoCmd(cmd *cobra.Command, args []string) error {
	arch, err := memory.ParseArch(conf.Arch)
	if err != nil {
		return err
	}
	dec, err := decode.NewX86(arch, conf.DecodeCacheSize)
	if err != nil {
		return err
	}
	p := sim.NewProcess()
	p.Decoder = dec
	p.Map(demoCode, 1, memory.ProtRead|memory.ProtExec)
	p.Map(demoData, 1, memory.ProtRead|memory.ProtWrite)
	if err := p.Load(demoCode, demoText); err != nil {
		return err
	}
	m := sim.NewMachine(p, demoProgram)
	m.Trace = true

	out := cmd.OutOrStdout()
	st := store.NewMemory()
	cfg, err := sessionConfig(st)
	if err != nil {
		return err
	}
	cfg.OnHit = func(h breakpoint.Hit) { printHit(out, h) }
	s, err := session.Attach(target.Session(m), cfg)
	if err != nil {
		return err
	}

	bps := s.Breakpoints()
	if _, err := bps.Set(demoCode+1, breakpoint.Software, breakpoint.Permanent, breakpoint.WithName("prologue")); err != nil {
		return err
	}
	if _, err := bps.Set(demoData, breakpoint.Hardware, breakpoint.SingleShot, breakpoint.WithHardware(breakpoint.AccessWrite, 4)); err != nil {
		return err
	}
	if err := s.Trace().SetPageMode(demoCode, tracerecord.ByteCounter); err != nil {
		return err
	}

	if err := s.Run(context.Background()); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d instructions executed, %d breakpoints left\n", m.Executed(), len(bps.List()))
	printTraceSummary(out, s.Trace())
	dumpTracePage(out, s.Trace(), demoCode)
	if err := s.Detach(); err != nil {
		return err
	}

	keys, err := st.Keys()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %v\n", keys)
	return nil
}
