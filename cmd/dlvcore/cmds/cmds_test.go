package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/store"
	"github.com/go-delve/livecore/pkg/target"
	"github.com/go-delve/livecore/pkg/target/native"
	"github.com/go-delve/livecore/pkg/target/sim"
	"github.com/go-delve/livecore/pkg/tracerecord"
)

func TestParseHardware(t *testing.T) {
	testCases := []struct {
		in     string
		addr   memory.Address
		access breakpoint.Access
		size   int
		err    bool
	}{
		{"0x1000", 0x1000, breakpoint.AccessExecute, 1, false},
		{"0x1000:w", 0x1000, breakpoint.AccessWrite, 1, false},
		{"0x1000:rw:8", 0x1000, breakpoint.AccessReadWrite, 8, false},
		{"4096::2", 0x1000, breakpoint.AccessExecute, 2, false},
		{"0x1000:r", 0, 0, 0, true},
		{"0x1000:w:x", 0, 0, 0, true},
		{"zzz", 0, 0, 0, true},
		{"0x1000:w:4:1", 0, 0, 0, true},
	}
	for _, tc := range testCases {
		addr, access, size, err := parseHardware(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if addr != tc.addr || access != tc.access || size != tc.size {
			t.Errorf("%q: got %#x %v %d", tc.in, uint64(addr), access, size)
		}
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := New()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, buf.String())
	}
	return buf.String()
}

func TestVersion(t *testing.T) {
	out := execute(t, "version")
	if !strings.HasPrefix(out, "dlvcore\nVersion: ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDemo(t *testing.T) {
	out := execute(t, "--store", "memory", "demo")
	t.Log(out)
	for _, want := range []string{
		"thread 1 hit prologue: software breakpoint at 0x401001",
		"thread 1 hit hardware breakpoint at 0x602000",
		"5 instructions executed, 1 breakpoints left",
		"byte  1 pages, 16 traced bytes",
		"saved [breakpoints tracerecord]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q", want)
		}
	}
}

func TestAttach(t *testing.T) {
	p := sim.NewProcess()
	p.Map(0x1000, 1, memory.ProtRead|memory.ProtExec)
	p.Load(0x1000, []byte{0x90, 0x90, 0x90})
	m := sim.NewMachine(p, []sim.Instruction{{PC: 0x1000}, {PC: 0x1001}, {PC: 0x1002}})

	defer func(f func(int, native.Options) (target.Process, error)) { attachFunc = f }(attachFunc)
	var gotPid int
	attachFunc = func(pid int, opts native.Options) (target.Process, error) {
		gotPid = pid
		return m, nil
	}

	out := execute(t, "--store", "memory", "attach", "42", "--break", "0x1001")
	t.Log(out)
	if gotPid != 42 {
		t.Fatalf("attached to %d", gotPid)
	}
	for _, want := range []string{
		"attached to 42, 1 breakpoints",
		"thread 1 hit software breakpoint at 0x1001",
		"process exited",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q", want)
		}
	}
	if detached, _ := m.Detached(); !detached {
		t.Fatal("machine not detached")
	}
	// the process exited, its memory is not written again
	if got := p.Peek(0x1001, 1); got[0] != breakpoint.DefaultTrapInstruction[0] {
		t.Fatalf("memory of the exited process written on detach: %#x", got[0])
	}
}

func TestAttachRestoreBreakpoints(t *testing.T) {
	dir := t.TempDir()
	defer func(f func(int, native.Options) (target.Process, error)) { attachFunc = f }(attachFunc)
	run := func(args ...string) string {
		p := sim.NewProcess()
		p.Map(0x1000, 1, memory.ProtRead|memory.ProtExec)
		p.Load(0x1000, []byte{0x90, 0x90, 0x90})
		m := sim.NewMachine(p, []sim.Instruction{{PC: 0x1000}, {PC: 0x1001}, {PC: 0x1002}})
		attachFunc = func(int, native.Options) (target.Process, error) { return m, nil }
		return execute(t, append([]string{"--store", "dir", "--store-path", dir, "attach", "42"}, args...)...)
	}

	run("--break", "0x1001", "--hw", "0x1002")
	for _, args := range [][]string{
		{"--restore-breakpoints"},
		{"--restore-breakpoints", "--break", "0x1001"},
	} {
		out := run(args...)
		t.Log(out)
		for _, want := range []string{
			"attached to 42, 2 breakpoints",
			"thread 1 hit software breakpoint at 0x1001",
			"thread 1 hit hardware breakpoint at 0x1002",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("%v: output does not contain %q", args, want)
			}
		}
	}

	out := run()
	if !strings.Contains(out, "attached to 42, 0 breakpoints") {
		t.Errorf("breakpoints restored without --restore-breakpoints: %q", out)
	}
}

func TestTraceCommands(t *testing.T) {
	dir := t.TempDir()
	st, err := store.OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := tracerecord.New(tracerecord.Options{})
	if err := rec.SetPageMode(0x1000, tracerecord.WordCounter); err != nil {
		t.Fatal(err)
	}
	rec.RecordExecution(0x1000, 3)
	rec.RecordExecution(0x1000, 3)
	if err := rec.SaveToStore(st); err != nil {
		t.Fatal(err)
	}
	st.Close()

	out := execute(t, "--store", "dir", "trace", "stats", dir)
	if !strings.Contains(out, "word  1 pages, 3 traced bytes") {
		t.Fatalf("unexpected stats %q", out)
	}

	out = execute(t, "--store", "dir", "trace", "dump", dir)
	if !strings.Contains(out, "word     3 bytes") {
		t.Fatalf("unexpected dump %q", out)
	}

	out = execute(t, "--store", "dir", "trace", "dump", "--page", "0x1001", dir)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 traced bytes, got %q", out)
	}
	for i, typ := range []string{"heading", "body", "tailing"} {
		if f := strings.Fields(lines[i]); len(f) != 3 || f[1] != typ || f[2] != "2" {
			t.Errorf("line %d: %q", i, lines[i])
		}
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("arch: \"386\"\nhardware-slots: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	execute(t, "--config", path, "--hw-slots", "3", "version")
	if conf.Arch != "386" {
		t.Errorf("arch %q", conf.Arch)
	}
	if conf.HardwareSlots != 3 {
		t.Errorf("command line did not override the config file: %d slots", conf.HardwareSlots)
	}
}
