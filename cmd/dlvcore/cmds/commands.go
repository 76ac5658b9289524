package cmds

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/livecore/pkg/breakpoint"
	"github.com/go-delve/livecore/pkg/config"
	"github.com/go-delve/livecore/pkg/logflags"
	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/session"
	"github.com/go-delve/livecore/pkg/store"
	"github.com/go-delve/livecore/pkg/target"
	"github.com/go-delve/livecore/pkg/target/native"
	"github.com/go-delve/livecore/pkg/tracerecord"
	"github.com/go-delve/livecore/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile replaces the default configuration file.
	configFile string

	// attach flags
	softBreaks  []string
	hwBreaks    []string
	tracePages  []string
	traceMode   string
	metricsAddr string
	// restoreBreaks sets again the breakpoints saved by the last session.
	restoreBreaks bool

	// trace dump flags
	dumpPage string

	conf *config.Config

	// attachFunc attaches to a live process, replaced by tests.
	attachFunc = native.Attach
)

const dlvcoreCommandLongDesc = `dlvcore is a low level debugging engine for live processes.

It installs software, hardware and memory breakpoints, steps over them
transparently, and records a per-byte execution trace of selected pages
that is saved to a persistent store.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "dlvcore",
		Short: "dlvcore is a breakpoint and execution trace engine for live processes.",
		Long:  dlvcoreCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			return loadConfigFile(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dlvcore help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dlvcore help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file to use instead of ~/.dlvcore/config.yml.")
	conf.BindFlags(rootCommand.PersistentFlags())

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process, set breakpoints and record its execution.",
		Long: `Attach to an already running process.

Breakpoints given with --break and --hw are installed and every hit is
printed. Pages given with --trace are recorded at instruction granularity.
The session ends when the process exits or on SIGINT, the trace and the
permanent breakpoints are then saved to the configured store and every
breakpoint is removed before detaching. With --restore-breakpoints the
breakpoints saved by the previous session are set again on attach.

Hardware breakpoints are written as addr[:x|w|rw][:size], for example
0x601040:w:8.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().StringArrayVar(&softBreaks, "break", nil, "Set a software breakpoint at the given address.")
	attachCommand.Flags().StringArrayVar(&hwBreaks, "hw", nil, "Set a hardware breakpoint, addr[:x|w|rw][:size].")
	attachCommand.Flags().StringArrayVar(&tracePages, "trace", nil, "Trace execution of the page containing the given address.")
	attachCommand.Flags().StringVar(&traceMode, "trace-mode", "", "Trace mode for --trace pages: bit, byte or word (default from config).")
	attachCommand.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address.")
	attachCommand.Flags().BoolVar(&restoreBreaks, "restore-breakpoints", false, "Set again the breakpoints saved in the store by the last session.")
	rootCommand.AddCommand(attachCommand)

	// 'mem' subcommand.
	memCommand := &cobra.Command{
		Use:   "mem",
		Short: "Access the memory of a process.",
	}
	memCommand.AddCommand(&cobra.Command{
		Use:   "read pid addr size",
		Short: "Print a hex dump of process memory.",
		Args:  cobra.ExactArgs(3),
		RunE:  memReadCmd,
	})
	rootCommand.AddCommand(memCommand)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace",
		Short: "Inspect saved execution traces.",
	}
	dumpCommand := &cobra.Command{
		Use:   "dump [store-path]",
		Short: "List the traced pages of a store.",
		Long: `List the traced pages of a store.

With --page the byte types and hit counts of every traced byte of one page
are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: traceDumpCmd,
	}
	dumpCommand.Flags().StringVar(&dumpPage, "page", "", "Print every traced byte of the page containing this address.")
	traceCommand.AddCommand(dumpCommand)
	traceCommand.AddCommand(&cobra.Command{
		Use:   "stats [store-path]",
		Short: "Print trace totals per mode.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  traceStatsCmd,
	})
	rootCommand.AddCommand(traceCommand)

	// 'demo' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Run a scripted session against a simulated process.",
		Args:  cobra.NoArgs,
		RunE:  demoCmd,
	})

	// 'version' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dlvcore\n%s\n", version.DlvcoreVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	memory		Log paged memory reads and writes
	breakpoints	Log breakpoint installation and debug event classification
	tracerecord	Log trace page creation and persistence
	session		Log the session lifecycle and breakpoint hits
	native		Log the ptrace backend
	store		Log the trace store

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// loadConfigFile replaces conf with the contents of --config. Flags set
// on the command line keep precedence over the file.
func loadConfigFile(flags *pflag.FlagSet) error {
	if configFile == "" {
		return nil
	}
	c, err := config.LoadConfigFrom(configFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configFile, err)
	}
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	c.BindFlags(fs)
	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		if fs.Lookup(f.Name) == nil {
			return
		}
		if err := fs.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
			setErr = err
		}
	})
	if setErr != nil {
		return setErr
	}
	*conf = *c
	return nil
}

func parseAddress(s string) (memory.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return memory.Address(v), nil
}

// parseHardware parses addr[:x|w|rw][:size].
func parseHardware(s string) (addr memory.Address, access breakpoint.Access, size int, err error) {
	fields := strings.Split(s, ":")
	if len(fields) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid hardware breakpoint %q", s)
	}
	if addr, err = parseAddress(fields[0]); err != nil {
		return 0, 0, 0, err
	}
	access, size = breakpoint.AccessExecute, 1
	if len(fields) > 1 {
		if access, err = breakpoint.ParseAccess(fields[1]); err != nil {
			return 0, 0, 0, fmt.Errorf("%v in %q", err, s)
		}
	}
	if len(fields) > 2 {
		if size, err = strconv.Atoi(fields[2]); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid size %q in %q", fields[2], s)
		}
	}
	return addr, access, size, nil
}

func sessionConfig(st store.Store) (session.Config, error) {
	arch, err := memory.ParseArch(conf.Arch)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Arch:            arch,
		HardwareSlots:   conf.HardwareSlots,
		AutoTrace:       conf.Trace.AutoCreate,
		DecodeCacheSize: conf.DecodeCacheSize,
		Store:           st,
	}, nil
}

// setup installs the breakpoints and trace pages requested on the command
// line.
func setup(s *session.Session, mode tracerecord.Mode) error {
	bps := s.Breakpoints()
	for _, arg := range softBreaks {
		addr, err := parseAddress(arg)
		if err != nil {
			return err
		}
		if _, err := bps.Set(addr, breakpoint.Software, breakpoint.Permanent); err != nil && !restored(err) {
			return err
		}
	}
	for _, arg := range hwBreaks {
		addr, access, size, err := parseHardware(arg)
		if err != nil {
			return err
		}
		bp, err := bps.Set(addr, breakpoint.Hardware, breakpoint.Permanent, breakpoint.WithHardware(access, size))
		var pf *breakpoint.PartialFailureError
		if errors.As(err, &pf) && bp != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		if err != nil && !restored(err) {
			return err
		}
	}
	for _, arg := range tracePages {
		addr, err := parseAddress(arg)
		if err != nil {
			return err
		}
		if err := s.Trace().SetPageMode(addr, mode); err != nil {
			return err
		}
	}
	return nil
}

// restored returns true if err is caused by a command line breakpoint
// already set from the store.
func restored(err error) bool {
	return restoreBreaks && errors.Is(err, breakpoint.ErrAlreadyExists)
}

func attachCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	modeName := traceMode
	if modeName == "" {
		modeName = conf.Trace.DefaultMode
	}
	mode, err := tracerecord.ParseMode(modeName)
	if err != nil {
		return err
	}

	st, err := store.Open(conf.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	cfg, err := sessionConfig(st)
	if err != nil {
		return err
	}
	cfg.RestoreBreakpoints = restoreBreaks
	out := cmd.OutOrStdout()
	cfg.OnHit = func(h breakpoint.Hit) { printHit(out, h) }

	addr := metricsAddr
	if addr == "" {
		addr = conf.MetricsAddr
	}
	if addr != "" {
		reg := prometheus.NewRegistry()
		cfg.Metrics = session.NewMetrics(reg)
		srv, err := serveMetrics(addr, reg)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	p, err := attachFunc(pid, native.Options{Trace: len(tracePages) > 0 || conf.Trace.AutoCreate})
	if err != nil {
		return err
	}
	s, err := session.Attach(target.Session(p), cfg)
	if err != nil {
		p.Detach()
		return err
	}
	if err := setup(s, mode); err != nil {
		return errors.Join(err, s.Detach())
	}
	fmt.Fprintf(out, "attached to %d, %d breakpoints\n", pid, len(s.Breakpoints().List()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runErr := s.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if s.Exited() {
		fmt.Fprintln(out, "process exited")
	}
	printTraceSummary(out, s.Trace())
	return errors.Join(runErr, s.Detach())
}

func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't start metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	logflags.SessionLogger().Infof("serving metrics at http://%s/metrics", listener.Addr())
	return srv, nil
}

func memReadCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q", args[2])
	}
	arch, err := memory.ParseArch(conf.Arch)
	if err != nil {
		return err
	}
	p, err := attachFunc(pid, native.Options{})
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	readErr := memory.NewAccessor(p, arch).Read(addr, buf)
	detachErr := p.Detach()
	if readErr != nil {
		return errors.Join(readErr, detachErr)
	}
	dumpMemory(cmd.OutOrStdout(), addr, buf)
	return detachErr
}

// dumpMemory prints buf like hexdump -C, with target addresses.
func dumpMemory(w io.Writer, addr memory.Address, buf []byte) {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		line := hex.Dump(buf[off:end])
		// hex.Dump starts every line with an eight digit offset
		fmt.Fprintf(w, "%016x%s", uint64(addr)+uint64(off), strings.TrimRight(line[8:], "\n")+"\n")
	}
}

func openTrace(args []string) (*tracerecord.Recorder, tracerecord.LoadReport, error) {
	cfg := conf.Store
	if len(args) > 0 {
		cfg.Path = args[0]
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, tracerecord.LoadReport{}, err
	}
	defer st.Close()
	rec := tracerecord.New(tracerecord.Options{})
	rep, err := rec.LoadFromStore(st)
	return rec, rep, err
}

func traceDumpCmd(cmd *cobra.Command, args []string) error {
	rec, rep, err := openTrace(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if dumpPage != "" {
		addr, err := parseAddress(dumpPage)
		if err != nil {
			return err
		}
		dumpTracePage(out, rec, memory.PageBase(addr))
		return nil
	}
	for _, pg := range rec.Pages() {
		fmt.Fprintf(out, "%#016x %-5s %4d bytes\n", uint64(pg.Base), pg.Mode, pg.Traced)
	}
	if rep.Skipped > 0 {
		fmt.Fprintf(out, "warning: %v\n", rep.Err())
	}
	return nil
}

func dumpTracePage(w io.Writer, rec *tracerecord.Recorder, base memory.Address) {
	if rec.PageMode(base) == tracerecord.Disabled {
		fmt.Fprintf(w, "page %#x is not traced\n", uint64(base))
		return
	}
	for off := memory.Address(0); off < memory.PageSize; off++ {
		addr := base + off
		if !rec.IsTraced(addr) {
			continue
		}
		fmt.Fprintf(w, "%#016x %-12s %d\n", uint64(addr), rec.GetByteType(addr), rec.GetHitCount(addr))
	}
}

func traceStatsCmd(cmd *cobra.Command, args []string) error {
	rec, rep, err := openTrace(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printTraceSummary(out, rec)
	if rep.Skipped > 0 {
		fmt.Fprintf(out, "%d corrupt records skipped\n", rep.Skipped)
	}
	return nil
}

func printTraceSummary(w io.Writer, rec *tracerecord.Recorder) {
	type total struct{ pages, bytes int }
	totals := make(map[tracerecord.Mode]*total)
	for _, pg := range rec.Pages() {
		t := totals[pg.Mode]
		if t == nil {
			t = &total{}
			totals[pg.Mode] = t
		}
		t.pages++
		t.bytes += pg.Traced
	}
	for _, mode := range []tracerecord.Mode{tracerecord.BitExec, tracerecord.ByteCounter, tracerecord.WordCounter} {
		if t := totals[mode]; t != nil {
			fmt.Fprintf(w, "%-5s %d pages, %d traced bytes\n", mode, t.pages, t.bytes)
		}
	}
	if n := rec.InstructionCounter(); n > 0 {
		fmt.Fprintf(w, "%d instructions recorded\n", n)
	}
}

func printHit(w io.Writer, h breakpoint.Hit) {
	fmt.Fprintf(w, "thread %d hit %v\n", h.Thread, &h.Breakpoint)
	if h.Err != nil {
		fmt.Fprintf(w, "  warning: %v\n", h.Err)
	}
}
