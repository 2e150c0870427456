//go:build windows
// +build windows

// Command hindsight is the CLI surface spec.md §6.2 describes: three
// subcommands (launch, replay, mortem) and a set of global/per-subcommand
// flags selecting sinks, break policy, and trace breadth. Grounded on
// pkg/debugger/cli.go's flag-driven command loop, restructured around
// Go's standard flag.FlagSet per-subcommand idiom rather than the
// teacher's single interactive REPL, since spec.md's CLI is a one-shot
// launcher/replayer rather than a stepping debugger shell.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/eventdispatch"
	"github.com/hindsight-dbg/hindsight/pkg/hconfig"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/journal"
	"github.com/hindsight-dbg/hindsight/pkg/modcache"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/postmortem"
	"github.com/hindsight-dbg/hindsight/pkg/procref"
	"github.com/hindsight-dbg/hindsight/pkg/rtti"
	"github.com/hindsight-dbg/hindsight/pkg/termsink"
	"github.com/hindsight-dbg/hindsight/pkg/textemit"
	"github.com/hindsight-dbg/hindsight/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "launch":
		err = runLaunch(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "mortem":
		err = runMortem(os.Args[2:])
	case "-v", "--version":
		fmt.Println(version.GetVersionInfo())
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "hindsight:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  hindsight launch <image> [argv...] [flags]
  hindsight replay <path> [flags]
  hindsight mortem --process-id P --event-handle E --jit-debug-info J [flags]`)
}

// commonFlags is the global sink/break/trace flag set spec.md §6.2 lists,
// shared by all three subcommands.
type commonFlags struct {
	stdout          bool
	logPath         string
	writeBinaryPath string
	bland           bool

	breakBreakpoint bool
	breakException  bool
	firstChance     bool

	maxRecursion    uint64
	maxInstruction  int
	printCPUContext bool
	printTimestamps bool
	searchPath      string
	noSanityCheck   bool
	configPath      string
}

func registerCommonFlags(fs *flag.FlagSet, cf *commonFlags) {
	fs.BoolVar(&cf.stdout, "stdout", true, "emit a text trace to stdout")
	fs.StringVar(&cf.logPath, "log", "", "emit a text trace to this UTF-16 file (supports $time $date $image $hostname $username $random)")
	fs.StringVar(&cf.writeBinaryPath, "write-binary", "", "write a binary journal to this path")
	fs.BoolVar(&cf.bland, "bland", false, "disable color on the stdout sink")
	fs.BoolVar(&cf.breakBreakpoint, "break-breakpoint", false, "prompt continue|abort on every breakpoint")
	fs.BoolVar(&cf.breakException, "break-exception", false, "prompt continue|abort on every exception")
	fs.BoolVar(&cf.firstChance, "first-chance", true, "parsed but not consulted: --break-exception prompts on every exception, first- or last-chance")
	fs.Uint64Var(&cf.maxRecursion, "max-recursion", hconfig.DefaultMaxRecursion, "fold direct recursion beyond this depth (0 disables folding)")
	fs.IntVar(&cf.maxInstruction, "max-instruction", hconfig.DefaultMaxInstructions, "disassemble at most this many instructions per frame (0 disables)")
	fs.BoolVar(&cf.printCPUContext, "print-cpu-context", false, "print the full register file on exceptions")
	fs.BoolVar(&cf.printTimestamps, "print-timestamps", true, "prefix text trace lines with a timestamp")
	fs.StringVar(&cf.searchPath, "symbol-search-path", "", "DbgHelp-style symbol search path")
	fs.BoolVar(&cf.noSanityCheck, "no-sanity-check", false, "skip a journal's whole-file CRC check on open")
	fs.StringVar(&cf.configPath, "config", "", "load defaults from this YAML file before applying flags")
}

// buildSinks opens the sinks cf selects and returns the observers to
// register, plus a close func to call once the run is over.
func buildSinks(cf commonFlags, now time.Time, imagePath string) ([]observer.Observer, func(), error) {
	var obs []observer.Observer
	var closers []func() error

	if cf.stdout {
		sink := termsink.NewTerminal(os.Stdout, cf.bland)
		obs = append(obs, textemit.New(sink, textemit.Options{Timestamps: cf.printTimestamps, CPUContext: cf.printCPUContext}))
		closers = append(closers, sink.Flush)
	}
	if cf.logPath != "" {
		path := hconfig.ExpandPath(cf.logPath, now, imagePath)
		sink, err := termsink.NewUTF16File(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open --log sink: %w", err)
		}
		obs = append(obs, textemit.New(sink, textemit.Options{Timestamps: cf.printTimestamps, CPUContext: cf.printCPUContext}))
		closers = append(closers, sink.Flush)
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return obs, closeAll, nil
}

func newDispatcher(cf commonFlags) *eventdispatch.Dispatcher {
	attacher := &hwin.WinAttacher{}
	fetcher := &hwin.WinFetcher{}

	var engine hwin.SymbolEngine = hwin.WinSymbolEngine{}
	if cached, err := modcache.New(hwin.WinSymbolEngine{}, modcache.DefaultSize); err == nil {
		engine = cached
	}

	rttiDec := &rtti.Decoder{Memory: attacher, Modules: nil}

	opts := eventdispatch.Options{
		KillOnDetach:      false,
		MaxRecursion:      cf.maxRecursion,
		MaxInstructions:   cf.maxInstruction,
		SearchPath:        cf.searchPath,
		BreakOnBreakpoint: cf.breakBreakpoint,
		BreakOnException:  cf.breakException,
	}

	d := eventdispatch.New(attacher, attacher, fetcher, &hwin.WinStackWalker{}, engine, hwin.X86Disassembler{}, rttiDec, eventdispatch.NewStdinPrompt(os.Stdin), opts)
	rttiDec.Modules = d.Modules()
	return d
}

func runLaunch(args []string) error {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	var cf commonFlags
	registerCommonFlags(fs, &cf)
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("launch: missing <image>")
	}
	image, argv := rest[0], rest[1:]

	if cf.configPath != "" {
		if loaded, err := hconfig.Load(cf.configPath); err == nil {
			applyConfigDefaults(&cf, loaded, fs)
		}
	}

	launcher := procref.WinLauncher{}
	pid, mainThread, err := launcher.StartSuspended(image, "", argv)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	d := newDispatcher(cf)

	now := time.Now()
	obs, closeSinks, err := buildSinks(cf, now, image)
	if err != nil {
		return err
	}
	defer closeSinks()
	for _, o := range obs {
		d.AddObserver(o)
	}

	var jw *journal.Writer
	if cf.writeBinaryPath != "" {
		path := hconfig.ExpandPath(cf.writeBinaryPath, now, image)
		jw, err = journal.Create(path, journal.Header{ProcessID: uint32(pid), ImagePath: image, Args: argv, StartTime: now}, d.Modules())
		if err != nil {
			return fmt.Errorf("launch: open journal: %w", err)
		}
		d.AddObserver(jw)
	}

	if err := d.Attach(pid, image); err != nil {
		return fmt.Errorf("launch: attach: %w", err)
	}
	if err := launcher.Resume(mainThread); err != nil {
		return fmt.Errorf("launch: resume: %w", err)
	}

	return d.Run()
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var cf commonFlags
	registerCommonFlags(fs, &cf)
	var filterFlag string
	fs.StringVar(&filterFlag, "filter", "", "comma-separated event-kind filter for replay")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("replay: missing <path>")
	}
	path := rest[0]

	var filterNames []string
	if filterFlag != "" {
		filterNames = strings.Split(filterFlag, ",")
	}
	filter, err := journal.ValidateFilter(filterNames)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	r, err := journal.Open(path, journal.OpenOptions{NoSanityCheck: cf.noSanityCheck, Filter: filter})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	defer r.Close()

	obs, closeSinks, err := buildSinks(cf, time.Now(), r.Header().ImagePath)
	if err != nil {
		return err
	}
	defer closeSinks()

	fan := multiObserver(obs)
	return r.ReplayAll(fan)
}

func runMortem(args []string) error {
	fs := flag.NewFlagSet("mortem", flag.ExitOnError)
	var cf commonFlags
	var pid int
	var eventHandle uint64
	var jitInfoAddr uint64
	fs.IntVar(&pid, "process-id", 0, "target process id")
	fs.Uint64Var(&eventHandle, "event-handle", 0, "WER handoff event handle")
	fs.Uint64Var(&jitInfoAddr, "jit-debug-info", 0, "address of the JIT_DEBUG_INFO block in the target")
	registerCommonFlags(fs, &cf)
	fs.Parse(args)

	if pid == 0 || eventHandle == 0 || jitInfoAddr == 0 {
		return fmt.Errorf("mortem: --process-id, --event-handle and --jit-debug-info are all required")
	}

	d := newDispatcher(cf)
	obs, closeSinks, err := buildSinks(cf, time.Now(), "")
	if err != nil {
		return err
	}
	defer closeSinks()
	for _, o := range obs {
		d.AddObserver(o)
	}

	req := postmortem.Request{
		TargetPid:    pid,
		HandoffEvent: uintptr(eventHandle),
		JitInfoAddr:  jitInfoAddr,
	}
	return postmortem.Run(req, &hwin.WinAttacher{}, postmortem.WinModuleEnumerator{}, postmortem.NewWinHandoff(), d)
}

func applyConfigDefaults(cf *commonFlags, loaded hconfig.Config, fs *flag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["stdout"] {
		cf.stdout = loaded.Stdout
	}
	if !set["log"] {
		cf.logPath = loaded.LogPath
	}
	if !set["write-binary"] {
		cf.writeBinaryPath = loaded.BinaryPath
	}
	if !set["bland"] {
		cf.bland = loaded.Bland
	}
	if !set["break-breakpoint"] {
		cf.breakBreakpoint = loaded.BreakOnBreakpoint
	}
	if !set["break-exception"] {
		cf.breakException = loaded.BreakOnException
	}
	if !set["max-recursion"] {
		cf.maxRecursion = loaded.MaxRecursion
	}
	if !set["max-instruction"] {
		cf.maxInstruction = loaded.MaxInstructions
	}
	if !set["symbol-search-path"] {
		cf.searchPath = loaded.SymbolSearchPath
	}
}

// multiObserver fans a replay out to every configured sink without pulling
// in a second dependency: journal.Reader already wants a single
// observer.Observer, and the CLI may have built several sinks.
type multiObserver []observer.Observer

func (m multiObserver) OnInitialization(ev observer.InitializationEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnInitialization(ev) })
}
func (m multiObserver) OnCreateProcess(ev observer.CreateProcessEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnCreateProcess(ev) })
}
func (m multiObserver) OnCreateThread(ev observer.CreateThreadEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnCreateThread(ev) })
}
func (m multiObserver) OnExitProcess(ev observer.ExitProcessEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnExitProcess(ev) })
}
func (m multiObserver) OnExitThread(ev observer.ExitThreadEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnExitThread(ev) })
}
func (m multiObserver) OnLoadDll(ev observer.LoadDllEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnLoadDll(ev) })
}
func (m multiObserver) OnUnloadDll(ev observer.UnloadDllEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnUnloadDll(ev) })
}
func (m multiObserver) OnDebugString(ev observer.DebugStringEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnDebugString(ev) })
}
func (m multiObserver) OnRip(ev observer.RipEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnRip(ev) })
}
func (m multiObserver) OnBreakpoint(ev observer.ExceptionEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnBreakpoint(ev) })
}
func (m multiObserver) OnException(ev observer.ExceptionEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnException(ev) })
}
func (m multiObserver) OnJournalComplete(ev observer.JournalCompleteEvent) error {
	return m.each(func(o observer.Observer) error { return o.OnJournalComplete(ev) })
}

func (m multiObserver) each(fn func(observer.Observer) error) error {
	for _, o := range m {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

var _ observer.Observer = multiObserver(nil)
