// Package eventdispatch implements EventDispatcher (spec.md §3, §4.6),
// grounded on _examples/original_source/hindsight/Debugger.{hpp,cpp}. It owns
// the attach/detach lifecycle, translates raw OS debug events (pkg/hwin) into
// the observer fan-out (pkg/observer), and drives the collaborators this
// module already built: pkg/module, pkg/snapshot, pkg/unwind, pkg/rtti.
package eventdispatch

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/rtti"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

// State is one of the five EventDispatcher lifecycle states.
type State int

const (
	Unattached State = iota
	Attached
	Running
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return "?"
	}
}

// Native and WoW64 breakpoint exception subtypes, per WinBase.h/NTSTATUS.h.
const (
	statusBreakpoint     = 0x80000003
	statusWX86Breakpoint = 0x4000001F
)

// Options configures one Dispatcher run, collecting the policy knobs spec.md
// §4.4/§4.6 thread through attach and the unwind loop.
type Options struct {
	KillOnDetach bool

	MaxRecursion    uint64
	MaxInstructions int
	SearchPath      string

	// BreakOnBreakpoint / BreakOnException gate the interactive break
	// prompt, mirroring the CLI's NAME_BREAKB / NAME_BREAKE flags.
	BreakOnBreakpoint bool
	BreakOnException  bool
}

// Dispatcher is the EventDispatcher. It is single-threaded and single-use:
// one Dispatcher drives one attach-to-detach lifecycle, per spec.md §5's
// cooperative scheduling model.
type Dispatcher struct {
	attacher hwin.Attacher
	paths    hwin.PathResolver
	fetcher  snapshot.Fetcher
	walker   hwin.StackWalker
	symbols  hwin.SymbolEngine
	disasm   hwin.Disassembler
	rttiDec  *rtti.Decoder
	prompt   BreakPrompter

	modules   *module.Registry
	observers []observer.Observer
	opts      Options

	state State
	proc  observer.ProcessRef
}

// New constructs a Dispatcher. rttiDec and prompt may be nil: a nil rttiDec
// disables RTTI decoding (the exception still reports without it), and a nil
// prompt disables the continue/abort prompt even when BreakOnBreakpoint or
// BreakOnException is set.
func New(attacher hwin.Attacher, paths hwin.PathResolver, fetcher snapshot.Fetcher, walker hwin.StackWalker, symbols hwin.SymbolEngine, disasm hwin.Disassembler, rttiDec *rtti.Decoder, prompt BreakPrompter, opts Options) *Dispatcher {
	return &Dispatcher{
		attacher: attacher,
		paths:    paths,
		fetcher:  fetcher,
		walker:   walker,
		symbols:  symbols,
		disasm:   disasm,
		rttiDec:  rttiDec,
		prompt:   prompt,
		modules:  module.New(),
		opts:     opts,
		state:    Unattached,
	}
}

// AddObserver registers o. Fan-out is in registration order; adding an
// observer after Attach is not supported, per spec.md §4.6 "Observer
// contract".
func (d *Dispatcher) AddObserver(o observer.Observer) {
	d.observers = append(d.observers, o)
}

// Modules exposes the dispatcher's ModuleRegistry for read-only inspection
// by callers that need it outside an observer callback (e.g. the CLI, which
// hands it to the RTTI decoder and the journal writer).
func (d *Dispatcher) Modules() *module.Registry { return d.modules }

func (d *Dispatcher) fanOut(fn func(observer.Observer) error) error {
	for _, o := range d.observers {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// Attach moves Unattached -> Attached: calls the OS attach primitive and
// fans out on_initialization. Options.KillOnDetach is not consulted here;
// the target's kill-on-exit setting is left as the OS attach primitive
// leaves it.
func (d *Dispatcher) Attach(pid int, imagePath string) error {
	if d.state != Unattached {
		return fmt.Errorf("eventdispatch: Attach called in state %s", d.state)
	}
	if err := d.attacher.Attach(pid); err != nil {
		return fmt.Errorf("eventdispatch: attach: %w", err)
	}

	d.proc = observer.ProcessRef{Pid: pid, ImagePath: imagePath}
	now := time.Now()
	if err := d.fanOut(func(o observer.Observer) error {
		return o.OnInitialization(observer.InitializationEvent{Time: now, Proc: d.proc})
	}); err != nil {
		return err
	}

	d.state = Attached
	return nil
}

// Detach releases the dispatcher's attach-time state without running the
// event loop; used for a caller-initiated early stop.
func (d *Dispatcher) Detach() error {
	return d.attacher.Detach()
}

// Run drives the event loop (spec.md §4.6 "Event loop (live)") from Attached
// through Running to Draining, then performs the final fan-out and settles
// into Done.
func (d *Dispatcher) Run() error {
	if d.state != Attached {
		return fmt.Errorf("eventdispatch: Run called in state %s", d.state)
	}
	d.state = Running

	for d.state == Running {
		if err := d.tick(); err != nil {
			return err
		}
	}

	if err := d.fanOut(func(o observer.Observer) error {
		return o.OnJournalComplete(observer.JournalCompleteEvent{Time: time.Now(), History: d.modules.History()})
	}); err != nil {
		return err
	}
	d.state = Done
	return nil
}

// tick implements one full iteration of spec.md §4.6's numbered event-loop
// steps.
func (d *Dispatcher) tick() error {
	ev, err := d.attacher.WaitForEvent()
	if err != nil {
		return fmt.Errorf("eventdispatch: wait for event: %w", err)
	}

	ph, th, err := d.attacher.OpenEventHandles(ev)
	if err != nil {
		// Step 2: a race-condition process lookup failure is logged and the
		// loop continues rather than aborting.
		hlog.L.Warn("eventdispatch: open handles for pid=%d tid=%d: %v", ev.Pid, ev.Tid, err)
		return nil
	}
	defer d.attacher.CloseEventHandles(ph, th)

	now := time.Now()
	proc := observer.ProcessRef{Pid: ev.Pid, Tid: ev.Tid, ImagePath: d.proc.ImagePath}
	status := hwin.DBG_CONTINUE

	switch ev.Kind {
	case hwin.EventException:
		status = hwin.DBG_EXCEPTION_NOT_HANDLED
		if err := d.dispatchException(now, proc, ph, th, ev); err != nil {
			return err
		}

	case hwin.EventCreateProcess:
		path := d.resolvePath(ev.ImageFileHandle)
		d.modules.OnLoad(path, ev.ImageBase, ev.ImageSize, d.attacher)
		size := ev.ImageSize
		if m, ok := d.modules.ModuleAt(ev.ImageBase); ok {
			size = m.Size
		}
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnCreateProcess(observer.CreateProcessEvent{Time: now, Proc: proc, ModuleBase: ev.ImageBase, ModuleSize: size, ImagePath: path})
		}); err != nil {
			return err
		}

	case hwin.EventCreateThread:
		modIdx, modBase := int64(-1), module.Pointer(0)
		if m, ok := d.modules.ModuleAt(ev.ThreadStartAddress); ok {
			modIdx = d.modules.IndexOf(m.ImagePath)
			modBase = m.Base
		}
		var entryOffset uint64
		if modIdx >= 0 {
			entryOffset = uint64(ev.ThreadStartAddress - modBase)
		}
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnCreateThread(observer.CreateThreadEvent{Time: now, Proc: proc, EntryPoint: ev.ThreadStartAddress, ModuleIndex: modIdx, EntryPointOffset: entryOffset})
		}); err != nil {
			return err
		}

	case hwin.EventExitProcess:
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnExitProcess(observer.ExitProcessEvent{Time: now, Proc: proc, ExitCode: ev.ExitCode})
		}); err != nil {
			return err
		}
		d.state = Draining

	case hwin.EventExitThread:
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnExitThread(observer.ExitThreadEvent{Time: now, Proc: proc, ExitCode: ev.ExitCode})
		}); err != nil {
			return err
		}

	case hwin.EventLoadDll:
		path := d.resolvePath(ev.ImageFileHandle)
		idx := d.modules.OnLoad(path, ev.ImageBase, ev.ImageSize, d.attacher)
		size := ev.ImageSize
		if m, ok := d.modules.ModuleAt(ev.ImageBase); ok {
			size = m.Size
		}
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnLoadDll(observer.LoadDllEvent{Time: now, Proc: proc, ModuleIndex: int64(idx), ModuleBase: ev.ImageBase, ModuleSize: size, ImagePath: path})
		}); err != nil {
			return err
		}

	case hwin.EventUnloadDll:
		path, _ := d.modules.PathOf(ev.UnloadBase)
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnUnloadDll(observer.UnloadDllEvent{Time: now, Proc: proc, ModuleBase: ev.UnloadBase})
		}); err != nil {
			return err
		}
		_ = path
		d.modules.OnUnload(ev.UnloadBase)

	case hwin.EventDebugString:
		text := d.readDebugString(ev)
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnDebugString(observer.DebugStringEvent{Time: now, Proc: proc, IsUnicode: ev.DebugStringIsWide, Text: text})
		}); err != nil {
			return err
		}

	case hwin.EventRip:
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnRip(observer.RipEvent{Time: now, Proc: proc, Type: ev.RipType, Error: ev.RipErrorCode})
		}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("eventdispatch: unrecognized event kind %d", ev.Kind)
	}

	return d.attacher.ContinueEvent(ev.Pid, ev.Tid, status)
}

func (d *Dispatcher) resolvePath(fileHandle uintptr) string {
	if d.paths == nil || fileHandle == 0 {
		return ""
	}
	path, err := d.paths.PathFromFileHandle(fileHandle)
	if err != nil {
		hlog.L.Debug("eventdispatch: resolve path from handle: %v", err)
		return ""
	}
	return path
}

func (d *Dispatcher) readDebugString(ev hwin.DebugEvent) string {
	size := uint64(ev.DebugStringLength)
	if ev.DebugStringIsWide {
		size *= 2
	}
	raw, err := d.attacher.ReadMemory(ev.DebugStringAddress, size)
	if err != nil {
		hlog.L.Debug("eventdispatch: read debug string: %v", err)
		return ""
	}
	var s string
	if ev.DebugStringIsWide {
		s = decodeUTF16LE(raw)
	} else {
		s = string(raw)
	}
	return strings.TrimRight(s, "\x00 \t\r\n")
}

func decodeUTF16LE(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(u))
}

// dispatchException implements spec.md §4.6's live Exception case: fetch the
// snapshot from the per-event thread handle, then hand off to the shared
// processException path postmortem attach also uses.
func (d *Dispatcher) dispatchException(now time.Time, proc observer.ProcessRef, ph, th uintptr, ev hwin.DebugEvent) error {
	snap, err := snapshot.FromLiveThread(d.fetcher, ph, th)
	if err != nil {
		return fmt.Errorf("eventdispatch: snapshot: %w", err)
	}
	return d.processException(now, proc, ph, th, ev.ExceptionAddress, ev.ExceptionCode, ev.ExceptionParams, ev.FirstChance, snap)
}

// processException unwinds, decides breakpoint vs. exception, optionally
// decodes RTTI, fans out, then runs the break prompt. Grounded on
// Debugger::Tick's exception case and Debugger::Attach's postmortem branch,
// which both build an EXCEPTION_DEBUG_INFO-shaped event and funnel it through
// the same logic — the live path supplies a freshly fetched snapshot and
// firstChance from the OS event; postmortem supplies an already-read
// register file and a hardcoded firstChance=false.
func (d *Dispatcher) processException(now time.Time, proc observer.ProcessRef, ph, th uintptr, addr module.Pointer, code uint32, params []uint64, firstChance bool, snap snapshot.Snapshot) error {
	u := &unwind.Unwinder{
		Modules: d.modules, Walker: d.walker, Symbols: d.symbols, Disasm: d.disasm, Memory: d.attacher,
		ProcessHandle: ph, ThreadHandle: th, SearchPath: d.opts.SearchPath,
	}
	trace := u.Walk(snap, d.opts.MaxRecursion, d.opts.MaxInstructions)

	modIdx, modBase := int64(-1), module.Pointer(0)
	if m, ok := d.modules.ModuleAt(addr); ok {
		modIdx = d.modules.IndexOf(m.ImagePath)
		modBase = m.Base
	}
	var offset uint64
	if modIdx >= 0 {
		offset = uint64(addr - modBase)
	}

	isBreakpoint := code == statusBreakpoint || code == statusWX86Breakpoint

	var info *rtti.Info
	if d.rttiDec != nil && rtti.Applies(code, params) {
		decoded := d.rttiDec.Decode(params, snap.IsNative64())
		info = &decoded
	}

	out := observer.ExceptionEvent{
		Time: now, Proc: proc, Address: addr, Offset: offset, ModuleIndex: modIdx,
		Code: code, Wow64: !snap.IsNative64(), IsBreakpoint: isBreakpoint, FirstChance: firstChance,
		Snapshot: snap, Trace: trace, Rtti: info,
	}

	if isBreakpoint {
		if err := d.fanOut(func(o observer.Observer) error { return o.OnBreakpoint(out) }); err != nil {
			return err
		}
	} else {
		if err := d.fanOut(func(o observer.Observer) error { return o.OnException(out) }); err != nil {
			return err
		}
	}

	wantPrompt := (isBreakpoint && d.opts.BreakOnBreakpoint) || (!isBreakpoint && d.opts.BreakOnException)
	if wantPrompt && d.prompt != nil {
		abort, err := d.prompt.Prompt()
		if err != nil {
			return fmt.Errorf("eventdispatch: break prompt: %w", err)
		}
		if abort {
			_ = d.attacher.TerminateTarget(uint32(code))
			return &hinderr.UserAbort{}
		}
	}
	return nil
}

// ModuleSeed is one already-loaded module postmortem attach discovers via
// module enumeration, bootstrapping the registry the live path would
// otherwise have built incrementally via LoadDll events.
type ModuleSeed struct {
	Path string
	Base module.Pointer
	Size uint64
}

// PostmortemInput carries the cross-process state spec.md §4.10 names: the
// faulting pid/tid, the modules already mapped into the target (enumerated
// by the caller, since live attach never ran), the exception record and
// register snapshot already read out of the target via the JIT_DEBUG_INFO
// pointers, and the per-event handles the caller opened for the fault
// thread.
type PostmortemInput struct {
	Pid, Tid                    int
	ImagePath                   string
	Modules                     []ModuleSeed
	ExceptionAddress            module.Pointer
	ExceptionCode               uint32
	ExceptionParams             []uint64
	Snapshot                    snapshot.Snapshot
	ProcessHandle, ThreadHandle uintptr
}

// RunPostmortem implements spec.md §4.6's "postmortem" attach / §4.10
// PostmortemAttach: it is one-shot and never enters the live event loop.
// It bootstraps the module registry from an enumeration snapshot, fabricates
// a first-chance=false exception from the JIT handoff, funnels it through
// the same processException path live exceptions use, then settles into
// Draining/Done. The caller is responsible for signaling the OS handoff
// event and terminating the target once this returns — spec.md §4.6 treats
// those as steps of the postmortem attach itself, but they require OS
// primitives (hwin.Attacher.TerminateTarget, the WER event handle) this
// package keeps out of the Dispatcher's own surface.
func (d *Dispatcher) RunPostmortem(in PostmortemInput) error {
	if d.state != Unattached {
		return fmt.Errorf("eventdispatch: RunPostmortem called in state %s", d.state)
	}

	d.proc = observer.ProcessRef{Pid: in.Pid, Tid: in.Tid, ImagePath: in.ImagePath}
	now := time.Now()
	if err := d.fanOut(func(o observer.Observer) error {
		return o.OnInitialization(observer.InitializationEvent{Time: now, Proc: d.proc})
	}); err != nil {
		return err
	}
	d.state = Attached

	for _, m := range in.Modules {
		idx := d.modules.OnLoad(m.Path, m.Base, m.Size, d.attacher)
		seed := m
		if err := d.fanOut(func(o observer.Observer) error {
			return o.OnLoadDll(observer.LoadDllEvent{Time: now, Proc: d.proc, ModuleIndex: int64(idx), ModuleBase: seed.Base, ModuleSize: seed.Size, ImagePath: seed.Path})
		}); err != nil {
			return err
		}
	}

	d.state = Running
	excErr := d.processException(now, d.proc, in.ProcessHandle, in.ThreadHandle, in.ExceptionAddress, in.ExceptionCode, in.ExceptionParams, false, in.Snapshot)
	d.state = Draining
	if excErr != nil {
		return excErr
	}

	if err := d.fanOut(func(o observer.Observer) error {
		return o.OnJournalComplete(observer.JournalCompleteEvent{Time: now, History: d.modules.History()})
	}); err != nil {
		return err
	}
	d.state = Done
	return nil
}
