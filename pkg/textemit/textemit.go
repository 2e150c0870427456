// Package textemit implements TextEmitter (C7, spec.md §4.7): a pure sink
// that formats every observer event into one or more lines. Grounded on
// _examples/original_source/hindsight/PrintingDebuggerEventHandler.{hpp,cpp}
// (terminal destination) and WriterDebuggerEventHandler.{hpp,cpp} (file
// destination) — both unified here behind the termsink.Sink abstraction.
package textemit

import (
	"fmt"
	"strings"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/rtti"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/termsink"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

// Options configures an Emitter's formatting, per spec.md §4.7's
// "Configurable" list.
type Options struct {
	Timestamps bool
	CPUContext bool
}

// Emitter is the TextEmitter observer.
type Emitter struct {
	sink termsink.Sink
	opt  Options
}

var _ observer.Observer = (*Emitter)(nil)

// New builds an Emitter writing through sink.
func New(sink termsink.Sink, opt Options) *Emitter {
	return &Emitter{sink: sink, opt: opt}
}

func (e *Emitter) writeln(style termsink.Style, format string, args ...interface{}) {
	e.sink.SetStyle(style)
	e.sink.WriteText(fmt.Sprintf(format, args...))
	e.sink.WriteText("\n")
	e.sink.ResetStyle()
}

// addr formats spec.md §4.7's address rule: "@ <image-path>+0xOFFSET" when
// the module is known, else "@ 0xADDR".
func addr(imagePath string, base, address uint64) string {
	if imagePath != "" {
		return fmt.Sprintf("@ %s+0x%x", imagePath, address-base)
	}
	return fmt.Sprintf("@ 0x%x", address)
}

// tsPrefix renders the "(timestamp) " prefix spec.md §4.7 describes as a
// configurable option; an empty string when timestamps are disabled.
func tsPrefix(e *Emitter, t time.Time) string {
	if !e.opt.Timestamps {
		return ""
	}
	return "(" + t.Format("02/01/2006 15:04:05") + ") "
}

func (e *Emitter) OnInitialization(ev observer.InitializationEvent) error {
	e.writeln(termsink.StyleGreen, "%sinitialized: pid=%d tid=%d image=%s",
		tsPrefix(e, ev.Time), ev.Proc.Pid, ev.Proc.Tid, ev.Proc.ImagePath)
	return nil
}

func (e *Emitter) OnCreateProcess(ev observer.CreateProcessEvent) error {
	e.writeln(termsink.StyleCyan, "%screate-process: pid=%d %s",
		tsPrefix(e, ev.Time), ev.Proc.Pid, addr(ev.ImagePath, uint64(ev.ModuleBase), uint64(ev.ModuleBase)))
	return nil
}

func (e *Emitter) OnCreateThread(ev observer.CreateThreadEvent) error {
	e.writeln(termsink.StyleCyan, "%screate-thread: tid=%d entry=0x%x",
		tsPrefix(e, ev.Time), ev.Proc.Tid, uint64(ev.EntryPoint))
	return nil
}

func (e *Emitter) OnExitProcess(ev observer.ExitProcessEvent) error {
	e.writeln(termsink.StyleYellow, "%sexit-process: pid=%d code=%d",
		tsPrefix(e, ev.Time), ev.Proc.Pid, ev.ExitCode)
	return nil
}

func (e *Emitter) OnExitThread(ev observer.ExitThreadEvent) error {
	e.writeln(termsink.StyleYellow, "%sexit-thread: tid=%d code=%d",
		tsPrefix(e, ev.Time), ev.Proc.Tid, ev.ExitCode)
	return nil
}

func (e *Emitter) OnLoadDll(ev observer.LoadDllEvent) error {
	e.writeln(termsink.StyleCyan, "%sload-dll: %s @ 0x%x",
		tsPrefix(e, ev.Time), ev.ImagePath, uint64(ev.ModuleBase))
	return nil
}

func (e *Emitter) OnUnloadDll(ev observer.UnloadDllEvent) error {
	e.writeln(termsink.StyleCyan, "%sunload-dll: @ 0x%x", tsPrefix(e, ev.Time), uint64(ev.ModuleBase))
	return nil
}

func (e *Emitter) OnDebugString(ev observer.DebugStringEvent) error {
	e.writeln(termsink.StyleGray, "%sdebug-string: %s", tsPrefix(e, ev.Time), ev.Text)
	return nil
}

func (e *Emitter) OnRip(ev observer.RipEvent) error {
	e.writeln(termsink.StyleRed, "%srip: type=%d error=%d", tsPrefix(e, ev.Time), ev.Type, ev.Error)
	return nil
}

func (e *Emitter) OnBreakpoint(ev observer.ExceptionEvent) error {
	return e.emitException(ev, "breakpoint")
}

func (e *Emitter) OnException(ev observer.ExceptionEvent) error {
	return e.emitException(ev, "exception")
}

func (e *Emitter) emitException(ev observer.ExceptionEvent, label string) error {
	chance := "first-chance"
	if !ev.FirstChance {
		chance = "last-chance"
	}
	e.writeln(termsink.StyleRed, "%s%s: code=0x%x %s (%s)",
		tsPrefix(e, ev.Time), label, ev.Code, addr("", 0, uint64(ev.Address)), chance)

	if e.opt.CPUContext {
		e.writeCPUContext(ev.Snapshot)
	}

	e.writeTrace(ev.Trace)

	if ev.Rtti != nil {
		e.writeRtti(*ev.Rtti)
	}
	return nil
}

func (e *Emitter) OnJournalComplete(ev observer.JournalCompleteEvent) error {
	e.writeln(termsink.StyleGreen, "%sjournal-complete: %d modules observed", tsPrefix(e, ev.Time), len(ev.History))
	return e.sink.Flush()
}

// writeCPUContext prints 3 registers per line, per spec.md §4.7.
func (e *Emitter) writeCPUContext(s snapshot.Snapshot) {
	var names []string
	var values []uint64

	if s.IsNative64() {
		r := s.Native64()
		names = []string{"rip", "rsp", "rbp", "rax", "rbx", "rcx", "rdx", "rsi", "rdi"}
		values = []uint64{r.Rip, r.Rsp, r.Rbp, r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi}
	} else {
		r := s.Wow32()
		names = []string{"eip", "esp", "ebp", "eax", "ebx", "ecx", "edx", "esi", "edi"}
		values = []uint64{uint64(r.Eip), uint64(r.Esp), uint64(r.Ebp), uint64(r.Eax), uint64(r.Ebx), uint64(r.Ecx), uint64(r.Edx), uint64(r.Esi), uint64(r.Edi)}
	}

	var line []string
	for i, n := range names {
		line = append(line, fmt.Sprintf("%s=0x%x", n, values[i]))
		if len(line) == 3 {
			e.writeln(termsink.StyleGray, "  %s", strings.Join(line, " "))
			line = nil
		}
	}
	if len(line) > 0 {
		e.writeln(termsink.StyleGray, "  %s", strings.Join(line, " "))
	}
}

// writeTrace renders stack frames per spec.md §4.7: "#<i>: <symbol> @ ..."
// with nested instruction lines and an optional file:line tail; recursion
// frames print "... recursion of N frames ..." and bump the displayed index.
func (e *Emitter) writeTrace(trace unwind.Trace) {
	idx := 0
	for _, f := range trace.Frames {
		if f.Recursion {
			e.writeln(termsink.StyleGray, "  ... recursion of %d frames ...", f.RecursionCount)
			idx += int(f.RecursionCount)
			continue
		}

		symbol := f.SymbolName
		if !f.HasSymbol {
			symbol = "<unknown>"
		}

		modulePath := ""
		if f.Module != nil {
			modulePath = f.Module.ImagePath
		}

		line := fmt.Sprintf("  #%d: %s %s", idx, symbol, addr(modulePath, uint64(f.ModuleBase), uint64(f.PC)))
		if f.HasLine {
			line += fmt.Sprintf(" (%s: line %d)", f.SourceFile, f.SourceLine)
		}
		e.writeln(termsink.StyleNone, "%s", line)

		for _, inst := range f.Instructions {
			e.writeln(termsink.StyleGray, "      0x%x: %s %s", inst.Offset, inst.Mnemonic, inst.Operands)
		}

		idx++
	}
}

// writeRtti prints a hierarchical "class X extends:" chain, the throw-module
// path, and the what() string if present, per spec.md §4.7.
func (e *Emitter) writeRtti(info rtti.Info) {
	if len(info.TypeNames) > 0 {
		e.writeln(termsink.StyleNone, "  class %s extends:", info.TypeNames[0])
		for _, name := range info.TypeNames[1:] {
			e.writeln(termsink.StyleNone, "    %s", name)
		}
	}
	if info.HasThrowModule {
		e.writeln(termsink.StyleGray, "  thrown from: %s", info.ThrowModulePath)
	}
	if info.HasMessage {
		e.writeln(termsink.StyleRed, "  what(): %s", info.Message)
	}
}
