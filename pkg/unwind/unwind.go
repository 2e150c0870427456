// Package unwind implements StackUnwinder (spec.md §3, §4.4), grounded on
// _examples/original_source/hindsight/DebugStackTrace.{hpp,cpp}'s Walk/
// AddFrame/AddRecursion/DisassembleFrame methods. It turns a snapshot.Snapshot
// into an ordered trace of StackFrame, folding direct self-recursion and
// optionally disassembling each frame's PC.
package unwind

import (
	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

// Frame mirrors spec.md §3's StackFrame.
type Frame struct {
	Module      *module.Module
	ModuleBase  module.Pointer
	PC          module.Pointer
	AbsolutePC  module.Pointer
	AbsoluteLineAddr module.Pointer
	LineAddr    module.Pointer

	SymbolName string
	HasSymbol  bool
	SourceFile string
	SourceLine uint32
	HasLine    bool

	Recursion      bool
	RecursionCount uint64

	Instructions []hwin.DecodedInstruction
}

// Trace mirrors spec.md §3's StackTrace: the two policy fields travel with
// the frames so replay can reproduce identical folding/disassembly breadth.
type Trace struct {
	MaxRecursion   uint64 // 0 or ^uint64(0) means "do not fold"
	MaxInstruction int    // 0 means "do not disassemble"
	Frames         []Frame
}

// NoFolding is the sentinel MaxRecursion value meaning "never fold".
const NoFolding = ^uint64(0)

// walkFrame is the OS stack-walk result for one step, before symbolization.
type walkFrame struct {
	pc, sp, bp, returnAddr uint64
}

// Unwinder produces Traces from a Snapshot, given read-only access to a
// ModuleRegistry and the OS collaborators spec.md §1 treats as external.
type Unwinder struct {
	Modules  *module.Registry
	Walker   hwin.StackWalker
	Symbols  hwin.SymbolEngine
	Disasm   hwin.Disassembler
	Memory   hwin.TargetMemory

	ProcessHandle, ThreadHandle uintptr
	SearchPath                  string
}

// Walk performs one full unwind per spec.md §4.4: initialize, configure the
// symbol engine, loop until the stack walker reports no further frame, fold
// recursion, symbolize, optionally disassemble, then tear down.
func (u *Unwinder) Walk(snap snapshot.Snapshot, maxRecursion uint64, maxInstruction int) Trace {
	trace := Trace{MaxRecursion: maxRecursion, MaxInstruction: maxInstruction}

	// Symbolization failure is never fatal; an unconfigured engine just
	// fails every subsequent lookup, which buildFrame already tolerates.
	if err := u.Symbols.Configure(u.ProcessHandle, u.SearchPath); err != nil {
		hlog.L.Debug("unwind: symbol engine configure failed, frames will be unsymbolized: %v", err)
	}
	defer u.Symbols.Teardown(u.ProcessHandle)

	u.Walker.Init(u.ProcessHandle, u.ThreadHandle, snap.ProgramCounter(), snap.StackPointer(), snap.FramePointer(), snap.IsNative64())

	var backlog []walkFrame
	for {
		pc, sp, bp, ret, ok := u.Walker.Next()
		if !ok {
			break
		}
		wf := walkFrame{pc: pc, sp: sp, bp: bp, returnAddr: ret}

		if maxRecursion != NoFolding && maxRecursion != 0 {
			if wf.pc == wf.returnAddr {
				backlog = append(backlog, wf)
				continue
			}
			if len(backlog) > 0 {
				trace.Frames = append(trace.Frames, u.flushBacklog(backlog, maxRecursion, maxInstruction, snap.IsNative64())...)
				backlog = nil
			}
		}

		trace.Frames = append(trace.Frames, u.buildFrame(wf, maxInstruction, snap.IsNative64()))
	}

	// A trace that ends mid-recursion still needs its backlog flushed.
	if len(backlog) > 0 {
		trace.Frames = append(trace.Frames, u.flushBacklog(backlog, maxRecursion, maxInstruction, snap.IsNative64())...)
	}

	return trace
}

// flushBacklog implements spec.md §4.4's "Recursion folding" flush rule
// exactly: a backlog at or above the policy threshold collapses to one
// synthetic frame carrying the *last* backlog entry's PC; otherwise every
// backlogged frame is emitted normally. This tie-break (last, not first) is
// load-bearing — tests depend on it.
func (u *Unwinder) flushBacklog(backlog []walkFrame, maxRecursion uint64, maxInstruction int, is64 bool) []Frame {
	if uint64(len(backlog)) >= maxRecursion {
		tail := backlog[len(backlog)-1]
		f := u.buildFrame(tail, maxInstruction, is64)
		f.Recursion = true
		f.RecursionCount = uint64(len(backlog))
		return []Frame{f}
	}

	out := make([]Frame, 0, len(backlog))
	for _, wf := range backlog {
		out = append(out, u.buildFrame(wf, maxInstruction, is64))
	}
	return out
}

// buildFrame symbolizes and optionally disassembles one walked frame,
// grounded on AddFrame/DisassembleFrame in DebugStackTrace.cpp.
func (u *Unwinder) buildFrame(wf walkFrame, maxInstruction int, is64 bool) Frame {
	f := Frame{PC: module.Pointer(wf.pc)}

	sym, ok := u.Symbols.SymbolAt(u.ProcessHandle, wf.pc)
	if ok {
		f.HasSymbol = true
		f.SymbolName = sym.Name
		f.AbsolutePC = module.Pointer(wf.pc + sym.Displacement)

		if sym.HasLineInfo {
			f.HasLine = true
			f.SourceFile = sym.SourceFile
			f.SourceLine = sym.SourceLine
			f.LineAddr = module.Pointer(sym.LineAddress)
			f.AbsoluteLineAddr = module.Pointer(sym.LineAddress + sym.LineDisplacement)
		}
	}

	if m, ok := u.Modules.ModuleAt(module.Pointer(wf.pc)); ok {
		mCopy := m
		f.Module = &mCopy
		f.ModuleBase = m.Base
	}

	if maxInstruction > 0 {
		readSize := uint64(30)
		if ok && sym.Size > 30 {
			readSize = sym.Size
		}
		code, err := u.Memory.ReadMemory(module.Pointer(wf.pc), readSize)
		if err == nil {
			f.Instructions = u.Disasm.Decode(code, wf.pc, is64, maxInstruction)
		} else {
			hlog.L.Debug("unwind: read %d bytes at 0x%x for disassembly: %v", readSize, wf.pc, err)
		}
	}

	return f
}
