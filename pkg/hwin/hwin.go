// Package hwin defines the externally-owned OS primitives spec.md §1 lists as
// out of scope: target memory reads, debugger attach/event-wait/continue, the
// stack-walk primitive, the symbol engine, and the disassembler backend.
// pkg/unwind, pkg/rtti and pkg/eventdispatch depend only on these interfaces,
// never on golang.org/x/sys/windows directly, so they compile identically on
// every platform (the Windows-only files of pkg/postmortem and pkg/procref do
// import golang.org/x/sys/windows) — mirroring how the
// teacher splits platform-specific process setup into delve_windows.go /
// delve_unix.go behind a single exported function.
package hwin

import "github.com/hindsight-dbg/hindsight/pkg/module"

// TargetMemory reads bytes out of the debugged process's address space.
type TargetMemory interface {
	ReadMemory(addr module.Pointer, size uint64) ([]byte, error)
}

// DebugEventKind mirrors the WinAPI debug event codes the dispatcher switches
// on (spec.md §4.6 step 4).
type DebugEventKind int

const (
	EventException DebugEventKind = iota
	EventCreateProcess
	EventCreateThread
	EventExitProcess
	EventExitThread
	EventLoadDll
	EventUnloadDll
	EventDebugString
	EventRip
)

// wireCodes maps each DebugEventKind to the WinBase.h dwDebugEventCode value
// the journal's event_kind field stores, per spec.md §6.1 "OS-compatible
// numeric tag".
var wireCodes = map[DebugEventKind]uint32{
	EventException:     1,
	EventCreateThread:  2,
	EventCreateProcess: 3,
	EventExitThread:    4,
	EventExitProcess:   5,
	EventLoadDll:       6,
	EventUnloadDll:     7,
	EventDebugString:   8,
	EventRip:           9,
}

// WireCode returns k's OS-compatible numeric tag.
func (k DebugEventKind) WireCode() uint32 { return wireCodes[k] }

// KindFromWireCode is WireCode's inverse; ok is false for an unrecognized
// code (the caller should treat this as UnknownEventKind).
func KindFromWireCode(code uint32) (DebugEventKind, bool) {
	for k, c := range wireCodes {
		if c == code {
			return k, true
		}
	}
	return 0, false
}

// ContinueStatus is the value handed back to ContinueEvent.
type ContinueStatus int32

const (
	// DBG_CONTINUE lets the target continue execution.
	DBG_CONTINUE ContinueStatus = 0x00010002
	// DBG_EXCEPTION_NOT_HANDLED forwards the exception to the target's own
	// handlers. The dispatcher always uses this for exceptions — spec.md
	// §4.6 is explicit that "the debugger never swallows".
	DBG_EXCEPTION_NOT_HANDLED ContinueStatus = -2147418111 // 0x80010001 as int32
)

// DebugEvent is the raw, OS-shaped event the Attacher blocks for. Dispatch
// (pkg/eventdispatch) translates one of these into a JournalEvent.
type DebugEvent struct {
	Kind DebugEventKind
	Pid  int
	Tid  int

	// ExceptionCode / ExceptionAddress / FirstChance apply to EventException.
	ExceptionCode    uint32
	ExceptionAddress module.Pointer
	FirstChance      bool
	ExceptionParams  []uint64

	// ImageFileHandle / ImageBase / ImageSize apply to EventCreateProcess,
	// EventLoadDll.
	ImageFileHandle uintptr
	ImageBase       module.Pointer
	ImageSize       uint64

	// UnloadBase applies to EventUnloadDll.
	UnloadBase module.Pointer

	// ThreadStartAddress applies to EventCreateThread.
	ThreadStartAddress module.Pointer

	// DebugStringAddress / DebugStringLength / DebugStringIsWide apply to
	// EventDebugString.
	DebugStringAddress module.Pointer
	DebugStringLength  uint16
	DebugStringIsWide  bool

	// RipErrorCode / RipType apply to EventRip.
	RipErrorCode uint32
	RipType      uint32

	// ExitCode applies to EventExitProcess, EventExitThread.
	ExitCode uint32
}

// Attacher is the live-attach collaborator: attach to a pid, block for the
// next debug event, open/close per-event handles, and tell the OS how to
// continue. One Attacher is used for the lifetime of one EventDispatcher run.
type Attacher interface {
	Attach(pid int) error
	Detach() error

	// WaitForEvent blocks for the next OS debug event.
	WaitForEvent() (DebugEvent, error)

	// OpenEventHandles opens the per-event process/thread handles named by
	// ev, returning (processHandle, threadHandle).
	OpenEventHandles(ev DebugEvent) (uintptr, uintptr, error)
	CloseEventHandles(processHandle, threadHandle uintptr)

	// ContinueEvent tells the OS to resume the target.
	ContinueEvent(pid, tid int, status ContinueStatus) error

	// ReadMemory reads from the attached target.
	TargetMemory

	// TerminateTarget is used by the break-prompt's abort path and by
	// postmortem's one-shot finish (spec.md §4.6, §4.10).
	TerminateTarget(exitCode uint32) error
}

// StackWalker advances one OS stack frame at a time, starting from a seed PC
// / SP / BP, per spec.md §4.4's unwind loop.
type StackWalker interface {
	// Init seeds the walk from the given registers; is64 selects the 32 vs.
	// 64-bit stack-walk machine type.
	Init(processHandle, threadHandle uintptr, pc, sp, bp uint64, is64 bool)
	// Next advances to the next frame, returning ok=false when the OS
	// reports no further frame.
	Next() (pc, sp, bp, returnAddr uint64, ok bool)
}

// Symbol is one resolved symbol-at-address result.
type Symbol struct {
	Name             string
	Displacement     uint64
	Size             uint64
	SourceFile       string
	SourceLine       uint32
	LineAddress      uint64
	LineDisplacement uint64
	HasLineInfo      bool
}

// SymbolEngine is the DbgHelp-equivalent collaborator used by the unwinder
// (spec.md §4.4 "Symbolization") and scoped to one unwind.
type SymbolEngine interface {
	// Configure applies the option set spec.md §4.4 "Initialization"
	// requires: absolute symbols, deferred loads, 32-bit modules, line
	// information, undecorated names.
	Configure(processHandle uintptr, searchPath string) error
	// Teardown releases the engine's per-process state.
	Teardown(processHandle uintptr) error

	// SymbolAt resolves the nearest symbol at or below addr.
	SymbolAt(processHandle uintptr, addr uint64) (Symbol, bool)
}

// Disassembler decodes instructions at an address, choosing a 32- or 64-bit
// decoder per spec.md §4.4 "Disassembly".
type Disassembler interface {
	Decode(code []byte, pc uint64, is64 bool, max int) []DecodedInstruction
}

// PathResolver resolves a file handle the OS hands back on CreateProcess
// and LoadDll events (DebugEvent.ImageFileHandle) to an absolute image
// path, grounded on Path::GetPathFromFileHandleW.
type PathResolver interface {
	PathFromFileHandle(handle uintptr) (string, error)
}

// DecodedInstruction mirrors spec.md §3's DecodedInstruction.
type DecodedInstruction struct {
	Is64BitAddressing bool
	Offset            uint64
	Size              int
	HexBytes          string
	Mnemonic          string
	Operands          string
}
