// Package observer defines the fan-out contract spec.md §4.6 "Observer
// contract" describes: a small interface with one method per OS debug event
// kind, registered before attach and called in registration order. Grounded
// on _examples/original_source/hindsight/IDebuggerEventHandler.hpp.
package observer

import (
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/rtti"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

// ProcessRef is the read-only subset of spec.md §3's ProcessRef that travels
// with every event: a dispatcher-owned identity, never a live handle.
type ProcessRef struct {
	Pid, Tid  int
	ImagePath string
}

// Observer is the fan-out interface. Implementations must not mutate shared
// state and must not throw/panic — spec.md §7 calls that undefined behavior.
type Observer interface {
	OnInitialization(InitializationEvent) error
	OnCreateProcess(CreateProcessEvent) error
	OnCreateThread(CreateThreadEvent) error
	OnExitProcess(ExitProcessEvent) error
	OnExitThread(ExitThreadEvent) error
	OnLoadDll(LoadDllEvent) error
	OnUnloadDll(UnloadDllEvent) error
	OnDebugString(DebugStringEvent) error
	OnRip(RipEvent) error
	OnBreakpoint(ExceptionEvent) error
	OnException(ExceptionEvent) error
	OnJournalComplete(JournalCompleteEvent) error
}

type InitializationEvent struct {
	Time time.Time
	Proc ProcessRef
}

type CreateProcessEvent struct {
	Time       time.Time
	Proc       ProcessRef
	ModuleBase module.Pointer
	ModuleSize uint64
	ImagePath  string
}

type CreateThreadEvent struct {
	Time            time.Time
	Proc            ProcessRef
	EntryPoint      module.Pointer
	ModuleIndex     int64
	EntryPointOffset uint64
}

type ExitProcessEvent struct {
	Time     time.Time
	Proc     ProcessRef
	ExitCode uint32
}

type ExitThreadEvent struct {
	Time     time.Time
	Proc     ProcessRef
	ExitCode uint32
}

type LoadDllEvent struct {
	Time        time.Time
	Proc        ProcessRef
	ModuleIndex int64
	ModuleBase  module.Pointer
	ModuleSize  uint64
	ImagePath   string
}

type UnloadDllEvent struct {
	Time       time.Time
	Proc       ProcessRef
	ModuleBase module.Pointer
}

type DebugStringEvent struct {
	Time      time.Time
	Proc      ProcessRef
	IsUnicode bool
	Text      string
}

type RipEvent struct {
	Time  time.Time
	Proc  ProcessRef
	Type  uint32
	Error uint32
}

// ExceptionEvent covers both on_breakpoint and on_exception fan-outs, which
// share the same shape per spec.md §4.6 step 4.
type ExceptionEvent struct {
	Time         time.Time
	Proc         ProcessRef
	Address      module.Pointer
	Offset       uint64
	ModuleIndex  int64
	Code         uint32
	Wow64        bool
	IsBreakpoint bool
	FirstChance  bool
	Snapshot     snapshot.Snapshot
	Trace        unwind.Trace
	Rtti         *rtti.Info
}

// JournalCompleteEvent is the one-shot final fan-out after the event loop
// drains, carrying the full module history (spec.md §4.6 step 7).
type JournalCompleteEvent struct {
	Time    time.Time
	History []string
}
