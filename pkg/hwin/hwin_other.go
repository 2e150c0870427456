//go:build !windows
// +build !windows

package hwin

import (
	"runtime"

	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/module"
)

// stubAttachRefused is returned by every StubAttacher method: live attach is
// a Windows-only collaborator (spec.md §1), but the package must still build
// on every platform so pkg/unwind, pkg/rtti and pkg/journal can be developed
// and tested off-target.
func stubAttachRefused(pid int) error {
	return &hinderr.AttachRefused{Pid: pid, Code: -1}
}

// StubAttacher satisfies Attacher on non-Windows builds. Every operation
// except Detach and CloseEventHandles fails; it exists so the module compiles and so pkg/eventdispatch can be
// exercised in tests against a fake Attacher instead of this one.
type StubAttacher struct {
	pid int
}

var _ Attacher = &StubAttacher{}

func (s *StubAttacher) Attach(pid int) error {
	s.pid = pid
	return stubAttachRefused(pid)
}

func (s *StubAttacher) Detach() error { return nil }

func (s *StubAttacher) WaitForEvent() (DebugEvent, error) {
	return DebugEvent{}, stubAttachRefused(s.pid)
}

func (s *StubAttacher) OpenEventHandles(ev DebugEvent) (uintptr, uintptr, error) {
	return 0, 0, stubAttachRefused(s.pid)
}

func (s *StubAttacher) CloseEventHandles(processHandle, threadHandle uintptr) {}

func (s *StubAttacher) ContinueEvent(pid, tid int, status ContinueStatus) error {
	return stubAttachRefused(pid)
}

func (s *StubAttacher) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	return nil, &hinderr.RemoteRead{Addr: uint64(addr), Code: -1}
}

func (s *StubAttacher) TerminateTarget(exitCode uint32) error {
	return stubAttachRefused(s.pid)
}

func (s *StubAttacher) PathFromFileHandle(handle uintptr) (string, error) {
	return "", stubAttachRefused(s.pid)
}

var _ PathResolver = &StubAttacher{}

// StubSymbolEngine satisfies SymbolEngine; SymbolAt always reports "not
// found", matching spec.md §4.4's "symbolization failure is never fatal".
type StubSymbolEngine struct{}

var _ SymbolEngine = StubSymbolEngine{}

func (StubSymbolEngine) Configure(processHandle uintptr, searchPath string) error { return nil }
func (StubSymbolEngine) Teardown(processHandle uintptr) error                     { return nil }
func (StubSymbolEngine) SymbolAt(processHandle uintptr, addr uint64) (Symbol, bool) {
	return Symbol{}, false
}

// StubStackWalker satisfies StackWalker, reporting no frames on platforms
// that lack the real stack-walk primitive.
type StubStackWalker struct{}

var _ StackWalker = &StubStackWalker{}

func (*StubStackWalker) Init(processHandle, threadHandle uintptr, pc, sp, bp uint64, is64 bool) {}
func (*StubStackWalker) Next() (pc, sp, bp, returnAddr uint64, ok bool)                          { return 0, 0, 0, 0, false }

// GOOS exposes the build platform for diagnostic logging when a caller ends
// up on the stub backend unexpectedly.
var GOOS = runtime.GOOS
