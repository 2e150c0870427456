//go:build !windows
// +build !windows

package postmortem

import (
	"github.com/hindsight-dbg/hindsight/pkg/eventdispatch"
	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

// StubHandoff satisfies Handoff on non-Windows builds; postmortem attach is
// a Windows-only collaborator (spec.md §1), same rationale as
// hwin.StubAttacher.
type StubHandoff struct{}

var _ Handoff = StubHandoff{}

func (StubHandoff) ReadJitInfo(processHandle uintptr, addr uint64) (JitInfo, error) {
	return JitInfo{}, &hinderr.AttachRefused{Code: -1}
}

func (StubHandoff) ReadExceptionRecord(processHandle uintptr, addr uint64) (uint32, []uint64, error) {
	return 0, nil, &hinderr.AttachRefused{Code: -1}
}

func (StubHandoff) ReadContext(processHandle, threadHandle uintptr, addr uint64, wow64 bool) (snapshot.Snapshot, error) {
	return snapshot.Snapshot{}, &hinderr.AttachRefused{Code: -1}
}

func (StubHandoff) IsWow64Thread(processHandle, threadHandle uintptr) (bool, error) {
	return false, &hinderr.AttachRefused{Code: -1}
}

func (StubHandoff) SignalHandoffEvent(eventHandle uintptr) error {
	return &hinderr.AttachRefused{Code: -1}
}

// StubModuleEnumerator reports no modules on platforms that lack the real
// enumeration primitive.
type StubModuleEnumerator struct{}

var _ ModuleEnumerator = StubModuleEnumerator{}

func (StubModuleEnumerator) EnumerateModules(pid int) ([]eventdispatch.ModuleSeed, error) {
	return nil, nil
}
