// Package postmortem implements PostmortemAttach (spec.md §3, §4.10),
// grounded on Debugger::Debugger's JIT constructor and Debugger::Attach's
// postmortem branch in _examples/original_source/hindsight/Debugger.cpp. It
// owns the OS-specific half of the JIT crash handoff — reading JIT_DEBUG_INFO
// out of the target, enumerating its already-mapped modules, and signaling
// the handoff event — then funnels the result through
// eventdispatch.Dispatcher.RunPostmortem, which shares its exception path
// with live attach.
package postmortem

import (
	"fmt"

	"github.com/hindsight-dbg/hindsight/pkg/eventdispatch"
	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

// JitInfo mirrors the fixed-layout Win32 JIT_DEBUG_INFO struct a crashing
// process's Windows Error Reporting handoff points at: the faulting tid and
// three cross-process pointers (exception address, exception record,
// context record). Fields beyond what this package reads are not modeled.
type JitInfo struct {
	ThreadID         uint32
	ExceptionAddress uint64
	ExceptionRecord  uint64
	ContextRecord    uint64
}

// JitInfoSize is sizeof(JIT_DEBUG_INFO): dwSize, dwProcessorArchitecture,
// dwThreadID, dwReserved0 (4 x u32) followed by three ULONG64 pointers.
const JitInfoSize = 4*4 + 3*8

// ModuleEnumerator lists the images already mapped into pid at the moment
// postmortem attach begins — the live path would have learned these
// incrementally via LoadDll events, but postmortem starts after the fact.
type ModuleEnumerator interface {
	EnumerateModules(pid int) ([]eventdispatch.ModuleSeed, error)
}

// Handoff is the OS-specific postmortem collaborator: reading the
// JIT_DEBUG_INFO block, reading the exception record and register context it
// points to, and the two win32 calls that let the crashed process proceed
// (signal the WER event) or terminate (TerminateTarget, already on
// hwin.Attacher).
type Handoff interface {
	ReadJitInfo(processHandle uintptr, addr uint64) (JitInfo, error)
	ReadExceptionRecord(processHandle uintptr, addr uint64) (code uint32, params []uint64, err error)
	ReadContext(processHandle, threadHandle uintptr, addr uint64, wow64 bool) (snapshot.Snapshot, error)
	IsWow64Thread(processHandle, threadHandle uintptr) (bool, error)
	SignalHandoffEvent(eventHandle uintptr) error
}

// Request is the caller-supplied input: the three values spec.md §4.10 says
// arrive together at one-shot postmortem attach — `{ target_pid,
// os_handoff_event_handle, jit_info_addr }` — plus the target's image path.
// The attacher used to open process/thread handles and to terminate the
// target afterward is passed to Run separately.
type Request struct {
	TargetPid        int
	HandoffEvent     uintptr
	JitInfoAddr      uint64
	ImagePath        string
}

// Run implements PostmortemAttach end to end: open the target, read the JIT
// handoff, enumerate modules, fan the synthetic exception out through d,
// signal WER, then terminate the target with the exception code as exit
// code — matching Debugger::Attach's postmortem branch, which always kills
// the target once its crash has been recorded.
func Run(req Request, attacher hwin.Attacher, enum ModuleEnumerator, handoff Handoff, d *eventdispatch.Dispatcher) error {
	hlog.L.Info("postmortem: attaching to pid=%d for JIT handoff at 0x%x", req.TargetPid, req.JitInfoAddr)
	if err := attacher.Attach(req.TargetPid); err != nil {
		return fmt.Errorf("postmortem: attach: %w", err)
	}
	ph, th, err := attacher.OpenEventHandles(hwin.DebugEvent{Pid: req.TargetPid})
	if err != nil {
		return fmt.Errorf("postmortem: open handles: %w", err)
	}
	defer attacher.CloseEventHandles(ph, th)

	jit, err := handoff.ReadJitInfo(ph, req.JitInfoAddr)
	if err != nil {
		return fmt.Errorf("postmortem: read JIT_DEBUG_INFO: %w", err)
	}

	code, params, err := handoff.ReadExceptionRecord(ph, jit.ExceptionRecord)
	if err != nil {
		return fmt.Errorf("postmortem: read exception record: %w", err)
	}

	wow64, err := handoff.IsWow64Thread(ph, th)
	if err != nil {
		return fmt.Errorf("postmortem: query wow64 mode: %w", err)
	}
	snap, err := handoff.ReadContext(ph, th, jit.ContextRecord, wow64)
	if err != nil {
		return fmt.Errorf("postmortem: read context record: %w", err)
	}

	modules, err := enum.EnumerateModules(req.TargetPid)
	if err != nil {
		return fmt.Errorf("postmortem: enumerate modules: %w", err)
	}

	runErr := d.RunPostmortem(eventdispatch.PostmortemInput{
		Pid: req.TargetPid, Tid: int(jit.ThreadID), ImagePath: req.ImagePath,
		Modules:          modules,
		ExceptionAddress: module.Pointer(jit.ExceptionAddress),
		ExceptionCode:    code,
		ExceptionParams:  params,
		Snapshot:         snap,
		ProcessHandle:    ph, ThreadHandle: th,
	})

	if sigErr := handoff.SignalHandoffEvent(req.HandoffEvent); sigErr != nil && runErr == nil {
		runErr = fmt.Errorf("postmortem: signal handoff event: %w", sigErr)
	} else {
		hlog.L.Debug("postmortem: signaled handoff event 0x%x", req.HandoffEvent)
	}

	if termErr := attacher.TerminateTarget(code); termErr != nil && runErr == nil {
		runErr = fmt.Errorf("postmortem: terminate target: %w", termErr)
	} else {
		hlog.L.Info("postmortem: terminated pid=%d with exit code 0x%x", req.TargetPid, code)
	}

	return runErr
}
