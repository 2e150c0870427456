package postmortem

import (
	"testing"

	"github.com/hindsight-dbg/hindsight/pkg/eventdispatch"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/rtti"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

type fakeAttacher struct {
	terminated   bool
	terminateCode uint32
}

func (f *fakeAttacher) Attach(pid int) error { return nil }
func (f *fakeAttacher) Detach() error        { return nil }
func (f *fakeAttacher) WaitForEvent() (hwin.DebugEvent, error) {
	return hwin.DebugEvent{}, nil
}
func (f *fakeAttacher) OpenEventHandles(ev hwin.DebugEvent) (uintptr, uintptr, error) {
	return 10, 20, nil
}
func (f *fakeAttacher) CloseEventHandles(processHandle, threadHandle uintptr) {}
func (f *fakeAttacher) ContinueEvent(pid, tid int, status hwin.ContinueStatus) error {
	return nil
}
func (f *fakeAttacher) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (f *fakeAttacher) TerminateTarget(exitCode uint32) error {
	f.terminated = true
	f.terminateCode = exitCode
	return nil
}

type fakeHandoff struct {
	signaled bool
}

func (f *fakeHandoff) ReadJitInfo(processHandle uintptr, addr uint64) (JitInfo, error) {
	return JitInfo{ThreadID: 55, ExceptionAddress: 0x2000, ExceptionRecord: 0x3000, ContextRecord: 0x4000}, nil
}
func (f *fakeHandoff) ReadExceptionRecord(processHandle uintptr, addr uint64) (uint32, []uint64, error) {
	return 0xC0000005, nil, nil
}
func (f *fakeHandoff) ReadContext(processHandle, threadHandle uintptr, addr uint64, wow64 bool) (snapshot.Snapshot, error) {
	return snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x2000, Rsp: 0x1000, Rbp: 0x1010}), nil
}
func (f *fakeHandoff) IsWow64Thread(processHandle, threadHandle uintptr) (bool, error) {
	return false, nil
}
func (f *fakeHandoff) SignalHandoffEvent(eventHandle uintptr) error {
	f.signaled = true
	return nil
}

type fakeEnum struct{}

func (fakeEnum) EnumerateModules(pid int) ([]eventdispatch.ModuleSeed, error) {
	return []eventdispatch.ModuleSeed{{Path: "app.exe", Base: 0x1000, Size: 0x2000}}, nil
}

type noopWalker struct{}

func (*noopWalker) Init(ph, th uintptr, pc, sp, bp uint64, is64 bool) {}
func (*noopWalker) Next() (pc, sp, bp, ret uint64, ok bool)           { return 0, 0, 0, 0, false }

type noopSymbols struct{}

func (noopSymbols) Configure(ph uintptr, searchPath string) error { return nil }
func (noopSymbols) Teardown(ph uintptr) error                     { return nil }
func (noopSymbols) SymbolAt(ph uintptr, addr uint64) (hwin.Symbol, bool) {
	return hwin.Symbol{}, false
}

type noopDisasm struct{}

func (noopDisasm) Decode(code []byte, pc uint64, is64 bool, max int) []hwin.DecodedInstruction {
	return nil
}

type recordingObserver struct {
	events []string
	exc    *observer.ExceptionEvent
}

func (r *recordingObserver) OnInitialization(observer.InitializationEvent) error {
	r.events = append(r.events, "init")
	return nil
}
func (r *recordingObserver) OnCreateProcess(observer.CreateProcessEvent) error { return nil }
func (r *recordingObserver) OnCreateThread(observer.CreateThreadEvent) error   { return nil }
func (r *recordingObserver) OnExitProcess(observer.ExitProcessEvent) error     { return nil }
func (r *recordingObserver) OnExitThread(observer.ExitThreadEvent) error       { return nil }
func (r *recordingObserver) OnLoadDll(ev observer.LoadDllEvent) error {
	r.events = append(r.events, "load_dll")
	return nil
}
func (r *recordingObserver) OnUnloadDll(observer.UnloadDllEvent) error { return nil }
func (r *recordingObserver) OnDebugString(observer.DebugStringEvent) error { return nil }
func (r *recordingObserver) OnRip(observer.RipEvent) error                 { return nil }
func (r *recordingObserver) OnBreakpoint(observer.ExceptionEvent) error    { return nil }
func (r *recordingObserver) OnException(ev observer.ExceptionEvent) error {
	r.events = append(r.events, "exception")
	r.exc = &ev
	return nil
}
func (r *recordingObserver) OnJournalComplete(observer.JournalCompleteEvent) error {
	r.events = append(r.events, "done")
	return nil
}

var _ observer.Observer = (*recordingObserver)(nil)

func TestRunFunnelsSyntheticExceptionWithFirstChanceFalse(t *testing.T) {
	attacher := &fakeAttacher{}
	handoff := &fakeHandoff{}
	var rttiDec *rtti.Decoder

	d := eventdispatch.New(attacher, nil, nil, &noopWalker{}, noopSymbols{}, noopDisasm{}, rttiDec, nil, eventdispatch.Options{})
	obs := &recordingObserver{}
	d.AddObserver(obs)

	req := Request{TargetPid: 100, HandoffEvent: 99, JitInfoAddr: 0x9000, ImagePath: `C:\app.exe`}
	if err := Run(req, attacher, fakeEnum{}, handoff, d); err != nil {
		t.Fatal(err)
	}

	if !handoff.signaled {
		t.Fatal("expected handoff event to be signaled")
	}
	if !attacher.terminated || attacher.terminateCode != 0xC0000005 {
		t.Fatalf("expected target terminated with exception code, got terminated=%v code=0x%x", attacher.terminated, attacher.terminateCode)
	}

	want := []string{"init", "load_dll", "exception", "done"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full %v)", i, obs.events[i], want[i], obs.events)
		}
	}

	if obs.exc == nil || obs.exc.FirstChance {
		t.Fatalf("postmortem exceptions must report first_chance=false, got %+v", obs.exc)
	}
}
