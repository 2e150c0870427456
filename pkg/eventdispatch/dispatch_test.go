package eventdispatch

import (
	"testing"

	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

// scriptedAttacher replays a fixed sequence of DebugEvents, then reports an
// error on any further WaitForEvent call so a runaway loop fails the test
// instead of hanging.
type scriptedAttacher struct {
	events    []hwin.DebugEvent
	pos       int
	continued []hwin.ContinueStatus
	memory    map[module.Pointer][]byte
}

func (s *scriptedAttacher) Attach(pid int) error { return nil }
func (s *scriptedAttacher) Detach() error        { return nil }

func (s *scriptedAttacher) WaitForEvent() (hwin.DebugEvent, error) {
	if s.pos >= len(s.events) {
		return hwin.DebugEvent{}, errEndOfScript
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedAttacher) OpenEventHandles(ev hwin.DebugEvent) (uintptr, uintptr, error) {
	return 1, 2, nil
}
func (s *scriptedAttacher) CloseEventHandles(processHandle, threadHandle uintptr) {}

func (s *scriptedAttacher) ContinueEvent(pid, tid int, status hwin.ContinueStatus) error {
	s.continued = append(s.continued, status)
	return nil
}

func (s *scriptedAttacher) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	buf, ok := s.memory[addr]
	if !ok {
		return make([]byte, size), nil
	}
	return buf, nil
}

func (s *scriptedAttacher) TerminateTarget(exitCode uint32) error { return nil }

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errEndOfScript = &sentinelError{"scriptedAttacher: ran past scripted events"}

type fakePaths struct{}

func (fakePaths) PathFromFileHandle(handle uintptr) (string, error) { return "app.exe", nil }

type fakeFetcher struct{}

func (fakeFetcher) IsWow64Thread(ph, th uintptr) (bool, error) { return false, nil }
func (fakeFetcher) ReadContext64(th uintptr) (snapshot.RegisterFile64, error) {
	return snapshot.RegisterFile64{Rip: 0x1010, Rsp: 0x2000, Rbp: 0x2010}, nil
}
func (fakeFetcher) ReadContext32(th uintptr) (snapshot.RegisterFile32, error) {
	return snapshot.RegisterFile32{}, nil
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

// recordingObserver captures the fan-out sequence for assertions.
type recordingObserver struct {
	events []string
}

func (r *recordingObserver) OnInitialization(observer.InitializationEvent) error {
	r.events = append(r.events, "init")
	return nil
}
func (r *recordingObserver) OnCreateProcess(observer.CreateProcessEvent) error {
	r.events = append(r.events, "create_process")
	return nil
}
func (r *recordingObserver) OnCreateThread(observer.CreateThreadEvent) error {
	r.events = append(r.events, "create_thread")
	return nil
}
func (r *recordingObserver) OnExitProcess(observer.ExitProcessEvent) error {
	r.events = append(r.events, "exit_process")
	return nil
}
func (r *recordingObserver) OnExitThread(observer.ExitThreadEvent) error {
	r.events = append(r.events, "exit_thread")
	return nil
}
func (r *recordingObserver) OnLoadDll(observer.LoadDllEvent) error {
	r.events = append(r.events, "load_dll")
	return nil
}
func (r *recordingObserver) OnUnloadDll(observer.UnloadDllEvent) error {
	r.events = append(r.events, "unload_dll")
	return nil
}
func (r *recordingObserver) OnDebugString(observer.DebugStringEvent) error {
	r.events = append(r.events, "debug")
	return nil
}
func (r *recordingObserver) OnRip(observer.RipEvent) error {
	r.events = append(r.events, "rip")
	return nil
}
func (r *recordingObserver) OnBreakpoint(observer.ExceptionEvent) error {
	r.events = append(r.events, "breakpoint")
	return nil
}
func (r *recordingObserver) OnException(observer.ExceptionEvent) error {
	r.events = append(r.events, "exception")
	return nil
}
func (r *recordingObserver) OnJournalComplete(observer.JournalCompleteEvent) error {
	r.events = append(r.events, "done")
	return nil
}

var _ observer.Observer = (*recordingObserver)(nil)

func newTestDispatcher(attacher *scriptedAttacher) (*Dispatcher, *recordingObserver) {
	d := New(attacher, fakePaths{}, fakeFetcher{}, &noopWalker{}, noopSymbols{}, noopDisasm{}, nil, nil, Options{})
	obs := &recordingObserver{}
	d.AddObserver(obs)
	return d, obs
}

func TestFullLifecycleReachesDoneAfterExitProcess(t *testing.T) {
	attacher := &scriptedAttacher{
		events: []hwin.DebugEvent{
			{Kind: hwin.EventCreateProcess, Pid: 100, Tid: 200, ImageBase: 0x1000, ImageSize: 0x2000},
			{Kind: hwin.EventLoadDll, Pid: 100, Tid: 200, ImageBase: 0x5000, ImageSize: 0x1000},
			{Kind: hwin.EventCreateThread, Pid: 100, Tid: 201, ThreadStartAddress: 0x1050},
			{Kind: hwin.EventException, Pid: 100, Tid: 200, ExceptionAddress: 0x1050, ExceptionCode: 0xC0000005, FirstChance: true},
			{Kind: hwin.EventExitProcess, Pid: 100, Tid: 200},
		},
	}
	d, obs := newTestDispatcher(attacher)

	if err := d.Attach(100, `C:\app.exe`); err != nil {
		t.Fatal(err)
	}
	if d.state != Attached {
		t.Fatalf("state = %s, want attached", d.state)
	}
	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if d.state != Done {
		t.Fatalf("state = %s, want done", d.state)
	}

	want := []string{"init", "create_process", "load_dll", "create_thread", "exception", "exit_process", "done"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full %v)", i, obs.events[i], want[i], obs.events)
		}
	}

	if len(attacher.continued) == 0 || attacher.continued[len(attacher.continued)-2] != hwin.DBG_EXCEPTION_NOT_HANDLED {
		t.Fatalf("expected the exception to continue with DBG_EXCEPTION_NOT_HANDLED, got %v", attacher.continued)
	}
}

func TestBreakpointExceptionDispatchesOnBreakpoint(t *testing.T) {
	attacher := &scriptedAttacher{
		events: []hwin.DebugEvent{
			{Kind: hwin.EventException, Pid: 1, Tid: 1, ExceptionAddress: 0x1000, ExceptionCode: statusBreakpoint},
			{Kind: hwin.EventExitProcess, Pid: 1, Tid: 1},
		},
	}
	d, obs := newTestDispatcher(attacher)
	if err := d.Attach(1, "app.exe"); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, e := range obs.events {
		if e == "breakpoint" {
			found = true
		}
		if e == "exception" {
			t.Fatalf("STATUS_BREAKPOINT should dispatch as breakpoint, not exception: %v", obs.events)
		}
	}
	if !found {
		t.Fatalf("expected a breakpoint event, got %v", obs.events)
	}
}
