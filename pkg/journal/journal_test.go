package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

func TestValidateFilterRejectsUnknownName(t *testing.T) {
	if _, err := ValidateFilter([]string{"breakpoint", "nonsense"}); err == nil {
		t.Fatal("expected error for unknown event name")
	}
}

func TestValidateFilterAcceptsKnownNames(t *testing.T) {
	f, err := ValidateFilter([]string{"breakpoint", "exception"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.allows("breakpoint") || f.allows("rip") {
		t.Fatalf("filter allows() mismatched: %+v", f)
	}
}

// recordingObserver captures every fan-out call for assertions.
type recordingObserver struct {
	events []string
	exits  []observer.ExitProcessEvent
	excs   []observer.ExceptionEvent
	loads  []observer.LoadDllEvent
	done   *observer.JournalCompleteEvent
}

func (r *recordingObserver) OnInitialization(ev observer.InitializationEvent) error {
	r.events = append(r.events, "init")
	return nil
}
func (r *recordingObserver) OnCreateProcess(ev observer.CreateProcessEvent) error {
	r.events = append(r.events, "create_process")
	return nil
}
func (r *recordingObserver) OnCreateThread(ev observer.CreateThreadEvent) error {
	r.events = append(r.events, "create_thread")
	return nil
}
func (r *recordingObserver) OnExitProcess(ev observer.ExitProcessEvent) error {
	r.events = append(r.events, "exit_process")
	r.exits = append(r.exits, ev)
	return nil
}
func (r *recordingObserver) OnExitThread(ev observer.ExitThreadEvent) error {
	r.events = append(r.events, "exit_thread")
	return nil
}
func (r *recordingObserver) OnLoadDll(ev observer.LoadDllEvent) error {
	r.events = append(r.events, "load_dll")
	r.loads = append(r.loads, ev)
	return nil
}
func (r *recordingObserver) OnUnloadDll(ev observer.UnloadDllEvent) error {
	r.events = append(r.events, "unload_dll")
	return nil
}
func (r *recordingObserver) OnDebugString(ev observer.DebugStringEvent) error {
	r.events = append(r.events, "debug")
	return nil
}
func (r *recordingObserver) OnRip(ev observer.RipEvent) error {
	r.events = append(r.events, "rip")
	return nil
}
func (r *recordingObserver) OnBreakpoint(ev observer.ExceptionEvent) error {
	r.events = append(r.events, "breakpoint")
	r.excs = append(r.excs, ev)
	return nil
}
func (r *recordingObserver) OnException(ev observer.ExceptionEvent) error {
	r.events = append(r.events, "exception")
	r.excs = append(r.excs, ev)
	return nil
}
func (r *recordingObserver) OnJournalComplete(ev observer.JournalCompleteEvent) error {
	r.events = append(r.events, "done")
	r.done = &ev
	return nil
}

var _ observer.Observer = (*recordingObserver)(nil)

func writeSampleJournal(t *testing.T, path string) *module.Registry {
	t.Helper()
	modules := module.New()
	modules.OnLoad("app.exe", 0x1000, 0x2000, nil)

	w, err := Create(path, Header{
		ProcessID: 100,
		ThreadID:  200,
		ImagePath: `C:\app.exe`,
		WorkDir:   `C:\`,
		Args:      []string{"app.exe", "--flag"},
		StartTime: time.Unix(1700000000, 0),
	}, modules)
	if err != nil {
		t.Fatal(err)
	}

	proc := observer.ProcessRef{Pid: 100, Tid: 200, ImagePath: `C:\app.exe`}
	now := time.Unix(1700000001, 0)

	if err := w.OnCreateProcess(observer.CreateProcessEvent{Time: now, Proc: proc, ModuleBase: 0x1000, ModuleSize: 0x2000, ImagePath: `C:\app.exe`}); err != nil {
		t.Fatal(err)
	}
	if err := w.OnLoadDll(observer.LoadDllEvent{Time: now, Proc: proc, ModuleIndex: 1, ModuleBase: 0x5000, ModuleSize: 0x1000, ImagePath: `C:\ntdll.dll`}); err != nil {
		t.Fatal(err)
	}

	m := module.Module{Base: 0x1000, Size: 0x2000, ImagePath: `C:\app.exe`}
	trace := unwind.Trace{
		MaxRecursion:   64,
		MaxInstruction: 0,
		Frames: []unwind.Frame{
			{Module: &m, ModuleBase: m.Base, PC: 0x1050, SymbolName: "main", HasSymbol: true, SourceFile: "main.cpp", SourceLine: 42, HasLine: true},
		},
	}
	if err := w.OnException(observer.ExceptionEvent{
		Time: now, Proc: proc, Address: 0x1050, Offset: 0x50, ModuleIndex: 0, Code: 0xC0000005,
		Wow64: false, IsBreakpoint: false, FirstChance: true,
		Snapshot: snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x1050, Rsp: 0x2000, Rbp: 0x2010}),
		Trace:    trace,
	}); err != nil {
		t.Fatal(err)
	}

	if err := w.OnExitProcess(observer.ExitProcessEvent{Time: now, Proc: proc, ExitCode: 0}); err != nil {
		t.Fatal(err)
	}

	if err := w.OnJournalComplete(observer.JournalCompleteEvent{Time: now, History: modules.History()}); err != nil {
		t.Fatal(err)
	}
	return modules
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.hind")
	writeSampleJournal(t, path)

	r, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.Header().ImagePath != `C:\app.exe` || len(r.Header().Args) != 2 {
		t.Fatalf("header mismatch: %+v", r.Header())
	}

	obs := &recordingObserver{}
	if err := r.ReplayAll(obs); err != nil {
		t.Fatal(err)
	}

	want := []string{"init", "create_process", "load_dll", "exception", "exit_process", "done"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, obs.events[i], want[i], obs.events)
		}
	}

	if len(obs.excs) != 1 || obs.excs[0].Trace.Frames[0].SymbolName != "main" {
		t.Fatalf("exception trace not round-tripped: %+v", obs.excs)
	}
	if obs.excs[0].Trace.Frames[0].SourceLine != 42 {
		t.Fatalf("line number not round-tripped: %+v", obs.excs[0].Trace.Frames[0])
	}
}

// TestLoadDllNonASCIIPathDoesNotDesyncRecord guards the OnLoadDll path-length
// field: it must be a UTF-16 code-unit count, not a raw UTF-8 byte count, or
// a non-ASCII DLL path desyncs every record written after it.
func TestLoadDllNonASCIIPathDoesNotDesyncRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonascii.hind")
	modules := module.New()

	w, err := Create(path, Header{ProcessID: 1, ThreadID: 1, ImagePath: "app.exe"}, modules)
	if err != nil {
		t.Fatal(err)
	}

	proc := observer.ProcessRef{Pid: 1, Tid: 1, ImagePath: "app.exe"}
	now := time.Unix(1700000000, 0)
	dllPath := `C:\Uśytkownik\résumé.dll`

	if err := w.OnLoadDll(observer.LoadDllEvent{Time: now, Proc: proc, ModuleIndex: 0, ModuleBase: 0x5000, ModuleSize: 0x1000, ImagePath: dllPath}); err != nil {
		t.Fatal(err)
	}
	if err := w.OnExitProcess(observer.ExitProcessEvent{Time: now, Proc: proc, ExitCode: 7}); err != nil {
		t.Fatal(err)
	}
	if err := w.OnJournalComplete(observer.JournalCompleteEvent{Time: now, History: modules.History()}); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	obs := &recordingObserver{}
	if err := r.ReplayAll(obs); err != nil {
		t.Fatal(err)
	}

	if len(obs.loads) != 1 || obs.loads[0].ImagePath != dllPath {
		t.Fatalf("LoadDll path = %+v, want %q", obs.loads, dllPath)
	}
	if len(obs.exits) != 1 || obs.exits[0].ExitCode != 7 {
		t.Fatalf("ExitProcess desynced after non-ASCII path: %+v", obs.exits)
	}
}

func TestCorruptedByteFlipDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.hind")
	writeSampleJournal(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside a record body, well past the header.
	data[len(data)-10] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, OpenOptions{}); err == nil {
		t.Fatal("expected crc mismatch error on corrupted journal")
	}
}

func TestNoSanityCheckSkipsCRCValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt2.hind")
	writeSampleJournal(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-10] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, OpenOptions{NoSanityCheck: true})
	if err != nil {
		t.Fatalf("no-sanity-check open should succeed despite corruption: %v", err)
	}
	defer r.Close()
}

func TestVersionGateRejectsDifferentMajor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oldver.hind")
	modules := module.New()
	w, err := Create(path, Header{ProcessID: 1, ThreadID: 1, ImagePath: "a", WorkDir: "b"}, modules)
	if err != nil {
		t.Fatal(err)
	}
	w.header.Version = EncodeVersion(9, 0, 0, 0)
	if err := w.OnJournalComplete(observer.JournalCompleteEvent{History: modules.History()}); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, OpenOptions{NoSanityCheck: true}); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestEventFilterSkipsDispatchButKeepsPositionConsistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.hind")
	writeSampleJournal(t, path)

	filter, err := ValidateFilter([]string{"create_process"})
	if err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, OpenOptions{Filter: filter})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	obs := &recordingObserver{}
	if err := r.ReplayAll(obs); err != nil {
		t.Fatal(err)
	}

	want := []string{"init", "create_process", "done"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
}
