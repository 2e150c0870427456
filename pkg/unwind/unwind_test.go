package unwind

import (
	"testing"

	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

// fakeWalker replays a fixed sequence of (pc, sp, bp, returnAddr) frames.
type fakeWalker struct {
	frames []walkFrame
	i      int
}

func (f *fakeWalker) Init(processHandle, threadHandle uintptr, pc, sp, bp uint64, is64 bool) {
	f.i = 0
}

func (f *fakeWalker) Next() (pc, sp, bp, returnAddr uint64, ok bool) {
	if f.i >= len(f.frames) {
		return 0, 0, 0, 0, false
	}
	wf := f.frames[f.i]
	f.i++
	return wf.pc, wf.sp, wf.bp, wf.returnAddr, true
}

type nullSymbols struct{}

func (nullSymbols) Configure(processHandle uintptr, searchPath string) error { return nil }
func (nullSymbols) Teardown(processHandle uintptr) error                    { return nil }
func (nullSymbols) SymbolAt(processHandle uintptr, addr uint64) (hwin.Symbol, bool) {
	return hwin.Symbol{}, false
}

type nullDisasm struct{}

func (nullDisasm) Decode(code []byte, pc uint64, is64 bool, max int) []hwin.DecodedInstruction {
	return nil
}

type nullMemory struct{}

func (nullMemory) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func newTestUnwinder(frames []walkFrame) *Unwinder {
	return &Unwinder{
		Modules: module.New(),
		Walker:  &fakeWalker{frames: frames},
		Symbols: nullSymbols{},
		Disasm:  nullDisasm{},
		Memory:  nullMemory{},
	}
}

func TestWalkNoRecursionEmitsEveryFrame(t *testing.T) {
	u := newTestUnwinder([]walkFrame{
		{pc: 0x1000, returnAddr: 0x2000},
		{pc: 0x2000, returnAddr: 0x3000},
		{pc: 0x3000, returnAddr: 0},
	})

	trace := u.Walk(snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x1000}), 10, 0)

	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(trace.Frames))
	}
	for _, f := range trace.Frames {
		if f.Recursion {
			t.Fatalf("unexpected recursion frame in non-recursive trace")
		}
	}
}

func TestWalkFoldsRecursionAtThreshold(t *testing.T) {
	// Five self-recursive frames (pc == returnAddr), threshold is 3: this
	// must fold into one synthetic frame carrying the LAST backlog entry's
	// PC (0x5000), not the first (0x1000).
	u := newTestUnwinder([]walkFrame{
		{pc: 0x1000, returnAddr: 0x1000},
		{pc: 0x2000, returnAddr: 0x2000},
		{pc: 0x3000, returnAddr: 0x3000},
		{pc: 0x4000, returnAddr: 0x4000},
		{pc: 0x5000, returnAddr: 0x5000},
		{pc: 0x6000, returnAddr: 0x7000}, // terminates recursion
	})

	trace := u.Walk(snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x1000}), 3, 0)

	if len(trace.Frames) != 2 {
		t.Fatalf("got %d frames, want 2 (one folded + one trailing)", len(trace.Frames))
	}

	folded := trace.Frames[0]
	if !folded.Recursion {
		t.Fatalf("expected first frame to be a recursion frame")
	}
	if folded.RecursionCount != 5 {
		t.Fatalf("RecursionCount = %d, want 5", folded.RecursionCount)
	}
	if folded.PC != 0x5000 {
		t.Fatalf("folded frame PC = 0x%x, want 0x5000 (last backlog entry)", folded.PC)
	}

	if trace.Frames[1].PC != 0x6000 {
		t.Fatalf("trailing frame PC = 0x%x, want 0x6000", trace.Frames[1].PC)
	}
}

func TestWalkBelowThresholdEmitsAllBacklogFrames(t *testing.T) {
	u := newTestUnwinder([]walkFrame{
		{pc: 0x1000, returnAddr: 0x1000},
		{pc: 0x2000, returnAddr: 0x1000},
		{pc: 0x3000, returnAddr: 0x4000},
	})

	trace := u.Walk(snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x1000}), 5, 0)

	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3 (backlog below threshold emits verbatim)", len(trace.Frames))
	}
	if trace.Frames[0].Recursion || trace.Frames[1].Recursion {
		t.Fatalf("backlog frames below threshold must not be marked as recursion")
	}
}

func TestWalkNoFoldingPolicyNeverFolds(t *testing.T) {
	u := newTestUnwinder([]walkFrame{
		{pc: 0x1000, returnAddr: 0x1000},
		{pc: 0x1000, returnAddr: 0x1000},
		{pc: 0x1000, returnAddr: 0x1000},
	})

	trace := u.Walk(snapshot.FromRegisterFile64(snapshot.RegisterFile64{Rip: 0x1000}), NoFolding, 0)

	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3 (NoFolding must never collapse)", len(trace.Frames))
	}
}
