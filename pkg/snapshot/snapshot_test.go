package snapshot

import "testing"

func TestNative64AccessorsAndPanic(t *testing.T) {
	s := FromRegisterFile64(RegisterFile64{Rip: 0x1000, Rsp: 0x2000, Rbp: 0x3000})

	if !s.IsNative64() {
		t.Fatalf("expected Native64 snapshot")
	}
	if s.ProgramCounter() != 0x1000 {
		t.Fatalf("ProgramCounter = 0x%x, want 0x1000", s.ProgramCounter())
	}
	if s.StackPointer() != 0x2000 || s.FramePointer() != 0x3000 {
		t.Fatalf("unexpected SP/BP: %x %x", s.StackPointer(), s.FramePointer())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling Wow32() on a Native64 snapshot")
		}
	}()
	s.Wow32()
}

func TestWow32AccessorsAndPanic(t *testing.T) {
	s := FromRegisterFile32(RegisterFile32{Eip: 0x400, Esp: 0x500, Ebp: 0x600})

	if s.IsNative64() {
		t.Fatalf("expected Wow32 snapshot")
	}
	if s.ProgramCounter() != 0x400 {
		t.Fatalf("ProgramCounter = 0x%x, want 0x400", s.ProgramCounter())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling Native64() on a Wow32 snapshot")
		}
	}()
	s.Native64()
}

type fakeFetcher struct {
	wow    bool
	r64    RegisterFile64
	r32    RegisterFile32
	err    error
}

func (f *fakeFetcher) IsWow64Thread(processHandle, threadHandle uintptr) (bool, error) {
	return f.wow, f.err
}

func (f *fakeFetcher) ReadContext64(threadHandle uintptr) (RegisterFile64, error) {
	return f.r64, nil
}

func (f *fakeFetcher) ReadContext32(threadHandle uintptr) (RegisterFile32, error) {
	return f.r32, nil
}

func TestFromLiveThreadPicksVariantByWowFlag(t *testing.T) {
	f := &fakeFetcher{wow: false, r64: RegisterFile64{Rip: 0xabc}}
	s, err := FromLiveThread(f, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsNative64() || s.ProgramCounter() != 0xabc {
		t.Fatalf("expected native64 snapshot with PC 0xabc, got %+v", s)
	}

	f2 := &fakeFetcher{wow: true, r32: RegisterFile32{Eip: 0x42}}
	s2, err := FromLiveThread(f2, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if s2.IsNative64() || s2.ProgramCounter() != 0x42 {
		t.Fatalf("expected wow32 snapshot with PC 0x42, got %+v", s2)
	}
}
