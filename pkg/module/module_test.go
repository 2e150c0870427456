package module

import (
	"testing"

	"golang.org/x/exp/slices"
)

func TestLoadUnloadSymmetry(t *testing.T) {
	r := New()
	idx := r.OnLoad("C:\\app\\app.exe", 0x400000, 0x10000, nil)
	if idx != 0 {
		t.Fatalf("first load_index = %d, want 0", idx)
	}

	if _, ok := r.ModuleAt(0x400500); !ok {
		t.Fatalf("expected module active right after load")
	}

	r.OnUnload(0x400000)

	if _, ok := r.ModuleAt(0x400500); ok {
		t.Fatalf("expected module inactive after unload")
	}
	// History must still remember it.
	if got := r.IndexOf("C:\\app\\app.exe"); got != 0 {
		t.Fatalf("IndexOf after unload = %d, want 0 (history retained)", got)
	}
}

func TestIntervalsDisjoint(t *testing.T) {
	r := New()
	r.OnLoad("a.dll", 0x10000000, 0x1000, nil)
	r.OnLoad("b.dll", 0x20000000, 0x2000, nil)

	ma, ok := r.ModuleAt(0x10000500)
	if !ok || ma.ImagePath != "a.dll" {
		t.Fatalf("address in a.dll resolved to %+v, ok=%v", ma, ok)
	}

	mb, ok := r.ModuleAt(0x20000500)
	if !ok || mb.ImagePath != "b.dll" {
		t.Fatalf("address in b.dll resolved to %+v, ok=%v", mb, ok)
	}

	if _, ok := r.ModuleAt(0x30000000); ok {
		t.Fatalf("address outside both intervals unexpectedly resolved")
	}
}

func TestAddressResolutionIdempotent(t *testing.T) {
	r := New()
	r.OnLoad("a.dll", 0x10000000, 0x1000, nil)

	first, _ := r.ModuleAt(0x10000123)
	second, _ := r.ModuleAt(0x10000123)

	if first != second {
		t.Fatalf("repeated ModuleAt calls returned different results: %+v vs %+v", first, second)
	}
}

func TestHistoryMonotonicAcrossReloads(t *testing.T) {
	r := New()
	r.OnLoad("a.dll", 0x10000000, 0x1000, nil)
	r.OnUnload(0x10000000)
	// Reloaded at a different base — history must not grow a second entry,
	// and load_index must stay stable.
	idx := r.OnLoad("a.dll", 0x11000000, 0x1000, nil)
	if idx != 0 {
		t.Fatalf("reload of a.dll got load_index %d, want 0 (stable across reload)", idx)
	}

	r.OnLoad("b.dll", 0x20000000, 0x2000, nil)
	idxB := r.IndexOf("b.dll")
	if idxB != 1 {
		t.Fatalf("b.dll load_index = %d, want 1", idxB)
	}

	hist := r.History()
	if !slices.Equal(hist, []string{"a.dll", "b.dll"}) {
		t.Fatalf("history = %v, want [a.dll b.dll]", hist)
	}
}

func TestBasesOfMultipleMappings(t *testing.T) {
	r := New()
	r.OnLoad("shared.dll", 0x10000000, 0x1000, nil)
	r.OnLoad("shared.dll", 0x20000000, 0x1000, nil)

	bases := r.BasesOf("shared.dll")
	if len(bases) != 2 {
		t.Fatalf("BasesOf = %v, want 2 entries", bases)
	}
}

func TestIndexOfUnknownPathIsNegativeOne(t *testing.T) {
	r := New()
	if got := r.IndexOf("never-loaded.dll"); got != -1 {
		t.Fatalf("IndexOf(unknown) = %d, want -1", got)
	}
	if got := r.IndexOfBase(0xdeadbeef); got != -1 {
		t.Fatalf("IndexOfBase(unknown) = %d, want -1", got)
	}
}

// fakeMemory simulates a flat target address space starting at base.
type fakeMemory struct {
	base Pointer
	buf  []byte
}

func (f *fakeMemory) ReadMemory(addr Pointer, size uint64) ([]byte, error) {
	off := int(addr - f.base)
	return f.buf[off : off+int(size)], nil
}

func TestProbeImageSizePE32Plus(t *testing.T) {
	base := Pointer(0x140000000)
	lfanew := uint32(0x100)

	buf := make([]byte, int(lfanew)+peSizeOfImageOffPE32P+4)
	copy(buf[peLfanewOffset:], le32(lfanew))
	copy(buf[int(lfanew)+peOptMagicOffset:], le16(peOptMagicPE32Plus))
	copy(buf[int(lfanew)+peSizeOfImageOffPE32P:], le32(0x9000))

	mem := &fakeMemory{base: base, buf: buf}

	size, err := ProbeImageSize(mem, base)
	if err != nil {
		t.Fatalf("ProbeImageSize: %v", err)
	}
	if size != 0x9000 {
		t.Fatalf("probed size = 0x%x, want 0x9000", size)
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
