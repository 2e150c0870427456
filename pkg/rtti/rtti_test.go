package rtti

import (
	"encoding/binary"
	"testing"

	"github.com/hindsight-dbg/hindsight/pkg/module"
)

func TestAppliesRequiresExceptionCodeAndMagic(t *testing.T) {
	if !Applies(EHExceptionNumber, []uint64{EHMagicNumber1, 1, 2, 3}) {
		t.Fatalf("expected Applies to be true for matching code+magic")
	}
	if Applies(0xC0000005, []uint64{EHMagicNumber1}) {
		t.Fatalf("Applies must require the EH exception code")
	}
	if Applies(EHExceptionNumber, []uint64{0xdeadbeef}) {
		t.Fatalf("Applies must require the magic number")
	}
	if Applies(EHExceptionNumber, nil) {
		t.Fatalf("Applies must handle an empty parameter list")
	}
}

// flatMemory simulates a target address space as one contiguous byte slice
// starting at base.
type flatMemory struct {
	base module.Pointer
	buf  []byte
}

func (f *flatMemory) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	off := int(addr - f.base)
	end := off + int(size)
	if end > len(f.buf) {
		end = len(f.buf)
	}
	out := make([]byte, size)
	if off < len(f.buf) {
		copy(out, f.buf[off:end])
	}
	return out, nil
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestDecode64SingleType(t *testing.T) {
	// Layout, all RVAs relative to imageBase:
	//   throwInfo   @ 0x100: attributes(4) pmfnUnwind(4) pForwardCompat(4) pCatchableTypeArray(4)=0x200
	//   typeArray   @ 0x200: count(4)=1, entries[0]=0x300
	//   catchable   @ 0x300: properties(4) pType(4)=0x400 thisDisplacement(12) sizeOrOffset(4) copyFunction(4)
	//   descriptor  @ 0x400: pVFTable(8) spare(8) name="MyException\0"
	imageBase := module.Pointer(0x7FF600000000)
	buf := make([]byte, 0x500)

	copy(buf[0x100+12:], le32(0x200))
	copy(buf[0x200:], le32(1))
	copy(buf[0x204:], le32(0x300))
	copy(buf[0x300+4:], le32(0x400))
	name := "MyException"
	copy(buf[0x400+16:], append([]byte(name), 0))

	mem := &flatMemory{base: imageBase, buf: buf}
	modules := module.New()
	modules.OnLoad("app.exe", imageBase, 0x100000, nil)

	d := &Decoder{Memory: mem, Modules: modules}

	pThrowInfo := imageBase + 0x100
	params := []uint64{EHMagicNumber1, 0, uint64(pThrowInfo), uint64(imageBase)}

	info := d.process64(params)

	if len(info.TypeNames) != 1 || info.TypeNames[0] != "MyException" {
		t.Fatalf("TypeNames = %v, want [MyException]", info.TypeNames)
	}
	if !info.HasThrowModule || info.ThrowModulePath != "app.exe" {
		t.Fatalf("ThrowModulePath = %q (has=%v), want app.exe", info.ThrowModulePath, info.HasThrowModule)
	}
}

func TestDecode64AppliesDemangle(t *testing.T) {
	imageBase := module.Pointer(0x1000000)
	buf := make([]byte, 0x500)
	copy(buf[0x100+12:], le32(0x200))
	copy(buf[0x200:], le32(1))
	copy(buf[0x204:], le32(0x300))
	copy(buf[0x300+4:], le32(0x400))
	copy(buf[0x400+16:], append([]byte(".?AVMyException@@"), 0))

	mem := &flatMemory{base: imageBase, buf: buf}
	modules := module.New()

	calls := 0
	d := &Decoder{
		Memory:  mem,
		Modules: modules,
		Demangle: func(mangled string) string {
			calls++
			return "class MyException"
		},
	}

	pThrowInfo := imageBase + 0x100
	params := []uint64{EHMagicNumber1, 0, uint64(pThrowInfo), uint64(imageBase)}
	info := d.process64(params)

	if calls != 1 {
		t.Fatalf("Demangle called %d times, want 1", calls)
	}
	if info.TypeNames[0] != "class MyException" {
		t.Fatalf("TypeNames[0] = %q, want demangled name", info.TypeNames[0])
	}
}

func TestDecode64ExtractsStdExceptionMessage(t *testing.T) {
	imageBase := module.Pointer(0x1000000)
	buf := make([]byte, 0x800)
	copy(buf[0x100+12:], le32(0x200))
	copy(buf[0x200:], le32(1))
	copy(buf[0x204:], le32(0x300))
	copy(buf[0x300+4:], le32(0x400))
	// Raw decorated name never contains "std::exception" literally; only
	// the demangled form does, matching a real MSVC type descriptor.
	copy(buf[0x400+16:], append([]byte(".?AVexception@std@@"), 0))

	exceptionObjectPtr := imageBase + 0x600
	whatPtr := imageBase + 0x700
	binary.LittleEndian.PutUint64(buf[exceptionObjectPtr-imageBase+8:], uint64(whatPtr))
	copy(buf[whatPtr-imageBase:], append([]byte("boom"), 0))

	mem := &flatMemory{base: imageBase, buf: buf}
	modules := module.New()

	d := &Decoder{
		Memory:  mem,
		Modules: modules,
		Demangle: func(mangled string) string {
			return "class std::exception"
		},
	}

	pThrowInfo := imageBase + 0x100
	params := []uint64{EHMagicNumber1, uint64(exceptionObjectPtr), uint64(pThrowInfo), uint64(imageBase)}
	info := d.process64(params)

	if !info.HasMessage || info.Message != "boom" {
		t.Fatalf("Message = %q (has=%v), want %q", info.Message, info.HasMessage, "boom")
	}
}
