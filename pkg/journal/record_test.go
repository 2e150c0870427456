package journal

import (
	"bytes"
	"testing"
)

// TestStackFrameRoundTripNonASCIIPath guards the path-length field against
// desyncing a non-ASCII source path: the field is a UTF-16 code-unit count,
// not a raw byte count, so a path outside ASCII must round-trip exactly.
func TestStackFrameRoundTripNonASCIIPath(t *testing.T) {
	f := StackFrameRecord{
		ModuleIndex: 0,
		Address:     0x1000,
		Name:        "main",
		SourcePath:  `C:\Uśytkownik\résumé.cpp`,
		LineNumber:  10,
	}

	encoded := encodeStackFrame(f)
	got, err := readStackFrame(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("readStackFrame: %v", err)
	}
	if got.SourcePath != f.SourcePath {
		t.Fatalf("SourcePath = %q, want %q", got.SourcePath, f.SourcePath)
	}
	if got.Name != f.Name {
		t.Fatalf("Name = %q, want %q", got.Name, f.Name)
	}
}
