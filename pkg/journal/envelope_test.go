package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "trace.hind")
	want := []byte("not a real journal, just payload bytes to round-trip")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatal(err)
	}

	key := []byte("integrity-key")
	wrapped := filepath.Join(dir, "trace.hind.hien")
	if err := Wrap(src, wrapped, key); err != nil {
		t.Fatal(err)
	}

	unwrapped := filepath.Join(dir, "trace.hind.out")
	if err := Unwrap(wrapped, unwrapped, key); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(unwrapped)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUnwrapRejectsTamperedTrailer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "trace.hind")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	key := []byte("integrity-key")
	wrapped := filepath.Join(dir, "trace.hind.hien")
	if err := Wrap(src, wrapped, key); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(wrapped, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Unwrap(wrapped, filepath.Join(dir, "out"), key); err == nil {
		t.Fatal("expected tampered trailer to be rejected")
	}
}
