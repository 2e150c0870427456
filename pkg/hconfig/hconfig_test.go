package hconfig

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected Default(), got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hindsight.yaml")
	want := Default()
	want.BreakOnException = true
	want.MaxRecursion = 25
	want.ReplayFilter = []string{"exception", "load_dll"}

	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.BreakOnException != want.BreakOnException || got.MaxRecursion != want.MaxRecursion {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.ReplayFilter) != 2 || got.ReplayFilter[0] != "exception" {
		t.Fatalf("replay filter not round-tripped: %+v", got.ReplayFilter)
	}
}

func TestExpandPathSubstitutesTokens(t *testing.T) {
	now := time.Date(2026, 8, 2, 14, 30, 0, 0, time.UTC)
	got := ExpandPath(`C:\logs\$image-$date-$time.hind`, now, `C:\targets\app.exe`)
	want := `C:\logs\app-20260802-143000.hind`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
