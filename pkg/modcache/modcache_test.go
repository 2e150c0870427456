package modcache

import (
	"testing"

	"github.com/hindsight-dbg/hindsight/pkg/hwin"
)

type countingEngine struct {
	calls int
	sym   hwin.Symbol
	ok    bool
}

func (c *countingEngine) Configure(uintptr, string) error { return nil }
func (c *countingEngine) Teardown(uintptr) error          { return nil }
func (c *countingEngine) SymbolAt(processHandle uintptr, addr uint64) (hwin.Symbol, bool) {
	c.calls++
	return c.sym, c.ok
}

func TestSymbolAtCachesRepeatedAddress(t *testing.T) {
	inner := &countingEngine{sym: hwin.Symbol{Name: "Foo::Bar"}, ok: true}
	c, err := New(inner, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		sym, ok := c.SymbolAt(1, 0x1000)
		if !ok || sym.Name != "Foo::Bar" {
			t.Fatalf("unexpected result: %+v ok=%v", sym, ok)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 underlying call, got %d", inner.calls)
	}

	c.SymbolAt(1, 0x2000)
	if inner.calls != 2 {
		t.Fatalf("expected 2 underlying calls after new address, got %d", inner.calls)
	}
}

func TestTeardownEvictsOnlyThatProcess(t *testing.T) {
	inner := &countingEngine{sym: hwin.Symbol{Name: "X"}, ok: true}
	c, err := New(inner, 0)
	if err != nil {
		t.Fatal(err)
	}

	c.SymbolAt(1, 0x1000)
	c.SymbolAt(2, 0x1000)
	if err := c.Teardown(1); err != nil {
		t.Fatal(err)
	}

	inner.calls = 0
	c.SymbolAt(2, 0x1000)
	if inner.calls != 0 {
		t.Fatalf("process 2's cache entry should have survived process 1's teardown")
	}
	c.SymbolAt(1, 0x1000)
	if inner.calls != 1 {
		t.Fatalf("process 1's cache entry should have been evicted by teardown")
	}
}
