// Package dlvsym provides an alternate hwin.SymbolEngine and hwin.StackWalker
// for targets that embed the Go runtime (pure Go or cgo hybrids), where
// DbgHelp's PDB-oriented symbolization resolves C/C++ frames fine but knows
// nothing of Go's own function table and goroutine-aware unwinding. It
// drives a headless `dlv --headless` server over the same rpc2 client the
// teacher's pkg/debugger/delve.go uses, reusing its connect/ListFunctions
// call shape rather than reinventing a second way to talk to Delve.
package dlvsym

import (
	"fmt"
	"sort"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
)

// Engine is an hwin.SymbolEngine backed by a connected Delve RPC client. It
// builds one sorted (address, name, size) table per Configure call — mirroring
// the "scoped to one unwind" lifetime hwin.SymbolEngine documents — since
// Delve has no direct "symbol nearest address" RPC, only name-to-location.
type Engine struct {
	client *rpc2.RPCClient
	table  []funcEntry
}

type funcEntry struct {
	addr uint64
	size uint64
	name string
}

var _ hwin.SymbolEngine = (*Engine)(nil)

// New wraps an already-connected Delve RPC client. Dial the client the way
// NewDelveDebuggerWithArgs does (rpc2.NewClient against a headless
// --listen address) before constructing an Engine.
func New(client *rpc2.RPCClient) *Engine {
	return &Engine{client: client}
}

// Configure builds the function table; processHandle and searchPath are
// unused (Delve resolves symbols against the binary it already has open)
// but are part of the shared hwin.SymbolEngine signature.
func (e *Engine) Configure(processHandle uintptr, searchPath string) error {
	names, err := e.client.ListFunctions("", 0)
	if err != nil {
		return fmt.Errorf("dlvsym: ListFunctions: %w", err)
	}

	table := make([]funcEntry, 0, len(names))
	skipped := 0
	for _, name := range names {
		locs, _, err := e.client.FindLocation(api.EvalScope{GoroutineID: -1}, name, false, nil)
		if err != nil || len(locs) == 0 {
			skipped++
			continue
		}
		table = append(table, funcEntry{addr: locs[0].PC, name: name})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].addr < table[j].addr })
	for i := range table {
		if i+1 < len(table) {
			table[i].size = table[i+1].addr - table[i].addr
		}
	}
	e.table = table
	hlog.L.Info("dlvsym: built function table with %d entries (%d unresolved)", len(table), skipped)
	return nil
}

// Teardown drops the function table; the RPC connection's lifetime belongs
// to the caller, not this Engine.
func (e *Engine) Teardown(processHandle uintptr) error {
	e.table = nil
	return nil
}

// SymbolAt finds the nearest function at or below addr via binary search
// over the table Configure built.
func (e *Engine) SymbolAt(processHandle uintptr, addr uint64) (hwin.Symbol, bool) {
	i := sort.Search(len(e.table), func(i int) bool { return e.table[i].addr > addr }) - 1
	if i < 0 {
		return hwin.Symbol{}, false
	}
	f := e.table[i]
	return hwin.Symbol{
		Name:         f.name,
		Displacement: addr - f.addr,
		Size:         f.size,
	}, true
}

// Walker is an hwin.StackWalker backed by Delve's goroutine-aware
// Stacktrace RPC, used in place of pkg/unwind's OS-stack-walk primitive
// when the target is a Go binary: Go's split stacks and non-leaf frame
// pointers defeat a naive frame-pointer walk.
type Walker struct {
	client  *rpc2.RPCClient
	frames  []api.Stackframe
	cursor  int
}

var _ hwin.StackWalker = (*Walker)(nil)

// NewWalker wraps client. The walk always covers the current goroutine's
// stack (Init passes goroutine ID -1 to Stacktrace).
func NewWalker(client *rpc2.RPCClient) *Walker {
	return &Walker{client: client}
}

// Init seeds the walk. pc/sp/bp/is64 are accepted to satisfy
// hwin.StackWalker's shared signature but are unused: Delve already knows
// which goroutine is current from its own attached state.
func (w *Walker) Init(processHandle, threadHandle uintptr, pc, sp, bp uint64, is64 bool) {
	frames, err := w.client.Stacktrace(-1, 64, 0, nil)
	if err != nil {
		w.frames = nil
	} else {
		w.frames = frames
	}
	w.cursor = 0
}

// Next returns the next frame Delve already resolved.
func (w *Walker) Next() (pc, sp, bp, returnAddr uint64, ok bool) {
	if w.cursor >= len(w.frames) {
		return 0, 0, 0, 0, false
	}
	f := w.frames[w.cursor]
	w.cursor++

	var next uint64
	if w.cursor < len(w.frames) {
		next = w.frames[w.cursor].Location.PC
	}
	return f.Location.PC, uint64(f.FrameOffset), uint64(f.FramePointerOffset), next, true
}
