// Package modcache caches resolved symbol lookups across an unwind, so
// repeated addresses within a hot loop's stack trace (or across many
// exceptions at the same crash site during replay) don't re-pay DbgHelp's
// SymSrv round trip. It decorates an hwin.SymbolEngine with an LRU keyed by
// (process handle, address), grounded on the same spec.md §4.4 symbolization
// path eventdispatch and unwind already use, using
// github.com/hashicorp/golang-lru the way its own README examples wrap a
// slow lookup function.
package modcache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/hindsight-dbg/hindsight/pkg/hwin"
)

// DefaultSize is the number of resolved symbols kept in total; all
// processes share one LRU.
const DefaultSize = 4096

type key struct {
	processHandle uintptr
	addr          uint64
}

type entry struct {
	sym hwin.Symbol
	ok  bool
}

// CachingSymbolEngine wraps an hwin.SymbolEngine with an LRU of its
// SymbolAt results. Configure/Teardown pass through unchanged and also
// evict that process's entries on Teardown, since a torn-down handle is
// invalid to serve stale results against if it's ever reused by the OS.
type CachingSymbolEngine struct {
	inner hwin.SymbolEngine
	cache *lru.Cache
}

var _ hwin.SymbolEngine = (*CachingSymbolEngine)(nil)

// New wraps inner with an LRU of the given size (DefaultSize if size <= 0).
func New(inner hwin.SymbolEngine, size int) (*CachingSymbolEngine, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingSymbolEngine{inner: inner, cache: c}, nil
}

func (c *CachingSymbolEngine) Configure(processHandle uintptr, searchPath string) error {
	return c.inner.Configure(processHandle, searchPath)
}

func (c *CachingSymbolEngine) Teardown(processHandle uintptr) error {
	c.evictProcess(processHandle)
	return c.inner.Teardown(processHandle)
}

func (c *CachingSymbolEngine) SymbolAt(processHandle uintptr, addr uint64) (hwin.Symbol, bool) {
	k := key{processHandle, addr}
	if v, ok := c.cache.Get(k); ok {
		e := v.(entry)
		return e.sym, e.ok
	}
	sym, ok := c.inner.SymbolAt(processHandle, addr)
	c.cache.Add(k, entry{sym: sym, ok: ok})
	return sym, ok
}

// evictProcess drops every cached entry for processHandle. golang-lru has
// no key-prefix scan, so this walks the (small, bounded) key set once.
func (c *CachingSymbolEngine) evictProcess(processHandle uintptr) {
	for _, k := range c.cache.Keys() {
		if kk, ok := k.(key); ok && kk.processHandle == processHandle {
			c.cache.Remove(k)
		}
	}
}
