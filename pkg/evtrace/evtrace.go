// Package evtrace is an optional supplementary event source for targets
// that straddle Windows and a Linux companion process (WSL interop, a
// cross-compiled Linux helper under test together with its Windows driver):
// it loads a pre-built eBPF program and streams its ring buffer as
// observer.DebugStringEvent-shaped annotations merged into the same
// fan-out the Windows event loop drives, rather than requiring a second
// tool and a second journal. Grounded on
// _examples/other_examples/korniltsev-grafanista-signalsnoop's collection
// load + ringbuf.Reader consumption loop, trimmed to the parts this
// package reuses (no BTF code generation, no kprobe attach list — those
// belong to the eBPF program this package only loads and reads).
package evtrace

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
)

// Sample is one decoded ring buffer record: a fixed (kind, pid, tid,
// timestamp-ns) header followed by a UTF-8 message, the smallest shape
// that lets an arbitrary eBPF program's output reuse
// observer.DebugStringEvent downstream.
type Sample struct {
	Kind        uint32
	Pid         uint32
	Tid         uint32
	TimestampNs uint64
	Message     string
}

const sampleHeaderSize = 4 + 4 + 4 + 8

// Collector owns a loaded eBPF collection and its ring buffer map.
type Collector struct {
	coll   *ebpf.Collection
	reader *ringbuf.Reader
}

// Open loads the eBPF object at objPath (produced by bpf2go or clang, out
// of band) and opens ringBufMapName as a ring buffer reader. It raises
// RLIMIT_MEMLOCK the way cilium/ebpf's own examples do, since the kernel
// verifier otherwise rejects map creation on older kernels.
func Open(objPath, ringBufMapName string) (*Collector, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("evtrace: remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("evtrace: load collection spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("evtrace: new collection: %w", err)
	}

	m, ok := coll.Maps[ringBufMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("evtrace: no ring buffer map %q in collection", ringBufMapName)
	}
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("evtrace: open ring buffer: %w", err)
	}

	hlog.L.Info("evtrace: loaded %s, streaming ring buffer %s", objPath, ringBufMapName)
	return &Collector{coll: coll, reader: reader}, nil
}

// Close releases the ring buffer reader and the underlying collection.
func (c *Collector) Close() error {
	rerr := c.reader.Close()
	c.coll.Close()
	return rerr
}

// Read blocks for the next ring buffer record and decodes it as a Sample.
func (c *Collector) Read() (Sample, error) {
	rec, err := c.reader.Read()
	if err != nil {
		return Sample{}, err
	}
	if len(rec.RawSample) < sampleHeaderSize {
		hlog.L.Warn("evtrace: dropping short record (%d bytes, want at least %d)", len(rec.RawSample), sampleHeaderSize)
		return Sample{}, fmt.Errorf("evtrace: short record (%d bytes)", len(rec.RawSample))
	}
	b := rec.RawSample
	return Sample{
		Kind:        binary.LittleEndian.Uint32(b[0:4]),
		Pid:         binary.LittleEndian.Uint32(b[4:8]),
		Tid:         binary.LittleEndian.Uint32(b[8:12]),
		TimestampNs: binary.LittleEndian.Uint64(b[12:20]),
		Message:     string(b[sampleHeaderSize:]),
	}, nil
}

// AsDebugString adapts a Sample to the same event shape LoadDll/DebugString
// observers already consume, so pkg/textemit and pkg/journal need no
// evtrace-specific branch: a supplementary trace source speaks the
// existing observer vocabulary rather than growing a parallel one.
func AsDebugString(s Sample, proc observer.ProcessRef, now time.Time) observer.DebugStringEvent {
	return observer.DebugStringEvent{
		Time:      now,
		Proc:      proc,
		IsUnicode: false,
		Text:      fmt.Sprintf("[evtrace kind=%d pid=%d tid=%d] %s", s.Kind, s.Pid, s.Tid, s.Message),
	}
}
