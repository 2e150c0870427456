// Package module implements the ModuleRegistry (spec.md §3, §4.2), grounded on
// _examples/original_source/hindsight/ModuleCollection.{hpp,cpp}. It tracks the
// load/unload lifecycle of every image mapped into a debugged target and answers
// address-to-module queries for the unwinder, the RTTI decoder, and the
// observers.
package module

import (
	"encoding/binary"
	"sync"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
)

// Pointer is a target address. It means nothing in hindsight's own address
// space, only the target's — kept as a distinct type (rather than bare
// uintptr) the way ModulePointer is kept distinct from void* in the original.
type Pointer uint64

// Module represents a single loaded image in the debugged process, including
// the main executable module.
type Module struct {
	Base      Pointer
	Size      uint64
	ImagePath string
}

// ContainsAddress reports whether addr falls within [Base, Base+Size).
func (m Module) ContainsAddress(addr Pointer) bool {
	if m.Size == 0 {
		return false
	}
	return addr >= m.Base && addr < m.Base+Pointer(m.Size)
}

// MemoryReader is the subset of the externally-owned target-memory-read
// primitive (spec.md §1 Out of scope) that PE header probing needs.
type MemoryReader interface {
	ReadMemory(addr Pointer, size uint64) ([]byte, error)
}

// Registry is the ModuleRegistry: three views over modules — history,
// active-by-base, and active-by-path — exactly as specified in spec.md §3.
type Registry struct {
	mu sync.RWMutex

	history      []string       // load order; index is the stable load_index
	historyIndex map[string]int // path -> index into history

	activeByBase map[Pointer]Module
	activeByPath map[string]map[Pointer]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		historyIndex: make(map[string]int),
		activeByBase: make(map[Pointer]Module),
		activeByPath: make(map[string]map[Pointer]struct{}),
	}
}

// OnLoad records that the image at path has just been mapped at base with the
// given size, returning the image's stable load_index. If size is 0 and mem is
// non-nil, the PE headers are probed from the target to resolve it.
func (r *Registry) OnLoad(path string, base Pointer, size uint64, mem MemoryReader) int {
	if size == 0 && mem != nil {
		resolved, err := ProbeImageSize(mem, base)
		if err != nil {
			hlog.L.Debug("module: PE header probe failed for %s at 0x%x: %v", path, base, err)
		} else {
			size = resolved
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, seen := r.historyIndex[path]
	if !seen {
		idx = len(r.history)
		r.history = append(r.history, path)
		r.historyIndex[path] = idx
	}

	if _, dup := r.activeByBase[base]; !dup {
		r.activeByBase[base] = Module{Base: base, Size: size, ImagePath: path}
	}

	bases, ok := r.activeByPath[path]
	if !ok {
		bases = make(map[Pointer]struct{})
		r.activeByPath[path] = bases
	}
	bases[base] = struct{}{}

	return idx
}

// OnUnload removes the active mapping at base. History is never pruned.
func (r *Registry) OnUnload(base Pointer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.activeByBase[base]
	if !ok {
		return
	}
	delete(r.activeByBase, base)

	if bases, ok := r.activeByPath[m.ImagePath]; ok {
		delete(bases, base)
		if len(bases) == 0 {
			delete(r.activeByPath, m.ImagePath)
		}
	}
}

// ModuleAt returns the unique active Module whose interval contains addr, or
// false if no active module claims it. A linear scan is acceptable per
// spec.md §4.2 (n is small, typically <200); callers needing acceleration can
// wrap Registry with their own interval index without changing semantics.
func (r *Registry) ModuleAt(addr Pointer) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.activeByBase {
		if m.ContainsAddress(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// PathOf returns the image path currently loaded at base, if any.
func (r *Registry) PathOf(base Pointer) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.activeByBase[base]
	return m.ImagePath, ok
}

// BasesOf returns every base address the image at path is currently mapped
// at. A single image may be mapped more than once.
func (r *Registry) BasesOf(path string) []Pointer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bases := r.activeByPath[path]
	out := make([]Pointer, 0, len(bases))
	for b := range bases {
		out = append(out, b)
	}
	return out
}

// IndexOf returns the stable load_index for path, or -1 if the path has never
// been loaded.
func (r *Registry) IndexOf(path string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.historyIndex[path]
	if !ok {
		return -1
	}
	return int64(idx)
}

// IndexOfBase returns the stable load_index for the image currently loaded at
// base, or -1 if base is not active.
func (r *Registry) IndexOfBase(base Pointer) int64 {
	r.mu.RLock()
	path, ok := r.activeByBase[base]
	r.mu.RUnlock()
	if !ok {
		return -1
	}
	return r.IndexOf(path.ImagePath)
}

// History returns the image paths in the order they were first seen.
// Mutating the returned slice does not affect the registry.
func (r *Registry) History() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.history))
	copy(out, r.history)
	return out
}

// PE header offsets used by ProbeImageSize, per the Windows PE/COFF spec:
// the e_lfanew field of IMAGE_DOS_HEADER lives at offset 0x3C and holds the
// offset (from the image base) of IMAGE_NT_HEADERS. SizeOfImage lives at a
// fixed offset inside IMAGE_OPTIONAL_HEADER{32,64} that differs only in the
// handful of fields preceding it, both of which start with the same
// Signature+FileHeader+Magic prefix.
const (
	peLfanewOffset        = 0x3C
	peSignatureSize       = 4  // "PE\0\0"
	peFileHeaderSize      = 20 // IMAGE_FILE_HEADER
	peOptMagicOffset      = peSignatureSize + peFileHeaderSize
	peOptMagicPE32        = 0x10b
	peOptMagicPE32Plus    = 0x20b
	peSizeOfImageOffPE32  = peOptMagicOffset + 56
	peSizeOfImageOffPE32P = peOptMagicOffset + 56
)

// ProbeImageSize reads the PE offset at imageBase+0x3C, then reads the
// IMAGE_NT_HEADERS{32,64} at that offset to extract SizeOfImage, per
// spec.md §4.2. A partially-mapped image yields an error; callers should
// treat that as "size unknown" (0) and continue.
func ProbeImageSize(mem MemoryReader, base Pointer) (uint64, error) {
	dos, err := mem.ReadMemory(base+peLfanewOffset, 4)
	if err != nil {
		return 0, err
	}
	lfanew := binary.LittleEndian.Uint32(dos)

	// Signature ("PE\0\0") + FileHeader(20) + optional header Magic(2)
	hdr, err := mem.ReadMemory(base+Pointer(lfanew), peOptMagicOffset+2)
	if err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint16(hdr[peOptMagicOffset:])

	var sizeOff int
	switch magic {
	case peOptMagicPE32:
		sizeOff = peSizeOfImageOffPE32
	case peOptMagicPE32Plus:
		sizeOff = peSizeOfImageOffPE32P
	default:
		sizeOff = peSizeOfImageOffPE32
	}

	sizeBytes, err := mem.ReadMemory(base+Pointer(lfanew)+Pointer(sizeOff), 4)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(sizeBytes)), nil
}
