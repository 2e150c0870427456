// Package snapshot implements ThreadSnapshot (spec.md §3, §4.3): a tagged
// union over the two CPU register-file widths a debugged thread can present,
// independent of the debugger's own word size. Grounded on the "two
// constructors" shape described in spec.md §4.3 and on the register-file
// naming conventions golang.org/x/sys/windows uses for CONTEXT/WOW64_CONTEXT.
package snapshot

import "fmt"

// Kind tags which register-file variant a Snapshot carries.
type Kind int

const (
	// Native64 means the target thread is running in 64-bit mode; Regs64 is
	// populated.
	Native64 Kind = iota
	// Wow32 means the target thread is a WoW64 thread (32-bit code on a
	// 64-bit OS); Regs32 is populated.
	Wow32
)

func (k Kind) String() string {
	if k == Native64 {
		return "native64"
	}
	return "wow32"
}

// RegisterFile64 mirrors the subset of a CONTEXT (x86-64) the unwinder and
// the RTTI decoder need: the three frame-defining registers plus the
// general-purpose set used to render CPU-context lines (spec.md §4.7).
type RegisterFile64 struct {
	Rip, Rsp, Rbp uint64
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi          uint64
	R8, R9, R10, R11  uint64
	R12, R13, R14, R15 uint64
	EFlags uint32
}

// RegisterFile32 mirrors the subset of a WOW64_CONTEXT (x86) needed for the
// same purposes.
type RegisterFile32 struct {
	Eip, Esp, Ebp uint32
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi          uint32
	EFlags uint32
}

// Snapshot is the ThreadSnapshot tagged union. It holds no handle
// references (neither does observer.ProcessRef; the dispatcher keeps the
// per-event handles) — a Snapshot is a read-only, one-shot
// capture shared between the dispatcher and observers for the duration of one
// event, per spec.md §3's ownership summary.
type Snapshot struct {
	kind   Kind
	regs64 RegisterFile64
	regs32 RegisterFile32
}

// IsNative64 reports whether this snapshot carries a 64-bit register file.
func (s Snapshot) IsNative64() bool { return s.kind == Native64 }

// Variant returns the snapshot's tag.
func (s Snapshot) Variant() Kind { return s.kind }

// Native64 returns the 64-bit register file. Callers must check IsNative64
// first; calling this on a Wow32 snapshot panics, matching the "callers must
// check the tag before touching a variant" rule in spec.md §4.3.
func (s Snapshot) Native64() RegisterFile64 {
	if s.kind != Native64 {
		panic("snapshot: Native64 called on a Wow32 snapshot")
	}
	return s.regs64
}

// Wow32 returns the 32-bit register file. Callers must check IsNative64
// first; calling this on a Native64 snapshot panics.
func (s Snapshot) Wow32() RegisterFile32 {
	if s.kind != Wow32 {
		panic("snapshot: Wow32 called on a Native64 snapshot")
	}
	return s.regs32
}

// ProgramCounter returns the PC in either variant, widened to 64 bits, for
// callers (the unwinder's seed, the RTTI decoder) that don't otherwise care
// about the register file's width.
func (s Snapshot) ProgramCounter() uint64 {
	if s.kind == Native64 {
		return s.regs64.Rip
	}
	return uint64(s.regs32.Eip)
}

// StackPointer returns SP/ESP widened to 64 bits.
func (s Snapshot) StackPointer() uint64 {
	if s.kind == Native64 {
		return s.regs64.Rsp
	}
	return uint64(s.regs32.Esp)
}

// FramePointer returns BP/EBP widened to 64 bits.
func (s Snapshot) FramePointer() uint64 {
	if s.kind == Native64 {
		return s.regs64.Rbp
	}
	return uint64(s.regs32.Ebp)
}

// FromRegisterFile64 builds a Snapshot from an already-captured 64-bit
// register file, used by replay (pkg/journal) and by postmortem (pkg/
// postmortem), both of which read a register file that was either logged or
// plucked directly out of the target rather than fetched live.
func FromRegisterFile64(r RegisterFile64) Snapshot {
	return Snapshot{kind: Native64, regs64: r}
}

// FromRegisterFile32 is the Wow32 counterpart of FromRegisterFile64.
func FromRegisterFile32(r RegisterFile32) Snapshot {
	return Snapshot{kind: Wow32, regs32: r}
}

// Fetcher is the externally-owned OS primitive (spec.md §1 Out of scope) that
// queries a live thread's register file. Implementations live in pkg/hwin;
// this package only depends on the interface, so snapshot has no build-tag
// split of its own.
type Fetcher interface {
	// IsWow64Thread reports whether the thread identified by threadHandle is
	// executing under WoW64.
	IsWow64Thread(processHandle, threadHandle uintptr) (bool, error)
	// ReadContext64 fetches a full 64-bit register file with ALL context
	// flags, per spec.md §4.3.
	ReadContext64(threadHandle uintptr) (RegisterFile64, error)
	// ReadContext32 fetches a full 32-bit (WoW64) register file.
	ReadContext32(threadHandle uintptr) (RegisterFile32, error)
}

// FromLiveThread is ThreadSnapshot's first constructor: it queries the OS for
// the target's word mode via f.IsWow64Thread, then populates the matching
// register-file variant.
func FromLiveThread(f Fetcher, processHandle, threadHandle uintptr) (Snapshot, error) {
	wow, err := f.IsWow64Thread(processHandle, threadHandle)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: query WoW64 mode: %w", err)
	}

	if wow {
		regs, err := f.ReadContext32(threadHandle)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: read 32-bit context: %w", err)
		}
		return FromRegisterFile32(regs), nil
	}

	regs, err := f.ReadContext64(threadHandle)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read 64-bit context: %w", err)
	}
	return FromRegisterFile64(regs), nil
}
