//go:build windows
// +build windows

package hwin

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

var (
	procIsWow64Process        = kernel32.NewProc("IsWow64Process")
	procGetThreadContext      = kernel32.NewProc("GetThreadContext")
	procWow64GetThreadContext = kernel32.NewProc("Wow64GetThreadContext")
)

// contextFull is CONTEXT_AMD64 (0x100000) | CONTEXT_CONTROL | CONTEXT_INTEGER
// | CONTEXT_FLOATING_POINT, per WinNT.h's CONTEXT_FULL for x64.
const contextFull = 0x10000B

// wow64ContextFull is WOW64_CONTEXT_i386 (0x10000) | CONTROL | INTEGER |
// SEGMENTS, per WinNT.h's WOW64_CONTEXT_FULL.
const wow64ContextFull = 0x10007

// WinFetcher implements snapshot.Fetcher via GetThreadContext /
// Wow64GetThreadContext, grounded on DebugContext.{hpp,cpp}'s two
// constructors (one per architecture).
type WinFetcher struct {
	processHandle uintptr
}

var _ snapshot.Fetcher = &WinFetcher{}

func (f *WinFetcher) IsWow64Thread(processHandle, threadHandle uintptr) (bool, error) {
	var wow32 uint32
	r, _, err := procIsWow64Process.Call(processHandle, uintptr(unsafe.Pointer(&wow32)))
	if r == 0 {
		return false, fmt.Errorf("IsWow64Process: %w", err)
	}
	return wow32 != 0, nil
}

// ReadContext64 populates a RegisterFile64 via GetThreadContext, using
// golang.org/x/sys/windows's Context struct for the field layout rather
// than hand-rolled offsets.
func (f *WinFetcher) ReadContext64(threadHandle uintptr) (snapshot.RegisterFile64, error) {
	var ctx windows.Context
	ctx.ContextFlags = contextFull
	r, _, err := procGetThreadContext.Call(threadHandle, uintptr(unsafe.Pointer(&ctx)))
	if r == 0 {
		return snapshot.RegisterFile64{}, fmt.Errorf("GetThreadContext: %w", err)
	}
	return snapshot.RegisterFile64{
		Rip: ctx.Rip, Rsp: ctx.Rsp, Rbp: ctx.Rbp,
		Rax: ctx.Rax, Rbx: ctx.Rbx, Rcx: ctx.Rcx, Rdx: ctx.Rdx,
		Rsi: ctx.Rsi, Rdi: ctx.Rdi,
		R8: ctx.R8, R9: ctx.R9, R10: ctx.R10, R11: ctx.R11,
		R12: ctx.R12, R13: ctx.R13, R14: ctx.R14, R15: ctx.R15,
		EFlags: ctx.EFlags,
	}, nil
}

// WOW64_CONTEXT field offsets, per WinNT.h. The struct is mostly floating
// point state hindsight never reads; only the integer/control fields this
// package needs are named here.
const (
	wow64OffContextFlags = 0
	wow64OffSegGs        = 140
	wow64OffEdi          = 156
	wow64OffEsi          = 160
	wow64OffEbx          = 164
	wow64OffEdx          = 168
	wow64OffEcx          = 172
	wow64OffEax          = 176
	wow64OffEbp          = 180
	wow64OffEip          = 184
	wow64OffEFlags       = 192
	wow64OffEsp          = 196
	wow64ContextSize     = 716
)

// ReadContext32 populates a RegisterFile32 via Wow64GetThreadContext,
// decoding the raw WOW64_CONTEXT buffer at the documented field offsets —
// the same raw-byte-buffer approach dbghelp_windows.go uses for SYMBOL_INFO
// and STACKFRAME64, since x/sys/windows does not wrap this 32-bit struct.
func (f *WinFetcher) ReadContext32(threadHandle uintptr) (snapshot.RegisterFile32, error) {
	buf := make([]byte, wow64ContextSize)
	binary.LittleEndian.PutUint32(buf[wow64OffContextFlags:], wow64ContextFull)

	r, _, err := procWow64GetThreadContext.Call(threadHandle, uintptr(unsafe.Pointer(&buf[0])))
	if r == 0 {
		return snapshot.RegisterFile32{}, fmt.Errorf("Wow64GetThreadContext: %w", err)
	}

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
	return snapshot.RegisterFile32{
		Eip: u32(wow64OffEip), Esp: u32(wow64OffEsp), Ebp: u32(wow64OffEbp),
		Eax: u32(wow64OffEax), Ebx: u32(wow64OffEbx), Ecx: u32(wow64OffEcx), Edx: u32(wow64OffEdx),
		Esi: u32(wow64OffEsi), Edi: u32(wow64OffEdi),
		EFlags: u32(wow64OffEFlags),
	}, nil
}
