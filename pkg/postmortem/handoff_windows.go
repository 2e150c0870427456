//go:build windows
// +build windows

package postmortem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hindsight-dbg/hindsight/pkg/eventdispatch"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
)

var (
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procSetEvent     = kernel32.NewProc("SetEvent")
	procReadProcMem  = kernel32.NewProc("ReadProcessMemory")
)

// WinHandoff reads the JIT crash handoff directly out of target memory via
// ReadProcessMemory, and signals WER's event via SetEvent, grounded on
// Debugger::Debugger's JIT constructor.
type WinHandoff struct {
	fetcher *hwin.WinFetcher
}

func NewWinHandoff() *WinHandoff { return &WinHandoff{fetcher: &hwin.WinFetcher{}} }

var _ Handoff = &WinHandoff{}

func readRemote(processHandle uintptr, addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	var read uintptr
	r, _, err := procReadProcMem.Call(processHandle, uintptr(addr), uintptr(unsafe.Pointer(&buf[0])), uintptr(size), uintptr(unsafe.Pointer(&read)))
	if r == 0 {
		return nil, fmt.Errorf("ReadProcessMemory(0x%x, %d): %w", addr, size, err)
	}
	return buf[:read], nil
}

func (h *WinHandoff) ReadJitInfo(processHandle uintptr, addr uint64) (JitInfo, error) {
	buf, err := readRemote(processHandle, addr, JitInfoSize)
	if err != nil {
		return JitInfo{}, err
	}
	return JitInfo{
		ThreadID:         binary.LittleEndian.Uint32(buf[8:12]),
		ExceptionAddress: binary.LittleEndian.Uint64(buf[16:24]),
		ExceptionRecord:  binary.LittleEndian.Uint64(buf[24:32]),
		ContextRecord:    binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// EXCEPTION_RECORD layout (amd64): ExceptionCode(4) ExceptionFlags(4)
// ExceptionRecord*(8) ExceptionAddress(8) NumberParameters(4) pad(4)
// ExceptionInformation[15](8 each).
const (
	excCodeOffset    = 0
	excNumParamsOff  = 24
	excParamsOffset  = 32
	excMaxParams     = 15
)

func (h *WinHandoff) ReadExceptionRecord(processHandle uintptr, addr uint64) (uint32, []uint64, error) {
	buf, err := readRemote(processHandle, addr, excParamsOffset+excMaxParams*8)
	if err != nil {
		return 0, nil, err
	}
	code := binary.LittleEndian.Uint32(buf[excCodeOffset:])
	n := binary.LittleEndian.Uint32(buf[excNumParamsOff:])
	if n > excMaxParams {
		n = excMaxParams
	}
	params := make([]uint64, n)
	for i := range params {
		off := excParamsOffset + i*8
		params[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return code, params, nil
}

func (h *WinHandoff) IsWow64Thread(processHandle, threadHandle uintptr) (bool, error) {
	return h.fetcher.IsWow64Thread(processHandle, threadHandle)
}

// ReadContext reads a CONTEXT/WOW64_CONTEXT the JIT info points at directly
// out of target memory, rather than via GetThreadContext (the thread is
// suspended by virtue of having crashed into WER, not by the debugger, so
// there is no live-fetch primitive to call).
// WOW64_CONTEXT field offsets, per WinNT.h — duplicated from
// hwin.context_windows.go's unexported copy since this package reads the
// struct directly out of target memory rather than via Wow64GetThreadContext.
const (
	postWow64OffEip    = 184
	postWow64OffEsp    = 196
	postWow64OffEbp    = 180
	postWow64OffEax    = 176
	postWow64OffEbx    = 164
	postWow64OffEcx    = 172
	postWow64OffEdx    = 168
	postWow64OffEsi    = 160
	postWow64OffEdi    = 156
	postWow64OffEFlags = 192
	postWow64ContextSize = 716
)

func (h *WinHandoff) ReadContext(processHandle, threadHandle uintptr, addr uint64, wow64 bool) (snapshot.Snapshot, error) {
	if wow64 {
		buf, err := readRemote(processHandle, addr, postWow64ContextSize)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
		return snapshot.FromRegisterFile32(snapshot.RegisterFile32{
			Eip: u32(postWow64OffEip), Esp: u32(postWow64OffEsp), Ebp: u32(postWow64OffEbp),
			Eax: u32(postWow64OffEax), Ebx: u32(postWow64OffEbx), Ecx: u32(postWow64OffEcx), Edx: u32(postWow64OffEdx),
			Esi: u32(postWow64OffEsi), Edi: u32(postWow64OffEdi), EFlags: u32(postWow64OffEFlags),
		}), nil
	}

	buf, err := readRemote(processHandle, addr, contextAmd64Size)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(buf[off : off+8]) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
	return snapshot.FromRegisterFile64(snapshot.RegisterFile64{
		Rip: u64(ctxOffRip), Rsp: u64(ctxOffRsp), Rbp: u64(ctxOffRbp),
		Rax: u64(ctxOffRax), Rbx: u64(ctxOffRbx), Rcx: u64(ctxOffRcx), Rdx: u64(ctxOffRdx),
		Rsi: u64(ctxOffRsi), Rdi: u64(ctxOffRdi),
		R8: u64(ctxOffR8), R9: u64(ctxOffR9), R10: u64(ctxOffR10), R11: u64(ctxOffR11),
		R12: u64(ctxOffR12), R13: u64(ctxOffR13), R14: u64(ctxOffR14), R15: u64(ctxOffR15),
		EFlags: u32(ctxOffEFlags),
	}), nil
}

func (h *WinHandoff) SignalHandoffEvent(eventHandle uintptr) error {
	r, _, err := procSetEvent.Call(eventHandle)
	if r == 0 {
		return fmt.Errorf("SetEvent: %w", err)
	}
	return nil
}

// CONTEXT (amd64) field offsets this package needs, per WinNT.h. Only the
// fields snapshot.RegisterFile64 names are listed.
const (
	ctxOffEFlags = 68 // after P1Home..P6Home(48) + ContextFlags(4) + MxCsr(4) + 6 segment u16 (12)
	ctxOffDr0    = 72
	ctxOffRax    = 120
	ctxOffRcx    = 128
	ctxOffRdx    = 136
	ctxOffRbx    = 144
	ctxOffRsp    = 152
	ctxOffRbp    = 160
	ctxOffRsi    = 168
	ctxOffRdi    = 176
	ctxOffR8     = 184
	ctxOffR9     = 192
	ctxOffR10    = 200
	ctxOffR11    = 208
	ctxOffR12    = 216
	ctxOffR13    = 224
	ctxOffR14    = 232
	ctxOffR15    = 240
	ctxOffRip    = 248
	contextAmd64Size = 1232
)

// WinModuleEnumerator lists a live process's loaded modules via the
// ToolHelp32 snapshot API (CreateToolhelp32Snapshot + Module32FirstW/NextW).
type WinModuleEnumerator struct{}

var _ ModuleEnumerator = WinModuleEnumerator{}

const (
	th32csSnapModule   = 0x00000008
	th32csSnapModule32 = 0x00000010
)

// moduleEntry32W mirrors MODULEENTRY32W's fixed-size fields this package
// reads; szModule/szExePath are fixed 256/260 UTF-16 char arrays.
type moduleEntry32W struct {
	Size         uint32
	ModuleID     uint32
	ProcessID    uint32
	GlblcntUsage uint32
	ProccntUsage uint32
	ModBaseAddr  uintptr
	ModBaseSize  uint32
	HModule      uintptr
	SzModule     [256]uint16
	SzExePath    [260]uint16
}

func (WinModuleEnumerator) EnumerateModules(pid int) ([]eventdispatch.ModuleSeed, error) {
	snap, err := windows.CreateToolhelp32Snapshot(th32csSnapModule|th32csSnapModule32, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry moduleEntry32W
	entry.Size = uint32(unsafe.Sizeof(entry))

	var out []eventdispatch.ModuleSeed
	r, _, err := module32FirstW.Call(uintptr(snap), uintptr(unsafe.Pointer(&entry)))
	for r != 0 {
		out = append(out, eventdispatch.ModuleSeed{
			Path: windows.UTF16ToString(entry.SzExePath[:]),
			Base: module.Pointer(entry.ModBaseAddr),
			Size: uint64(entry.ModBaseSize),
		})
		r, _, err = module32NextW.Call(uintptr(snap), uintptr(unsafe.Pointer(&entry)))
	}
	_ = err
	return out, nil
}

var (
	module32FirstW = kernel32.NewProc("Module32FirstW")
	module32NextW  = kernel32.NewProc("Module32NextW")
)
