//go:build windows
// +build windows

package hwin

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	dbghelp             = windows.NewLazySystemDLL("dbghelp.dll")
	procSymInitialize   = dbghelp.NewProc("SymInitialize")
	procSymCleanup      = dbghelp.NewProc("SymCleanup")
	procSymSetOptions   = dbghelp.NewProc("SymSetOptions")
	procSymFromAddr     = dbghelp.NewProc("SymFromAddr")
	procSymGetLineFromAddr64 = dbghelp.NewProc("SymGetLineFromAddr64")
	procStackWalk64     = dbghelp.NewProc("StackWalk64")
)

// SymOptions mirrors the flag set spec.md §4.4 "Initialization" requires:
// SYMOPT_LOAD_LINES | SYMOPT_UNDNAME | SYMOPT_DEFERRED_LOADS |
// SYMOPT_ALLOW_ABSOLUTE_SYMBOLS | SYMOPT_INCLUDE32BIT_MODULES.
const symOptions = 0x00000010 | 0x00000002 | 0x00000004 | 0x00000800 | 0x00002000

// WinSymbolEngine wraps DbgHelp via direct syscalls (x/sys/windows does not
// cover DbgHelp).
type WinSymbolEngine struct{}

var _ SymbolEngine = WinSymbolEngine{}

func (WinSymbolEngine) Configure(processHandle uintptr, searchPath string) error {
	procSymSetOptions.Call(uintptr(symOptions))

	var pathPtr uintptr
	if searchPath != "" {
		p, err := syscall.UTF16PtrFromString(searchPath)
		if err != nil {
			return fmt.Errorf("hwin: invalid symbol search path: %w", err)
		}
		pathPtr = uintptr(unsafe.Pointer(p))
	}

	r, _, err := procSymInitialize.Call(processHandle, pathPtr, 1)
	if r == 0 {
		return fmt.Errorf("SymInitialize: %w", err)
	}
	return nil
}

func (WinSymbolEngine) Teardown(processHandle uintptr) error {
	r, _, err := procSymCleanup.Call(processHandle)
	if r == 0 {
		return fmt.Errorf("SymCleanup: %w", err)
	}
	return nil
}

// symbolInfoBufSize covers SYMBOL_INFO's fixed header plus MAX_SYM_NAME
// worth of trailing name bytes.
const symbolInfoBufSize = 88 + 2000

func (WinSymbolEngine) SymbolAt(processHandle uintptr, addr uint64) (Symbol, bool) {
	buf := make([]byte, symbolInfoBufSize)
	// SYMBOL_INFO.SizeOfStruct (offset 0) and MaxNameLen (offset 4).
	*(*uint32)(unsafe.Pointer(&buf[0])) = 88
	*(*uint32)(unsafe.Pointer(&buf[4])) = 2000

	var displacement uint64
	r, _, _ := procSymFromAddr.Call(
		processHandle,
		uintptr(addr),
		uintptr(unsafe.Pointer(&displacement)),
		uintptr(unsafe.Pointer(&buf[0])),
	)
	if r == 0 {
		return Symbol{}, false
	}

	// SYMBOL_INFO.Name (offset 84, inline buffer) and Size (offset 24).
	size := *(*uint64)(unsafe.Pointer(&buf[24]))
	name := utf8FromAnsiBytes(buf[84:])

	sym := Symbol{Name: name, Displacement: displacement, Size: size}

	var lineInfo [0x60]byte
	*(*uint32)(unsafe.Pointer(&lineInfo[0])) = uint32(len(lineInfo))
	var lineDisplacement uint32
	r2, _, _ := procSymGetLineFromAddr64.Call(
		processHandle,
		uintptr(addr),
		uintptr(unsafe.Pointer(&lineDisplacement)),
		uintptr(unsafe.Pointer(&lineInfo[0])),
	)
	if r2 != 0 {
		sym.HasLineInfo = true
		sym.SourceLine = *(*uint32)(unsafe.Pointer(&lineInfo[0x10]))
		sym.LineAddress = uint64(*(*uint32)(unsafe.Pointer(&lineInfo[0x14])))
		sym.LineDisplacement = uint64(lineDisplacement)
		filePtr := *(*uintptr)(unsafe.Pointer(&lineInfo[0x8]))
		if filePtr != 0 {
			sym.SourceFile = windows.BytePtrToString((*byte)(unsafe.Pointer(filePtr)))
		}
	}

	return sym, true
}

func utf8FromAnsiBytes(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// WinStackWalker wraps StackWalk64 with the x86_64 machine type; the 32-bit
// (WoW) machine type is selected when Init is called with is64=false.
type WinStackWalker struct {
	processHandle, threadHandle uintptr
	frame                       stackFrame64
	is64                        bool
}

var _ StackWalker = &WinStackWalker{}

// stackFrame64 mirrors STACKFRAME64's fields this unwinder touches.
type stackFrame64 struct {
	AddrPC, AddrReturn, AddrFrame, AddrStack uint64
}

func (w *WinStackWalker) Init(processHandle, threadHandle uintptr, pc, sp, bp uint64, is64 bool) {
	w.processHandle = processHandle
	w.threadHandle = threadHandle
	w.is64 = is64
	w.frame = stackFrame64{AddrPC: pc, AddrFrame: bp, AddrStack: sp}
}

const (
	imageFileMachineI386  = 0x014c
	imageFileMachineAmd64 = 0x8664
)

func (w *WinStackWalker) Next() (pc, sp, bp, returnAddr uint64, ok bool) {
	machine := uintptr(imageFileMachineAmd64)
	if !w.is64 {
		machine = imageFileMachineI386
	}

	// STACKFRAME64 is larger than the four fields we track; the remaining
	// bytes (AddrPC/AddrFrame/AddrStack mode flags etc.) are left zeroed,
	// which StackWalk64 treats as AddrModeFlat — correct for both machine
	// types here.
	var raw [168]byte
	*(*uint64)(unsafe.Pointer(&raw[0])) = w.frame.AddrPC
	*(*uint64)(unsafe.Pointer(&raw[24])) = w.frame.AddrReturn
	*(*uint64)(unsafe.Pointer(&raw[48])) = w.frame.AddrFrame
	*(*uint64)(unsafe.Pointer(&raw[96])) = w.frame.AddrStack

	r, _, _ := procStackWalk64.Call(
		machine,
		w.processHandle,
		w.threadHandle,
		uintptr(unsafe.Pointer(&raw[0])),
		0, 0, 0, 0, 0,
	)
	if r == 0 {
		return 0, 0, 0, 0, false
	}

	w.frame.AddrPC = *(*uint64)(unsafe.Pointer(&raw[0]))
	w.frame.AddrReturn = *(*uint64)(unsafe.Pointer(&raw[24]))
	w.frame.AddrFrame = *(*uint64)(unsafe.Pointer(&raw[48]))
	w.frame.AddrStack = *(*uint64)(unsafe.Pointer(&raw[96]))

	if w.frame.AddrPC == 0 {
		return 0, 0, 0, 0, false
	}
	return w.frame.AddrPC, w.frame.AddrStack, w.frame.AddrFrame, w.frame.AddrReturn, true
}
