//go:build windows
// +build windows

package hwin

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hindsight-dbg/hindsight/pkg/module"
)

var (
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procDebugActive    = kernel32.NewProc("DebugActiveProcess")
	procDebugStop      = kernel32.NewProc("DebugActiveProcessStop")
	procWaitForDebug   = kernel32.NewProc("WaitForDebugEvent")
	procContinueDebug  = kernel32.NewProc("ContinueDebugEvent")
	procOpenProcess    = kernel32.NewProc("OpenProcess")
	procOpenThread     = kernel32.NewProc("OpenThread")
	procTerminateProc  = kernel32.NewProc("TerminateProcess")
	procReadProcMemory = kernel32.NewProc("ReadProcessMemory")
)

const (
	debugEventBufSize = 256 // sizeof(DEBUG_EVENT) rounds well under this on amd64

	// dwDebugEventCode values, per WinBase.h.
	winExceptionDebugEvent      = 1
	winCreateThreadDebugEvent   = 2
	winCreateProcessDebugEvent  = 3
	winExitThreadDebugEvent     = 4
	winExitProcessDebugEvent    = 5
	winLoadDllDebugEvent        = 6
	winUnloadDllDebugEvent      = 7
	winOutputDebugStringEvent   = 8
	winRipEvent                 = 9

	processAllAccess = 0x1F0FFF
	threadAllAccess  = 0x1FFFFF
)

// WinAttacher is the real Attacher, implemented with direct kernel32 calls
// rather than golang.org/x/sys/windows's higher-level wrappers, which don't
// cover the debug-event API surface. This mirrors the lazy-DLL-binding
// pattern the teacher's delve_windows.go uses for syscall.SysProcAttr.
type WinAttacher struct {
	pid         uint32
	processH    windows.Handle
}

var _ Attacher = &WinAttacher{}

func (w *WinAttacher) Attach(pid int) error {
	w.pid = uint32(pid)
	r, _, err := procDebugActive.Call(uintptr(pid))
	if r == 0 {
		return fmt.Errorf("DebugActiveProcess(%d): %w", pid, err)
	}
	h, _, err := procOpenProcess.Call(processAllAccess, 0, uintptr(pid))
	if h == 0 {
		return fmt.Errorf("OpenProcess(%d): %w", pid, err)
	}
	w.processH = windows.Handle(h)
	return nil
}

func (w *WinAttacher) Detach() error {
	r, _, err := procDebugStop.Call(uintptr(w.pid))
	if r == 0 {
		return fmt.Errorf("DebugActiveProcessStop(%d): %w", w.pid, err)
	}
	return nil
}

// WaitForEvent blocks on WaitForDebugEvent and decodes the fixed DEBUG_EVENT
// prefix plus the kind-specific union member needed to populate a DebugEvent.
func (w *WinAttacher) WaitForEvent() (DebugEvent, error) {
	buf := make([]byte, debugEventBufSize)
	r, _, err := procWaitForDebug.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(0xFFFFFFFF))
	if r == 0 {
		return DebugEvent{}, fmt.Errorf("WaitForDebugEvent: %w", err)
	}

	code := binary.LittleEndian.Uint32(buf[0:4])
	pid := binary.LittleEndian.Uint32(buf[4:8])
	tid := binary.LittleEndian.Uint32(buf[8:12])
	// DEBUG_EVENT's union starts 8-byte aligned after the 12-byte header on
	// amd64.
	body := buf[16:]

	ev := DebugEvent{Pid: int(pid), Tid: int(tid)}

	switch code {
	case winExceptionDebugEvent:
		ev.Kind = EventException
		ev.ExceptionCode = binary.LittleEndian.Uint32(body[0:4])
		ev.FirstChance = binary.LittleEndian.Uint32(body[152:156]) != 0
		ev.ExceptionAddress = module.Pointer(binary.LittleEndian.Uint64(body[16:24]))
		nparams := binary.LittleEndian.Uint32(body[24:28])
		params := make([]uint64, 0, nparams)
		for i := uint32(0); i < nparams && i < 15; i++ {
			off := 32 + int(i)*8
			if off+8 > len(body) {
				break
			}
			params = append(params, binary.LittleEndian.Uint64(body[off:off+8]))
		}
		ev.ExceptionParams = params

	case winCreateProcessDebugEvent:
		ev.Kind = EventCreateProcess
		ev.ImageFileHandle = uintptr(binary.LittleEndian.Uint64(body[0:8]))
		ev.ImageBase = module.Pointer(binary.LittleEndian.Uint64(body[16:24]))

	case winCreateThreadDebugEvent:
		ev.Kind = EventCreateThread
		ev.ThreadStartAddress = module.Pointer(binary.LittleEndian.Uint64(body[16:24]))

	case winExitProcessDebugEvent:
		ev.Kind = EventExitProcess
		ev.ExitCode = binary.LittleEndian.Uint32(body[0:4])

	case winExitThreadDebugEvent:
		ev.Kind = EventExitThread
		ev.ExitCode = binary.LittleEndian.Uint32(body[0:4])

	case winLoadDllDebugEvent:
		ev.Kind = EventLoadDll
		ev.ImageBase = module.Pointer(binary.LittleEndian.Uint64(body[0:8]))
		ev.ImageFileHandle = uintptr(binary.LittleEndian.Uint64(body[16:24]))

	case winUnloadDllDebugEvent:
		ev.Kind = EventUnloadDll
		ev.UnloadBase = module.Pointer(binary.LittleEndian.Uint64(body[0:8]))

	case winOutputDebugStringEvent:
		ev.Kind = EventDebugString
		ev.DebugStringIsWide = binary.LittleEndian.Uint16(body[0:2]) != 0
		ev.DebugStringLength = binary.LittleEndian.Uint16(body[2:4])
		ev.DebugStringAddress = module.Pointer(binary.LittleEndian.Uint64(body[8:16]))

	case winRipEvent:
		ev.Kind = EventRip
		ev.RipErrorCode = binary.LittleEndian.Uint32(body[0:4])
		ev.RipType = binary.LittleEndian.Uint32(body[4:8])

	default:
		return DebugEvent{}, fmt.Errorf("unrecognized debug event code %d", code)
	}

	return ev, nil
}

func (w *WinAttacher) OpenEventHandles(ev DebugEvent) (uintptr, uintptr, error) {
	ph, _, err := procOpenProcess.Call(processAllAccess, 0, uintptr(ev.Pid))
	if ph == 0 {
		return 0, 0, fmt.Errorf("OpenProcess(%d): %w", ev.Pid, err)
	}
	th, _, err := procOpenThread.Call(threadAllAccess, 0, uintptr(ev.Tid))
	if th == 0 {
		windows.CloseHandle(windows.Handle(ph))
		return 0, 0, fmt.Errorf("OpenThread(%d): %w", ev.Tid, err)
	}
	return ph, th, nil
}

func (w *WinAttacher) CloseEventHandles(processHandle, threadHandle uintptr) {
	windows.CloseHandle(windows.Handle(processHandle))
	windows.CloseHandle(windows.Handle(threadHandle))
}

func (w *WinAttacher) ContinueEvent(pid, tid int, status ContinueStatus) error {
	r, _, err := procContinueDebug.Call(uintptr(pid), uintptr(tid), uintptr(int32(status)))
	if r == 0 {
		return fmt.Errorf("ContinueDebugEvent: %w", err)
	}
	return nil
}

func (w *WinAttacher) ReadMemory(addr module.Pointer, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	var read uintptr
	r, _, err := procReadProcMemory.Call(
		uintptr(w.processH),
		uintptr(addr),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(size),
		uintptr(unsafe.Pointer(&read)),
	)
	if r == 0 {
		return nil, fmt.Errorf("ReadProcessMemory(0x%x, %d): %w", addr, size, err)
	}
	return buf[:read], nil
}

func (w *WinAttacher) TerminateTarget(exitCode uint32) error {
	r, _, err := procTerminateProc.Call(uintptr(w.processH), uintptr(exitCode))
	if r == 0 {
		return fmt.Errorf("TerminateProcess: %w", err)
	}
	return nil
}

// PathFromFileHandle resolves a CreateProcess/LoadDll event's hFile to an
// absolute path via GetFinalPathNameByHandle, grounded on
// Path::GetPathFromFileHandleW.
func (w *WinAttacher) PathFromFileHandle(handle uintptr) (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetFinalPathNameByHandle(windows.Handle(handle), &buf[0], uint32(len(buf)), 0)
	if err != nil {
		return "", fmt.Errorf("GetFinalPathNameByHandle: %w", err)
	}
	return windows.UTF16ToString(buf[:n]), nil
}

var _ PathResolver = &WinAttacher{}
