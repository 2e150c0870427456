//go:build windows
// +build windows

package procref

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
)

// WinLauncher starts a target via CreateProcess with CREATE_SUSPENDED, the
// Win32 primitive Launcher::StartSuspended wraps.
type WinLauncher struct{}

var _ Launcher = WinLauncher{}

const createSuspended = 0x00000004

func (WinLauncher) StartSuspended(path, workingDirectory string, arguments []string) (int, uintptr, error) {
	workdir := workingDirectory
	if workdir == "" {
		workdir = filepath.Dir(path)
	}

	argv := append([]string{path}, arguments...)
	cmdLine := QuoteArguments(argv)

	cmdLinePtr, err := windows.UTF16PtrFromString(cmdLine)
	if err != nil {
		return 0, 0, fmt.Errorf("procref: encode command line: %w", err)
	}
	workdirPtr, err := windows.UTF16PtrFromString(workdir)
	if err != nil {
		return 0, 0, fmt.Errorf("procref: encode working directory: %w", err)
	}

	var si windows.StartupInfo
	si.Cb = uint32(unsafe.Sizeof(si))
	var pi windows.ProcessInformation

	err = windows.CreateProcess(
		nil, cmdLinePtr, nil, nil, false,
		createSuspended, nil, workdirPtr, &si, &pi,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("procref: CreateProcess(%s): %w", path, err)
	}
	windows.CloseHandle(pi.Process)

	hlog.L.Info("procref: launched %s suspended as pid=%d", path, pi.ProcessId)
	return int(pi.ProcessId), uintptr(pi.Thread), nil
}

func (WinLauncher) Resume(mainThread uintptr) error {
	if _, err := windows.ResumeThread(windows.Handle(mainThread)); err != nil {
		return fmt.Errorf("procref: ResumeThread: %w", err)
	}
	hlog.L.Debug("procref: resumed main thread")
	return nil
}
