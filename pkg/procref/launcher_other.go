//go:build !windows
// +build !windows

package procref

import "github.com/hindsight-dbg/hindsight/pkg/hinderr"

// StubLauncher satisfies Launcher on non-Windows builds; launching a
// suspended native target is a Windows-only operation (spec.md §1).
type StubLauncher struct{}

var _ Launcher = StubLauncher{}

func (StubLauncher) StartSuspended(path, workingDirectory string, arguments []string) (int, uintptr, error) {
	return 0, 0, &hinderr.AttachRefused{Code: -1}
}

func (StubLauncher) Resume(mainThread uintptr) error {
	return &hinderr.AttachRefused{Code: -1}
}
