// Package procref launches a target image suspended and hands its pid to
// an hwin.Attacher, implementing the "launch" half of spec.md §4.6's live
// attach path (`launch <image> [argv...]`, spec.md §6.2) the way
// eventdispatch's Attach expects to receive it: DebugActiveProcess needs an
// already-running (here, suspended) pid to attach to, rather than spawning
// the child itself. Grounded on
// _examples/original_source/hindsight/Launcher.{hpp,cpp}'s StartSuspended
// and GetArgumentString.
package procref

import (
	"strings"

	"github.com/hindsight-dbg/hindsight/pkg/observer"
)

// Launcher starts path in a suspended state under working directory with
// the given arguments (argv[0] excluded; the image path is prepended
// automatically, matching Launcher::StartSuspended), then resumes it once
// the caller has attached a debugger.
type Launcher interface {
	// StartSuspended returns the new process's pid and main thread handle;
	// the thread remains suspended until Resume is called.
	StartSuspended(path, workingDirectory string, arguments []string) (pid int, mainThread uintptr, err error)
	// Resume releases mainThread's suspend count, letting the target run.
	Resume(mainThread uintptr) error
}

// QuoteArguments joins arguments into a single Win32 CreateProcess command
// line, escaping embedded double quotes the way GetArgumentString does —
// simple backslash-escaping rather than the fuller MSVCRT quoting rules,
// matching the original's behavior exactly rather than "improving" it.
func QuoteArguments(arguments []string) string {
	escaped := make([]string, len(arguments))
	for i, a := range arguments {
		escaped[i] = strings.ReplaceAll(a, `"`, `\"`)
	}
	return strings.Join(escaped, " ")
}

// NewProcessRef builds the ProcessRef observers see in OnInitialization.
func NewProcessRef(pid, tid int, imagePath string) observer.ProcessRef {
	return observer.ProcessRef{Pid: pid, Tid: tid, ImagePath: imagePath}
}

// LaunchParams is the metadata the journal header (pkg/journal.Header)
// needs beyond the bare ProcessRef — working directory and argv — kept
// here rather than on ProcessRef since observers never need it per-event.
type LaunchParams struct {
	ImagePath string
	WorkDir   string
	Args      []string
}
