// Package version reports the CLI build version alongside the binary
// journal wire-format version it writes and expects to read, so `hindsight
// -v`'s output is enough to tell whether a journal from one build is
// readable by another without opening it first (spec.md §6.3's "upper 16
// bits must match exactly" rule lives in pkg/journal; this package only
// surfaces it).
package version

import (
	"fmt"
	"runtime"

	"github.com/hindsight-dbg/hindsight/pkg/journal"
)

// These variables are populated by the build process.
var (
	// Version is the version of the build.
	Version = "dev"
	// BuildTime is the time when the build was created.
	BuildTime = "unknown"
)

// JournalVersionString renders journal.CurrentVersion as the major.minor.rev.build
// tuple EncodeVersion packs it from.
func JournalVersionString() string {
	v := journal.CurrentVersion
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// GetVersionInfo returns a formatted string with version information.
func GetVersionInfo() string {
	return fmt.Sprintf("hindsight v%s (built: %s, %s/%s, journal format v%s)",
		Version,
		BuildTime,
		runtime.GOOS,
		runtime.GOARCH,
		JournalVersionString(),
	)
}

// GetVersion returns just the version number.
func GetVersion() string {
	return Version
}

// GetBuildTime returns the build timestamp.
func GetBuildTime() string {
	return BuildTime
}
