package evtrace

import (
	"testing"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/observer"
)

func TestAsDebugStringFormatsSample(t *testing.T) {
	s := Sample{Kind: 3, Pid: 100, Tid: 7, Message: "vfs_coredump"}
	ev := AsDebugString(s, observer.ProcessRef{Pid: 100, Tid: 7}, time.Unix(0, 0))

	want := "[evtrace kind=3 pid=100 tid=7] vfs_coredump"
	if ev.Text != want {
		t.Fatalf("got %q, want %q", ev.Text, want)
	}
	if ev.IsUnicode {
		t.Fatal("evtrace samples are not wide strings")
	}
}
