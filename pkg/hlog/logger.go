// Package hlog is the process-wide structured logger used by every component
// of hindsight in place of ad-hoc fmt.Printf calls.
package hlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level is a logging severity, ordered from most to least verbose.
type Level int

const (
	Verbose Level = iota
	Debug
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Verbose:
		return "VERB"
	case Debug:
		return "DBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERR "
	default:
		return "????"
	}
}

// ansi colors per level, used only when the sink is a color-capable terminal.
var levelColor = map[Level]string{
	Verbose: "\x1b[90m",
	Debug:   "\x1b[36m",
	Info:    "\x1b[37m",
	Warn:    "\x1b[33m",
	Error:   "\x1b[31m",
}

const ansiReset = "\x1b[0m"

// Logger writes leveled, timestamped lines to a sink. It is safe for concurrent use,
// though hindsight's core is single-threaded (see spec.md §5) and normally never
// needs that safety outside of the CLI's own goroutines.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	min   Level
	color bool
}

// New constructs a Logger writing to w at or above min. Color is auto-detected
// via go-isatty when w is an *os.File.
func New(w io.Writer, min Level) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{out: w, min: min, color: color}
}

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(min Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = min
}

// SetColor forces color on or off, overriding auto-detection.
func (l *Logger) SetColor(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.color = enabled
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.min {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")

	if l.color {
		fmt.Fprintf(l.out, "%s%s [%s]%s %s\n", levelColor[level], ts, level, ansiReset, msg)
	} else {
		fmt.Fprintf(l.out, "%s [%s] %s\n", ts, level, msg)
	}
}

func (l *Logger) Verbose(format string, args ...interface{}) { l.log(Verbose, format, args...) }
func (l *Logger) Debug(format string, args ...interface{})   { l.log(Debug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})    { l.log(Info, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})    { l.log(Warn, format, args...) }
func (l *Logger) Error(format string, args ...interface{})   { l.log(Error, format, args...) }

// L is the process-wide logger. Every hindsight package logs through it rather
// than taking a *Logger dependency, matching how ChronoGo's own packages log
// through shared package-level state instead of threading a logger value
// through every constructor.
var L = New(os.Stderr, Info)

// SetOutput redirects L to a new sink. The CLI does not call it; its --log
// flag selects a text-trace file sink instead.
func SetOutput(w io.Writer) {
	replacement := New(w, L.min)
	L.mu.Lock()
	defer L.mu.Unlock()
	L.out = replacement.out
	L.color = replacement.color
}
