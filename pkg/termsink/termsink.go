// Package termsink provides the sink abstraction spec.md §9 calls for in
// place of the source's overloaded stream operators: write_text, set_style,
// reset_style against an opaque destination, with concrete sinks for a
// color-capable terminal, a plain terminal, and a UTF-16 file — grounded on
// _examples/original_source/hindsight/PrintingDebuggerEventHandler.{hpp,cpp}
// and WriterDebuggerEventHandler.{hpp,cpp}.
package termsink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"unicode/utf16"

	"github.com/mattn/go-isatty"
)

// Style is a named ANSI color, applied via SetStyle.
type Style int

const (
	StyleNone Style = iota
	StyleGray
	StyleRed
	StyleYellow
	StyleGreen
	StyleCyan
)

var ansiCodes = map[Style]string{
	StyleGray:   "\x1b[90m",
	StyleRed:    "\x1b[31m",
	StyleYellow: "\x1b[33m",
	StyleGreen:  "\x1b[32m",
	StyleCyan:   "\x1b[36m",
}

const ansiReset = "\x1b[0m"

// Sink is the abstraction TextEmitter (pkg/textemit) writes through.
type Sink interface {
	WriteText(s string)
	SetStyle(Style)
	ResetStyle()
	Flush() error
}

// terminalSink writes UTF-8 text to a terminal, honoring color when enabled.
type terminalSink struct {
	w     *bufio.Writer
	color bool
}

// NewTerminal builds a Sink for w, auto-detecting color via go-isatty when w
// is an *os.File and bland is false.
func NewTerminal(w io.Writer, bland bool) Sink {
	color := false
	if !bland {
		if f, ok := w.(*os.File); ok {
			color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &terminalSink{w: bufio.NewWriter(w), color: color}
}

func (t *terminalSink) WriteText(s string) { fmt.Fprint(t.w, s) }

func (t *terminalSink) SetStyle(s Style) {
	if !t.color {
		return
	}
	if code, ok := ansiCodes[s]; ok {
		fmt.Fprint(t.w, code)
	}
}

func (t *terminalSink) ResetStyle() {
	if t.color {
		fmt.Fprint(t.w, ansiReset)
	}
}

func (t *terminalSink) Flush() error { return t.w.Flush() }

// utf16FileSink writes a UTF-16LE file with a leading byte-order mark,
// matching the original's std::wofstream-on-Windows behavior for --log
// file output. Style directives are no-ops: a log file carries no color.
type utf16FileSink struct {
	w   *bufio.Writer
	f   *os.File
	bom bool
}

// NewUTF16File opens path for writing and returns a Sink that encodes every
// WriteText call as UTF-16LE.
func NewUTF16File(path string) (Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &utf16FileSink{w: bufio.NewWriter(f), f: f}, nil
}

func (u *utf16FileSink) WriteText(s string) {
	if !u.bom {
		u.w.Write([]byte{0xFF, 0xFE})
		u.bom = true
	}
	for _, unit := range utf16.Encode([]rune(s)) {
		u.w.WriteByte(byte(unit))
		u.w.WriteByte(byte(unit >> 8))
	}
}

func (u *utf16FileSink) SetStyle(Style) {}
func (u *utf16FileSink) ResetStyle()    {}

func (u *utf16FileSink) Flush() error {
	if err := u.w.Flush(); err != nil {
		return err
	}
	return u.f.Close()
}
