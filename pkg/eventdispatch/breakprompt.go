package eventdispatch

import (
	"bufio"
	"io"
)

// BreakPrompter is the single-character "continue|abort" prompt spec.md
// §4.6 requires after a breakpoint/exception fan-out when the matching
// user-visible break flag is set. Grounded on Debugger::HandleBreakpointOptions,
// which loops reading one character from stdin until it sees 'c' or 'a'.
type BreakPrompter interface {
	// Prompt blocks for one choice; abort is true iff the user chose 'a'.
	Prompt() (abort bool, err error)
}

// StdinPrompt reads the break prompt from an arbitrary reader, normally
// os.Stdin.
type StdinPrompt struct {
	r *bufio.Reader
}

func NewStdinPrompt(r io.Reader) *StdinPrompt {
	return &StdinPrompt{r: bufio.NewReader(r)}
}

var _ BreakPrompter = &StdinPrompt{}

func (p *StdinPrompt) Prompt() (bool, error) {
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return false, err
		}
		switch b {
		case 'c', 'C':
			return false, nil
		case 'a', 'A':
			return true, nil
		}
	}
}
