package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

// StatusLine prints transient progress messages on a single line, but only
// when stdout is a terminal; piped output stays free of control sequences.
type StatusLine struct {
	enabled bool
	active  bool
}

func NewStatusLine() *StatusLine {
	return &StatusLine{enabled: term.IsTerminal(int(os.Stdout.Fd()))}
}

// Update replaces the current status message.
func (s *StatusLine) Update(format string, args ...any) {
	if !s.enabled {
		return
	}
	fmt.Printf(clearLineSequence+format, args...)
	s.active = true
}

// Done clears the status line so regular output starts on a fresh line.
func (s *StatusLine) Done() {
	if s.enabled && s.active {
		fmt.Print(clearLineSequence)
		s.active = false
	}
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
)

func printOK(format string, args ...any) {
	_, _ = okColor.Printf(format+"\n", args...)
}

func printWarn(format string, args ...any) {
	_, _ = warnColor.Printf(format+"\n", args...)
}
