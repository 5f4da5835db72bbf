// Package cliutil holds small, domain-agnostic CLI helpers shared by
// cmd/catalyst's subcommands: TTY/color detection and output formatting.
package cliutil

import (
	"os"

	"golang.org/x/term"
)

// IsTTY reports whether stdout should use terminal formatting: no
// NO_COLOR, a non-dumb TERM, and stdout actually attached to a terminal.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}

	return term.IsTerminal(int(os.Stdout.Fd()))
}
