// Package tui formats command output for a terminal.
package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// HasTTY is true when stdout is a terminal.
var HasTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
