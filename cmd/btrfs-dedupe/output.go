package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/wellbehavedsoftware/btrfs-dedupe/cmd"
	"github.com/wellbehavedsoftware/btrfs-dedupe/pkg/status"
)

// consoleReporter renders pipeline progress on the console. Transient status
// lines are drawn only when standard error is a terminal; permanent messages
// are always printed.
type consoleReporter struct {
	// printer renders the transient status line.
	printer *cmd.StatusLinePrinter
	// terminal indicates whether or not standard error is a terminal.
	terminal bool
}

// newConsoleReporter creates a reporter bound to standard error.
func newConsoleReporter() *consoleReporter {
	return &consoleReporter{
		printer:  &cmd.StatusLinePrinter{UseStandardError: true},
		terminal: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// Status implements status.Reporter.Status.
func (r *consoleReporter) Status(message string) {
	if r.terminal {
		r.printer.Print(message)
	}
}

// Message implements status.Reporter.Message.
func (r *consoleReporter) Message(message string) {
	if r.terminal {
		r.printer.Clear()
	}
	fmt.Fprintln(os.Stderr, message)
}

// ClearStatus implements status.Reporter.ClearStatus.
func (r *consoleReporter) ClearStatus() {
	if r.terminal {
		r.printer.Clear()
	}
}

// consoleReporter implements status.Reporter.
var _ status.Reporter = &consoleReporter{}
