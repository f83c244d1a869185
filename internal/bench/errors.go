package bench

import (
	"fmt"
	"strings"
)

// CommandError reports a bench or shell command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, msg)
}
