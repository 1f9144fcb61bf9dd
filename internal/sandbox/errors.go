package sandbox

import (
	"errors"
	"fmt"
)

// ErrCommandTimeout is returned when a command exceeds its time limit.
var ErrCommandTimeout = errors.New("command timed out")

// MountError represents a failure to create the environment for a job.
type MountError struct {
	JobID   string
	Message string
	Cause   error
}

func (e *MountError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox mount error for job %s: %s: %v", e.JobID, e.Message, e.Cause)
	}
	return fmt.Sprintf("sandbox mount error for job %s: %s", e.JobID, e.Message)
}

func (e *MountError) Unwrap() error {
	return e.Cause
}

// CommandError is returned when a command exits with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}
