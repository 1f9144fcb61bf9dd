package workspace

import (
	"errors"
	"fmt"
)

// Error kinds reported by the repository. Use errors.Is to match them.
var (
	ErrRepositoryNotFound      = errors.New("repository not found or inaccessible")
	ErrBranchCreationFailed    = errors.New("branch creation failed")
	ErrWorkspaceNotInitialized = errors.New("workspace not initialized")
	ErrTokenUnavailable        = errors.New("push credential unavailable")
	ErrPushRejected            = errors.New("push rejected")
	ErrPathOutsideWorkspace    = errors.New("path escapes workspace")
)

// Error describes a failed workspace operation.
type Error struct {
	Op    string
	JobID string
	Kind  error
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workspace %s for job %s: %v: %v", e.Op, e.JobID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("workspace %s for job %s: %v", e.Op, e.JobID, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}
