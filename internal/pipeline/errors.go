package pipeline

import (
	"errors"
	"fmt"

	"github.com/jonathan/codee/internal/workspace"
)

// Error codes carried by error events.
const (
	CodeWorkspaceNotFound       = "workspace_not_found"
	CodeBranchCreationFailed    = "branch_creation_failed"
	CodeWorkspaceNotInitialized = "workspace_not_initialized"
	CodeDockerMountFailed       = "docker_mount_failed"
	CodePipelineFailure         = "pipeline_failure"
)

// SetupError is a terminal failure before the session starts.
type SetupError struct {
	JobID string
	Code  string
	Cause error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("job %s setup failed (%s): %v", e.JobID, e.Code, e.Cause)
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}

// SessionError is a terminal failure while running the session.
type SessionError struct {
	JobID string
	Cause error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("job %s session failed: %v", e.JobID, e.Cause)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// errorCode maps a terminal error to its event code.
func errorCode(err error) string {
	var setup *SetupError
	if errors.As(err, &setup) {
		return setup.Code
	}
	return CodePipelineFailure
}

// workspaceCode classifies a workspace failure. fallback is used when the
// error carries no known kind.
func workspaceCode(err error, fallback string) string {
	switch {
	case errors.Is(err, workspace.ErrBranchCreationFailed):
		return CodeBranchCreationFailed
	case errors.Is(err, workspace.ErrWorkspaceNotInitialized):
		return CodeWorkspaceNotInitialized
	case errors.Is(err, workspace.ErrRepositoryNotFound):
		return CodeWorkspaceNotFound
	default:
		return fallback
	}
}
