// Package pipeline runs agent jobs: it prepares the job's workspace, mounts
// a sandbox, drives the reasoning session and reports the outcome.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/jonathan/codee/internal/llm"
)

// Kind distinguishes first runs from follow-ups on an existing workspace.
type Kind string

const (
	// KindNew clones the repository and creates the job branch.
	KindNew Kind = "new"
	// KindFollowup reuses the workspace and branch of an earlier run.
	KindFollowup Kind = "followup"
)

// Job is one request to run the agent.
type Job struct {
	ID           string
	Kind         Kind
	RepoFullName string
	Prompt       string
	PriorTurns   []llm.Turn
	ToolSlugs    []string
}

// InvalidJobError is returned when a job is rejected before it runs.
type InvalidJobError struct {
	Message string
}

func (e *InvalidJobError) Error() string {
	return e.Message
}

// Validate checks the fields required for the job's kind.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return &InvalidJobError{"job id is required"}
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return &InvalidJobError{"prompt is required"}
	}
	switch j.Kind {
	case KindNew:
		if strings.TrimSpace(j.RepoFullName) == "" {
			return &InvalidJobError{"repository is required for new jobs"}
		}
	case KindFollowup:
	default:
		return &InvalidJobError{fmt.Sprintf("unknown job kind %q", j.Kind)}
	}
	return nil
}

// commitMessage builds the commit message for the job's changes.
func commitMessage(prompt string) string {
	const limit = 50
	p := strings.Join(strings.Fields(prompt), " ")
	r := []rune(p)
	if len(r) > limit {
		return "Codee: " + string(r[:limit]) + "..."
	}
	return "Codee: " + p
}
