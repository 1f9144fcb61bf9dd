// Package tools resolves tool slugs into callable tools for a job and wraps
// every invocation with event accounting.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/codee/internal/sandbox"
)

// Tool is a single callable capability exposed to the reasoning engine.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the arguments object.
	Schema json.RawMessage
	Call   func(ctx context.Context, args map[string]any) (string, error)
}

// Executor runs shell commands inside a job's sandbox.
type Executor interface {
	Exec(ctx context.Context, h *sandbox.Handle, command string, timeout time.Duration) (string, error)
}

// FileWriter writes and stages files in a job's workspace.
type FileWriter interface {
	WriteFile(ctx context.Context, jobID, relPath string, content []byte) error
}

// KeyStore returns integration API keys connected by the job's owner.
type KeyStore interface {
	FetchIntegrationKey(ctx context.Context, jobID, provider string) (string, error)
}

// Env is what a factory needs to build tools for one job.
type Env struct {
	JobID   string
	Sandbox *sandbox.Handle
	Exec    Executor
	Files   FileWriter
	Keys    KeyStore
	Timeout time.Duration
}

// Factory builds the tools of a descriptor for a job.
type Factory func(ctx context.Context, env *Env) ([]Tool, error)

// Descriptor is a registered, slug-addressable tool bundle.
type Descriptor struct {
	Slug   string
	Prompt string
	// Credentialed bundles need a per-job integration key; their tools are
	// cached per job.
	Credentialed bool
	Factory      Factory
}

// UnknownToolSlugError is returned when a requested slug is not registered.
type UnknownToolSlugError struct {
	Slug string
}

func (e *UnknownToolSlugError) Error() string {
	return fmt.Sprintf("unknown tool slug: %s", e.Slug)
}

// ToolCredentialMissingError is returned when a credentialed bundle has no
// integration key for the job.
type ToolCredentialMissingError struct {
	Slug     string
	Provider string
	JobID    string
}

func (e *ToolCredentialMissingError) Error() string {
	return fmt.Sprintf("tool %s requires a %s integration key for job %s", e.Slug, e.Provider, e.JobID)
}

func (env *Env) exec(ctx context.Context, command string) (string, error) {
	if env.Exec == nil || env.Sandbox == nil {
		return "", fmt.Errorf("no sandbox mounted")
	}
	out, err := env.Exec.Exec(ctx, env.Sandbox, command, env.Timeout)
	var cmdErr *sandbox.CommandError
	if errors.As(err, &cmdErr) && strings.TrimSpace(cmdErr.Output) != "" {
		return out, fmt.Errorf("%w: %s", err, truncate(strings.TrimSpace(cmdErr.Output), 1024))
	}
	return out, err
}
