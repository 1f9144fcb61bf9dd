package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMaxSteps is returned when a session does not finish within the step
// budget.
var ErrMaxSteps = errors.New("session exceeded maximum steps")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of an earlier conversation on the same job.
type Turn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// ToolDecl describes a callable tool to the engine.
type ToolDecl struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the arguments object.
	Schema json.RawMessage
}

// InvokeFunc runs a tool and returns its textual result. It never fails;
// errors come back as text.
type InvokeFunc func(ctx context.Context, name string, args map[string]any) string

// Session is everything the engine needs for one run.
type Session struct {
	JobID        string
	Prompt       string
	PriorTurns   []Turn
	SystemPrompt string
	Tools        []ToolDecl
	Invoke       InvokeFunc
}

// Transcript summarizes a finished session.
type Transcript struct {
	FinalMessage string
	Steps        int
	ToolCalls    int
}

// Engine runs a tool-calling session to completion.
type Engine interface {
	Run(ctx context.Context, s Session) (*Transcript, error)
}
