package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/records"
	"github.com/jonathan/codee/internal/schemas"
)

// MaxSnapshotBytes caps the argument and result snapshots stored on events.
const MaxSnapshotBytes = 2 * 1024

// Tool call phases recorded on status events.
const (
	PhaseSuccess = "success"
	PhaseFailed  = "failed"
)

// Invoker runs tools for the reasoning engine and records every call on
// the job's event log.
type Invoker struct {
	set     *Toolset
	emitter *events.Emitter
}

// NewInvoker binds a toolset to an emitter.
func NewInvoker(set *Toolset, emitter *events.Emitter) *Invoker {
	return &Invoker{set: set, emitter: emitter}
}

// Invoke validates args, runs the named tool and appends one status event.
// Failures never escape as errors; the engine receives "error: ..." text.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	snapshot := argumentSnapshot(args)

	result, err := inv.call(ctx, name, args)
	phase := PhaseSuccess
	if err != nil {
		phase = PhaseFailed
		result = "error: " + err.Error()
	}

	inv.emitter.Emit(ctx, events.KindStatus, map[string]string{
		events.FieldPhase:     phase,
		events.FieldStep:      records.ToolStepPrefix + name,
		events.FieldArguments: snapshot,
		events.FieldDetail:    truncate(result, MaxSnapshotBytes),
	})
	return result
}

func (inv *Invoker) call(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := inv.set.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %s", name)
	}
	if len(tool.Schema) > 0 {
		if err := schemas.ValidateValue(tool.Schema, args); err != nil {
			return "", err
		}
	}
	return tool.Call(ctx, args)
}

func argumentSnapshot(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return truncate(string(data), MaxSnapshotBytes)
}

// Declarations describes the toolset to the reasoning engine.
func (s *Toolset) Declarations() []llm.ToolDecl {
	decls := make([]llm.ToolDecl, 0, len(s.Tools))
	for _, t := range s.Tools {
		decls = append(decls, llm.ToolDecl{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return decls
}
