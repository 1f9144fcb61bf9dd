package llm

import (
	"context"
	"fmt"
)

// ScriptedCall is one tool call of a ScriptedEngine run.
type ScriptedCall struct {
	Tool string
	Args map[string]any
}

// ScriptedEngine replays a fixed list of tool calls and then returns Final.
// It stands in for a model in tests and dry runs.
type ScriptedEngine struct {
	Calls []ScriptedCall
	Final string
	// Err, when set, is returned after the calls have been made.
	Err error
	// Results collects the tool results of the last run.
	Results []string
}

// Run implements Engine.
func (e *ScriptedEngine) Run(ctx context.Context, s Session) (*Transcript, error) {
	if s.Invoke == nil && len(e.Calls) > 0 {
		return nil, fmt.Errorf("session has no invoker")
	}
	e.Results = e.Results[:0]
	tr := &Transcript{}
	for _, c := range e.Calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.Results = append(e.Results, s.Invoke(ctx, c.Tool, c.Args))
		tr.ToolCalls++
		tr.Steps++
	}
	if e.Err != nil {
		return nil, e.Err
	}
	tr.Steps++
	tr.FinalMessage = e.Final
	return tr, nil
}
