package records

import (
	"strings"

	"github.com/jonathan/codee/internal/events"
)

// ToolStepPrefix marks status events written by the tool invoker.
const ToolStepPrefix = "tool_"

// ToolCall is one entry of the tool-call history of a run.
type ToolCall struct {
	TimestampMs int64  `json:"timestamp_ms"`
	ToolName    string `json:"tool_name"`
	Arguments   string `json:"arguments,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Status      string `json:"status"`
}

// CollectToolCalls derives tool-call records from the status events of a
// run, in log order.
func CollectToolCalls(evts []events.Event) []ToolCall {
	var calls []ToolCall
	for _, e := range evts {
		if e.Kind != events.KindStatus {
			continue
		}
		step := e.Field(events.FieldStep)
		if !strings.HasPrefix(step, ToolStepPrefix) {
			continue
		}
		calls = append(calls, ToolCall{
			TimestampMs: e.TimestampMillis(),
			ToolName:    strings.TrimPrefix(step, ToolStepPrefix),
			Arguments:   e.Field(events.FieldArguments),
			Detail:      e.Field(events.FieldDetail),
			Status:      e.Field(events.FieldPhase),
		})
	}
	return calls
}
