// Package events provides the per-job append-only event log that carries
// progress, error and completion events from a running job to its readers.
package events

import (
	"context"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	// KindStatus reports progress of a job.
	KindStatus Kind = "status"
	// KindError reports a terminal failure of a job.
	KindError Kind = "error"
	// KindDone is always the last event of a run.
	KindDone Kind = "done"
)

// Well-known field names.
const (
	FieldPhase     = "phase"
	FieldStep      = "step"
	FieldDetail    = "detail"
	FieldCode      = "code"
	FieldReason    = "reason"
	FieldArguments = "arguments"
)

// Done reasons.
const (
	ReasonSuccess = "success"
	ReasonError   = "error"
)

// DefaultRetention is the number of events kept per job.
const DefaultRetention = 5000

// Event is a single entry of a job's event log.
type Event struct {
	ID        int64             `json:"id"`
	JobID     string            `json:"job_id"`
	Kind      Kind              `json:"event"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Field returns the value of a field or the empty string.
func (e Event) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// TimestampMillis returns the event time in Unix milliseconds.
func (e Event) TimestampMillis() int64 {
	return e.Timestamp.UnixMilli()
}

// Payload flattens the event into the envelope written to stream readers.
func (e Event) Payload() map[string]any {
	payload := map[string]any{
		"id":        e.ID,
		"timestamp": e.TimestampMillis(),
		"event":     string(e.Kind),
	}
	for k, v := range e.Fields {
		payload[k] = v
	}
	return payload
}

// Log is a per-job append-only event log.
//
// IDs are monotonic per job and are never reused, including across Reset.
// Subscribe yields every retained event with an ID greater than the cursor,
// then waits for new events. The returned channel is closed after a done
// event has been delivered or when ctx is cancelled.
type Log interface {
	Append(ctx context.Context, jobID string, kind Kind, fields map[string]string) (int64, error)
	Subscribe(ctx context.Context, jobID string, cursor int64) (<-chan Event, error)
	Range(ctx context.Context, jobID string, cursor int64) ([]Event, error)
	LastID(ctx context.Context, jobID string) (int64, error)
	Reset(ctx context.Context, jobID string) error
}

func copyFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
