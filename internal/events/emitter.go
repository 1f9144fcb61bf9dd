package events

import (
	"context"
	"log"
)

// Emitter appends events for a single job. Append failures are logged and
// swallowed so that a broken log never fails the job that writes to it.
type Emitter struct {
	log   Log
	jobID string
}

// NewEmitter creates an emitter bound to jobID.
func NewEmitter(l Log, jobID string) *Emitter {
	return &Emitter{log: l, jobID: jobID}
}

// JobID returns the job the emitter writes to.
func (e *Emitter) JobID() string {
	return e.jobID
}

// Status appends a status event.
func (e *Emitter) Status(ctx context.Context, phase, step, detail string) {
	fields := map[string]string{FieldPhase: phase}
	if step != "" {
		fields[FieldStep] = step
	}
	if detail != "" {
		fields[FieldDetail] = detail
	}
	e.Emit(ctx, KindStatus, fields)
}

// Error appends an error event. The message is carried in the detail field.
func (e *Emitter) Error(ctx context.Context, code, message string) {
	e.Emit(ctx, KindError, map[string]string{
		FieldCode:   code,
		FieldDetail: message,
	})
}

// Done appends the terminal done event.
func (e *Emitter) Done(ctx context.Context, reason string) {
	e.Emit(ctx, KindDone, map[string]string{FieldReason: reason})
}

// Emit appends an event with arbitrary fields.
func (e *Emitter) Emit(ctx context.Context, kind Kind, fields map[string]string) {
	if _, err := e.log.Append(ctx, e.jobID, kind, fields); err != nil {
		log.Printf("[events] failed to append %s event for job %s: %v", kind, e.jobID, err)
	}
}
