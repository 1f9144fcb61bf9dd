package events

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrLogUnavailable is returned by FailingLog while it is failing.
var ErrLogUnavailable = errors.New("event log unavailable")

// FailingLog wraps a Log and fails appends on demand. It is used to exercise
// best-effort delivery.
type FailingLog struct {
	Log
	failing atomic.Bool
	dropped atomic.Int64
}

// NewFailingLog wraps inner.
func NewFailingLog(inner Log) *FailingLog {
	return &FailingLog{Log: inner}
}

// SetFailing toggles append failures.
func (f *FailingLog) SetFailing(failing bool) {
	f.failing.Store(failing)
}

// Dropped returns how many appends were rejected.
func (f *FailingLog) Dropped() int64 {
	return f.dropped.Load()
}

// Append forwards to the wrapped log unless failing.
func (f *FailingLog) Append(ctx context.Context, jobID string, kind Kind, fields map[string]string) (int64, error) {
	if f.failing.Load() {
		f.dropped.Add(1)
		return 0, ErrLogUnavailable
	}
	return f.Log.Append(ctx, jobID, kind, fields)
}
