package events

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. It is safe for concurrent use.
type MemoryLog struct {
	mu        sync.Mutex
	retention int
	now       func() time.Time
	jobs      map[string]*memoryJob
}

type memoryJob struct {
	seq    int64
	events []Event
	// wake is closed and replaced on every append or reset.
	wake chan struct{}
}

// NewMemoryLog creates an in-memory log keeping at most retention events per job.
func NewMemoryLog(retention int) *MemoryLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryLog{
		retention: retention,
		now:       time.Now,
		jobs:      make(map[string]*memoryJob),
	}
}

func (l *MemoryLog) job(jobID string) *memoryJob {
	j, ok := l.jobs[jobID]
	if !ok {
		j = &memoryJob{wake: make(chan struct{})}
		l.jobs[jobID] = j
	}
	return j
}

func (j *memoryJob) notify() {
	close(j.wake)
	j.wake = make(chan struct{})
}

// Append adds an event and returns its ID.
func (l *MemoryLog) Append(ctx context.Context, jobID string, kind Kind, fields map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	j := l.job(jobID)
	j.seq++
	j.events = append(j.events, Event{
		ID:        j.seq,
		JobID:     jobID,
		Kind:      kind,
		Fields:    copyFields(fields),
		Timestamp: l.now().UTC(),
	})
	if over := len(j.events) - l.retention; over > 0 {
		j.events = append([]Event(nil), j.events[over:]...)
	}
	j.notify()
	return j.seq, nil
}

// Range returns the retained events with an ID greater than cursor.
func (l *MemoryLog) Range(_ context.Context, jobID string, cursor int64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evts, _ := l.after(jobID, cursor)
	return evts, nil
}

// after must be called with l.mu held.
func (l *MemoryLog) after(jobID string, cursor int64) ([]Event, <-chan struct{}) {
	j := l.job(jobID)
	var out []Event
	for _, e := range j.events {
		if e.ID > cursor {
			out = append(out, e)
		}
	}
	return out, j.wake
}

// LastID returns the ID of the newest event ever appended for the job.
func (l *MemoryLog) LastID(_ context.Context, jobID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.job(jobID).seq, nil
}

// Reset drops every retained event of the job. The ID sequence continues.
func (l *MemoryLog) Reset(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	j := l.job(jobID)
	j.events = nil
	j.notify()
	return nil
}

// Subscribe streams events after cursor until a done event or ctx is cancelled.
func (l *MemoryLog) Subscribe(ctx context.Context, jobID string, cursor int64) (<-chan Event, error) {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			l.mu.Lock()
			batch, wake := l.after(jobID, cursor)
			l.mu.Unlock()

			for _, e := range batch {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				cursor = e.ID
				if e.Kind == KindDone {
					return
				}
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
