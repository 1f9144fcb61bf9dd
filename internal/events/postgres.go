package events

import (
	"context"
	"log"
	"time"

	"github.com/jonathan/codee/internal/db"
)

// DefaultPollInterval bounds how long a subscriber blocks server-side
// between checks of the log.
const DefaultPollInterval = 30 * time.Second

// PostgresLog is a durable Log backed by the job_events table. Appends
// NOTIFY listeners so that subscribers wake immediately; the poll interval
// only matters when a notification is lost.
type PostgresLog struct {
	db           *db.DB
	retention    int
	pollInterval time.Duration
}

// NewPostgresLog creates a Log on top of database.
func NewPostgresLog(database *db.DB, retention int, pollInterval time.Duration) *PostgresLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PostgresLog{db: database, retention: retention, pollInterval: pollInterval}
}

// Append stores an event.
func (l *PostgresLog) Append(ctx context.Context, jobID string, kind Kind, fields map[string]string) (int64, error) {
	row, err := l.db.AppendJobEvent(ctx, jobID, string(kind), fields, l.retention)
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

// Range returns retained events after cursor.
func (l *PostgresLog) Range(ctx context.Context, jobID string, cursor int64) ([]Event, error) {
	rows, err := l.db.ListJobEventsAfter(ctx, jobID, cursor)
	if err != nil {
		return nil, err
	}
	evts := make([]Event, 0, len(rows))
	for _, row := range rows {
		evts = append(evts, fromRow(row))
	}
	return evts, nil
}

// LastID returns the newest allocated id.
func (l *PostgresLog) LastID(ctx context.Context, jobID string) (int64, error) {
	return l.db.LastJobEventID(ctx, jobID)
}

// Reset deletes the job's retained events.
func (l *PostgresLog) Reset(ctx context.Context, jobID string) error {
	return l.db.DeleteJobEvents(ctx, jobID)
}

// Subscribe streams events after cursor until done or ctx is cancelled.
func (l *PostgresLog) Subscribe(ctx context.Context, jobID string, cursor int64) (<-chan Event, error) {
	// Listen before the first read so no append can slip between them.
	listener, err := l.db.Listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			batch, err := l.Range(ctx, jobID, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[events] failed to read events for job %s: %v", jobID, err)
			}
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

			if err := l.waitFor(ctx, listener, jobID); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[events] listener error for job %s: %v", jobID, err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// waitFor returns when jobID was notified or the poll interval elapsed.
func (l *PostgresLog) waitFor(ctx context.Context, listener *db.Listener, jobID string) error {
	deadline := time.Now().Add(l.pollInterval)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		notified, err := listener.Wait(ctx, remaining)
		if err != nil {
			return err
		}
		if notified == "" || notified == jobID {
			return nil
		}
	}
}

func fromRow(row db.JobEvent) Event {
	return Event{
		ID:        row.ID,
		JobID:     row.JobID,
		Kind:      Kind(row.Kind),
		Fields:    row.Fields,
		Timestamp: row.CreatedAt.UTC(),
	}
}
