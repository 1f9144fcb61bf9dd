package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// -----------------------------------------------------------------------------
// Job Event Methods
// -----------------------------------------------------------------------------

// AppendJobEvent assigns the next id of the job's sequence, stores the event,
// trims rows beyond retention and notifies listeners, all in one transaction.
func (db *DB) AppendJobEvent(ctx context.Context, jobID, kind string, fields map[string]string, retention int) (*JobEvent, error) {
	var fieldsJSON []byte
	if len(fields) > 0 {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event fields: %w", err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	evt := JobEvent{JobID: jobID, Kind: kind, Fields: fields}
	err = tx.QueryRow(ctx,
		`INSERT INTO job_event_seq (job_id, last_id) VALUES ($1, 1)
		 ON CONFLICT (job_id) DO UPDATE SET last_id = job_event_seq.last_id + 1
		 RETURNING last_id`,
		jobID,
	).Scan(&evt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event id: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO job_events (job_id, id, kind, fields)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		jobID, evt.ID, kind, fieldsJSON,
	).Scan(&evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if retention > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM job_events WHERE job_id = $1 AND id <= $2`,
			jobID, evt.ID-int64(retention),
		); err != nil {
			return nil, fmt.Errorf("failed to trim events: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, JobEventsChannel, jobID); err != nil {
		return nil, fmt.Errorf("failed to notify listeners: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return &evt, nil
}

// ListJobEventsAfter returns the events of a job with an id greater than cursor, oldest first
func (db *DB) ListJobEventsAfter(ctx context.Context, jobID string, cursor int64) ([]JobEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT job_id, id, kind, fields, created_at
		 FROM job_events
		 WHERE job_id = $1 AND id > $2
		 ORDER BY id`,
		jobID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	var evts []JobEvent
	for rows.Next() {
		var evt JobEvent
		var fieldsJSON []byte
		if err := rows.Scan(&evt.JobID, &evt.ID, &evt.Kind, &fieldsJSON, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if fieldsJSON != nil {
			_ = json.Unmarshal(fieldsJSON, &evt.Fields)
		}
		evts = append(evts, evt)
	}
	return evts, rows.Err()
}

// LastJobEventID returns the newest id allocated for a job, or 0 if none
func (db *DB) LastJobEventID(ctx context.Context, jobID string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`SELECT last_id FROM job_event_seq WHERE job_id = $1`,
		jobID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get last event id: %w", err)
	}
	return id, nil
}

// DeleteJobEvents removes all stored events of a job. The id sequence is kept.
func (db *DB) DeleteJobEvents(ctx context.Context, jobID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM job_events WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job events: %w", err)
	}
	_, err = db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, JobEventsChannel, jobID)
	if err != nil {
		return fmt.Errorf("failed to notify listeners: %w", err)
	}
	return nil
}

// Listener receives append notifications on a dedicated connection.
type Listener struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

// Listen returns a listener for the job events channel.
func (db *DB) Listen(ctx context.Context) (*Listener, error) {
	l := &Listener{pool: db.pool}
	if err := l.connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) connect(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+JobEventsChannel); err != nil {
		conn.Release()
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.conn = conn
	return nil
}

// Wait blocks until a notification arrives or timeout elapses. It returns the
// notified job id, or "" on timeout. Callers must re-read the log after every
// return since notifications only signal that something may have changed.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	if l.conn == nil {
		if err := l.connect(ctx); err != nil {
			return "", err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		// An interrupted wait leaves the connection unusable.
		l.conn.Release()
		l.conn = nil
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to wait for notification: %w", err)
	}
	return n.Payload, nil
}

// Close releases the listener connection.
func (l *Listener) Close() {
	if l.conn != nil {
		_, _ = l.conn.Exec(context.Background(), "UNLISTEN *")
		l.conn.Release()
		l.conn = nil
	}
}
