package db

import "time"

// JobEventsChannel is the NOTIFY channel signalled on every append.
// The payload is the job id.
const JobEventsChannel = "job_events"

// JobEvent represents a row of the job_events table
type JobEvent struct {
	JobID     string            `json:"job_id"`
	ID        int64             `json:"id"`
	Kind      string            `json:"kind"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
