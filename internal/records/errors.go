package records

import "fmt"

// DeliveryError reports a failed call to the record store. Callers treat it
// as non-fatal: the job outcome does not depend on delivery.
type DeliveryError struct {
	Op         string
	JobID      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("record store %s for job %s", e.Op, e.JobID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
