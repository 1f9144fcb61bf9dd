package pipeline

import (
	"fmt"
	"log"
	"sync"
)

// State is a step of the job state machine.
type State string

// Job states.
const (
	StateInit               State = "INIT"
	StatePreparingWorkspace State = "PREPARING_WORKSPACE"
	StateMountingSandbox    State = "MOUNTING_SANDBOX"
	StateRunningSession     State = "RUNNING_SESSION"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
)

// transitions lists the states reachable from each state. Terminal states
// have no entry.
var transitions = map[State][]State{
	StateInit:               {StatePreparingWorkspace, StateFailed},
	StatePreparingWorkspace: {StateMountingSandbox, StateFailed},
	StateMountingSandbox:    {StateRunningSession, StateFailed},
	StateRunningSession:     {StateCompleted, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// tracker records the current state of every job this process has run.
type tracker struct {
	mu     sync.RWMutex
	states map[string]State
}

func newTracker() *tracker {
	return &tracker{states: make(map[string]State)}
}

// start resets jobID to INIT for a new run.
func (t *tracker) start(jobID string) {
	t.mu.Lock()
	t.states[jobID] = StateInit
	t.mu.Unlock()
}

func (t *tracker) transition(jobID string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.states[jobID]
	if !CanTransition(from, to) {
		err := &TransitionError{JobID: jobID, From: from, To: to}
		log.Printf("[pipeline] %v", err)
		return err
	}
	t.states[jobID] = to
	return nil
}

func (t *tracker) get(jobID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[jobID]
	return s, ok
}
