package server

import (
	"sync"

	"github.com/jonathan/codee/internal/providers"
)

// agentRegistry remembers which provider runs each job submitted through
// this server.
type agentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*providers.Agent
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{agents: make(map[string]*providers.Agent)}
}

func (r *agentRegistry) put(a *providers.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.JobID] = a
}

// get returns a copy of the job's agent.
func (r *agentRegistry) get(jobID string) (providers.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[jobID]
	if !ok {
		return providers.Agent{}, false
	}
	return *a, true
}

// update applies fn to the stored agent under the lock.
func (r *agentRegistry) update(jobID string, fn func(*providers.Agent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[jobID]; ok {
		fn(a)
	}
}
