package pipeline

import "sync"

// MutexMap hands out one mutex per key.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

// NewMutexMap creates an empty map.
func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

// Lock blocks until key is free.
func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

// Unlock releases key.
func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
