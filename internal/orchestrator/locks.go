package orchestrator

import "sync"

// agentLocks hands out one mutex per agent ID so status updates, placement,
// and release for the same agent serialize against each other without a
// global lock. Entries are never reaped; fleet sizes are bounded in the
// hundreds, not millions.
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAgentLocks() *agentLocks {
	return &agentLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *agentLocks) get(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agentID] = m
	}
	return m
}
