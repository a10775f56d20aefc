package depgraph

import (
	"slices"
	"sync"

	"github.com/mvallis/fleetgate/internal/status"
)

// StatusFunc resolves the current status of an agent. The tracker does not
// observe statuses itself; the caller owns that state.
type StatusFunc func(agentID string) status.Status

// Tracker records, per agent, the set of agent IDs it depends on, and answers
// whether the dependency gate for an agent is open. No reverse index is kept;
// dependent lookups are a linear scan, which is fine at fleet sizes in the
// hundreds.
type Tracker struct {
	mu   sync.RWMutex
	deps map[string][]string
}

func New() *Tracker {
	return &Tracker{deps: make(map[string][]string)}
}

// Register stores the dependency set for agentID, replacing any prior set.
// An empty or nil set is equivalent to having no record at all.
func (t *Tracker) Register(agentID string, depIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(depIDs) == 0 {
		delete(t.deps, agentID)
		return
	}
	t.deps[agentID] = slices.Clone(depIDs)
}

// Dependencies returns the registered dependency set, empty if unregistered.
func (t *Tracker) Dependencies(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.deps[agentID])
}

// All returns a copy of the full agent → dependencies mapping.
func (t *Tracker) All() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string, len(t.deps))
	for id, d := range t.deps {
		out[id] = slices.Clone(d)
	}
	return out
}

// DependentsOf returns every agent that lists agentID as a direct dependency.
func (t *Tracker) DependentsOf(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, d := range t.deps {
		if slices.Contains(d, agentID) {
			out = append(out, id)
		}
	}
	return out
}

// Remove drops the dependency record for agentID. Called when the gateway
// releases its bookkeeping for a finished agent.
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deps, agentID)
}

// Satisfied reports whether every dependency of agentID is satisfied.
//
// A dependency is satisfied when its status is terminal success; terminal
// failure blocks its dependents permanently. A dependency with its own
// registered set is re-derived recursively even when its status has not been
// observed as terminal: status propagation and registration can race, and
// the recursive fallback keeps an agent from being stuck forever on a
// completion event that has not yet been recorded locally. A leaf dependency
// with no set of its own passes only while unobserved; once the gateway sees
// it in flight, it blocks until terminal. A visited set guards the recursion,
// so a cycle resolves to "not satisfied" instead of hanging.
func (t *Tracker) Satisfied(agentID string, statusOf StatusFunc) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	visited := map[string]bool{agentID: true}
	return t.satisfied(agentID, statusOf, visited)
}

func (t *Tracker) satisfied(agentID string, statusOf StatusFunc, visited map[string]bool) bool {
	for _, dep := range t.deps[agentID] {
		st := statusOf(dep)
		if st.TerminalSuccess() {
			continue
		}
		if st.TerminalFailure() {
			return false
		}
		if len(t.deps[dep]) == 0 {
			// Leaf: nothing to re-derive from. An unobserved dependency
			// is assumed satisfiable; an observed in-flight one blocks.
			if st == status.Unknown {
				continue
			}
			return false
		}
		if visited[dep] {
			// Cycle: definitional error, treat as unsatisfied.
			return false
		}
		visited[dep] = true
		if !t.satisfied(dep, statusOf, visited) {
			return false
		}
	}
	return true
}
