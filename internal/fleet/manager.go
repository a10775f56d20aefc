package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/mvallis/fleetgate/internal/config"
	"github.com/mvallis/fleetgate/internal/discovery"
	"github.com/mvallis/fleetgate/internal/poolapi"
)

var (
	// ErrNoCapacity means every known pool is at maxAgents. Placement does
	// not auto-scale; only the bootstrap path creates the synthetic default.
	ErrNoCapacity = errors.New("no worker pool with spare capacity")

	// ErrNoPools means discovery and the bootstrap fallback both failed.
	ErrNoPools = errors.New("no worker pools available")
)

var missionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateMissionID rejects mission IDs outside a conservative allow-list
// before they reach an outbound call.
func ValidateMissionID(missionID string) error {
	if !missionIDPattern.MatchString(missionID) {
		return fmt.Errorf("invalid mission id: %q", missionID)
	}
	return nil
}

// Pool is the local bookkeeping entry for one worker-pool process.
type Pool struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	AgentCount int    `json:"agent_count"`
	MaxAgents  int    `json:"max_agents"`
	Synthetic  bool   `json:"synthetic,omitempty"` // created by the bootstrap fallback
}

// Launcher optionally starts a worker-pool process on the local host when
// discovery comes back empty. Wired from internal/container.
type Launcher interface {
	Launch(ctx context.Context) (addr string, err error)
}

// Manager owns the pool registry and the agent → pool placement map. All
// mutations of pool counts and placements go through its mutex; remote calls
// for placement are acknowledged before a count is committed.
//
// Placements and routes are kept apart: a placement exists only once the
// pool's add-agent endpoint acknowledged the agent and holds one capacity
// slot; a route is a best-effort delivery record from the routing fallback or
// a stale-pool remap and never touches pool counts.
type Manager struct {
	mu         sync.Mutex
	pools      map[string]*Pool
	placements map[string]string // agentID → poolID, acked by the pool
	routes     map[string]string // agentID → poolID, message delivery only
	pending    map[string]int    // poolID → in-flight placements, reserved capacity

	client   *poolapi.Client
	disco    *discovery.Client
	launcher Launcher
	cfg      config.FleetConfig
}

func NewManager(client *poolapi.Client, disco *discovery.Client, launcher Launcher, cfg config.FleetConfig) *Manager {
	return &Manager{
		pools:      make(map[string]*Pool),
		placements: make(map[string]string),
		routes:     make(map[string]string),
		pending:    make(map[string]int),
		client:     client,
		disco:      disco,
		launcher:   launcher,
		cfg:        cfg,
	}
}

// ensurePools populates the registry on first use: ask the upstream registry
// for pools, and when that yields nothing, synthesize exactly one default
// pool at the well-known address (optionally launching it locally), so the
// gateway can always place at least one agent. Caller holds m.mu.
func (m *Manager) ensurePools(ctx context.Context) error {
	if len(m.pools) > 0 {
		return nil
	}

	if m.disco != nil {
		components, err := m.disco.ComponentsByType(ctx, m.cfg.PoolType)
		if err != nil {
			slog.Warn("pool discovery failed, falling back to default pool", "error", err)
		}
		for _, comp := range components {
			addr := poolapi.NormalizeAddr(comp.URL)
			if err := poolapi.ValidateAddr(addr); err != nil {
				slog.Warn("skipping pool with malformed address", "pool", comp.ID, "addr", comp.URL)
				continue
			}
			id := comp.ID
			if id == "" {
				id = uuid.New().String()
			}
			m.pools[id] = &Pool{
				ID:        id,
				Addr:      addr,
				MaxAgents: m.cfg.MaxAgentsPerPool,
			}
		}
	}

	if len(m.pools) > 0 {
		slog.Info("pool registry populated from discovery", "pools", len(m.pools))
		return nil
	}

	addr := poolapi.NormalizeAddr(m.cfg.DefaultPoolURL)
	if m.launcher != nil {
		launched, err := m.launcher.Launch(ctx)
		if err != nil {
			slog.Warn("local pool launch failed, using configured default address", "error", err)
		} else if launched != "" {
			addr = poolapi.NormalizeAddr(launched)
		}
	}
	if err := poolapi.ValidateAddr(addr); err != nil {
		return fmt.Errorf("bootstrap default pool: %w", err)
	}

	id := uuid.New().String()
	m.pools[id] = &Pool{
		ID:        id,
		Addr:      addr,
		MaxAgents: m.cfg.MaxAgentsPerPool,
		Synthetic: true,
	}
	slog.Info("synthesized default pool", "pool", id, "addr", addr)
	return nil
}

// selectPool returns a pool with spare capacity, counting in-flight
// placements as reserved. Caller holds m.mu.
func (m *Manager) selectPool() *Pool {
	for _, p := range m.pools {
		if p.AgentCount+m.pending[p.ID] < p.MaxAgents {
			return p
		}
	}
	return nil
}

// AssignAgent places an agent in a pool with spare capacity. The placement
// record is written before the remote add-agent call and rolled back if the
// pool rejects it, so a failed placement never leaves an orphaned entry; the
// pool's count is committed only after the remote acknowledgment. Re-placing
// an already-placed agent is a no-op returning the existing pool.
func (m *Manager) AssignAgent(ctx context.Context, req poolapi.AddAgentRequest) (string, error) {
	if err := ValidateMissionID(req.MissionID); err != nil {
		return "", err
	}

	m.mu.Lock()
	if poolID, ok := m.placements[req.AgentID]; ok {
		m.mu.Unlock()
		slog.Info("agent already placed, skipping", "agent", req.AgentID, "pool", poolID)
		return poolID, nil
	}
	if err := m.ensurePools(ctx); err != nil {
		m.mu.Unlock()
		return "", err
	}
	pool := m.selectPool()
	if pool == nil {
		m.mu.Unlock()
		return "", ErrNoCapacity
	}
	poolID, addr := pool.ID, pool.Addr
	m.placements[req.AgentID] = poolID
	m.pending[poolID]++
	m.mu.Unlock()

	err := m.client.AddAgent(ctx, addr, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[poolID]--
	if m.pending[poolID] <= 0 {
		delete(m.pending, poolID)
	}
	if err != nil {
		delete(m.placements, req.AgentID)
		return "", fmt.Errorf("place agent %s in pool %s: %w", req.AgentID, poolID, err)
	}
	if p, ok := m.pools[poolID]; ok {
		p.AgentCount++
	}
	// A real placement supersedes any fallback routing record.
	delete(m.routes, req.AgentID)
	slog.Info("agent placed", "agent", req.AgentID, "pool", poolID, "mission", req.MissionID)
	return poolID, nil
}

// AddrForAgent resolves the address of the pool owning an agent. An agent
// with neither a placement nor a route falls back to the first known pool
// (bootstrapping if necessary) and records that as a routing record only:
// best-effort routing beats dropping a control message outright, but a
// fallback must never look like an acked placement.
func (m *Manager) AddrForAgent(ctx context.Context, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if poolID, ok := m.placements[agentID]; ok {
		if p, exists := m.pools[poolID]; exists {
			return p.Addr, nil
		}
	}
	if poolID, ok := m.routes[agentID]; ok {
		if p, exists := m.pools[poolID]; exists {
			return p.Addr, nil
		}
	}

	if err := m.ensurePools(ctx); err != nil {
		return "", err
	}
	for _, p := range m.pools {
		m.routes[agentID] = p.ID
		slog.Warn("agent had no resolvable pool, defaulting", "agent", agentID, "pool", p.ID)
		return p.Addr, nil
	}
	return "", ErrNoPools
}

// PoolForAgent reports the acked placement without side effects. Fallback
// routing records are not placements and are not reported here.
func (m *Manager) PoolForAgent(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	poolID, ok := m.placements[agentID]
	return poolID, ok
}

// UpdateAgentLocation remaps an agent's bookkeeping to a known pool. A placed
// agent carries its capacity slot to the new pool; an unplaced agent only has
// its routing record updated.
func (m *Manager) UpdateAgentLocation(agentID, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[poolID]; !ok {
		return fmt.Errorf("unknown pool: %s", poolID)
	}

	if prevID, placed := m.placements[agentID]; placed {
		if prevID == poolID {
			return nil
		}
		if prev, exists := m.pools[prevID]; exists && prev.AgentCount > 0 {
			prev.AgentCount--
		}
		m.pools[poolID].AgentCount++
		m.placements[agentID] = poolID
		return nil
	}
	m.routes[agentID] = poolID
	return nil
}

// ReleaseAgent drops an agent's bookkeeping. Only an acked placement returns
// a slot to its pool; a fallback routing record never held one, so releasing
// it must not touch the count.
func (m *Manager) ReleaseAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.routes, agentID)

	poolID, ok := m.placements[agentID]
	if !ok {
		return
	}
	delete(m.placements, agentID)
	if p, exists := m.pools[poolID]; exists && p.AgentCount > 0 {
		p.AgentCount--
	}
}

// Pools returns a snapshot of the registry.
func (m *Manager) Pools() []Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, *p)
	}
	return out
}

// RemoveEmptyPools drops registry entries for pools with zero agents and
// remaps any stale placements still pointing at them to a surviving pool.
// The remote process is untouched; only local bookkeeping changes. Runs from
// the reclamation sweep, independent of request handling.
func (m *Manager) RemoveEmptyPools() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var empty []*Pool
	var survivor *Pool
	for _, p := range m.pools {
		if p.AgentCount == 0 && m.pending[p.ID] == 0 {
			empty = append(empty, p)
		} else if survivor == nil {
			survivor = p
		}
	}
	if len(empty) == 0 {
		return
	}

	for _, p := range empty {
		remapped := 0
		for agentID, poolID := range m.placements {
			if poolID != p.ID {
				continue
			}
			// The agent's runtime state does not migrate and the survivor
			// never acked it, so the remap is a routing record, not a
			// placement: the survivor's count stays untouched.
			delete(m.placements, agentID)
			if survivor != nil {
				m.routes[agentID] = survivor.ID
				remapped++
			}
		}
		for agentID, poolID := range m.routes {
			if poolID != p.ID {
				continue
			}
			if survivor != nil {
				m.routes[agentID] = survivor.ID
				remapped++
			} else {
				delete(m.routes, agentID)
			}
		}
		delete(m.pools, p.ID)
		slog.Info("removed empty pool", "pool", p.ID, "addr", p.Addr, "remapped_agents", remapped)
	}
}
