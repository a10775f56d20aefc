package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/mvallis/fleetgate/internal/poolapi"
)

// FanoutFailure records one pool's failure during a best-effort broadcast.
type FanoutFailure struct {
	PoolID string `json:"pool_id"`
	Error  string `json:"error"`
}

// FanoutResult aggregates the outcome of issuing the same operation to every
// known pool. One pool's failure never cancels or fails the others; callers
// get the failure count and targets for logging.
type FanoutResult struct {
	Targets  int             `json:"targets"`
	Failures []FanoutFailure `json:"failures,omitempty"`
}

func (r FanoutResult) FailureCount() int { return len(r.Failures) }

// fanOut launches fn against every known pool concurrently and waits for all
// outcomes. Failures are collected, logged in aggregate, and never raised.
func (m *Manager) fanOut(ctx context.Context, op string, fn func(ctx context.Context, p Pool) error) FanoutResult {
	m.mu.Lock()
	targets := make([]Pool, 0, len(m.pools))
	for _, p := range m.pools {
		targets = append(targets, *p)
	}
	m.mu.Unlock()

	result := FanoutResult{Targets: len(targets)}
	if len(targets) == 0 {
		return result
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, p := range targets {
		wg.Add(1)
		go func(p Pool) {
			defer wg.Done()
			if err := fn(ctx, p); err != nil {
				resMu.Lock()
				result.Failures = append(result.Failures, FanoutFailure{PoolID: p.ID, Error: err.Error()})
				resMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if n := result.FailureCount(); n > 0 {
		slog.Warn("fan-out completed with failures", "op", op, "targets", result.Targets, "failures", n)
	}
	return result
}

// PauseMission asks every pool to pause a mission's agents.
func (m *Manager) PauseMission(ctx context.Context, missionID string) (FanoutResult, error) {
	if err := ValidateMissionID(missionID); err != nil {
		return FanoutResult{}, err
	}
	return m.fanOut(ctx, "pause-agents", func(ctx context.Context, p Pool) error {
		return m.client.PauseAgents(ctx, p.Addr, missionID)
	}), nil
}

// ResumeMission asks every pool to resume a mission's agents.
func (m *Manager) ResumeMission(ctx context.Context, missionID string) (FanoutResult, error) {
	if err := ValidateMissionID(missionID); err != nil {
		return FanoutResult{}, err
	}
	return m.fanOut(ctx, "resume-agents", func(ctx context.Context, p Pool) error {
		return m.client.ResumeAgents(ctx, p.Addr, missionID)
	}), nil
}

// AbortMission asks every pool to abort a mission's agents.
func (m *Manager) AbortMission(ctx context.Context, missionID string) (FanoutResult, error) {
	if err := ValidateMissionID(missionID); err != nil {
		return FanoutResult{}, err
	}
	return m.fanOut(ctx, "abort-agents", func(ctx context.Context, p Pool) error {
		return m.client.AbortAgents(ctx, p.Addr, missionID)
	}), nil
}

// BroadcastMessage distributes a user message to every pool.
func (m *Manager) BroadcastMessage(ctx context.Context, payload map[string]any) FanoutResult {
	return m.fanOut(ctx, "message", func(ctx context.Context, p Pool) error {
		return m.client.SendMessage(ctx, p.Addr, payload)
	})
}

// ResumeAgent resumes one blocked agent in its owning pool.
func (m *Manager) ResumeAgent(ctx context.Context, agentID string) error {
	addr, err := m.AddrForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return m.client.ResumeAgent(ctx, addr, agentID)
}

// MissionAgents asks every pool for its view of a mission's agents and
// returns the union, deduplicated by agent ID. Erroring pools contribute
// nothing, matching the statistics policy.
func (m *Manager) MissionAgents(ctx context.Context, missionID string) ([]poolapi.AgentInfo, error) {
	if err := ValidateMissionID(missionID); err != nil {
		return nil, err
	}

	var resMu sync.Mutex
	var agents []poolapi.AgentInfo
	seen := make(map[string]bool)

	m.fanOut(ctx, "mission-agents", func(ctx context.Context, p Pool) error {
		infos, err := m.client.MissionAgents(ctx, p.Addr, missionID)
		if err != nil {
			return err
		}
		resMu.Lock()
		defer resMu.Unlock()
		for _, info := range infos {
			if seen[info.AgentID] {
				continue
			}
			seen[info.AgentID] = true
			agents = append(agents, info)
		}
		return nil
	})

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// MissionStats is the fleet-wide statistics snapshot for one mission,
// derived on demand by merging every pool's breakdown.
type MissionStats struct {
	MissionID      string              `json:"mission_id"`
	TotalAgents    int                 `json:"total_agents"`
	AgentsByStatus map[string][]string `json:"agents_by_status"`
	CountByStatus  map[string]int      `json:"count_by_status"`
	PoolErrors     int                 `json:"pool_errors"`
}

// MissionStatistics queries every pool concurrently and merges the results.
// Agent lists are unioned per status (no loss, no duplication); counts derive
// from the merged lists. A pool that errors contributes nothing and is
// tallied in PoolErrors rather than aborting the aggregation.
func (m *Manager) MissionStatistics(ctx context.Context, missionID string) (*MissionStats, error) {
	if err := ValidateMissionID(missionID); err != nil {
		return nil, err
	}

	var resMu sync.Mutex
	merged := make(map[string]map[string]bool) // status → set of agent IDs

	result := m.fanOut(ctx, "statistics", func(ctx context.Context, p Pool) error {
		stats, err := m.client.MissionStatistics(ctx, p.Addr, missionID)
		if err != nil {
			return err
		}
		resMu.Lock()
		defer resMu.Unlock()
		for st, agents := range stats.AgentsByStatus {
			if merged[st] == nil {
				merged[st] = make(map[string]bool)
			}
			for _, id := range agents {
				merged[st][id] = true
			}
		}
		return nil
	})

	out := &MissionStats{
		MissionID:      missionID,
		AgentsByStatus: make(map[string][]string, len(merged)),
		CountByStatus:  make(map[string]int, len(merged)),
		PoolErrors:     result.FailureCount(),
	}
	for st, set := range merged {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out.AgentsByStatus[st] = ids
		out.CountByStatus[st] = len(ids)
		out.TotalAgents += len(ids)
	}
	return out, nil
}
