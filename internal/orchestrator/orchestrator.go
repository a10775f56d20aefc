package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvallis/fleetgate/internal/depgraph"
	"github.com/mvallis/fleetgate/internal/fleet"
	"github.com/mvallis/fleetgate/internal/missionindex"
	"github.com/mvallis/fleetgate/internal/natsbus"
	"github.com/mvallis/fleetgate/internal/poolapi"
	"github.com/mvallis/fleetgate/internal/snapshot"
	"github.com/mvallis/fleetgate/internal/status"
	"github.com/mvallis/fleetgate/internal/store"
	"github.com/nats-io/nats.go"
)

var (
	// ErrPlacement distinguishes "no pool could take the agent" from
	// "blocked on dependencies"; callers see one or the other, never an
	// ambiguous failure.
	ErrPlacement = errors.New("agent placement failed")

	// ErrAgentExists rejects a create request for an ID already tracked.
	ErrAgentExists = errors.New("agent already exists")

	// ErrUnknownAgent means the gateway has no record of the agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Notifier surfaces mission events to external observers. Delivery is
// advisory; implementations must not fail the triggering operation.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// agentState is the gateway's in-memory record of one agent. The original
// create request is kept so a dependency-blocked agent can be placed later
// without the caller resubmitting it.
type agentState struct {
	ID             string
	MissionID      string
	ActionVerb     string
	Inputs         map[string]any
	MissionContext string
	Status         status.Status
}

// Orchestrator is the front door for agent lifecycle operations. It owns the
// status state machine and is the only component talking to both the
// dependency tracker and the fleet manager. Placement, dependency, and status
// state live in memory and are rebuilt from upstream after a restart; the
// store is an audit surface, not a source of truth.
type Orchestrator struct {
	deps    *depgraph.Tracker
	fleet   *fleet.Manager
	pools   *poolapi.Client
	index   *missionindex.Client
	store   *store.Store
	snapDir string

	events   *natsbus.Client
	notifier Notifier

	mu     sync.RWMutex
	agents map[string]*agentState
	locks  *agentLocks
}

func New(deps *depgraph.Tracker, fm *fleet.Manager, pools *poolapi.Client, index *missionindex.Client, st *store.Store, snapDir string) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		fleet:   fm,
		pools:   pools,
		index:   index,
		store:   st,
		snapDir: snapDir,
		agents:  make(map[string]*agentState),
		locks:   newAgentLocks(),
	}
}

// SetNotifier attaches an observer notifier for terminal transitions.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// AttachBus wires the event feed and subscribes to inbound status reports
// from worker pools on fleet.status.<agentID>.
func (o *Orchestrator) AttachBus(client *natsbus.Client) error {
	o.events = client
	_, err := client.Subscribe(natsbus.TopicStatusAll, func(msg *nats.Msg) {
		o.handleStatusReport(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to status reports: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleStatusReport(msg *nats.Msg) {
	agentID := strings.TrimPrefix(msg.Subject, "fleet.status.")
	if agentID == "" || agentID == msg.Subject {
		return
	}

	var report natsbus.StatusReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		slog.Warn("invalid status report", "subject", msg.Subject, "error", err)
		return
	}

	if _, err := o.UpdateAgentStatus(context.Background(), agentID, report.Status, report.Detail); err != nil {
		slog.Error("status report processing failed", "agent", agentID, "status", report.Status, "error", err)
	}
}

// CreateAgentRequest is an inbound create-agent call.
type CreateAgentRequest struct {
	AgentID        string         `json:"agentId,omitempty"`
	MissionID      string         `json:"missionId"`
	ActionVerb     string         `json:"actionVerb"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	MissionContext string         `json:"missionContext,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
}

// CreateAgentResult reports one of the two success outcomes: placed and
// running, or recorded but paused pending dependencies. Placement failure is
// an error, never a silent success.
type CreateAgentResult struct {
	AgentID   string        `json:"agentId"`
	Status    status.Status `json:"status"`
	PoolID    string        `json:"poolId,omitempty"`
	BlockedOn []string      `json:"blockedOn,omitempty"`
}

// CreateAgent registers an agent, gates it on its dependencies, and places it
// in a worker pool when the gate is open. A blocked agent occupies no pool
// capacity; it is placed later by the cascade or an explicit check.
func (o *Orchestrator) CreateAgent(ctx context.Context, req CreateAgentRequest) (*CreateAgentResult, error) {
	if err := fleet.ValidateMissionID(req.MissionID); err != nil {
		return nil, err
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = uuid.New().String()
	}

	lock := o.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	if o.state(agentID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}

	if len(req.Dependencies) > 0 {
		o.deps.Register(agentID, req.Dependencies)
	}

	st := &agentState{
		ID:             agentID,
		MissionID:      req.MissionID,
		ActionVerb:     req.ActionVerb,
		Inputs:         req.Inputs,
		MissionContext: req.MissionContext,
		Status:         status.Initializing,
	}
	o.setState(st)
	o.audit(st, status.Unknown, "")

	if !o.deps.Satisfied(agentID, o.StatusOf) {
		o.transition(st, status.Paused, "blocked on dependencies")
		slog.Info("agent created blocked", "agent", agentID, "mission", req.MissionID, "deps", req.Dependencies)
		return &CreateAgentResult{
			AgentID:   agentID,
			Status:    status.Paused,
			BlockedOn: o.deps.Dependencies(agentID),
		}, nil
	}

	poolID, err := o.place(ctx, st)
	if err != nil {
		o.transition(st, status.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrPlacement, err)
	}

	o.transition(st, status.Running, "")
	slog.Info("agent created", "agent", agentID, "mission", req.MissionID, "pool", poolID)
	return &CreateAgentResult{
		AgentID: agentID,
		Status:  status.Running,
		PoolID:  poolID,
	}, nil
}

// place sends the agent's original create request to a pool with capacity.
// Caller holds the agent's lock.
func (o *Orchestrator) place(ctx context.Context, st *agentState) (string, error) {
	return o.fleet.AssignAgent(ctx, poolapi.AddAgentRequest{
		AgentID:        st.ID,
		ActionVerb:     st.ActionVerb,
		Inputs:         st.Inputs,
		MissionID:      st.MissionID,
		MissionContext: st.MissionContext,
	})
}

// UpdateAgentStatus applies an inbound status update. CHECK is a pseudo-status
// that reports the current status without touching any transition logic.
// Terminal statuses are final: a repeated terminal report is an idempotent
// no-op, any other transition out of a terminal state is rejected.
func (o *Orchestrator) UpdateAgentStatus(ctx context.Context, agentID, rawStatus, detail string) (status.Status, error) {
	next := status.Parse(rawStatus)
	if next == status.Check {
		return o.StatusOf(agentID), nil
	}
	if next == status.Unknown {
		return status.Unknown, fmt.Errorf("invalid status: %q", rawStatus)
	}

	lock := o.locks.get(agentID)
	lock.Lock()

	st := o.state(agentID)
	if st == nil {
		lock.Unlock()
		return status.Unknown, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	from := st.Status
	if from.Terminal() {
		lock.Unlock()
		if next == from {
			// Duplicate terminal report; side effects already ran.
			return from, nil
		}
		return from, fmt.Errorf("agent %s is already %s, rejecting transition to %s", agentID, from, next)
	}
	o.transition(st, next, detail)
	lock.Unlock()

	switch next {
	case status.Completed:
		o.completeAgent(ctx, st)
	case status.Error, status.Aborted:
		o.notify(ctx, fmt.Sprintf("agent %s (mission %s) finished %s: %s", st.ID, st.MissionID, next, detail))
	}

	slog.Info("agent status updated", "agent", agentID, "from", from, "to", next)
	return next, nil
}

// completeAgent runs the COMPLETED side effects: fetch and persist the final
// output, surface the result, resume any newly satisfiable dependents, and
// release the agent's bookkeeping. The status map entry survives so dependency
// gates keep seeing COMPLETED.
func (o *Orchestrator) completeAgent(ctx context.Context, st *agentState) {
	if out, err := o.fetchOutput(ctx, st.ID); err != nil {
		slog.Warn("final output fetch failed", "agent", st.ID, "error", err)
	} else if out != nil && o.store != nil {
		if err := o.store.SaveOutput(st.ID, st.MissionID, out); err != nil {
			slog.Error("persist output failed", "agent", st.ID, "error", err)
		}
	}

	o.notify(ctx, fmt.Sprintf("agent %s (mission %s) completed", st.ID, st.MissionID))

	resumed := o.CheckBlockedAgents(ctx, st.ID)
	if resumed > 0 {
		slog.Info("completion cascade resumed agents", "trigger", st.ID, "resumed", resumed)
	}

	o.fleet.ReleaseAgent(st.ID)
	o.deps.Remove(st.ID)
}

func (o *Orchestrator) fetchOutput(ctx context.Context, agentID string) (json.RawMessage, error) {
	addr, err := o.fleet.AddrForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return o.pools.AgentOutput(ctx, addr, agentID)
}

// AgentOutput returns an agent's persisted final output, falling back to a
// live pool fetch when the audit trail has none.
func (o *Orchestrator) AgentOutput(ctx context.Context, agentID string) (json.RawMessage, error) {
	if o.store != nil {
		if out, err := o.store.GetOutput(agentID); err == nil && out != nil {
			return out, nil
		}
	}
	return o.fetchOutput(ctx, agentID)
}

// CheckDependencies re-evaluates one agent's dependency gate and resumes the
// agent when it is paused and the gate has opened.
func (o *Orchestrator) CheckDependencies(ctx context.Context, agentID string) (bool, error) {
	satisfied := o.deps.Satisfied(agentID, o.StatusOf)
	if !satisfied {
		return false, nil
	}

	lock := o.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	st := o.state(agentID)
	if st == nil {
		return true, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if st.Status != status.Paused {
		return true, nil
	}
	if err := o.resume(ctx, st); err != nil {
		return true, err
	}
	return true, nil
}

// resume unblocks a paused agent: placed agents get a resume call in their
// pool, never-placed agents are placed now. Caller holds the agent's lock.
func (o *Orchestrator) resume(ctx context.Context, st *agentState) error {
	if _, placed := o.fleet.PoolForAgent(st.ID); placed {
		if err := o.fleet.ResumeAgent(ctx, st.ID); err != nil {
			return fmt.Errorf("resume agent %s: %w", st.ID, err)
		}
	} else {
		if _, err := o.place(ctx, st); err != nil {
			return fmt.Errorf("%w: %w", ErrPlacement, err)
		}
	}
	o.transition(st, status.Running, "dependencies satisfied")
	return nil
}

// CheckBlockedAgents re-checks every agent that lists triggerID as a
// dependency and resumes those whose gate has newly opened. Returns the
// number of agents resumed. Per-agent failures are logged, never raised.
func (o *Orchestrator) CheckBlockedAgents(ctx context.Context, triggerID string) int {
	resumed := 0
	for _, depID := range o.deps.DependentsOf(triggerID) {
		if depID == triggerID {
			continue
		}
		if !o.deps.Satisfied(depID, o.StatusOf) {
			continue
		}

		lock := o.locks.get(depID)
		lock.Lock()
		st := o.state(depID)
		if st == nil || st.Status != status.Paused {
			lock.Unlock()
			continue
		}
		err := o.resume(ctx, st)
		lock.Unlock()

		if err != nil {
			slog.Error("blocked agent resume failed", "agent", depID, "trigger", triggerID, "error", err)
			continue
		}
		resumed++
	}
	return resumed
}

// DependentAgents lists the agents directly depending on agentID.
func (o *Orchestrator) DependentAgents(agentID string) []string {
	return o.deps.DependentsOf(agentID)
}

// Dependencies lists agentID's own registered dependencies.
func (o *Orchestrator) Dependencies(agentID string) []string {
	return o.deps.Dependencies(agentID)
}

// RouteMessage forwards a message to the pool owning agentID. When no pool is
// resolvable the message is dropped with an error; there is no queueing or
// retry at this layer.
func (o *Orchestrator) RouteMessage(ctx context.Context, agentID string, payload map[string]any) error {
	addr, err := o.fleet.AddrForAgent(ctx, agentID)
	if err != nil {
		slog.Error("message dropped, no resolvable pool", "agent", agentID, "error", err)
		return fmt.Errorf("route message to %s: %w", agentID, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["agentId"] = agentID
	if err := o.pools.SendMessage(ctx, addr, payload); err != nil {
		return fmt.Errorf("route message to %s: %w", agentID, err)
	}
	return nil
}

// DistributeMessage broadcasts a user message to every known pool.
func (o *Orchestrator) DistributeMessage(ctx context.Context, payload map[string]any) fleet.FanoutResult {
	return o.fleet.BroadcastMessage(ctx, payload)
}

// PauseMission fans out a pause to every pool, best-effort.
func (o *Orchestrator) PauseMission(ctx context.Context, missionID string) (fleet.FanoutResult, error) {
	return o.fleet.PauseMission(ctx, missionID)
}

// ResumeMission fans out a resume to every pool, best-effort.
func (o *Orchestrator) ResumeMission(ctx context.Context, missionID string) (fleet.FanoutResult, error) {
	return o.fleet.ResumeMission(ctx, missionID)
}

// AbortMission fans out an abort to every pool, best-effort.
func (o *Orchestrator) AbortMission(ctx context.Context, missionID string) (fleet.FanoutResult, error) {
	return o.fleet.AbortMission(ctx, missionID)
}

// MissionStatistics merges every pool's status breakdown for a mission.
func (o *Orchestrator) MissionStatistics(ctx context.Context, missionID string) (*fleet.MissionStats, error) {
	return o.fleet.MissionStatistics(ctx, missionID)
}

// SaveMission archives the serialized state of every agent the upstream index
// lists for a mission. Per-agent save failures are skipped and logged; the
// snapshot records what was actually captured.
func (o *Orchestrator) SaveMission(ctx context.Context, missionID string) (*store.Snapshot, error) {
	if err := fleet.ValidateMissionID(missionID); err != nil {
		return nil, err
	}
	ids, err := o.index.AgentIDs(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("resolve mission agents: %w", err)
	}

	blobs := make(map[string]json.RawMessage, len(ids))
	for _, agentID := range ids {
		addr, err := o.fleet.AddrForAgent(ctx, agentID)
		if err != nil {
			slog.Warn("skipping agent save, no pool", "agent", agentID, "error", err)
			continue
		}
		blob, err := o.pools.SaveAgent(ctx, addr, agentID)
		if err != nil {
			slog.Warn("agent save failed", "agent", agentID, "error", err)
			continue
		}
		blobs[agentID] = blob
	}
	if len(ids) > 0 && len(blobs) == 0 {
		return nil, fmt.Errorf("save mission %s: no agent state could be captured", missionID)
	}

	snapID := fmt.Sprintf("%s-%s", missionID, uuid.New().String())
	path, err := snapshot.Write(o.snapDir, snapID, blobs)
	if err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	snap := &store.Snapshot{
		ID:         snapID,
		MissionID:  missionID,
		Path:       path,
		AgentCount: len(blobs),
		CreatedAt:  time.Now(),
	}
	if o.store != nil {
		if err := o.store.SaveSnapshot(snap); err != nil {
			return nil, fmt.Errorf("index snapshot: %w", err)
		}
	}

	slog.Info("mission saved", "mission", missionID, "snapshot", snapID, "agents", len(blobs))
	o.publishMissionEvent(missionID, "mission_saved", map[string]any{"snapshot": snapID, "agents": len(blobs)})
	return snap, nil
}

// LoadMission asks each agent's pool to restore the agents captured in the
// mission's most recent snapshot.
func (o *Orchestrator) LoadMission(ctx context.Context, missionID string) error {
	if err := fleet.ValidateMissionID(missionID); err != nil {
		return err
	}
	if o.store == nil {
		return fmt.Errorf("load mission: no snapshot index")
	}
	snap, err := o.store.LatestSnapshot(missionID)
	if err != nil {
		return fmt.Errorf("lookup snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("load mission %s: no snapshot", missionID)
	}

	blobs, err := snapshot.Read(snap.Path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	failures := 0
	for agentID := range blobs {
		addr, err := o.fleet.AddrForAgent(ctx, agentID)
		if err != nil {
			slog.Warn("agent load skipped, no pool", "agent", agentID, "error", err)
			failures++
			continue
		}
		if err := o.pools.LoadAgent(ctx, addr, agentID); err != nil {
			slog.Warn("agent load failed", "agent", agentID, "error", err)
			failures++
		}
	}
	if len(blobs) > 0 && failures == len(blobs) {
		return fmt.Errorf("load mission %s: all %d agent loads failed", missionID, failures)
	}

	slog.Info("mission loaded", "mission", missionID, "snapshot", snap.ID, "agents", len(blobs)-failures, "failures", failures)
	o.publishMissionEvent(missionID, "mission_loaded", map[string]any{"snapshot": snap.ID, "agents": len(blobs) - failures})
	return nil
}

// StatusOf reports the gateway's current view of an agent's status. UNKNOWN
// is the sentinel for agents it has no record of and is never treated as
// terminal success.
func (o *Orchestrator) StatusOf(agentID string) status.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if st, ok := o.agents[agentID]; ok {
		return st.Status
	}
	return status.Unknown
}

// Agents returns a snapshot of every tracked agent's identity and status.
func (o *Orchestrator) Agents() []store.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]store.Agent, 0, len(o.agents))
	for _, st := range o.agents {
		poolID, _ := o.fleet.PoolForAgent(st.ID)
		out = append(out, store.Agent{
			ID:         st.ID,
			MissionID:  st.MissionID,
			ActionVerb: st.ActionVerb,
			Status:     string(st.Status),
			PoolID:     poolID,
		})
	}
	return out
}

func (o *Orchestrator) state(agentID string) *agentState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.agents[agentID]
}

func (o *Orchestrator) setState(st *agentState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[st.ID] = st
}

// transition moves an agent to a new status and records the audit trail and
// event feed. Caller holds the agent's lock.
func (o *Orchestrator) transition(st *agentState, to status.Status, detail string) {
	from := st.Status
	o.mu.Lock()
	st.Status = to
	o.mu.Unlock()

	o.audit(st, from, detail)
	o.publishAgentEvent(st, from, to, detail)
}

// audit persists the agent record and status transition, best-effort.
func (o *Orchestrator) audit(st *agentState, from status.Status, detail string) {
	if o.store == nil {
		return
	}
	poolID, _ := o.fleet.PoolForAgent(st.ID)
	rec := &store.Agent{
		ID:         st.ID,
		MissionID:  st.MissionID,
		ActionVerb: st.ActionVerb,
		Status:     string(st.Status),
		PoolID:     poolID,
	}
	if err := o.store.SaveAgent(rec); err != nil {
		slog.Error("persist agent failed", "agent", st.ID, "error", err)
	}
	if from != st.Status {
		ev := &store.StatusEvent{
			AgentID:    st.ID,
			MissionID:  st.MissionID,
			FromStatus: string(from),
			ToStatus:   string(st.Status),
			Detail:     detail,
		}
		if err := o.store.RecordStatusEvent(ev); err != nil {
			slog.Error("record status event failed", "agent", st.ID, "error", err)
		}
	}
}

func (o *Orchestrator) publishAgentEvent(st *agentState, from, to status.Status, detail string) {
	if o.events == nil {
		return
	}
	event := map[string]any{
		"type":      "agent_status",
		"agent_id":  st.ID,
		"mission":   st.MissionID,
		"from":      from,
		"to":        to,
		"detail":    detail,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := o.events.PublishJSON(natsbus.TopicEventsAgent(st.ID), event); err != nil {
		slog.Warn("publish agent event failed", "agent", st.ID, "error", err)
	}
	if err := o.events.PublishJSON(natsbus.TopicEventsMission(st.MissionID), event); err != nil {
		slog.Warn("publish mission event failed", "mission", st.MissionID, "error", err)
	}
}

func (o *Orchestrator) publishMissionEvent(missionID, eventType string, data map[string]any) {
	if o.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"mission":   missionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		event[k] = v
	}
	if err := o.events.PublishJSON(natsbus.TopicEventsMission(missionID), event); err != nil {
		slog.Warn("publish mission event failed", "mission", missionID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, text)
}
