package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mvallis/fleetgate/internal/orchestrator"
	"github.com/mvallis/fleetgate/internal/status"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agent lifecycle
	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgentRecord)
	mux.HandleFunc("POST /api/agents/{id}/status", s.updateAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/status", s.getAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/output", s.getAgentOutput)
	mux.HandleFunc("POST /api/agents/{id}/message", s.messageAgent)

	// Dependencies
	mux.HandleFunc("POST /api/agents/{id}/dependencies/check", s.checkDependencies)
	mux.HandleFunc("GET /api/agents/{id}/dependencies", s.getDependencies)
	mux.HandleFunc("GET /api/agents/{id}/dependents", s.getDependents)
	mux.HandleFunc("POST /api/agents/blocked/check", s.checkBlockedAgents)

	// Broadcast
	mux.HandleFunc("POST /api/messages", s.distributeMessage)

	// Missions
	mux.HandleFunc("POST /api/missions/{id}/pause", s.pauseMission)
	mux.HandleFunc("POST /api/missions/{id}/resume", s.resumeMission)
	mux.HandleFunc("POST /api/missions/{id}/abort", s.abortMission)
	mux.HandleFunc("POST /api/missions/{id}/save", s.saveMission)
	mux.HandleFunc("POST /api/missions/{id}/load", s.loadMission)
	mux.HandleFunc("GET /api/missions/{id}/statistics", s.missionStatistics)
	mux.HandleFunc("GET /api/missions/{id}/agents", s.missionAgents)
	mux.HandleFunc("GET /api/missions/{id}/events", s.missionEvents)

	// Fleet
	mux.HandleFunc("GET /api/pools", s.listPools)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.orch.CreateAgent(r.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrAgentExists):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, orchestrator.ErrPlacement):
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Agents())
}

func (s *Server) getAgentRecord(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "audit store disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	rec, err := s.store.GetAgent(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) updateAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := s.orch.UpdateAgentStatus(r.Context(), id, body.Status, body.Detail)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrUnknownAgent) {
			code = http.StatusNotFound
		}
		jsonError(w, err.Error(), code)
		return
	}
	jsonResponse(w, map[string]any{"agentId": id, "status": st})
}

func (s *Server) getAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jsonResponse(w, map[string]any{"agentId": id, "status": s.orch.StatusOf(id)})
}

func (s *Server) getAgentOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.orch.AgentOutput(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if out == nil {
		jsonError(w, "no output recorded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) messageAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orch.RouteMessage(r.Context(), id, payload); err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, map[string]string{"status": "sent"})
}

func (s *Server) checkDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	satisfied, err := s.orch.CheckDependencies(r.Context(), id)
	if err != nil && !errors.Is(err, orchestrator.ErrUnknownAgent) {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, map[string]any{"agentId": id, "satisfied": satisfied})
}

func (s *Server) getDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jsonResponse(w, map[string]any{"agentId": id, "dependencies": s.orch.Dependencies(id)})
}

func (s *Server) getDependents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jsonResponse(w, map[string]any{"agentId": id, "dependents": s.orch.DependentAgents(id)})
}

func (s *Server) checkBlockedAgents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggerAgentID string `json:"triggerAgentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TriggerAgentID == "" {
		jsonError(w, "triggerAgentId is required", http.StatusBadRequest)
		return
	}

	resumed := s.orch.CheckBlockedAgents(r.Context(), body.TriggerAgentID)
	jsonResponse(w, map[string]any{"trigger": body.TriggerAgentID, "resumed": resumed})
}

func (s *Server) distributeMessage(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := s.orch.DistributeMessage(r.Context(), payload)
	jsonResponse(w, result)
}

func (s *Server) pauseMission(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	result, err := s.orch.PauseMission(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, result)
}

func (s *Server) resumeMission(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	result, err := s.orch.ResumeMission(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, result)
}

func (s *Server) abortMission(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	result, err := s.orch.AbortMission(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, result)
}

func (s *Server) saveMission(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	snap, err := s.orch.SaveMission(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) loadMission(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	if err := s.orch.LoadMission(r.Context(), missionID); err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, map[string]string{"status": "loaded"})
}

func (s *Server) missionStatistics(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	stats, err := s.orch.MissionStatistics(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, stats)
}

func (s *Server) missionAgents(w http.ResponseWriter, r *http.Request) {
	missionID := r.PathValue("id")
	agents, err := s.fleet.MissionAgents(r.Context(), missionID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]any{"missionId": missionID, "agents": agents})
}

func (s *Server) missionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "audit store disabled", http.StatusNotFound)
		return
	}
	missionID := r.PathValue("id")
	events, err := s.store.EventsForMission(missionID, 200)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, events)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.fleet.Pools())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.orch.Agents()
	byStatus := make(map[string]int)
	for _, a := range agents {
		byStatus[a.Status]++
	}
	// Stable zero entries for the states operators watch
	for _, st := range []status.Status{status.Running, status.Paused, status.Completed, status.Error} {
		if _, ok := byStatus[string(st)]; !ok {
			byStatus[string(st)] = 0
		}
	}

	jsonResponse(w, map[string]any{
		"version":          s.version,
		"uptime":           time.Since(s.startedAt).Round(time.Second).String(),
		"pools":            len(s.fleet.Pools()),
		"agents":           len(agents),
		"agents_by_status": byStatus,
	})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
