package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mvallis/fleetgate/internal/config"
	"github.com/mvallis/fleetgate/internal/depgraph"
	"github.com/mvallis/fleetgate/internal/fleet"
	"github.com/mvallis/fleetgate/internal/orchestrator"
	"github.com/mvallis/fleetgate/internal/poolapi"
	"github.com/mvallis/fleetgate/internal/store"
)

func fakePool(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/agents") {
			w.Write([]byte(`[{"agentId":"a1","missionId":"m1","status":"RUNNING"}]`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testServer(t *testing.T, auth string) *httptest.Server {
	t.Helper()
	client := poolapi.NewClient(2*time.Second, "")
	fm := fleet.NewManager(client, nil, nil, config.FleetConfig{
		DefaultPoolURL:   fakePool(t),
		MaxAgentsPerPool: 5,
	})
	orch := orchestrator.New(depgraph.New(), fm, client, nil, nil, t.TempDir())
	s := NewServer(orch, fm, nil, nil, config.WebConfig{Auth: auth}, "test")

	mux := http.NewServeMux()
	s.registerAPI(mux)
	srv := httptest.NewServer(s.withMiddleware(mux))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreateAgentEndpoint(t *testing.T) {
	srv := testServer(t, "")

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId":    "a1",
		"missionId":  "m1",
		"actionVerb": "SUMMARIZE",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var res struct {
		AgentID string `json:"agentId"`
		Status  string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "RUNNING" {
		t.Fatalf("expected RUNNING, got %s", res.Status)
	}
}

func TestCreateBlockedAgentEndpoint(t *testing.T) {
	srv := testServer(t, "")

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId":    "A",
		"missionId":  "m1",
		"actionVerb": "X",
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId":      "B",
		"missionId":    "m1",
		"actionVerb":   "Y",
		"dependencies": []string{"A"},
	})
	defer resp.Body.Close()

	var res struct {
		Status    string   `json:"status"`
		BlockedOn []string `json:"blockedOn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "PAUSED" {
		t.Fatalf("expected PAUSED, got %s", res.Status)
	}
	if len(res.BlockedOn) != 1 || res.BlockedOn[0] != "A" {
		t.Fatalf("expected blockedOn [A], got %v", res.BlockedOn)
	}
}

func TestCreateAgentConflict(t *testing.T) {
	srv := testServer(t, "")

	body := map[string]any{"agentId": "a1", "missionId": "m1", "actionVerb": "X"}
	resp := postJSON(t, srv.URL+"/api/agents", body)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/agents", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestGetAgentStatusEndpoint(t *testing.T) {
	srv := testServer(t, "")

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId": "a1", "missionId": "m1", "actionVerb": "X",
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/agents/a1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var res struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "RUNNING" {
		t.Fatalf("expected RUNNING, got %s", res.Status)
	}

	// Untracked agent reports the UNKNOWN sentinel
	resp, err = http.Get(srv.URL + "/api/agents/ghost/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN, got %s", res.Status)
	}
}

func TestUpdateAgentStatusEndpoint(t *testing.T) {
	srv := testServer(t, "")

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId": "a1", "missionId": "m1", "actionVerb": "X",
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/agents/a1/status", map[string]string{"status": "PAUSED"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/agents/ghost/status", map[string]string{"status": "RUNNING"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}
}

func TestListPoolsEndpoint(t *testing.T) {
	srv := testServer(t, "")

	// Placement bootstraps the registry
	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId": "a1", "missionId": "m1", "actionVerb": "X",
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/pools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var pools []fleet.Pool
	if err := json.NewDecoder(resp.Body).Decode(&pools); err != nil {
		t.Fatal(err)
	}
	if len(pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(pools))
	}
	if pools[0].AgentCount != 1 {
		t.Fatalf("expected agent count 1, got %d", pools[0].AgentCount)
	}
}

func TestMissionAgentsEndpoint(t *testing.T) {
	srv := testServer(t, "")

	// Placement bootstraps the pool registry the fan-out queries.
	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId": "a1", "missionId": "m1", "actionVerb": "X",
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/missions/m1/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res struct {
		MissionID string `json:"missionId"`
		Agents    []struct {
			AgentID string `json:"agentId"`
			Status  string `json:"status"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Agents) != 1 || res.Agents[0].AgentID != "a1" {
		t.Fatalf("expected pool-reported agent a1, got %+v", res.Agents)
	}
}

func TestGetAgentRecordEndpoint(t *testing.T) {
	client := poolapi.NewClient(2*time.Second, "")
	fm := fleet.NewManager(client, nil, nil, config.FleetConfig{
		DefaultPoolURL:   fakePool(t),
		MaxAgentsPerPool: 5,
	})
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	orch := orchestrator.New(depgraph.New(), fm, client, nil, db, t.TempDir())
	s := NewServer(orch, fm, db, nil, config.WebConfig{}, "test")

	mux := http.NewServeMux()
	s.registerAPI(mux)
	srv := httptest.NewServer(s.withMiddleware(mux))
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"agentId": "a1", "missionId": "m1", "actionVerb": "X",
	})
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/agents/a1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "a1" || rec.Status != "RUNNING" {
		t.Fatalf("unexpected record %+v", rec)
	}

	resp, err = http.Get(srv.URL + "/api/agents/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unrecorded agent, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := testServer(t, "secret")

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.SetBasicAuth("ops", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}
}
