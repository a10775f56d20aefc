package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mvallis/fleetgate/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentRoundtrip(t *testing.T) {
	s := testStore(t)

	a := &Agent{ID: "a1", MissionID: "m1", ActionVerb: "SUMMARIZE", Status: "RUNNING", PoolID: "p1"}
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected agent")
	}
	if got.MissionID != "m1" || got.Status != "RUNNING" || got.PoolID != "p1" {
		t.Fatalf("unexpected agent %+v", got)
	}

	// Upsert
	a.Status = "COMPLETED"
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAgent("a1")
	if got.Status != "COMPLETED" {
		t.Fatalf("expected upserted status, got %s", got.Status)
	}
}

func TestGetAgent_Missing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetAgent("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil for missing agent")
	}
}

func TestListAgentsByMission(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"a1", "a2"} {
		if err := s.SaveAgent(&Agent{ID: id, MissionID: "m1", ActionVerb: "X", Status: "RUNNING"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveAgent(&Agent{ID: "b1", MissionID: "m2", ActionVerb: "X", Status: "RUNNING"}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgentsByMission("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
}

func TestStatusEventsChronological(t *testing.T) {
	s := testStore(t)
	transitions := [][2]string{
		{"INITIALIZING", "RUNNING"},
		{"RUNNING", "PAUSED"},
		{"PAUSED", "RUNNING"},
	}
	for _, tr := range transitions {
		ev := &StatusEvent{AgentID: "a1", MissionID: "m1", FromStatus: tr[0], ToStatus: tr[1]}
		if err := s.RecordStatusEvent(ev); err != nil {
			t.Fatal(err)
		}
		if ev.ID == 0 {
			t.Fatal("expected event id assigned")
		}
	}

	events, err := s.EventsForMission("m1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ToStatus != "RUNNING" || events[2].ToStatus != "RUNNING" || events[1].ToStatus != "PAUSED" {
		t.Fatalf("expected chronological order, got %+v", events)
	}
}

func TestOutputRoundtrip(t *testing.T) {
	s := testStore(t)

	if err := s.SaveOutput("a1", "m1", json.RawMessage(`{"result":42}`)); err != nil {
		t.Fatal(err)
	}
	out, err := s.GetOutput("a1")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["result"] != float64(42) {
		t.Fatalf("unexpected output %s", out)
	}

	missing, err := s.GetOutput("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil output for unknown agent")
	}
}

func TestSnapshotIndex(t *testing.T) {
	s := testStore(t)

	if err := s.SaveSnapshot(&Snapshot{ID: "s1", MissionID: "m1", Path: "/tmp/s1.tar.zst", AgentCount: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(&Snapshot{ID: "s2", MissionID: "m1", Path: "/tmp/s2.tar.zst", AgentCount: 3}); err != nil {
		t.Fatal(err)
	}

	snaps, err := s.ListSnapshots("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}

	latest, err := s.LatestSnapshot("m1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("expected latest snapshot")
	}

	none, err := s.LatestSnapshot("m2")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("expected no snapshot for unknown mission")
	}
}
