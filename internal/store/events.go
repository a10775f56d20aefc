package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StatusEvent is one recorded status transition.
type StatusEvent struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	MissionID  string    `json:"mission_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) RecordStatusEvent(ev *StatusEvent) error {
	result, err := s.db.Exec(`
		INSERT INTO status_events (agent_id, mission_id, from_status, to_status, detail)
		VALUES (?, ?, ?, ?, ?)`,
		ev.AgentID, ev.MissionID, ev.FromStatus, ev.ToStatus, ev.Detail)
	if err != nil {
		return fmt.Errorf("record status event: %w", err)
	}
	ev.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) EventsForMission(missionID string, limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, mission_id, from_status, to_status, detail, created_at
		FROM status_events
		WHERE mission_id = ?
		ORDER BY id DESC
		LIMIT ?`, missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("events for mission: %w", err)
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var ev StatusEvent
		var detail *string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.MissionID, &ev.FromStatus, &ev.ToStatus, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if detail != nil {
			ev.Detail = *detail
		}
		events = append(events, ev)
	}

	// Reverse to get chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, rows.Err()
}

// SaveOutput stores an agent's final output, replacing any earlier one.
func (s *Store) SaveOutput(agentID, missionID string, output json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO outputs (agent_id, mission_id, output)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			output = excluded.output,
			created_at = CURRENT_TIMESTAMP`,
		agentID, missionID, string(output))
	if err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}

func (s *Store) GetOutput(agentID string) (json.RawMessage, error) {
	var output string
	err := s.db.QueryRow(`SELECT output FROM outputs WHERE agent_id = ?`, agentID).Scan(&output)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return json.RawMessage(output), nil
}
