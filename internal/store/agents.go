package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Agent is the persisted bookkeeping record for one agent.
type Agent struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id"`
	ActionVerb string    `json:"action_verb"`
	Status     string    `json:"status"`
	PoolID     string    `json:"pool_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, mission_id, action_verb, status, pool_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			mission_id = excluded.mission_id,
			action_verb = excluded.action_verb,
			status = excluded.status,
			pool_id = excluded.pool_id,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.MissionID, a.ActionVerb, a.Status, a.PoolID)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	a := &Agent{}
	var poolID sql.NullString
	err := s.db.QueryRow(`SELECT id, mission_id, action_verb, status, pool_id, created_at, updated_at FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.MissionID, &a.ActionVerb, &a.Status, &poolID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.PoolID = poolID.String
	return a, nil
}

func (s *Store) ListAgentsByMission(missionID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT id, mission_id, action_verb, status, pool_id, created_at, updated_at FROM agents WHERE mission_id = ? ORDER BY created_at`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var poolID sql.NullString
		if err := rows.Scan(&a.ID, &a.MissionID, &a.ActionVerb, &a.Status, &poolID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.PoolID = poolID.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

