package store

import (
	"fmt"
	"time"
)

// Snapshot is one archived mission save.
type Snapshot struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id"`
	Path       string    `json:"path"`
	AgentCount int       `json:"agent_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) SaveSnapshot(snap *Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (id, mission_id, path, agent_count)
		VALUES (?, ?, ?, ?)`,
		snap.ID, snap.MissionID, snap.Path, snap.AgentCount)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(missionID string) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, mission_id, path, agent_count, created_at
		FROM snapshots
		WHERE mission_id = ?
		ORDER BY created_at DESC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.MissionID, &snap.Path, &snap.AgentCount, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LatestSnapshot returns the most recent snapshot for a mission, nil if none.
func (s *Store) LatestSnapshot(missionID string) (*Snapshot, error) {
	snaps, err := s.ListSnapshots(missionID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}
