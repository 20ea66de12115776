package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	PlanID    string          `json:"plan_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvents inserts events in a single transaction. The audit trail is
// append-only; there is no update path.
func (s *Store) AppendEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_events (type, plan_id, task_id, agent_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var data any
		if len(e.Data) > 0 {
			data = string(e.Data)
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.Exec(e.Type, nullString(e.PlanID), nullString(e.TaskID), nullString(e.AgentID), data, created.UTC()); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

// ListEvents returns events for a plan in insertion order. An empty planID
// returns the most recent events across all plans.
func (s *Store) ListEvents(planID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if planID != "" {
		rows, err = s.db.Query(`
			SELECT id, type, plan_id, task_id, agent_id, data, created_at
			FROM audit_events WHERE plan_id = ? ORDER BY id LIMIT ?`, planID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, type, plan_id, task_id, agent_id, data, created_at
			FROM (SELECT * FROM audit_events ORDER BY id DESC LIMIT ?) ORDER BY id`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var planIDCol, taskID, agentID, data sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &planIDCol, &taskID, &agentID, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.PlanID = planIDCol.String
		e.TaskID = taskID.String
		e.AgentID = agentID.String
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
