package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Agent struct {
	ID           string             `json:"id"`
	Description  string             `json:"description,omitempty"`
	Capabilities []string           `json:"capabilities"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Priority     int                `json:"priority"`
	Image        string             `json:"image,omitempty"`
	Source       string             `json:"source"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

const agentColumns = `id, description, capabilities, weights, priority, image, source, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var description, weights, image sql.NullString
	var caps string
	err := scanner.Scan(&a.ID, &description, &caps, &weights, &a.Priority, &image, &a.Source, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Image = image.String
	a.Capabilities = decodeList(caps)
	if weights.String != "" {
		_ = json.Unmarshal([]byte(weights.String), &a.Weights)
	}
	return a, nil
}

func (s *Store) SaveAgent(a *Agent) error {
	var weights any
	if len(a.Weights) > 0 {
		data, err := json.Marshal(a.Weights)
		if err != nil {
			return fmt.Errorf("marshal weights: %w", err)
		}
		weights = string(data)
	}
	if a.Source == "" {
		a.Source = "config"
	}

	_, err := s.db.Exec(`
		INSERT INTO agents (id, description, capabilities, weights, priority, image, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			capabilities = excluded.capabilities,
			weights = excluded.weights,
			priority = excluded.priority,
			image = excluded.image,
			source = excluded.source,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Description, encodeList(a.Capabilities), weights, a.Priority, a.Image, a.Source)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

// DeleteConfigAgentsNotIn removes config-sourced agents that are no longer
// declared. Runtime-registered agents are left alone.
func (s *Store) DeleteConfigAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents WHERE source = 'config'`)
		return err
	}
	query := `DELETE FROM agents WHERE source = 'config' AND id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
