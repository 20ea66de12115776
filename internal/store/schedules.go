package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledGoal submits a new plan for Goal each time its schedule fires.
type ScheduledGoal struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Goal         string     `json:"goal"`
	Capabilities []string   `json:"capabilities"`
	Strategy     string     `json:"strategy,omitempty"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastPlanID   string     `json:"last_plan_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const goalColumns = `id, name, schedule, goal, capabilities, strategy, status,
	next_run_at, last_run_at, last_status, last_error, last_plan_id, created_at`

func scanGoal(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledGoal, error) {
	g := &ScheduledGoal{}
	var caps string
	var strategy, lastStatus, lastError, lastPlanID sql.NullString
	err := scanner.Scan(&g.ID, &g.Name, &g.Schedule, &g.Goal, &caps, &strategy, &g.Status,
		&g.NextRunAt, &g.LastRunAt, &lastStatus, &lastError, &lastPlanID, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.Capabilities = decodeList(caps)
	g.Strategy = strategy.String
	g.LastStatus = lastStatus.String
	g.LastError = lastError.String
	g.LastPlanID = lastPlanID.String
	return g, nil
}

func (s *Store) SaveScheduledGoal(g *ScheduledGoal) error {
	if g.Status == "" {
		g.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_goals (id, name, schedule, goal, capabilities, strategy, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			goal = excluded.goal,
			capabilities = excluded.capabilities,
			strategy = excluded.strategy,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		g.ID, g.Name, g.Schedule, g.Goal, encodeList(g.Capabilities), nullString(g.Strategy), g.Status, utcPtr(g.NextRunAt))
	if err != nil {
		return fmt.Errorf("save scheduled goal: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledGoal(id string) (*ScheduledGoal, error) {
	row := s.db.QueryRow(`SELECT `+goalColumns+` FROM scheduled_goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled goal: %w", err)
	}
	return g, nil
}

func (s *Store) ListScheduledGoals() ([]ScheduledGoal, error) {
	rows, err := s.db.Query(`SELECT ` + goalColumns + ` FROM scheduled_goals ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled goals: %w", err)
	}
	defer rows.Close()
	return collectGoals(rows)
}

func (s *Store) GetDueGoals(now time.Time) ([]ScheduledGoal, error) {
	rows, err := s.db.Query(`SELECT `+goalColumns+` FROM scheduled_goals
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("get due goals: %w", err)
	}
	defer rows.Close()
	return collectGoals(rows)
}

func collectGoals(rows *sql.Rows) ([]ScheduledGoal, error) {
	var goals []ScheduledGoal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled goal: %w", err)
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}

func (s *Store) UpdateGoalRun(id, lastStatus, lastError, planID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_goals
		SET last_run_at = ?, last_status = ?, last_error = ?, last_plan_id = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, nullString(lastError), nullString(planID), utcPtr(nextRunAt), id)
	return err
}

func (s *Store) UpdateGoalStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_goals SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteScheduledGoal(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_goals WHERE id = ?`, id)
	return err
}
