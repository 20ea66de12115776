package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Plan struct {
	ID           string     `json:"id"`
	Goal         string     `json:"goal"`
	Capabilities []string   `json:"capabilities"`
	Strategy     string     `json:"strategy"`
	Status       string     `json:"status"`
	Outcome      string     `json:"outcome,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Tasks        []Task     `json:"tasks,omitempty"`
}

type Task struct {
	ID           string     `json:"id"`
	PlanID       string     `json:"plan_id"`
	Position     int        `json:"position"`
	Goal         string     `json:"goal"`
	Capabilities []string   `json:"capabilities"`
	DependsOn    []string   `json:"depends_on"`
	State        string     `json:"state"`
	AgentID      string     `json:"agent_id,omitempty"`
	Attempts     int        `json:"attempts"`
	Result       []byte     `json:"-"`
	ResultNonce  []byte     `json:"-"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

const planColumns = `id, goal, capabilities, strategy, status, outcome, created_at, started_at, completed_at`

const taskColumns = `id, plan_id, position, goal, capabilities, depends_on, state, agent_id, attempts,
	result, result_nonce, error, created_at, dispatched_at, completed_at`

func scanPlan(scanner interface {
	Scan(dest ...any) error
}) (*Plan, error) {
	p := &Plan{}
	var caps string
	var outcome sql.NullString
	err := scanner.Scan(&p.ID, &p.Goal, &caps, &p.Strategy, &p.Status, &outcome, &p.CreatedAt, &p.StartedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	p.Capabilities = decodeList(caps)
	p.Outcome = outcome.String
	return p, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var caps, deps string
	var agentID, errText sql.NullString
	err := scanner.Scan(&t.ID, &t.PlanID, &t.Position, &t.Goal, &caps, &deps, &t.State, &agentID, &t.Attempts,
		&t.Result, &t.ResultNonce, &errText, &t.CreatedAt, &t.DispatchedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Capabilities = decodeList(caps)
	t.DependsOn = decodeList(deps)
	t.AgentID = agentID.String
	t.Error = errText.String
	return t, nil
}

// SavePlan writes the plan and all of its tasks in one transaction.
func (s *Store) SavePlan(p *Plan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO plans (id, goal, capabilities, strategy, status, outcome, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		p.ID, p.Goal, encodeList(p.Capabilities), p.Strategy, p.Status, nullString(p.Outcome),
		p.CreatedAt.UTC(), utcPtr(p.StartedAt), utcPtr(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.PlanID = p.ID
		if err := saveTask(tx, t); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) UpdatePlanStatus(id, status, outcome string, startedAt, completedAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE plans
		SET status = ?, outcome = ?,
		    started_at = COALESCE(?, started_at),
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?`, status, nullString(outcome), utcPtr(startedAt), utcPtr(completedAt), id)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(t *Task) error {
	return saveTask(s.db, t)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveTask(db execer, t *Task) error {
	_, err := db.Exec(`
		INSERT INTO plan_tasks (id, plan_id, position, goal, capabilities, depends_on, state, agent_id, attempts,
		                        result, result_nonce, error, created_at, dispatched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, id) DO UPDATE SET
			state = excluded.state,
			agent_id = excluded.agent_id,
			attempts = excluded.attempts,
			result = excluded.result,
			result_nonce = excluded.result_nonce,
			error = excluded.error,
			dispatched_at = excluded.dispatched_at,
			completed_at = excluded.completed_at`,
		t.ID, t.PlanID, t.Position, t.Goal, encodeList(t.Capabilities), encodeList(t.DependsOn), t.State,
		nullString(t.AgentID), t.Attempts, t.Result, t.ResultNonce, nullString(t.Error),
		t.CreatedAt.UTC(), utcPtr(t.DispatchedAt), utcPtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetPlan returns the plan with its tasks, or nil if it does not exist.
func (s *Store) GetPlan(id string) (*Plan, error) {
	row := s.db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	tasks, err := s.ListPlanTasks(id)
	if err != nil {
		return nil, err
	}
	p.Tasks = tasks
	return p, nil
}

// ListPlans returns the most recent plans first, without tasks.
func (s *Store) ListPlans(limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+planColumns+` FROM plans ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (s *Store) ListPlanTasks(planID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM plan_tasks WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) DeletePlan(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plan_tasks WHERE plan_id = ?`, id); err != nil {
		return fmt.Errorf("delete plan tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM plans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return tx.Commit()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
