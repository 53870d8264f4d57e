package repo

import (
	"context"
	"database/sql"

	"orion/internal/domain"
)

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,name,type,description,status,current_task_id,last_active,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Type, nullable(a.Description), a.Status, nullableStringPtr(a.CurrentTaskID), nullableStringPtr(a.LastActive), a.CreatedAt)
	return err
}

// EnsureAgent inserts the agent unless a row with the same id exists.
func (r Repo) EnsureAgent(ctx context.Context, a domain.Agent) (bool, error) {
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,name,type,description,status,created_at) VALUES (?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Name, a.Type, nullable(a.Description), a.Status, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const agentSelect = `SELECT a.id,a.name,a.type,COALESCE(a.description,''),a.status,a.current_task_id,a.last_active,a.created_at,t.title
FROM agents a LEFT JOIN tasks t ON t.id = a.current_task_id`

func scanAgent(sc interface{ Scan(...any) error }) (domain.Agent, error) {
	var a domain.Agent
	var current, lastActive, title sql.NullString
	if err := sc.Scan(&a.ID, &a.Name, &a.Type, &a.Description, &a.Status, &current, &lastActive, &a.CreatedAt, &title); err != nil {
		return a, err
	}
	a.CurrentTaskID = stringPtr(current)
	a.LastActive = stringPtr(lastActive)
	a.CurrentTaskTitle = stringPtr(title)
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, agentSelect+` WHERE a.id=?`, id))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListAgents returns the roster snapshot with the title of each agent's
// current task joined in.
func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, agentSelect+` ORDER BY a.name, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAgentStatusTx updates status and current task; a nil task clears it.
func (r Repo) SetAgentStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, currentTaskID *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=?, current_task_id=?, last_active=? WHERE id=?`,
		status, nullableStringPtr(currentTaskID), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgentLogs(ctx context.Context, projectID string, limit int) ([]domain.AgentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(agent_id,''),agent_type,action,COALESCE(details,''),COALESCE(project_id,''),COALESCE(task_id,''),created_at
FROM agent_logs WHERE project_id=? ORDER BY created_at, rowid LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentLog
	for rows.Next() {
		var l domain.AgentLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.AgentType, &l.Action, &l.Details, &l.ProjectID, &l.TaskID, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
