package repo

import (
	"context"
	"database/sql"
	"fmt"

	"orion/internal/domain"
)

const taskSelect = `SELECT t.id,t.project_id,t.title,COALESCE(t.description,''),t.status,t.priority,t.assigned_agent,t.phase,t.position,COALESCE(t.notes,''),t.created_at,t.updated_at,
COALESCE(a.name,''),COALESCE(a.type,'')
FROM tasks t LEFT JOIN agents a ON a.id = t.assigned_agent`

func scanTask(sc interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var assigned sql.NullString
	err := sc.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &assigned, &t.Phase, &t.Position, &t.Notes, &t.CreatedAt, &t.UpdatedAt,
		&t.AgentName, &t.AgentType)
	if err != nil {
		return t, err
	}
	t.AssignedAgent = stringPtr(assigned)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.Status == "" {
		t.Status = domain.TaskTodo
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.Phase <= 0 {
		t.Phase = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,priority,assigned_agent,phase,position,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, nullableStringPtr(t.AssignedAgent),
		t.Phase, t.Position, nullable(t.Notes), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, taskSelect+` WHERE t.id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListProjectTasks returns every task of the project in execution order:
// phase, then position, then id.
func (r Repo) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return r.listTasks(ctx, taskSelect+` WHERE t.project_id=? ORDER BY t.phase, t.position, t.id`, projectID)
}

// ListPhaseTasks returns the live rows of one phase in execution order.
func (r Repo) ListPhaseTasks(ctx context.Context, projectID string, phase int) ([]domain.Task, error) {
	return r.listTasks(ctx, taskSelect+` WHERE t.project_id=? AND t.phase=? ORDER BY t.position, t.id`, projectID, phase)
}

func (r Repo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ResetActiveTasks moves the project's in_progress tasks back to todo and
// reports how many were reset. Agents still pointing at a swept task go back
// to idle in the same transaction.
func (r Repo) ResetActiveTasks(ctx context.Context, projectID, now string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET status=?, current_task_id=NULL, last_active=?
WHERE current_task_id IN (SELECT id FROM tasks WHERE project_id=? AND status=?)`,
		domain.AgentIdle, now, projectID, domain.TaskInProgress); err != nil {
		return 0, fmt.Errorf("release agents: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE project_id=? AND status=?`,
		domain.TaskTodo, now, projectID, domain.TaskInProgress)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// SetTaskProgressTx moves a task to status with notes after checking the
// transition against the current row.
func (r Repo) SetTaskProgressTx(ctx context.Context, tx *sql.Tx, id string, status domain.TaskStatus, notes, now string) error {
	var current domain.TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := domain.EnsureTaskTransition(current, status); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, notes=?, updated_at=? WHERE id=?`, status, nullable(notes), now, id)
	return err
}

// SetTaskNotes rewrites the notes of an in-progress task without changing
// its status.
func (r Repo) SetTaskNotes(ctx context.Context, id, notes, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET notes=?, updated_at=? WHERE id=? AND status=?`, nullable(notes), now, id, domain.TaskInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PhaseCounts returns task counts by status for each phase of the project.
func (r Repo) PhaseCounts(ctx context.Context, projectID string) (map[int]map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase, status, count(*) FROM tasks WHERE project_id=? GROUP BY phase, status ORDER BY phase`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]map[string]int{}
	for rows.Next() {
		var phase, count int
		var status string
		if err := rows.Scan(&phase, &status, &count); err != nil {
			return nil, err
		}
		if res[phase] == nil {
			res[phase] = map[string]int{}
		}
		res[phase][status] = count
	}
	return res, rows.Err()
}
