package audit

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"orion/internal/domain"
)

// DetailsLimit caps the stored details text, counted in runes.
const DetailsLimit = 500

// Writer appends agent_logs rows inside the caller's transaction.
type Writer struct {
	Now   func() time.Time
	NewID func() string
}

type Entry struct {
	AgentID   string
	AgentType string
	Action    string
	Details   string
	ProjectID string
	TaskID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AgentLog, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.NewID == nil {
		w.NewID = uuid.NewString
	}
	l := domain.AgentLog{
		ID:        w.NewID(),
		AgentID:   e.AgentID,
		AgentType: e.AgentType,
		Action:    e.Action,
		Details:   Truncate(e.Details, DetailsLimit),
		ProjectID: e.ProjectID,
		TaskID:    e.TaskID,
		CreatedAt: w.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_logs(id,agent_id,agent_type,action,details,project_id,task_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, nullable(l.AgentID), l.AgentType, l.Action, nullable(l.Details), nullable(l.ProjectID), nullable(l.TaskID), l.CreatedAt)
	return l, err
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
