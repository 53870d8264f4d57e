package domain

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status" enum:"planning,in_progress,review,completed,on_hold"`
	Priority    string        `json:"priority" enum:"low,medium,high,urgent"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

// Task is one unit of agent work. Phase and Position order tasks within a
// project; Priority is informational and never affects scheduling.
type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status" enum:"todo,in_progress,review,done"`
	Priority      string     `json:"priority" enum:"low,medium,high,urgent"`
	AssignedAgent *string    `json:"assigned_agent,omitempty"`
	Phase         int        `json:"phase" minimum:"1"`
	Position      int        `json:"position"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`

	// Populated from the assigned agent when listed for execution.
	AgentName string `json:"agent_name,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Description   string      `json:"description,omitempty"`
	Status        AgentStatus `json:"status" enum:"idle,working,completed,error"`
	CurrentTaskID *string     `json:"current_task_id,omitempty"`
	LastActive    *string     `json:"last_active,omitempty" format:"date-time"`
	CreatedAt     string      `json:"created_at" format:"date-time"`

	CurrentTaskTitle *string `json:"current_task_title,omitempty"`
}

// AgentLog is an append-only audit row written once per executed task.
type AgentLog struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentType string `json:"agent_type"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	ActionTaskExecuted = "task_executed"
	ActionTaskFailed   = "task_failed"
)

// PhaseSummary counts task statuses for one phase of a project.
type PhaseSummary struct {
	Phase  int            `json:"phase"`
	Name   string         `json:"name"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}
