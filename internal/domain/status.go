package domain

import "fmt"

// TaskStatus is the persisted state of a task. todo and review are pending,
// in_progress is active and done is the only terminal state.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskTodo, TaskInProgress, TaskReview, TaskDone:
		return st, nil
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

func (s TaskStatus) Terminal() bool { return s == TaskDone }

func (s TaskStatus) Active() bool { return s == TaskInProgress }

func (s TaskStatus) Pending() bool { return s == TaskTodo || s == TaskReview }

// CanTransition reports whether the engine may move a task from s to next.
// in_progress -> in_progress is allowed so interim notes can be rewritten
// during retries; in_progress -> todo is the resume sweep.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskTodo, TaskReview:
		return next == TaskInProgress
	case TaskInProgress:
		return next == TaskInProgress || next == TaskDone || next == TaskTodo
	case TaskDone:
		return false
	}
	return false
}

// EnsureTaskTransition returns an error for transitions CanTransition rejects.
func EnsureTaskTransition(from, to TaskStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("invalid task status transition %s -> %s", from, to)
}

type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(s); st {
	case AgentIdle, AgentWorking, AgentCompleted, AgentError:
		return st, nil
	}
	return "", fmt.Errorf("invalid agent status %q", s)
}

type ProjectStatus string

const (
	ProjectPlanning   ProjectStatus = "planning"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectReview     ProjectStatus = "review"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectOnHold     ProjectStatus = "on_hold"
)

func ParseProjectStatus(s string) (ProjectStatus, error) {
	switch st := ProjectStatus(s); st {
	case ProjectPlanning, ProjectInProgress, ProjectReview, ProjectCompleted, ProjectOnHold:
		return st, nil
	}
	return "", fmt.Errorf("invalid project status %q", s)
}
