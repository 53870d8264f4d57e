package progress

import (
	"encoding/json"
	"fmt"

	"orion/internal/domain"
)

type Type string

const (
	ExecutionStart Type = "execution_start"
	PhaseStart     Type = "phase_start"
	PhaseSkip      Type = "phase_skip"
	TaskStart      Type = "task_start"
	TaskUpdate     Type = "task_update"
	RateLimit      Type = "rate_limit"
	TaskDone       Type = "task_done"
	PhaseDone      Type = "phase_done"
	ExecutionDone  Type = "execution_done"
	ExecutionError Type = "execution_error"
	AgentUpdate    Type = "agent_update"
)

// Event is a progress notification. Type selects which fields are
// meaningful and which appear on the wire.
type Event struct {
	Type Type

	ProjectID        string
	ProjectName      string
	TotalPhases      int
	AwaitingApproval bool
	Error            string

	Phase     int
	PhaseName string
	TaskCount int
	Reason    string

	TaskID        string
	Agent         string
	Title         string
	Status        domain.TaskStatus
	Notes         string
	UpdatedAt     string
	OutputPreview string
	Failed        bool

	Retry  int
	WaitMS int64

	Agents []domain.Agent
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": e.Type}
	switch e.Type {
	case ExecutionStart:
		m["project_id"] = e.ProjectID
		m["project_name"] = e.ProjectName
		m["total_phases"] = e.TotalPhases
	case PhaseStart:
		m["project_id"] = e.ProjectID
		m["phase"] = e.Phase
		m["phase_name"] = e.PhaseName
		m["task_count"] = e.TaskCount
	case PhaseSkip:
		m["project_id"] = e.ProjectID
		m["phase"] = e.Phase
		m["phase_name"] = e.PhaseName
		m["reason"] = e.Reason
	case PhaseDone:
		m["project_id"] = e.ProjectID
		m["phase"] = e.Phase
		m["phase_name"] = e.PhaseName
	case TaskStart:
		m["project_id"] = e.ProjectID
		m["taskId"] = e.TaskID
		m["agent"] = e.Agent
		m["title"] = e.Title
	case TaskUpdate:
		m["project_id"] = e.ProjectID
		m["taskId"] = e.TaskID
		m["status"] = e.Status
		m["notes"] = e.Notes
		m["updatedAt"] = e.UpdatedAt
	case RateLimit:
		m["project_id"] = e.ProjectID
		m["taskId"] = e.TaskID
		m["retry"] = e.Retry
		m["wait_ms"] = e.WaitMS
	case TaskDone:
		m["project_id"] = e.ProjectID
		m["taskId"] = e.TaskID
		m["agent"] = e.Agent
		m["title"] = e.Title
		m["output_preview"] = e.OutputPreview
		m["failed"] = e.Failed
	case ExecutionDone:
		m["project_id"] = e.ProjectID
		m["project_name"] = e.ProjectName
		m["awaiting_approval"] = e.AwaitingApproval
	case ExecutionError:
		m["project_id"] = e.ProjectID
		m["error"] = e.Error
	case AgentUpdate:
		agents := e.Agents
		if agents == nil {
			agents = []domain.Agent{}
		}
		m["agents"] = agents
	default:
		return nil, fmt.Errorf("unknown progress event type %q", e.Type)
	}
	return json.Marshal(m)
}

func NewExecutionStart(projectID, projectName string, totalPhases int) Event {
	return Event{Type: ExecutionStart, ProjectID: projectID, ProjectName: projectName, TotalPhases: totalPhases}
}

func NewPhaseStart(projectID string, phase int, name string, taskCount int) Event {
	return Event{Type: PhaseStart, ProjectID: projectID, Phase: phase, PhaseName: name, TaskCount: taskCount}
}

func NewPhaseSkip(projectID string, phase int, name string) Event {
	return Event{Type: PhaseSkip, ProjectID: projectID, Phase: phase, PhaseName: name, Reason: "already complete"}
}

func NewPhaseDone(projectID string, phase int, name string) Event {
	return Event{Type: PhaseDone, ProjectID: projectID, Phase: phase, PhaseName: name}
}

func NewTaskStart(projectID, taskID, agent, title string) Event {
	return Event{Type: TaskStart, ProjectID: projectID, TaskID: taskID, Agent: agent, Title: title}
}

func NewTaskUpdate(projectID, taskID string, status domain.TaskStatus, notes, updatedAt string) Event {
	return Event{Type: TaskUpdate, ProjectID: projectID, TaskID: taskID, Status: status, Notes: notes, UpdatedAt: updatedAt}
}

func NewRateLimit(projectID, taskID string, retry int, waitMS int64) Event {
	return Event{Type: RateLimit, ProjectID: projectID, TaskID: taskID, Retry: retry, WaitMS: waitMS}
}

func NewTaskDone(projectID, taskID, agent, title, preview string, failed bool) Event {
	return Event{Type: TaskDone, ProjectID: projectID, TaskID: taskID, Agent: agent, Title: title, OutputPreview: preview, Failed: failed}
}

func NewExecutionDone(projectID, projectName string, awaitingApproval bool) Event {
	return Event{Type: ExecutionDone, ProjectID: projectID, ProjectName: projectName, AwaitingApproval: awaitingApproval}
}

func NewExecutionError(projectID, msg string) Event {
	return Event{Type: ExecutionError, ProjectID: projectID, Error: msg}
}

func NewAgentUpdate(agents []domain.Agent) Event {
	return Event{Type: AgentUpdate, Agents: agents}
}
