package server

import (
	"orion/internal/domain"
	"orion/internal/engine"
	"orion/internal/llm"
)

// Request payloads

type ExecuteRequest struct {
	ProjectID string `path:"project_id" doc:"Project to execute"`
	MinPhase  int    `query:"min_phase" minimum:"0" doc:"First phase to run (default 1)"`
	MaxPhase  int    `query:"max_phase" minimum:"0" doc:"Last phase to run (default 99)"`
}

type ProjectPathRequest struct {
	ProjectID string `path:"project_id"`
}

type ProjectLogsRequest struct {
	ProjectID string `path:"project_id"`
	Limit     int    `query:"limit" minimum:"0" maximum:"500" doc:"Maximum log rows (default 50)"`
}

// Response payloads

type ExecuteResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message" example:"Execution started for \"Alpha\". 12 tasks across 3 phases."`
	ProjectID        string `json:"project_id"`
	Tasks            int    `json:"tasks"`
	Phases           int    `json:"phases"`
	AwaitingApproval bool   `json:"awaiting_approval"`
}

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type ProviderHealthResponse struct {
	Status    string             `json:"status" enum:"ok,degraded"`
	Providers []llm.HealthStatus `json:"providers"`
}

type ProjectStatusResponse struct {
	Project domain.Project        `json:"project"`
	Running bool                  `json:"running"`
	Total   int                   `json:"total"`
	Done    int                   `json:"done"`
	Phases  []domain.PhaseSummary `json:"phases"`
}

func executeResponse(ack engine.Ack) ExecuteResponse {
	return ExecuteResponse{
		Success:          true,
		Message:          ack.Message,
		ProjectID:        ack.ProjectID,
		Tasks:            ack.Tasks,
		Phases:           ack.Phases,
		AwaitingApproval: ack.AwaitingApproval,
	}
}

func projectStatusResponse(st engine.ProjectStatus) ProjectStatusResponse {
	return ProjectStatusResponse{
		Project: st.Project,
		Running: st.Running,
		Total:   st.Total,
		Done:    st.Done,
		Phases:  st.Phases,
	}
}
