package engine

import (
	"context"
	"errors"
	"fmt"

	"orion/internal/runlock"
)

const (
	defaultMinPhase = 1
	defaultMaxPhase = 99
)

type TriggerRequest struct {
	ProjectID string
	// Zero means the default bound (1 and 99).
	MinPhase int
	MaxPhase int
}

// Ack is returned synchronously once a run has been accepted.
type Ack struct {
	Message          string `json:"message"`
	ProjectID        string `json:"project_id"`
	Tasks            int    `json:"tasks"`
	Phases           int    `json:"phases"`
	AwaitingApproval bool   `json:"awaiting_approval"`
}

// Trigger validates the request and starts the run on a background
// goroutine bound to the engine's lifetime, not the caller's.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (Ack, error) {
	run, ack, release, err := e.prepare(ctx, req)
	if err != nil {
		return Ack{}, err
	}
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		defer release()
		_ = e.runPhases(e.baseCtx, run)
	}()
	return ack, nil
}

// RunSync validates the request and runs it on the calling goroutine.
func (e *Engine) RunSync(ctx context.Context, req TriggerRequest) (Ack, error) {
	run, ack, release, err := e.prepare(ctx, req)
	if err != nil {
		return Ack{}, err
	}
	defer release()
	return ack, e.runPhases(ctx, run)
}

func (e *Engine) prepare(ctx context.Context, req TriggerRequest) (Run, Ack, func(), error) {
	if req.ProjectID == "" {
		return Run{}, Ack{}, nil, ErrProjectIDRequired
	}
	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return Run{}, Ack{}, nil, err
	}
	tasks, err := e.Repo.ListProjectTasks(ctx, p.ID)
	if err != nil {
		return Run{}, Ack{}, nil, err
	}
	if len(tasks) == 0 {
		return Run{}, Ack{}, nil, ErrEmptyBacklog
	}
	if e.Provider == nil || !e.Provider.Configured() {
		return Run{}, Ack{}, nil, ErrProviderNotConfigured
	}
	min, max := req.MinPhase, req.MaxPhase
	if min == 0 {
		min = defaultMinPhase
	}
	if max == 0 {
		max = defaultMaxPhase
	}
	if min < 0 || max < 0 || min > max {
		return Run{}, Ack{}, nil, fmt.Errorf("%w: min_phase %d, max_phase %d", ErrInvalidPhaseRange, min, max)
	}

	release := func() {}
	if e.Locks != nil {
		release, err = e.Locks.TryAcquire(p.ID)
		if errors.Is(err, runlock.ErrHeld) {
			return Run{}, Ack{}, nil, ErrRunInProgress
		}
		if err != nil {
			return Run{}, Ack{}, nil, err
		}
	}

	phases := phasesInRange(tasks, min, max)
	ack := Ack{
		Message:          fmt.Sprintf("Execution started for \"%s\". %d tasks across %d phases.", p.Name, len(tasks), len(phases)),
		ProjectID:        p.ID,
		Tasks:            len(tasks),
		Phases:           len(phases),
		AwaitingApproval: max < e.Config.Execution.FinalPhase,
	}
	e.Logger.Info("execution accepted", "project_id", p.ID, "tasks", ack.Tasks, "phases", ack.Phases)
	return Run{Project: p, MinPhase: min, MaxPhase: max}, ack, release, nil
}
