package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"orion/internal/domain"
	"orion/internal/progress"
)

// Run is one pass over a project's phases within [MinPhase, MaxPhase].
type Run struct {
	Project  domain.Project
	MinPhase int
	MaxPhase int
}

// runPhases executes the run and always ends with execution_done or
// execution_error.
func (e *Engine) runPhases(ctx context.Context, r Run) (err error) {
	log := e.Logger.With("project_id", r.Project.ID)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("run panicked", "panic", rec, "stack", string(debug.Stack()))
		}
		if err != nil {
			log.Error("execution failed", "err", err)
			e.Progress.Publish(progress.NewExecutionError(r.Project.ID, err.Error()))
		}
	}()

	reset, err := e.Repo.ResetActiveTasks(ctx, r.Project.ID, e.timestamp())
	if err != nil {
		return fmt.Errorf("reset active tasks: %w", err)
	}
	if reset > 0 {
		log.Info("reset interrupted tasks", "count", reset)
	}

	tasks, err := e.Repo.ListProjectTasks(ctx, r.Project.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	phases := phasesInRange(tasks, r.MinPhase, r.MaxPhase)

	e.Progress.Publish(progress.NewExecutionStart(r.Project.ID, r.Project.Name, len(phases)))
	log.Info("execution started", "phases", len(phases), "min_phase", r.MinPhase, "max_phase", r.MaxPhase)

	for _, phase := range phases {
		if err := e.runPhase(ctx, r.Project, phase); err != nil {
			return err
		}
	}

	final := e.Config.Execution.FinalPhase
	if r.MaxPhase >= final {
		open, err := e.openTasksThrough(ctx, r.Project.ID, final)
		if err != nil {
			return fmt.Errorf("count open tasks: %w", err)
		}
		if open == 0 {
			if err := e.Repo.SetProjectStatus(ctx, r.Project.ID, domain.ProjectCompleted, e.timestamp()); err != nil {
				return fmt.Errorf("complete project: %w", err)
			}
		} else {
			log.Info("project left open", "open_tasks", open, "min_phase", r.MinPhase)
		}
	}
	awaiting := r.MaxPhase < final
	e.Progress.Publish(progress.NewExecutionDone(r.Project.ID, r.Project.Name, awaiting))
	log.Info("execution done", "awaiting_approval", awaiting)
	return nil
}

func (e *Engine) runPhase(ctx context.Context, p domain.Project, phase int) error {
	name := e.Config.PhaseName(phase)
	live, err := e.Repo.ListPhaseTasks(ctx, p.ID, phase)
	if err != nil {
		return fmt.Errorf("load phase %d: %w", phase, err)
	}
	var pending []domain.Task
	for _, t := range live {
		if !t.Status.Terminal() {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		e.Progress.Publish(progress.NewPhaseSkip(p.ID, phase, name))
		e.Logger.Info("phase skipped", "project_id", p.ID, "phase", phase)
		return nil
	}
	e.Progress.Publish(progress.NewPhaseStart(p.ID, phase, name, len(pending)))
	for _, t := range pending {
		if err := e.executeTask(ctx, p, t); err != nil {
			return err
		}
	}
	e.Progress.Publish(progress.NewPhaseDone(p.ID, phase, name))
	return nil
}

// openTasksThrough counts tasks in phases up to final that are not done.
func (e *Engine) openTasksThrough(ctx context.Context, projectID string, final int) (int, error) {
	counts, err := e.Repo.PhaseCounts(ctx, projectID)
	if err != nil {
		return 0, err
	}
	open := 0
	for phase, byStatus := range counts {
		if phase > final {
			continue
		}
		for status, n := range byStatus {
			if !domain.TaskStatus(status).Terminal() {
				open += n
			}
		}
	}
	return open, nil
}

// phasesInRange returns the distinct phases of tasks within [min, max],
// ascending.
func phasesInRange(tasks []domain.Task, min, max int) []int {
	seen := map[int]bool{}
	var res []int
	for _, t := range tasks {
		ph := t.Phase
		if ph <= 0 {
			ph = 1
		}
		if seen[ph] || ph < min || ph > max {
			continue
		}
		seen[ph] = true
		res = append(res, ph)
	}
	sort.Ints(res)
	return res
}

func sortedPhases[V any](m map[int]V) []int {
	res := make([]int, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Ints(res)
	return res
}
