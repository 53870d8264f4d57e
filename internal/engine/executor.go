package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"orion/internal/audit"
	"orion/internal/domain"
	"orion/internal/llm"
	"orion/internal/progress"
	"orion/internal/retry"
)

const workingNote = "Agent is working on this task..."

// agentGates keeps an agent on at most one task at a time across runs.
type agentGates struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newAgentGates() *agentGates {
	return &agentGates{gates: make(map[string]chan struct{})}
}

func (g *agentGates) acquire(ctx context.Context, agentID string) (func(), error) {
	if agentID == "" {
		return func() {}, nil
	}
	g.mu.Lock()
	ch, ok := g.gates[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.gates[agentID] = ch
	}
	g.mu.Unlock()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// storeError marks persistence failures raised inside the retry loop so
// they abort the run instead of becoming a diagnostic result.
type storeError struct{ err error }

func (s storeError) Error() string { return s.err.Error() }
func (s storeError) Unwrap() error { return s.err }

func (e *Engine) retryPolicy() retry.Policy {
	x := e.Config.Execution
	return retry.Policy{
		MaxAttempts: x.MaxAttempts,
		BaseDelay:   x.BaseDelay,
		Multiplier:  x.BackoffMultiplier,
		Retryable:   llm.IsTransient,
		Sleep:       e.Sleep,
	}
}

func agentID(t domain.Task) string {
	if t.AssignedAgent == nil {
		return ""
	}
	return *t.AssignedAgent
}

// executeTask drives one task from pending to done. Provider failures are
// recorded as the task result; store failures and cancellation are returned.
func (e *Engine) executeTask(ctx context.Context, p domain.Project, t domain.Task) error {
	aid := agentID(t)
	log := e.Logger.With("project_id", p.ID, "task_id", t.ID, "agent", t.AgentName)

	release, err := e.gates.acquire(ctx, aid)
	if err != nil {
		return err
	}
	defer release()

	if err := e.startTask(ctx, t, aid); err != nil {
		return err
	}
	e.Progress.Publish(progress.NewTaskStart(t.ProjectID, t.ID, t.AgentName, t.Title))
	log.Info("task started", "phase", t.Phase)

	prompt := BuildPrompt(e.persona(t.AgentType), p, t)
	var output string
	callErr := e.retryPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		resp, err := e.Provider.Complete(ctx, llm.Request{Prompt: prompt, MaxTokens: e.Config.Provider.MaxTokens})
		if err != nil {
			return err
		}
		output = resp.Text
		return nil
	}, func(n retry.Notice) error {
		return e.noteRetry(ctx, t, n, log)
	})

	failed := false
	var se storeError
	switch {
	case errors.As(callErr, &se):
		return se.err
	case callErr != nil && ctx.Err() != nil:
		return ctx.Err()
	case callErr != nil:
		failed = true
		output = "Error: " + callErr.Error()
		log.Warn("task failed", "err", callErr)
	}

	if err := e.finishTask(ctx, p, t, aid, output, failed); err != nil {
		return err
	}
	if failed {
		log.Info("task finished with error result")
	} else {
		log.Info("task done", "chars", len(output))
	}
	release()

	if pause := e.Config.Execution.TaskPause; pause > 0 {
		sleep := e.Sleep
		if sleep == nil {
			sleep = retry.SleepContext
		}
		if err := sleep(ctx, pause); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) startTask(ctx context.Context, t domain.Task, aid string) error {
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskProgressTx(ctx, tx, t.ID, domain.TaskInProgress, workingNote, ts); err != nil {
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}
	if aid != "" {
		taskID := t.ID
		if err := e.Repo.SetAgentStatusTx(ctx, tx, aid, domain.AgentWorking, &taskID, ts); err != nil {
			return fmt.Errorf("mark agent %s working: %w", aid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Progress.Publish(progress.NewTaskUpdate(t.ProjectID, t.ID, domain.TaskInProgress, workingNote, ts))
	return nil
}

func (e *Engine) noteRetry(ctx context.Context, t domain.Task, n retry.Notice, log *slog.Logger) error {
	waitMS := n.Wait.Milliseconds()
	e.Progress.Publish(progress.NewRateLimit(t.ProjectID, t.ID, n.Attempt, waitMS))
	notes := fmt.Sprintf("Rate limited. Retrying in %ss (attempt %d/%d)...",
		strconv.FormatFloat(n.Wait.Seconds(), 'f', -1, 64), n.Attempt, n.MaxAttempts)
	ts := e.timestamp()
	if err := e.Repo.SetTaskNotes(ctx, t.ID, notes, ts); err != nil {
		return storeError{fmt.Errorf("record retry for task %s: %w", t.ID, err)}
	}
	e.Progress.Publish(progress.NewTaskUpdate(t.ProjectID, t.ID, domain.TaskInProgress, notes, ts))
	log.Warn("provider busy; retrying", "attempt", n.Attempt, "wait_ms", waitMS, "err", n.Err)
	return nil
}

func (e *Engine) finishTask(ctx context.Context, p domain.Project, t domain.Task, aid, output string, failed bool) error {
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskProgressTx(ctx, tx, t.ID, domain.TaskDone, output, ts); err != nil {
		return fmt.Errorf("finish task %s: %w", t.ID, err)
	}
	if aid != "" {
		status := domain.AgentIdle
		if failed {
			status = domain.AgentError
		}
		if err := e.Repo.SetAgentStatusTx(ctx, tx, aid, status, nil, ts); err != nil {
			return fmt.Errorf("release agent %s: %w", aid, err)
		}
	}
	action := domain.ActionTaskExecuted
	if failed {
		action = domain.ActionTaskFailed
	}
	agentType := t.AgentType
	if agentType == "" {
		agentType = "unknown"
	}
	if _, err := e.Audit.Append(ctx, tx, audit.Entry{
		AgentID:   aid,
		AgentType: agentType,
		Action:    action,
		Details:   output,
		ProjectID: p.ID,
		TaskID:    t.ID,
	}); err != nil {
		return fmt.Errorf("audit task %s: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Progress.Publish(progress.NewTaskUpdate(t.ProjectID, t.ID, domain.TaskDone, output, ts))
	preview := audit.Truncate(output, e.Config.Execution.PreviewLength)
	e.Progress.Publish(progress.NewTaskDone(t.ProjectID, t.ID, t.AgentName, t.Title, preview, failed))
	return nil
}
