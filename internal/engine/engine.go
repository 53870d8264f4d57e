package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"orion/internal/audit"
	"orion/internal/config"
	"orion/internal/domain"
	"orion/internal/llm"
	"orion/internal/progress"
	"orion/internal/repo"
	"orion/internal/retry"
	"orion/internal/runlock"
)

var (
	ErrProjectIDRequired     = errors.New("project_id required")
	ErrEmptyBacklog          = errors.New("no tasks found for project")
	ErrInvalidPhaseRange     = errors.New("invalid phase range")
	ErrProviderNotConfigured = errors.New("no completion provider configured")
	ErrRunInProgress         = errors.New("execution already in progress for this project")
)

// Engine runs project backlogs phase by phase against a completion provider.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Provider llm.Provider
	Progress *progress.Broadcaster
	Locks    *runlock.Locker
	Logger   *slog.Logger
	Now      func() time.Time
	// Sleep backs retry waits and the pause between tasks.
	Sleep retry.Sleeper

	gates   *agentGates
	runs    sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

type Options struct {
	Config   *config.Config
	Provider llm.Provider
	Progress *progress.Broadcaster
	Locks    *runlock.Locker
	Logger   *slog.Logger
}

func New(db *sql.DB, opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bc := opts.Progress
	if bc == nil {
		bc = progress.NewBroadcaster(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Provider: opts.Provider,
		Progress: bc,
		Locks:    opts.Locks,
		Logger:   logger,
		Now:      time.Now,
		Sleep:    retry.SleepContext,
		gates:    newAgentGates(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	e.Audit = audit.Writer{Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// Wait blocks until every background run has returned.
func (e *Engine) Wait() {
	e.runs.Wait()
}

// Shutdown cancels background runs and waits for them or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProjectStatus summarizes task counts per phase.
type ProjectStatus struct {
	Project domain.Project        `json:"project"`
	Running bool                  `json:"running"`
	Total   int                   `json:"total"`
	Done    int                   `json:"done"`
	Phases  []domain.PhaseSummary `json:"phases"`
}

func (e *Engine) ProjectStatus(ctx context.Context, projectID string) (ProjectStatus, error) {
	if projectID == "" {
		return ProjectStatus{}, ErrProjectIDRequired
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	counts, err := e.Repo.PhaseCounts(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	st := ProjectStatus{Project: p, Phases: []domain.PhaseSummary{}}
	if e.Locks != nil {
		st.Running = e.Locks.Held(projectID)
	}
	for _, n := range sortedPhases(counts) {
		sum := domain.PhaseSummary{Phase: n, Name: e.Config.PhaseName(n), Counts: counts[n]}
		for status, c := range counts[n] {
			sum.Total += c
			if status == string(domain.TaskDone) {
				st.Done += c
			}
		}
		st.Total += sum.Total
		st.Phases = append(st.Phases, sum)
	}
	return st, nil
}
