package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orion/internal/domain"
	"orion/internal/engine"
	"orion/internal/llm"
	"orion/internal/progress"
	"orion/internal/repo"
)

const (
	defaultLogLimit  = 50
	defaultHeartbeat = 3 * time.Second
	defaultSSEBuffer = 64
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	// Providers are probed individually by the provider health route.
	Providers []llm.Provider
	Auth      AuthConfig
	Logger    *slog.Logger
}

// apiError is the error envelope shared by every route.
type apiError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"message" example:"Project not found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Orion API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Engine.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		for _, err := range errs {
			if err != nil {
				msg = msg + ": " + err.Error()
				break
			}
		}
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Orion API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	registerHealth(api, cfg.Providers)
	registerExecute(api, cfg.Engine)
	registerProjects(api, cfg.Engine)
	registerAgents(api, cfg.Engine)
	registerLiveProgress(api, cfg.Engine)

	return router, nil
}

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, engine.ErrProjectIDRequired):
		return newAPIError(http.StatusBadRequest, "project_id required")
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "Project not found")
	case errors.Is(err, engine.ErrProviderNotConfigured):
		return newAPIError(http.StatusInternalServerError, "No LLM key configured. Set ANTHROPIC_API_KEY or OPENAI_API_KEY.")
	case errors.Is(err, engine.ErrEmptyBacklog):
		return newAPIError(http.StatusBadRequest, "No tasks found for this project. Run ingest first.")
	case errors.Is(err, engine.ErrInvalidPhaseRange):
		return newAPIError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrRunInProgress):
		return newAPIError(http.StatusConflict, "Execution already in progress for this project")
	default:
		return newAPIError(http.StatusInternalServerError, err.Error())
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}

func registerHealth(api huma.API, providers []llm.Provider) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "provider-health",
		Method:      http.MethodGet,
		Path:        "/pm-agent/health",
		Summary:     "Probe each completion provider",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProviderHealthResponse `json:"body"`
	}, error) {
		out := ProviderHealthResponse{Status: "degraded", Providers: []llm.HealthStatus{}}
		for _, p := range providers {
			h := llm.Health(ctx, p)
			if h.OK {
				out.Status = "ok"
			}
			out.Providers = append(out.Providers, h)
		}
		return &struct {
			Body ProviderHealthResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerExecute(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "execute-project",
		Method:        http.MethodPost,
		Path:          "/pm-agent/execute/{project_id}",
		Summary:       "Start a phased execution run",
		Description:   "Validates the request and returns immediately; progress is published on /live-progress.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *ExecuteRequest) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok {
			e.Logger.Info("execution requested", "project_id", input.ProjectID, "subject", p.Subject)
		}
		ack, err := e.Trigger(ctx, engine.TriggerRequest{
			ProjectID: strings.TrimSpace(input.ProjectID),
			MinPhase:  input.MinPhase,
			MaxPhase:  input.MaxPhase,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: executeResponse(ack)}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Per-phase task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPathRequest) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		st, err := e.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: projectStatusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks in execution order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPathRequest) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjectTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-logs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/logs",
		Summary:     "Agent audit log for a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectLogsRequest) (*struct {
		Body []domain.AgentLog `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit == 0 {
			limit = defaultLogLimit
		}
		items, err := e.Repo.ListAgentLogs(ctx, input.ProjectID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentLog `json:"body"`
		}{Body: items}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agent roster with current task",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})
}

// registerLiveProgress streams broadcaster events as server-sent events,
// interleaved with a roster snapshot on connect and every heartbeat.
func registerLiveProgress(api huma.API, e *engine.Engine) {
	heartbeat := e.Config.Execution.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	buffer := e.Config.Server.ProgressBuffer
	if buffer <= 0 {
		buffer = defaultSSEBuffer
	}
	sse.Register(api, huma.Operation{
		OperationID: "live-progress",
		Method:      http.MethodGet,
		Path:        "/live-progress",
		Summary:     "Progress event stream",
	}, map[string]any{
		"message": progress.Event{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sub := e.Progress.Subscribe(buffer)
		defer e.Progress.Unsubscribe(sub)

		if err := sendAgentSnapshot(ctx, e, send); err != nil {
			return
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sendAgentSnapshot(ctx, e, send); err != nil {
					return
				}
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				if err := send.Data(evt); err != nil {
					return
				}
			}
		}
	})
}

func sendAgentSnapshot(ctx context.Context, e *engine.Engine, send sse.Sender) error {
	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		e.Logger.Warn("agent snapshot failed", "error", err)
		return nil
	}
	return send.Data(progress.NewAgentUpdate(agents))
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
