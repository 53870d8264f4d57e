// Package app wires the store, configuration, providers and engine for a
// workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orion/internal/config"
	"orion/internal/db"
	"orion/internal/domain"
	"orion/internal/engine"
	"orion/internal/llm"
	"orion/internal/migrate"
	"orion/internal/progress"
	"orion/internal/repo"
	"orion/internal/runlock"
)

type Options struct {
	Workspace string
	// LogLevel and JSONLogs override the config file when set.
	LogLevel string
	JSONLogs bool
	LogOut   io.Writer
	// Getenv resolves provider credentials and the JWT secret; nil means
	// os.Getenv.
	Getenv func(string) string
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
	Providers llm.Set
	Logger    *slog.Logger

	getenv func(string) string
}

// Open prepares the workspace: config, logger, migrated store, seeded agent
// roster, provider chain and engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	out := opts.LogOut
	if out == nil {
		out = os.Stderr
	}
	logCfg := cfg.Log
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	if opts.JSONLogs {
		logCfg.Format = "json"
	}
	logger := NewLogger(logCfg, out)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", "count", applied)
	}
	r := repo.Repo{DB: conn}
	seeded, err := SeedAgents(ctx, r, cfg.Agents, time.Now())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed agents: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded agent roster", "count", seeded)
	}

	providers := llm.NewFromConfig(cfg.Provider, getenv)
	if !providers.Chain.Configured() {
		logger.Warn("no completion provider configured; runs will be rejected")
	}
	e := engine.New(conn, engine.Options{
		Config:   cfg,
		Provider: providers.Chain,
		Progress: progress.NewBroadcaster(logger),
		Locks:    runlock.New(filepath.Join(db.Dir(workspace), "locks")),
		Logger:   logger,
	})
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Engine:    e,
		Providers: providers,
		Logger:    logger,
		getenv:    getenv,
	}, nil
}

// JWTSecret returns the secret named by server.jwt_secret_env, if set.
func (a *App) JWTSecret() string {
	if a.Config.Server.JWTSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(a.getenv(a.Config.Server.JWTSecretEnv))
}

// Close stops background runs and closes the store.
func (a *App) Close(ctx context.Context) error {
	shutdownErr := a.Engine.Shutdown(ctx)
	a.Engine.Progress.Close()
	if err := a.DB.Close(); err != nil {
		return err
	}
	return shutdownErr
}

// SeedAgents inserts roster entries that are not present yet and reports
// how many were added.
func SeedAgents(ctx context.Context, r repo.Repo, seeds []config.AgentSeed, now time.Time) (int, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	added := 0
	for _, s := range seeds {
		ok, err := r.EnsureAgent(ctx, domain.Agent{
			ID:          s.ID,
			Name:        s.Name,
			Type:        s.Type,
			Description: s.Description,
			Status:      domain.AgentIdle,
			CreatedAt:   ts,
		})
		if err != nil {
			return added, fmt.Errorf("agent %s: %w", s.ID, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// NewLogger builds a slog logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
