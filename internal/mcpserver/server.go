// Package mcpserver exposes execution and status as MCP tools over stdio.
package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"orion/internal/engine"
	"orion/internal/repo"
)

const (
	ToolExecuteProject = "execute_project"
	ToolProjectStatus  = "project_status"
	ToolListProjects   = "list_projects"
)

type Server struct {
	engine    *engine.Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

func New(e *engine.Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = e.Logger
	}
	s := &Server{
		engine: e,
		logger: logger,
		mcpServer: server.NewMCPServer(
			"orion",
			version,
			server.WithToolCapabilities(true),
			server.WithLogging(),
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolExecuteProject,
			mcp.WithDescription("Start a phased execution run for a project. Returns once the run is accepted. The run belongs to this MCP session and stops when the session ends; poll project_status to follow it."),
			mcp.WithString("project_id",
				mcp.Description("Project to execute"),
				mcp.Required(),
			),
			mcp.WithNumber("min_phase",
				mcp.Description("First phase to run (default 1)"),
			),
			mcp.WithNumber("max_phase",
				mcp.Description("Last phase to run (default 99). A value below the final phase leaves the project awaiting approval."),
			),
			mcp.WithToolAnnotation(mcp.ToolAnnotation{
				ReadOnlyHint:    mcp.ToBoolPtr(false),
				DestructiveHint: mcp.ToBoolPtr(false),
				OpenWorldHint:   mcp.ToBoolPtr(true),
			}),
		),
		s.handleExecuteProject,
	)
	s.mcpServer.AddTool(
		mcp.NewTool(ToolProjectStatus,
			mcp.WithDescription("Per-phase task counts for a project and whether a run is active."),
			mcp.WithString("project_id",
				mcp.Description("Project to inspect"),
				mcp.Required(),
			),
			mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(true)}),
		),
		s.handleProjectStatus,
	)
	s.mcpServer.AddTool(
		mcp.NewTool(ToolListProjects,
			mcp.WithDescription("List all projects."),
			mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(true)}),
		),
		s.handleListProjects,
	)
}

// createJSONResult wraps data as a JSON tool result.
func createJSONResult(data any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(data)
	if err != nil {
		return mcp.NewToolResultError("failed to encode result"), nil
	}
	return result, nil
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return mcp.NewToolResultError("Project not found")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func (s *Server) handleExecuteProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := mcp.ParseString(request, "project_id", "")
	s.logger.Info("tool called", "tool", ToolExecuteProject, "project_id", projectID)
	if projectID == "" {
		return mcp.NewToolResultError("project_id parameter is required"), nil
	}
	ack, err := s.engine.Trigger(ctx, engine.TriggerRequest{
		ProjectID: projectID,
		MinPhase:  int(mcp.ParseFloat64(request, "min_phase", 0)),
		MaxPhase:  int(mcp.ParseFloat64(request, "max_phase", 0)),
	})
	if err != nil {
		return toolError(err), nil
	}
	return createJSONResult(ack)
}

func (s *Server) handleProjectStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := mcp.ParseString(request, "project_id", "")
	s.logger.Info("tool called", "tool", ToolProjectStatus, "project_id", projectID)
	if projectID == "" {
		return mcp.NewToolResultError("project_id parameter is required"), nil
	}
	st, err := s.engine.ProjectStatus(ctx, projectID)
	if err != nil {
		return toolError(err), nil
	}
	return createJSONResult(st)
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.engine.Repo.ListProjects(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return createJSONResult(items)
}

// Serve speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	s.logger.Info("mcp server started")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
