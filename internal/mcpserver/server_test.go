package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"orion/internal/config"
	"orion/internal/db"
	"orion/internal/domain"
	"orion/internal/engine"
	"orion/internal/llm"
	"orion/internal/migrate"
	"orion/internal/runlock"
)

const stamp = "2026-01-01T00:00:00Z"

type echoProvider struct{}

func (echoProvider) Name() string     { return "echo" }
func (echoProvider) Configured() bool { return true }
func (echoProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: "done", Provider: "echo"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, engine.Options{
		Config:   config.Default(),
		Provider: echoProvider{},
		Locks:    runlock.New(filepath.Join(db.Dir(dir), "locks")),
	})
	e.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { e.Shutdown(context.Background()) })

	ctx := context.Background()
	if err := e.Repo.InsertProject(ctx, domain.Project{ID: "p1", Name: "Alpha", CreatedAt: stamp, UpdatedAt: stamp}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for i, phase := range []int{1, 2} {
		task := domain.Task{ID: []string{"t1", "t2"}[i], ProjectID: "p1", Title: "Task", Phase: phase, Position: i, CreatedAt: stamp, UpdatedAt: stamp}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return New(e, "test", nil)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestExecuteProjectTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleExecuteProject(ctx, callRequest(ToolExecuteProject, map[string]any{"project_id": "p1", "max_phase": float64(1)}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	var ack engine.Ack
	if err := json.Unmarshal([]byte(resultText(t, res)), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ProjectID != "p1" || ack.Tasks != 2 || ack.Phases != 1 || !ack.AwaitingApproval {
		t.Fatalf("unexpected ack %+v", ack)
	}
	s.engine.Wait()

	res, err = s.handleProjectStatus(ctx, callRequest(ToolProjectStatus, map[string]any{"project_id": "p1"}))
	if err != nil || res.IsError {
		t.Fatalf("status: %v %v", err, res)
	}
	var st engine.ProjectStatus
	if err := json.Unmarshal([]byte(resultText(t, res)), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Total != 2 || st.Done != 1 || st.Running {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	cases := []struct {
		name string
		call func() (*mcp.CallToolResult, error)
		want string
	}{
		{"missing id", func() (*mcp.CallToolResult, error) {
			return s.handleExecuteProject(ctx, callRequest(ToolExecuteProject, map[string]any{}))
		}, "project_id parameter is required"},
		{"unknown project", func() (*mcp.CallToolResult, error) {
			return s.handleExecuteProject(ctx, callRequest(ToolExecuteProject, map[string]any{"project_id": "nope"}))
		}, "Project not found"},
		{"unknown status", func() (*mcp.CallToolResult, error) {
			return s.handleProjectStatus(ctx, callRequest(ToolProjectStatus, map[string]any{"project_id": "nope"}))
		}, "Project not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.call()
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if !res.IsError || resultText(t, res) != tc.want {
				t.Fatalf("expected tool error %q, got %+v", tc.want, res)
			}
		})
	}
}

func TestListProjectsTool(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleListProjects(context.Background(), callRequest(ToolListProjects, nil))
	if err != nil || res.IsError {
		t.Fatalf("list: %v %v", err, res)
	}
	var items []domain.Project
	if err := json.Unmarshal([]byte(resultText(t, res)), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Alpha" {
		t.Fatalf("unexpected projects %+v", items)
	}
}

func TestToolsListDescribesSessionRuns(t *testing.T) {
	s := newTestServer(t)
	msg := s.mcpServer.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var res struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var desc string
	for _, tool := range res.Result.Tools {
		if tool.Name == ToolExecuteProject {
			desc = tool.Description
		}
	}
	if desc == "" {
		t.Fatalf("execute_project not listed: %s", data)
	}
	if strings.Contains(desc, "/live-progress") || !strings.Contains(desc, ToolProjectStatus) {
		t.Fatalf("unexpected execute_project description %q", desc)
	}
}
