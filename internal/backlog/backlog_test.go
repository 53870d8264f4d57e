package backlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"orion/internal/config"
	"orion/internal/db"
	"orion/internal/domain"
	"orion/internal/migrate"
	"orion/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"project":{"name":""},"tasks":[{"phase":0}]}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ve.Problems) < 2 {
		t.Fatalf("expected several problems, got %v", ve.Problems)
	}
}

func TestImportAssignsPhasesAndAgents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := "2026-01-01T00:00:00Z"
	for _, a := range []domain.Agent{
		{ID: "ag-qa", Name: "QA Agent", Type: "qa_engineer", CreatedAt: now},
		{ID: "ag-ba", Name: "BA Agent", Type: "business_analyst", CreatedAt: now},
	} {
		if err := r.InsertAgent(ctx, a); err != nil {
			t.Fatalf("insert agent: %v", err)
		}
	}
	doc, err := Parse([]byte(`{
  "project": {"id": "p1", "name": "Alpha", "description": "demo"},
  "tasks": [
    {"title": "Test plan", "agent_type": "qa_engineer"},
    {"title": "Requirements", "agent_type": "business_analyst"},
    {"title": "Loose end"},
    {"title": "Pinned", "agent_type": "qa_engineer", "phase": 2}
  ]
}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	im := Importer{Repo: r, Config: config.Default(), Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }}
	res, err := im.Import(ctx, doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Tasks != 4 || res.Phases != 3 || res.Project.ID != "p1" {
		t.Fatalf("unexpected result %+v", res)
	}
	tasks, err := r.ListProjectTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []struct {
		title string
		phase int
		agent string
	}{
		{"Requirements", 1, "BA Agent"},
		{"Loose end", 1, ""},
		{"Pinned", 2, "QA Agent"},
		{"Test plan", 5, "QA Agent"},
	}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, w := range want {
		if tasks[i].Title != w.title || tasks[i].Phase != w.phase || tasks[i].AgentName != w.agent {
			t.Fatalf("task %d: got %s/%d/%s want %+v", i, tasks[i].Title, tasks[i].Phase, tasks[i].AgentName, w)
		}
		if tasks[i].Status != domain.TaskTodo {
			t.Fatalf("task %d status %s", i, tasks[i].Status)
		}
	}

	if _, err := im.Import(ctx, doc); err == nil {
		t.Fatalf("expected duplicate project error")
	}
}
