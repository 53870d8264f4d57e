package repo

import (
	"context"
	"errors"
	"testing"

	"orion/internal/db"
	"orion/internal/domain"
	"orion/internal/migrate"
)

const stamp = "2026-01-01T00:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func seedTasks(t *testing.T, r Repo, tasks ...domain.Task) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, task := range tasks {
		task.ProjectID = "p1"
		task.CreatedAt, task.UpdatedAt = stamp, stamp
		if err := r.InsertTask(ctx, tx, task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestTaskOrderingAndCounts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "Alpha", CreatedAt: stamp, UpdatedAt: stamp}); err != nil {
		t.Fatal(err)
	}
	seedTasks(t, r,
		domain.Task{ID: "c", Title: "c", Phase: 2, Position: 0},
		domain.Task{ID: "b", Title: "b", Phase: 1, Position: 1},
		domain.Task{ID: "a2", Title: "a2", Phase: 1, Position: 1},
		domain.Task{ID: "a", Title: "a", Phase: 1, Position: 0, Status: domain.TaskDone},
	)
	tasks, err := r.ListProjectTasks(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if got := ids; len(got) != 4 || got[0] != "a" || got[1] != "a2" || got[2] != "b" || got[3] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
	counts, err := r.PhaseCounts(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[1]["done"] != 1 || counts[1]["todo"] != 2 || counts[2]["todo"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestTaskTransitionsAreChecked(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "Alpha", CreatedAt: stamp, UpdatedAt: stamp}); err != nil {
		t.Fatal(err)
	}
	seedTasks(t, r,
		domain.Task{ID: "t1", Title: "one"},
		domain.Task{ID: "t2", Title: "two", Status: domain.TaskInProgress},
	)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetTaskProgressTx(ctx, tx, "t1", domain.TaskDone, "skip", stamp); err == nil {
		t.Fatalf("todo -> done must be rejected")
	}
	if err := r.SetTaskProgressTx(ctx, tx, "nope", domain.TaskInProgress, "", stamp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	tx.Rollback()

	if err := r.SetTaskNotes(ctx, "t1", "x", stamp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("notes on a todo task must not apply, got %v", err)
	}
	if err := r.SetTaskNotes(ctx, "t2", "retrying", stamp); err != nil {
		t.Fatalf("set notes: %v", err)
	}

	if _, err := r.EnsureAgent(ctx, domain.Agent{ID: "ag", Name: "QA", Type: "qa_engineer", CreatedAt: stamp}); err != nil {
		t.Fatal(err)
	}
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	taskID := "t2"
	if err := r.SetAgentStatusTx(ctx, tx, "ag", domain.AgentWorking, &taskID, stamp); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	n, err := r.ResetActiveTasks(ctx, "p1", stamp)
	if err != nil || n != 1 {
		t.Fatalf("expected one reset, got %d (%v)", n, err)
	}
	got, err := r.GetTask(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskTodo {
		t.Fatalf("expected todo after reset, got %s", got.Status)
	}
	a, err := r.GetAgent(ctx, "ag")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentIdle || a.CurrentTaskID != nil {
		t.Fatalf("agent still bound to a swept task: %+v", a)
	}
}

func TestEnsureAgentAndCurrentTask(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	added, err := r.EnsureAgent(ctx, domain.Agent{ID: "ag", Name: "QA", Type: "qa_engineer", CreatedAt: stamp})
	if err != nil || !added {
		t.Fatalf("first ensure: %v %v", added, err)
	}
	if added, err = r.EnsureAgent(ctx, domain.Agent{ID: "ag", Name: "Renamed", Type: "qa_engineer", CreatedAt: stamp}); err != nil || added {
		t.Fatalf("second ensure must be a no-op: %v %v", added, err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "Alpha", CreatedAt: stamp, UpdatedAt: stamp}); err != nil {
		t.Fatal(err)
	}
	seedTasks(t, r, domain.Task{ID: "t1", Title: "Write plan"})

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	taskID := "t1"
	if err := r.SetAgentStatusTx(ctx, tx, "ag", domain.AgentWorking, &taskID, stamp); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	a, err := r.GetAgent(ctx, "ag")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "QA" || a.Status != domain.AgentWorking || a.CurrentTaskTitle == nil || *a.CurrentTaskTitle != "Write plan" {
		t.Fatalf("unexpected agent %+v", a)
	}
	if _, err := r.GetProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
