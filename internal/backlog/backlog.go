// Package backlog loads a project and its tasks from a JSON document.
package backlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"orion/internal/config"
	"orion/internal/domain"
	"orion/internal/repo"
)

const schema = `{
  "type": "object",
  "required": ["project", "tasks"],
  "properties": {
    "project": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "priority": {"enum": ["low", "medium", "high", "urgent"]}
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "agent_type": {"type": "string"},
          "priority": {"enum": ["low", "medium", "high", "urgent"]},
          "phase": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

// ValidationError lists schema violations.
type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Error() string {
	return "invalid backlog: " + strings.Join(v.Problems, "; ")
}

type Document struct {
	Project struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	} `json:"project"`
	Tasks []TaskSpec `json:"tasks"`
}

type TaskSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AgentType   string `json:"agent_type"`
	Priority    string `json:"priority"`
	Phase       int    `json:"phase"`
}

// Parse validates data against the backlog schema and decodes it.
func Parse(data []byte) (Document, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Document{}, fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		ve := &ValidationError{}
		for _, desc := range result.Errors() {
			ve.Problems = append(ve.Problems, desc.String())
		}
		return Document{}, ve
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode backlog: %w", err)
	}
	return doc, nil
}

type Result struct {
	Project domain.Project
	Tasks   int
	Phases  int
}

// Importer writes parsed backlogs to the store.
type Importer struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

// Import creates the project and its tasks in one transaction. A task's
// phase is taken from the document, else from the phase owning its agent
// type, else 1. Positions follow phase order then document order.
func (im Importer) Import(ctx context.Context, doc Document) (Result, error) {
	now := time.Now
	if im.Now != nil {
		now = im.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)

	agents, err := im.Repo.ListAgents(ctx)
	if err != nil {
		return Result{}, err
	}
	byType := map[string]domain.Agent{}
	for _, a := range agents {
		if _, ok := byType[a.Type]; !ok {
			byType[a.Type] = a
		}
	}

	p := domain.Project{
		ID:          doc.Project.ID,
		Name:        doc.Project.Name,
		Description: doc.Project.Description,
		Status:      domain.ProjectPlanning,
		Priority:    doc.Project.Priority,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, err := im.Repo.GetProject(ctx, p.ID); err == nil {
		return Result{}, fmt.Errorf("project %s already exists", p.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}

	type placed struct {
		spec  TaskSpec
		phase int
		order int
	}
	items := make([]placed, 0, len(doc.Tasks))
	for i, t := range doc.Tasks {
		phase := t.Phase
		if phase == 0 && im.Config != nil {
			phase = im.Config.PhaseForAgentType(t.AgentType)
		}
		if phase == 0 {
			phase = 1
		}
		items = append(items, placed{spec: t, phase: phase, order: i})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].phase < items[j].phase })

	tx, err := im.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := im.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return Result{}, fmt.Errorf("insert project: %w", err)
	}
	phases := map[int]bool{}
	for pos, it := range items {
		t := domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   p.ID,
			Title:       it.spec.Title,
			Description: it.spec.Description,
			Status:      domain.TaskTodo,
			Priority:    it.spec.Priority,
			Phase:       it.phase,
			Position:    pos,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if a, ok := byType[it.spec.AgentType]; ok {
			id := a.ID
			t.AssignedAgent = &id
		}
		if err := im.Repo.InsertTask(ctx, tx, t); err != nil {
			return Result{}, fmt.Errorf("insert task %q: %w", t.Title, err)
		}
		phases[it.phase] = true
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	if p.Priority == "" {
		p.Priority = "medium"
	}
	return Result{Project: p, Tasks: len(items), Phases: len(phases)}, nil
}
