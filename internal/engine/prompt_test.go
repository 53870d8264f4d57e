package engine

import (
	"strings"
	"testing"

	"orion/internal/config"
	"orion/internal/domain"
)

func TestBuildPromptDefaults(t *testing.T) {
	got := BuildPrompt(defaultPersona, domain.Project{Name: "Alpha"}, domain.Task{Title: "Write tests"})
	for _, want := range []string{
		"You are an AI agent.\n\nPROJECT: Alpha\n",
		"PROJECT CONTEXT: No additional context\n",
		"YOUR TASK: Write tests\n",
		"TASK DETAILS: Complete this task based on the project context.\n",
		"Provide a detailed work output in 200-400 words.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestPersonaLookup(t *testing.T) {
	e := &Engine{Config: config.Default()}
	if p := e.persona("qa_engineer"); !strings.HasPrefix(p, "You are a QA Engineer.") {
		t.Fatalf("unexpected persona %q", p)
	}
	if p := e.persona("video_generation"); p != defaultPersona {
		t.Fatalf("unknown type should use default persona, got %q", p)
	}
}

func TestPhasesInRange(t *testing.T) {
	tasks := []domain.Task{{Phase: 4}, {Phase: 1}, {Phase: 4}, {Phase: 7}, {Phase: 2}}
	got := phasesInRange(tasks, 2, 6)
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("unexpected phases %v", got)
	}
	if got := phasesInRange(tasks, 8, 9); len(got) != 0 {
		t.Fatalf("expected empty range, got %v", got)
	}
}
