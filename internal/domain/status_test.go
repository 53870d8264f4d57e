package domain

import "testing"

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskTodo, TaskInProgress, true},
		{TaskReview, TaskInProgress, true},
		{TaskInProgress, TaskInProgress, true},
		{TaskInProgress, TaskDone, true},
		{TaskInProgress, TaskTodo, true},
		{TaskTodo, TaskDone, false},
		{TaskDone, TaskInProgress, false},
		{TaskDone, TaskTodo, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
		err := EnsureTaskTransition(c.from, c.to)
		if (err == nil) != c.ok {
			t.Errorf("%s -> %s: unexpected error state %v", c.from, c.to, err)
		}
	}
}

func TestTaskStatusClasses(t *testing.T) {
	if !TaskDone.Terminal() || TaskReview.Terminal() {
		t.Fatalf("only done is terminal")
	}
	if !TaskTodo.Pending() || !TaskReview.Pending() || TaskInProgress.Pending() {
		t.Fatalf("pending classification wrong")
	}
	if !TaskInProgress.Active() {
		t.Fatalf("in_progress must be active")
	}
}

func TestParseStatuses(t *testing.T) {
	if _, err := ParseTaskStatus("bogus"); err == nil {
		t.Fatalf("expected task status error")
	}
	if st, err := ParseAgentStatus("working"); err != nil || st != AgentWorking {
		t.Fatalf("parse agent status: %v %v", st, err)
	}
	if st, err := ParseProjectStatus("completed"); err != nil || st != ProjectCompleted {
		t.Fatalf("parse project status: %v %v", st, err)
	}
}
