package progress

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"orion/internal/domain"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	b.Publish(NewPhaseStart("p1", 1, "Discovery", 2))
	for _, s := range []*Subscription{s1, s2} {
		select {
		case e := <-s.C():
			if e.Type != PhaseStart || e.Phase != 1 {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(nil)
	slow := b.Subscribe(1)
	fast := b.Subscribe(16)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(NewPhaseDone("p1", i+1, "p"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if got := slow.Dropped(); got != 9 {
		t.Fatalf("expected 9 dropped events, got %d", got)
	}
	if len(fast.C()) != 10 || fast.Dropped() != 0 {
		t.Fatalf("fast subscriber lost events: len=%d dropped=%d", len(fast.C()), fast.Dropped())
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Subscribe(2)
	b.Unsubscribe(s)
	b.Unsubscribe(s)
	if b.Count() != 0 {
		t.Fatalf("subscriber not removed")
	}
	b.Publish(NewPhaseDone("p1", 1, "p"))
	if _, ok := <-s.C(); ok {
		t.Fatalf("expected closed channel")
	}
}

func TestSubscribeFuncRecoversPanics(t *testing.T) {
	b := NewBroadcaster(nil)
	var mu sync.Mutex
	var seen []int
	got := make(chan struct{}, 2)
	b.SubscribeFunc(4, func(e Event) {
		if e.Phase == 1 {
			panic("boom")
		}
		mu.Lock()
		seen = append(seen, e.Phase)
		mu.Unlock()
		got <- struct{}{}
	})
	b.Publish(NewPhaseDone("p1", 1, "p"))
	b.Publish(NewPhaseDone("p1", 2, "p"))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("handler stopped after panic")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("unexpected handled events %v", seen)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Subscribe(1)
	b.Close()
	if _, ok := <-s.C(); ok {
		t.Fatalf("expected closed channel after Close")
	}
	late := b.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription after Close must be closed")
	}
	b.Unsubscribe(late)
	b.Publish(NewPhaseDone("p1", 1, "p"))
}

func TestEventWireFormat(t *testing.T) {
	cases := []struct {
		ev   Event
		want map[string]any
	}{
		{NewTaskUpdate("p1", "t1", domain.TaskDone, "out", "2026-01-01T00:00:00Z"), map[string]any{
			"type": "task_update", "project_id": "p1", "taskId": "t1", "status": "done", "notes": "out", "updatedAt": "2026-01-01T00:00:00Z",
		}},
		{NewRateLimit("p1", "t1", 2, 20000), map[string]any{"type": "rate_limit", "project_id": "p1", "taskId": "t1", "retry": float64(2), "wait_ms": float64(20000)}},
		{NewPhaseSkip("p2", 3, "Architecture"), map[string]any{"type": "phase_skip", "project_id": "p2", "phase": float64(3), "phase_name": "Architecture", "reason": "already complete"}},
		{NewPhaseStart("p2", 2, "Design", 4), map[string]any{"type": "phase_start", "project_id": "p2", "phase": float64(2), "phase_name": "Design", "task_count": float64(4)}},
		{NewTaskStart("p2", "t9", "QA", "Test"), map[string]any{"type": "task_start", "project_id": "p2", "taskId": "t9", "agent": "QA", "title": "Test"}},
		{NewExecutionDone("p1", "Alpha", true), map[string]any{"type": "execution_done", "project_id": "p1", "project_name": "Alpha", "awaiting_approval": true}},
		{NewTaskDone("p1", "t1", "QA", "Test", "prev", false), map[string]any{"type": "task_done", "project_id": "p1", "taskId": "t1", "agent": "QA", "title": "Test", "output_preview": "prev", "failed": false}},
	}
	for _, c := range cases {
		data, err := json.Marshal(c.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.ev.Type, err)
		}
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("%s: unexpected keys %v", c.ev.Type, got)
		}
		for k, v := range c.want {
			if got[k] != v {
				t.Fatalf("%s: key %s = %v, want %v", c.ev.Type, k, got[k], v)
			}
		}
	}
	data, _ := json.Marshal(NewAgentUpdate(nil))
	if string(data) != `{"agents":[],"type":"agent_update"}` {
		t.Fatalf("unexpected agent_update %s", data)
	}
	if _, err := json.Marshal(Event{Type: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
