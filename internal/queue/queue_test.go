package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q := New(cfg, db, bus.New())
	t.Cleanup(q.Shutdown)
	return q, db
}

// recorder collects queue events in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	want   int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) == r.want {
		close(r.done)
	}
	r.mu.Unlock()
}

func (r *recorder) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d events, have %d", r.want, len(r.events))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func insertTask(t *testing.T, db *store.Store, priority string) *store.Task {
	t.Helper()
	task := &store.Task{Type: "general-email", Priority: priority}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestPriorityDispatchOrder(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 10 * time.Millisecond})

	// started+completed for two tasks.
	rec := newRecorder(4)
	q.OnEvent(rec.listen)

	var mu sync.Mutex
	var order []string
	q.SetHandler(func(_ context.Context, task *store.Task) (*store.AgentOutput, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return &store.AgentOutput{Status: store.OutputStatusCompleted, Summary: "done quickly"}, nil
	})

	q.Pause()
	low := insertTask(t, db, store.PriorityLow)
	time.Sleep(2 * time.Millisecond)
	urgent := insertTask(t, db, store.PriorityUrgent)
	if err := q.Enqueue(low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(urgent); err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}
	q.Resume()

	rec.wait(t)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != urgent.ID || order[1] != low.ID {
		t.Fatalf("expected urgent before low, got %v", order)
	}
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 50 * time.Millisecond})

	// started x3, retry x2, completed x1.
	rec := newRecorder(6)
	q.OnEvent(rec.listen)

	attempts := 0
	var mu sync.Mutex
	q.SetHandler(func(_ context.Context, task *store.Task) (*store.AgentOutput, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("transient failure")
		}
		return &store.AgentOutput{Status: store.OutputStatusCompleted, Summary: "recovered fine"}, nil
	})

	task := insertTask(t, db, store.PriorityNormal)
	task.MaxRetries = 3
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec.wait(t)
	retries := rec.ofType("retry")
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry events, got %d", len(retries))
	}
	if retries[0].RetryIn != 50*time.Millisecond || retries[1].RetryIn != 100*time.Millisecond {
		t.Fatalf("expected linear backoff 50ms/100ms, got %v/%v", retries[0].RetryIn, retries[1].RetryIn)
	}
	if len(rec.ofType("completed")) != 1 {
		t.Fatalf("expected one completed event")
	}

	got, err := db.TaskByID(task.ID)
	if err != nil {
		t.Fatalf("task by id: %v", err)
	}
	if got.Status != store.TaskStatusCompleted {
		t.Fatalf("expected completed status, got %q", got.Status)
	}
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 5 * time.Millisecond})

	// started x3, retry x2, failed x1.
	rec := newRecorder(6)
	q.OnEvent(rec.listen)

	q.SetHandler(func(_ context.Context, _ *store.Task) (*store.AgentOutput, error) {
		return nil, errors.New("permanent failure")
	})

	task := insertTask(t, db, store.PriorityNormal)
	task.MaxRetries = 2
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec.wait(t)
	if len(rec.ofType("failed")) != 1 {
		t.Fatalf("expected one failed event")
	}

	got, err := db.TaskByID(task.ID)
	if err != nil {
		t.Fatalf("task by id: %v", err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("expected failed status, got %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at on failed task")
	}
}

func TestConcurrencyBound(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 2, RetryDelay: time.Second})

	rec := newRecorder(10) // started+completed for 5 tasks
	q.OnEvent(rec.listen)

	var mu sync.Mutex
	active, peak := 0, 0
	q.SetHandler(func(_ context.Context, _ *store.Task) (*store.AgentOutput, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &store.AgentOutput{Status: store.OutputStatusCompleted, Summary: "slept and done"}, nil
	})

	for i := 0; i < 5; i++ {
		task := insertTask(t, db, store.PriorityNormal)
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rec.wait(t)
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("concurrency bound exceeded: peak %d", peak)
	}
}

func TestPauseHaltsDispatch(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 1, RetryDelay: time.Second})

	ran := make(chan string, 1)
	q.SetHandler(func(_ context.Context, task *store.Task) (*store.AgentOutput, error) {
		ran <- task.ID
		return &store.AgentOutput{Status: store.OutputStatusCompleted, Summary: "ran after resume"}, nil
	})

	q.Pause()
	task := insertTask(t, db, store.PriorityNormal)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-ran:
		t.Fatalf("task ran while paused")
	case <-time.After(50 * time.Millisecond):
	}
	if q.Size() != 1 {
		t.Fatalf("expected one waiting task, got %d", q.Size())
	}

	q.Resume()
	select {
	case id := <-ran:
		if id != task.ID {
			t.Fatalf("wrong task ran: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run after resume")
	}
}

func TestStoreStatusPrecedesEvent(t *testing.T) {
	q, db := newTestQueue(t, Config{Concurrency: 1, RetryDelay: time.Second})

	statusAtEvent := make(chan string, 1)
	q.OnEvent(func(e Event) {
		if e.Type == "completed" {
			got, err := db.TaskByID(e.TaskID)
			if err != nil {
				statusAtEvent <- "error"
				return
			}
			statusAtEvent <- got.Status
		}
	})
	q.SetHandler(func(_ context.Context, _ *store.Task) (*store.AgentOutput, error) {
		return &store.AgentOutput{Status: store.OutputStatusCompleted, Summary: "store first check"}, nil
	})

	task := insertTask(t, db, store.PriorityNormal)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case status := <-statusAtEvent:
		if status != store.TaskStatusCompleted {
			t.Fatalf("store status %q at event time, want completed", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completed event")
	}
}
