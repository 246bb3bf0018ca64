// Package queue provides the priority task queue with bounded
// concurrency and retry backoff, backed by the state store.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// Handler executes one task and returns its structured output.
type Handler func(ctx context.Context, task *store.Task) (*store.AgentOutput, error)

// Event is a queue lifecycle notification.
type Event struct {
	Type       string // started, completed, retry, failed
	TaskID     string
	DurationMs int64
	RetryIn    time.Duration
	Err        error
}

// Listener observes queue lifecycle events.
type Listener func(Event)

// Config holds queue settings.
type Config struct {
	Concurrency int           `json:"concurrency" envconfig:"QUEUE_CONCURRENCY"`
	RetryDelay  time.Duration `json:"retryDelay" envconfig:"QUEUE_RETRY_DELAY"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 3, RetryDelay: 5 * time.Second}
}

// Queue schedules tasks by priority rank then FIFO, runs up to
// Concurrency of them concurrently, and retries failures with linear
// backoff before marking them failed.
type Queue struct {
	cfg   Config
	db    *store.Store
	bus   *bus.Bus
	name  string
	mu    sync.Mutex
	wait  []*store.Task
	run   int
	pause bool

	handler   Handler
	listeners []Listener
	timers    map[string]*time.Timer
	wg        sync.WaitGroup
	closed    bool
}

// New creates a queue over the store. The bus may be nil in tests;
// when present, completed and failed tasks republish as bus events.
func New(cfg Config, db *store.Store, b *bus.Bus) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Queue{
		cfg:    cfg,
		db:     db,
		bus:    b,
		name:   "task-queue",
		timers: make(map[string]*time.Timer),
	}
}

// SetHandler installs the worker function. Idempotent.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// OnEvent registers a lifecycle listener.
func (q *Queue) OnEvent(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Enqueue persists the task as queued, inserts it into the waiting
// buffer and attempts to dispatch.
func (q *Queue) Enqueue(task *store.Task) error {
	if err := q.db.UpdateTaskStatus(task.ID, store.TaskStatusQueued); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	task.Status = store.TaskStatusQueued

	q.mu.Lock()
	q.wait = append(q.wait, task)
	sort.SliceStable(q.wait, func(i, j int) bool {
		ri, rj := store.PriorityRank(q.wait[i].Priority), store.PriorityRank(q.wait[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return q.wait[i].CreatedAt.Before(q.wait[j].CreatedAt)
	})
	q.mu.Unlock()

	slog.Info("Task enqueued", "task_id", task.ID, "type", task.Type, "priority", task.Priority)
	q.drain()
	return nil
}

// Pause halts dispatching. Running tasks are not cancelled.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.pause = true
	q.mu.Unlock()
}

// Resume re-enables dispatching and drains the buffer.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.pause = false
	q.mu.Unlock()
	q.drain()
}

// Size returns the number of waiting tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wait)
}

// ActiveCount returns the number of running tasks.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run
}

// Shutdown stops retry timers and waits for in-flight tasks.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.pause = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// drain dispatches waiting tasks while capacity allows.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.pause || q.closed || q.handler == nil || q.run >= q.cfg.Concurrency || len(q.wait) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.wait[0]
		q.wait = q.wait[1:]
		q.run++
		q.wg.Add(1)
		q.mu.Unlock()

		go q.execute(task)
	}
}

func (q *Queue) execute(task *store.Task) {
	defer q.wg.Done()

	if err := q.db.UpdateTaskStatus(task.ID, store.TaskStatusRunning); err != nil {
		slog.Error("Queue failed to mark task running", "task_id", task.ID, "error", err)
	}
	q.emit(Event{Type: "started", TaskID: task.ID})

	start := time.Now()
	output, err := q.handler(context.Background(), task)
	duration := time.Since(start)

	if err == nil {
		if output != nil {
			if uerr := q.db.UpdateTaskResult(task.ID, output); uerr != nil {
				slog.Error("Queue failed to store task result", "task_id", task.ID, "error", uerr)
			}
		}
		if uerr := q.db.UpdateTaskStatus(task.ID, store.TaskStatusCompleted); uerr != nil {
			slog.Error("Queue failed to mark task completed", "task_id", task.ID, "error", uerr)
		}
		q.emit(Event{Type: "completed", TaskID: task.ID, DurationMs: duration.Milliseconds()})
		if q.bus != nil {
			q.bus.Publish(bus.EventTaskCompleted, q.name, map[string]any{
				"taskId":     task.ID,
				"output":     output,
				"durationMs": duration.Milliseconds(),
			})
		}
		q.finish()
		return
	}

	q.handleFailure(task, err, duration)
	q.finish()
}

func (q *Queue) handleFailure(task *store.Task, cause error, duration time.Duration) {
	retryCount, err := q.db.IncrementTaskRetry(task.ID)
	if err != nil {
		slog.Error("Queue failed to bump retry count", "task_id", task.ID, "error", err)
		retryCount = task.RetryCount + 1
	}
	task.RetryCount = retryCount

	if retryCount <= task.MaxRetries {
		if uerr := q.db.UpdateTaskStatus(task.ID, store.TaskStatusPending); uerr != nil {
			slog.Error("Queue failed to mark task pending", "task_id", task.ID, "error", uerr)
		}
		delay := q.cfg.RetryDelay * time.Duration(retryCount)
		slog.Warn("Task failed, scheduling retry", "task_id", task.ID, "attempt", retryCount, "delay", delay, "error", cause)
		q.emit(Event{Type: "retry", TaskID: task.ID, RetryIn: delay, Err: cause})

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.timers[task.ID] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, task.ID)
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			if err := q.Enqueue(task); err != nil {
				slog.Error("Queue retry enqueue failed", "task_id", task.ID, "error", err)
			}
		})
		q.mu.Unlock()
		return
	}

	if uerr := q.db.UpdateTaskStatus(task.ID, store.TaskStatusFailed); uerr != nil {
		slog.Error("Queue failed to mark task failed", "task_id", task.ID, "error", uerr)
	}
	slog.Error("Task failed permanently", "task_id", task.ID, "retries", task.MaxRetries, "error", cause)
	q.emit(Event{Type: "failed", TaskID: task.ID, DurationMs: duration.Milliseconds(), Err: cause})
	if q.bus != nil {
		q.bus.Publish(bus.EventTaskFailed, q.name, map[string]any{
			"taskId": task.ID,
			"error":  cause.Error(),
		})
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.run--
	q.mu.Unlock()
	q.drain()
}

func (q *Queue) emit(e Event) {
	q.mu.Lock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}
