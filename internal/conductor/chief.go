package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

const briefingInterval = 5 * time.Minute

// Notifier forwards briefings and escalations to an external channel.
type Notifier interface {
	Notify(ctx context.Context, title, text string) error
}

// Chief aggregates completions, failures and escalations into periodic
// briefings and requests reviews for outputs that ask for one.
type Chief struct {
	base
	db       *store.Store
	notifier Notifier
	interval time.Duration

	completed   int
	failed      int
	escalations []string
	stopCh      chan struct{}
}

// NewChief creates the chief conductor. notifier may be nil; a
// non-positive interval uses the default.
func NewChief(db *store.Store, b *bus.Bus, notifier Notifier, interval time.Duration) *Chief {
	if interval <= 0 {
		interval = briefingInterval
	}
	return &Chief{base: newBase("chief", b), db: db, notifier: notifier, interval: interval}
}

func (c *Chief) Start() {
	c.startWith(func() []bus.Subscription {
		c.stopCh = make(chan struct{})
		go c.periodic(c.stopCh)
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventTaskCompleted, c.onTaskCompleted),
			c.bus.Subscribe(bus.EventTaskFailed, c.onTaskFailed),
			c.bus.Subscribe(bus.EventTaskEscalated, c.onTaskEscalated),
		}
	})
}

func (c *Chief) Stop() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()
	c.base.Stop()
}

func (c *Chief) periodic(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Brief()
		case <-stop:
			return
		}
	}
}

func (c *Chief) onTaskCompleted(env bus.Envelope) {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()

	taskID := payloadString(env, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.db.TaskByID(taskID)
	if err != nil || task.Result == nil {
		return
	}
	if task.Result.NeedsReview {
		c.bus.PublishTo(bus.EventConductorReviewRequest, c.name, "quality", map[string]any{
			"taskId": task.ID,
		})
	}
}

func (c *Chief) onTaskFailed(env bus.Envelope) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *Chief) onTaskEscalated(env bus.Envelope) {
	taskID := payloadString(env, "taskId")
	reason := payloadString(env, "reason")
	c.mu.Lock()
	c.escalations = append(c.escalations, fmt.Sprintf("%s: %s", taskID, reason))
	c.mu.Unlock()

	if c.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.notifier.Notify(ctx, "Task escalated", fmt.Sprintf("Task %s escalated: %s", taskID, reason)); err != nil {
			slog.Warn("Chief: escalation notification failed", "task_id", taskID, "error", err)
		}
	}
}

// Brief produces one briefing: interval counters plus store-wide task
// totals, published on the bus and forwarded to the notifier.
func (c *Chief) Brief() {
	c.mu.Lock()
	completed, failed := c.completed, c.failed
	escalations := append([]string(nil), c.escalations...)
	c.completed, c.failed = 0, 0
	c.escalations = c.escalations[:0]
	c.mu.Unlock()

	totals, err := c.db.CountTasksByStatus()
	if err != nil {
		slog.Warn("Chief: task totals query failed", "error", err)
		totals = map[string]int{}
	}

	slog.Info("Briefing produced", "completed", completed, "failed", failed, "escalations", len(escalations))
	c.bus.Publish(bus.EventConductorBriefing, c.name, map[string]any{
		"completed":   completed,
		"failed":      failed,
		"escalations": escalations,
		"taskTotals":  totals,
		"generatedAt": time.Now().UTC(),
	})

	if c.notifier != nil {
		text := fmt.Sprintf("Completed %d, failed %d, escalations %d. Pending %d, running %d.",
			completed, failed, len(escalations), totals[store.TaskStatusPending], totals[store.TaskStatusRunning])
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.notifier.Notify(ctx, "CoreClaw briefing", text); err != nil {
			slog.Warn("Chief: briefing notification failed", "error", err)
		}
	}
}
