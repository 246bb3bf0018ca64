// Package runtime wires the store, bus, queue, worker invoker,
// conductors and approval engine into one daemon.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ostheimer/coreclaw/internal/approval"
	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/conductor"
	"github.com/ostheimer/coreclaw/internal/config"
	"github.com/ostheimer/coreclaw/internal/learning"
	"github.com/ostheimer/coreclaw/internal/notify"
	"github.com/ostheimer/coreclaw/internal/queue"
	"github.com/ostheimer/coreclaw/internal/secrets"
	"github.com/ostheimer/coreclaw/internal/store"
	"github.com/ostheimer/coreclaw/internal/tap"
	"github.com/ostheimer/coreclaw/internal/worker"
)

// Runtime is one assembled coreclaw daemon instance.
type Runtime struct {
	cfg        *config.Config
	db         *store.Store
	bus        *bus.Bus
	queue      *queue.Queue
	invoker    *worker.Invoker
	drafts     *approval.Engine
	secrets    *secrets.Store
	tap        *tap.Tap
	conductors []conductor.Conductor
}

// New assembles a runtime from config. A store open failure is fatal:
// the daemon must not start without it.
func New(cfg *config.Config) (*Runtime, error) {
	db, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("state store is required: %w", err)
	}

	b := bus.New()
	r := &Runtime{
		cfg:     cfg,
		db:      db,
		bus:     b,
		invoker: worker.New(cfg.Worker),
		drafts:  approval.NewEngine(db, b),
		secrets: secrets.NewStore(cfg.Paths.DataDir),
	}

	if cfg.Kafka.Enabled && cfg.Kafka.Brokers != "" {
		r.tap = tap.New(cfg.Kafka)
		r.tap.Attach(b)
	}

	var notifier conductor.Notifier
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		notifier = notify.NewSlack(cfg.Slack)
	}

	r.queue = queue.New(cfg.Queue, db, b)
	r.queue.SetHandler(r.runTask)

	analyzer := learning.NewAnalyzer(db)
	r.conductors = []conductor.Conductor{
		conductor.NewInbox(db, b, nil),
		conductor.NewWorkflow(db, b, r.drafts, cfg.Mode),
		conductor.NewContext(db, b, nil),
		conductor.NewQuality(db, b),
		conductor.NewLearning(db, b, analyzer, cfg.Conductors.LearningInterval),
		conductor.NewChief(db, b, notifier, cfg.Conductors.BriefingInterval),
	}

	// Routed tasks and freshly planned workflow steps feed the queue.
	b.Subscribe(bus.EventTaskCreated, r.onRoutedTask)
	b.Subscribe(bus.EventConductorWorkflowPlanned, r.onWorkflowPlanned)
	b.Subscribe(bus.EventTaskCompleted, r.onTaskCompleted)

	// In autonomous mode, scored drafts run through the auto-approve
	// rules.
	if cfg.Mode == conductor.ModeAutonomous {
		b.Subscribe(bus.EventDraftQualityReviewed, r.onDraftScored)
	}

	return r, nil
}

// Bus exposes the event bus for external adapters.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Store exposes the state store for external adapters.
func (r *Runtime) Store() *store.Store { return r.db }

// Drafts exposes the approval engine for the review surface.
func (r *Runtime) Drafts() *approval.Engine { return r.drafts }

// Start sweeps worker orphans, starts the conductors and re-enqueues
// persisted pending work.
func (r *Runtime) Start() error {
	r.invoker.CleanupOrphans()
	for _, c := range r.conductors {
		c.Start()
		slog.Info("Conductor started", "name", c.Name())
	}

	pending, err := r.db.PendingTasks(500)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	requeued := 0
	for i := range pending {
		task := pending[i]
		if !r.dependenciesMet(&task) {
			continue
		}
		if err := r.queue.Enqueue(&task); err != nil {
			slog.Warn("Runtime: re-enqueue failed", "task_id", task.ID, "error", err)
			continue
		}
		requeued++
	}
	slog.Info("Runtime started", "mode", r.cfg.Mode, "requeued", requeued)
	return nil
}

// Run starts the runtime and blocks until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop shuts the daemon down: conductors first, then the queue, tap
// and store.
func (r *Runtime) Stop() {
	for _, c := range r.conductors {
		c.Stop()
	}
	r.queue.Shutdown()
	if r.tap != nil {
		if err := r.tap.Close(); err != nil {
			slog.Warn("Runtime: tap close failed", "error", err)
		}
	}
	if err := r.db.Close(); err != nil {
		slog.Warn("Runtime: store close failed", "error", err)
	}
	slog.Info("Runtime stopped")
}

// runTask is the queue handler: it launches one sandboxed worker and
// records the session.
func (r *Runtime) runTask(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
	session := &store.Session{AgentID: task.Type, TaskID: task.ID}
	if err := r.db.InsertSession(session); err != nil {
		slog.Warn("Runtime: session insert failed", "task_id", task.ID, "error", err)
	}

	allowed, err := r.secrets.AllowListed(r.cfg.Secrets.AllowList[task.Type])
	if err != nil {
		slog.Warn("Runtime: secret load failed, running without secrets", "task_id", task.ID, "error", err)
		allowed = map[string]string{}
	}

	_ = r.db.UpdateSessionStatus(session.ID, store.SessionStatusRunning)
	result, err := r.invoker.Run(ctx, task, allowed, nil)
	if err != nil {
		_ = r.db.UpdateSessionStatus(session.ID, store.SessionStatusError)
		return nil, err
	}
	_ = r.db.SetSessionContainer(session.ID, result.ContainerID)
	_ = r.db.UpdateSessionStatus(session.ID, store.SessionStatusStopped)

	output := result.Output
	if output.Status == store.OutputStatusEscalated {
		r.bus.Publish(bus.EventTaskEscalated, "runtime", map[string]any{
			"taskId": task.ID,
			"reason": output.Summary,
		})
	}
	if output.Status == store.OutputStatusFailed {
		return nil, fmt.Errorf("worker failed: %s", output.Summary)
	}
	return output, nil
}

// onRoutedTask enqueues tasks the workflow conductor routed directly.
func (r *Runtime) onRoutedTask(env bus.Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	if routed, _ := payload["routed"].(bool); !routed {
		return
	}
	taskID, _ := payload["taskId"].(string)
	if taskID == "" {
		return
	}
	task, err := r.db.TaskByID(taskID)
	if err != nil {
		slog.Warn("Runtime: routed task not found", "task_id", taskID, "error", err)
		return
	}
	if err := r.queue.Enqueue(task); err != nil {
		slog.Error("Runtime: enqueue failed", "task_id", taskID, "error", err)
	}
}

// onWorkflowPlanned enqueues planned steps that have no unmet
// dependencies.
func (r *Runtime) onWorkflowPlanned(env bus.Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	steps, _ := payload["steps"].([]string)
	for _, id := range steps {
		task, err := r.db.TaskByID(id)
		if err != nil {
			continue
		}
		if r.dependenciesMet(task) {
			if err := r.queue.Enqueue(task); err != nil {
				slog.Warn("Runtime: step enqueue failed", "task_id", id, "error", err)
			}
		}
	}
}

// onTaskCompleted releases pending steps whose dependencies just
// completed.
func (r *Runtime) onTaskCompleted(bus.Envelope) {
	pending, err := r.db.TasksByStatus(store.TaskStatusPending, 100)
	if err != nil {
		return
	}
	for i := range pending {
		task := pending[i]
		if _, hasDeps := task.Payload["dependsOn"]; !hasDeps {
			continue
		}
		if r.dependenciesMet(&task) {
			if err := r.queue.Enqueue(&task); err != nil {
				slog.Warn("Runtime: dependent enqueue failed", "task_id", task.ID, "error", err)
			}
		}
	}
}

// onDraftScored applies the auto-approve rules to a freshly scored
// draft.
func (r *Runtime) onDraftScored(env bus.Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	draftID, _ := payload["draftId"].(string)
	if draftID == "" {
		return
	}
	if _, _, err := r.drafts.TryAutoApprove(draftID); err != nil {
		slog.Warn("Runtime: auto-approve failed", "draft_id", draftID, "error", err)
	}
}

// dependenciesMet reports whether every dependsOn task is completed.
func (r *Runtime) dependenciesMet(task *store.Task) bool {
	deps, _ := task.Payload["dependsOn"].([]any)
	for _, dep := range deps {
		id, _ := dep.(string)
		if id == "" {
			continue
		}
		depTask, err := r.db.TaskByID(id)
		if err != nil || depTask.Status != store.TaskStatusCompleted {
			return false
		}
	}
	return true
}
