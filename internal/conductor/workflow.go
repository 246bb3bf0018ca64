package conductor

import (
	"fmt"
	"log/slog"

	"github.com/ostheimer/coreclaw/internal/approval"
	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// complexTypes are planned into multi-step workflows instead of being
// routed directly to the queue.
var complexTypes = map[string]bool{
	"multi-step-response": true,
	"batch-processing":    true,
	"research-and-report": true,
}

// draftProducingTypes yield a reviewable draft from their agent output.
var draftProducingTypes = map[string]bool{
	"general-email":       true,
	"billing-email":       true,
	"urgent-email":        true,
	"inquiry-email":       true,
	"scheduling-email":    true,
	"email-response":      true,
	"multi-step-response": true,
}

// Workflow plans complex tasks into sub-task graphs and turns completed
// draft-producing tasks into drafts.
type Workflow struct {
	base
	db     *store.Store
	drafts *approval.Engine
	mode   string
}

// NewWorkflow creates the workflow conductor. mode is one of the
// operation modes; sandbox suppresses draft creation.
func NewWorkflow(db *store.Store, b *bus.Bus, drafts *approval.Engine, mode string) *Workflow {
	return &Workflow{base: newBase("workflow", b), db: db, drafts: drafts, mode: mode}
}

func (c *Workflow) Start() {
	c.startWith(func() []bus.Subscription {
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventTaskCreated, c.onTaskCreated),
			c.bus.Subscribe(bus.EventTaskCompleted, c.onTaskCompleted),
		}
	})
}

func (c *Workflow) onTaskCreated(env bus.Envelope) {
	if payloadBool(env, "routed") {
		return
	}
	taskID := payloadString(env, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.db.TaskByID(taskID)
	if err != nil {
		slog.Warn("Workflow: task not found", "task_id", taskID, "error", err)
		return
	}

	if !complexTypes[task.Type] {
		c.bus.Publish(bus.EventTaskCreated, c.name, map[string]any{
			"taskId":   task.ID,
			"type":     task.Type,
			"priority": task.Priority,
			"routed":   true,
		})
		return
	}

	steps, err := c.plan(task)
	if err != nil {
		slog.Error("Workflow: planning failed", "task_id", task.ID, "error", err)
		return
	}
	slog.Info("Workflow planned", "task_id", task.ID, "type", task.Type, "steps", len(steps))
	c.bus.Publish(bus.EventConductorWorkflowPlanned, c.name, map[string]any{
		"taskId": task.ID,
		"steps":  steps,
	})
}

// plan fans a complex task out into sub-tasks with dependsOn edges and
// workflowStep order in their payloads. It returns the sub-task IDs.
func (c *Workflow) plan(task *store.Task) ([]string, error) {
	switch task.Type {
	case "research-and-report":
		research := c.subTask(task, "research", 1, nil)
		if err := c.db.InsertTask(research); err != nil {
			return nil, err
		}
		report := c.subTask(task, "report", 2, []string{research.ID})
		if err := c.db.InsertTask(report); err != nil {
			return nil, err
		}
		return []string{research.ID, report.ID}, nil

	case "batch-processing":
		items, _ := task.Payload["items"].([]any)
		if len(items) == 0 {
			return nil, fmt.Errorf("batch-processing task %s has no items", task.ID)
		}
		ids := make([]string, 0, len(items))
		for i, item := range items {
			sub := c.subTask(task, "batch-item", i+1, nil)
			sub.Payload["item"] = item
			if err := c.db.InsertTask(sub); err != nil {
				return nil, err
			}
			ids = append(ids, sub.ID)
		}
		return ids, nil

	case "multi-step-response":
		// A single routed execution step; the worker walks the steps
		// itself but the plan is still recorded.
		sub := c.subTask(task, "email-response", 1, nil)
		if err := c.db.InsertTask(sub); err != nil {
			return nil, err
		}
		return []string{sub.ID}, nil
	}
	return nil, fmt.Errorf("unknown complex type %q", task.Type)
}

func (c *Workflow) subTask(parent *store.Task, taskType string, step int, dependsOn []string) *store.Task {
	payload := map[string]any{
		"parentTaskId": parent.ID,
		"workflowStep": step,
	}
	for k, v := range parent.Payload {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	if len(dependsOn) > 0 {
		deps := make([]any, len(dependsOn))
		for i, d := range dependsOn {
			deps[i] = d
		}
		payload["dependsOn"] = deps
	}
	return &store.Task{
		Type:            taskType,
		Priority:        parent.Priority,
		SourceChannel:   parent.SourceChannel,
		SourceMessageID: parent.SourceMessageID,
		ConductorID:     c.name,
		Payload:         payload,
	}
}

func (c *Workflow) onTaskCompleted(env bus.Envelope) {
	taskID := payloadString(env, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.db.TaskByID(taskID)
	if err != nil {
		slog.Warn("Workflow: completed task not found", "task_id", taskID, "error", err)
		return
	}
	if !draftProducingTypes[task.Type] {
		return
	}
	output := task.Result
	if output == nil || len(output.Outputs) == 0 {
		return
	}

	if c.mode == ModeSandbox {
		slog.Info("Workflow: sandbox mode, skipping draft creation", "task_id", task.ID)
		c.bus.Publish(bus.EventConductorSandboxDryrun, c.name, map[string]any{
			"taskId":      task.ID,
			"wouldCreate": "draft",
			"channel":     task.SourceChannel,
			"summary":     output.Summary,
		})
		return
	}

	channel := task.SourceChannel
	if channel == "" {
		channel = "email"
	}
	draft, err := c.drafts.CreateDraft(task, output, channel)
	if err != nil {
		slog.Error("Workflow: draft creation failed", "task_id", task.ID, "error", err)
		return
	}
	c.bus.PublishTo(bus.EventConductorReviewRequest, c.name, "quality", map[string]any{
		"taskId":  task.ID,
		"draftId": draft.ID,
	})
}
