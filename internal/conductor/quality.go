package conductor

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// Sensitive content patterns checked by the quality conductor.
var sensitivePatterns = []*regexp.Regexp{
	// 16-digit card-like numbers, optionally space- or dash-grouped.
	regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`),
	// Embedded email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// Plaintext password assignments.
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
}

func containsSensitive(s string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Quality reviews agent outputs and scores drafts.
type Quality struct {
	base
	db *store.Store
}

// NewQuality creates the quality conductor.
func NewQuality(db *store.Store, b *bus.Bus) *Quality {
	return &Quality{base: newBase("quality", b), db: db}
}

func (c *Quality) Start() {
	c.startWith(func() []bus.Subscription {
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventConductorReviewRequest, c.onReviewRequest),
			c.bus.Subscribe(bus.EventDraftCreated, c.onDraftCreated),
		}
	})
}

// onReviewRequest reviews a completed task's agent output. A failed
// review moves the task back to running to signal rework.
func (c *Quality) onReviewRequest(env bus.Envelope) {
	taskID := payloadString(env, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.db.TaskByID(taskID)
	if err != nil {
		slog.Warn("Quality: task not found", "task_id", taskID, "error", err)
		return
	}
	output := task.Result
	if output == nil {
		return
	}

	corrections := ReviewOutput(output)
	approved := len(corrections) == 0
	score := 80
	if !approved {
		score = 80 - 20*len(corrections)
		if score < 20 {
			score = 20
		}
	}

	if !approved {
		if err := c.db.UpdateTaskStatus(task.ID, store.TaskStatusRunning); err != nil {
			slog.Error("Quality: failed to flag task for rework", "task_id", task.ID, "error", err)
		}
	}

	slog.Info("Output reviewed", "task_id", task.ID, "approved", approved, "score", score)
	c.bus.Publish(bus.EventConductorReviewResult, c.name, map[string]any{
		"taskId":      task.ID,
		"agentType":   task.Type,
		"approved":    approved,
		"corrections": corrections,
		"score":       score,
	})
}

// ReviewOutput applies the output checks and returns the correction
// list. Approval means an empty list.
func ReviewOutput(output *store.AgentOutput) []string {
	var corrections []string
	if len(strings.TrimSpace(output.Summary)) < 10 {
		corrections = append(corrections, "Summary missing or too short (minimum 10 characters)")
	}
	if output.Status == store.OutputStatusCompleted && len(output.Outputs) == 0 {
		corrections = append(corrections, "No outputs provided despite completed status")
	}
	for _, item := range output.Outputs {
		if containsSensitive(item.Content) {
			corrections = append(corrections, "Output content matches a sensitive data pattern")
			break
		}
	}
	return corrections
}

// onDraftCreated scores a fresh draft and records the result.
func (c *Quality) onDraftCreated(env bus.Envelope) {
	draftID := payloadString(env, "draftId")
	if draftID == "" {
		return
	}
	draft, err := c.db.DraftByID(draftID)
	if err != nil {
		slog.Warn("Quality: draft not found", "draft_id", draftID, "error", err)
		return
	}

	score, notes := ScoreDraft(draft)
	if err := c.db.UpdateDraftQuality(draft.ID, score, strings.Join(notes, "; ")); err != nil {
		slog.Error("Quality: failed to store draft score", "draft_id", draft.ID, "error", err)
		return
	}

	slog.Info("Draft scored", "draft_id", draft.ID, "score", score)
	c.bus.Publish(bus.EventDraftQualityReviewed, c.name, map[string]any{
		"draftId": draft.ID,
		"taskId":  draft.TaskID,
		"score":   score,
		"notes":   notes,
	})
}

// ScoreDraft computes the 0..100 quality score with its deduction notes.
func ScoreDraft(draft *store.Draft) (int, []string) {
	score := 100
	var notes []string
	deduct := func(points int, note string) {
		score -= points
		notes = append(notes, fmt.Sprintf("%s (-%d)", note, points))
	}

	if len(draft.Body) < 20 {
		deduct(30, "body very short")
	}
	if len(draft.Body) > 5000 {
		deduct(10, "body very long")
	}
	if len(draft.Subject) < 3 {
		deduct(15, "subject too short")
	}
	if len(draft.To) == 0 {
		deduct(25, "no recipients")
	}
	if containsSensitive(draft.Body) {
		deduct(30, "body matches a sensitive data pattern")
	}
	if strings.Contains(draft.Body, "!!!") || strings.Contains(draft.Body, "???") {
		deduct(10, "excessive punctuation")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, notes
}
