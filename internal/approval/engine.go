// Package approval provides the draft lifecycle: creation from agent
// output, human approval and rejection, edit classification and
// auto-approval.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// ErrInvalidTransition is returned when a draft operation is attempted
// from a status it is not allowed in.
var ErrInvalidTransition = errors.New("approval: invalid draft status transition")

// Engine drives drafts through their lifecycle and records corrections.
type Engine struct {
	db   *store.Store
	bus  *bus.Bus
	name string
}

// NewEngine creates the approval engine.
func NewEngine(db *store.Store, b *bus.Bus) *Engine {
	return &Engine{db: db, bus: b, name: "approval"}
}

// CreateDraft builds a pending-review draft from a completed task's
// agent output. The body is the first email-like output item, falling
// back to the summary; recipients default to the source message sender.
func (e *Engine) CreateDraft(task *store.Task, output *store.AgentOutput, channel string) (*store.Draft, error) {
	body := output.Summary
	for _, item := range output.Outputs {
		switch item.Type {
		case "email", "reply", "draft":
			if item.Content != "" {
				body = item.Content
			}
		default:
			continue
		}
		break
	}

	var to []string
	subject := ""
	if task.SourceMessageID != "" {
		if msg, err := e.db.MessageByID(task.SourceMessageID); err == nil {
			if msg.From != "" {
				to = []string{msg.From}
			}
			if msg.Subject != "" {
				subject = msg.Subject
				if !strings.HasPrefix(strings.ToLower(subject), "re:") {
					subject = "Re: " + subject
				}
			}
		}
	}
	if subject == "" {
		subject = truncate(output.Summary, 80)
	}

	agentType := task.Type
	draft := &store.Draft{
		TaskID:          task.ID,
		SourceMessageID: task.SourceMessageID,
		Channel:         channel,
		To:              to,
		Subject:         subject,
		Body:            body,
		Status:          store.DraftStatusPendingReview,
		Priority:        output.Priority,
		Metadata:        map[string]any{"agentType": agentType},
	}
	if err := e.db.InsertDraft(draft); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	slog.Info("Draft created", "draft_id", draft.ID, "task_id", task.ID, "channel", channel)

	e.publish(bus.EventDraftCreated, map[string]any{
		"draftId":  draft.ID,
		"taskId":   task.ID,
		"priority": draft.Priority,
	})
	return draft, nil
}

// Approve transitions a pending-review draft to approved.
func (e *Engine) Approve(draftID, reviewedBy string) (*store.Draft, error) {
	draft, err := e.requireStatus(draftID, store.DraftStatusPendingReview)
	if err != nil {
		return nil, err
	}
	if err := e.db.UpdateDraftStatus(draft.ID, store.DraftStatusApproved, reviewedBy); err != nil {
		return nil, err
	}
	e.publish(bus.EventDraftApproved, map[string]any{"draftId": draft.ID, "taskId": draft.TaskID})
	return e.db.DraftByID(draft.ID)
}

// Reject transitions a pending-review draft to rejected and records a
// rejection correction. A reason is required.
func (e *Engine) Reject(draftID, reviewedBy, reason string) (*store.Draft, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("approval: rejection requires a reason")
	}
	draft, err := e.requireStatus(draftID, store.DraftStatusPendingReview)
	if err != nil {
		return nil, err
	}
	if err := e.db.UpdateDraftStatus(draft.ID, store.DraftStatusRejected, reviewedBy); err != nil {
		return nil, err
	}
	correction := &store.Correction{
		DraftID:      draft.ID,
		TaskID:       draft.TaskID,
		OriginalBody: draft.OriginalBody,
		EditedBody:   "",
		ChangeType:   store.ChangeRejection,
		Feedback:     reason,
	}
	if err := e.db.InsertCorrection(correction); err != nil {
		slog.Error("Approval: failed to record rejection correction", "draft_id", draft.ID, "error", err)
	}
	e.publish(bus.EventDraftRejected, map[string]any{"draftId": draft.ID, "taskId": draft.TaskID, "reason": reason})
	e.publish(bus.EventCorrectionRecorded, map[string]any{
		"correctionId": correction.ID,
		"draftId":      draft.ID,
		"changeType":   correction.ChangeType,
	})
	return e.db.DraftByID(draft.ID)
}

// EditAndApprove applies a human edit, classifies it against the
// original body, records the correction and marks the draft
// edited_and_sent.
func (e *Engine) EditAndApprove(draftID, reviewedBy, newBody, newSubject, feedback string) (*store.Draft, error) {
	draft, err := e.requireStatus(draftID, store.DraftStatusPendingReview)
	if err != nil {
		return nil, err
	}
	changeType := ClassifyEdit(draft.OriginalBody, newBody)

	if err := e.db.UpdateDraftBody(draft.ID, newBody, newSubject); err != nil {
		return nil, err
	}
	if err := e.db.UpdateDraftStatus(draft.ID, store.DraftStatusEditedAndSent, reviewedBy); err != nil {
		return nil, err
	}
	correction := &store.Correction{
		DraftID:       draft.ID,
		TaskID:        draft.TaskID,
		OriginalBody:  draft.OriginalBody,
		EditedBody:    newBody,
		EditedSubject: newSubject,
		ChangeType:    changeType,
		Feedback:      feedback,
	}
	if err := e.db.InsertCorrection(correction); err != nil {
		slog.Error("Approval: failed to record edit correction", "draft_id", draft.ID, "error", err)
	}
	slog.Info("Draft edited and sent", "draft_id", draft.ID, "change_type", changeType)

	e.publish(bus.EventDraftEdited, map[string]any{
		"draftId":    draft.ID,
		"taskId":     draft.TaskID,
		"changeType": changeType,
	})
	e.publish(bus.EventCorrectionRecorded, map[string]any{
		"correctionId": correction.ID,
		"draftId":      draft.ID,
		"changeType":   changeType,
	})
	return e.db.DraftByID(draft.ID)
}

// AutoApprove transitions a pending-review draft to auto_approved and
// records the matched rule name.
func (e *Engine) AutoApprove(draftID, ruleName string) (*store.Draft, error) {
	draft, err := e.requireStatus(draftID, store.DraftStatusPendingReview)
	if err != nil {
		return nil, err
	}
	if err := e.db.SetDraftAutoApproveMatch(draft.ID, ruleName); err != nil {
		return nil, err
	}
	if err := e.db.UpdateDraftStatus(draft.ID, store.DraftStatusAutoApproved, ""); err != nil {
		return nil, err
	}
	e.publish(bus.EventDraftAutoApproved, map[string]any{"draftId": draft.ID, "taskId": draft.TaskID, "rule": ruleName})
	return e.db.DraftByID(draft.ID)
}

// MarkSent transitions an approved or auto-approved draft to sent.
// edited_and_sent is already terminal and cannot be re-marked.
func (e *Engine) MarkSent(draftID string) (*store.Draft, error) {
	draft, err := e.db.DraftByID(draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != store.DraftStatusApproved && draft.Status != store.DraftStatusAutoApproved {
		return nil, fmt.Errorf("%w: mark sent from %q", ErrInvalidTransition, draft.Status)
	}
	if err := e.db.UpdateDraftStatus(draft.ID, store.DraftStatusSent, ""); err != nil {
		return nil, err
	}
	e.publish(bus.EventDraftSent, map[string]any{"draftId": draft.ID, "taskId": draft.TaskID})
	return e.db.DraftByID(draft.ID)
}

func (e *Engine) requireStatus(draftID, want string) (*store.Draft, error) {
	draft, err := e.db.DraftByID(draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != want {
		return nil, fmt.Errorf("%w: %q, want %q", ErrInvalidTransition, draft.Status, want)
	}
	return draft, nil
}

func (e *Engine) publish(eventType string, payload map[string]any) {
	if e.bus != nil {
		e.bus.Publish(eventType, e.name, payload)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
