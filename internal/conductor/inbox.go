package conductor

import (
	"log/slog"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// Inbox triages incoming messages into tasks.
type Inbox struct {
	base
	db    *store.Store
	rules []TriageRule
}

// NewInbox creates the inbox conductor. A nil rules slice uses the
// default ladder.
func NewInbox(db *store.Store, b *bus.Bus, rules []TriageRule) *Inbox {
	if rules == nil {
		rules = DefaultTriageRules()
	}
	return &Inbox{base: newBase("inbox", b), db: db, rules: rules}
}

// SetRules swaps the triage ladder at runtime.
func (c *Inbox) SetRules(rules []TriageRule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

func (c *Inbox) Start() {
	c.startWith(func() []bus.Subscription {
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventMessageReceived, c.onMessageReceived),
		}
	})
}

func (c *Inbox) onMessageReceived(env bus.Envelope) {
	messageID := payloadString(env, "messageId")
	if messageID == "" {
		return
	}
	msg, err := c.db.MessageByID(messageID)
	if err != nil {
		slog.Warn("Inbox: message not found", "message_id", messageID, "error", err)
		return
	}
	if err := c.db.UpdateMessageStatus(msg.ID, store.MessageStatusProcessing); err != nil {
		slog.Error("Inbox: failed to mark message processing", "message_id", msg.ID, "error", err)
		return
	}

	c.mu.Lock()
	rules := c.rules
	c.mu.Unlock()
	decision := Triage(rules, msg)

	task := &store.Task{
		Type:            decision.AgentType,
		Priority:        decision.Priority,
		SourceChannel:   msg.Channel,
		SourceMessageID: msg.ID,
		ConductorID:     c.name,
		Payload: map[string]any{
			"messageId":    msg.ID,
			"category":     decision.Category,
			"triageReason": decision.Reason,
		},
	}
	if err := c.db.InsertTask(task); err != nil {
		slog.Error("Inbox: failed to create task", "message_id", msg.ID, "error", err)
		_ = c.db.UpdateMessageStatus(msg.ID, store.MessageStatusFailed)
		return
	}
	if err := c.db.LinkMessageTask(msg.ID, task.ID); err != nil {
		slog.Warn("Inbox: failed to back-reference task", "message_id", msg.ID, "error", err)
	}
	if err := c.db.UpdateMessageStatus(msg.ID, store.MessageStatusHandled); err != nil {
		slog.Warn("Inbox: failed to mark message handled", "message_id", msg.ID, "error", err)
	}

	slog.Info("Message triaged", "message_id", msg.ID, "category", decision.Category,
		"priority", decision.Priority, "task_id", task.ID)

	c.bus.Publish(bus.EventTaskCreated, c.name, map[string]any{
		"taskId":   task.ID,
		"type":     task.Type,
		"priority": task.Priority,
		"category": decision.Category,
	})
	c.bus.Publish(bus.EventMessageProcessed, c.name, map[string]any{
		"messageId": msg.ID,
		"taskId":    task.ID,
	})
}
