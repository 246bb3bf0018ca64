package conductor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

// KnowledgeSource is a read-only lookup the context conductor may
// query while assembling a bundle. Failures are logged and skipped.
type KnowledgeSource interface {
	Name() string
	Query(ctx context.Context, query string) (string, error)
}

const (
	threadHistoryLimit = 20
	threadBodyTrim     = 500
	knowledgeTimeout   = 10 * time.Second
)

// Context gathers thread history and knowledge for new tasks.
type Context struct {
	base
	db      *store.Store
	sources []KnowledgeSource
}

// NewContext creates the context conductor.
func NewContext(db *store.Store, b *bus.Bus, sources []KnowledgeSource) *Context {
	return &Context{base: newBase("context", b), db: db, sources: sources}
}

func (c *Context) Start() {
	c.startWith(func() []bus.Subscription {
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventTaskCreated, c.onTaskCreated),
		}
	})
}

func (c *Context) onTaskCreated(env bus.Envelope) {
	if payloadBool(env, "routed") {
		return
	}
	taskID := payloadString(env, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.db.TaskByID(taskID)
	if err != nil || task.SourceMessageID == "" {
		return
	}
	msg, err := c.db.MessageByID(task.SourceMessageID)
	if err != nil || msg.ThreadID == "" {
		return
	}

	// Handled messages are fetched globally and filtered by thread in
	// memory; the fetch keeps the observed query semantics.
	handled, err := c.db.MessagesByStatus(store.MessageStatusHandled, threadHistoryLimit)
	if err != nil {
		slog.Warn("Context: thread history query failed", "task_id", task.ID, "error", err)
		return
	}
	var thread []map[string]any
	for _, m := range handled {
		if m.ThreadID != msg.ThreadID {
			continue
		}
		body := m.Body
		if len(body) > threadBodyTrim {
			body = body[:threadBodyTrim]
		}
		thread = append(thread, map[string]any{
			"messageId": m.ID,
			"from":      m.From,
			"subject":   m.Subject,
			"body":      body,
			"createdAt": m.CreatedAt,
		})
	}

	knowledge := c.queryKnowledge(msg)

	slog.Info("Context assembled", "task_id", task.ID, "thread_id", msg.ThreadID,
		"history", len(thread), "knowledge", len(knowledge))
	c.bus.Publish(bus.EventConductorContextReady, c.name, map[string]any{
		"taskId":    task.ID,
		"threadId":  msg.ThreadID,
		"thread":    thread,
		"knowledge": knowledge,
	})
}

// queryKnowledge asks every configured source. The query string is the
// message's case reference when present, otherwise its id.
func (c *Context) queryKnowledge(msg *store.Message) map[string]string {
	if len(c.sources) == 0 {
		return nil
	}
	query := msg.ID
	if ref, ok := msg.Metadata["caseRef"].(string); ok && ref != "" {
		query = ref
	}
	out := map[string]string{}
	for _, src := range c.sources {
		ctx, cancel := context.WithTimeout(context.Background(), knowledgeTimeout)
		result, err := src.Query(ctx, query)
		cancel()
		if err != nil {
			slog.Warn("Context: knowledge source failed", "source", src.Name(), "error", err)
			continue
		}
		out[src.Name()] = result
	}
	return out
}
