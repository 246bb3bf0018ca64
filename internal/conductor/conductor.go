// Package conductor implements the named coordination roles that react
// to bus events: inbox triage, workflow planning, context gathering,
// quality review, learning and the chief aggregator.
package conductor

import (
	"sync"

	"github.com/ostheimer/coreclaw/internal/bus"
)

// Conductor is a long-lived role with a stable name and a lifecycle.
type Conductor interface {
	Name() string
	Start()
	Stop()
}

// Operation modes. Sandbox suppresses outbound effects: the workflow
// conductor publishes a dry-run event instead of creating drafts.
const (
	ModeSandbox    = "sandbox"
	ModeSuggest    = "suggest"
	ModeAssist     = "assist"
	ModeAutonomous = "autonomous"
)

// base carries the shared lifecycle: idempotent Start, Stop that
// unsubscribes every handler.
type base struct {
	name    string
	bus     *bus.Bus
	mu      sync.Mutex
	subs    []bus.Subscription
	started bool
}

func newBase(name string, b *bus.Bus) base {
	return base{name: name, bus: b}
}

func (c *base) Name() string { return c.name }

// startWith registers the given subscriptions once.
func (c *base) startWith(register func() []bus.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.subs = register()
	c.started = true
}

func (c *base) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.subs = nil
	c.started = false
}

// payloadMap extracts the envelope payload as a keyed map.
func payloadMap(env bus.Envelope) map[string]any {
	if m, ok := env.Payload.(map[string]any); ok {
		return m
	}
	return nil
}

// payloadString reads a string field from an envelope payload.
func payloadString(env bus.Envelope, key string) string {
	if m := payloadMap(env); m != nil {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

// payloadBool reads a bool field from an envelope payload.
func payloadBool(env bus.Envelope, key string) bool {
	if m := payloadMap(env); m != nil {
		if b, ok := m[key].(bool); ok {
			return b
		}
	}
	return false
}
