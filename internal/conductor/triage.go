package conductor

import (
	"strings"

	"github.com/ostheimer/coreclaw/internal/store"
)

// TriageDecision is the inbox conductor's classification of a message.
type TriageDecision struct {
	Category  string `json:"category"`
	Priority  string `json:"priority"`
	AgentType string `json:"agentType"`
	Reason    string `json:"reason"`
}

// TriageRule is one rung of the triage ladder. Match inspects the
// lower-cased subject and body plus the raw message.
type TriageRule struct {
	Name      string
	Category  string
	Priority  string
	AgentType string
	Reason    string
	Match     func(msg *store.Message, subject, body string) bool
}

// containsAny reports whether s contains one of the needles.
func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// DefaultTriageRules is the deterministic rule ladder, evaluated top to
// bottom; the first match wins. The list is a plain slice so it can be
// swapped at runtime without touching the dispatcher.
func DefaultTriageRules() []TriageRule {
	return []TriageRule{
		{
			Name:      "urgent-subject",
			Category:  "urgent-email",
			Priority:  store.PriorityUrgent,
			AgentType: "urgent-email",
			Reason:    "subject or body flags the message as urgent",
			Match: func(_ *store.Message, subject, body string) bool {
				return containsAny(subject, "urgent:", "dringend:") || containsAny(body, "as soon as possible", "asap")
			},
		},
		{
			Name:      "billing",
			Category:  "billing-email",
			Priority:  store.PriorityHigh,
			AgentType: "billing-email",
			Reason:    "billing or invoice keywords",
			Match: func(_ *store.Message, subject, body string) bool {
				return containsAny(subject+" "+body, "invoice", "rechnung", "billing", "payment", "zahlung", "refund")
			},
		},
		{
			Name:      "scheduling",
			Category:  "scheduling-email",
			Priority:  store.PriorityNormal,
			AgentType: "scheduling-email",
			Reason:    "meeting or appointment keywords",
			Match: func(_ *store.Message, subject, body string) bool {
				return containsAny(subject+" "+body, "meeting", "appointment", "termin", "reschedule", "calendar")
			},
		},
		{
			Name:      "inquiry",
			Category:  "inquiry-email",
			Priority:  store.PriorityNormal,
			AgentType: "inquiry-email",
			Reason:    "message asks a question",
			Match: func(_ *store.Message, subject, body string) bool {
				return strings.Contains(subject, "?") || strings.Contains(body, "?")
			},
		},
	}
}

// fallbackRule catches everything the ladder misses.
var fallbackRule = TriageRule{
	Name:      "general",
	Category:  "general-email",
	Priority:  store.PriorityNormal,
	AgentType: "general-email",
	Reason:    "no specific rule matched",
}

// Triage runs the ladder over one message. Pure function of its input.
func Triage(rules []TriageRule, msg *store.Message) TriageDecision {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Body)
	for _, rule := range rules {
		if rule.Match != nil && rule.Match(msg, subject, body) {
			return TriageDecision{
				Category:  rule.Category,
				Priority:  rule.Priority,
				AgentType: rule.AgentType,
				Reason:    rule.Reason,
			}
		}
	}
	return TriageDecision{
		Category:  fallbackRule.Category,
		Priority:  fallbackRule.Priority,
		AgentType: fallbackRule.AgentType,
		Reason:    fallbackRule.Reason,
	}
}
