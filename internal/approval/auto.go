package approval

import (
	"log/slog"

	"github.com/ostheimer/coreclaw/internal/store"
)

// TryAutoApprove evaluates the enabled approval rules against a
// pending-review draft and auto-approves it on the first match. It
// reports whether a rule matched.
func (e *Engine) TryAutoApprove(draftID string) (*store.Draft, bool, error) {
	draft, err := e.db.DraftByID(draftID)
	if err != nil {
		return nil, false, err
	}
	if draft.Status != store.DraftStatusPendingReview {
		return draft, false, nil
	}
	rules, err := e.db.EnabledApprovalRules()
	if err != nil {
		return nil, false, err
	}
	for _, rule := range rules {
		if !ruleMatches(rule, draft) {
			continue
		}
		slog.Info("Draft auto-approved", "draft_id", draft.ID, "rule", rule.Name)
		approved, err := e.AutoApprove(draft.ID, rule.Name)
		if err != nil {
			return nil, false, err
		}
		return approved, true, nil
	}
	return draft, false, nil
}

func ruleMatches(rule store.ApprovalRule, draft *store.Draft) bool {
	if rule.Channel != "" && rule.Channel != draft.Channel {
		return false
	}
	if rule.AgentType != "" {
		agent, _ := draft.Metadata["agentType"].(string)
		if agent != rule.AgentType {
			return false
		}
	}
	if rule.MaxLength > 0 && len(draft.Body) > rule.MaxLength {
		return false
	}
	if rule.MinScore > 0 {
		if draft.QualityScore == nil || *draft.QualityScore < rule.MinScore {
			return false
		}
	}
	return true
}
