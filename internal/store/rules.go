package store

import (
	"database/sql"

	"github.com/google/uuid"
)

const ruleColumns = `id, name, channel, agent_type, max_length, min_score, enabled, created_at`

// InsertApprovalRule persists an auto-approve rule.
func (s *Store) InsertApprovalRule(r *ApprovalRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := nowISO()
	r.CreatedAt = parseTime(now)
	_, err := s.db.Exec(`INSERT INTO approval_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, nullable(r.Channel), nullable(r.AgentType), r.MaxLength, r.MinScore, boolInt(r.Enabled), now)
	return err
}

// EnabledApprovalRules returns all enabled rules.
func (s *Store) EnabledApprovalRules() ([]ApprovalRule, error) {
	rows, err := s.db.Query(`SELECT `+ruleColumns+` FROM approval_rules WHERE enabled = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ApprovalRule
	for rows.Next() {
		var r ApprovalRule
		var channel, agentType sql.NullString
		var enabled int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Name, &channel, &agentType, &r.MaxLength, &r.MinScore, &enabled, &createdAt); err != nil {
			continue
		}
		r.Channel = channel.String
		r.AgentType = agentType.String
		r.Enabled = enabled != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetApprovalRuleEnabled toggles a rule.
func (s *Store) SetApprovalRuleEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE approval_rules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
