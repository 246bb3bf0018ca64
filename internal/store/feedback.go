package store

import (
	"database/sql"

	"github.com/google/uuid"
)

// InsertFeedback records a human rating on a task or draft.
func (s *Store) InsertFeedback(f *Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := nowISO()
	f.CreatedAt = parseTime(now)
	_, err := s.db.Exec(`INSERT INTO feedback (id, task_id, draft_id, agent_type, rating, comment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, nullable(f.TaskID), nullable(f.DraftID), nullable(f.AgentType), f.Rating, nullable(f.Comment), now)
	return err
}

// RecentFeedback returns the newest limit feedback rows.
func (s *Store) RecentFeedback(limit int) ([]Feedback, error) {
	rows, err := s.db.Query(`SELECT id, task_id, draft_id, agent_type, rating, comment, created_at FROM feedback ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Feedback
	for rows.Next() {
		var f Feedback
		var taskID, draftID, agentType, comment sql.NullString
		var createdAt string
		if err := rows.Scan(&f.ID, &taskID, &draftID, &agentType, &f.Rating, &comment, &createdAt); err != nil {
			continue
		}
		f.TaskID = taskID.String
		f.DraftID = draftID.String
		f.AgentType = agentType.String
		f.Comment = comment.String
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}
