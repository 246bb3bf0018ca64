package store

import (
	"database/sql"

	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, task_id, container_id, status, started_at, stopped_at`

// InsertSession records a launched worker instance.
func (s *Store) InsertSession(sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionStatusStarting
	}
	now := nowISO()
	sess.StartedAt = parseTime(now)
	_, err := s.db.Exec(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.TaskID, nullable(sess.ContainerID), sess.Status, now, nil)
	return err
}

// SessionByID returns one session or ErrNotFound.
func (s *Store) SessionByID(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSessionStatus transitions a session; stopped and error stamp
// stopped_at once.
func (s *Store) UpdateSessionStatus(id, status string) error {
	now := nowISO()
	res, err := s.db.Exec(`UPDATE sessions SET status = ?,
		stopped_at = CASE WHEN ? IN ('stopped', 'error')
			THEN COALESCE(stopped_at, ?) ELSE stopped_at END
		WHERE id = ?`,
		status, status, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetSessionContainer records the external container handle.
func (s *Store) SetSessionContainer(id, containerID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET container_id = ? WHERE id = ?`, containerID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var containerID, stoppedAt sql.NullString
	var startedAt string
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &containerID, &sess.Status, &startedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.ContainerID = containerID.String
	sess.StartedAt = parseTime(startedAt)
	sess.StoppedAt = parseTimePtr(stoppedAt)
	return &sess, nil
}
