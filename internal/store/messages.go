package store

import (
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

const messageColumns = `id, channel, direction, external_id, sender, recipients, subject, body, metadata, status, task_id, thread_id, created_at, updated_at`

// InsertMessage persists a new message. A missing ID is generated;
// timestamps are assigned by the store.
func (s *Store) InsertMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MessageStatusNew
	}
	now := nowISO()
	m.CreatedAt = parseTime(now)
	m.UpdatedAt = m.CreatedAt
	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.Direction, nullable(m.ExternalID), m.From, marshalJSON(m.To),
		nullable(m.Subject), m.Body, marshalJSON(m.Metadata), m.Status,
		nullable(m.TaskID), nullable(m.ThreadID), now, now)
	return err
}

// MessageByID returns one message or ErrNotFound.
func (s *Store) MessageByID(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MessagesByStatus returns up to limit messages in a status, newest first.
func (s *Store) MessagesByStatus(status string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessagesByThread returns up to limit messages in a thread, newest first.
func (s *Store) MessagesByThread(threadID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// UpdateMessageStatus moves a message to a new status.
func (s *Store) UpdateMessageStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, status, nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// LinkMessageTask back-references the task created for a message.
func (s *Store) LinkMessageTask(id, taskID string) error {
	res, err := s.db.Exec(`UPDATE messages SET task_id = ?, updated_at = ? WHERE id = ?`, taskID, nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var externalID, subject, taskID, threadID sql.NullString
	var recipients, metadata, createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.Channel, &m.Direction, &externalID, &m.From, &recipients,
		&subject, &m.Body, &metadata, &m.Status, &taskID, &threadID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Subject = subject.String
	m.TaskID = taskID.String
	m.ThreadID = threadID.String
	m.To = unmarshalStrings(recipients)
	m.Metadata = unmarshalMap(metadata)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Warn("Store: skipping malformed message row", "error", err)
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
