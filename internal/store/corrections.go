package store

import (
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

const correctionColumns = `id, draft_id, task_id, original_body, edited_body, edited_subject, change_type, feedback, created_at`

// InsertCorrection records a human edit or rejection.
func (s *Store) InsertCorrection(c *Correction) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := nowISO()
	c.CreatedAt = parseTime(now)
	_, err := s.db.Exec(`INSERT INTO corrections (`+correctionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DraftID, c.TaskID, c.OriginalBody, c.EditedBody,
		nullable(c.EditedSubject), c.ChangeType, nullable(c.Feedback), now)
	return err
}

// CorrectionByID returns one correction or ErrNotFound.
func (s *Store) CorrectionByID(id string) (*Correction, error) {
	row := s.db.QueryRow(`SELECT `+correctionColumns+` FROM corrections WHERE id = ?`, id)
	return scanCorrection(row)
}

// RecentCorrections returns the newest limit corrections.
func (s *Store) RecentCorrections(limit int) ([]Correction, error) {
	rows, err := s.db.Query(`SELECT `+correctionColumns+` FROM corrections ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			slog.Warn("Store: skipping malformed correction row", "error", err)
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CorrectionsByDraft returns corrections for one draft, oldest first.
func (s *Store) CorrectionsByDraft(draftID string) ([]Correction, error) {
	rows, err := s.db.Query(`SELECT `+correctionColumns+` FROM corrections WHERE draft_id = ? ORDER BY created_at ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCorrection(row rowScanner) (*Correction, error) {
	var c Correction
	var editedSubject, feedback sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.DraftID, &c.TaskID, &c.OriginalBody, &c.EditedBody,
		&editedSubject, &c.ChangeType, &feedback, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.EditedSubject = editedSubject.String
	c.Feedback = feedback.String
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
