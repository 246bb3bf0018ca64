package store

import (
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

const draftColumns = `id, task_id, source_message_id, channel, recipients, cc, subject, body, original_body, status, priority, conductor_notes, quality_score, quality_notes, auto_approve_match, reviewed_by, reviewed_at, sent_at, external_draft_id, metadata, created_at, updated_at`

// InsertDraft persists a new draft. original_body is captured from the
// creation-time body and never changes afterwards.
func (s *Store) InsertDraft(d *Draft) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DraftStatusPendingReview
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	d.OriginalBody = d.Body
	now := nowISO()
	d.CreatedAt = parseTime(now)
	d.UpdatedAt = d.CreatedAt
	_, err := s.db.Exec(`INSERT INTO drafts (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, nullable(d.SourceMessageID), d.Channel, marshalJSON(d.To), marshalJSON(d.CC),
		d.Subject, d.Body, d.OriginalBody, d.Status, d.Priority,
		nullable(d.ConductorNotes), nullableInt(d.QualityScore), nullable(d.QualityNotes),
		nullable(d.AutoApproveMatch), nullable(d.ReviewedBy), nil, nil,
		nullable(d.ExternalDraftID), marshalJSON(d.Metadata), now, now)
	return err
}

// DraftByID returns one draft or ErrNotFound.
func (s *Store) DraftByID(id string) (*Draft, error) {
	row := s.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	return scanDraft(row)
}

// DraftsByStatus returns up to limit drafts in a status, oldest first.
func (s *Store) DraftsByStatus(status string, limit int) ([]Draft, error) {
	rows, err := s.db.Query(`SELECT `+draftColumns+` FROM drafts WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrafts(rows)
}

// PendingReviewDrafts returns drafts awaiting review ordered by priority
// rank then created-at ascending.
func (s *Store) PendingReviewDrafts(limit int) ([]Draft, error) {
	rows, err := s.db.Query(`SELECT `+draftColumns+` FROM drafts
		WHERE status = 'pending_review'
		ORDER BY `+priorityRankSQL+`, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrafts(rows)
}

// RecentDrafts returns the newest limit drafts across all statuses.
func (s *Store) RecentDrafts(limit int) ([]Draft, error) {
	rows, err := s.db.Query(`SELECT `+draftColumns+` FROM drafts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrafts(rows)
}

// UpdateDraftStatus transitions a draft. Review-terminal statuses stamp
// reviewed_at once; sent-like statuses stamp sent_at once.
func (s *Store) UpdateDraftStatus(id, status, reviewedBy string) error {
	now := nowISO()
	res, err := s.db.Exec(`UPDATE drafts SET status = ?, updated_at = ?,
		reviewed_by = COALESCE(?, reviewed_by),
		reviewed_at = CASE WHEN ? IN ('approved', 'rejected', 'edited_and_sent')
			THEN COALESCE(reviewed_at, ?) ELSE reviewed_at END,
		sent_at = CASE WHEN ? IN ('sent', 'edited_and_sent', 'auto_approved')
			THEN COALESCE(sent_at, ?) ELSE sent_at END
		WHERE id = ?`,
		status, now, nullable(reviewedBy), status, now, status, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateDraftBody replaces the working body and optionally the subject.
// original_body is untouched.
func (s *Store) UpdateDraftBody(id, body, subject string) error {
	res, err := s.db.Exec(`UPDATE drafts SET body = ?,
		subject = CASE WHEN ? != '' THEN ? ELSE subject END,
		updated_at = ? WHERE id = ?`,
		body, subject, subject, nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateDraftQuality records a quality score and notes.
func (s *Store) UpdateDraftQuality(id string, score int, notes string) error {
	res, err := s.db.Exec(`UPDATE drafts SET quality_score = ?, quality_notes = ?, updated_at = ? WHERE id = ?`,
		score, nullable(notes), nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetDraftAutoApproveMatch records which rule auto-approved a draft.
func (s *Store) SetDraftAutoApproveMatch(id, ruleName string) error {
	res, err := s.db.Exec(`UPDATE drafts SET auto_approve_match = ?, updated_at = ? WHERE id = ?`,
		ruleName, nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var sourceMessageID, conductorNotes, qualityNotes, autoMatch, reviewedBy, reviewedAt, sentAt, externalID sql.NullString
	var qualityScore sql.NullInt64
	var recipients, cc, metadata, createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.TaskID, &sourceMessageID, &d.Channel, &recipients, &cc,
		&d.Subject, &d.Body, &d.OriginalBody, &d.Status, &d.Priority,
		&conductorNotes, &qualityScore, &qualityNotes, &autoMatch, &reviewedBy,
		&reviewedAt, &sentAt, &externalID, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.SourceMessageID = sourceMessageID.String
	d.To = unmarshalStrings(recipients)
	d.CC = unmarshalStrings(cc)
	d.ConductorNotes = conductorNotes.String
	if qualityScore.Valid {
		v := int(qualityScore.Int64)
		d.QualityScore = &v
	}
	d.QualityNotes = qualityNotes.String
	d.AutoApproveMatch = autoMatch.String
	d.ReviewedBy = reviewedBy.String
	d.ReviewedAt = parseTimePtr(reviewedAt)
	d.SentAt = parseTimePtr(sentAt)
	d.ExternalDraftID = externalID.String
	d.Metadata = unmarshalMap(metadata)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

func collectDrafts(rows *sql.Rows) ([]Draft, error) {
	var out []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			slog.Warn("Store: skipping malformed draft row", "error", err)
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
