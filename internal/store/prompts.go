package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

const promptColumns = `id, name, content, version, active, activated_at, created_at, metrics`

// InsertPromptVersion persists a new prompt version. The version number
// is assigned as one past the highest existing version of the name.
func (s *Store) InsertPromptVersion(p *PromptVersion) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Version == 0 {
		var max sql.NullInt64
		if err := s.db.QueryRow(`SELECT MAX(version) FROM prompt_versions WHERE name = ?`, p.Name).Scan(&max); err != nil {
			return err
		}
		p.Version = int(max.Int64) + 1
	}
	now := nowISO()
	p.CreatedAt = parseTime(now)
	_, err := s.db.Exec(`INSERT INTO prompt_versions (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Content, p.Version, boolInt(p.Active), nil, now, marshalMetrics(p.Metrics))
	return err
}

// PromptVersionByID returns one prompt version or ErrNotFound.
func (s *Store) PromptVersionByID(id string) (*PromptVersion, error) {
	row := s.db.QueryRow(`SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id)
	return scanPrompt(row)
}

// ActivePromptVersion returns the active version of a name, if any.
func (s *Store) ActivePromptVersion(name string) (*PromptVersion, error) {
	row := s.db.QueryRow(`SELECT `+promptColumns+` FROM prompt_versions WHERE name = ? AND active = 1`, name)
	return scanPrompt(row)
}

// PromptVersionsByName lists all versions of a name, newest first.
func (s *Store) PromptVersionsByName(name string) ([]PromptVersion, error) {
	rows, err := s.db.Query(`SELECT `+promptColumns+` FROM prompt_versions WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PromptVersion
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			slog.Warn("Store: skipping malformed prompt row", "error", err)
			continue
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ActivatePromptVersion activates one version and deactivates all
// siblings of the same name inside a single transaction. At most one
// version of a name is ever active.
func (s *Store) ActivatePromptVersion(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	var name string
	if err := tx.QueryRow(`SELECT name FROM prompt_versions WHERE id = ?`, id).Scan(&name); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(`UPDATE prompt_versions SET active = 0, activated_at = NULL WHERE name = ?`, name); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE prompt_versions SET active = 1, activated_at = ? WHERE id = ?`, nowISO(), id); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdatePromptMetrics stores a metrics rollup on a prompt version.
func (s *Store) UpdatePromptMetrics(id string, m *PromptMetrics) error {
	res, err := s.db.Exec(`UPDATE prompt_versions SET metrics = ? WHERE id = ?`, marshalMetrics(m), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMetrics(m *PromptMetrics) any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func scanPrompt(row rowScanner) (*PromptVersion, error) {
	var p PromptVersion
	var active int
	var activatedAt, metrics sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.Content, &p.Version, &active, &activatedAt, &createdAt, &metrics)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.ActivatedAt = parseTimePtr(activatedAt)
	p.CreatedAt = parseTime(createdAt)
	if metrics.Valid && metrics.String != "" {
		var m PromptMetrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err == nil {
			p.Metrics = &m
		}
	}
	return &p, nil
}
