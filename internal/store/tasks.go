package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

const taskColumns = `id, type, status, priority, payload, source_channel, source_message_id, agent_id, conductor_id, result, retry_count, max_retries, created_at, updated_at, completed_at`

// InsertTask persists a new task. Defaults: status pending, priority
// normal, max_retries 3.
func (s *Store) InsertTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	now := nowISO()
	t.CreatedAt = parseTime(now)
	t.UpdatedAt = t.CreatedAt
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.Status, t.Priority, marshalJSON(t.Payload),
		nullable(t.SourceChannel), nullable(t.SourceMessageID), nullable(t.AgentID), nullable(t.ConductorID),
		marshalResult(t.Result), t.RetryCount, t.MaxRetries, now, now, nil)
	return err
}

// TaskByID returns one task or ErrNotFound.
func (s *Store) TaskByID(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// TasksByStatus returns up to limit tasks in a status, oldest first.
func (s *Store) TasksByStatus(status string, limit int) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// PendingTasks returns pending and queued tasks ordered by priority rank
// then created-at ascending.
func (s *Store) PendingTasks(limit int) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'queued')
		ORDER BY `+priorityRankSQL+`, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskStatus transitions a task; moving into a terminal status
// stamps completed_at once.
func (s *Store) UpdateTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ?,
		completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled')
			THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ?`,
		status, nowISO(), status, nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateTaskResult stores the structured worker output for a task.
func (s *Store) UpdateTaskResult(id string, output *AgentOutput) error {
	res, err := s.db.Exec(`UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		marshalResult(output), nowISO(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementTaskRetry bumps retry_count and returns the new value.
func (s *Store) IncrementTaskRetry(id string) (int, error) {
	if _, err := s.db.Exec(`UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, nowISO(), id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRow(`SELECT retry_count FROM tasks WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, err
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func marshalResult(o *AgentOutput) any {
	if o == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		slog.Warn("Store: failed to encode agent output", "error", err)
		return nil
	}
	return string(data)
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var sourceChannel, sourceMessageID, agentID, conductorID, result, completedAt sql.NullString
	var payload, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Priority, &payload,
		&sourceChannel, &sourceMessageID, &agentID, &conductorID, &result,
		&t.RetryCount, &t.MaxRetries, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Payload = unmarshalMap(payload)
	t.SourceChannel = sourceChannel.String
	t.SourceMessageID = sourceMessageID.String
	t.AgentID = agentID.String
	t.ConductorID = conductorID.String
	if result.Valid && result.String != "" {
		var out AgentOutput
		if err := json.Unmarshal([]byte(result.String), &out); err != nil {
			slog.Warn("Store: malformed task result column", "task_id", t.ID, "error", err)
		} else {
			t.Result = &out
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			slog.Warn("Store: skipping malformed task row", "error", err)
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
