package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// EnvDBPath is the single environment variable the core observes: it
// overrides the store file path.
const EnvDBPath = "CORECLAW_DB_PATH"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store is the typed repository layer over a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath and applies pending
// migrations. CORECLAW_DB_PATH overrides dbPath when set. Open failure
// is fatal to the caller: the process must not start without a store.
func Open(dbPath string) (*Store, error) {
	if override := os.Getenv(EnvDBPath); override != "" {
		dbPath = override
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// priorityRankSQL orders urgent < high < normal < low in SQL queries.
const priorityRankSQL = `CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END`

// timeLayout is fixed-width so that lexicographic ordering of the
// stored strings matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// nowISO returns the current UTC time in the store's timestamp format.
func nowISO() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// marshalJSON encodes a free-form value as its JSON column string.
// Nil maps and slices encode as the empty string.
func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return ""
		}
	case []string:
		if len(t) == 0 {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Store: failed to encode JSON column", "error", err)
		return ""
	}
	return string(data)
}

// unmarshalMap decodes a JSON column into a map. Malformed rows are
// logged and read as empty.
func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		slog.Warn("Store: malformed JSON column, skipping", "error", err)
		return nil
	}
	return m
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("Store: malformed JSON list column, skipping", "error", err)
		return nil
	}
	return out
}
