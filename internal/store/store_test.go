package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coreclaw.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "coreclaw.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d applied migrations, got %d", len(migrations), count)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{
		Channel:   "email",
		Direction: DirectionInbound,
		From:      "alice@example.com",
		To:        []string{"support@example.com"},
		Subject:   "Invoice question",
		Body:      "Where is my invoice?",
		Metadata:  map[string]any{"conversationId": "thread-1"},
		ThreadID:  "thread-1",
	}
	if err := s.InsertMessage(msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if msg.ID == "" {
		t.Fatalf("expected generated message id")
	}

	got, err := s.MessageByID(msg.ID)
	if err != nil {
		t.Fatalf("message by id: %v", err)
	}
	if got.Status != MessageStatusNew {
		t.Fatalf("expected status new, got %q", got.Status)
	}
	if got.From != msg.From || got.Subject != msg.Subject || got.Body != msg.Body {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.To) != 1 || got.To[0] != "support@example.com" {
		t.Fatalf("recipients mismatch: %v", got.To)
	}
	if got.Metadata["conversationId"] != "thread-1" {
		t.Fatalf("metadata mismatch: %v", got.Metadata)
	}
}

func TestMessageByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.MessageByID("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingTasksPriorityOrder(t *testing.T) {
	s := newTestStore(t)

	low := &Task{Type: "general-email", Priority: PriorityLow}
	if err := s.InsertTask(low); err != nil {
		t.Fatalf("insert low: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	urgent := &Task{Type: "urgent-email", Priority: PriorityUrgent}
	if err := s.InsertTask(urgent); err != nil {
		t.Fatalf("insert urgent: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	normalA := &Task{Type: "general-email", Priority: PriorityNormal}
	if err := s.InsertTask(normalA); err != nil {
		t.Fatalf("insert normal a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	normalB := &Task{Type: "general-email", Priority: PriorityNormal}
	if err := s.InsertTask(normalB); err != nil {
		t.Fatalf("insert normal b: %v", err)
	}

	pending, err := s.PendingTasks(10)
	if err != nil {
		t.Fatalf("pending tasks: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending tasks, got %d", len(pending))
	}
	wantOrder := []string{urgent.ID, normalA.ID, normalB.ID, low.ID}
	for i, want := range wantOrder {
		if pending[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, pending[i].ID)
		}
	}
}

func TestTaskCompletedAtSetOnTerminalStatus(t *testing.T) {
	s := newTestStore(t)

	task := &Task{Type: "general-email"}
	if err := s.InsertTask(task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	if err := s.UpdateTaskStatus(task.ID, TaskStatusRunning); err != nil {
		t.Fatalf("update running: %v", err)
	}
	got, _ := s.TaskByID(task.ID)
	if got.CompletedAt != nil {
		t.Fatalf("completed_at must be unset while running")
	}

	if err := s.UpdateTaskStatus(task.ID, TaskStatusCompleted); err != nil {
		t.Fatalf("update completed: %v", err)
	}
	got, _ = s.TaskByID(task.ID)
	if got.CompletedAt == nil {
		t.Fatalf("completed_at must be set on completion")
	}
	first := *got.CompletedAt

	// A second terminal transition must not move the timestamp.
	if err := s.UpdateTaskStatus(task.ID, TaskStatusFailed); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = s.TaskByID(task.ID)
	if !got.CompletedAt.Equal(first) {
		t.Fatalf("completed_at moved on second terminal transition")
	}
}

func TestIncrementTaskRetry(t *testing.T) {
	s := newTestStore(t)
	task := &Task{Type: "general-email", MaxRetries: 3}
	if err := s.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for want := 1; want <= 3; want++ {
		got, err := s.IncrementTaskRetry(task.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected retry count %d, got %d", want, got)
		}
	}
}

func TestDraftOriginalBodyImmutable(t *testing.T) {
	s := newTestStore(t)

	d := &Draft{TaskID: "t1", Channel: "email", Subject: "Re: hi", Body: "first body"}
	if err := s.InsertDraft(d); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	if err := s.UpdateDraftBody(d.ID, "edited body", "new subject"); err != nil {
		t.Fatalf("update body: %v", err)
	}
	got, err := s.DraftByID(d.ID)
	if err != nil {
		t.Fatalf("draft by id: %v", err)
	}
	if got.Body != "edited body" || got.Subject != "new subject" {
		t.Fatalf("body update not applied: %+v", got)
	}
	if got.OriginalBody != "first body" {
		t.Fatalf("original_body changed: %q", got.OriginalBody)
	}
}

func TestDraftStatusTimestamps(t *testing.T) {
	s := newTestStore(t)

	d := &Draft{TaskID: "t1", Channel: "email", Body: "body"}
	if err := s.InsertDraft(d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.UpdateDraftStatus(d.ID, DraftStatusApproved, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := s.DraftByID(d.ID)
	if got.ReviewedAt == nil {
		t.Fatalf("reviewed_at must be set on approval")
	}
	if got.SentAt != nil {
		t.Fatalf("sent_at must not be set on approval")
	}
	if got.ReviewedBy != "alice" {
		t.Fatalf("reviewed_by mismatch: %q", got.ReviewedBy)
	}

	if err := s.UpdateDraftStatus(d.ID, DraftStatusSent, ""); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, _ = s.DraftByID(d.ID)
	if got.SentAt == nil {
		t.Fatalf("sent_at must be set on sent")
	}
}

func TestPendingReviewDraftOrder(t *testing.T) {
	s := newTestStore(t)

	normal := &Draft{TaskID: "t1", Channel: "email", Body: "b", Priority: PriorityNormal}
	if err := s.InsertDraft(normal); err != nil {
		t.Fatalf("insert: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	urgent := &Draft{TaskID: "t2", Channel: "email", Body: "b", Priority: PriorityUrgent}
	if err := s.InsertDraft(urgent); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := s.PendingReviewDrafts(10)
	if err != nil {
		t.Fatalf("pending review: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != urgent.ID {
		t.Fatalf("expected urgent draft first")
	}
}

func TestPromptActivateDeactivatesSiblings(t *testing.T) {
	s := newTestStore(t)

	v1 := &PromptVersion{Name: "billing-email-system-prompt", Content: "v1"}
	if err := s.InsertPromptVersion(v1); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	v2 := &PromptVersion{Name: "billing-email-system-prompt", Content: "v2"}
	if err := s.InsertPromptVersion(v2); err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected auto version 2, got %d", v2.Version)
	}

	if err := s.ActivatePromptVersion(v1.ID); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if err := s.ActivatePromptVersion(v2.ID); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	versions, err := s.PromptVersionsByName("billing-email-system-prompt")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	activeCount := 0
	for _, v := range versions {
		if v.Active {
			activeCount++
			if v.ID != v2.ID {
				t.Fatalf("wrong active version: %s", v.ID)
			}
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active version, got %d", activeCount)
	}

	active, err := s.ActivePromptVersion("billing-email-system-prompt")
	if err != nil {
		t.Fatalf("active version: %v", err)
	}
	if active.ActivatedAt == nil {
		t.Fatalf("expected activated_at on active version")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{AgentID: "billing-email", TaskID: "t1"}
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := s.SetSessionContainer(sess.ID, "coreclaw-wkr-abc123"); err != nil {
		t.Fatalf("set container: %v", err)
	}
	if err := s.UpdateSessionStatus(sess.ID, SessionStatusRunning); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := s.UpdateSessionStatus(sess.ID, SessionStatusStopped); err != nil {
		t.Fatalf("stopped: %v", err)
	}

	got, err := s.SessionByID(sess.ID)
	if err != nil {
		t.Fatalf("session by id: %v", err)
	}
	if got.ContainerID != "coreclaw-wkr-abc123" {
		t.Fatalf("container mismatch: %q", got.ContainerID)
	}
	if got.StoppedAt == nil {
		t.Fatalf("expected stopped_at on stopped session")
	}
}

func TestCorrectionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	c := &Correction{
		DraftID:      "d1",
		TaskID:       "t1",
		OriginalBody: "hello",
		EditedBody:   "",
		ChangeType:   ChangeRejection,
		Feedback:     "wrong tone",
	}
	if err := s.InsertCorrection(c); err != nil {
		t.Fatalf("insert correction: %v", err)
	}
	got, err := s.CorrectionByID(c.ID)
	if err != nil {
		t.Fatalf("correction by id: %v", err)
	}
	if got.ChangeType != ChangeRejection || got.EditedBody != "" || got.Feedback != "wrong tone" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
