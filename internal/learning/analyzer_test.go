package learning

import (
	"path/filepath"
	"testing"

	"github.com/ostheimer/coreclaw/internal/store"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "learning.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewAnalyzer(db), db
}

func seedDraftWithStatus(t *testing.T, db *store.Store, agentType, status string) *store.Draft {
	t.Helper()
	d := &store.Draft{TaskID: "t", Channel: "email", Body: "draft body content",
		Metadata: map[string]any{"agentType": agentType}}
	if err := db.InsertDraft(d); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	if status != store.DraftStatusPendingReview {
		if err := db.UpdateDraftStatus(d.ID, status, "reviewer"); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
	return d
}

func seedCorrection(t *testing.T, db *store.Store, draftID, changeType, feedback string) {
	t.Helper()
	c := &store.Correction{DraftID: draftID, TaskID: "t", OriginalBody: "a",
		EditedBody: "b", ChangeType: changeType, Feedback: feedback}
	if err := db.InsertCorrection(c); err != nil {
		t.Fatalf("insert correction: %v", err)
	}
}

func TestAnalyzeBuildsPatternsAndRates(t *testing.T) {
	a, db := newTestAnalyzer(t)

	var draftIDs []string
	for i := 0; i < 10; i++ {
		d := seedDraftWithStatus(t, db, "billing-email", store.DraftStatusPendingReview)
		draftIDs = append(draftIDs, d.ID)
	}
	for i := 0; i < 3; i++ {
		seedCorrection(t, db, draftIDs[i], store.ChangeToneChange, "too stiff")
	}
	seedCorrection(t, db, draftIDs[3], store.ChangeMinorEdit, "")

	report, err := a.Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Insights) != 1 {
		t.Fatalf("expected one agent insight, got %d", len(report.Insights))
	}
	in := report.Insights[0]
	if in.AgentType != "billing-email" || in.Corrections != 4 || in.Drafts != 10 {
		t.Fatalf("insight mismatch: %+v", in)
	}
	if in.CorrectionRate != 40 {
		t.Fatalf("expected 40%% correction rate, got %d", in.CorrectionRate)
	}

	var tone *Pattern
	for i := range in.Patterns {
		if in.Patterns[i].ChangeType == store.ChangeToneChange {
			tone = &in.Patterns[i]
		}
	}
	if tone == nil || tone.Count != 3 || tone.Percentage != 75 {
		t.Fatalf("tone pattern mismatch: %+v", tone)
	}
	if len(tone.Examples) != 3 || tone.Examples[0].Feedback != "too stiff" {
		t.Fatalf("pattern examples mismatch: %+v", tone.Examples)
	}

	// Tone count 3 (>= 2, < 5) yields a medium-confidence suggestion.
	found := false
	for _, s := range report.Suggestions {
		if s.AgentType == "billing-email" && s.Confidence == "medium" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a medium tone suggestion: %+v", report.Suggestions)
	}
}

func TestAnalyzeQuietAgentProducesNoSuggestions(t *testing.T) {
	a, db := newTestAnalyzer(t)

	var first string
	for i := 0; i < 20; i++ {
		d := seedDraftWithStatus(t, db, "general-email", store.DraftStatusPendingReview)
		if i == 0 {
			first = d.ID
		}
	}
	// One correction over twenty drafts: 5% rate, below the floor.
	seedCorrection(t, db, first, store.ChangeToneChange, "")

	report, err := a.Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Suggestions) != 0 {
		t.Fatalf("low-rate agent must yield no suggestions: %+v", report.Suggestions)
	}
}

func TestAnalyzeRejectionShareIsHighConfidence(t *testing.T) {
	a, db := newTestAnalyzer(t)

	var ids []string
	for i := 0; i < 4; i++ {
		d := seedDraftWithStatus(t, db, "urgent-email", store.DraftStatusPendingReview)
		ids = append(ids, d.ID)
	}
	seedCorrection(t, db, ids[0], store.ChangeRejection, "wrong entirely")
	seedCorrection(t, db, ids[1], store.ChangeRejection, "not usable")
	seedCorrection(t, db, ids[2], store.ChangeMinorEdit, "")

	report, err := a.Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	found := false
	for _, s := range report.Suggestions {
		if s.AgentType == "urgent-email" && s.Confidence == "high" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rejection share >= 20%% must raise a high-confidence suggestion: %+v", report.Suggestions)
	}
}

func TestUpdatePromptMetrics(t *testing.T) {
	a, db := newTestAnalyzer(t)

	prompt := &store.PromptVersion{Name: "billing-email-system-prompt", Content: "v1"}
	if err := db.InsertPromptVersion(prompt); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	if err := db.ActivatePromptVersion(prompt.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	seedDraftWithStatus(t, db, "billing-email", store.DraftStatusApproved)
	seedDraftWithStatus(t, db, "billing-email", store.DraftStatusRejected)
	seedDraftWithStatus(t, db, "billing-email", store.DraftStatusEditedAndSent)
	seedDraftWithStatus(t, db, "billing-email", store.DraftStatusPendingReview)
	seedDraftWithStatus(t, db, "other-agent", store.DraftStatusApproved)

	if err := a.UpdatePromptMetrics("billing-email"); err != nil {
		t.Fatalf("update metrics: %v", err)
	}

	got, err := db.ActivePromptVersion("billing-email-system-prompt")
	if err != nil {
		t.Fatalf("active prompt: %v", err)
	}
	m := got.Metrics
	if m == nil {
		t.Fatalf("expected metrics")
	}
	if m.UsageCount != 4 || m.PositiveRating != 1 || m.NegativeRating != 1 {
		t.Fatalf("metrics mismatch: %+v", m)
	}
	// edited_and_sent + rejected = 2 of 4.
	if m.CorrectionRate != 50 {
		t.Fatalf("expected 50%% correction rate, got %d", m.CorrectionRate)
	}
}

func TestUpdatePromptMetricsNoActivePromptIsNoop(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	if err := a.UpdatePromptMetrics("unknown-agent"); err != nil {
		t.Fatalf("missing prompt must be a no-op, got %v", err)
	}
}
