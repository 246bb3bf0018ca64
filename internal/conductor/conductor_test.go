package conductor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ostheimer/coreclaw/internal/approval"
	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/learning"
	"github.com/ostheimer/coreclaw/internal/store"
)

func newTestEnv(t *testing.T) (*store.Store, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, bus.New()
}

func TestInboxCreatesTaskFromMessage(t *testing.T) {
	db, b := newTestEnv(t)
	inbox := NewInbox(db, b, nil)
	inbox.Start()
	defer inbox.Stop()

	var created []bus.Envelope
	b.Subscribe(bus.EventTaskCreated, func(env bus.Envelope) { created = append(created, env) })

	msg := &store.Message{Channel: "email", Direction: store.DirectionInbound,
		From: "alice@example.com", Subject: "URGENT: invoice missing", Body: "please help"}
	if err := db.InsertMessage(msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	b.Publish(bus.EventMessageReceived, "adapter", map[string]any{"messageId": msg.ID})

	if len(created) != 1 {
		t.Fatalf("expected one task:created event, got %d", len(created))
	}
	taskID := created[0].Payload.(map[string]any)["taskId"].(string)
	task, err := db.TaskByID(taskID)
	if err != nil {
		t.Fatalf("task by id: %v", err)
	}
	if task.Type != "urgent-email" || task.Priority != store.PriorityUrgent {
		t.Fatalf("triage mismatch: %s/%s", task.Type, task.Priority)
	}
	if task.Payload["messageId"] != msg.ID || task.Payload["category"] != "urgent-email" {
		t.Fatalf("task payload mismatch: %v", task.Payload)
	}
	if task.Payload["triageReason"] == "" {
		t.Fatalf("task payload missing triage reason")
	}

	gotMsg, _ := db.MessageByID(msg.ID)
	if gotMsg.Status != store.MessageStatusHandled || gotMsg.TaskID != task.ID {
		t.Fatalf("message not handled/linked: %+v", gotMsg)
	}
}

func TestInboxStartIsIdempotent(t *testing.T) {
	db, b := newTestEnv(t)
	inbox := NewInbox(db, b, nil)
	inbox.Start()
	inbox.Start()
	defer inbox.Stop()

	if n := b.SubscriberCount(bus.EventMessageReceived); n != 1 {
		t.Fatalf("expected one subscription after double start, got %d", n)
	}
	inbox.Stop()
	if n := b.SubscriberCount(bus.EventMessageReceived); n != 0 {
		t.Fatalf("expected no subscriptions after stop, got %d", n)
	}
}

func TestWorkflowRoutesSimpleTasks(t *testing.T) {
	db, b := newTestEnv(t)
	wf := NewWorkflow(db, b, approval.NewEngine(db, b), ModeAssist)
	wf.Start()
	defer wf.Stop()

	var routed []bus.Envelope
	b.Subscribe(bus.EventTaskCreated, func(env bus.Envelope) {
		if m, ok := env.Payload.(map[string]any); ok {
			if r, _ := m["routed"].(bool); r {
				routed = append(routed, env)
			}
		}
	})

	task := &store.Task{Type: "general-email"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.Publish(bus.EventTaskCreated, "inbox", map[string]any{"taskId": task.ID})

	if len(routed) != 1 {
		t.Fatalf("expected one routed republication, got %d", len(routed))
	}
}

func TestWorkflowPlansResearchAndReport(t *testing.T) {
	db, b := newTestEnv(t)
	wf := NewWorkflow(db, b, approval.NewEngine(db, b), ModeAssist)
	wf.Start()
	defer wf.Stop()

	var planned bus.Envelope
	b.Subscribe(bus.EventConductorWorkflowPlanned, func(env bus.Envelope) { planned = env })

	task := &store.Task{Type: "research-and-report", Payload: map[string]any{"topic": "churn"}}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.Publish(bus.EventTaskCreated, "inbox", map[string]any{"taskId": task.ID})

	steps, _ := planned.Payload.(map[string]any)["steps"].([]string)
	if len(steps) != 2 {
		t.Fatalf("expected 2 planned steps, got %v", planned.Payload)
	}
	research, err := db.TaskByID(steps[0])
	if err != nil {
		t.Fatalf("research step: %v", err)
	}
	report, err := db.TaskByID(steps[1])
	if err != nil {
		t.Fatalf("report step: %v", err)
	}
	if research.Type != "research" || report.Type != "report" {
		t.Fatalf("step types mismatch: %s/%s", research.Type, report.Type)
	}
	deps, _ := report.Payload["dependsOn"].([]any)
	if len(deps) != 1 || deps[0] != research.ID {
		t.Fatalf("report must depend on research: %v", report.Payload)
	}
	if research.Payload["workflowStep"] != float64(1) || report.Payload["workflowStep"] != float64(2) {
		t.Fatalf("workflow steps mismatch: %v / %v", research.Payload, report.Payload)
	}
}

func TestWorkflowPlansBatchItems(t *testing.T) {
	db, b := newTestEnv(t)
	wf := NewWorkflow(db, b, approval.NewEngine(db, b), ModeAssist)
	wf.Start()
	defer wf.Stop()

	var planned bus.Envelope
	b.Subscribe(bus.EventConductorWorkflowPlanned, func(env bus.Envelope) { planned = env })

	task := &store.Task{Type: "batch-processing", Payload: map[string]any{
		"items": []any{"a", "b", "c"},
	}}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.Publish(bus.EventTaskCreated, "inbox", map[string]any{"taskId": task.ID})

	steps, _ := planned.Payload.(map[string]any)["steps"].([]string)
	if len(steps) != 3 {
		t.Fatalf("expected 3 parallel steps, got %d", len(steps))
	}
	first, _ := db.TaskByID(steps[0])
	if first.Type != "batch-item" || first.Payload["item"] != "a" {
		t.Fatalf("batch step mismatch: %+v", first)
	}
}

func TestWorkflowCreatesDraftOnCompletion(t *testing.T) {
	db, b := newTestEnv(t)
	wf := NewWorkflow(db, b, approval.NewEngine(db, b), ModeAssist)
	wf.Start()
	defer wf.Stop()

	var reviewReq bus.Envelope
	b.Subscribe(bus.EventConductorReviewRequest, func(env bus.Envelope) { reviewReq = env })

	task := &store.Task{Type: "billing-email", SourceChannel: "email"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	output := &store.AgentOutput{
		Status:   store.OutputStatusCompleted,
		Priority: store.PriorityHigh,
		Summary:  "Replied about the invoice",
		Outputs:  []store.OutputItem{{Type: "email", Content: "Dear customer, here is your invoice."}},
	}
	if err := db.UpdateTaskResult(task.ID, output); err != nil {
		t.Fatalf("store result: %v", err)
	}
	b.Publish(bus.EventTaskCompleted, "task-queue", map[string]any{"taskId": task.ID})

	if reviewReq.Type == "" {
		t.Fatalf("expected a conductor:review-request")
	}
	if reviewReq.Target != "quality" {
		t.Fatalf("review request must target quality, got %q", reviewReq.Target)
	}
	draftID := reviewReq.Payload.(map[string]any)["draftId"].(string)
	draft, err := db.DraftByID(draftID)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if draft.Body != "Dear customer, here is your invoice." {
		t.Fatalf("draft body mismatch: %q", draft.Body)
	}
}

func TestWorkflowSandboxSkipsDraft(t *testing.T) {
	db, b := newTestEnv(t)
	wf := NewWorkflow(db, b, approval.NewEngine(db, b), ModeSandbox)
	wf.Start()
	defer wf.Stop()

	dryruns := 0
	b.Subscribe(bus.EventConductorSandboxDryrun, func(bus.Envelope) { dryruns++ })

	task := &store.Task{Type: "general-email", SourceChannel: "email"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	output := &store.AgentOutput{
		Status:  store.OutputStatusCompleted,
		Summary: "Would have replied",
		Outputs: []store.OutputItem{{Type: "email", Content: "hello"}},
	}
	if err := db.UpdateTaskResult(task.ID, output); err != nil {
		t.Fatalf("store result: %v", err)
	}
	b.Publish(bus.EventTaskCompleted, "task-queue", map[string]any{"taskId": task.ID})

	if dryruns != 1 {
		t.Fatalf("expected a sandbox dry-run event")
	}
	drafts, _ := db.PendingReviewDrafts(10)
	if len(drafts) != 0 {
		t.Fatalf("sandbox mode must not create drafts")
	}
}

type fakeSource struct {
	name   string
	result string
	err    error
}

func (s *fakeSource) Name() string { return s.name }
func (s *fakeSource) Query(_ context.Context, _ string) (string, error) {
	return s.result, s.err
}

func TestContextGathersThreadHistory(t *testing.T) {
	db, b := newTestEnv(t)
	cc := NewContext(db, b, []KnowledgeSource{
		&fakeSource{name: "crm", result: "customer since 2019"},
		&fakeSource{name: "broken", err: errors.New("connection refused")},
	})
	cc.Start()
	defer cc.Stop()

	var ready bus.Envelope
	b.Subscribe(bus.EventConductorContextReady, func(env bus.Envelope) { ready = env })

	longBody := strings.Repeat("x", 900)
	for i := 0; i < 3; i++ {
		msg := &store.Message{Channel: "email", Direction: store.DirectionInbound,
			From: "alice@example.com", Body: longBody, ThreadID: "thread-7",
			Status: store.MessageStatusHandled}
		if err := db.InsertMessage(msg); err != nil {
			t.Fatalf("insert history: %v", err)
		}
		if err := db.UpdateMessageStatus(msg.ID, store.MessageStatusHandled); err != nil {
			t.Fatalf("mark handled: %v", err)
		}
	}
	other := &store.Message{Channel: "email", Direction: store.DirectionInbound, Body: "other", ThreadID: "thread-9"}
	if err := db.InsertMessage(other); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	_ = db.UpdateMessageStatus(other.ID, store.MessageStatusHandled)

	current := &store.Message{Channel: "email", Direction: store.DirectionInbound,
		From: "alice@example.com", Body: "follow-up", ThreadID: "thread-7"}
	if err := db.InsertMessage(current); err != nil {
		t.Fatalf("insert current: %v", err)
	}
	task := &store.Task{Type: "general-email", SourceMessageID: current.ID}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	b.Publish(bus.EventTaskCreated, "inbox", map[string]any{"taskId": task.ID})

	if ready.Type == "" {
		t.Fatalf("expected conductor:context-ready")
	}
	payload := ready.Payload.(map[string]any)
	thread := payload["thread"].([]map[string]any)
	if len(thread) != 3 {
		t.Fatalf("expected 3 thread messages, got %d", len(thread))
	}
	for _, entry := range thread {
		if len(entry["body"].(string)) > 500 {
			t.Fatalf("thread bodies must be trimmed to 500 chars")
		}
	}
	knowledge := payload["knowledge"].(map[string]string)
	if knowledge["crm"] != "customer since 2019" {
		t.Fatalf("knowledge result missing: %v", knowledge)
	}
	if _, present := knowledge["broken"]; present {
		t.Fatalf("failed source must be skipped, not reported")
	}
}

func TestQualityReworkLoop(t *testing.T) {
	db, b := newTestEnv(t)
	q := NewQuality(db, b)
	q.Start()
	defer q.Stop()

	var result bus.Envelope
	b.Subscribe(bus.EventConductorReviewResult, func(env bus.Envelope) { result = env })

	task := &store.Task{Type: "general-email"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.UpdateTaskStatus(task.ID, store.TaskStatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	output := &store.AgentOutput{
		Status:  store.OutputStatusCompleted,
		Summary: "A reasonable summary",
		Outputs: nil,
	}
	if err := db.UpdateTaskResult(task.ID, output); err != nil {
		t.Fatalf("store result: %v", err)
	}
	b.Publish(bus.EventConductorReviewRequest, "workflow", map[string]any{"taskId": task.ID})

	payload := result.Payload.(map[string]any)
	if payload["approved"].(bool) {
		t.Fatalf("empty outputs on completed must fail review")
	}
	corrections := payload["corrections"].([]string)
	if len(corrections) != 1 || corrections[0] != "No outputs provided despite completed status" {
		t.Fatalf("corrections mismatch: %v", corrections)
	}
	got, _ := db.TaskByID(task.ID)
	if got.Status != store.TaskStatusRunning {
		t.Fatalf("task must be moved back to running, got %q", got.Status)
	}
}

func TestReviewOutputChecks(t *testing.T) {
	ok := ReviewOutput(&store.AgentOutput{
		Status:  store.OutputStatusCompleted,
		Summary: "long enough summary",
		Outputs: []store.OutputItem{{Type: "email", Content: "clean content"}},
	})
	if len(ok) != 0 {
		t.Fatalf("clean output must pass: %v", ok)
	}

	short := ReviewOutput(&store.AgentOutput{
		Status:  store.OutputStatusCompleted,
		Summary: "too short",
		Outputs: []store.OutputItem{{Type: "email", Content: "x"}},
	})
	if len(short) != 1 {
		t.Fatalf("nine-char summary must fail: %v", short)
	}

	sensitive := ReviewOutput(&store.AgentOutput{
		Status:  store.OutputStatusCompleted,
		Summary: "summary is fine here",
		Outputs: []store.OutputItem{{Type: "email", Content: "card 4111 1111 1111 1111 inside"}},
	})
	if len(sensitive) != 1 {
		t.Fatalf("card number must fail the policy check: %v", sensitive)
	}
}

func TestQualityScoresDraft(t *testing.T) {
	db, b := newTestEnv(t)
	q := NewQuality(db, b)
	q.Start()
	defer q.Stop()

	var reviewed bus.Envelope
	b.Subscribe(bus.EventDraftQualityReviewed, func(env bus.Envelope) { reviewed = env })

	draft := &store.Draft{TaskID: "t1", Channel: "email", Subject: "Re: hello",
		To: []string{"alice@example.com"}, Body: strings.Repeat("a", 19)}
	if err := db.InsertDraft(draft); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	b.Publish(bus.EventDraftCreated, "approval", map[string]any{"draftId": draft.ID})

	score := reviewed.Payload.(map[string]any)["score"].(int)
	if score > 70 {
		t.Fatalf("19-char body must trigger the short-body penalty, score %d", score)
	}
	got, _ := db.DraftByID(draft.ID)
	if got.QualityScore == nil || *got.QualityScore != score {
		t.Fatalf("score not persisted: %+v", got.QualityScore)
	}
}

func TestScoreDraftBoundaries(t *testing.T) {
	base := store.Draft{Subject: "Re: order", To: []string{"a@b.example"}}

	short := base
	short.Body = strings.Repeat("a", 19)
	if score, _ := ScoreDraft(&short); score != 70 {
		t.Fatalf("19-char body: expected 70, got %d", score)
	}

	exact := base
	exact.Body = strings.Repeat("a", 20)
	if score, _ := ScoreDraft(&exact); score != 100 {
		t.Fatalf("20-char body: expected 100, got %d", score)
	}

	noRecipients := base
	noRecipients.To = nil
	noRecipients.Body = strings.Repeat("a", 30)
	if score, _ := ScoreDraft(&noRecipients); score != 75 {
		t.Fatalf("no recipients: expected 75, got %d", score)
	}

	shouty := base
	shouty.Body = strings.Repeat("a", 30) + " really!!!"
	if score, _ := ScoreDraft(&shouty); score != 90 {
		t.Fatalf("excessive punctuation: expected 90, got %d", score)
	}
}

func TestLearningBufferThresholdPublishesInsight(t *testing.T) {
	db, b := newTestEnv(t)
	l := NewLearning(db, b, learning.NewAnalyzer(db), time.Hour)
	l.Start()
	defer l.Stop()

	var insight bus.Envelope
	b.Subscribe(bus.EventConductorLearningInsight, func(env bus.Envelope) { insight = env })

	// A high-correction agent: 4 drafts, 3 tone-change corrections.
	for i := 0; i < 4; i++ {
		d := &store.Draft{TaskID: "t", Channel: "email", Body: "body text goes here",
			Metadata: map[string]any{"agentType": "billing-email"}}
		if err := db.InsertDraft(d); err != nil {
			t.Fatalf("insert draft: %v", err)
		}
		if i < 3 {
			c := &store.Correction{DraftID: d.ID, TaskID: "t", OriginalBody: "a",
				EditedBody: "b", ChangeType: store.ChangeToneChange}
			if err := db.InsertCorrection(c); err != nil {
				t.Fatalf("insert correction: %v", err)
			}
		}
	}

	// Five buffered corrections trigger analysis.
	for i := 0; i < 5; i++ {
		b.Publish(bus.EventCorrectionRecorded, "approval", map[string]any{"correctionId": "c"})
	}

	if insight.Type == "" {
		t.Fatalf("expected a learning insight after the buffer filled")
	}
	if insight.Target != "chief" {
		t.Fatalf("insight must target chief, got %q", insight.Target)
	}
}

func TestLearningBumpsPromptMetrics(t *testing.T) {
	db, b := newTestEnv(t)
	l := NewLearning(db, b, learning.NewAnalyzer(db), time.Hour)
	l.Start()
	defer l.Stop()

	prompt := &store.PromptVersion{Name: "billing-email-system-prompt", Content: "be precise"}
	if err := db.InsertPromptVersion(prompt); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	if err := db.ActivatePromptVersion(prompt.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	b.Publish(bus.EventConductorReviewResult, "quality", map[string]any{
		"agentType": "billing-email", "approved": true,
	})
	b.Publish(bus.EventConductorFeedback, "adapter", map[string]any{
		"agentType": "billing-email", "rating": "negative",
	})

	got, err := db.ActivePromptVersion("billing-email-system-prompt")
	if err != nil {
		t.Fatalf("active prompt: %v", err)
	}
	if got.Metrics == nil || got.Metrics.UsageCount != 2 ||
		got.Metrics.PositiveRating != 1 || got.Metrics.NegativeRating != 1 {
		t.Fatalf("metrics mismatch: %+v", got.Metrics)
	}
}

func TestChiefBriefingCountsAndReviewRequests(t *testing.T) {
	db, b := newTestEnv(t)
	chief := NewChief(db, b, nil, time.Hour)
	chief.Start()
	defer chief.Stop()

	var reviewReqs []bus.Envelope
	b.Subscribe(bus.EventConductorReviewRequest, func(env bus.Envelope) { reviewReqs = append(reviewReqs, env) })
	var briefing bus.Envelope
	b.Subscribe(bus.EventConductorBriefing, func(env bus.Envelope) { briefing = env })

	task := &store.Task{Type: "general-email"}
	if err := db.InsertTask(task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.UpdateTaskResult(task.ID, &store.AgentOutput{
		Status: store.OutputStatusCompleted, Summary: "needs another look", NeedsReview: true,
	}); err != nil {
		t.Fatalf("result: %v", err)
	}

	b.Publish(bus.EventTaskCompleted, "task-queue", map[string]any{"taskId": task.ID})
	b.Publish(bus.EventTaskFailed, "task-queue", map[string]any{"taskId": "other"})
	b.Publish(bus.EventTaskEscalated, "worker", map[string]any{"taskId": task.ID, "reason": "policy"})

	if len(reviewReqs) != 1 || reviewReqs[0].Target != "quality" {
		t.Fatalf("needsReview must trigger a targeted review request: %v", reviewReqs)
	}

	chief.Brief()
	payload := briefing.Payload.(map[string]any)
	if payload["completed"].(int) != 1 || payload["failed"].(int) != 1 {
		t.Fatalf("briefing counters mismatch: %v", payload)
	}
	escalations := payload["escalations"].([]string)
	if len(escalations) != 1 || !strings.Contains(escalations[0], "policy") {
		t.Fatalf("briefing escalations mismatch: %v", escalations)
	}

	// Counters reset between briefings.
	briefing = bus.Envelope{}
	chief.Brief()
	payload = briefing.Payload.(map[string]any)
	if payload["completed"].(int) != 0 {
		t.Fatalf("briefing counters must reset")
	}
}
