// Package store provides the durable task lifecycle store backed by sqlite.
package store

import (
	"time"
)

// Message statuses.
const (
	MessageStatusNew        = "new"
	MessageStatusProcessing = "processing"
	MessageStatusHandled    = "handled"
	MessageStatusFailed     = "failed"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Task priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Draft statuses.
const (
	DraftStatusPendingReview = "pending_review"
	DraftStatusApproved      = "approved"
	DraftStatusRejected      = "rejected"
	DraftStatusSent          = "sent"
	DraftStatusEditedAndSent = "edited_and_sent"
	DraftStatusAutoApproved  = "auto_approved"
)

// Correction change types.
const (
	ChangeMinorEdit    = "minor_edit"
	ChangeMajorRewrite = "major_rewrite"
	ChangeToneChange   = "tone_change"
	ChangeFactualFix   = "factual_fix"
	ChangeRejection    = "rejection"
)

// Session statuses.
const (
	SessionStatusStarting = "starting"
	SessionStatusRunning  = "running"
	SessionStatusStopped  = "stopped"
	SessionStatusError    = "error"
)

// Agent output statuses.
const (
	OutputStatusCompleted = "completed"
	OutputStatusFailed    = "failed"
	OutputStatusPartial   = "partial"
	OutputStatusEscalated = "escalated"
)

// PriorityRank maps a priority to its queue sort rank. Unknown priorities
// sort after low.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Message is an inbound or outbound communication artifact.
type Message struct {
	ID         string         `json:"id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	ExternalID string         `json:"external_id,omitempty"`
	From       string         `json:"from"`
	To         []string       `json:"to"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	TaskID     string         `json:"task_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Task is a unit of work for a sandboxed worker.
type Task struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	Payload         map[string]any `json:"payload,omitempty"`
	SourceChannel   string         `json:"source_channel,omitempty"`
	SourceMessageID string         `json:"source_message_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	ConductorID     string         `json:"conductor_id,omitempty"`
	Result          *AgentOutput   `json:"result,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// OutputItem is one structured item inside an agent result.
type OutputItem struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentOutput is the structured result returned by a worker.
type AgentOutput struct {
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	Summary     string         `json:"summary"`
	NeedsReview bool           `json:"needsReview"`
	Outputs     []OutputItem   `json:"outputs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Draft is a proposed outbound message awaiting review.
type Draft struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	SourceMessageID  string         `json:"source_message_id,omitempty"`
	Channel          string         `json:"channel"`
	To               []string       `json:"to"`
	CC               []string       `json:"cc,omitempty"`
	Subject          string         `json:"subject"`
	Body             string         `json:"body"`
	OriginalBody     string         `json:"original_body"`
	Status           string         `json:"status"`
	Priority         string         `json:"priority"`
	ConductorNotes   string         `json:"conductor_notes,omitempty"`
	QualityScore     *int           `json:"quality_score,omitempty"`
	QualityNotes     string         `json:"quality_notes,omitempty"`
	AutoApproveMatch string         `json:"auto_approve_match,omitempty"`
	ReviewedBy       string         `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time     `json:"reviewed_at,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	ExternalDraftID  string         `json:"external_draft_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Correction records a human edit or rejection of a draft.
type Correction struct {
	ID            string    `json:"id"`
	DraftID       string    `json:"draft_id"`
	TaskID        string    `json:"task_id"`
	OriginalBody  string    `json:"original_body"`
	EditedBody    string    `json:"edited_body"`
	EditedSubject string    `json:"edited_subject,omitempty"`
	ChangeType    string    `json:"change_type"`
	Feedback      string    `json:"feedback,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session is one launched worker instance.
type Session struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	TaskID      string     `json:"task_id"`
	ContainerID string     `json:"container_id,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// PromptMetrics holds rolling quality counters for a prompt version.
type PromptMetrics struct {
	UsageCount     int `json:"usageCount"`
	PositiveRating int `json:"positiveRating"`
	NegativeRating int `json:"negativeRating"`
	AvgDurationMs  int `json:"avgDurationMs"`
	CorrectionRate int `json:"correctionRate"`
}

// PromptVersion is a named, numbered system prompt.
type PromptVersion struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Content     string         `json:"content"`
	Version     int            `json:"version"`
	Active      bool           `json:"active"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Metrics     *PromptMetrics `json:"metrics,omitempty"`
}

// ApprovalRule describes an auto-approve rule for drafts.
type ApprovalRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Channel   string    `json:"channel,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	MaxLength int       `json:"max_length,omitempty"`
	MinScore  int       `json:"min_score,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is a human rating attached to a task or draft.
type Feedback struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	DraftID   string    `json:"draft_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Rating    string    `json:"rating"` // positive, negative
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
