package conductor

import (
	"log/slog"
	"time"

	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/learning"
	"github.com/ostheimer/coreclaw/internal/store"
)

const (
	learningBufferThreshold = 5
	learningInterval        = 5 * time.Minute
)

// Learning buffers corrections and periodically distils them into
// insights and prompt metric updates.
type Learning struct {
	base
	db       *store.Store
	analyzer *learning.Analyzer
	interval time.Duration

	buffer []string // buffered correction ids
	stopCh chan struct{}
}

// NewLearning creates the learning conductor. A non-positive interval
// uses the default.
func NewLearning(db *store.Store, b *bus.Bus, analyzer *learning.Analyzer, interval time.Duration) *Learning {
	if interval <= 0 {
		interval = learningInterval
	}
	return &Learning{base: newBase("learning", b), db: db, analyzer: analyzer, interval: interval}
}

func (c *Learning) Start() {
	c.startWith(func() []bus.Subscription {
		c.stopCh = make(chan struct{})
		go c.periodic(c.stopCh)
		return []bus.Subscription{
			c.bus.Subscribe(bus.EventCorrectionRecorded, c.onCorrectionRecorded),
			c.bus.Subscribe(bus.EventConductorReviewResult, c.onReviewResult),
			c.bus.Subscribe(bus.EventConductorFeedback, c.onFeedback),
		}
	})
}

func (c *Learning) Stop() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()
	c.base.Stop()
}

func (c *Learning) periodic(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.analyzeNow()
		case <-stop:
			return
		}
	}
}

func (c *Learning) onCorrectionRecorded(env bus.Envelope) {
	id := payloadString(env, "correctionId")
	c.mu.Lock()
	c.buffer = append(c.buffer, id)
	full := len(c.buffer) >= learningBufferThreshold
	c.mu.Unlock()
	if full {
		c.analyzeNow()
	}
}

// analyzeNow drains the buffer and runs one analysis. The buffer drain
// decides the race between the threshold and the periodic timer: the
// loser of the race sees an empty buffer and an already-fresh report.
func (c *Learning) analyzeNow() {
	c.mu.Lock()
	buffered := len(c.buffer)
	c.buffer = c.buffer[:0]
	c.mu.Unlock()

	report, err := c.analyzer.Analyze()
	if err != nil {
		slog.Error("Learning: analysis failed", "error", err)
		return
	}
	slog.Info("Learning analysis completed", "buffered", buffered,
		"insights", len(report.Insights), "suggestions", len(report.Suggestions))
	if len(report.Suggestions) == 0 {
		return
	}
	c.bus.PublishTo(bus.EventConductorLearningInsight, c.name, "chief", map[string]any{
		"insights":    report.Insights,
		"suggestions": report.Suggestions,
	})
}

// onReviewResult tallies the active prompt's ratings for the reviewed
// agent type.
func (c *Learning) onReviewResult(env bus.Envelope) {
	agentType := payloadString(env, "agentType")
	if agentType == "" {
		return
	}
	positive := payloadBool(env, "approved")
	c.bumpPromptRating(agentType, positive)
}

func (c *Learning) onFeedback(env bus.Envelope) {
	agentType := payloadString(env, "agentType")
	if agentType == "" {
		return
	}
	c.bumpPromptRating(agentType, payloadString(env, "rating") == "positive")
}

func (c *Learning) bumpPromptRating(agentType string, positive bool) {
	prompt, err := c.db.ActivePromptVersion(agentType + "-system-prompt")
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("Learning: prompt lookup failed", "agent_type", agentType, "error", err)
		}
		return
	}
	metrics := store.PromptMetrics{}
	if prompt.Metrics != nil {
		metrics = *prompt.Metrics
	}
	metrics.UsageCount++
	if positive {
		metrics.PositiveRating++
	} else {
		metrics.NegativeRating++
	}
	if err := c.db.UpdatePromptMetrics(prompt.ID, &metrics); err != nil {
		slog.Warn("Learning: metric update failed", "prompt", prompt.Name, "error", err)
	}
}
