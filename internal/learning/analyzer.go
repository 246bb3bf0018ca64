// Package learning extracts correction patterns and prompt-improvement
// suggestions from the human review trail.
package learning

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ostheimer/coreclaw/internal/store"
)

const (
	recentCorrectionsLimit = 200
	recentDraftsLimit      = 500
)

// PatternExample points at one correction illustrating a pattern.
type PatternExample struct {
	DraftID  string `json:"draftId"`
	Feedback string `json:"feedback,omitempty"`
}

// Pattern aggregates one change type for one agent.
type Pattern struct {
	ChangeType string           `json:"changeType"`
	Count      int              `json:"count"`
	Percentage int              `json:"percentage"`
	Examples   []PatternExample `json:"examples"`
}

// Suggestion is one actionable prompt-improvement hint.
type Suggestion struct {
	AgentType  string `json:"agentType"`
	Text       string `json:"text"`
	Confidence string `json:"confidence"` // high, medium
}

// Insight is the per-agent analysis result.
type Insight struct {
	AgentType      string    `json:"agentType"`
	Corrections    int       `json:"corrections"`
	Drafts         int       `json:"drafts"`
	CorrectionRate int       `json:"correctionRate"`
	Patterns       []Pattern `json:"patterns"`
}

// Report is one full analysis run.
type Report struct {
	Insights    []Insight    `json:"insights"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Analyzer reads recent corrections and drafts from the store.
type Analyzer struct {
	db *store.Store
}

// NewAnalyzer creates an analyzer over the store.
func NewAnalyzer(db *store.Store) *Analyzer {
	return &Analyzer{db: db}
}

// Analyze groups the recent correction trail by agent type and derives
// patterns and suggestions.
func (a *Analyzer) Analyze() (*Report, error) {
	corrections, err := a.db.RecentCorrections(recentCorrectionsLimit)
	if err != nil {
		return nil, fmt.Errorf("load corrections: %w", err)
	}
	drafts, err := a.db.RecentDrafts(recentDraftsLimit)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}

	draftAgent := map[string]string{}
	draftsPerAgent := map[string]int{}
	for _, d := range drafts {
		agent, _ := d.Metadata["agentType"].(string)
		if agent == "" {
			agent = "unknown"
		}
		draftAgent[d.ID] = agent
		draftsPerAgent[agent]++
	}

	type agentBucket struct {
		total    int
		byChange map[string][]store.Correction
	}
	buckets := map[string]*agentBucket{}
	for _, c := range corrections {
		agent := draftAgent[c.DraftID]
		if agent == "" {
			agent = "unknown"
		}
		b := buckets[agent]
		if b == nil {
			b = &agentBucket{byChange: map[string][]store.Correction{}}
			buckets[agent] = b
		}
		b.total++
		b.byChange[c.ChangeType] = append(b.byChange[c.ChangeType], c)
	}

	report := &Report{}
	for agent, b := range buckets {
		insight := Insight{
			AgentType:   agent,
			Corrections: b.total,
			Drafts:      draftsPerAgent[agent],
		}
		if insight.Drafts > 0 {
			insight.CorrectionRate = int(math.Round(100 * float64(b.total) / float64(insight.Drafts)))
		}
		for changeType, list := range b.byChange {
			p := Pattern{
				ChangeType: changeType,
				Count:      len(list),
				Percentage: int(math.Round(100 * float64(len(list)) / float64(b.total))),
			}
			for _, c := range list {
				if len(p.Examples) >= 5 {
					break
				}
				p.Examples = append(p.Examples, PatternExample{DraftID: c.DraftID, Feedback: c.Feedback})
			}
			insight.Patterns = append(insight.Patterns, p)
		}
		report.Insights = append(report.Insights, insight)
		report.Suggestions = append(report.Suggestions, suggest(insight)...)
	}
	return report, nil
}

// suggest derives suggestions for one agent's insight. Agents below a
// 10% correction rate produce none.
func suggest(in Insight) []Suggestion {
	if in.CorrectionRate < 10 {
		return nil
	}
	counts := map[string]int{}
	pcts := map[string]int{}
	for _, p := range in.Patterns {
		counts[p.ChangeType] = p.Count
		pcts[p.ChangeType] = p.Percentage
	}

	confidence := func(count int) string {
		if count >= 5 {
			return "high"
		}
		return "medium"
	}

	var out []Suggestion
	if n := counts[store.ChangeToneChange]; n >= 2 {
		out = append(out, Suggestion{
			AgentType:  in.AgentType,
			Text:       fmt.Sprintf("Reviewers adjusted tone %d times; add explicit tone guidance to the system prompt", n),
			Confidence: confidence(n),
		})
	}
	if n := counts[store.ChangeMajorRewrite]; n >= 2 {
		out = append(out, Suggestion{
			AgentType:  in.AgentType,
			Text:       fmt.Sprintf("%d drafts were substantially rewritten; review the response structure the prompt asks for", n),
			Confidence: confidence(n),
		})
	}
	if pcts[store.ChangeRejection] >= 20 {
		out = append(out, Suggestion{
			AgentType:  in.AgentType,
			Text:       fmt.Sprintf("%d%% of corrections are outright rejections; the prompt likely needs a fundamental rewrite", pcts[store.ChangeRejection]),
			Confidence: "high",
		})
	}
	if len(out) == 0 && in.CorrectionRate >= 50 {
		out = append(out, Suggestion{
			AgentType:  in.AgentType,
			Text:       fmt.Sprintf("Correction rate is %d%%; clarify expectations and add examples to the prompt", in.CorrectionRate),
			Confidence: "medium",
		})
	}
	return out
}

// UpdatePromptMetrics recomputes the active prompt's rolling metrics
// for one agent type from the recent draft trail.
func (a *Analyzer) UpdatePromptMetrics(agentType string) error {
	prompt, err := a.db.ActivePromptVersion(agentType + "-system-prompt")
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	drafts, err := a.db.RecentDrafts(recentDraftsLimit)
	if err != nil {
		return err
	}
	metrics := store.PromptMetrics{}
	if prompt.Metrics != nil {
		metrics.AvgDurationMs = prompt.Metrics.AvgDurationMs
	}
	corrected := 0
	for _, d := range drafts {
		agent, _ := d.Metadata["agentType"].(string)
		if agent != agentType {
			continue
		}
		metrics.UsageCount++
		switch d.Status {
		case store.DraftStatusApproved, store.DraftStatusSent:
			metrics.PositiveRating++
		case store.DraftStatusRejected:
			metrics.NegativeRating++
		}
		switch d.Status {
		case store.DraftStatusEditedAndSent, store.DraftStatusRejected:
			corrected++
		}
	}
	if metrics.UsageCount > 0 {
		metrics.CorrectionRate = int(math.Round(100 * float64(corrected) / float64(metrics.UsageCount)))
	}

	if err := a.db.UpdatePromptMetrics(prompt.ID, &metrics); err != nil {
		return err
	}
	slog.Info("Prompt metrics updated", "prompt", prompt.Name, "usage", metrics.UsageCount,
		"correction_rate", metrics.CorrectionRate)
	return nil
}
