package worker

import (
	"encoding/json"
	"strings"

	"github.com/ostheimer/coreclaw/internal/store"
)

// Sentinel lines framing structured worker output on stdout.
const (
	FrameStart = "---CORECLAW_OUTPUT_START---"
	FrameEnd   = "---CORECLAW_OUTPUT_END---"
)

// frameParser incrementally scans stdout lines for sentinel-delimited
// JSON frames. The last valid frame wins; malformed frames are skipped
// silently, and anything outside markers is diagnostic noise.
type frameParser struct {
	inFrame bool
	buf     strings.Builder
	last    *store.AgentOutput
	frames  int
}

// FeedLine consumes one stdout line (without trailing newline).
// It reports whether the line completed a valid frame.
func (p *frameParser) FeedLine(line string) bool {
	trimmed := strings.TrimRight(line, "\r")
	switch trimmed {
	case FrameStart:
		p.inFrame = true
		p.buf.Reset()
		return false
	case FrameEnd:
		if !p.inFrame {
			return false
		}
		p.inFrame = false
		output, ok := decodeAgentOutput(p.buf.String())
		p.buf.Reset()
		if !ok {
			return false
		}
		p.last = output
		p.frames++
		return true
	}
	if p.inFrame {
		p.buf.WriteString(trimmed)
		p.buf.WriteByte('\n')
	}
	return false
}

// Last returns the canonical (most recent valid) output, or nil.
func (p *frameParser) Last() *store.AgentOutput { return p.last }

// Frames returns how many valid frames were seen.
func (p *frameParser) Frames() int { return p.frames }

// decodeAgentOutput parses and shape-checks one frame body.
func decodeAgentOutput(raw string) (*store.AgentOutput, bool) {
	var out store.AgentOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	switch out.Status {
	case store.OutputStatusCompleted, store.OutputStatusFailed, store.OutputStatusPartial, store.OutputStatusEscalated:
	default:
		return nil, false
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, false
	}
	if out.Priority == "" {
		out.Priority = store.PriorityNormal
	}
	return &out, true
}
