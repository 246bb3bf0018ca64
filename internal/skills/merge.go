package skills

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers written into merged files when both sides changed
// the same region differently.
const (
	conflictCurrentMarker = "<<<<<<< current"
	conflictSeparator     = "======="
	conflictSkillMarker   = ">>>>>>> skill"
)

// MergeResult is the outcome of one three-way merge.
type MergeResult struct {
	Content  string
	Conflict bool
}

// editSpan replaces base lines [Start, End) with Lines.
type editSpan struct {
	Start int
	End   int
	Lines []string
}

// ThreeWayMerge merges skill changes into the current file contents
// against their common base, line by line. Regions changed on only one
// side take that side; identical changes collapse; diverging changes
// produce conflict markers and set Conflict.
func ThreeWayMerge(base, current, skill string) MergeResult {
	if current == skill {
		return MergeResult{Content: current}
	}
	if base == current {
		return MergeResult{Content: skill}
	}
	if base == skill {
		return MergeResult{Content: current}
	}

	baseLines := splitLines(base)
	currentSpans := diffSpans(base, current)
	skillSpans := diffSpans(base, skill)

	regions := overlapRegions(currentSpans, skillSpans)

	var out []string
	conflict := false
	basePos := 0
	for _, r := range regions {
		out = append(out, baseLines[basePos:r.Start]...)
		currentSide := applySpans(baseLines, r.Start, r.End, currentSpans)
		skillSide := applySpans(baseLines, r.Start, r.End, skillSpans)
		switch {
		case equalLines(currentSide, skillSide):
			out = append(out, currentSide...)
		case !regionTouched(r, currentSpans):
			out = append(out, skillSide...)
		case !regionTouched(r, skillSpans):
			out = append(out, currentSide...)
		default:
			conflict = true
			out = append(out, conflictCurrentMarker)
			out = append(out, currentSide...)
			out = append(out, conflictSeparator)
			out = append(out, skillSide...)
			out = append(out, conflictSkillMarker)
		}
		basePos = r.End
	}
	out = append(out, baseLines[basePos:]...)

	content := strings.Join(out, "\n")
	if len(out) > 0 {
		content += "\n"
	}
	return MergeResult{Content: content, Conflict: conflict}
}

// HasConflictMarkers reports whether merged content still carries
// conflict markers.
func HasConflictMarkers(content string) bool {
	return strings.Contains(content, conflictCurrentMarker) ||
		strings.Contains(content, conflictSkillMarker)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// diffSpans computes the edit spans turning base into other, aligned on
// base line indices.
func diffSpans(base, other string) []editSpan {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(base, other)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var spans []editSpan
	basePos := 0
	var pending *editSpan
	flush := func() {
		if pending != nil {
			spans = append(spans, *pending)
			pending = nil
		}
	}
	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			basePos += len(lines)
		case diffmatchpatch.DiffDelete:
			if pending == nil {
				pending = &editSpan{Start: basePos, End: basePos}
			}
			pending.End += len(lines)
			basePos += len(lines)
		case diffmatchpatch.DiffInsert:
			if pending == nil {
				pending = &editSpan{Start: basePos, End: basePos}
			}
			pending.Lines = append(pending.Lines, lines...)
		}
	}
	flush()
	return spans
}

type region struct {
	Start int
	End   int
}

// overlapRegions produces the ordered, disjoint base regions touched by
// either side, merging overlapping or adjacent spans.
func overlapRegions(a, b []editSpan) []region {
	all := make([]region, 0, len(a)+len(b))
	for _, s := range a {
		all = append(all, region{s.Start, s.End})
	}
	for _, s := range b {
		all = append(all, region{s.Start, s.End})
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End < all[j].End
	})
	merged := []region{all[0]}
	for _, r := range all[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// applySpans materialises one side's content for the base region
// [start, end).
func applySpans(baseLines []string, start, end int, spans []editSpan) []string {
	var out []string
	pos := start
	for _, s := range spans {
		if s.End < start || s.Start > end {
			continue
		}
		if s.Start > pos {
			out = append(out, baseLines[pos:s.Start]...)
		}
		out = append(out, s.Lines...)
		if s.End > pos {
			pos = s.End
		}
	}
	if pos < end {
		out = append(out, baseLines[pos:end]...)
	}
	return out
}

// regionTouched reports whether a side has any span inside the region.
func regionTouched(r region, spans []editSpan) bool {
	for _, s := range spans {
		if s.Start >= r.Start && s.End <= r.End {
			return true
		}
		if s.Start < r.End && s.End > r.Start {
			return true
		}
	}
	return false
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
