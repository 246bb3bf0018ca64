package approval

import (
	"strings"

	"github.com/ostheimer/coreclaw/internal/store"
)

// ClassifyEdit maps a human edit to its change type via the word-set
// difference ratio: tokens are whitespace-split and lower-cased,
// changed = |edited\original| + |original\edited|, and
// ratio = changed / (2 * max(|original|, |edited|)).
func ClassifyEdit(original, edited string) string {
	if strings.TrimSpace(edited) == "" {
		return store.ChangeRejection
	}
	ratio := ChangeRatio(original, edited)
	switch {
	case ratio > 0.5:
		return store.ChangeMajorRewrite
	case ratio > 0.2:
		return store.ChangeToneChange
	}
	return store.ChangeMinorEdit
}

// ChangeRatio computes the word-set difference ratio in [0, 1].
func ChangeRatio(original, edited string) float64 {
	origWords := wordSet(original)
	editWords := wordSet(edited)
	if len(origWords) == 0 && len(editWords) == 0 {
		return 0
	}

	changed := 0
	for w := range editWords {
		if !origWords[w] {
			changed++
		}
	}
	for w := range origWords {
		if !editWords[w] {
			changed++
		}
	}

	total := len(origWords)
	if len(editWords) > total {
		total = len(editWords)
	}
	if total == 0 {
		return 0
	}
	return float64(changed) / float64(2*total)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
