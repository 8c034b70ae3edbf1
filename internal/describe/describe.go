// Package describe renders one cycle's correlated detections into a
// natural-language sentence for narration.
package describe

import (
	"strings"
	"unicode"

	"github.com/echosight/narrator/internal/correlate"
	"github.com/echosight/narrator/internal/types"
)

const (
	// SelfLabel is spoken when the matched identity is the operating user
	SelfLabel = "you"
	// UnknownPersonLabel is spoken for a person with no resolved identity
	UnknownPersonLabel = "unknown person"
)

// excludedObjectNames lists detector labels that satisfy the
// capitalization heuristic but are objects, not people.
var excludedObjectNames = map[string]bool{
	"TV": true,
	"PC": true,
}

// Labels converts detections and their correlation matches into the
// spoken label per detection. Person-class entries become the matched
// identity's name, "you" for the user, or "unknown person"; other
// classes keep their class label. matches must be parallel to dets.
func Labels(dets []types.Detection, matches []correlate.Match) []string {
	labels := make([]string, len(dets))
	for i, d := range dets {
		if d.Class != types.PersonClass {
			labels[i] = d.Class
			continue
		}
		switch {
		case i < len(matches) && matches[i].Matched() && matches[i].Identity.IsSelf:
			labels[i] = SelfLabel
		case i < len(matches) && matches[i].Matched():
			labels[i] = matches[i].Identity.Name
		default:
			labels[i] = UnknownPersonLabel
		}
	}
	return labels
}

// IsName classifies a label as a person name (spoken without an
// article) versus an object (spoken with one). A label is a name iff
// it is not "person" or "unknown person", is not an excluded object
// label, and either equals "you" or starts with an uppercase letter
// and contains no space. The heuristic misclassifies multi-word names
// and is kept as observed behavior.
func IsName(label string) bool {
	if label == types.PersonClass || label == UnknownPersonLabel {
		return false
	}
	if excludedObjectNames[label] {
		return false
	}
	if label == SelfLabel {
		return true
	}
	if label == "" || strings.ContainsRune(label, ' ') {
		return false
	}
	first := []rune(label)[0]
	return unicode.IsUpper(first)
}

// Sentence deduplicates the labels (first-seen order) and renders the
// "I see ..." sentence. ok is false when there is nothing to narrate.
// Objects always take the article "a ", never "an" — a deliberate
// simplification of the observed behavior.
func Sentence(labels []string) (sentence string, ok bool) {
	unique := dedup(labels)
	if len(unique) == 0 {
		return "", false
	}

	parts := make([]string, len(unique))
	for i, label := range unique {
		parts[i] = article(label) + label
	}

	var b strings.Builder
	b.WriteString("I see ")
	switch len(parts) {
	case 1:
		b.WriteString(parts[0])
	case 2:
		b.WriteString(parts[0])
		b.WriteString(" and ")
		b.WriteString(parts[1])
	default:
		for _, p := range parts[:len(parts)-1] {
			b.WriteString(p)
			b.WriteString(", ")
		}
		b.WriteString("and ")
		b.WriteString(parts[len(parts)-1])
	}
	return b.String(), true
}

func article(label string) string {
	if IsName(label) {
		return ""
	}
	return "a "
}

func dedup(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
