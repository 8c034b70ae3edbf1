// Package correlate pairs person detections with recognized faces.
//
// A person box (full body) and a face box (head) are never identical,
// so raw distance alone is unreliable. The correlator scores candidates
// by centroid distance discounted for spatial containment and head-area
// placement, then degrades to population-count heuristics when the
// geometry gives nothing (typically stale coordinates from a previous
// frame).
package correlate

import (
	"github.com/echosight/narrator/internal/types"
)

// Strategy names which matching rule produced a pairing.
type Strategy string

const (
	// StrategyNone means the person could not be paired
	StrategyNone Strategy = ""
	// StrategyCentroid is the primary spatial-scoring strategy
	StrategyCentroid Strategy = "centroid"
	// StrategyUniquePair pairs the only person with the only face
	StrategyUniquePair Strategy = "unique_pair"
	// StrategyLargest pairs the largest person with the largest face
	StrategyLargest Strategy = "largest"
	// StrategyFirstAvailable pairs with the first face in provider order
	StrategyFirstAvailable Strategy = "first_available"
)

// Match is the correlation result for one person detection: at most
// one identity, with the score used for tie-breaking within the cycle.
type Match struct {
	// Identity is the matched identity, or nil when unmatched
	Identity *types.RecognizedIdentity
	// Score is unitless, lower = more confident; meaningful only
	// within one cycle
	Score float64
	// Strategy records which rule produced the pairing
	Strategy Strategy
}

// Matched reports whether the person was paired with an identity.
func (m Match) Matched() bool {
	return m.Identity != nil
}

const (
	// maxDistanceRatio bounds the centroid distance for eligibility,
	// as a fraction of the person box's larger dimension
	maxDistanceRatio = 0.8
	// headAreaRatio is the vertical fraction of the person box
	// treated as the head area
	headAreaRatio = 0.4

	// Score discounts for spatial evidence; they compose by
	// multiplication when more than one holds
	containDiscount  = 0.5
	overlapDiscount  = 0.6
	headAreaDiscount = 0.7

	// minLargestPersonArea is the floor, in px², below which the
	// largest-to-largest fallback does not engage
	minLargestPersonArea = 50000.0
)

// Correlator matches person detections to identities. The zero value
// is not usable; construct with New.
type Correlator struct {
	fallbacks []fallbackFn
}

// fallbackFn attempts one fallback pairing for the person at index
// personIdx of cycle.persons. A nil return means "not applicable".
type fallbackFn func(cycle *cycleState, personIdx int) *Match

// New creates a Correlator with the standard fallback chain:
// unique pairing, then largest-to-largest, then first-available.
func New() *Correlator {
	c := &Correlator{}
	c.fallbacks = []fallbackFn{
		c.uniquePair,
		c.largestToLargest,
		c.firstAvailable,
	}
	return c
}

// cycleState carries one cycle's inputs through the strategy chain.
type cycleState struct {
	// persons holds the indices into dets that are person-class
	persons []int
	dets    []types.Detection
	// candidates are the usable identities, in provider order
	candidates []types.RecognizedIdentity
}

// Correlate matches each person-class detection in dets against the
// identities. The returned slice is parallel to dets; non-person
// entries hold the zero Match and never go through correlation. The
// result is a pure function of the inputs: identical inputs yield
// identical matches.
func (c *Correlator) Correlate(dets []types.Detection, identities []types.RecognizedIdentity) []Match {
	cycle := &cycleState{
		dets:       dets,
		candidates: usableCandidates(identities),
	}
	for i, d := range dets {
		if d.Class == types.PersonClass {
			cycle.persons = append(cycle.persons, i)
		}
	}

	matches := make([]Match, len(dets))
	for pi, di := range cycle.persons {
		matches[di] = c.matchPerson(cycle, pi)
	}
	return matches
}

// matchPerson runs the primary strategy, then the fallback chain.
// Fallbacks are mutually exclusive and ordered; the first to succeed
// stops evaluation.
func (c *Correlator) matchPerson(cycle *cycleState, personIdx int) Match {
	if m := c.centroid(cycle, personIdx); m != nil {
		return *m
	}
	if len(cycle.candidates) == 0 {
		return Match{}
	}
	for _, fb := range c.fallbacks {
		if m := fb(cycle, personIdx); m != nil {
			return *m
		}
	}
	return Match{}
}

// centroid is the primary strategy: score every eligible candidate by
// discounted centroid distance and keep the lowest. Ties keep the
// first-seen candidate.
func (c *Correlator) centroid(cycle *cycleState, personIdx int) *Match {
	person := cycle.dets[cycle.persons[personIdx]].Box

	var best *Match
	for i := range cycle.candidates {
		score, eligible := scoreCandidate(person, cycle.candidates[i].Box)
		if !eligible {
			continue
		}
		if best == nil || score < best.Score {
			best = &Match{
				Identity: &cycle.candidates[i],
				Score:    score,
				Strategy: StrategyCentroid,
			}
		}
	}
	return best
}

// uniquePair: exactly one person and exactly one candidate this
// cycle — pair them regardless of geometry.
func (c *Correlator) uniquePair(cycle *cycleState, personIdx int) *Match {
	if len(cycle.persons) != 1 || len(cycle.candidates) != 1 {
		return nil
	}
	return &Match{
		Identity: &cycle.candidates[0],
		Strategy: StrategyUniquePair,
	}
}

// largestToLargest: if this person is the largest person box of
// the cycle and big enough to dominate the frame, pair it with the
// largest face box.
func (c *Correlator) largestToLargest(cycle *cycleState, personIdx int) *Match {
	person := cycle.dets[cycle.persons[personIdx]].Box
	if person.Area() <= minLargestPersonArea {
		return nil
	}
	for _, di := range cycle.persons {
		if cycle.dets[di].Box.Area() > person.Area() {
			return nil
		}
	}

	largest := 0
	for i := range cycle.candidates {
		if cycle.candidates[i].Box.Area() > cycle.candidates[largest].Box.Area() {
			largest = i
		}
	}
	return &Match{
		Identity: &cycle.candidates[largest],
		Strategy: StrategyLargest,
	}
}

// firstAvailable: last resort, pair with the first candidate in
// the provider's original order.
func (c *Correlator) firstAvailable(cycle *cycleState, personIdx int) *Match {
	return &Match{
		Identity: &cycle.candidates[0],
		Strategy: StrategyFirstAvailable,
	}
}

// usableCandidates drops identities that carry the Unknown sentinel or
// have no bounding box, preserving provider order.
func usableCandidates(identities []types.RecognizedIdentity) []types.RecognizedIdentity {
	out := make([]types.RecognizedIdentity, 0, len(identities))
	for _, id := range identities {
		if id.Unknown() || id.Box.Empty() {
			continue
		}
		out = append(out, id)
	}
	return out
}
