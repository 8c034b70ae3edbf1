package correlate

import (
	"math"
	"reflect"
	"testing"

	"github.com/echosight/narrator/internal/types"
)

func person(x, y, w, h float64) types.Detection {
	return types.Detection{
		Class:      types.PersonClass,
		Confidence: 0.9,
		Box:        types.Box{X: x, Y: y, Width: w, Height: h},
	}
}

func face(name string, x, y, w, h float64) types.RecognizedIdentity {
	return types.RecognizedIdentity{
		Name: name,
		Box:  types.Box{X: x, Y: y, Width: w, Height: h},
	}
}

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// TestCentroidContainment validates that an identity whose center lies
// within the person box is eligible and matched by the primary
// strategy.
func TestCentroidContainment(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{face("Alice", 40, 10, 20, 20)}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() {
		t.Fatal("expected a match for contained face")
	}
	if matches[0].Identity.Name != "Alice" {
		t.Errorf("matched %q, want Alice", matches[0].Identity.Name)
	}
	if matches[0].Strategy != StrategyCentroid {
		t.Errorf("strategy = %q, want centroid", matches[0].Strategy)
	}
}

// TestDiscountComposition checks the score when all three spatial
// relations hold at once: the discounts multiply.
//
// Person (0,0,100,200): center (50,100). Face (40,10,20,20):
// center (50,20), distance 80, contained + overlapping + head area,
// so score = 80 * 0.5 * 0.7 * 0.6 = 16.8.
func TestDiscountComposition(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{face("Alice", 40, 10, 20, 20)}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() {
		t.Fatal("expected a match")
	}
	if !almostEqual(matches[0].Score, 16.8, 1e-9) {
		t.Errorf("score = %v, want 16.8", matches[0].Score)
	}
}

// TestLowestScoreWins puts one candidate with strong spatial evidence
// against one with a comparable raw distance but no discounts; the
// discounted candidate must win.
func TestLowestScoreWins(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{
		face("Far", 120, 100, 20, 20),  // eligible by distance only
		face("Near", 40, 10, 20, 20),   // contained, head area, overlap
	}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() || matches[0].Identity.Name != "Near" {
		t.Fatalf("matched %+v, want Near", matches[0].Identity)
	}
}

// TestTieBreakFirstSeen gives two identical candidates; the first in
// input order must win.
func TestTieBreakFirstSeen(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{
		face("First", 40, 10, 20, 20),
		face("Second", 40, 10, 20, 20),
	}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() || matches[0].Identity.Name != "First" {
		t.Fatalf("matched %+v, want First", matches[0].Identity)
	}
}

// TestUnknownExcluded validates that the Unknown sentinel never
// matches, even with perfect geometry and no other candidate.
func TestUnknownExcluded(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{face(types.UnknownName, 40, 10, 20, 20)}

	matches := c.Correlate(dets, ids)

	if matches[0].Matched() {
		t.Fatalf("Unknown identity must never match, got %+v", matches[0].Identity)
	}
}

// TestEmptyBoxExcluded validates that identities without a bounding
// box are dropped before matching.
func TestEmptyBoxExcluded(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{{Name: "Alice"}} // zero box

	matches := c.Correlate(dets, ids)

	if matches[0].Matched() {
		t.Fatal("identity without box must not match")
	}
}

// TestUniquePairFallback: one person, one candidate, geometrically
// unrelated (stale coordinates). Unique pairing must pair them.
func TestUniquePairFallback(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}
	ids := []types.RecognizedIdentity{face("Alice", 500, 500, 10, 10)}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() || matches[0].Identity.Name != "Alice" {
		t.Fatalf("matched %+v, want Alice via unique pairing", matches[0].Identity)
	}
	if matches[0].Strategy != StrategyUniquePair {
		t.Errorf("strategy = %q, want unique_pair", matches[0].Strategy)
	}
}

// TestLargestFallback: two persons, far-away candidates. The largest
// person (above the minimum area) pairs with the largest face; the
// smaller person falls through to first-available.
func TestLargestFallback(t *testing.T) {
	c := New()

	dets := []types.Detection{
		person(400, 0, 100, 100), // small
		person(0, 0, 300, 300),   // large, area 90000 > 50000
	}
	ids := []types.RecognizedIdentity{
		face("SmallFace", 2000, 2000, 10, 10),
		face("BigFace", 2100, 2100, 50, 50),
	}

	matches := c.Correlate(dets, ids)

	if !matches[1].Matched() || matches[1].Identity.Name != "BigFace" {
		t.Fatalf("large person matched %+v, want BigFace", matches[1].Identity)
	}
	if matches[1].Strategy != StrategyLargest {
		t.Errorf("large person strategy = %q, want largest", matches[1].Strategy)
	}

	// The smaller person is not the largest, so largest-to-largest
	// does not apply and it falls to the first candidate in
	// provider order
	if !matches[0].Matched() || matches[0].Identity.Name != "SmallFace" {
		t.Fatalf("small person matched %+v, want SmallFace via first-available", matches[0].Identity)
	}
	if matches[0].Strategy != StrategyFirstAvailable {
		t.Errorf("small person strategy = %q, want first_available", matches[0].Strategy)
	}
}

// TestLargestFallbackAreaFloor: a lone largest person below the
// minimum area must not engage the largest-to-largest pairing; with
// two candidates unique pairing does not apply either, so
// first-available takes over.
func TestLargestFallbackAreaFloor(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 100)} // area 10000
	ids := []types.RecognizedIdentity{
		face("First", 2000, 2000, 10, 10),
		face("Second", 2100, 2100, 50, 50),
	}

	matches := c.Correlate(dets, ids)

	if !matches[0].Matched() || matches[0].Identity.Name != "First" {
		t.Fatalf("matched %+v, want First via first-available", matches[0].Identity)
	}
	if matches[0].Strategy != StrategyFirstAvailable {
		t.Errorf("strategy = %q, want first_available", matches[0].Strategy)
	}
}

// TestNoCandidatesNoFallback: fallbacks require at least one usable
// candidate; with none, the person stays unmatched.
func TestNoCandidatesNoFallback(t *testing.T) {
	c := New()

	dets := []types.Detection{person(0, 0, 100, 200)}

	matches := c.Correlate(dets, nil)

	if matches[0].Matched() {
		t.Fatal("expected no match without candidates")
	}
	if matches[0].Strategy != StrategyNone {
		t.Errorf("strategy = %q, want none", matches[0].Strategy)
	}
}

// TestNonPersonBypassesCorrelation: non-person detections never get a
// match, whatever the identities look like.
func TestNonPersonBypassesCorrelation(t *testing.T) {
	c := New()

	dets := []types.Detection{
		{Class: "laptop", Confidence: 0.8, Box: types.Box{X: 0, Y: 0, Width: 100, Height: 100}},
	}
	ids := []types.RecognizedIdentity{face("Alice", 10, 10, 20, 20)}

	matches := c.Correlate(dets, ids)

	if matches[0].Matched() {
		t.Fatal("non-person detection must not be correlated")
	}
}

// TestDeterminism: repeated calls on identical inputs yield identical
// results — there is no hidden randomness or cross-cycle state.
func TestDeterminism(t *testing.T) {
	c := New()

	dets := []types.Detection{
		person(0, 0, 300, 300),
		person(350, 0, 120, 240),
		{Class: "cup", Confidence: 0.7, Box: types.Box{X: 10, Y: 10, Width: 30, Height: 30}},
	}
	ids := []types.RecognizedIdentity{
		face("Alice", 40, 10, 60, 60),
		face("Bob", 380, 10, 40, 40),
		face(types.UnknownName, 100, 100, 40, 40),
	}

	first := c.Correlate(dets, ids)
	for i := 0; i < 10; i++ {
		again := c.Correlate(dets, ids)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v != %+v", i, again, first)
		}
	}
}
