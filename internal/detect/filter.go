package detect

import (
	"sort"

	"github.com/echosight/narrator/internal/types"
)

// Filter returns the detections with confidence >= minConfidence,
// sorted by descending confidence and truncated to maxObjects. The
// sort is stable: ties keep their original relative order. The input
// slice is not modified; empty input yields empty output.
func Filter(dets []types.Detection, minConfidence float64, maxObjects int) []types.Detection {
	kept := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConfidence {
			kept = append(kept, d)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})

	if maxObjects > 0 && len(kept) > maxObjects {
		kept = kept[:maxObjects]
	}

	return kept
}
