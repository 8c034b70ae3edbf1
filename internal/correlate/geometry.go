package correlate

import (
	"math"

	"github.com/echosight/narrator/internal/types"
)

// scoreCandidate evaluates one face box against one person box.
//
// A candidate is eligible when any spatial relation holds: face center
// inside the person box, boxes overlap, face center in the person's
// head area, or centroid distance under maxDistanceRatio of the person
// box's larger dimension. The score is the centroid distance with a
// multiplicative discount per relation that holds, so strong spatial
// evidence beats a marginally shorter raw distance.
func scoreCandidate(person, face types.Box) (score float64, eligible bool) {
	px, py := person.Center()
	fx, fy := face.Center()
	dist := math.Hypot(px-fx, py-fy)

	faceInPersonBox := person.ContainsPoint(fx, fy)
	boxesOverlap := person.Intersects(face)
	faceInHeadArea := fy >= person.Y && fy <= person.Y+person.Height*headAreaRatio

	maxDistance := maxDistanceRatio * math.Max(person.Width, person.Height)

	if !faceInPersonBox && !boxesOverlap && !faceInHeadArea && dist >= maxDistance {
		return 0, false
	}

	score = dist
	if faceInPersonBox {
		score *= containDiscount
	}
	if faceInHeadArea {
		score *= headAreaDiscount
	}
	if boxesOverlap {
		score *= overlapDiscount
	}
	return score, true
}
