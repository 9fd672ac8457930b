package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// WeightingPolicy decides which correspondences are trusted
type WeightingPolicy struct {
	RejectionDistance    float64 // Matches farther than this are rejected; equal distance is accepted
	NormalWeighting      bool    // Also reject matches whose normals disagree
	NormalAngleThreshold float64 // Maximum normal angle in radians when NormalWeighting is set
}

// Weights returns one weight in {0, 1} per correspondence. Normals are only
// consulted when normal weighting is enabled and both slices are present.
func (p WeightingPolicy) Weights(distances []float64, sourceNormals, matchedNormals []r3.Vec) []float64 {
	w := make([]float64, len(distances))
	useNormals := p.NormalWeighting && len(sourceNormals) == len(distances) && len(matchedNormals) == len(distances)

	for i, d := range distances {
		w[i] = 1
		if d > p.RejectionDistance || math.IsNaN(d) {
			w[i] = 0
			continue
		}
		if useNormals && NormalAngle(sourceNormals[i], matchedNormals[i]) > p.NormalAngleThreshold {
			w[i] = 0
		}
	}
	return w
}

// NormalAngle returns the angle in [0, π] between two directions,
// computed as atan2(|a×b|, a·b).
func NormalAngle(a, b r3.Vec) float64 {
	return math.Atan2(r3.Norm(r3.Cross(a, b)), r3.Dot(a, b))
}

// countAccepted returns the number of nonzero weights
func countAccepted(w []float64) int {
	n := 0
	for _, v := range w {
		if v != 0 {
			n++
		}
	}
	return n
}
