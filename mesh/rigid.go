package mesh

import (
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RigidConfig holds configuration for the rigid pre-alignment.
// Distances are in mesh units.
type RigidConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	MaxIterations     int     `yaml:"maxIterations" json:"maxIterations"`
	ConvergenceThresh float64 `yaml:"convergenceThresh" json:"convergenceThresh"` // Stop when mean error improves by less than this
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist" json:"maxCorrespondDist"` // 0 = unlimited
	OutlierPercentile float64 `yaml:"outlierPercentile" json:"outlierPercentile"` // Keep correspondences up to this distance percentile (0-1]
}

// DefaultRigidConfig returns sensible defaults for rigid ICP
func DefaultRigidConfig() RigidConfig {
	return RigidConfig{
		Enabled:           false,
		MaxIterations:     50,
		ConvergenceThresh: 1e-6,
		MaxCorrespondDist: 0,
		OutlierPercentile: 0.9,
	}
}

// Validate checks the rigid configuration
func (c RigidConfig) Validate() error {
	switch {
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: rigid.maxIterations = %d", ErrInvalidConfig, c.MaxIterations)
	case c.ConvergenceThresh < 0:
		return fmt.Errorf("%w: rigid.convergenceThresh = %v", ErrInvalidConfig, c.ConvergenceThresh)
	case c.MaxCorrespondDist < 0:
		return fmt.Errorf("%w: rigid.maxCorrespondDist = %v", ErrInvalidConfig, c.MaxCorrespondDist)
	case c.OutlierPercentile <= 0 || c.OutlierPercentile > 1:
		return fmt.Errorf("%w: rigid.outlierPercentile = %v (want (0,1])", ErrInvalidConfig, c.OutlierPercentile)
	}
	return nil
}

// RigidResult contains the result of rigid alignment
type RigidResult struct {
	Transform      Matrix4 // Maps source coordinates onto the target
	Error          float64 // Mean inlier distance after alignment
	InlierFraction float64 // Fraction of source vertices within MaxCorrespondDist
	Iterations     int
	Converged      bool
}

// AlignRigid runs point-to-point ICP from the source vertices to the target
// vertices, starting at initial. Each iteration matches every transformed
// source vertex to its nearest target vertex, drops matches beyond the
// configured distance and percentile, and solves the weighted Kabsch problem
// for an incremental rotation and translation.
func AlignRigid(source, target *Mesh, initial Matrix4, cfg RigidConfig) RigidResult {
	index := NewCorrespondenceIndex(target.Vertices)

	result := RigidResult{Transform: initial, Error: math.MaxFloat64}
	current := initial
	prevError, prevFrac := rigidError(index, TransformPoints3(source.Vertices, current), cfg.MaxCorrespondDist)
	result.Error = prevError
	result.InlierFraction = prevFrac

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		result.Iterations = iter + 1

		moved := TransformPoints3(source.Vertices, current)
		matches, distances := index.NearestBatch(moved)

		var srcCorr, tgtCorr []r3.Vec
		var kept []float64
		for i, m := range matches {
			if m < 0 || (cfg.MaxCorrespondDist > 0 && distances[i] > cfg.MaxCorrespondDist) {
				continue
			}
			srcCorr = append(srcCorr, moved[i])
			tgtCorr = append(tgtCorr, index.Point(m))
			kept = append(kept, distances[i])
		}
		srcCorr, tgtCorr = rejectOutliers(srcCorr, tgtCorr, kept, cfg.OutlierPercentile)
		if len(srcCorr) < 3 {
			log.Printf("[ICP] iteration %d: only %d correspondences, stopping", iter+1, len(srcCorr))
			break
		}

		incremental, ok := CalculateRigidTransform3D(srcCorr, tgtCorr, nil)
		if !ok {
			log.Printf("[ICP] iteration %d: SVD did not converge, stopping", iter+1)
			break
		}
		next := MultiplyMatrices4(incremental, current)
		newError, newFrac := rigidError(index, TransformPoints3(source.Vertices, next), cfg.MaxCorrespondDist)

		// Divergence: keep the previous estimate
		if newError > prevError*1.5 && prevError > 0 {
			break
		}

		current = next
		result.Transform = next
		result.Error = newError
		result.InlierFraction = newFrac

		if improvement := prevError - newError; improvement >= 0 && improvement < cfg.ConvergenceThresh {
			result.Converged = true
			break
		}
		prevError = newError
	}

	log.Printf("[ICP] rigid alignment: %d iterations, error=%.6f, inliers=%.1f%%, rotation=%.2f°, converged=%v",
		result.Iterations, result.Error, result.InlierFraction*100, RotationAngle(result.Transform)*180/math.Pi, result.Converged)
	return result
}

// rigidError returns the mean nearest-neighbour distance of points within
// maxDist (0 = unlimited) and the fraction of points that qualified
func rigidError(index *CorrespondenceIndex, points []r3.Vec, maxDist float64) (float64, float64) {
	_, distances := index.NearestBatch(points)
	var sum float64
	count := 0
	for _, d := range distances {
		if math.IsInf(d, 1) || (maxDist > 0 && d > maxDist) {
			continue
		}
		sum += d
		count++
	}
	if count == 0 {
		return math.MaxFloat64, 0
	}
	return sum / float64(count), float64(count) / float64(len(points))
}

// rejectOutliers removes correspondences with distances above the given percentile
func rejectOutliers(srcCorr, tgtCorr []r3.Vec, distances []float64, percentile float64) ([]r3.Vec, []r3.Vec) {
	if len(distances) == 0 || percentile >= 1.0 {
		return srcCorr, tgtCorr
	}

	sorted := make([]float64, len(distances))
	copy(sorted, distances)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * percentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]

	var filteredSrc, filteredTgt []r3.Vec
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
		}
	}
	return filteredSrc, filteredTgt
}

// CalculateRigidTransform3D computes the rotation and translation that best
// maps src onto tgt in the weighted least-squares sense (Kabsch). A nil
// weights slice weights every pair equally. The returned rotation is proper
// (no reflection). ok is false when there are no pairs or the SVD fails.
func CalculateRigidTransform3D(src, tgt []r3.Vec, weights []float64) (Matrix4, bool) {
	if len(src) == 0 || len(src) != len(tgt) {
		return Identity4(), false
	}
	w := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	// Weighted centroids
	var srcC, tgtC r3.Vec
	var total float64
	for i := range src {
		wi := w(i)
		srcC = r3.Add(srcC, r3.Scale(wi, src[i]))
		tgtC = r3.Add(tgtC, r3.Scale(wi, tgt[i]))
		total += wi
	}
	if total <= 0 {
		return Identity4(), false
	}
	srcC = r3.Scale(1/total, srcC)
	tgtC = r3.Scale(1/total, tgtC)

	// Cross-covariance H = Σ w·(s-cs)(t-ct)ᵀ
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := r3.Sub(src[i], srcC)
		t := r3.Sub(tgt[i], tgtC)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		wi := w(i)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+wi*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity4(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V·diag(1,1,d)·Uᵀ with d fixing a reflection
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	var vd, r mat.Dense
	vd.Mul(&v, mat.NewDiagDense(3, []float64{1, 1, d}))
	r.Mul(&vd, u.T())

	m := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r.At(i, j)
		}
	}
	rc := TransformDirection(srcC, m)
	m[0][3] = tgtC.X - rc.X
	m[1][3] = tgtC.Y - rc.Y
	m[2][3] = tgtC.Z - rc.Z
	return m, true
}
