package mesh

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// lumpyMesh returns an asymmetric surface so rigid ICP has a unique optimum
func lumpyMesh(n int) *Mesh {
	m := &Mesh{}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			fx, fy := float64(x)/float64(n-1), float64(y)/float64(n-1)
			m.Vertices = append(m.Vertices, r3.Vec{X: fx, Y: fy, Z: 0.3*fx*fx + 0.2*math.Sin(3*fy) + 0.1*fx*fy})
		}
	}
	for y := 0; y < n-1; y++ {
		for x := 0; x < n-1; x++ {
			i := y*n + x
			m.Faces = append(m.Faces, Face{i, i + 1, i + n}, Face{i + 1, i + n + 1, i + n})
		}
	}
	return m
}

func TestCalculateRigidTransform3D_RecoversKnownMotion(t *testing.T) {
	src := []r3.Vec{{X: 0}, {X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 2, Z: 0.5}}
	want := MultiplyMatrices4(Translation3(0.5, -1, 2), RotationDeg3(r3.Vec{X: 1, Y: 2, Z: 3}, 40))
	tgt := TransformPoints3(src, want)

	got, ok := CalculateRigidTransform3D(src, tgt, nil)
	require.True(t, ok)
	assert.True(t, ValidateRigid(got))
	assert.True(t, matricesEqual4(got, want), "got %v, want %v", got, want)
}

func TestCalculateRigidTransform3D_Weighted(t *testing.T) {
	src := []r3.Vec{{X: 0}, {X: 1}, {Y: 1}, {Z: 1}, {X: 5, Y: 5, Z: 5}}
	want := Translation3(1, 1, 1)
	tgt := TransformPoints3(src, want)
	tgt[4] = r3.Vec{X: -50, Y: 20, Z: 3} // outlier

	got, ok := CalculateRigidTransform3D(src, tgt, []float64{1, 1, 1, 1, 0})
	require.True(t, ok)
	assert.True(t, matricesEqual4(got, want), "zero-weight outlier should not move the fit: %v", got)
}

func TestCalculateRigidTransform3D_NoReflection(t *testing.T) {
	src := []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}}
	tgt := make([]r3.Vec, len(src))
	for i, p := range src {
		tgt[i] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z} // mirrored
	}
	got, ok := CalculateRigidTransform3D(src, tgt, nil)
	require.True(t, ok)
	assert.True(t, ValidateRigid(got), "best fit to a mirror image must still be a proper rotation")
}

func TestCalculateRigidTransform3D_Degenerate(t *testing.T) {
	_, ok := CalculateRigidTransform3D(nil, nil, nil)
	assert.False(t, ok)
	_, ok = CalculateRigidTransform3D([]r3.Vec{{}}, []r3.Vec{{}, {}}, nil)
	assert.False(t, ok)
	_, ok = CalculateRigidTransform3D([]r3.Vec{{}, {X: 1}}, []r3.Vec{{}, {X: 1}}, []float64{0, 0})
	assert.False(t, ok)
}

func TestAlignRigid_RecoversSmallMotion(t *testing.T) {
	target := lumpyMesh(8)
	motion := MultiplyMatrices4(Translation3(0.02, -0.01, 0.01), RotationDeg3(r3.Vec{X: 0.2, Y: 0.1, Z: 1}, 1.5))
	source := TransformMesh(target, InvertRigid(motion))

	cfg := DefaultRigidConfig()
	cfg.OutlierPercentile = 1
	cfg.MaxIterations = 100
	cfg.ConvergenceThresh = 1e-9
	res := AlignRigid(source, target, Identity4(), cfg)

	assert.True(t, ValidateRigid(res.Transform))
	assert.Less(t, res.Error, 1e-3)
	assert.InDelta(t, 1.0, res.InlierFraction, 1e-12)
	aligned := TransformPoints3(source.Vertices, res.Transform)
	for i := range aligned {
		assert.InDelta(t, 0, Distance(aligned[i], target.Vertices[i]), 1e-2, "vertex %d", i)
	}
}

func TestAlignRigid_IdentityWhenAligned(t *testing.T) {
	m := lumpyMesh(5)
	res := AlignRigid(m, m, Identity4(), DefaultRigidConfig())
	assert.True(t, res.Converged)
	assert.InDelta(t, 0, res.Error, 1e-12)
	assert.True(t, matricesEqual4(res.Transform, Identity4()))
}

func TestAlignRigid_TooFewCorrespondences(t *testing.T) {
	m := lumpyMesh(4)
	far := TransformMesh(m, Translation3(100, 0, 0))
	cfg := DefaultRigidConfig()
	cfg.MaxCorrespondDist = 1

	res := AlignRigid(far, m, Identity4(), cfg)
	assert.Equal(t, Identity4(), res.Transform)
	assert.False(t, res.Converged)
	assert.Equal(t, 0.0, res.InlierFraction)
}

func TestRejectOutliers(t *testing.T) {
	src := []r3.Vec{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 4}}
	tgt := []r3.Vec{{Y: 0}, {Y: 1}, {Y: 2}, {Y: 3}, {Y: 4}}
	dists := []float64{0.1, 5, 0.2, 0.3, 9}

	// 70th percentile of [0.1 0.2 0.3 5 9] is 5
	s, g := rejectOutliers(src, tgt, dists, 0.7)
	assert.Equal(t, []r3.Vec{{X: 0}, {X: 1}, {X: 2}, {X: 3}}, s)
	assert.Equal(t, []r3.Vec{{Y: 0}, {Y: 1}, {Y: 2}, {Y: 3}}, g)

	s, _ = rejectOutliers(src, tgt, dists, 1)
	assert.Len(t, s, 5)
}

func TestRigidConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRigidConfig().Validate())

	bad := []func(*RigidConfig){
		func(c *RigidConfig) { c.MaxIterations = 0 },
		func(c *RigidConfig) { c.ConvergenceThresh = -1 },
		func(c *RigidConfig) { c.MaxCorrespondDist = -0.5 },
		func(c *RigidConfig) { c.OutlierPercentile = 0 },
		func(c *RigidConfig) { c.OutlierPercentile = 1.5 },
	}
	for i, mutate := range bad {
		cfg := DefaultRigidConfig()
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, ErrInvalidConfig), "case %d: %v", i, err)
	}
}
