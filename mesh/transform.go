package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Matrix4 is a homogeneous 3-D transform acting on column vectors:
// p' = M[0:3][0:3]·p + M[0:3][3]
type Matrix4 [4][4]float64

// Identity4 returns an identity transform (no transformation)
func Identity4() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation3 creates a translation-only transform
func Translation3(tx, ty, tz float64) Matrix4 {
	m := Identity4()
	m[0][3], m[1][3], m[2][3] = tx, ty, tz
	return m
}

// RotationAxis creates a rotation of angle radians about axis (Rodrigues)
func RotationAxis(axis r3.Vec, angle float64) Matrix4 {
	l := r3.Norm(axis)
	if l == 0 {
		return Identity4()
	}
	k := r3.Scale(1/l, axis)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	return Matrix4{
		{t*k.X*k.X + c, t*k.X*k.Y - s*k.Z, t*k.X*k.Z + s*k.Y, 0},
		{t*k.X*k.Y + s*k.Z, t*k.Y*k.Y + c, t*k.Y*k.Z - s*k.X, 0},
		{t*k.X*k.Z - s*k.Y, t*k.Y*k.Z + s*k.X, t*k.Z*k.Z + c, 0},
		{0, 0, 0, 1},
	}
}

// RotationDeg3 creates a rotation in degrees about axis
func RotationDeg3(axis r3.Vec, degrees float64) Matrix4 {
	return RotationAxis(axis, degrees*math.Pi/180.0)
}

// MultiplyMatrices4 composes two transforms: result = m1 * m2.
// Applying result is equivalent to applying m2 first, then m1.
func MultiplyMatrices4(m1, m2 Matrix4) Matrix4 {
	var out Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m1[i][k] * m2[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// InvertRigid inverts a rotation + translation transform: [Rᵀ | -Rᵀt]
func InvertRigid(m Matrix4) Matrix4 {
	out := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	for i := 0; i < 3; i++ {
		out[i][3] = -(out[i][0]*m[0][3] + out[i][1]*m[1][3] + out[i][2]*m[2][3])
	}
	return out
}

// TransformPoint3 applies a transform to a point
func TransformPoint3(p r3.Vec, m Matrix4) r3.Vec {
	return r3.Vec{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// TransformDirection applies only the linear part of a transform
func TransformDirection(d r3.Vec, m Matrix4) r3.Vec {
	return r3.Vec{
		X: m[0][0]*d.X + m[0][1]*d.Y + m[0][2]*d.Z,
		Y: m[1][0]*d.X + m[1][1]*d.Y + m[1][2]*d.Z,
		Z: m[2][0]*d.X + m[2][1]*d.Y + m[2][2]*d.Z,
	}
}

// TransformPoints3 applies a transform to multiple points
func TransformPoints3(points []r3.Vec, m Matrix4) []r3.Vec {
	result := make([]r3.Vec, len(points))
	for i, p := range points {
		result[i] = TransformPoint3(p, m)
	}
	return result
}

// TransformMesh returns a copy of mesh with vertices (and normals, if any) transformed
func TransformMesh(mesh *Mesh, m Matrix4) *Mesh {
	out := mesh.Clone()
	out.Vertices = TransformPoints3(mesh.Vertices, m)
	for i, n := range out.Normals {
		d := TransformDirection(n, m)
		if l := r3.Norm(d); l > 0 {
			d = r3.Scale(1/l, d)
		}
		out.Normals[i] = d
	}
	return out
}

// RotationAngle returns the rotation angle (radians) of the linear part
func RotationAngle(m Matrix4) float64 {
	trace := m[0][0] + m[1][1] + m[2][2]
	c := math.Max(-1, math.Min(1, (trace-1)/2))
	return math.Acos(c)
}

// ValidateRigid checks that a transform is a proper rotation plus translation:
// orthonormal linear part with positive determinant
func ValidateRigid(m Matrix4) bool {
	const tol = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += m[k][i] * m[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	return det > 0
}
