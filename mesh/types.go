package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Face is a triangle given as three indices into Mesh.Vertices
type Face [3]int

// Mesh represents a triangle mesh with optional per-vertex normals
type Mesh struct {
	Vertices []r3.Vec
	Faces    []Face
	Normals  []r3.Vec // Optional; either empty or one unit normal per vertex
}

// HasNormals returns true if the mesh carries one normal per vertex
func (m *Mesh) HasNormals() bool {
	return len(m.Normals) > 0 && len(m.Normals) == len(m.Vertices)
}

// Validate checks the structural invariants required before registration.
// All failures wrap ErrInvalidMesh.
func (m *Mesh) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil mesh", ErrInvalidMesh)
	}
	if len(m.Vertices) == 0 {
		return fmt.Errorf("%w: no vertices", ErrInvalidMesh)
	}
	if len(m.Faces) == 0 {
		return fmt.Errorf("%w: no faces", ErrInvalidMesh)
	}
	if len(m.Normals) != 0 && len(m.Normals) != len(m.Vertices) {
		return fmt.Errorf("%w: %d normals for %d vertices", ErrInvalidMesh, len(m.Normals), len(m.Vertices))
	}
	for i, v := range m.Vertices {
		if !finite(v) {
			return fmt.Errorf("%w: vertex %d is not finite", ErrInvalidMesh, i)
		}
	}
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%w: face %d references vertex %d (have %d)", ErrInvalidMesh, i, idx, n)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the mesh
func (m *Mesh) Clone() *Mesh {
	c := &Mesh{
		Vertices: make([]r3.Vec, len(m.Vertices)),
		Faces:    make([]Face, len(m.Faces)),
	}
	copy(c.Vertices, m.Vertices)
	copy(c.Faces, m.Faces)
	if len(m.Normals) > 0 {
		c.Normals = make([]r3.Vec, len(m.Normals))
		copy(c.Normals, m.Normals)
	}
	return c
}

// Centroid returns the mean vertex position
func (m *Mesh) Centroid() r3.Vec {
	return Centroid(m.Vertices)
}

// Bounds returns the axis-aligned bounding box of the vertices
func (m *Mesh) Bounds() (min, max r3.Vec) {
	if len(m.Vertices) == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	min, max = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		min.X = math.Min(min.X, v.X)
		min.Y = math.Min(min.Y, v.Y)
		min.Z = math.Min(min.Z, v.Z)
		max.X = math.Max(max.X, v.X)
		max.Y = math.Max(max.Y, v.Y)
		max.Z = math.Max(max.Z, v.Z)
	}
	return min, max
}

// Centroid calculates the centroid of a set of points
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// Distance returns the Euclidean distance between two points
func Distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
