package mesh

import "gonum.org/v1/gonum/spatial/r3"

// ComputeVertexNormals returns area-weighted unit vertex normals. Vertices
// not referenced by any non-degenerate face get the zero vector.
func ComputeVertexNormals(m *Mesh) []r3.Vec {
	normals := make([]r3.Vec, len(m.Vertices))
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		// Cross product length is twice the face area, so summing the raw
		// cross products weights each face by its area.
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		for _, idx := range f {
			normals[idx] = r3.Add(normals[idx], n)
		}
	}
	for i, n := range normals {
		if l := r3.Norm(n); l > 0 {
			normals[i] = r3.Scale(1/l, n)
		}
	}
	return normals
}

// WithNormals returns m if it already has normals, otherwise a shallow copy
// carrying freshly computed ones
func WithNormals(m *Mesh) *Mesh {
	if m.HasNormals() {
		return m
	}
	return &Mesh{Vertices: m.Vertices, Faces: m.Faces, Normals: ComputeVertexNormals(m)}
}
