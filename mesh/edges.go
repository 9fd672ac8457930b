package mesh

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Edge is an undirected mesh edge stored with V0 < V1
type Edge struct {
	V0, V1 int
}

// BuildEdges derives the undirected edge set of a triangle list.
// Each face is sorted (a<b<c) and contributes (a,b), (a,c), (b,c). Edges shared
// by several faces appear once, in first-seen order. Repeated indices in
// degenerate faces do not produce self edges.
func BuildEdges(faces []Face) []Edge {
	seen := make(map[Edge]struct{}, len(faces)*3/2)
	edges := make([]Edge, 0, len(faces)*3/2)

	add := func(a, b int) {
		if a == b {
			return
		}
		e := Edge{V0: a, V1: b}
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}

	for _, f := range faces {
		v := []int{f[0], f[1], f[2]}
		sort.Ints(v)
		add(v[0], v[1])
		add(v[0], v[2])
		add(v[1], v[2])
	}
	return edges
}

// IncidenceMatrix builds the |edges| x numVertices difference operator with
// M[e, v0] = -1 and M[e, v1] = +1.
func IncidenceMatrix(edges []Edge, numVertices int) *CSR {
	b := NewTripletBuilder(len(edges), numVertices)
	b.Grow(2 * len(edges))
	for i, e := range edges {
		b.Add(i, e.V0, -1)
		b.Add(i, e.V1, 1)
	}
	return b.Compile()
}

// StiffnessOperator returns kron(M, diag(1, 1, 1, gamma)) with shape
// (4|edges|, 4·numVertices). gamma weights the translation row of each
// affine block against its linear part in the smoothness term.
func StiffnessOperator(edges []Edge, numVertices int, gamma float64) *CSR {
	g := mat.NewDiagDense(4, []float64{1, 1, 1, gamma})
	return Kron(IncidenceMatrix(edges, numVertices), g)
}
