package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// LinearSystem is the least-squares problem A·X ≈ B of one inner iteration
type LinearSystem struct {
	A             *CSR
	B             *mat.Dense
	StiffnessRows int // Leading rows of A holding the stiffness block
}

// AssembleSystem builds
//
//	A = [ alpha·kron(M,G) ]    B = [ 0   ]
//	    [ diag(w)·D       ]        [ w∘U ]
//
// encoding E(X) = ‖alpha·kron(M,G)·X‖² + ‖w∘(D·X − U)‖².
func AssembleSystem(stiffness *CSR, alpha float64, d *CSR, w []float64, matches []r3.Vec) LinearSystem {
	sRows, sCols := stiffness.Dims()
	dRows, dCols := d.Dims()
	if sCols != dCols {
		panic(fmt.Sprintf("assemble: stiffness has %d columns, vertex operator %d", sCols, dCols))
	}
	if len(w) != dRows || len(matches) != dRows {
		panic(fmt.Sprintf("assemble: %d weights and %d matches for %d vertices", len(w), len(matches), dRows))
	}

	a := VStack(stiffness.Scale(alpha), d.ScaleRows(w))

	b := mat.NewDense(sRows+dRows, 3, nil)
	for i, u := range matches {
		if w[i] == 0 {
			continue
		}
		b.Set(sRows+i, 0, w[i]*u.X)
		b.Set(sRows+i, 1, w[i]*u.Y)
		b.Set(sRows+i, 2, w[i]*u.Z)
	}

	return LinearSystem{A: a, B: b, StiffnessRows: sRows}
}

// WithProximal appends sqrt(lambda)·(X − prev) rows pulling the solution
// toward the previous iterate. This pins directions no other term constrains,
// such as the normal coefficient of a planar mesh or a stiffness-only
// iteration. lambda <= 0 returns the system unchanged.
func (s LinearSystem) WithProximal(lambda float64, prev *mat.Dense) LinearSystem {
	if lambda <= 0 {
		return s
	}
	_, cols := s.A.Dims()
	pr, pc := prev.Dims()
	if pr != cols || pc != 3 {
		panic(fmt.Sprintf("proximal: previous iterate is %dx%d, want %dx3", pr, pc, cols))
	}

	sq := math.Sqrt(lambda)
	rows, _ := s.B.Dims()
	b := mat.NewDense(rows+cols, 3, nil)
	b.Slice(0, rows, 0, 3).(*mat.Dense).Copy(s.B)
	tail := b.Slice(rows, rows+cols, 0, 3).(*mat.Dense)
	tail.Scale(sq, prev)

	return LinearSystem{
		A:             VStack(s.A, SparseIdentity(cols, sq)),
		B:             b,
		StiffnessRows: s.StiffnessRows,
	}
}

// Residual returns ‖A·X − B‖² for a candidate solution
func (s LinearSystem) Residual(x mat.Matrix) float64 {
	ax := s.A.MulDense(x)
	ax.Sub(ax, s.B)
	n := mat.Norm(ax, 2) // Frobenius
	return n * n
}
