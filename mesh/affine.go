package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AffineParams stores one 4x3 affine block per vertex, stacked into a (4V)x3
// matrix X. Rows 4i..4i+2 hold the linear part of vertex i and row 4i+3 its
// translation, so the transformed vertex is [x y z 1] · X[4i:4i+4].
type AffineParams struct {
	X *mat.Dense
}

// NewAffineParams returns n identity blocks (identity linear part, zero translation)
func NewAffineParams(n int) *AffineParams {
	x := mat.NewDense(4*n, 3, nil)
	for i := 0; i < n; i++ {
		x.Set(4*i, 0, 1)
		x.Set(4*i+1, 1, 1)
		x.Set(4*i+2, 2, 1)
	}
	return &AffineParams{X: x}
}

// AffineParamsFrom wraps a solved (4V)x3 matrix
func AffineParamsFrom(x *mat.Dense) (*AffineParams, error) {
	r, c := x.Dims()
	if r%4 != 0 || c != 3 {
		return nil, fmt.Errorf("affine parameters must be (4V)x3, got %dx%d", r, c)
	}
	return &AffineParams{X: x}, nil
}

// Len returns the number of affine blocks
func (p *AffineParams) Len() int {
	r, _ := p.X.Dims()
	return r / 4
}

// Block returns a view of the 4x3 block of vertex i
func (p *AffineParams) Block(i int) mat.Matrix {
	return p.X.Slice(4*i, 4*i+4, 0, 3)
}

// Apply transforms point v with the affine block of vertex i
func (p *AffineParams) Apply(i int, v r3.Vec) r3.Vec {
	t := p.linear(i, v)
	return r3.Add(t, r3.Vec{X: p.X.At(4*i+3, 0), Y: p.X.At(4*i+3, 1), Z: p.X.At(4*i+3, 2)})
}

// ApplyLinear transforms direction n with the linear part of vertex i and
// renormalises it. Zero-length results are returned as the zero vector.
func (p *AffineParams) ApplyLinear(i int, n r3.Vec) r3.Vec {
	t := p.linear(i, n)
	if l := r3.Norm(t); l > 0 {
		return r3.Scale(1/l, t)
	}
	return r3.Vec{}
}

func (p *AffineParams) linear(i int, v r3.Vec) r3.Vec {
	row := 4 * i
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = v.X*p.X.At(row, j) + v.Y*p.X.At(row+1, j) + v.Z*p.X.At(row+2, j)
	}
	return r3.Vec{X: out[0], Y: out[1], Z: out[2]}
}

// VertexOperator builds the V x 4V matrix D whose row i holds [x y z 1] of
// vertex i in columns 4i..4i+3, so that D·X gives the transformed vertices.
// D depends only on the original geometry and is built once per run.
func VertexOperator(vertices []r3.Vec) *CSR {
	n := len(vertices)
	b := NewTripletBuilder(n, 4*n)
	b.Grow(4 * n)
	for i, v := range vertices {
		b.Add(i, 4*i, v.X)
		b.Add(i, 4*i+1, v.Y)
		b.Add(i, 4*i+2, v.Z)
		b.Add(i, 4*i+3, 1)
	}
	return b.Compile()
}

// TransformVertices evaluates D·X and returns the rows as points
func TransformVertices(d *CSR, p *AffineParams) []r3.Vec {
	return rowsToVecs(d.MulDense(p.X))
}

func rowsToVecs(m mat.Matrix) []r3.Vec {
	r, _ := m.Dims()
	out := make([]r3.Vec, r)
	for i := range out {
		out[i] = r3.Vec{X: m.At(i, 0), Y: m.At(i, 1), Z: m.At(i, 2)}
	}
	return out
}
