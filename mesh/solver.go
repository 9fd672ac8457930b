package mesh

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// LeastSquaresSolver solves a sparse overdetermined system A·X ≈ B in the
// least-squares sense and returns the dense solution X.
type LeastSquaresSolver interface {
	Solve(a *CSR, b *mat.Dense) (*mat.Dense, error)
}

// pivotTolerance is the smallest pivot, relative to the original diagonal
// entry, accepted before the normal equations are declared singular.
const pivotTolerance = 1e-12

// SparseCholesky solves the normal equations AᵀA·X = AᵀB with a skyline
// (envelope) Cholesky factorisation. Rows and columns are first permuted with
// reverse Cuthill-McKee so the envelope of mesh-shaped systems stays narrow.
type SparseCholesky struct {
	DisableReordering bool
}

// Solve implements LeastSquaresSolver
func (s SparseCholesky) Solve(a *CSR, b *mat.Dense) (*mat.Dense, error) {
	rows, cols := a.Dims()
	br, bc := b.Dims()
	if br != rows {
		return nil, fmt.Errorf("right-hand side has %d rows, system has %d", br, rows)
	}

	factor, err := factorSkyline(a.Gram(), !s.DisableReordering)
	if err != nil {
		return nil, err
	}

	rhs := a.TMulDense(b)
	x := mat.NewDense(cols, bc, nil)
	col := make([]float64, cols)
	for j := 0; j < bc; j++ {
		mat.Col(col, j, rhs)
		factor.solve(col)
		x.SetCol(j, col)
	}
	return x, nil
}

// DenseCholesky forms AᵀA as a dense symmetric matrix and factors it with
// gonum. Memory grows with the square of the column count, so it is meant for
// small systems and for checking SparseCholesky.
type DenseCholesky struct{}

// Solve implements LeastSquaresSolver
func (DenseCholesky) Solve(a *CSR, b *mat.Dense) (*mat.Dense, error) {
	rows, _ := a.Dims()
	if br, _ := b.Dims(); br != rows {
		return nil, fmt.Errorf("right-hand side has %d rows, system has %d", br, rows)
	}

	g := a.Gram()
	n, _ := g.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cols, vals := g.RowNNZ(i)
		for k, c := range cols {
			if c >= i {
				sym.SetSym(i, c, vals[k])
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, ErrSingularSystem
	}
	var x mat.Dense
	if err := chol.SolveTo(&x, a.TMulDense(b)); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: condition number %.3g", ErrSingularSystem, float64(cond))
		}
		return nil, err
	}
	return &x, nil
}

// skyline holds a lower-triangular Cholesky factor in envelope storage.
// Row i stores columns first[i]..i contiguously starting at start[i].
type skyline struct {
	perm  []int // perm[new] = original index
	first []int
	start []int
	vals  []float64
}

// factorSkyline computes L with P·N·Pᵀ = L·Lᵀ for a symmetric CSR matrix N
func factorSkyline(n *CSR, reorder bool) (*skyline, error) {
	size, _ := n.Dims()

	perm := make([]int, size)
	for i := range perm {
		perm[i] = i
	}
	if reorder {
		perm = reverseCuthillMcKee(n)
	}
	inv := make([]int, size)
	for newIdx, old := range perm {
		inv[old] = newIdx
	}

	first := make([]int, size)
	for i := range first {
		first[i] = i
	}
	for old := 0; old < size; old++ {
		cols, _ := n.RowNNZ(old)
		i := inv[old]
		for _, c := range cols {
			if j := inv[c]; j < first[i] {
				first[i] = j
			}
		}
	}

	start := make([]int, size+1)
	for i := 0; i < size; i++ {
		start[i+1] = start[i] + i - first[i] + 1
	}
	vals := make([]float64, start[size])
	diag := make([]float64, size)
	for old := 0; old < size; old++ {
		cols, v := n.RowNNZ(old)
		i := inv[old]
		for k, c := range cols {
			j := inv[c]
			if j <= i {
				vals[start[i]+j-first[i]] = v[k]
			}
			if j == i {
				diag[i] = v[k]
			}
		}
	}

	for i := 0; i < size; i++ {
		fi := first[i]
		rowI := vals[start[i]:start[i+1]]
		for j := fi; j <= i; j++ {
			fj := first[j]
			rowJ := vals[start[j]:start[j+1]]
			sum := rowI[j-fi]
			for k := max(fi, fj); k < j; k++ {
				sum -= rowI[k-fi] * rowJ[k-fj]
			}
			if j < i {
				rowI[j-fi] = sum / rowJ[j-fj]
				continue
			}
			if !(sum > pivotTolerance*math.Abs(diag[i])) || sum <= 0 {
				return nil, fmt.Errorf("%w: pivot %.3g at unknown %d", ErrSingularSystem, sum, perm[i])
			}
			rowI[i-fi] = math.Sqrt(sum)
		}
	}

	return &skyline{perm: perm, first: first, start: start, vals: vals}, nil
}

// solve overwrites b with the solution of L·Lᵀ·x = b (in original ordering)
func (s *skyline) solve(b []float64) {
	size := len(s.perm)
	y := make([]float64, size)
	for i, old := range s.perm {
		y[i] = b[old]
	}

	// Forward: L·z = y
	for i := 0; i < size; i++ {
		fi := s.first[i]
		row := s.vals[s.start[i]:s.start[i+1]]
		sum := y[i]
		for k := fi; k < i; k++ {
			sum -= row[k-fi] * y[k]
		}
		y[i] = sum / row[i-fi]
	}

	// Backward: Lᵀ·x = z, column-oriented over the stored rows
	for i := size - 1; i >= 0; i-- {
		fi := s.first[i]
		row := s.vals[s.start[i]:s.start[i+1]]
		y[i] /= row[i-fi]
		for k := fi; k < i; k++ {
			y[k] -= row[k-fi] * y[i]
		}
	}

	for i, old := range s.perm {
		b[old] = y[i]
	}
}

// envelopeSize returns the number of stored entries of the factor
func (s *skyline) envelopeSize() int {
	return len(s.vals)
}

// reverseCuthillMcKee returns a bandwidth-reducing ordering of a symmetric
// matrix graph. Each connected component is traversed breadth-first from a
// minimum-degree node, visiting neighbours by increasing degree.
func reverseCuthillMcKee(m *CSR) []int {
	n, _ := m.Dims()
	degree := make([]int, n)
	for i := 0; i < n; i++ {
		cols, _ := m.RowNNZ(i)
		degree[i] = len(cols)
	}
	byDegree := func(nodes []int) {
		sort.SliceStable(nodes, func(a, b int) bool {
			if degree[nodes[a]] != degree[nodes[b]] {
				return degree[nodes[a]] < degree[nodes[b]]
			}
			return nodes[a] < nodes[b]
		})
	}

	seeds := make([]int, n)
	for i := range seeds {
		seeds[i] = i
	}
	byDegree(seeds)

	visited := make([]bool, n)
	order := make([]int, 0, n)
	var nbrs []int
	for _, s := range seeds {
		if visited[s] {
			continue
		}
		visited[s] = true
		order = append(order, s)
		for head := len(order) - 1; head < len(order); head++ {
			cols, _ := m.RowNNZ(order[head])
			nbrs = nbrs[:0]
			for _, v := range cols {
				if !visited[v] {
					visited[v] = true
					nbrs = append(nbrs, v)
				}
			}
			byDegree(nbrs)
			order = append(order, nbrs...)
		}
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
