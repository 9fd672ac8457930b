package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Triplet is a single (row, col, value) entry of a sparse matrix under construction
type Triplet struct {
	Row, Col int
	Value    float64
}

// TripletBuilder accumulates matrix entries and compiles them once into CSR form.
// Entries at the same position are summed by Compile.
type TripletBuilder struct {
	rows, cols int
	entries    []Triplet
}

// NewTripletBuilder creates a builder for a rows x cols matrix
func NewTripletBuilder(rows, cols int) *TripletBuilder {
	return &TripletBuilder{rows: rows, cols: cols}
}

// Grow reserves capacity for n additional entries
func (b *TripletBuilder) Grow(n int) {
	if cap(b.entries)-len(b.entries) < n {
		entries := make([]Triplet, len(b.entries), len(b.entries)+n)
		copy(entries, b.entries)
		b.entries = entries
	}
}

// Add records value at (row, col). Zero values are dropped.
func (b *TripletBuilder) Add(row, col int, value float64) {
	if row < 0 || row >= b.rows || col < 0 || col >= b.cols {
		panic(fmt.Sprintf("sparse: index (%d, %d) out of range %dx%d", row, col, b.rows, b.cols))
	}
	if value == 0 {
		return
	}
	b.entries = append(b.entries, Triplet{Row: row, Col: col, Value: value})
}

// Compile sorts the accumulated entries, sums duplicates and returns the CSR matrix.
// The builder can keep accumulating afterwards; the returned matrix is independent.
func (b *TripletBuilder) Compile() *CSR {
	entries := make([]Triplet, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Row != entries[j].Row {
			return entries[i].Row < entries[j].Row
		}
		return entries[i].Col < entries[j].Col
	})

	m := &CSR{
		rows:   b.rows,
		cols:   b.cols,
		rowPtr: make([]int, b.rows+1),
		colInd: make([]int, 0, len(entries)),
		values: make([]float64, 0, len(entries)),
	}

	for i := 0; i < len(entries); {
		e := entries[i]
		sum := e.Value
		j := i + 1
		for j < len(entries) && entries[j].Row == e.Row && entries[j].Col == e.Col {
			sum += entries[j].Value
			j++
		}
		if sum != 0 {
			m.colInd = append(m.colInd, e.Col)
			m.values = append(m.values, sum)
			m.rowPtr[e.Row+1]++
		}
		i = j
	}
	for r := 0; r < b.rows; r++ {
		m.rowPtr[r+1] += m.rowPtr[r]
	}
	return m
}

// CSR is an immutable compressed sparse row matrix.
// Operations return new matrices; a CSR is never modified after Compile.
type CSR struct {
	rows, cols int
	rowPtr     []int // len rows+1
	colInd     []int // column index per stored value, ascending within a row
	values     []float64
}

// Dims returns the matrix dimensions
func (m *CSR) Dims() (rows, cols int) {
	return m.rows, m.cols
}

// NNZ returns the number of stored nonzero values
func (m *CSR) NNZ() int {
	return len(m.values)
}

// RowNNZ returns the column indices and values stored in row i.
// The returned slices alias the matrix storage and must not be modified.
func (m *CSR) RowNNZ(i int) ([]int, []float64) {
	start, end := m.rowPtr[i], m.rowPtr[i+1]
	return m.colInd[start:end], m.values[start:end]
}

// At returns the element at (i, j)
func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("sparse: index (%d, %d) out of range %dx%d", i, j, m.rows, m.cols))
	}
	cols, vals := m.RowNNZ(i)
	pos := sort.SearchInts(cols, j)
	if pos < len(cols) && cols[pos] == j {
		return vals[pos]
	}
	return 0
}

// Scale returns alpha * m
func (m *CSR) Scale(alpha float64) *CSR {
	out := m.cloneStructure()
	for k, v := range m.values {
		out.values[k] = alpha * v
	}
	return out.dropZeros()
}

// ScaleRows returns diag(w) * m
func (m *CSR) ScaleRows(w []float64) *CSR {
	if len(w) != m.rows {
		panic(fmt.Sprintf("sparse: %d row weights for %d rows", len(w), m.rows))
	}
	out := m.cloneStructure()
	for r := 0; r < m.rows; r++ {
		for k := m.rowPtr[r]; k < m.rowPtr[r+1]; k++ {
			out.values[k] = w[r] * m.values[k]
		}
	}
	return out.dropZeros()
}

// T returns the transpose of m
func (m *CSR) T() *CSR {
	b := NewTripletBuilder(m.cols, m.rows)
	b.Grow(m.NNZ())
	for r := 0; r < m.rows; r++ {
		cols, vals := m.RowNNZ(r)
		for k, c := range cols {
			b.Add(c, r, vals[k])
		}
	}
	return b.Compile()
}

// MulDense returns m * x for a dense x with m.cols rows
func (m *CSR) MulDense(x mat.Matrix) *mat.Dense {
	xr, xc := x.Dims()
	if xr != m.cols {
		panic(fmt.Sprintf("sparse: dimension mismatch %dx%d * %dx%d", m.rows, m.cols, xr, xc))
	}
	out := mat.NewDense(m.rows, xc, nil)
	for r := 0; r < m.rows; r++ {
		cols, vals := m.RowNNZ(r)
		row := out.RawRowView(r)
		for k, c := range cols {
			v := vals[k]
			for j := range row {
				row[j] += v * x.At(c, j)
			}
		}
	}
	return out
}

// TMulDense returns mᵀ * b without forming the transpose
func (m *CSR) TMulDense(b mat.Matrix) *mat.Dense {
	br, bc := b.Dims()
	if br != m.rows {
		panic(fmt.Sprintf("sparse: dimension mismatch (%dx%d)ᵀ * %dx%d", m.rows, m.cols, br, bc))
	}
	out := mat.NewDense(m.cols, bc, nil)
	brow := make([]float64, bc)
	for r := 0; r < m.rows; r++ {
		cols, vals := m.RowNNZ(r)
		if len(cols) == 0 {
			continue
		}
		mat.Row(brow, r, b)
		for k, c := range cols {
			v := vals[k]
			row := out.RawRowView(c)
			for j, bv := range brow {
				row[j] += v * bv
			}
		}
	}
	return out
}

// Gram returns mᵀ * m, accumulated row by row from outer products
func (m *CSR) Gram() *CSR {
	b := NewTripletBuilder(m.cols, m.cols)
	for r := 0; r < m.rows; r++ {
		cols, vals := m.RowNNZ(r)
		b.Grow(len(cols) * len(cols))
		for i, ci := range cols {
			for j, cj := range cols {
				b.Add(ci, cj, vals[i]*vals[j])
			}
		}
	}
	return b.Compile()
}

// ToDense converts m to a gonum dense matrix
func (m *CSR) ToDense() *mat.Dense {
	out := mat.NewDense(m.rows, m.cols, nil)
	for r := 0; r < m.rows; r++ {
		cols, vals := m.RowNNZ(r)
		for k, c := range cols {
			out.Set(r, c, vals[k])
		}
	}
	return out
}

// Kron returns the Kronecker product a ⊗ g for a small dense g
func Kron(a *CSR, g mat.Matrix) *CSR {
	gr, gc := g.Dims()
	b := NewTripletBuilder(a.rows*gr, a.cols*gc)
	b.Grow(a.NNZ() * gr * gc)
	for r := 0; r < a.rows; r++ {
		cols, vals := a.RowNNZ(r)
		for k, c := range cols {
			for p := 0; p < gr; p++ {
				for q := 0; q < gc; q++ {
					b.Add(r*gr+p, c*gc+q, vals[k]*g.At(p, q))
				}
			}
		}
	}
	return b.Compile()
}

// VStack stacks matrices with equal column counts on top of each other
func VStack(blocks ...*CSR) *CSR {
	if len(blocks) == 0 {
		return &CSR{rowPtr: []int{0}}
	}
	cols := blocks[0].cols
	rows, nnz := 0, 0
	for i, blk := range blocks {
		if blk.cols != cols {
			panic(fmt.Sprintf("sparse: vstack block %d has %d columns, want %d", i, blk.cols, cols))
		}
		rows += blk.rows
		nnz += blk.NNZ()
	}

	out := &CSR{
		rows:   rows,
		cols:   cols,
		rowPtr: make([]int, 1, rows+1),
		colInd: make([]int, 0, nnz),
		values: make([]float64, 0, nnz),
	}
	for _, blk := range blocks {
		offset := len(out.values)
		out.colInd = append(out.colInd, blk.colInd...)
		out.values = append(out.values, blk.values...)
		for r := 1; r <= blk.rows; r++ {
			out.rowPtr = append(out.rowPtr, blk.rowPtr[r]+offset)
		}
	}
	return out
}

// SparseIdentity returns the n x n identity scaled by s
func SparseIdentity(n int, s float64) *CSR {
	b := NewTripletBuilder(n, n)
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.Add(i, i, s)
	}
	return b.Compile()
}

func (m *CSR) cloneStructure() *CSR {
	out := &CSR{
		rows:   m.rows,
		cols:   m.cols,
		rowPtr: make([]int, len(m.rowPtr)),
		colInd: make([]int, len(m.colInd)),
		values: make([]float64, len(m.values)),
	}
	copy(out.rowPtr, m.rowPtr)
	copy(out.colInd, m.colInd)
	return out
}

// dropZeros removes explicit zeros produced by scaling
func (m *CSR) dropZeros() *CSR {
	zeros := 0
	for _, v := range m.values {
		if v == 0 {
			zeros++
		}
	}
	if zeros == 0 {
		return m
	}
	out := &CSR{
		rows:   m.rows,
		cols:   m.cols,
		rowPtr: make([]int, m.rows+1),
		colInd: make([]int, 0, len(m.values)-zeros),
		values: make([]float64, 0, len(m.values)-zeros),
	}
	for r := 0; r < m.rows; r++ {
		for k := m.rowPtr[r]; k < m.rowPtr[r+1]; k++ {
			if m.values[k] != 0 {
				out.colInd = append(out.colInd, m.colInd[k])
				out.values = append(out.values, m.values[k])
			}
		}
		out.rowPtr[r+1] = len(out.values)
	}
	return out
}
