package tensor

import "fmt"

// Matrix is a two-dimensional row-major container.
type Matrix interface {
	Rows() int
	Cols() int
	Get(row, col int) float32
	Set(row, col int, v float32)
	// Row returns row i. Dense matrices return a view, lazy matrices a copy.
	Row(i int) Vector
}

// Dense stores every element in one flat vector of a single precision.
type Dense struct {
	rows, cols int
	data       Vector
}

// NewDense allocates a zeroed rows x cols matrix.
func NewDense(t FloatType, rows, cols int) *Dense {
	return &Dense{rows: rows, cols: cols, data: NewVector(t, rows*cols)}
}

// DenseOf wraps data without copying. len(data) must equal rows*cols.
func DenseOf(rows, cols int, data Vector) (*Dense, error) {
	if data.Len() != rows*cols {
		return nil, fmt.Errorf("matrix data length %d does not match %dx%d", data.Len(), rows, cols)
	}
	return &Dense{rows: rows, cols: cols, data: data}, nil
}

// DenseFromRows copies rows of float32 values into a Float32 matrix.
func DenseFromRows(values [][]float32) *Dense {
	if len(values) == 0 {
		return NewDense(Float32, 0, 0)
	}
	m := NewDense(Float32, len(values), len(values[0]))
	for r, row := range values {
		for c, x := range row {
			m.Set(r, c, x)
		}
	}
	return m
}

func (m *Dense) Rows() int                   { return m.rows }
func (m *Dense) Cols() int                   { return m.cols }
func (m *Dense) Type() FloatType             { return m.data.Type() }
func (m *Dense) Get(row, col int) float32    { return m.data.Get(row*m.cols + col) }
func (m *Dense) Set(row, col int, v float32) { m.data.Set(row*m.cols+col, v) }
func (m *Dense) Row(i int) Vector            { return m.data.Slice(i*m.cols, (i+1)*m.cols) }

// Data exposes the backing vector.
func (m *Dense) Data() Vector { return m.data }

// Transpose materializes m^T as a Float32 matrix.
func Transpose(m Matrix) *Dense {
	out := NewDense(Float32, m.Cols(), m.Rows())
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			out.Set(c, r, m.Get(r, c))
		}
	}
	return out
}
