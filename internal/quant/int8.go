package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// maxCode is the largest magnitude of an LLM.int8 code.
const maxCode = 127

// Int8Matrix is an LLM.int8 matrix in (in, out) orientation with one scale
// per column (output feature). Values are dequantized on every Get:
//
//	scale[col] * code[row][col] / 127
type Int8Matrix struct {
	scale []float32
	codes [][]int8
}

// NewInt8Matrix wraps codes (rows x cols) and len(cols) scales.
func NewInt8Matrix(scale []float32, codes [][]int8) (*Int8Matrix, error) {
	if err := checkShape(scale, codes); err != nil {
		return nil, err
	}
	return &Int8Matrix{scale: scale, codes: codes}, nil
}

func (m *Int8Matrix) Rows() int { return len(m.codes) }

func (m *Int8Matrix) Cols() int {
	if len(m.codes) == 0 {
		return 0
	}
	return len(m.codes[0])
}

func (m *Int8Matrix) Get(row, col int) float32 {
	return m.scale[col] * float32(m.codes[row][col]) / maxCode
}

func (m *Int8Matrix) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: int8 matrix", tensor.ErrReadOnly))
}

func (m *Int8Matrix) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.Cols())
	for c := range out {
		out[c] = m.Get(i, c)
	}
	return out
}

// Int8MatrixTransposed is the (out, in) orientation, the layout the codes
// are stored in on disk, so they are wrapped as read. There is one scale per
// row (output feature):
//
//	scale[row] * code[row][col] / 127
type Int8MatrixTransposed struct {
	scale []float32
	codes [][]int8
}

// NewInt8MatrixTransposed wraps (out, in) codes and len(out) scales.
func NewInt8MatrixTransposed(scale []float32, codes [][]int8) (*Int8MatrixTransposed, error) {
	if err := checkCodes(codes); err != nil {
		return nil, err
	}
	if len(scale) != len(codes) {
		return nil, fmt.Errorf("int8 scale length %d does not match %d output features", len(scale), len(codes))
	}
	return &Int8MatrixTransposed{scale: scale, codes: codes}, nil
}

func (m *Int8MatrixTransposed) Rows() int { return len(m.codes) }

func (m *Int8MatrixTransposed) Cols() int { return len(m.codes[0]) }

func (m *Int8MatrixTransposed) Get(row, col int) float32 {
	return m.scale[row] * float32(m.codes[row][col]) / maxCode
}

func (m *Int8MatrixTransposed) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: int8 matrix", tensor.ErrReadOnly))
}

func (m *Int8MatrixTransposed) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.Cols())
	k := m.scale[i] / maxCode
	for c, code := range m.codes[i] {
		out[c] = k * float32(code)
	}
	return out
}

func checkCodes(codes [][]int8) error {
	if len(codes) == 0 {
		return fmt.Errorf("empty int8 matrix")
	}
	cols := len(codes[0])
	for i, row := range codes {
		if len(row) != cols {
			return fmt.Errorf("ragged int8 matrix: row %d has %d codes, expected %d", i, len(row), cols)
		}
	}
	return nil
}

func checkShape(scale []float32, codes [][]int8) error {
	if err := checkCodes(codes); err != nil {
		return err
	}
	if cols := len(codes[0]); len(scale) != cols {
		return fmt.Errorf("int8 scale length %d does not match %d output features", len(scale), cols)
	}
	return nil
}

// TransposeCodes returns codes^T.
func TransposeCodes(codes [][]int8) [][]int8 {
	if len(codes) == 0 {
		return nil
	}
	out := make([][]int8, len(codes[0]))
	for c := range out {
		out[c] = make([]int8, len(codes))
		for r := range codes {
			out[c][r] = codes[r][c]
		}
	}
	return out
}

// QuantizeInt8 applies LLM.int8 abs-max quantization to a weight given in
// (out, in) orientation, the layout used on disk. It returns one scale per
// output row and the codes in the same (out, in) layout.
func QuantizeInt8(m tensor.Matrix) (scale []float32, codes [][]int8) {
	scale = make([]float32, m.Rows())
	codes = make([][]int8, m.Rows())
	for r := 0; r < m.Rows(); r++ {
		var absMax float32
		for c := 0; c < m.Cols(); c++ {
			if a := float32(math.Abs(float64(m.Get(r, c)))); a > absMax {
				absMax = a
			}
		}
		scale[r] = absMax
		row := make([]int8, m.Cols())
		if absMax > 0 {
			k := maxCode / absMax
			for c := range row {
				row[c] = int8(math.Round(float64(m.Get(r, c) * k)))
			}
		}
		codes[r] = row
	}
	return scale, codes
}
