package quant

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// GPTQ reads AutoGPTQ checkpoints. A linear layer "<prefix>.weight" is
// replaced by four tensors, all laid out (in, out):
//
//	<prefix>.qweight  int32 (in*bits/32, out), codes packed down each column
//	<prefix>.qzeros   int32 (groups, out*bits/32), zero points packed along each row
//	<prefix>.scales   float (groups, out)
//	<prefix>.g_idx    int32 (in), the group of every input row (optional)
//
// Codes are unsigned and packed low bits first. A weight is
//
//	scales[g][col] * (q[row][col] - (qzeros[g][col] + 1))
//
// with g = g_idx[row], or row / group_size when g_idx is absent. Bit width
// and group size are derived from the tensor shapes.
type GPTQ struct{}

func (GPTQ) Method() Method { return MethodGPTQ }

// GPTQPrefix strips the last dotted component of a weight name.
func GPTQPrefix(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

func (GPTQ) quantized(r Reader, name string) bool {
	return r.Has(GPTQPrefix(name) + ".qweight")
}

func (q GPTQ) LoadMatrix(r Reader, name string, rows, cols int, o Orientation) (tensor.Matrix, error) {
	if !q.quantized(r, name) {
		return r.ReadMatrix(name, rows, cols)
	}
	in, out := rows, cols
	if o == Horizontal {
		in, out = cols, rows
	}
	w, err := readGPTQ(r, GPTQPrefix(name), in, out)
	if err != nil {
		return nil, err
	}
	if o == Horizontal {
		return &GPTQMatrixTransposed{w}, nil
	}
	return &GPTQMatrix{w}, nil
}

func (q GPTQ) MatrixByteSize(r Reader, name string, rows, cols int) (int64, error) {
	if !q.quantized(r, name) {
		return None{}.MatrixByteSize(r, name, rows, cols)
	}
	prefix := GPTQPrefix(name)
	var total int64
	// every component is held as 4 byte values, scales included
	for _, suffix := range []string{".qweight", ".qzeros", ".scales", ".g_idx"} {
		if suffix == ".g_idx" && !r.Has(prefix+suffix) {
			continue
		}
		n, err := elements(r, prefix+suffix)
		if err != nil {
			return 0, err
		}
		total += 4 * n
	}
	return total, nil
}

func readGPTQ(r Reader, prefix string, in, out int) (*gptqWeights, error) {
	shape, err := r.Shape(prefix + ".qweight")
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[1] != int64(out) || shape[0] == 0 {
		return nil, fmt.Errorf("%w: %s.qweight has shape %v for (%d, %d)", ErrUnsupportedFormat, prefix, shape, in, out)
	}
	bits := int(32 * shape[0] / int64(in))
	if int64(bits*in) != 32*shape[0] || (bits != 2 && bits != 4 && bits != 8) {
		return nil, fmt.Errorf("%w: %s.qweight implies %d bit codes", ErrUnsupportedFormat, prefix, bits)
	}
	perWord := 32 / bits
	if out%perWord != 0 {
		return nil, fmt.Errorf("%w: %d output features do not pack into %d bit zero points", ErrUnsupportedFormat, out, bits)
	}

	scaleShape, err := r.Shape(prefix + ".scales")
	if err != nil {
		return nil, err
	}
	if len(scaleShape) != 2 || scaleShape[0] == 0 {
		return nil, fmt.Errorf("%w: %s.scales has shape %v", ErrUnsupportedFormat, prefix, scaleShape)
	}
	groups := int(scaleShape[0])

	w := &gptqWeights{
		in: in, out: out,
		bits: uint(bits), perWord: perWord, mask: 1<<bits - 1,
		groupSize: ceilDiv(in, groups),
	}
	if w.qweight, err = r.ReadInt32s(prefix+".qweight", int(shape[0])*out); err != nil {
		return nil, err
	}
	if w.qzeros, err = r.ReadInt32s(prefix+".qzeros", groups*out/perWord); err != nil {
		return nil, err
	}
	if w.scales, err = r.ReadFloats(prefix+".scales", groups*out); err != nil {
		return nil, err
	}
	if r.Has(prefix + ".g_idx") {
		if w.groupIndex, err = r.ReadInt32s(prefix+".g_idx", in); err != nil {
			return nil, err
		}
		for row, g := range w.groupIndex {
			if g < 0 || int(g) >= groups {
				return nil, fmt.Errorf("%w: %s.g_idx[%d] = %d outside %d groups", ErrUnsupportedFormat, prefix, row, g, groups)
			}
		}
	}
	return w, nil
}

// gptqWeights keeps the packed tensors; values are unpacked on every read.
type gptqWeights struct {
	in, out    int
	bits       uint
	perWord    int
	mask       uint32
	groupSize  int
	qweight    []int32
	qzeros     []int32
	scales     []float32
	groupIndex []int32
}

func (w *gptqWeights) group(row int) int {
	if w.groupIndex != nil {
		return int(w.groupIndex[row])
	}
	return row / w.groupSize
}

// value is the weight at (in row, out col).
func (w *gptqWeights) value(row, col int) float32 {
	g := w.group(row)
	word := uint32(w.qweight[(row/w.perWord)*w.out+col])
	q := word >> (w.bits * uint(row%w.perWord)) & w.mask
	zeroWord := uint32(w.qzeros[g*(w.out/w.perWord)+col/w.perWord])
	zero := zeroWord>>(w.bits*uint(col%w.perWord))&w.mask + 1
	return w.scales[g*w.out+col] * float32(int32(q)-int32(zero))
}

// GPTQMatrix is the stored (in, out) orientation.
type GPTQMatrix struct{ w *gptqWeights }

func (m *GPTQMatrix) Rows() int                { return m.w.in }
func (m *GPTQMatrix) Cols() int                { return m.w.out }
func (m *GPTQMatrix) Get(row, col int) float32 { return m.w.value(row, col) }
func (m *GPTQMatrix) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: gptq matrix", tensor.ErrReadOnly))
}

func (m *GPTQMatrix) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.w.out)
	for c := range out {
		out[c] = m.w.value(i, c)
	}
	return out
}

// GPTQMatrixTransposed presents the packed codes as (out, in).
type GPTQMatrixTransposed struct{ w *gptqWeights }

func (m *GPTQMatrixTransposed) Rows() int                { return m.w.out }
func (m *GPTQMatrixTransposed) Cols() int                { return m.w.in }
func (m *GPTQMatrixTransposed) Get(row, col int) float32 { return m.w.value(col, row) }
func (m *GPTQMatrixTransposed) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: gptq matrix", tensor.ErrReadOnly))
}

func (m *GPTQMatrixTransposed) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.w.in)
	for c := range out {
		out[c] = m.w.value(c, i)
	}
	return out
}
