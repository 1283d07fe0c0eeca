package quant

import (
	"encoding/json"
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// quantMapSize is the number of entries of a 4 bit lookup table.
const quantMapSize = 16

// QLoRA reads bitsandbytes 4 bit weights (fp4 or nf4). The weight tensor
// holds the (out, in) matrix flattened and packed two codes per byte, high
// nibble first. Every run of blocksize consecutive values shares one absmax,
// and a code is decoded through the 16 entry quant map:
//
//	quant_map[code] * absmax[index / blocksize]
//
// With double quantization the absmax values are themselves 8 bit codes
// decoded through a nested quant map, nested absmax and offset. They are
// dequantized once at load time; the weights stay packed.
type QLoRA struct{}

func (QLoRA) Method() Method { return MethodQLoRA }

// qloraState is the JSON document bitsandbytes serializes next to a 4 bit
// weight under "<name>.quant_state.bitsandbytes__<type>".
type qloraState struct {
	QuantType       string  `json:"quant_type"`
	BlockSize       int     `json:"blocksize"`
	DType           string  `json:"dtype"`
	Shape           []int64 `json:"shape"`
	NestedBlockSize int     `json:"nested_blocksize"`
	NestedOffset    float32 `json:"nested_offset"`
}

func (QLoRA) quantized(r Reader, name string) bool {
	return r.Has(name + ".absmax")
}

func readQLoRAState(r Reader, name string) (*qloraState, error) {
	for _, quantType := range []string{"nf4", "fp4"} {
		stateName := name + ".quant_state.bitsandbytes__" + quantType
		if !r.Has(stateName) {
			continue
		}
		n, err := elements(r, stateName)
		if err != nil {
			return nil, err
		}
		raw, err := r.ReadBytes(stateName, int(n))
		if err != nil {
			return nil, err
		}
		var st qloraState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("qlora quant state of %s: %w", name, err)
		}
		if st.QuantType == "" {
			st.QuantType = quantType
		}
		if st.BlockSize <= 0 {
			return nil, fmt.Errorf("qlora quant state of %s: invalid blocksize %d", name, st.BlockSize)
		}
		return &st, nil
	}
	return nil, fmt.Errorf("%w: no 4 bit quant state for %s", ErrUnsupportedFormat, name)
}

func (q QLoRA) LoadMatrix(r Reader, name string, rows, cols int, o Orientation) (tensor.Matrix, error) {
	if !q.quantized(r, name) {
		return r.ReadMatrix(name, rows, cols)
	}
	st, err := readQLoRAState(r, name)
	if err != nil {
		return nil, err
	}

	n := rows * cols
	blocks := ceilDiv(n, st.BlockSize)
	packed, err := r.ReadBytes(name, ceilDiv(n, 2))
	if err != nil {
		return nil, err
	}
	quantMap, err := r.ReadFloats(name+".quant_map", quantMapSize)
	if err != nil {
		return nil, fmt.Errorf("qlora quant map for %s: %w", name, err)
	}
	absMax, err := q.absMax(r, name, st, blocks)
	if err != nil {
		return nil, err
	}

	blk, err := newNibbleBlocks(quantMap, absMax, st.BlockSize, packed, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if o == Horizontal {
		return &QLoRAMatrix{nibbleBlocks: blk, rows: rows, cols: cols}, nil
	}
	return &QLoRAMatrixTransposed{nibbleBlocks: blk, rows: rows, cols: cols}, nil
}

// absMax returns one float scale per block, decoding the nested level when
// the weight was double quantized.
func (QLoRA) absMax(r Reader, name string, st *qloraState, blocks int) ([]float32, error) {
	if !r.Has(name + ".nested_absmax") {
		absMax, err := r.ReadFloats(name+".absmax", blocks)
		if err != nil {
			return nil, fmt.Errorf("qlora absmax for %s: %w", name, err)
		}
		return absMax, nil
	}

	if st.NestedBlockSize <= 0 {
		return nil, fmt.Errorf("qlora quant state of %s: invalid nested_blocksize %d", name, st.NestedBlockSize)
	}
	codes, err := r.ReadBytes(name+".absmax", blocks)
	if err != nil {
		return nil, fmt.Errorf("qlora absmax for %s: %w", name, err)
	}
	nestedMap, err := r.ReadFloats(name+".nested_quant_map", 256)
	if err != nil {
		return nil, fmt.Errorf("qlora nested quant map for %s: %w", name, err)
	}
	nestedAbsMax, err := r.ReadFloats(name+".nested_absmax", ceilDiv(blocks, st.NestedBlockSize))
	if err != nil {
		return nil, fmt.Errorf("qlora nested absmax for %s: %w", name, err)
	}
	return DequantizeAbsMax(codes, nestedMap, nestedAbsMax, st.NestedBlockSize, st.NestedOffset), nil
}

// DequantizeAbsMax decodes double quantized block scales:
//
//	nested_quant_map[code[i]] * nested_absmax[i / nested_blocksize] + offset
func DequantizeAbsMax(codes []byte, nestedMap, nestedAbsMax []float32, nestedBlockSize int, offset float32) []float32 {
	out := make([]float32, len(codes))
	for i, c := range codes {
		out[i] = nestedMap[c]*nestedAbsMax[i/nestedBlockSize] + offset
	}
	return out
}

func (q QLoRA) MatrixByteSize(r Reader, name string, rows, cols int) (int64, error) {
	if !q.quantized(r, name) {
		return None{}.MatrixByteSize(r, name, rows, cols)
	}
	st, err := readQLoRAState(r, name)
	if err != nil {
		return 0, err
	}
	n := rows * cols
	// packed codes, float32 absmax per block and the quant map
	return int64(ceilDiv(n, 2)) + 4*int64(ceilDiv(n, st.BlockSize)) + 4*quantMapSize, nil
}

// nibbleBlocks is the flattened (out, in) storage shared by both views.
type nibbleBlocks struct {
	quantMap  []float32
	absMax    []float32
	blockSize int
	packed    []byte
}

func newNibbleBlocks(quantMap, absMax []float32, blockSize int, packed []byte, n int) (nibbleBlocks, error) {
	switch {
	case len(quantMap) != quantMapSize:
		return nibbleBlocks{}, fmt.Errorf("4 bit quant map has %d entries, expected %d", len(quantMap), quantMapSize)
	case blockSize <= 0:
		return nibbleBlocks{}, fmt.Errorf("invalid 4 bit block size %d", blockSize)
	case 2*len(packed) < n:
		return nibbleBlocks{}, fmt.Errorf("%d packed bytes cannot hold %d values", len(packed), n)
	case len(absMax) < ceilDiv(n, blockSize):
		return nibbleBlocks{}, fmt.Errorf("%d absmax values for %d blocks", len(absMax), ceilDiv(n, blockSize))
	}
	return nibbleBlocks{quantMap: quantMap, absMax: absMax, blockSize: blockSize, packed: packed}, nil
}

func (b *nibbleBlocks) value(idx int) float32 {
	code := b.packed[idx/2]
	if idx%2 == 0 {
		code >>= 4
	} else {
		code &= 0x0F
	}
	return b.quantMap[code] * b.absMax[idx/b.blockSize]
}

// QLoRAMatrix is a 4 bit weight in its stored (out, in) orientation.
type QLoRAMatrix struct {
	nibbleBlocks
	rows, cols int
}

// NewQLoRAMatrix wraps packed (rows, cols) codes.
func NewQLoRAMatrix(rows, cols, blockSize int, quantMap, absMax []float32, packed []byte) (*QLoRAMatrix, error) {
	blk, err := newNibbleBlocks(quantMap, absMax, blockSize, packed, rows*cols)
	if err != nil {
		return nil, err
	}
	return &QLoRAMatrix{nibbleBlocks: blk, rows: rows, cols: cols}, nil
}

func (m *QLoRAMatrix) Rows() int { return m.rows }
func (m *QLoRAMatrix) Cols() int { return m.cols }

func (m *QLoRAMatrix) Get(row, col int) float32 { return m.value(row*m.cols + col) }

func (m *QLoRAMatrix) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: 4 bit matrix", tensor.ErrReadOnly))
}

func (m *QLoRAMatrix) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.cols)
	for c := range out {
		out[c] = m.value(i*m.cols + c)
	}
	return out
}

// QLoRAMatrixTransposed reads the same packed codes as an (in, out) matrix:
// logical (row, col) is stored element (col, row).
type QLoRAMatrixTransposed struct {
	nibbleBlocks
	rows, cols int
}

// NewQLoRAMatrixTransposed wraps codes stored (cols, rows) as a (rows, cols) view.
func NewQLoRAMatrixTransposed(rows, cols, blockSize int, quantMap, absMax []float32, packed []byte) (*QLoRAMatrixTransposed, error) {
	blk, err := newNibbleBlocks(quantMap, absMax, blockSize, packed, rows*cols)
	if err != nil {
		return nil, err
	}
	return &QLoRAMatrixTransposed{nibbleBlocks: blk, rows: rows, cols: cols}, nil
}

func (m *QLoRAMatrixTransposed) Rows() int { return m.rows }
func (m *QLoRAMatrixTransposed) Cols() int { return m.cols }

func (m *QLoRAMatrixTransposed) Get(row, col int) float32 { return m.value(col*m.rows + row) }

func (m *QLoRAMatrixTransposed) Set(row, col int, v float32) {
	panic(fmt.Errorf("%w: 4 bit matrix", tensor.ErrReadOnly))
}

func (m *QLoRAMatrixTransposed) Row(i int) tensor.Vector {
	out := make(tensor.F32Vector, m.cols)
	for c := range out {
		out[c] = m.value(c*m.rows + i)
	}
	return out
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// elements is the product of a tensor's stored dimensions.
func elements(r Reader, name string) (int64, error) {
	shape, err := r.Shape(name)
	if err != nil {
		return 0, err
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n, nil
}
