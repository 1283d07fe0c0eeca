// Package quant materializes weight matrices from a parameter reader,
// either directly in the file's float precision or through a dequantizing
// view over quantized codes.
package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var ErrUnsupportedFormat = errors.New("unsupported quantization format")

// Reader is the subset of the parameter reader the loaders need.
type Reader interface {
	Has(name string) bool
	Bits(name string) (int, error)
	Shape(name string) ([]int64, error)
	ReadMatrix(name string, rows, cols int) (tensor.Matrix, error)
	ReadFloats(name string, n int) ([]float32, error)
	ReadInt8Matrix(name string, rows, cols int) ([][]int8, error)
	ReadBytes(name string, n int) ([]byte, error)
	ReadInt32s(name string, n int) ([]int32, error)
}

// Orientation is the layout a consuming layer expects for a weight.
type Orientation int

const (
	// Vertical weights are (in, out) and multiplied with tensor.MulVec.
	Vertical Orientation = iota
	// Horizontal weights are (out, in) and multiplied with tensor.MulVecTransposed.
	Horizontal
)

func (o Orientation) String() string {
	if o == Horizontal {
		return "horizontal"
	}
	return "vertical"
}

type Method string

const (
	MethodNone    Method = "none"
	MethodLLMInt8 Method = "llm_int8"
	MethodQLoRA   Method = "qlora"
	MethodGPTQ    Method = "gptq"
)

// Loader turns a named parameter into a Matrix of the requested logical shape.
type Loader interface {
	Method() Method
	LoadMatrix(r Reader, name string, rows, cols int, o Orientation) (tensor.Matrix, error)
	// MatrixByteSize is the resident size of the loaded matrix, used for
	// capacity planning without materializing it.
	MatrixByteSize(r Reader, name string, rows, cols int) (int64, error)
}

// New returns the loader for a quantization method name. An empty name
// means no quantization.
func New(method string) (Loader, error) {
	switch Method(strings.ToLower(strings.TrimSpace(method))) {
	case "", MethodNone:
		return None{}, nil
	case MethodLLMInt8, "bitsandbytes_8bit", "int8":
		return LLMInt8{}, nil
	case MethodQLoRA, "bitsandbytes_4bit", "nf4", "fp4":
		return QLoRA{}, nil
	case MethodGPTQ:
		return GPTQ{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, method)
	}
}

// None reads floats in their stored precision and wraps them directly.
type None struct{}

func (None) Method() Method { return MethodNone }

func (None) LoadMatrix(r Reader, name string, rows, cols int, _ Orientation) (tensor.Matrix, error) {
	return r.ReadMatrix(name, rows, cols)
}

func (None) MatrixByteSize(r Reader, name string, rows, cols int) (int64, error) {
	bits, err := r.Bits(name)
	if err != nil {
		return 0, err
	}
	return int64(rows) * int64(cols) * int64(bits) / 8, nil
}

// LLMInt8 reads bitsandbytes LLM.int8 weights: int8 codes stored (out, in)
// under the weight's own name and per output feature scales stored as
// "<prefix>.SCB". Weights that are not int8 on disk (embeddings, norms) are
// read as plain floats.
type LLMInt8 struct{}

func (LLMInt8) Method() Method { return MethodLLMInt8 }

// ScaleName derives the SCB tensor name: the last dotted component of the
// weight name is replaced by "SCB".
func ScaleName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i] + ".SCB"
	}
	return name + ".SCB"
}

func (q LLMInt8) quantized(r Reader, name string) (bool, error) {
	bits, err := r.Bits(name)
	if err != nil {
		return false, err
	}
	return bits == 8, nil
}

func (q LLMInt8) LoadMatrix(r Reader, name string, rows, cols int, o Orientation) (tensor.Matrix, error) {
	isQuantized, err := q.quantized(r, name)
	if err != nil {
		return nil, err
	}
	if !isQuantized {
		return r.ReadMatrix(name, rows, cols)
	}

	out, in := rows, cols
	if o == Vertical {
		out, in = cols, rows
	}

	scale, err := r.ReadFloats(ScaleName(name), out)
	if err != nil {
		return nil, fmt.Errorf("llm.int8 scale for %s: %w", name, err)
	}
	stored, err := r.ReadInt8Matrix(name, out, in)
	if err != nil {
		return nil, err
	}

	if o == Horizontal {
		return NewInt8MatrixTransposed(scale, stored)
	}
	// vertical consumers want (in, out) with one scale per column
	return NewInt8Matrix(scale, TransposeCodes(stored))
}

func (q LLMInt8) MatrixByteSize(r Reader, name string, rows, cols int) (int64, error) {
	isQuantized, err := q.quantized(r, name)
	if err != nil {
		return 0, err
	}
	if !isQuantized {
		return None{}.MatrixByteSize(r, name, rows, cols)
	}
	shape, err := r.Shape(name)
	if err != nil {
		return 0, err
	}
	var out int64 = 1
	if len(shape) > 0 {
		out = shape[0]
	}
	// one byte per code plus a float32 scale per output feature
	return int64(rows)*int64(cols) + 4*out, nil
}
