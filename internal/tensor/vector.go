package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// FloatType is the storage precision of a Vector or dense Matrix.
// Values are always exchanged as float32; conversion happens on Get/Set.
type FloatType int

const (
	Float32 FloatType = iota
	Float16
	BFloat16
)

// ErrReadOnly is raised when writing into a view that has no backing store,
// such as a quantized matrix.
var ErrReadOnly = errors.New("tensor: read-only")

func (t FloatType) String() string {
	switch t {
	case Float32:
		return "F32"
	case Float16:
		return "F16"
	case BFloat16:
		return "BF16"
	default:
		return fmt.Sprintf("FloatType(%d)", int(t))
	}
}

// Bits is the storage width of one element.
func (t FloatType) Bits() int {
	if t == Float32 {
		return 32
	}
	return 16
}

// ParseFloatType accepts the safetensors dtype spelling (F32, F16, BF16)
// and a few common aliases.
func ParseFloatType(s string) (FloatType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "F32", "FLOAT32", "FLOAT":
		return Float32, nil
	case "F16", "FLOAT16", "HALF":
		return Float16, nil
	case "BF16", "BFLOAT16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unsupported float type: %q", s)
	}
}

// Vector is a dense one-dimensional container.
type Vector interface {
	Type() FloatType
	Len() int
	Get(i int) float32
	Set(i int, v float32)
	// Slice returns a view sharing storage with the receiver.
	Slice(start, end int) Vector
	// Float32s returns the values as float32. For Float32 storage this is
	// the backing slice itself.
	Float32s() []float32
}

// NewVector allocates a zeroed vector.
func NewVector(t FloatType, n int) Vector {
	switch t {
	case Float16:
		return F16Vector(make([]float16.Float16, n))
	case BFloat16:
		return BF16Vector(make([]uint16, n))
	default:
		return F32Vector(make([]float32, n))
	}
}

// VectorOf copies values into a vector of the given precision.
func VectorOf(t FloatType, values []float32) Vector {
	v := NewVector(t, len(values))
	for i, x := range values {
		v.Set(i, x)
	}
	return v
}

// Convert returns v stored in precision t. If v already has that type it is
// returned unchanged.
func Convert(v Vector, t FloatType) Vector {
	if v.Type() == t {
		return v
	}
	out := NewVector(t, v.Len())
	for i := 0; i < v.Len(); i++ {
		out.Set(i, v.Get(i))
	}
	return out
}

// Clone returns a float32 copy of v.
func Clone(v Vector) F32Vector {
	out := make([]float32, v.Len())
	if f, ok := v.(F32Vector); ok {
		copy(out, f)
		return out
	}
	for i := range out {
		out[i] = v.Get(i)
	}
	return out
}

// F32Vector stores float32 values directly.
type F32Vector []float32

func (v F32Vector) Type() FloatType             { return Float32 }
func (v F32Vector) Len() int                    { return len(v) }
func (v F32Vector) Get(i int) float32           { return v[i] }
func (v F32Vector) Set(i int, x float32)        { v[i] = x }
func (v F32Vector) Slice(start, end int) Vector { return v[start:end] }
func (v F32Vector) Float32s() []float32         { return v }

// F16Vector stores IEEE 754 half precision values.
type F16Vector []float16.Float16

func (v F16Vector) Type() FloatType             { return Float16 }
func (v F16Vector) Len() int                    { return len(v) }
func (v F16Vector) Get(i int) float32           { return v[i].Float32() }
func (v F16Vector) Set(i int, x float32)        { v[i] = float16.Fromfloat32(x) }
func (v F16Vector) Slice(start, end int) Vector { return v[start:end] }

func (v F16Vector) Float32s() []float32 {
	out := make([]float32, len(v))
	for i, h := range v {
		out[i] = h.Float32()
	}
	return out
}

// BF16Vector stores brain floating point values: the upper half of a float32.
type BF16Vector []uint16

func (v BF16Vector) Type() FloatType             { return BFloat16 }
func (v BF16Vector) Len() int                    { return len(v) }
func (v BF16Vector) Get(i int) float32           { return BF16ToFloat32(v[i]) }
func (v BF16Vector) Set(i int, x float32)        { v[i] = Float32ToBF16(x) }
func (v BF16Vector) Slice(start, end int) Vector { return v[start:end] }

func (v BF16Vector) Float32s() []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = BF16ToFloat32(b)
	}
	return out
}

// BF16ToFloat32 widens a bfloat16 bit pattern.
func BF16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Float32ToBF16 narrows with round-to-nearest-even. NaN stays NaN.
func Float32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}
