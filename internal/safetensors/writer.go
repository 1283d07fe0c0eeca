package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// Tensor is one entry to be written.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// Float32Tensor encodes values as F32.
func Float32Tensor(name string, shape []int64, values []float32) Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Tensor{Name: name, DType: F32, Shape: shape, Data: data}
}

// Float16Tensor encodes values as F16.
func Float16Tensor(name string, shape []int64, values []float32) Tensor {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return Tensor{Name: name, DType: F16, Shape: shape, Data: data}
}

// BFloat16Tensor encodes values as BF16.
func BFloat16Tensor(name string, shape []int64, values []float32) Tensor {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], tensor.Float32ToBF16(v))
	}
	return Tensor{Name: name, DType: BF16, Shape: shape, Data: data}
}

// Int8Tensor encodes rows of codes as I8.
func Int8Tensor(name string, codes [][]int8) Tensor {
	var data []byte
	cols := 0
	for _, row := range codes {
		cols = len(row)
		for _, c := range row {
			data = append(data, byte(c))
		}
	}
	return Tensor{Name: name, DType: I8, Shape: []int64{int64(len(codes)), int64(cols)}, Data: data}
}

// Uint8Tensor stores raw bytes as U8.
func Uint8Tensor(name string, shape []int64, data []byte) Tensor {
	return Tensor{Name: name, DType: U8, Shape: shape, Data: data}
}

// Int32Tensor encodes values as I32.
func Int32Tensor(name string, shape []int64, values []int32) Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return Tensor{Name: name, DType: I32, Shape: shape, Data: data}
}

// Write serializes the tensors in the given order.
func Write(w io.Writer, tensors []Tensor) error {
	header := make(map[string]metadata, len(tensors))
	var offset int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor name '%s'", t.Name)
		}
		bits, err := t.DType.Bits()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		ti := TensorInfo{Shape: t.Shape}
		if want := ti.Elements() * int64(bits) / 8; want != int64(len(t.Data)) {
			return fmt.Errorf("%w: %s has %d bytes for shape %v", ErrShapeMismatch, t.Name, len(t.Data), t.Shape)
		}
		header[t.Name] = metadata{Type: t.DType, Shape: t.Shape, Offsets: [2]int64{offset, offset + int64(len(t.Data))}}
		offset += int64(len(t.Data))
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header to 8 bytes as the reference writer does
	if pad := len(raw) % 8; pad != 0 {
		raw = append(raw, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile is Write into a new file at path.
func WriteFile(path string, tensors []Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tensors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
