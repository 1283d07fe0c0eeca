// Package safetensors reads and writes the safetensors parameter file format:
// an 8 byte little-endian header length, a JSON header describing every
// tensor (dtype, shape, byte offsets), then the raw tensor data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var (
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
	ErrInvalidHeader    = errors.New("invalid safetensors header")
)

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I8   DType = "I8"
	U8   DType = "U8"
	I32  DType = "I32"
)

// Bits is the width of one element.
func (d DType) Bits() (int, error) {
	switch d {
	case F32, I32:
		return 32, nil
	case F16, BF16:
		return 16, nil
	case I8, U8:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, d)
	}
}

type metadata struct {
	Type    DType    `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// TensorInfo describes one tensor inside a file.
type TensorInfo struct {
	Name  string
	DType DType
	Shape []int64
	// absolute byte range inside the file
	start, end int64
	file       *File
}

// Elements is the product of the shape dimensions.
func (ti TensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// File is one open .safetensors file.
type File struct {
	path    string
	f       *os.File
	tensors map[string]*TensorInfo
}

// Open parses the header of a single file. Data is read lazily.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}
	if n <= 0 || n > maxHeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s: header length %d", ErrInvalidHeader, path, n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(f, raw); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}

	var headers map[string]json.RawMessage
	if err := json.Unmarshal(raw, &headers); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}

	file := &File{path: path, f: f, tensors: make(map[string]*TensorInfo, len(headers))}
	for name, msg := range headers {
		if name == "__metadata__" {
			continue
		}
		var md metadata
		if err := json.Unmarshal(msg, &md); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrInvalidHeader, path, name, err)
		}
		file.tensors[name] = &TensorInfo{
			Name:  name,
			DType: md.Type,
			Shape: md.Shape,
			start: 8 + n + md.Offsets[0],
			end:   8 + n + md.Offsets[1],
			file:  file,
		}
	}
	return file, nil
}

func (f *File) Close() error { return f.f.Close() }

// Names lists the tensors in the file, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reader resolves tensor names across every .safetensors file of a model
// directory (sharded checkpoints).
type Reader struct {
	files []*File
	index map[string]*TensorInfo
}

// OpenDir opens every *.safetensors file in dir.
func OpenDir(dir string) (*Reader, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files in %s", dir)
	}
	slices.Sort(paths)
	return OpenFiles(paths...)
}

// OpenFiles opens the given files as one logical parameter set.
func OpenFiles(paths ...string) (*Reader, error) {
	r := &Reader{index: make(map[string]*TensorInfo)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.files = append(r.files, f)
		for name, ti := range f.tensors {
			if _, dup := r.index[name]; dup {
				r.Close()
				return nil, fmt.Errorf("duplicate tensor name '%s' in %s", name, p)
			}
			r.index[name] = ti
		}
	}
	return r, nil
}

func (r *Reader) Close() error {
	var errs []error
	for _, f := range r.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// Has reports whether a tensor exists.
func (r *Reader) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Info returns the header entry of a tensor.
func (r *Reader) Info(name string) (TensorInfo, error) {
	ti, ok := r.index[name]
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return *ti, nil
}

// Shape returns the stored dimensions of a tensor.
func (r *Reader) Shape(name string) ([]int64, error) {
	ti, err := r.Info(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(ti.Shape), nil
}

// Bits is the storage width of one element of the tensor.
func (r *Reader) Bits(name string) (int, error) {
	ti, err := r.Info(name)
	if err != nil {
		return 0, err
	}
	return ti.DType.Bits()
}

func (r *Reader) read(name string, elements int) (*TensorInfo, []byte, error) {
	ti, ok := r.index[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if got := ti.Elements(); got != int64(elements) {
		return nil, nil, fmt.Errorf("%w: %s has %d elements (shape %v), expected %d", ErrShapeMismatch, name, got, ti.Shape, elements)
	}
	bits, err := ti.DType.Bits()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	if want := int64(elements) * int64(bits) / 8; ti.end-ti.start != want {
		return nil, nil, fmt.Errorf("%w: %s occupies %d bytes, expected %d", ErrInvalidHeader, name, ti.end-ti.start, want)
	}
	buf := make([]byte, ti.end-ti.start)
	if _, err := ti.file.f.ReadAt(buf, ti.start); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", name, err)
	}
	return ti, buf, nil
}

// ReadVector returns the tensor in its native float precision.
func (r *Reader) ReadVector(name string, size int) (tensor.Vector, error) {
	ti, buf, err := r.read(name, size)
	if err != nil {
		return nil, err
	}
	switch ti.DType {
	case F32:
		out := make(tensor.F32Vector, size)
		for i := range out {
			out[i] = float32frombytes(buf[4*i:])
		}
		return out, nil
	case F16:
		out := make(tensor.F16Vector, size)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:]))
		}
		return out, nil
	case BF16:
		out := make(tensor.BF16Vector, size)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(buf[2*i:])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, expected a float type", ErrUnsupportedDType, name, ti.DType)
	}
}

// ReadMatrix returns a dense rows x cols matrix in native precision.
func (r *Reader) ReadMatrix(name string, rows, cols int) (tensor.Matrix, error) {
	v, err := r.ReadVector(name, rows*cols)
	if err != nil {
		return nil, err
	}
	return tensor.DenseOf(rows, cols, v)
}

// ReadFloats decodes any float tensor into float32.
func (r *Reader) ReadFloats(name string, n int) ([]float32, error) {
	ti, buf, err := r.read(name, n)
	if err != nil {
		return nil, err
	}
	switch ti.DType {
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32frombytes(buf[4*i:])
		}
		return out, nil
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(buf), nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, expected a float type", ErrUnsupportedDType, name, ti.DType)
	}
}

// ReadInt8Matrix returns an I8 (or U8 reinterpreted) tensor as rows of codes.
func (r *Reader) ReadInt8Matrix(name string, rows, cols int) ([][]int8, error) {
	ti, buf, err := r.read(name, rows*cols)
	if err != nil {
		return nil, err
	}
	if ti.DType != I8 && ti.DType != U8 {
		return nil, fmt.Errorf("%w: %s is %s, expected I8", ErrUnsupportedDType, name, ti.DType)
	}
	out := make([][]int8, rows)
	for row := range out {
		codes := make([]int8, cols)
		for col := range codes {
			codes[col] = int8(buf[row*cols+col])
		}
		out[row] = codes
	}
	return out, nil
}

// ReadBytes returns the raw payload of an 8 bit tensor of n elements. Packed
// 4 bit weights and serialized quantization state are stored this way.
func (r *Reader) ReadBytes(name string, n int) ([]byte, error) {
	ti, buf, err := r.read(name, n)
	if err != nil {
		return nil, err
	}
	if ti.DType != U8 && ti.DType != I8 {
		return nil, fmt.Errorf("%w: %s is %s, expected U8", ErrUnsupportedDType, name, ti.DType)
	}
	return buf, nil
}

// ReadInt32s returns an I32 tensor of n elements in row-major order.
func (r *Reader) ReadInt32s(name string, n int) ([]int32, error) {
	ti, buf, err := r.read(name, n)
	if err != nil {
		return nil, err
	}
	if ti.DType != I32 {
		return nil, fmt.Errorf("%w: %s is %s, expected I32", ErrUnsupportedDType, name, ti.DType)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
