package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/quant"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// ParameterReader resolves named tensors. *safetensors.Reader implements it.
type ParameterReader interface {
	quant.Reader
	ReadVector(name string, size int) (tensor.Vector, error)
}

// Mode selects whether parameters are materialized or only measured.
type Mode int

const (
	// Materialize reads every parameter into memory.
	Materialize Mode = iota
	// CalculationOnly counts parameter bytes without reading data. Layers
	// built in this mode must not be executed.
	CalculationOnly
)

// params loads named parameters for one transformer and keeps a running
// total of their resident size.
type params struct {
	cfg    *config.Config
	reader ParameterReader
	loader quant.Loader
	mode   Mode
	bytes  int64
}

func newParams(cfg *config.Config, reader ParameterReader, mode Mode) (*params, error) {
	loader, err := quant.New(cfg.Quantization)
	if err != nil {
		return nil, err
	}
	return &params{cfg: cfg, reader: reader, loader: loader, mode: mode}, nil
}

// resolve substitutes the decoder id into an architecture template and
// applies the model's naming rules.
func (p *params) resolve(template string, decoderID int) string {
	name := strings.ReplaceAll(template, "{d}", strconv.Itoa(decoderID))
	return p.cfg.FormatName(name)
}

// has reports whether an optional parameter exists. An empty template is
// never present.
func (p *params) has(template string, decoderID int) bool {
	if template == "" {
		return false
	}
	return p.reader.Has(p.resolve(template, decoderID))
}

func (p *params) vector(template string, decoderID, size int) (tensor.Vector, error) {
	name := p.resolve(template, decoderID)
	if p.mode == CalculationOnly {
		bits, err := p.reader.Bits(name)
		if err != nil {
			return nil, err
		}
		p.bytes += int64(size) * int64(bits) / 8
		return nil, nil
	}
	v, err := p.reader.ReadVector(name, size)
	if err != nil {
		return nil, err
	}
	p.bytes += int64(size) * int64(v.Type().Bits()) / 8
	return v, nil
}

// optionalVector returns nil when the parameter does not exist.
func (p *params) optionalVector(template string, decoderID, size int) (tensor.Vector, error) {
	if !p.has(template, decoderID) {
		return nil, nil
	}
	return p.vector(template, decoderID, size)
}

func (p *params) matrix(template string, decoderID, rows, cols int, o quant.Orientation) (tensor.Matrix, error) {
	name := p.resolve(template, decoderID)
	size, err := p.loader.MatrixByteSize(p.reader, name, rows, cols)
	if err != nil {
		return nil, err
	}
	p.bytes += size
	if p.mode == CalculationOnly {
		return nil, nil
	}
	m, err := p.loader.LoadMatrix(p.reader, name, rows, cols, o)
	if err != nil {
		return nil, err
	}
	if m.Rows() != rows || m.Cols() != cols {
		return nil, fmt.Errorf("%s: loaded %dx%d, expected %dx%d", name, m.Rows(), m.Cols(), rows, cols)
	}
	return m, nil
}

// weight loads a projection whose logical shape is (in, out) and reports the
// storage orientation it was loaded in.
func (p *params) weight(template string, decoderID, in, out int, o quant.Orientation) (tensor.Matrix, error) {
	if o == quant.Horizontal {
		return p.matrix(template, decoderID, out, in, o)
	}
	return p.matrix(template, decoderID, in, out, o)
}
