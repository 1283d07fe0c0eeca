// Package engine executes decoder-only transformers on the CPU, one token at
// a time. A Transformer may hold only part of a model: the head and tail
// (embeddings, final norm, logits) are loaded by Init and decoder blocks are
// added one by one, which lets a model be split across workers.
package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/quant"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// BlockType distinguishes the two halves of a decoder.
type BlockType string

const (
	AttentionBlock BlockType = "ATTENTION_LAYER"
	NeuralNetBlock BlockType = "NEURAL_NET_LAYER"
)

func (b BlockType) Valid() bool {
	return b == AttentionBlock || b == NeuralNetBlock
}

// order sorts attention before feed-forward within a decoder.
func (b BlockType) order() int {
	if b == AttentionBlock {
		return 0
	}
	return 1
}

type block struct {
	typ       BlockType
	decoderID int
	attention *AttentionLayer
	ff        *FeedForwardLayer
}

type Transformer struct {
	cfg      *config.Config
	arch     Architecture
	position PositionKind
	params   *params
	sampler  *Sampler

	initialized bool
	tokenEmb    tensor.Matrix
	posEmb      tensor.Matrix
	embNormW    tensor.Vector
	embNormB    tensor.Vector
	finalNormW  tensor.Vector
	finalNormB  tensor.Vector
	output      tensor.Matrix
	outputB     tensor.Vector

	blocks []block
}

// NewTransformer prepares a transformer without loading anything. In
// CalculationOnly mode Init and AddDecoder only account parameter sizes.
func NewTransformer(cfg *config.Config, reader ParameterReader, mode Mode) (*Transformer, error) {
	arch, err := LookupArchitecture(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	position := arch.Policy.Position
	if cfg.PositionEmbedding != "" {
		if position, err = ParsePositionKind(cfg.PositionEmbedding); err != nil {
			return nil, err
		}
	}
	p, err := newParams(cfg, reader, mode)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		cfg:      cfg,
		arch:     arch,
		position: position,
		params:   p,
		sampler:  NewSampler(0),
	}, nil
}

func (t *Transformer) Config() *config.Config { return t.cfg }

func (t *Transformer) Architecture() Architecture { return t.arch }

// SetSeed makes sampling reproducible.
func (t *Transformer) SetSeed(seed uint64) { t.sampler = NewSampler(seed) }

// ParameterBytes is the resident size of every parameter loaded so far.
func (t *Transformer) ParameterBytes() int64 { return t.params.bytes }

// HasHead reports whether Init has loaded the head and tail parameters.
func (t *Transformer) HasHead() bool { return t.initialized }

// Init loads the head (embeddings) and tail (final norm, output embedding).
func (t *Transformer) Init() error {
	if t.initialized {
		return nil
	}
	cfg, n, pol, p := t.cfg, t.arch.Names, t.arch.Policy, t.params
	var err error

	if t.tokenEmb, err = p.matrix(n.TokenEmbedding, 0, cfg.TokenCount, cfg.HiddenSize, quant.Horizontal); err != nil {
		return fmt.Errorf("token embedding: %w", err)
	}
	if t.position == LearnedPosition {
		name := p.resolve(n.PositionEmbedding, 0)
		shape, err := p.reader.Shape(name)
		if err != nil {
			return fmt.Errorf("position embedding: %w", err)
		}
		if len(shape) != 2 {
			return fmt.Errorf("position embedding %s: expected 2 dimensions, got %v", name, shape)
		}
		if t.posEmb, err = p.matrix(n.PositionEmbedding, 0, int(shape[0]), cfg.HiddenSize, quant.Horizontal); err != nil {
			return fmt.Errorf("position embedding: %w", err)
		}
	}
	if pol.EmbeddingNorm {
		if t.embNormW, err = p.vector(n.EmbeddingNormW, 0, cfg.HiddenSize); err != nil {
			return err
		}
		if t.embNormB, err = p.optionalVector(n.EmbeddingNormB, 0, cfg.HiddenSize); err != nil {
			return err
		}
	}
	if pol.FinalNorm {
		if t.finalNormW, err = p.vector(n.FinalNormW, 0, cfg.HiddenSize); err != nil {
			return err
		}
		if t.finalNormB, err = p.optionalVector(n.FinalNormB, 0, cfg.HiddenSize); err != nil {
			return err
		}
	}
	t.output = t.tokenEmb
	if p.has(n.OutputEmbedding, 0) {
		if t.output, err = p.matrix(n.OutputEmbedding, 0, cfg.TokenCount, cfg.HiddenSize, quant.Horizontal); err != nil {
			return fmt.Errorf("output embedding: %w", err)
		}
		if t.outputB, err = p.optionalVector(n.OutputBias, 0, cfg.TokenCount); err != nil {
			return fmt.Errorf("output bias: %w", err)
		}
	}
	t.initialized = true
	return nil
}

// AddDecoder loads one block of a decoder. Blocks run in decoder order,
// attention before feed-forward, regardless of the order they are added.
func (t *Transformer) AddDecoder(decoderID int, typ BlockType) error {
	if decoderID < 0 || decoderID >= t.cfg.DecoderCount {
		return fmt.Errorf("invalid decoder id: %d (model has %d decoders)", decoderID, t.cfg.DecoderCount)
	}
	b := block{typ: typ, decoderID: decoderID}
	var err error
	switch typ {
	case AttentionBlock:
		b.attention, err = newAttentionLayer(t.cfg, t.arch, t.position, t.params, decoderID)
	case NeuralNetBlock:
		b.ff, err = newFeedForwardLayer(t.cfg, t.arch, t.params, decoderID)
	default:
		return fmt.Errorf("unknown block type: %q", typ)
	}
	if err != nil {
		return fmt.Errorf("decoder %d %s: %w", decoderID, typ, err)
	}
	t.blocks = append(t.blocks, b)
	sort.SliceStable(t.blocks, func(i, j int) bool {
		if t.blocks[i].decoderID != t.blocks[j].decoderID {
			return t.blocks[i].decoderID < t.blocks[j].decoderID
		}
		return t.blocks[i].typ.order() < t.blocks[j].typ.order()
	})
	return nil
}

// BlockCount is the number of loaded decoder blocks.
func (t *Transformer) BlockCount() int { return len(t.blocks) }

// InputWidth is the size of the hidden state the first loaded block takes.
// It is the hidden size except where a parallel residual decoder is split
// between its attention and feed-forward blocks.
func (t *Transformer) InputWidth() int {
	if len(t.blocks) == 0 {
		return t.cfg.HiddenSize
	}
	return t.arch.Policy.blockWidth(t.blocks[0].typ, t.cfg.HiddenSize)
}

// PreProcessToken embeds a token at a position.
func (t *Transformer) PreProcessToken(pos, token int) (tensor.Vector, error) {
	if !t.initialized {
		return nil, fmt.Errorf("transformer head is not loaded")
	}
	if token < 0 || token >= t.cfg.TokenCount {
		return nil, fmt.Errorf("invalid token: %d (vocabulary has %d tokens)", token, t.cfg.TokenCount)
	}
	pol := t.arch.Policy

	h := tensor.Clone(t.tokenEmb.Row(token))
	if pol.ScaleEmbedding {
		h = tensor.Scale(h, float32(math.Sqrt(float64(t.cfg.HiddenSize))))
	}
	switch t.position {
	case LearnedPosition:
		row := pos + pol.PositionOffset
		if row < 0 || row >= t.posEmb.Rows() {
			return nil, fmt.Errorf("invalid position: %d (context holds %d)", pos, t.posEmb.Rows()-pol.PositionOffset)
		}
		tensor.AddInPlace(h, t.posEmb.Row(row))
	case Sinusoidal:
		tensor.AddInPlace(h, sinusoid(pos, t.cfg.HiddenSize))
	}
	if pol.EmbeddingNorm {
		h = tensor.LayerNorm(h, t.embNormW, t.embNormB, t.cfg.Epsilon)
	}
	return h, nil
}

// ProcessBlocks runs h through every loaded block. It returns (nil, false)
// when the last decoder's attention consumed a prefill token.
func (t *Transformer) ProcessBlocks(h tensor.Vector, prefillOnly bool) (tensor.Vector, bool) {
	for _, b := range t.blocks {
		if b.attention != nil {
			var ok bool
			if h, ok = b.attention.Process(h, prefillOnly); !ok {
				return nil, false
			}
			continue
		}
		h = b.ff.Process(h)
	}
	return h, true
}

// Logits applies the final norm and scores h against every output row.
func (t *Transformer) Logits(h tensor.Vector) ([]float32, error) {
	if !t.initialized {
		return nil, fmt.Errorf("transformer tail is not loaded")
	}
	if h.Len() != t.cfg.HiddenSize {
		return nil, fmt.Errorf("invalid hidden state: %d values, expected %d", h.Len(), t.cfg.HiddenSize)
	}
	if t.arch.Policy.FinalNorm {
		h = t.arch.Policy.normalize(h, t.finalNormW, t.finalNormB, t.cfg.Epsilon)
	}
	return withBias(tensor.MulVecTransposed(h, t.output), t.outputB), nil
}

// GenerateToken selects the next token from the top-k logits.
func (t *Transformer) GenerateToken(h tensor.Vector, topK int) (int, error) {
	logits, err := t.Logits(h)
	if err != nil {
		return -1, err
	}
	return t.sampler.Sample(logits, topK)
}

// Clear drops the KV cache of every attention layer.
func (t *Transformer) Clear() {
	for _, b := range t.blocks {
		if b.attention != nil {
			b.attention.Cache().Clear()
		}
	}
}

// CacheLen is the number of entries in the first attention layer's cache,
// or 0 when none is loaded.
func (t *Transformer) CacheLen() int {
	for _, b := range t.blocks {
		if b.attention != nil {
			return b.attention.Cache().Len()
		}
	}
	return 0
}
