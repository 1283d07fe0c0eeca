// Package testmodel writes small random models in the on-disk layout the
// mesh loads: config.json, model.safetensors and tokenizer.json.
package testmodel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/quant"
	"github.com/23skdu/longbow-mesh/internal/safetensors"
	"github.com/23skdu/longbow-mesh/internal/tensor"
	"github.com/23skdu/longbow-mesh/internal/tokenizer"
)

// EndOfText is the content of the end-of-text token, always the last id.
const EndOfText = "<|endoftext|>"

type Options struct {
	Architecture string
	Hidden       int
	Heads        int
	KVHeads      int
	Decoders     int
	FeedForward  int
	Vocab        int
	Context      int
	// SlidingWindow is written as Mistral's sliding_window.
	SlidingWindow int
	// RotaryDim is written as GPT-J's rotary_dim.
	RotaryDim int
	Seed      uint64
	// DType is the float type of stored parameters: F32 (default), F16 or BF16.
	DType string
	// Quantize stores projection weights as LLM.int8 codes.
	Quantize bool
	// Untied writes a separate output embedding when the architecture names one.
	Untied bool
	// Override is written to mesh.json when set.
	Override *config.Override
}

func (o Options) withDefaults() Options {
	if o.Architecture == "" {
		o.Architecture = "GPT2"
	}
	if o.Hidden == 0 {
		o.Hidden = 16
	}
	if o.Heads == 0 {
		o.Heads = 4
	}
	if o.KVHeads == 0 {
		o.KVHeads = o.Heads
	}
	if o.Decoders == 0 {
		o.Decoders = 2
	}
	if o.FeedForward == 0 {
		o.FeedForward = 4 * o.Hidden
	}
	if o.Vocab == 0 {
		o.Vocab = 48
	}
	if o.Context == 0 {
		o.Context = 32
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.DType == "" {
		o.DType = "F32"
	}
	return o
}

var modelTypes = map[string]string{
	"ORIGINAL_TRANSFORMER": "original_transformer",
	"GPT1":                 "openai-gpt",
	"GPT2":                 "gpt2",
	"GPTNEO":               "gpt_neo",
	"GPTJ":                 "gptj",
	"OPT":                  "opt",
	"BLOOM":                "bloom",
	"LLAMA":                "llama",
	"MISTRAL":              "mistral",
	"GEMMA":                "gemma",
}

// Write creates the model files in dir and returns the loaded config. The
// model id is the base name of dir.
func Write(dir string, opts Options) (*config.Config, error) {
	opts = opts.withDefaults()
	arch, err := engine.LookupArchitecture(opts.Architecture)
	if err != nil {
		return nil, err
	}
	if opts.Vocab < 32 {
		return nil, fmt.Errorf("vocabulary of %d is too small, need at least 32", opts.Vocab)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if err := writeConfig(dir, arch, opts); err != nil {
		return nil, err
	}
	if opts.Override != nil {
		raw, err := json.MarshalIndent(opts.Override, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, config.OverrideFile), raw, 0o644); err != nil {
			return nil, err
		}
	}
	if err := writeTokenizer(dir, opts.Vocab); err != nil {
		return nil, err
	}

	g := &generator{
		opts: opts,
		arch: arch,
		dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(opts.Seed)},
	}
	tensors, err := g.build()
	if err != nil {
		return nil, err
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), tensors); err != nil {
		return nil, err
	}
	return config.LoadModelConfig(dir)
}

func writeConfig(dir string, arch engine.Architecture, opts Options) error {
	hf := map[string]any{
		"model_type":              modelTypes[arch.Name],
		"hidden_size":             opts.Hidden,
		"intermediate_size":       opts.FeedForward,
		"num_hidden_layers":       opts.Decoders,
		"num_attention_heads":     opts.Heads,
		"num_key_value_heads":     opts.KVHeads,
		"max_position_embeddings": opts.Context,
		"vocab_size":              opts.Vocab,
		"eos_token_id":            opts.Vocab - 1,
		"tie_word_embeddings":     !opts.Untied,
	}
	if opts.SlidingWindow > 0 {
		hf["sliding_window"] = opts.SlidingWindow
	}
	if opts.RotaryDim > 0 {
		hf["rotary_dim"] = opts.RotaryDim
	}
	if opts.Quantize {
		hf["quantization_config"] = map[string]any{"load_in_8bit": true, "quant_method": "bitsandbytes"}
	}
	raw, err := json.MarshalIndent(hf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, config.ConfigFile), raw, 0o644)
}

// tokenOrder puts letters and space first so small vocabularies can still
// spell words.
const tokenOrder = " abcdefghijklmnopqrstuvwxyz.,!?'0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// writeTokenizer writes a byte-level vocabulary of size-1 single bytes
// followed by the end-of-text token.
func writeTokenizer(dir string, size int) error {
	vocab := make(map[string]int, size)
	var order []byte
	seen := make(map[byte]bool)
	for i := 0; i < len(tokenOrder); i++ {
		order = append(order, tokenOrder[i])
		seen[tokenOrder[i]] = true
	}
	for b := 0; b < 256; b++ {
		if !seen[byte(b)] {
			order = append(order, byte(b))
		}
	}
	for i := 0; i < size-1 && i < len(order); i++ {
		vocab[string(tokenizer.ByteToRune(order[i]))] = i
	}

	doc := map[string]any{
		"version": "1.0",
		"added_tokens": []map[string]any{
			{"id": size - 1, "content": EndOfText, "special": true},
		},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []string{},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tokenizer.File), raw, 0o644)
}

type generator struct {
	opts Options
	arch engine.Architecture
	dist distuv.Normal
	out  []safetensors.Tensor
}

func (g *generator) random(n int, sigma, mean float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(mean + sigma*g.dist.Rand())
	}
	return out
}

func (g *generator) floats(name string, shape []int64, values []float32) safetensors.Tensor {
	switch strings.ToUpper(g.opts.DType) {
	case "F16":
		return safetensors.Float16Tensor(name, shape, values)
	case "BF16":
		return safetensors.BFloat16Tensor(name, shape, values)
	default:
		return safetensors.Float32Tensor(name, shape, values)
	}
}

func (g *generator) name(template string, decoderID int) string {
	return strings.ReplaceAll(template, "{d}", strconv.Itoa(decoderID))
}

func (g *generator) vector(template string, decoderID, size int, mean float64) {
	if template == "" {
		return
	}
	name := g.name(template, decoderID)
	g.out = append(g.out, g.floats(name, []int64{int64(size)}, g.random(size, 0.1, mean)))
}

// embedding writes a (rows, cols) table, never quantized.
func (g *generator) embedding(template string, rows, cols int) {
	if template == "" {
		return
	}
	g.out = append(g.out, g.floats(template, []int64{int64(rows), int64(cols)}, g.random(rows*cols, 0.5, 0)))
}

// weight writes a projection of logical shape (in, out) in the layout the
// architecture stores it in.
func (g *generator) weight(template string, decoderID, in, out int) {
	name := g.name(template, decoderID)
	sigma := 1 / float64(in)
	values := g.random(in*out, sigma, 0)

	if g.opts.Quantize {
		// codes are always (out, in) on disk
		m, _ := tensor.DenseOf(out, in, tensor.F32Vector(values))
		scale, codes := quant.QuantizeInt8(m)
		g.out = append(g.out,
			safetensors.Int8Tensor(name, codes),
			safetensors.Float32Tensor(quant.ScaleName(name), []int64{int64(out)}, scale),
		)
		return
	}
	shape := []int64{int64(out), int64(in)}
	if g.arch.Policy.Orientation == quant.Vertical {
		shape = []int64{int64(in), int64(out)}
	}
	g.out = append(g.out, g.floats(name, shape, values))
}

func (g *generator) build() ([]safetensors.Tensor, error) {
	o, pol, n := g.opts, g.arch.Policy, g.arch.Names
	headSize := o.Hidden / o.Heads
	qSize, kvSize := o.Heads*headSize, o.KVHeads*headSize
	normMean := 1.0
	if pol.NormWeightOffset != 0 {
		normMean = 0
	}

	g.embedding(n.TokenEmbedding, o.Vocab, o.Hidden)
	if pol.Position == engine.LearnedPosition {
		g.embedding(n.PositionEmbedding, o.Context+pol.PositionOffset, o.Hidden)
	}
	if pol.EmbeddingNorm {
		g.vector(n.EmbeddingNormW, 0, o.Hidden, normMean)
		g.vector(n.EmbeddingNormB, 0, o.Hidden, 0)
	}
	if pol.FinalNorm {
		g.vector(n.FinalNormW, 0, o.Hidden, normMean)
		g.vector(n.FinalNormB, 0, o.Hidden, 0)
	}
	if o.Untied {
		g.embedding(n.OutputEmbedding, o.Vocab, o.Hidden)
		g.vector(n.OutputBias, 0, o.Vocab, 0)
	}

	for d := 0; d < o.Decoders; d++ {
		if pol.Norm != engine.NoNorm {
			g.vector(n.AttNormW, d, o.Hidden, normMean)
			g.vector(n.AttNormB, d, o.Hidden, 0)
		}
		switch pol.QKV {
		case engine.FusedQKV, engine.FusedPerHead:
			g.weight(n.QKVW, d, o.Hidden, qSize+2*kvSize)
			g.vector(n.QKVB, d, qSize+2*kvSize, 0)
		default:
			g.weight(n.QueryW, d, o.Hidden, qSize)
			g.weight(n.KeyW, d, o.Hidden, kvSize)
			g.weight(n.ValueW, d, o.Hidden, kvSize)
			g.vector(n.QueryB, d, qSize, 0)
			g.vector(n.KeyB, d, kvSize, 0)
			g.vector(n.ValueB, d, kvSize, 0)
		}
		g.weight(n.AttOutW, d, qSize, o.Hidden)
		g.vector(n.AttOutB, d, o.Hidden, 0)

		if pol.Norm != engine.NoNorm && !pol.ParallelResidual {
			g.vector(n.FFNormW, d, o.Hidden, normMean)
			g.vector(n.FFNormB, d, o.Hidden, 0)
		}
		g.weight(n.UpW, d, o.Hidden, o.FeedForward)
		g.vector(n.UpB, d, o.FeedForward, 0)
		if pol.FeedForward == engine.Gated {
			g.weight(n.GateW, d, o.Hidden, o.FeedForward)
		}
		g.weight(n.DownW, d, o.FeedForward, o.Hidden)
		g.vector(n.DownB, d, o.Hidden, 0)
	}
	if len(g.out) == 0 {
		return nil, fmt.Errorf("architecture %s produced no parameters", g.arch.Name)
	}
	return g.out, nil
}
