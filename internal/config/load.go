package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	// ConfigFile is the Hugging Face hyperparameter file of a model directory.
	ConfigFile = "config.json"
	// OverrideFile optionally pins the architecture, naming and memory sizes.
	OverrideFile = "mesh.json"
)

// hfConfig mirrors the keys of config.json across architectures. Several
// families spell the same hyperparameter differently, so each field is
// decoded from every alias and the first non-zero one wins.
type hfConfig struct {
	ModelType     string   `mapstructure:"model_type"`
	Architectures []string `mapstructure:"architectures"`

	HiddenSize int `mapstructure:"hidden_size"`
	NEmbd      int `mapstructure:"n_embd"`
	DModel     int `mapstructure:"d_model"`

	IntermediateSize int `mapstructure:"intermediate_size"`
	NInner           int `mapstructure:"n_inner"`
	FFNDim           int `mapstructure:"ffn_dim"`

	NumHiddenLayers int `mapstructure:"num_hidden_layers"`
	NLayer          int `mapstructure:"n_layer"`
	NumLayers       int `mapstructure:"num_layers"`

	NumAttentionHeads int `mapstructure:"num_attention_heads"`
	NHead             int `mapstructure:"n_head"`
	NumHeads          int `mapstructure:"num_heads"`
	NumKeyValueHeads  int `mapstructure:"num_key_value_heads"`
	HeadDim           int `mapstructure:"head_dim"`

	MaxPositionEmbeddings int `mapstructure:"max_position_embeddings"`
	NPositions            int `mapstructure:"n_positions"`
	NCtx                  int `mapstructure:"n_ctx"`
	SeqLength             int `mapstructure:"seq_length"`

	VocabSize int `mapstructure:"vocab_size"`

	LayerNormEpsilon  float32 `mapstructure:"layer_norm_epsilon"`
	LayerNormEps      float32 `mapstructure:"layer_norm_eps"`
	RMSNormEps        float32 `mapstructure:"rms_norm_eps"`
	RopeTheta         float32 `mapstructure:"rope_theta"`
	RotaryDim         int     `mapstructure:"rotary_dim"`
	SlidingWindow     int     `mapstructure:"sliding_window"`
	WindowSize        int     `mapstructure:"window_size"`
	TieWordEmbeddings *bool   `mapstructure:"tie_word_embeddings"`

	EOSTokenID any `mapstructure:"eos_token_id"`
	BOSTokenID any `mapstructure:"bos_token_id"`

	QuantizationConfig map[string]any `mapstructure:"quantization_config"`
}

// Override is the optional mesh.json file placed next to config.json.
type Override struct {
	Architecture      string            `json:"architecture"`
	ParameterNaming   string            `json:"parameter_naming"`
	NameOverrides     map[string]string `json:"name_overrides"`
	Quantization      string            `json:"quantization"`
	InternalFloatType string            `json:"internal_float_type"`
	PositionEmbedding string            `json:"position_embedding"`
	LocalWindow       int               `json:"local_attention_window"`
	EndOfTextToken    *int              `json:"end_of_text_token"`
	MemorySize        MemorySize        `json:"memory_size"`
}

// LoadModelConfig reads config.json (and mesh.json when present) from a
// model directory. The returned Config is validated.
func LoadModelConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := ParseModelConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ModelID = filepath.Base(filepath.Clean(dir))

	overridePath := filepath.Join(dir, OverrideFile)
	if b, err := os.ReadFile(overridePath); err == nil {
		var o Override
		if err := json.Unmarshal(b, &o); err != nil {
			return nil, fmt.Errorf("%s: %w", overridePath, err)
		}
		cfg.Apply(o)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", overridePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseModelConfig decodes the contents of a config.json file without
// validating it.
func ParseModelConfig(raw []byte) (*Config, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("malformed config: %w", err)
	}

	var hf hfConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &hf,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("malformed config: %w", err)
	}

	cfg := Default()
	cfg.Architecture = architectureOf(hf.ModelType, hf.Architectures)
	cfg.HiddenSize = first(hf.HiddenSize, hf.NEmbd, hf.DModel)
	cfg.DecoderCount = first(hf.NumHiddenLayers, hf.NLayer, hf.NumLayers)
	cfg.HeadCount = first(hf.NumAttentionHeads, hf.NHead, hf.NumHeads)
	cfg.KVHeadCount = first(hf.NumKeyValueHeads, cfg.HeadCount)
	if cfg.HeadCount > 0 {
		cfg.HeadSize = first(hf.HeadDim, cfg.HiddenSize/cfg.HeadCount)
	}
	cfg.FeedForwardSize = first(hf.IntermediateSize, hf.NInner, hf.FFNDim, 4*cfg.HiddenSize)
	cfg.ContextSize = first(hf.MaxPositionEmbeddings, hf.NPositions, hf.NCtx, hf.SeqLength)
	cfg.TokenCount = hf.VocabSize

	if eps := firstFloat(hf.RMSNormEps, hf.LayerNormEpsilon, hf.LayerNormEps); eps > 0 {
		cfg.Epsilon = eps
	}
	if hf.RopeTheta > 0 {
		cfg.RopeTheta = hf.RopeTheta
	}
	cfg.RotaryDim = hf.RotaryDim
	cfg.SlidingWindow = hf.SlidingWindow
	if hf.WindowSize > 0 {
		cfg.LocalAttentionWindow = hf.WindowSize
	}
	cfg.TieEmbeddings = hf.TieWordEmbeddings == nil || *hf.TieWordEmbeddings

	if id, ok := tokenID(hf.EOSTokenID); ok {
		cfg.EndOfTextToken = id
	}
	if id, ok := tokenID(hf.BOSTokenID); ok {
		cfg.BeginOfTextToken = id
	}
	cfg.Quantization = quantizationOf(hf.QuantizationConfig)
	return &cfg, nil
}

// Apply merges the non-zero fields of an override file.
func (c *Config) Apply(o Override) {
	if o.Architecture != "" {
		c.Architecture = strings.ToUpper(o.Architecture)
	}
	if o.ParameterNaming != "" {
		c.ParameterNaming = o.ParameterNaming
	}
	if len(o.NameOverrides) > 0 {
		c.NameOverrides = o.NameOverrides
	}
	if o.Quantization != "" {
		c.Quantization = o.Quantization
	}
	if o.InternalFloatType != "" {
		c.InternalFloatType = o.InternalFloatType
	}
	if o.PositionEmbedding != "" {
		c.PositionEmbedding = o.PositionEmbedding
	}
	if o.LocalWindow > 0 {
		c.LocalAttentionWindow = o.LocalWindow
	}
	if o.EndOfTextToken != nil {
		c.EndOfTextToken = *o.EndOfTextToken
	}
	if o.MemorySize.Complete() {
		c.MemorySize = o.MemorySize
	}
}

var modelTypes = map[string]string{
	"openai-gpt": "GPT1",
	"gpt2":       "GPT2",
	"gpt_neo":    "GPTNEO",
	"gptj":       "GPTJ",
	"opt":        "OPT",
	"bloom":      "BLOOM",
	"llama":      "LLAMA",
	"mistral":    "MISTRAL",
	"gemma":      "GEMMA",
}

func architectureOf(modelType string, architectures []string) string {
	if arch, ok := modelTypes[strings.ToLower(modelType)]; ok {
		return arch
	}
	for _, a := range architectures {
		lower := strings.ToLower(a)
		for prefix, arch := range map[string]string{
			"openaigpt": "GPT1", "gpt2": "GPT2", "gptneo": "GPTNEO", "gptj": "GPTJ", "opt": "OPT",
			"bloom": "BLOOM", "llama": "LLAMA", "mistral": "MISTRAL", "gemma": "GEMMA",
		} {
			if strings.HasPrefix(lower, prefix) && !strings.HasPrefix(lower, "gptneox") {
				return arch
			}
		}
	}
	return strings.ToUpper(modelType)
}

func quantizationOf(q map[string]any) string {
	if q == nil {
		return ""
	}
	if v, ok := q["load_in_8bit"].(bool); ok && v {
		return "llm_int8"
	}
	if method, ok := q["quant_method"].(string); ok {
		if method == "bitsandbytes" {
			if v, ok := q["load_in_4bit"].(bool); ok && v {
				return "bitsandbytes_4bit"
			}
			return "llm_int8"
		}
		return method
	}
	return ""
}

// tokenID accepts a single id or a list of ids (the first is used).
func tokenID(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case []any:
		if len(t) > 0 {
			return tokenID(t[0])
		}
	}
	return 0, false
}

func first(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstFloat(values ...float32) float32 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
