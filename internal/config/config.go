package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingFile is returned when a model's config or vocabulary file is absent.
var ErrMissingFile = errors.New("missing model file")

// MemorySize lets a model declare its per-block memory cost in MiB instead of
// having it measured. All three must be set to take effect.
type MemorySize struct {
	Main           int64 `json:"main,omitempty" mapstructure:"main"`
	AttentionLayer int64 `json:"attention_layer,omitempty" mapstructure:"attention_layer"`
	NeuralNetLayer int64 `json:"neural_net_layer,omitempty" mapstructure:"neural_net_layer"`
}

// Complete reports whether every cost is provided.
func (m MemorySize) Complete() bool {
	return m.Main > 0 && m.AttentionLayer > 0 && m.NeuralNetLayer > 0
}

// Config holds the resolved hyperparameters of one model. It is immutable
// after load and shared by every layer of a model instance.
type Config struct {
	ModelID      string `json:"model_id"`
	Architecture string `json:"architecture"`

	HiddenSize      int `json:"hidden_size"`
	FeedForwardSize int `json:"feed_forward_size"`
	DecoderCount    int `json:"decoder_count"`
	HeadCount       int `json:"head_count"`
	KVHeadCount     int `json:"kv_head_count"`
	HeadSize        int `json:"head_size"`
	ContextSize     int `json:"context_size"`
	TokenCount      int `json:"token_count"`

	Epsilon   float32 `json:"epsilon"`
	RopeTheta float32 `json:"rope_theta"`
	// RotaryDim limits rotary embedding to the leading dims of each head
	// (GPT-J). Zero rotates the whole head.
	RotaryDim int `json:"rotary_dim,omitempty"`

	// SlidingWindow bounds every attention layer's KV cache (Mistral).
	SlidingWindow int `json:"sliding_window,omitempty"`
	// LocalAttentionWindow bounds the cache of local attention layers (GPT-Neo).
	LocalAttentionWindow int `json:"local_attention_window"`

	EndOfTextToken   int  `json:"end_of_text_token"`
	BeginOfTextToken int  `json:"begin_of_text_token"`
	TieEmbeddings    bool `json:"tie_embeddings"`

	// ParameterNaming wraps every parameter name, e.g. "transformer.{name}".
	ParameterNaming string            `json:"parameter_naming"`
	NameOverrides   map[string]string `json:"name_overrides,omitempty"`

	Quantization      string `json:"quantization,omitempty"`
	InternalFloatType string `json:"internal_float_type"`
	// PositionEmbedding overrides the architecture's position policy.
	PositionEmbedding string `json:"position_embedding,omitempty"`

	MemorySize MemorySize `json:"memory_size,omitempty"`
}

// Default returns a Config with the values most architectures share.
func Default() Config {
	return Config{
		Epsilon:              1e-5,
		RopeTheta:            10000.0,
		LocalAttentionWindow: 256,
		BeginOfTextToken:     -1,
		ParameterNaming:      "{name}",
		InternalFloatType:    "F32",
	}
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.DecoderCount <= 0 {
		return fmt.Errorf("invalid decoder_count: %d (must be positive)", c.DecoderCount)
	}
	if c.HeadCount <= 0 {
		return fmt.Errorf("invalid head_count: %d (must be positive)", c.HeadCount)
	}
	if c.KVHeadCount <= 0 {
		return fmt.Errorf("invalid kv_head_count: %d (must be positive)", c.KVHeadCount)
	}
	if c.KVHeadCount > c.HeadCount {
		return fmt.Errorf("invalid kv_head_count: %d (must be <= head_count: %d)", c.KVHeadCount, c.HeadCount)
	}
	if c.HeadCount%c.KVHeadCount != 0 {
		return fmt.Errorf("invalid kv_head_count: %d (must divide head_count: %d)", c.KVHeadCount, c.HeadCount)
	}
	if c.HeadSize <= 0 {
		return fmt.Errorf("invalid head_size: %d (must be positive)", c.HeadSize)
	}
	if c.HeadSize%2 != 0 {
		return fmt.Errorf("invalid head_size: %d (must be even)", c.HeadSize)
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.HeadSize || c.RotaryDim%2 != 0 {
		return fmt.Errorf("invalid rotary_dim: %d (must be even and at most head_size: %d)", c.RotaryDim, c.HeadSize)
	}
	if c.FeedForwardSize <= 0 {
		return fmt.Errorf("invalid feed_forward_size: %d (must be positive)", c.FeedForwardSize)
	}
	if c.TokenCount <= 0 {
		return fmt.Errorf("invalid token_count: %d (must be positive)", c.TokenCount)
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("invalid context_size: %d (must be positive)", c.ContextSize)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("invalid epsilon: %v (must be positive)", c.Epsilon)
	}
	if c.EndOfTextToken < 0 || c.EndOfTextToken >= c.TokenCount {
		return fmt.Errorf("invalid end_of_text_token: %d (vocabulary has %d tokens)", c.EndOfTextToken, c.TokenCount)
	}
	if c.SlidingWindow < 0 || c.LocalAttentionWindow < 0 {
		return fmt.Errorf("invalid attention window: sliding=%d local=%d", c.SlidingWindow, c.LocalAttentionWindow)
	}
	if c.ParameterNaming != "" && !strings.Contains(c.ParameterNaming, "{name}") {
		return fmt.Errorf("invalid parameter_naming: %q (must contain {name})", c.ParameterNaming)
	}
	return nil
}

// QuerySize is the width of the concatenated query heads.
// RotaryDims is the number of dims of each head that rotary embedding
// rotates.
func (c *Config) RotaryDims() int {
	if c.RotaryDim > 0 {
		return c.RotaryDim
	}
	return c.HeadSize
}

func (c *Config) QuerySize() int { return c.HeadCount * c.HeadSize }

// KVSize is the width of the concatenated key (or value) heads.
func (c *Config) KVSize() int { return c.KVHeadCount * c.HeadSize }

// FormatName applies the name overrides and the naming template.
func (c *Config) FormatName(name string) string {
	if override, ok := c.NameOverrides[name]; ok {
		name = override
	}
	if c.ParameterNaming != "" {
		name = strings.ReplaceAll(c.ParameterNaming, "{name}", name)
	}
	return name
}
