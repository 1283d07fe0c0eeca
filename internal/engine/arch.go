package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/quant"
)

// Names are parameter name templates. "{d}" is replaced by the decoder id.
// An empty template means the architecture has no such parameter; bias
// templates are optional and skipped when the file lacks them.
type Names struct {
	TokenEmbedding    string
	PositionEmbedding string
	EmbeddingNormW    string
	EmbeddingNormB    string
	FinalNormW        string
	FinalNormB        string
	// OutputEmbedding is used when present, otherwise the token embedding.
	OutputEmbedding string
	OutputBias      string

	AttNormW string
	AttNormB string
	QKVW     string
	QKVB     string
	QueryW   string
	QueryB   string
	KeyW     string
	KeyB     string
	ValueW   string
	ValueB   string
	AttOutW  string
	AttOutB  string

	FFNormW string
	FFNormB string
	UpW     string
	UpB     string
	GateW   string
	DownW   string
	DownB   string
}

// Architecture pairs a policy bundle with the parameter names of one model
// family.
type Architecture struct {
	Name   string
	Policy Policy
	Names  Names
}

var gpt2Names = Names{
	TokenEmbedding:    "wte.weight",
	PositionEmbedding: "wpe.weight",
	FinalNormW:        "ln_f.weight",
	FinalNormB:        "ln_f.bias",
	AttNormW:          "h.{d}.ln_1.weight",
	AttNormB:          "h.{d}.ln_1.bias",
	QKVW:              "h.{d}.attn.c_attn.weight",
	QKVB:              "h.{d}.attn.c_attn.bias",
	AttOutW:           "h.{d}.attn.c_proj.weight",
	AttOutB:           "h.{d}.attn.c_proj.bias",
	FFNormW:           "h.{d}.ln_2.weight",
	FFNormB:           "h.{d}.ln_2.bias",
	UpW:               "h.{d}.mlp.c_fc.weight",
	UpB:               "h.{d}.mlp.c_fc.bias",
	DownW:             "h.{d}.mlp.c_proj.weight",
	DownB:             "h.{d}.mlp.c_proj.bias",
}

var llamaNames = Names{
	TokenEmbedding:  "model.embed_tokens.weight",
	FinalNormW:      "model.norm.weight",
	OutputEmbedding: "lm_head.weight",
	AttNormW:        "model.layers.{d}.input_layernorm.weight",
	QueryW:          "model.layers.{d}.self_attn.q_proj.weight",
	QueryB:          "model.layers.{d}.self_attn.q_proj.bias",
	KeyW:            "model.layers.{d}.self_attn.k_proj.weight",
	KeyB:            "model.layers.{d}.self_attn.k_proj.bias",
	ValueW:          "model.layers.{d}.self_attn.v_proj.weight",
	ValueB:          "model.layers.{d}.self_attn.v_proj.bias",
	AttOutW:         "model.layers.{d}.self_attn.o_proj.weight",
	FFNormW:         "model.layers.{d}.post_attention_layernorm.weight",
	UpW:             "model.layers.{d}.mlp.up_proj.weight",
	GateW:           "model.layers.{d}.mlp.gate_proj.weight",
	DownW:           "model.layers.{d}.mlp.down_proj.weight",
}

var llamaPolicy = Policy{
	Norm:        RMSNorm,
	Position:    RotarySliced,
	FinalNorm:   true,
	Activation:  SiLU,
	FeedForward: Gated,
	QKV:         SeparateQKV,
	Orientation: quant.Horizontal,
}

var architectures = map[string]Architecture{
	"GPT1": {
		Name: "GPT1",
		Policy: Policy{
			Norm:        LayerNorm,
			NormOrder:   PostNorm,
			Position:    LearnedPosition,
			Activation:  GELU,
			QKV:         FusedQKV,
			Orientation: quant.Vertical,
		},
		Names: Names{
			TokenEmbedding:    "tokens_embed.weight",
			PositionEmbedding: "positions_embed.weight",
			AttNormW:          "h.{d}.ln_1.weight",
			AttNormB:          "h.{d}.ln_1.bias",
			QKVW:              "h.{d}.attn.c_attn.weight",
			QKVB:              "h.{d}.attn.c_attn.bias",
			AttOutW:           "h.{d}.attn.c_proj.weight",
			AttOutB:           "h.{d}.attn.c_proj.bias",
			FFNormW:           "h.{d}.ln_2.weight",
			FFNormB:           "h.{d}.ln_2.bias",
			UpW:               "h.{d}.mlp.c_fc.weight",
			UpB:               "h.{d}.mlp.c_fc.bias",
			DownW:             "h.{d}.mlp.c_proj.weight",
			DownB:             "h.{d}.mlp.c_proj.bias",
		},
	},
	"ORIGINAL_TRANSFORMER": {
		Name: "ORIGINAL_TRANSFORMER",
		Policy: Policy{
			Norm:        LayerNorm,
			NormOrder:   PostNorm,
			Position:    Sinusoidal,
			Activation:  ReLU,
			QKV:         FusedQKV,
			Orientation: quant.Vertical,
		},
		Names: Names{
			TokenEmbedding: "tokens_embed.weight",
			AttNormW:       "h.{d}.ln_1.weight",
			AttNormB:       "h.{d}.ln_1.bias",
			QKVW:           "h.{d}.attn.c_attn.weight",
			QKVB:           "h.{d}.attn.c_attn.bias",
			AttOutW:        "h.{d}.attn.c_proj.weight",
			AttOutB:        "h.{d}.attn.c_proj.bias",
			FFNormW:        "h.{d}.ln_2.weight",
			FFNormB:        "h.{d}.ln_2.bias",
			UpW:            "h.{d}.mlp.c_fc.weight",
			UpB:            "h.{d}.mlp.c_fc.bias",
			DownW:          "h.{d}.mlp.c_proj.weight",
			DownB:          "h.{d}.mlp.c_proj.bias",
		},
	},
	"GPT2": {
		Name: "GPT2",
		Policy: Policy{
			Norm:        LayerNorm,
			Position:    LearnedPosition,
			FinalNorm:   true,
			Activation:  FastGELU,
			QKV:         FusedQKV,
			Orientation: quant.Vertical,
		},
		Names: gpt2Names,
	},
	"GPTNEO": {
		Name: "GPTNEO",
		Policy: Policy{
			Norm:              LayerNorm,
			Position:          LearnedPosition,
			FinalNorm:         true,
			Activation:        FastGELU,
			QKV:               SeparateQKV,
			Orientation:       quant.Horizontal,
			Scale:             NoScale,
			LocalAttentionOdd: true,
		},
		Names: Names{
			TokenEmbedding:    "transformer.wte.weight",
			PositionEmbedding: "transformer.wpe.weight",
			FinalNormW:        "transformer.ln_f.weight",
			FinalNormB:        "transformer.ln_f.bias",
			AttNormW:          "transformer.h.{d}.ln_1.weight",
			AttNormB:          "transformer.h.{d}.ln_1.bias",
			QueryW:            "transformer.h.{d}.attn.attention.q_proj.weight",
			KeyW:              "transformer.h.{d}.attn.attention.k_proj.weight",
			ValueW:            "transformer.h.{d}.attn.attention.v_proj.weight",
			AttOutW:           "transformer.h.{d}.attn.attention.out_proj.weight",
			AttOutB:           "transformer.h.{d}.attn.attention.out_proj.bias",
			FFNormW:           "transformer.h.{d}.ln_2.weight",
			FFNormB:           "transformer.h.{d}.ln_2.bias",
			UpW:               "transformer.h.{d}.mlp.c_fc.weight",
			UpB:               "transformer.h.{d}.mlp.c_fc.bias",
			DownW:             "transformer.h.{d}.mlp.c_proj.weight",
			DownB:             "transformer.h.{d}.mlp.c_proj.bias",
		},
	},
	"GPTJ": {
		Name: "GPTJ",
		Policy: Policy{
			Norm:             LayerNorm,
			Position:         RotaryInterleaved,
			FinalNorm:        true,
			Activation:       FastGELU,
			QKV:              SeparateQKV,
			Orientation:      quant.Horizontal,
			ParallelResidual: true,
		},
		Names: Names{
			TokenEmbedding:  "transformer.wte.weight",
			FinalNormW:      "transformer.ln_f.weight",
			FinalNormB:      "transformer.ln_f.bias",
			OutputEmbedding: "lm_head.weight",
			OutputBias:      "lm_head.bias",
			AttNormW:        "transformer.h.{d}.ln_1.weight",
			AttNormB:        "transformer.h.{d}.ln_1.bias",
			QueryW:          "transformer.h.{d}.attn.q_proj.weight",
			KeyW:            "transformer.h.{d}.attn.k_proj.weight",
			ValueW:          "transformer.h.{d}.attn.v_proj.weight",
			AttOutW:         "transformer.h.{d}.attn.out_proj.weight",
			UpW:             "transformer.h.{d}.mlp.fc_in.weight",
			UpB:             "transformer.h.{d}.mlp.fc_in.bias",
			DownW:           "transformer.h.{d}.mlp.fc_out.weight",
			DownB:           "transformer.h.{d}.mlp.fc_out.bias",
		},
	},
	"OPT": {
		Name: "OPT",
		Policy: Policy{
			Norm:           LayerNorm,
			Position:       LearnedPosition,
			PositionOffset: 2,
			FinalNorm:      true,
			Activation:     ReLU,
			QKV:            SeparateQKV,
			Orientation:    quant.Horizontal,
			Scale:          QueryPremultiply,
		},
		Names: Names{
			TokenEmbedding:    "model.decoder.embed_tokens.weight",
			PositionEmbedding: "model.decoder.embed_positions.weight",
			FinalNormW:        "model.decoder.final_layer_norm.weight",
			FinalNormB:        "model.decoder.final_layer_norm.bias",
			OutputEmbedding:   "lm_head.weight",
			AttNormW:          "model.decoder.layers.{d}.self_attn_layer_norm.weight",
			AttNormB:          "model.decoder.layers.{d}.self_attn_layer_norm.bias",
			QueryW:            "model.decoder.layers.{d}.self_attn.q_proj.weight",
			QueryB:            "model.decoder.layers.{d}.self_attn.q_proj.bias",
			KeyW:              "model.decoder.layers.{d}.self_attn.k_proj.weight",
			KeyB:              "model.decoder.layers.{d}.self_attn.k_proj.bias",
			ValueW:            "model.decoder.layers.{d}.self_attn.v_proj.weight",
			ValueB:            "model.decoder.layers.{d}.self_attn.v_proj.bias",
			AttOutW:           "model.decoder.layers.{d}.self_attn.out_proj.weight",
			AttOutB:           "model.decoder.layers.{d}.self_attn.out_proj.bias",
			FFNormW:           "model.decoder.layers.{d}.final_layer_norm.weight",
			FFNormB:           "model.decoder.layers.{d}.final_layer_norm.bias",
			UpW:               "model.decoder.layers.{d}.fc1.weight",
			UpB:               "model.decoder.layers.{d}.fc1.bias",
			DownW:             "model.decoder.layers.{d}.fc2.weight",
			DownB:             "model.decoder.layers.{d}.fc2.bias",
		},
	},
	"BLOOM": {
		Name: "BLOOM",
		Policy: Policy{
			Norm:          LayerNorm,
			Position:      ALiBi,
			EmbeddingNorm: true,
			FinalNorm:     true,
			Activation:    FastGELU,
			QKV:           FusedPerHead,
			Orientation:   quant.Horizontal,
		},
		Names: Names{
			TokenEmbedding: "word_embeddings.weight",
			EmbeddingNormW: "word_embeddings_layernorm.weight",
			EmbeddingNormB: "word_embeddings_layernorm.bias",
			FinalNormW:     "ln_f.weight",
			FinalNormB:     "ln_f.bias",
			AttNormW:       "h.{d}.input_layernorm.weight",
			AttNormB:       "h.{d}.input_layernorm.bias",
			QKVW:           "h.{d}.self_attention.query_key_value.weight",
			QKVB:           "h.{d}.self_attention.query_key_value.bias",
			AttOutW:        "h.{d}.self_attention.dense.weight",
			AttOutB:        "h.{d}.self_attention.dense.bias",
			FFNormW:        "h.{d}.post_attention_layernorm.weight",
			FFNormB:        "h.{d}.post_attention_layernorm.bias",
			UpW:            "h.{d}.mlp.dense_h_to_4h.weight",
			UpB:            "h.{d}.mlp.dense_h_to_4h.bias",
			DownW:          "h.{d}.mlp.dense_4h_to_h.weight",
			DownB:          "h.{d}.mlp.dense_4h_to_h.bias",
		},
	},
	"LLAMA": {
		Name:   "LLAMA",
		Policy: llamaPolicy,
		Names:  llamaNames,
	},
	"MISTRAL": {
		Name:   "MISTRAL",
		Policy: llamaPolicy,
		Names:  llamaNames,
	},
	"GEMMA": {
		Name: "GEMMA",
		Policy: Policy{
			Norm:             RMSNorm,
			NormWeightOffset: 1,
			Position:         RotarySliced,
			ScaleEmbedding:   true,
			FinalNorm:        true,
			Activation:       FastGELU,
			FeedForward:      Gated,
			QKV:              SeparateQKV,
			Orientation:      quant.Horizontal,
		},
		Names: llamaNames,
	},
}

// LookupArchitecture returns the policy bundle for an architecture name.
func LookupArchitecture(name string) (Architecture, error) {
	a, ok := architectures[strings.ToUpper(name)]
	if !ok {
		return Architecture{}, fmt.Errorf("unsupported architecture: %q (supported: %s)", name, strings.Join(Architectures(), ", "))
	}
	return a, nil
}

// Architectures lists the supported names, sorted.
func Architectures() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
