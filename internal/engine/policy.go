package engine

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/quant"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

type NormKind int

const (
	NoNorm NormKind = iota
	LayerNorm
	RMSNorm
)

// NormOrder places a block's normalization before the block (pre-norm) or
// after the residual add (post-norm).
type NormOrder int

const (
	PreNorm NormOrder = iota
	PostNorm
)

type PositionKind int

const (
	// LearnedPosition adds a position embedding row at the head.
	LearnedPosition PositionKind = iota
	// RotaryInterleaved rotates adjacent pairs (x[2i], x[2i+1]).
	RotaryInterleaved
	// RotarySliced rotates (x[i], x[i+d/2]).
	RotarySliced
	// ALiBi adds a distance penalty to raw attention scores.
	ALiBi
	// Sinusoidal adds fixed sin/cos embeddings at the head.
	Sinusoidal
	// NoPosition uses no position information at all.
	NoPosition
)

func (k PositionKind) String() string {
	switch k {
	case LearnedPosition:
		return "learned"
	case RotaryInterleaved:
		return "rotary_interleaved"
	case RotarySliced:
		return "rotary_sliced"
	case ALiBi:
		return "alibi"
	case Sinusoidal:
		return "sinusoidal"
	case NoPosition:
		return "none"
	default:
		return fmt.Sprintf("PositionKind(%d)", int(k))
	}
}

// ParsePositionKind accepts the names produced by String.
func ParsePositionKind(s string) (PositionKind, error) {
	for k := LearnedPosition; k <= NoPosition; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown position embedding: %q", s)
}

// rotary reports whether the kind is applied inside attention to q and k.
func (k PositionKind) rotary() bool {
	return k == RotaryInterleaved || k == RotarySliced
}

type Activation int

const (
	GELU Activation = iota
	FastGELU
	ReLU
	SiLU
)

func (a Activation) fn() func(float32) float32 {
	switch a {
	case GELU:
		return tensor.GELU
	case FastGELU:
		return tensor.FastGELU
	case ReLU:
		return tensor.ReLU
	case SiLU:
		return tensor.SiLU
	default:
		panic(fmt.Sprintf("engine: unknown activation %d", int(a)))
	}
}

type FeedForwardKind int

const (
	// MLP is up-projection, activation, down-projection.
	MLP FeedForwardKind = iota
	// Gated multiplies act(gate(x)) with up(x) before the down-projection.
	Gated
)

type QKVLayout int

const (
	// FusedQKV is one matrix whose output splits into [q | k | v].
	FusedQKV QKVLayout = iota
	// FusedPerHead is one matrix whose output is [q_h, k_h, v_h] per head.
	FusedPerHead
	// SeparateQKV uses three matrices.
	SeparateQKV
)

type ScaleMode int

const (
	// ScoreDivide divides each score by sqrt(headSize).
	ScoreDivide ScaleMode = iota
	// QueryPremultiply multiplies the query by 1/sqrt(headSize) before scoring.
	QueryPremultiply
	// NoScale leaves scores unscaled.
	NoScale
)

// Policy bundles the behavior switches of one architecture.
type Policy struct {
	Norm      NormKind
	NormOrder NormOrder
	// NormWeightOffset is added to RMSNorm weights (Gemma stores w-1).
	NormWeightOffset float32

	Position PositionKind
	// PositionOffset shifts learned position rows (OPT reserves 2).
	PositionOffset int
	// ScaleEmbedding multiplies the token embedding by sqrt(hidden).
	ScaleEmbedding bool
	// EmbeddingNorm applies a LayerNorm right after the embedding lookup.
	EmbeddingNorm bool
	FinalNorm     bool

	Activation  Activation
	FeedForward FeedForwardKind
	QKV         QKVLayout
	Orientation quant.Orientation
	Scale       ScaleMode
	// LocalAttentionOdd bounds the KV cache of odd decoders to the local
	// attention window.
	LocalAttentionOdd bool
	// ParallelResidual feeds the attention block's normalized input to the
	// feed-forward block too (GPT-J). The attention block then emits
	// [input | normalized | attention output], three hidden states wide, and
	// the feed-forward block adds the first and last part to its output.
	ParallelResidual bool
}

// blockWidth is the size of the hidden state entering a block.
func (p Policy) blockWidth(typ BlockType, hidden int) int {
	if p.ParallelResidual && typ == NeuralNetBlock {
		return 3 * hidden
	}
	return hidden
}
