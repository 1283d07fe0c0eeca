package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/quant"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// AttentionLayer is the self-attention block of one decoder. It owns the
// decoder's KV cache.
type AttentionLayer struct {
	cfg       *config.Config
	policy    Policy
	position  PositionKind
	decoderID int
	// lastDecoder is set on the final decoder of the whole model.
	lastDecoder bool

	normW, normB tensor.Vector

	qkv              tensor.Matrix
	qkvB             tensor.Vector
	query, key, val  tensor.Matrix
	queryB, keyB, vB tensor.Vector
	out              tensor.Matrix
	outB             tensor.Vector

	cache  *KVCache
	rope   *rope
	slopes []float32
	scale  float32
}

func newAttentionLayer(cfg *config.Config, arch Architecture, position PositionKind, p *params, decoderID int) (*AttentionLayer, error) {
	pol := arch.Policy
	n := arch.Names
	hidden, qSize, kvSize := cfg.HiddenSize, cfg.QuerySize(), cfg.KVSize()

	l := &AttentionLayer{
		cfg:         cfg,
		policy:      pol,
		position:    position,
		decoderID:   decoderID,
		lastDecoder: decoderID == cfg.DecoderCount-1,
		scale:       float32(1 / math.Sqrt(float64(cfg.HeadSize))),
	}

	var err error
	if pol.Norm != NoNorm {
		if l.normW, err = p.vector(n.AttNormW, decoderID, hidden); err != nil {
			return nil, err
		}
		if l.normB, err = p.optionalVector(n.AttNormB, decoderID, hidden); err != nil {
			return nil, err
		}
	}

	switch pol.QKV {
	case FusedQKV, FusedPerHead:
		if pol.QKV == FusedPerHead && cfg.KVHeadCount != cfg.HeadCount {
			return nil, fmt.Errorf("per-head fused attention needs equal head counts (heads=%d kv=%d)", cfg.HeadCount, cfg.KVHeadCount)
		}
		width := qSize + 2*kvSize
		if l.qkv, err = p.weight(n.QKVW, decoderID, hidden, width, pol.Orientation); err != nil {
			return nil, err
		}
		if l.qkvB, err = p.optionalVector(n.QKVB, decoderID, width); err != nil {
			return nil, err
		}
	case SeparateQKV:
		if l.query, err = p.weight(n.QueryW, decoderID, hidden, qSize, pol.Orientation); err != nil {
			return nil, err
		}
		if l.key, err = p.weight(n.KeyW, decoderID, hidden, kvSize, pol.Orientation); err != nil {
			return nil, err
		}
		if l.val, err = p.weight(n.ValueW, decoderID, hidden, kvSize, pol.Orientation); err != nil {
			return nil, err
		}
		if l.queryB, err = p.optionalVector(n.QueryB, decoderID, qSize); err != nil {
			return nil, err
		}
		if l.keyB, err = p.optionalVector(n.KeyB, decoderID, kvSize); err != nil {
			return nil, err
		}
		if l.vB, err = p.optionalVector(n.ValueB, decoderID, kvSize); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown qkv layout %d", pol.QKV)
	}

	if l.out, err = p.weight(n.AttOutW, decoderID, qSize, hidden, pol.Orientation); err != nil {
		return nil, err
	}
	if l.outB, err = p.optionalVector(n.AttOutB, decoderID, hidden); err != nil {
		return nil, err
	}

	window := cfg.SlidingWindow
	if pol.LocalAttentionOdd && decoderID%2 == 1 {
		window = cfg.LocalAttentionWindow
	}
	storage, err := tensor.ParseFloatType(cfg.InternalFloatType)
	if err != nil {
		return nil, err
	}
	l.cache = NewKVCache(cfg.KVHeadCount, window, storage)

	switch {
	case position.rotary():
		l.rope = newRope(position, cfg.RotaryDims(), cfg.RopeTheta)
	case position == ALiBi:
		l.slopes = alibiSlopes(cfg.HeadCount)
	}
	return l, nil
}

func (l *AttentionLayer) DecoderID() int { return l.decoderID }

func (l *AttentionLayer) Cache() *KVCache { return l.cache }

// Process runs one token through the layer. When prefillOnly is set on the
// model's last decoder only the cache is updated and (nil, false) is
// returned: nothing downstream of it is needed for a prompt token.
func (l *AttentionLayer) Process(in tensor.Vector, prefillOnly bool) (tensor.Vector, bool) {
	cfg := l.cfg
	h := tensor.Clone(in)
	if l.policy.NormOrder == PreNorm {
		h = l.policy.normalize(h, l.normW, l.normB, cfg.Epsilon)
	}

	q, k, v := l.project(h)
	qHeads := tensor.Split(q, cfg.HeadCount)
	kHeads := tensor.Split(k, cfg.KVHeadCount)
	vHeads := tensor.Split(v, cfg.KVHeadCount)

	pos := l.cache.Position()
	if l.rope != nil {
		for _, head := range qHeads {
			l.rope.apply(head.(tensor.F32Vector), pos)
		}
		for _, head := range kHeads {
			l.rope.apply(head.(tensor.F32Vector), pos)
		}
	}
	if l.policy.Scale == QueryPremultiply {
		for i, head := range qHeads {
			qHeads[i] = tensor.Scale(head, l.scale)
		}
	}

	l.cache.Append(kHeads, vHeads)
	metrics.RecordKVCacheSize(cfg.ModelID, l.decoderID, l.cache.Len())

	if prefillOnly && l.lastDecoder {
		return nil, false
	}

	perGroup := cfg.HeadCount / cfg.KVHeadCount
	heads := make([]tensor.Vector, cfg.HeadCount)
	for i, qh := range qHeads {
		heads[i] = l.attend(i, qh, i/perGroup)
	}

	out := l.projectOut(tensor.Flatten(heads))
	if l.policy.ParallelResidual {
		return tensor.Flatten([]tensor.Vector{in, h, out}), true
	}
	tensor.AddInPlace(out, in)
	if l.policy.NormOrder == PostNorm {
		out = l.policy.normalize(out, l.normW, l.normB, cfg.Epsilon)
	}
	return out, true
}

// attend scores the query of one head against every cached key of its
// group and returns the probability-weighted sum of the cached values.
func (l *AttentionLayer) attend(head int, q tensor.Vector, group int) tensor.Vector {
	keys := l.cache.Keys(group)
	values := l.cache.Values(group)

	scores := make(tensor.F32Vector, len(keys))
	for i, key := range keys {
		score := tensor.Dot(q, key)
		if l.policy.Scale == ScoreDivide {
			score *= l.scale
		}
		if l.slopes != nil {
			score -= l.slopes[head] * float32(len(keys)-1-i)
		}
		scores[i] = score
	}
	probs := tensor.Softmax(scores)

	out := make(tensor.F32Vector, l.cfg.HeadSize)
	for i, value := range values {
		p := probs[i]
		for j := range out {
			out[j] += p * value.Get(j)
		}
	}
	return out
}

func (l *AttentionLayer) project(h tensor.F32Vector) (q, k, v tensor.F32Vector) {
	cfg := l.cfg
	qSize, kvSize := cfg.QuerySize(), cfg.KVSize()
	o := l.policy.Orientation

	switch l.policy.QKV {
	case FusedQKV:
		all := withBias(multiply(h, l.qkv, o), l.qkvB)
		return all[:qSize], all[qSize : qSize+kvSize], all[qSize+kvSize:]
	case FusedPerHead:
		all := withBias(multiply(h, l.qkv, o), l.qkvB)
		hs := cfg.HeadSize
		q = make(tensor.F32Vector, 0, qSize)
		k = make(tensor.F32Vector, 0, kvSize)
		v = make(tensor.F32Vector, 0, kvSize)
		for head := 0; head < cfg.HeadCount; head++ {
			base := head * 3 * hs
			q = append(q, all[base:base+hs]...)
			k = append(k, all[base+hs:base+2*hs]...)
			v = append(v, all[base+2*hs:base+3*hs]...)
		}
		return q, k, v
	default:
		q = withBias(multiply(h, l.query, o), l.queryB)
		k = withBias(multiply(h, l.key, o), l.keyB)
		v = withBias(multiply(h, l.val, o), l.vB)
		return q, k, v
	}
}

func (l *AttentionLayer) projectOut(v tensor.Vector) tensor.F32Vector {
	return withBias(multiply(v, l.out, l.policy.Orientation), l.outB)
}

// multiply applies a weight stored in the given orientation.
func multiply(v tensor.Vector, m tensor.Matrix, o quant.Orientation) tensor.F32Vector {
	if o == quant.Horizontal {
		return tensor.MulVecTransposed(v, m)
	}
	return tensor.MulVec(v, m)
}

func withBias(v tensor.F32Vector, bias tensor.Vector) tensor.F32Vector {
	if bias != nil {
		tensor.AddInPlace(v, bias)
	}
	return v
}

func (p Policy) normalize(v tensor.Vector, w, b tensor.Vector, eps float32) tensor.F32Vector {
	switch p.Norm {
	case LayerNorm:
		return tensor.LayerNorm(v, w, b, eps)
	case RMSNorm:
		return tensor.RMSNorm(v, w, eps, p.NormWeightOffset)
	default:
		return tensor.Clone(v)
	}
}
