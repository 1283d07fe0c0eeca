package engine

import (
	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// FeedForwardLayer is the position-wise network of one decoder.
type FeedForwardLayer struct {
	cfg       *config.Config
	policy    Policy
	decoderID int

	normW, normB tensor.Vector
	up, gate     tensor.Matrix
	upB          tensor.Vector
	down         tensor.Matrix
	downB        tensor.Vector
	act          func(float32) float32
}

func newFeedForwardLayer(cfg *config.Config, arch Architecture, p *params, decoderID int) (*FeedForwardLayer, error) {
	pol := arch.Policy
	n := arch.Names
	hidden, ff := cfg.HiddenSize, cfg.FeedForwardSize

	l := &FeedForwardLayer{
		cfg:       cfg,
		policy:    pol,
		decoderID: decoderID,
		act:       pol.Activation.fn(),
	}

	var err error
	// parallel residual blocks reuse the attention block's normalization
	if pol.Norm != NoNorm && !pol.ParallelResidual {
		if l.normW, err = p.vector(n.FFNormW, decoderID, hidden); err != nil {
			return nil, err
		}
		if l.normB, err = p.optionalVector(n.FFNormB, decoderID, hidden); err != nil {
			return nil, err
		}
	}
	if l.up, err = p.weight(n.UpW, decoderID, hidden, ff, pol.Orientation); err != nil {
		return nil, err
	}
	if l.upB, err = p.optionalVector(n.UpB, decoderID, ff); err != nil {
		return nil, err
	}
	if pol.FeedForward == Gated {
		if l.gate, err = p.weight(n.GateW, decoderID, hidden, ff, pol.Orientation); err != nil {
			return nil, err
		}
	}
	if l.down, err = p.weight(n.DownW, decoderID, ff, hidden, pol.Orientation); err != nil {
		return nil, err
	}
	if l.downB, err = p.optionalVector(n.DownB, decoderID, hidden); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FeedForwardLayer) DecoderID() int { return l.decoderID }

func (l *FeedForwardLayer) Process(in tensor.Vector) tensor.Vector {
	if l.policy.ParallelResidual {
		parts := tensor.Split(in, 3)
		out := l.network(parts[1])
		tensor.AddInPlace(out, parts[0])
		tensor.AddInPlace(out, parts[2])
		return out
	}

	h := tensor.Clone(in)
	if l.policy.NormOrder == PreNorm {
		h = l.policy.normalize(h, l.normW, l.normB, l.cfg.Epsilon)
	}
	out := l.network(h)
	tensor.AddInPlace(out, in)
	if l.policy.NormOrder == PostNorm {
		out = l.policy.normalize(out, l.normW, l.normB, l.cfg.Epsilon)
	}
	return out
}

// network is up-projection, activation (gated or not) and down-projection.
func (l *FeedForwardLayer) network(h tensor.Vector) tensor.F32Vector {
	o := l.policy.Orientation
	up := withBias(multiply(h, l.up, o), l.upB)
	if l.policy.FeedForward == Gated {
		gate := multiply(h, l.gate, o)
		tensor.Apply(gate, l.act)
		up = tensor.Mul(gate, up)
	} else {
		tensor.Apply(up, l.act)
	}
	return withBias(multiply(up, l.down, o), l.downB)
}
