package engine

import (
	"math"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// rope holds the inverse frequencies of a rotary embedding over the leading
// dims of one head.
type rope struct {
	kind     PositionKind
	invFreqs []float64
}

func newRope(kind PositionKind, dims int, theta float32) *rope {
	half := dims / 2
	inv := make([]float64, half)
	for i := range inv {
		inv[i] = 1 / math.Pow(float64(theta), float64(2*i)/float64(dims))
	}
	return &rope{kind: kind, invFreqs: inv}
}

// apply rotates one head vector in place for position pos. Dims past the
// rotary width are left as they are.
func (r *rope) apply(v tensor.F32Vector, pos int) {
	half := len(r.invFreqs)
	for i, f := range r.invFreqs {
		angle := float64(pos) * f
		sin, cos := math.Sincos(angle)
		s, c := float32(sin), float32(cos)

		var a, b int
		if r.kind == RotaryInterleaved {
			a, b = 2*i, 2*i+1
		} else {
			a, b = i, i+half
		}
		x, y := v[a], v[b]
		v[a] = x*c - y*s
		v[b] = x*s + y*c
	}
}

// alibiSlopes returns the per-head ALiBi slopes. For a head count that is
// not a power of two the extra heads interleave slopes of the next power.
func alibiSlopes(heads int) []float32 {
	closest := 1
	for closest*2 <= heads {
		closest *= 2
	}
	base := math.Pow(2, -8/float64(closest))
	slopes := make([]float32, 0, heads)
	for i := 1; i <= closest; i++ {
		slopes = append(slopes, float32(math.Pow(base, float64(i))))
	}
	if closest < heads {
		extra := math.Pow(2, -4/float64(closest))
		for i := 0; len(slopes) < heads; i++ {
			slopes = append(slopes, float32(math.Pow(extra, float64(2*i+1))))
		}
	}
	return slopes
}

// sinusoid returns the fixed sin/cos position embedding of one position.
func sinusoid(pos, size int) tensor.F32Vector {
	out := make(tensor.F32Vector, size)
	for i := 0; i < size; i += 2 {
		angle := float64(pos) / math.Pow(10000, float64(i)/float64(size))
		out[i] = float32(math.Sin(angle))
		if i+1 < size {
			out[i+1] = float32(math.Cos(angle))
		}
	}
	return out
}
