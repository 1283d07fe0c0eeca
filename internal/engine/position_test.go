package engine

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

func norm(v tensor.F32Vector) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	for _, kind := range []PositionKind{RotaryInterleaved, RotarySliced} {
		r := newRope(kind, 8, 10000)
		v := tensor.F32Vector{1, 2, 3, 4, 5, 6, 7, 8}
		want := tensor.Clone(v)
		r.apply(v, 0)
		for i := range v {
			if math.Abs(float64(v[i]-want[i])) > 1e-6 {
				t.Fatalf("%s: position 0 changed element %d: %f != %f", kind, i, v[i], want[i])
			}
		}
	}
}

func TestRopePreservesNorm(t *testing.T) {
	for _, kind := range []PositionKind{RotaryInterleaved, RotarySliced} {
		r := newRope(kind, 8, 10000)
		v := tensor.F32Vector{0.5, -1, 2, 0.25, -3, 1, 0, 4}
		before := norm(v)
		r.apply(v, 17)
		if math.Abs(norm(v)-before) > 1e-4 {
			t.Errorf("%s: norm changed from %f to %f", kind, before, norm(v))
		}
	}
}

func TestRopePairs(t *testing.T) {
	// theta^0 = 1 so the first pair rotates by exactly pos radians.
	pos := 1
	sin, cos := math.Sincos(float64(pos))

	interleaved := newRope(RotaryInterleaved, 4, 10000)
	v := tensor.F32Vector{1, 0, 0, 0}
	interleaved.apply(v, pos)
	if math.Abs(float64(v[0])-cos) > 1e-6 || math.Abs(float64(v[1])-sin) > 1e-6 {
		t.Errorf("interleaved rotated (1,0) to (%f,%f), want (%f,%f)", v[0], v[1], cos, sin)
	}

	sliced := newRope(RotarySliced, 4, 10000)
	v = tensor.F32Vector{1, 0, 0, 0}
	sliced.apply(v, pos)
	if math.Abs(float64(v[0])-cos) > 1e-6 || math.Abs(float64(v[2])-sin) > 1e-6 || v[1] != 0 {
		t.Errorf("sliced rotated (1,_,0,_) to %v, want (%f,0,%f,0)", v, cos, sin)
	}
}

func TestAlibiSlopes(t *testing.T) {
	slopes := alibiSlopes(8)
	if len(slopes) != 8 {
		t.Fatalf("expected 8 slopes, got %d", len(slopes))
	}
	for i, s := range slopes {
		want := math.Pow(0.5, float64(i+1))
		if math.Abs(float64(s)-want) > 1e-7 {
			t.Errorf("slope %d = %f, want %f", i, s, want)
		}
	}

	slopes = alibiSlopes(12)
	if len(slopes) != 12 {
		t.Fatalf("expected 12 slopes, got %d", len(slopes))
	}
	// extra heads use odd powers of 2^-0.5
	for i, s := range slopes[8:] {
		want := math.Pow(2, -0.5*float64(2*i+1))
		if math.Abs(float64(s)-want) > 1e-7 {
			t.Errorf("extra slope %d = %f, want %f", i, s, want)
		}
	}
}

func TestSinusoid(t *testing.T) {
	v := sinusoid(0, 6)
	for i, x := range v {
		want := float32(0)
		if i%2 == 1 {
			want = 1
		}
		if x != want {
			t.Errorf("sinusoid(0)[%d] = %f, want %f", i, x, want)
		}
	}
}

func TestParsePositionKind(t *testing.T) {
	for k := LearnedPosition; k <= NoPosition; k++ {
		got, err := ParsePositionKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParsePositionKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParsePositionKind("absolute"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRopePartialRotaryLeavesTail(t *testing.T) {
	// GPT-J rotates only the leading rotary_dim dims of a head
	r := newRope(RotaryInterleaved, 2, 10000)
	v := tensor.F32Vector{1, 0, 3, 4}
	r.apply(v, 1)
	sin, cos := math.Sincos(1)
	if math.Abs(float64(v[0])-cos) > 1e-6 || math.Abs(float64(v[1])-sin) > 1e-6 {
		t.Errorf("rotated (1,0) to (%f,%f), want (%f,%f)", v[0], v[1], cos, sin)
	}
	if v[2] != 3 || v[3] != 4 {
		t.Errorf("dims past rotary_dim changed: %v", v[2:])
	}
}
