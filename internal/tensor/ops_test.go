package tensor

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float32
		expected []float32
		tol      float32
	}{
		{
			name:     "reference vector",
			input:    []float32{1, 2, 3, 4, 1, 2, 3},
			expected: []float32{0.023640543, 0.064261659, 0.174681299, 0.474833000, 0.023640543, 0.064261659, 0.174681299},
			tol:      1e-6,
		},
		{
			name:     "reference vector rounded",
			input:    []float32{1, 2, 3, 4, 1, 2, 3},
			expected: []float32{0.0236, 0.0643, 0.1747, 0.4748, 0.0236, 0.0643, 0.1747},
			tol:      1e-4,
		},
		{
			name:     "zero",
			input:    []float32{0, 0, 0, 0},
			expected: []float32{0.25, 0.25, 0.25, 0.25},
			tol:      1e-7,
		},
		{
			name:     "large values stay finite",
			input:    []float32{1000, 1000},
			expected: []float32{0.5, 0.5},
			tol:      1e-7,
		},
		{
			name:     "empty",
			input:    []float32{},
			expected: []float32{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := Softmax(F32Vector(tc.input))
			if len(out) != len(tc.expected) {
				t.Fatalf("expected length %d, got %d", len(tc.expected), len(out))
			}
			var sum float32
			for i := range out {
				sum += out[i]
				if !approxEqual(out[i], tc.expected[i], tc.tol) {
					t.Errorf("index %d: expected %v, got %v", i, tc.expected[i], out[i])
				}
			}
			if len(out) > 0 && !approxEqual(sum, 1, 1e-6) {
				t.Errorf("expected sum 1, got %v", sum)
			}
		})
	}
}

func TestSoftmaxAcrossPrecisions(t *testing.T) {
	input := []float32{1, 2, 3, 4, 1, 2, 3}
	for _, ft := range []FloatType{Float32, Float16, BFloat16} {
		out := Softmax(VectorOf(ft, input))
		if !approxEqual(out[3], 0.474833, 1e-6) {
			t.Errorf("%v: expected 0.474833, got %v", ft, out[3])
		}
	}
}

func TestVectorArithmetic(t *testing.T) {
	a := F32Vector{1, 2, 3, 4}
	b := F32Vector{4, 3, 2, 1}

	sum := Add(a, b)
	for i, x := range sum {
		if x != 5 {
			t.Errorf("add[%d]: expected 5, got %v", i, x)
		}
	}
	if a[0] != 1 {
		t.Error("Add must not modify its operands")
	}

	if got := Dot(a, b); got != 20 {
		t.Errorf("dot: expected 20, got %v", got)
	}

	scaled := Scale(a, 0.5)
	if scaled[3] != 2 {
		t.Errorf("scale: expected 2, got %v", scaled[3])
	}

	prod := Mul(a, b)
	if prod[1] != 6 {
		t.Errorf("mul: expected 6, got %v", prod[1])
	}

	c := Clone(a)
	AddInPlace(c, VectorOf(Float16, []float32{1, 1, 1, 1}))
	if c[2] != 4 {
		t.Errorf("add in place: expected 4, got %v", c[2])
	}
}

func TestSplitFlatten(t *testing.T) {
	v := F32Vector{0, 1, 2, 3, 4, 5}
	parts := Split(v, 3)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if parts[1].Get(0) != 2 || parts[1].Get(1) != 3 {
		t.Errorf("unexpected middle part: %v", parts[1].Float32s())
	}

	// parts are views
	parts[2].Set(0, 40)
	if v[4] != 40 {
		t.Errorf("split parts should share storage, got %v", v[4])
	}

	flat := Flatten(parts)
	if len(flat) != 6 || flat[4] != 40 {
		t.Errorf("unexpected flatten result: %v", flat)
	}
}

func TestSplitPanicsOnUnevenLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Split(F32Vector{1, 2, 3}, 2)
}

func TestMatrixProducts(t *testing.T) {
	// (2 x 3)
	m := DenseFromRows([][]float32{
		{1, 2, 3},
		{4, 5, 6},
	})

	got := MulVec(F32Vector{1, 1}, m)
	want := []float32{5, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MulVec[%d]: expected %v, got %v", i, want[i], got[i])
		}
	}

	got = MulVecTransposed(F32Vector{1, 0, -1}, m)
	want = []float32{-2, -2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MulVecTransposed[%d]: expected %v, got %v", i, want[i], got[i])
		}
	}

	tr := Transpose(m)
	if tr.Rows() != 3 || tr.Cols() != 2 || tr.Get(2, 1) != 6 {
		t.Errorf("unexpected transpose: %dx%d", tr.Rows(), tr.Cols())
	}
	// multiplying by the transpose must agree with the transposed product
	viaT := MulVec(F32Vector{1, 0, -1}, tr)
	for i := range viaT {
		if viaT[i] != got[i] {
			t.Errorf("transpose product mismatch at %d: %v vs %v", i, viaT[i], got[i])
		}
	}
}

func TestMulVecTransposedParallelMatchesSerial(t *testing.T) {
	rows, cols := 512, 64
	m := NewDense(Float32, rows, cols)
	half := NewDense(Float16, rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x := float32((r*7+c*3)%11) / 8
			m.Set(r, c, x)
			half.Set(r, c, x)
		}
	}
	in := make(F32Vector, cols)
	for i := range in {
		in[i] = float32(i%5) - 2
	}

	out := MulVecTransposed(in, m)
	outHalf := MulVecTransposed(in, half)
	for r := 0; r < rows; r++ {
		want := Dot(in, m.Row(r))
		if out[r] != want {
			t.Fatalf("row %d: expected %v, got %v", r, want, out[r])
		}
		// values are exactly representable in F16
		if outHalf[r] != want {
			t.Fatalf("row %d (F16): expected %v, got %v", r, want, outHalf[r])
		}
	}
}

func TestNorms(t *testing.T) {
	v := F32Vector{1, 2, 3, 4}
	ones := F32Vector{1, 1, 1, 1}

	ln := LayerNorm(v, ones, nil, 1e-5)
	wantLN := []float32{-1.3416354, -0.4472118, 0.4472118, 1.3416354}
	for i := range wantLN {
		if !approxEqual(ln[i], wantLN[i], 1e-5) {
			t.Errorf("layer norm[%d]: expected %v, got %v", i, wantLN[i], ln[i])
		}
	}

	lnBias := LayerNorm(v, F32Vector{2, 2, 2, 2}, ones, 1e-5)
	if !approxEqual(lnBias[0], 2*wantLN[0]+1, 1e-5) {
		t.Errorf("layer norm with affine: got %v", lnBias[0])
	}

	rms := RMSNorm(v, ones, 1e-5, 0)
	wantRMS := []float32{0.3651481, 0.7302963, 1.0954444, 1.4605925}
	for i := range wantRMS {
		if !approxEqual(rms[i], wantRMS[i], 1e-5) {
			t.Errorf("rms norm[%d]: expected %v, got %v", i, wantRMS[i], rms[i])
		}
	}

	// offset variant: (1 + 0) * x == plain with unit weights
	offset := RMSNorm(v, F32Vector{0, 0, 0, 0}, 1e-5, 1)
	for i := range offset {
		if !approxEqual(offset[i], rms[i], 1e-6) {
			t.Errorf("rms norm offset[%d]: expected %v, got %v", i, rms[i], offset[i])
		}
	}
}

func TestActivations(t *testing.T) {
	testCases := []struct {
		name string
		fn   func(float32) float32
		in   float32
		want float32
	}{
		{"gelu", GELU, 1, 0.8413447},
		{"gelu zero", GELU, 0, 0},
		{"fast gelu", FastGELU, 1, 0.8411920},
		{"relu positive", ReLU, 2.5, 2.5},
		{"relu negative", ReLU, -2.5, 0},
		{"silu", SiLU, 1, 0.7310586},
		{"silu two", SiLU, 2, 1.7615942},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.fn(tc.in); !approxEqual(got, tc.want, 1e-6) {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}

	v := F32Vector{-1, 0, 1}
	Apply(v, ReLU)
	if v[0] != 0 || v[2] != 1 {
		t.Errorf("apply relu: got %v", v)
	}
}
