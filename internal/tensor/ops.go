package tensor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// parallelThreshold is the element count below which matrix products stay on
// the calling goroutine.
const parallelThreshold = 1 << 14

// Add returns a + b as a new Float32 vector.
func Add(a, b Vector) F32Vector {
	mustSameLen("add", a, b)
	out := Clone(a)
	for i := range out {
		out[i] += b.Get(i)
	}
	return out
}

// AddInPlace adds b into a.
func AddInPlace(a F32Vector, b Vector) {
	mustSameLen("add", a, b)
	if bf, ok := b.(F32Vector); ok {
		for i := range a {
			a[i] += bf[i]
		}
		return
	}
	for i := range a {
		a[i] += b.Get(i)
	}
}

// Dot is the sum of element-wise products, accumulated left to right.
func Dot(a, b Vector) float32 {
	mustSameLen("dot", a, b)
	af, aok := a.(F32Vector)
	bf, bok := b.(F32Vector)
	var sum float32
	if aok && bok {
		for i := range af {
			sum += af[i] * bf[i]
		}
		return sum
	}
	for i := 0; i < a.Len(); i++ {
		sum += a.Get(i) * b.Get(i)
	}
	return sum
}

// Scale returns v * s.
func Scale(v Vector, s float32) F32Vector {
	out := Clone(v)
	for i := range out {
		out[i] *= s
	}
	return out
}

// Mul returns the element-wise product.
func Mul(a, b Vector) F32Vector {
	mustSameLen("mul", a, b)
	out := Clone(a)
	for i := range out {
		out[i] *= b.Get(i)
	}
	return out
}

// Split cuts v into n equal views. len(v) must be divisible by n.
func Split(v Vector, n int) []Vector {
	if n <= 0 || v.Len()%n != 0 {
		panic(fmt.Sprintf("tensor: cannot split vector of %d into %d parts", v.Len(), n))
	}
	size := v.Len() / n
	parts := make([]Vector, n)
	for i := range parts {
		parts[i] = v.Slice(i*size, (i+1)*size)
	}
	return parts
}

// Flatten concatenates the parts into one Float32 vector.
func Flatten(parts []Vector) F32Vector {
	total := 0
	for _, p := range parts {
		total += p.Len()
	}
	out := make(F32Vector, 0, total)
	for _, p := range parts {
		out = append(out, Clone(p)...)
	}
	return out
}

// MulVec multiplies the row vector v by m: out[c] = sum_r v[r]*m[r][c].
// Used for weights stored as (in, out).
func MulVec(v Vector, m Matrix) F32Vector {
	if v.Len() != m.Rows() {
		panic(fmt.Sprintf("tensor: vector of %d times matrix %dx%d", v.Len(), m.Rows(), m.Cols()))
	}
	in := Clone(v)
	out := make(F32Vector, m.Cols())
	parallelRows(m.Cols(), m.Rows()*m.Cols(), func(start, end int) {
		for c := start; c < end; c++ {
			var sum float32
			for r, x := range in {
				sum += x * m.Get(r, c)
			}
			out[c] = sum
		}
	})
	return out
}

// MulVecTransposed multiplies v by m^T: out[r] = dot(v, m.Row(r)).
// Used for weights stored as (out, in).
func MulVecTransposed(v Vector, m Matrix) F32Vector {
	if v.Len() != m.Cols() {
		panic(fmt.Sprintf("tensor: vector of %d times transposed matrix %dx%d", v.Len(), m.Rows(), m.Cols()))
	}
	in := Clone(v)
	out := make(F32Vector, m.Rows())
	cols := m.Cols()

	var flat F32Vector
	if d, ok := m.(*Dense); ok {
		flat, _ = d.data.(F32Vector)
	}

	parallelRows(m.Rows(), m.Rows()*cols, func(start, end int) {
		for r := start; r < end; r++ {
			var sum float32
			if flat != nil {
				row := flat[r*cols : (r+1)*cols]
				for k, x := range in {
					sum += x * row[k]
				}
			} else {
				for k, x := range in {
					sum += x * m.Get(r, k)
				}
			}
			out[r] = sum
		}
	})
	return out
}

// parallelRows splits [0,n) across runtime.NumCPU goroutines when the work is
// large enough. Every index is handled by exactly one goroutine, so results
// do not depend on the split.
func parallelRows(n, work int, fn func(start, end int)) {
	parallelism := runtime.NumCPU()
	if work < parallelThreshold || parallelism < 2 || n < 2 {
		fn(0, n)
		return
	}
	chunkSize := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// Max returns the largest element; -Inf for an empty vector.
func Max(v Vector) float32 {
	m := float32(math.Inf(-1))
	for i := 0; i < v.Len(); i++ {
		if x := v.Get(i); x > m {
			m = x
		}
	}
	return m
}

// Softmax rescales v into probabilities, subtracting the maximum first.
// Accumulation is done in float64.
func Softmax(v Vector) F32Vector {
	out := make(F32Vector, v.Len())
	if v.Len() == 0 {
		return out
	}
	max := float64(Max(v))
	var total float64
	exps := make([]float64, v.Len())
	for i := range exps {
		exps[i] = math.Exp(float64(v.Get(i)) - max)
		total += exps[i]
	}
	for i, e := range exps {
		out[i] = float32(e / total)
	}
	return out
}

// Normalize returns (v - mean) / sqrt(variance + eps).
func Normalize(v Vector, eps float32) F32Vector {
	out := Clone(v)
	n := float64(len(out))
	if n == 0 {
		return out
	}
	var mean float64
	for _, x := range out {
		mean += float64(x)
	}
	mean /= n
	var variance float64
	for _, x := range out {
		d := float64(x) - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, x := range out {
		out[i] = float32((float64(x) - mean) * inv)
	}
	return out
}

// LayerNorm is Normalize followed by an affine transform. bias may be nil.
func LayerNorm(v, weight, bias Vector, eps float32) F32Vector {
	out := Normalize(v, eps)
	for i := range out {
		out[i] *= weight.Get(i)
		if bias != nil {
			out[i] += bias.Get(i)
		}
	}
	return out
}

// RMSNorm scales v by the reciprocal root mean square, then by
// (weightOffset + weight[i]). weightOffset is 0 for most models.
func RMSNorm(v, weight Vector, eps, weightOffset float32) F32Vector {
	out := Clone(v)
	if len(out) == 0 {
		return out
	}
	var sum float32
	for _, x := range out {
		sum += x * x
	}
	inv := float32(1.0 / math.Sqrt(float64(sum/float32(len(out))+eps)))
	for i, x := range out {
		out[i] = (weightOffset + weight.Get(i)) * (inv * x)
	}
	return out
}

func mustSameLen(op string, a, b Vector) {
	if a.Len() != b.Len() {
		panic(fmt.Sprintf("tensor: %s of vectors with lengths %d and %d", op, a.Len(), b.Len()))
	}
}
