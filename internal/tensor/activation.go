package tensor

import "math"

// GELU is the exact Gaussian error linear unit, x * Phi(x).
func GELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// FastGELU is the tanh approximation used by GPT-2 and BLOOM.
func FastGELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Tanh(0.7978845608*(float64(x)+0.044715*float64(x)*float64(x)*float64(x)))))
}

// ReLU clamps negatives to zero.
func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// SiLU is x * sigmoid(x), the activation inside SwiGLU.
func SiLU(x float32) float32 {
	return float32(float64(x) / (1 + math.Exp(-float64(x))))
}

// Apply runs fn over every element in place.
func Apply(v F32Vector, fn func(float32) float32) {
	for i, x := range v {
		v[i] = fn(x)
	}
}
