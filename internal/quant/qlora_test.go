package quant

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/safetensors"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// packNibbles packs 4 bit codes two per byte, high nibble first.
func packNibbles(codes []byte) []byte {
	out := make([]byte, (len(codes)+1)/2)
	for i, c := range codes {
		if i%2 == 0 {
			out[i/2] |= c << 4
		} else {
			out[i/2] |= c & 0x0F
		}
	}
	return out
}

func qloraFixture(t *testing.T, extra ...safetensors.Tensor) (*safetensors.Reader, []byte, []float32) {
	t.Helper()
	// (out=2, in=4) flattened, blocksize 4
	codes := []byte{1, 2, 3, 4, 15, 0, 7, 8}
	quantMap := make([]float32, 16)
	for i := range quantMap {
		quantMap[i] = float32(i-8) / 8
	}
	state, err := json.Marshal(map[string]any{
		"quant_type": "nf4", "blocksize": 4, "dtype": "float16", "shape": []int{2, 4},
		"nested_blocksize": 256, "nested_offset": 0.25,
	})
	require.NoError(t, err)

	tensors := append([]safetensors.Tensor{
		safetensors.Uint8Tensor("proj.weight", []int64{4, 1}, packNibbles(codes)),
		safetensors.Float32Tensor("proj.weight.quant_map", []int64{16}, quantMap),
		safetensors.Uint8Tensor("proj.weight.quant_state.bitsandbytes__nf4", []int64{int64(len(state))}, state),
		safetensors.Float32Tensor("norm.weight", []int64{4}, []float32{1, 1, 1, 1}),
	}, extra...)

	dir := t.TempDir()
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), tensors))
	r, err := safetensors.OpenDir(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, codes, quantMap
}

func TestQLoRAMatrixFormula(t *testing.T) {
	absMax := []float32{2, 0.5}
	r, codes, quantMap := qloraFixture(t, safetensors.Float32Tensor("proj.weight.absmax", []int64{2}, absMax))

	loader := QLoRA{}
	horizontal, err := loader.LoadMatrix(r, "proj.weight", 2, 4, Horizontal)
	require.NoError(t, err)
	vertical, err := loader.LoadMatrix(r, "proj.weight", 4, 2, Vertical)
	require.NoError(t, err)
	require.IsType(t, &QLoRAMatrix{}, horizontal)
	require.IsType(t, &QLoRAMatrixTransposed{}, vertical)
	require.Equal(t, 2, horizontal.Rows())
	require.Equal(t, 4, vertical.Rows())

	for o := 0; o < 2; o++ {
		row := horizontal.Row(o)
		for i := 0; i < 4; i++ {
			idx := o*4 + i
			want := quantMap[codes[idx]] * absMax[idx/4]
			assert.InDelta(t, want, horizontal.Get(o, i), 1e-6, "(%d,%d)", o, i)
			assert.InDelta(t, want, row.Get(i), 1e-6)
			assert.InDelta(t, want, vertical.Get(i, o), 1e-6)
			assert.InDelta(t, want, vertical.Row(i).Get(o), 1e-6)
		}
	}
	// code 15 in the second block: (15-8)/8 * 0.5
	assert.InDelta(t, 0.4375, horizontal.Get(1, 0), 1e-6)

	in := tensor.F32Vector{1, 2, 3, 4}
	a := tensor.MulVecTransposed(in, horizontal)
	b := tensor.MulVec(in, vertical)
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-5)
	}

	size, err := loader.MatrixByteSize(r, "proj.weight", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(8/2+4*2+4*16), size)

	// unquantized parameters read as floats
	norm, err := loader.LoadMatrix(r, "norm.weight", 1, 4, Horizontal)
	require.NoError(t, err)
	assert.Equal(t, float32(1), norm.Get(0, 3))
	plain, err := loader.MatrixByteSize(r, "norm.weight", 1, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(16), plain)
}

func TestQLoRADoubleQuantization(t *testing.T) {
	nestedMap := make([]float32, 256)
	for i := range nestedMap {
		nestedMap[i] = float32(i) / 255
	}
	absCodes := []byte{51, 255}
	r, codes, quantMap := qloraFixture(t,
		safetensors.Uint8Tensor("proj.weight.absmax", []int64{2}, absCodes),
		safetensors.Float32Tensor("proj.weight.nested_quant_map", []int64{256}, nestedMap),
		safetensors.Float32Tensor("proj.weight.nested_absmax", []int64{1}, []float32{4}),
	)

	absMax := []float32{51.0/255*4 + 0.25, 4 + 0.25}
	assert.InDeltaSlice(t, absMax, DequantizeAbsMax(absCodes, nestedMap, []float32{4}, 256, 0.25), 1e-6)

	m, err := QLoRA{}.LoadMatrix(r, "proj.weight", 4, 2, Vertical)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		for o := 0; o < 2; o++ {
			idx := o*4 + i
			assert.InDelta(t, quantMap[codes[idx]]*absMax[idx/4], m.Get(i, o), 1e-5)
		}
	}
}

func TestQLoRAMatrixValidation(t *testing.T) {
	quantMap := make([]float32, 16)
	_, err := NewQLoRAMatrix(2, 4, 4, quantMap, []float32{1, 1}, []byte{0, 0, 0})
	assert.Error(t, err, "too few packed bytes")
	_, err = NewQLoRAMatrix(2, 4, 4, quantMap, []float32{1}, []byte{0, 0, 0, 0})
	assert.Error(t, err, "too few blocks")
	_, err = NewQLoRAMatrixTransposed(2, 4, 4, quantMap[:8], []float32{1, 1}, []byte{0, 0, 0, 0})
	assert.Error(t, err, "short quant map")

	m, err := NewQLoRAMatrixTransposed(4, 2, 4, quantMap, []float32{1, 1}, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.PanicsWithError(t, "tensor: read-only: 4 bit matrix", func() { m.Set(0, 0, 1) })
}

func TestQLoRAMissingState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), []safetensors.Tensor{
		safetensors.Uint8Tensor("proj.weight", []int64{4}, make([]byte, 4)),
		safetensors.Float32Tensor("proj.weight.absmax", []int64{2}, []float32{1, 1}),
	}))
	r, err := safetensors.OpenDir(dir)
	require.NoError(t, err)
	defer r.Close()

	_, err = QLoRA{}.LoadMatrix(r, "proj.weight", 2, 4, Horizontal)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
