package nn

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	values := []float64{0.5, -2, 1.25, 3, 0, -0.375}
	for _, dtype := range []string{"F32", "F64", "F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			data, err := SerializeSafetensors(map[string]TensorWithShape{
				"w": {Values: values, Shape: []int{2, 3}, DType: dtype},
				"b": {Values: []float64{7}, Shape: []int{1}},
			})
			require.NoError(t, err)

			got, err := LoadSafetensorsFromBytes(data)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, values, got["w"].Values)
			assert.Equal(t, []int{2, 3}, got["w"].Shape)
			assert.Equal(t, dtype, got["w"].DType)
			assert.Equal(t, "F32", got["b"].DType)
		})
	}
}

func TestSafetensorsLossyDTypes(t *testing.T) {
	v := []float64{1.0 / 3, 1000.1, -7.77e-3}
	data, err := SerializeSafetensors(map[string]TensorWithShape{
		"h": {Values: v, Shape: []int{3}, DType: "F16"},
		"b": {Values: v, Shape: []int{3}, DType: "BF16"},
	})
	require.NoError(t, err)
	got, err := LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	for i := range v {
		assert.InEpsilon(t, v[i], got["h"].Values[i], 1e-3)
		assert.InEpsilon(t, v[i], got["b"].Values[i], 1e-2)
	}
}

func TestFloat32ToBFloat16Rounding(t *testing.T) {
	// 1 + 2^-8 is exactly halfway; ties go to the even mantissa
	assert.Equal(t, uint16(0x3F80), float32ToBFloat16(1+1.0/256))
	assert.Equal(t, uint16(0x3F81), float32ToBFloat16(1+1.0/256+1.0/65536))
	assert.Equal(t, uint16(0x3F82), float32ToBFloat16(1+3.0/256))
	assert.True(t, math.IsNaN(float64(math.Float32frombits(uint32(float32ToBFloat16(float32(math.NaN())))<<16))))
}

func TestSerializeSafetensorsRejects(t *testing.T) {
	_, err := SerializeSafetensors(map[string]TensorWithShape{
		"w": {Values: []float64{1, 2, 3}, Shape: []int{2, 2}},
	})
	assert.ErrorContains(t, err, "holds 4 values")

	_, err = SerializeSafetensors(map[string]TensorWithShape{
		"w": {Values: []float64{1}, Shape: []int{1}, DType: "I8"},
	})
	assert.ErrorContains(t, err, "unsupported dtype")

	_, err = SerializeSafetensors(map[string]TensorWithShape{
		"w": {Values: []float64{1}, Shape: []int{-1, -1}},
	})
	assert.ErrorContains(t, err, "negative dimension")
}

// rawSafetensors assembles a file from a literal header and data block.
func rawSafetensors(header string, data []byte) []byte {
	out := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, data...)
}

func TestLoadSafetensorsSkipsUnsupported(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], 42)
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(2.5))
	raw := rawSafetensors(`{"__metadata__":{"format":"pt"},`+
		`"step":{"dtype":"I32","shape":[1],"data_offsets":[0,4]},`+
		`"w":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, data)

	var logged []string
	prev := Logf
	Logf = func(format string, v ...interface{}) { logged = append(logged, format) }
	t.Cleanup(func() { Logf = prev })

	got, err := LoadSafetensorsFromBytes(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float64{2.5}, got["w"].Values)
	assert.Len(t, logged, 1)
}

func TestLoadSafetensorsMalformed(t *testing.T) {
	good, err := SerializeSafetensors(map[string]TensorWithShape{
		"w": {Values: []float64{1, 2, 3, 4}, Shape: []int{4}},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"truncated data", good[:len(good)-2]},
		{"header too large", func() []byte {
			b := append([]byte(nil), good...)
			binary.LittleEndian.PutUint64(b, uint64(len(b)))
			return b
		}()},
		{"bad json", rawSafetensors(`{"w":`, nil)},
		{"wrong size", rawSafetensors(`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`, make([]byte, 4))},
		{"bad offsets", rawSafetensors(`{"w":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`, make([]byte, 4))},
		{"negative dim", rawSafetensors(`{"w":{"dtype":"F32","shape":[-1],"data_offsets":[4,0]}}`, make([]byte, 4))},
		{"negative dims cancel", rawSafetensors(`{"w":{"dtype":"F32","shape":[-1,-1],"data_offsets":[0,4]}}`, make([]byte, 4))},
		{"reversed offsets", rawSafetensors(`{"w":{"dtype":"F32","shape":[0],"data_offsets":[4,4]},"v":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, make([]byte, 4))},
		{"overflowing shape", rawSafetensors(`{"w":{"dtype":"F64","shape":[4294967296,4294967296],"data_offsets":[0,0]}}`, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = LoadSafetensorsFromBytes(tt.data) })
			assert.Error(t, err)
		})
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	cfg := SDNConfig{InChannels: 2, OutChannels: 3, NumFeatures: 4, KernelSize: 3, Padding: 1}
	src, err := NewResSDNLayer[float32](cfg, NewSource(31))
	require.NoError(t, err)
	dst, err := NewResSDNLayer[float32](cfg, NewSource(32))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "res_sdn.safetensors")
	require.NoError(t, SaveSafetensors(path, StateDict[float32](src, "")))
	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	assert.Len(t, tensors, len(src.Parameters()))
	assert.Equal(t, []int{12, 12}, tensors["sdn.sdn_correction_stage.0.cell.gru.weight_ih"].Shape)

	require.NoError(t, LoadStateDict[float32](dst, tensors, true))

	x := randTensor[float32](33, 1, 2, 5, 5)
	want, err := src.Forward(x)
	require.NoError(t, err)
	got, err := dst.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)

	// float32 weights survive an F64 checkpoint and load into float64 layers
	wide, err := NewResSDNLayer[float64](cfg, nil)
	require.NoError(t, err)
	data, err := SerializeSafetensors(StateDict[float32](src, "F64"))
	require.NoError(t, err)
	tensors, err = LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	require.NoError(t, LoadStateDict[float64](wide, tensors, true))
	for i, p := range wide.Parameters() {
		assert.Equal(t, ConvertSliceToFloat32(p.Value.Data), src.Parameters()[i].Value.Data, p.Name)
	}
}

func TestStateDictFloat64Exact(t *testing.T) {
	cfg := SDNConfig{InChannels: 2, OutChannels: 2, NumFeatures: 3, KernelSize: 3, Padding: 1}
	src, err := NewResSDNLayer[float64](cfg, NewSource(34))
	require.NoError(t, err)
	src.Parameters()[0].Value.Data[0] = 0.1
	dst, err := NewResSDNLayer[float64](cfg, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wide.safetensors")
	require.NoError(t, SaveSafetensors(path, StateDict[float64](src, "F64")))
	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.NoError(t, LoadStateDict[float64](dst, tensors, true))

	assert.Equal(t, 0.1, dst.Parameters()[0].Value.Data[0])
	for i, p := range dst.Parameters() {
		assert.Equal(t, src.Parameters()[i].Value.Data, p.Value.Data, p.Name)
	}
}

func TestLoadStateDictKeyMismatch(t *testing.T) {
	prev := Logf
	SetLogger(nil)
	t.Cleanup(func() { Logf = prev })

	bn := NewBatchNorm2D[float32](2)
	full := map[string]TensorWithShape{
		"weight":       {Values: []float64{2, 3}, Shape: []int{2}},
		"bias":         {Values: []float64{4, 5}, Shape: []int{2}},
		"running_mean": {Values: []float64{6, 7}, Shape: []int{2}},
		"running_var":  {Values: []float64{8, 9}, Shape: []int{2}},
	}

	missing := map[string]TensorWithShape{"weight": full["weight"]}
	assert.ErrorIs(t, LoadStateDict[float32](bn, missing, true), ErrConfig)
	assert.Equal(t, []float32{1, 1}, bn.Weight.Value.Data, "strict failure writes nothing")

	require.NoError(t, LoadStateDict[float32](bn, missing, false))
	assert.Equal(t, []float32{2, 3}, bn.Weight.Value.Data)
	assert.Equal(t, []float32{0, 0}, bn.Bias.Value.Data)

	extra := map[string]TensorWithShape{"num_batches_tracked": {Values: []float64{1}, Shape: []int{}}}
	for k, v := range full {
		extra[k] = v
	}
	err := LoadStateDict[float32](bn, extra, true)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorContains(t, err, "num_batches_tracked")
	require.NoError(t, LoadStateDict[float32](bn, extra, false))
	assert.Equal(t, []float32{8, 9}, bn.RunningVar.Value.Data)
}

func TestLoadStateDictCountMismatch(t *testing.T) {
	conv, err := NewConv2D[float32](Conv2DConfig{InChannels: 1, OutChannels: 2, KernelSize: 1})
	require.NoError(t, err)
	tensors := map[string]TensorWithShape{
		"weight": {Values: []float64{1, 2}, Shape: []int{2, 1, 1, 1}},
		"bias":   {Values: []float64{1, 2, 3}, Shape: []int{3}},
	}
	for _, strict := range []bool{true, false} {
		assert.ErrorIs(t, LoadStateDict[float32](conv, tensors, strict), ErrShapeMismatch)
		assert.Equal(t, []float32{0, 0}, conv.Weight.Value.Data, "no partial load")
	}
}
