package nn

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	// Test NewTensor
	tensor := NewTensor[float32](3, 4)
	if tensor.Size() != 12 {
		t.Errorf("Expected size 12, got %d", tensor.Size())
	}
	if len(tensor.Shape) != 2 || tensor.Shape[0] != 3 || tensor.Shape[1] != 4 {
		t.Errorf("Expected shape [3, 4], got %v", tensor.Shape)
	}

	// Test NewTensorFromSlice
	data := []float64{1, 2, 3, 4, 5, 6}
	tensor2 := NewTensorFromSlice(data, 2, 3)
	if tensor2.Size() != 6 {
		t.Errorf("Expected size 6, got %d", tensor2.Size())
	}
	if tensor2.Data[0] != 1 || tensor2.Data[5] != 6 {
		t.Errorf("Data not correctly initialized")
	}

	if NewTensorFromSlice(data, 4, 2) != nil {
		t.Error("NewTensorFromSlice with wrong size should return nil")
	}
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]float32{1, 2, 3, 4}, 4)
	original.Device = DeviceGPU
	clone := original.Clone()

	// Modify original
	original.Data[0] = 100

	// Clone should be unchanged
	if clone.Data[0] != 1 {
		t.Errorf("Clone was modified when original changed")
	}
	if clone.Device != DeviceGPU {
		t.Errorf("Clone lost its device, got %s", clone.Device)
	}
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(2, 3)

	if reshaped == nil {
		t.Fatal("Reshape returned nil")
	}
	if len(reshaped.Shape) != 2 || reshaped.Shape[0] != 2 || reshaped.Shape[1] != 3 {
		t.Errorf("Expected shape [2, 3], got %v", reshaped.Shape)
	}

	// Invalid reshape should return nil
	invalid := tensor.Reshape(2, 2)
	if invalid != nil {
		t.Error("Invalid reshape should return nil")
	}
}

// TestActivateGeneric verifies generic activation functions
func TestActivateGeneric(t *testing.T) {
	// Test with float32
	resultF32 := Activate[float32](0.5, ActivationSigmoid)
	expectedF32 := float32(1.0 / (1.0 + math.Exp(-0.5)))
	if math.Abs(float64(resultF32-expectedF32)) > 1e-6 {
		t.Errorf("Sigmoid float32: expected %f, got %f", expectedF32, resultF32)
	}

	// Test with float64
	resultF64 := Activate[float64](0.5, ActivationSigmoid)
	expectedF64 := 1.0 / (1.0 + math.Exp(-0.5))
	if math.Abs(resultF64-expectedF64) > 1e-10 {
		t.Errorf("Sigmoid float64: expected %f, got %f", expectedF64, resultF64)
	}

	// Test ReLU
	if r := Activate[float32](-1.0, ActivationReLU); r != 0 {
		t.Errorf("ReLU of negative should be 0, got %f", r)
	}
	if r := Activate[float32](1.5, ActivationReLU); r != 1.5 {
		t.Errorf("ReLU of 1.5 should be 1.5, got %f", r)
	}

	// Sigmoid stays finite and saturates for extreme inputs
	if s := Activate[float64](-1000, ActivationSigmoid); s != 0 || math.IsNaN(s) {
		t.Errorf("Sigmoid(-1000) should be 0, got %f", s)
	}
	if s := Activate[float64](1000, ActivationSigmoid); s != 1 {
		t.Errorf("Sigmoid(1000) should be 1, got %f", s)
	}
}

func TestChannelsLastRoundTrip(t *testing.T) {
	x := randTensor[float32](1, 2, 3, 4, 5)
	cl := x.ToChannelsLast()
	require.Equal(t, LayoutChannelsLast, cl.Layout)
	assert.Equal(t, x.Shape, cl.Shape)

	// Logical indexing is layout independent
	assert.Equal(t, x.At(1, 2, 3, 4), cl.At(1, 2, 3, 4))
	assert.Equal(t, x.At(0, 1, 2, 0), cl.At(0, 1, 2, 0))
	// Channels are innermost in NHWC
	assert.Equal(t, x.At(0, 1, 0, 0), cl.Data[1])

	// Converting an already channels-last tensor is a no-op
	assert.Same(t, cl, cl.ToChannelsLast())

	back := cl.Contiguous()
	assert.Equal(t, x.Data, back.Data)
	assert.Same(t, x, x.Contiguous())
}

func TestConcatSplitChannels(t *testing.T) {
	a := randTensor[float64](1, 2, 3, 2, 2)
	b := randTensor[float64](2, 2, 1, 2, 2).ToChannelsLast()

	cat, err := ConcatChannels(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 2, 2}, cat.Shape)
	assert.Equal(t, a.At(1, 2, 1, 0), cat.At(1, 2, 1, 0))
	assert.Equal(t, b.At(1, 0, 0, 1), cat.At(1, 3, 0, 1))

	parts, err := SplitChannelSizes(cat, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, a.Data, parts[0].Data)
	assert.Equal(t, b.Contiguous().Data, parts[1].Data)

	halves, err := SplitChannels(cat, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 2}, halves[1].Shape)

	_, err = SplitChannels(cat, 3)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = SplitChannelSizes(cat, 2, 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = ConcatChannels(a, randTensor[float64](3, 2, 1, 3, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAddInPlaceMixedLayouts(t *testing.T) {
	a := randTensor[float64](4, 1, 2, 3, 3)
	b := randTensor[float64](5, 1, 2, 3, 3)
	want := a.Clone()
	for i := range want.Data {
		want.Data[i] += b.Data[i]
	}
	require.NoError(t, a.AddInPlace(b.ToChannelsLast()))
	assert.InDeltaSlice(t, want.Data, a.Data, 1e-12)

	assert.ErrorIs(t, a.AddInPlace(NewTensor[float64](1, 2, 3, 4)), ErrShapeMismatch)
}

func TestSummarize(t *testing.T) {
	x := NewTensorFromSlice([]float64{1, 2, 3, math.Inf(1)}, 4)
	s := Summarize(x)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 1, s.NonFinite)

	one := Summarize(NewTensorFromSlice([]float32{2}, 1))
	assert.Equal(t, 2.0, one.Mean)
	assert.Equal(t, 0.0, one.StdDev)
}
