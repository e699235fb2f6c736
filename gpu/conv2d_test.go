package gpu

import (
	"strings"
	"testing"
)

func TestConv2DSpecOutputSize(t *testing.T) {
	tests := []struct {
		spec   Conv2DSpec
		oh, ow int
	}{
		{Conv2DSpec{KernelSize: 3, Padding: 1, InputHeight: 8, InputWidth: 6}, 8, 6},
		{Conv2DSpec{KernelSize: 3, Stride: 2, Padding: 1, InputHeight: 8, InputWidth: 7}, 4, 4},
		{Conv2DSpec{KernelSize: 3, Padding: 12, Dilation: 12, InputHeight: 5, InputWidth: 5}, 5, 5},
		{Conv2DSpec{KernelSize: 3, Stride: 2, InputHeight: 2, InputWidth: 2}, 0, 0},
	}
	for i, tt := range tests {
		oh, ow := tt.spec.OutputSize()
		if oh != tt.oh || ow != tt.ow {
			t.Errorf("case %d: got %dx%d, want %dx%d", i, oh, ow, tt.oh, tt.ow)
		}
	}
}

func TestNewConv2DLayerValidates(t *testing.T) {
	base := Conv2DSpec{Batch: 1, InChannels: 2, OutChannels: 3, KernelSize: 3, InputHeight: 4, InputWidth: 4}

	spec := base
	spec.Weights = make([]float32, 10)
	if _, err := NewConv2DLayer(spec); err == nil || !strings.Contains(err.Error(), "weight size") {
		t.Errorf("expected weight size error, got %v", err)
	}

	spec.Weights = make([]float32, 3*2*3*3)
	spec.Bias = make([]float32, 2)
	if _, err := NewConv2DLayer(spec); err == nil || !strings.Contains(err.Error(), "bias size") {
		t.Errorf("expected bias size error, got %v", err)
	}

	spec.Bias = nil
	spec.InputHeight = 1
	if _, err := NewConv2DLayer(spec); err == nil {
		t.Error("expected empty output error")
	}

	spec.Stride = 2
	spec.InputHeight = 2
	if _, err := NewConv2DLayer(spec); err == nil {
		t.Error("expected empty output error for a strided oversized kernel")
	}

	spec.Stride = 0
	spec.InputHeight = 4
	if _, err := NewConv2DLayer(spec); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
	if _, err := Conv2DForward(spec, make([]float32, 5)); err == nil || !strings.Contains(err.Error(), "input size") {
		t.Errorf("expected input size error, got %v", err)
	}
}
