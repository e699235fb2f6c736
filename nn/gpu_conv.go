package nn

import (
	"github.com/openfluke/sdn/gpu"
)

// conv2DForwardGPU runs a non-transposed convolution on the WebGPU kernel.
// The kernel computes in float32 and the result is converted back to T.
func conv2DForwardGPU[T Float](input, kernel, bias []T, cfg Conv2DConfig, batch, inH, inW int) ([]T, error) {
	spec := gpu.Conv2DSpec{
		Batch:       batch,
		InChannels:  cfg.InChannels,
		OutChannels: cfg.OutChannels,
		KernelSize:  cfg.KernelSize,
		Stride:      cfg.Stride,
		Padding:     cfg.Padding,
		Dilation:    cfg.Dilation,
		InputHeight: inH,
		InputWidth:  inW,
		Weights:     ConvertSliceToFloat32(kernel),
	}
	if bias != nil {
		spec.Bias = ConvertSliceToFloat32(bias)
	}
	out, err := gpu.Conv2DForward(spec, ConvertSliceToFloat32(input))
	if err != nil {
		return nil, err
	}
	return ConvertSliceFromFloat32[T](out), nil
}
