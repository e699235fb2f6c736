package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Conv2DConfig describes a 2D convolution or transposed convolution.
type Conv2DConfig struct {
	InChannels    int
	OutChannels   int
	KernelSize    int // Size of convolution kernel (e.g., 3 for 3x3)
	Stride        int // Defaults to 1
	Padding       int
	Dilation      int // Defaults to 1
	OutputPadding int // Transposed only
	Transposed    bool
	NoBias        bool
}

func (c Conv2DConfig) withDefaults() Conv2DConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	if c.Dilation == 0 {
		c.Dilation = 1
	}
	return c
}

// Validate checks the configuration.
func (c Conv2DConfig) Validate() error {
	c = c.withDefaults()
	switch {
	case c.InChannels <= 0 || c.OutChannels <= 0:
		return fmt.Errorf("%w: conv channels must be positive, got in=%d out=%d", ErrConfig, c.InChannels, c.OutChannels)
	case c.KernelSize <= 0:
		return fmt.Errorf("%w: conv kernel size must be positive, got %d", ErrConfig, c.KernelSize)
	case c.Stride < 0 || c.Dilation < 0 || c.Padding < 0 || c.OutputPadding < 0:
		return fmt.Errorf("%w: conv stride, dilation and padding must be non-negative", ErrConfig)
	case c.OutputPadding > 0 && !c.Transposed:
		return fmt.Errorf("%w: output padding requires a transposed convolution", ErrConfig)
	case c.Transposed && c.OutputPadding >= c.Stride && c.OutputPadding >= c.Dilation:
		return fmt.Errorf("%w: output padding %d must be smaller than stride or dilation", ErrConfig, c.OutputPadding)
	}
	return nil
}

// OutputSize returns the spatial output size for an input of h×w. A
// dimension is 0 when the kernel window does not fit.
func (c Conv2DConfig) OutputSize(h, w int) (int, int) {
	c = c.withDefaults()
	span := c.Dilation*(c.KernelSize-1) + 1
	if c.Transposed {
		return (h-1)*c.Stride - 2*c.Padding + span + c.OutputPadding,
			(w-1)*c.Stride - 2*c.Padding + span + c.OutputPadding
	}
	return convOutDim(h, c.Padding, span, c.Stride), convOutDim(w, c.Padding, span, c.Stride)
}

// convOutDim is the output length along one axis, or 0 when the kernel
// does not fit inside the padded input.
func convOutDim(size, pad, span, stride int) int {
	room := size + 2*pad - span
	if room < 0 {
		return 0
	}
	return room/stride + 1
}

// Conv2D is a 2D convolution layer over NCHW tensors.
// Weight shape: conv (Cout, Cin, K, K); transposed (Cin, Cout, K, K).
type Conv2D[T Float] struct {
	Config Conv2DConfig
	Weight *Parameter[T]
	Bias   *Parameter[T] // nil when Config.NoBias

	input *Tensor[T]
}

// NewConv2D creates a zero-initialized convolution layer.
func NewConv2D[T Float](cfg Conv2DConfig) (*Conv2D[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	k := cfg.KernelSize
	c := &Conv2D[T]{Config: cfg}
	if cfg.Transposed {
		c.Weight = newParameter[T]("weight", cfg.InChannels, cfg.OutChannels, k, k)
	} else {
		c.Weight = newParameter[T]("weight", cfg.OutChannels, cfg.InChannels, k, k)
	}
	if !cfg.NoBias {
		c.Bias = newParameter[T]("bias", cfg.OutChannels)
	}
	return c, nil
}

// Reset draws weights and bias from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func (c *Conv2D[T]) Reset(src rand.Source) {
	bound := 1 / math.Sqrt(float64(c.fanIn()))
	InitUniform(c.Weight, bound, src)
	if c.Bias != nil {
		InitUniform(c.Bias, bound, src)
	}
}

func (c *Conv2D[T]) fanIn() int {
	k := c.Config.KernelSize
	return c.Weight.Value.Shape[1] * k * k
}

// Parameters returns weight and, if present, bias.
func (c *Conv2D[T]) Parameters() []*Parameter[T] {
	if c.Bias == nil {
		return []*Parameter[T]{c.Weight}
	}
	return []*Parameter[T]{c.Weight, c.Bias}
}

func (c *Conv2D[T]) bias() []T {
	if c.Bias == nil {
		return nil
	}
	return c.Bias.Value.Data
}

// Forward convolves x of shape (N, Cin, H, W) into (N, Cout, OH, OW).
// The output inherits x's device; a GPU tensor runs on the WebGPU kernel
// when one is available.
func (c *Conv2D[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	n, ch, h, w, err := x.Dims4()
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	if ch != c.Config.InChannels {
		return nil, fmt.Errorf("conv2d: %w: input has %d channels, layer expects %d",
			ErrShapeMismatch, ch, c.Config.InChannels)
	}
	oh, ow := c.Config.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d: %w: input %dx%d too small for kernel %d (padding %d, dilation %d)",
			ErrShapeMismatch, h, w, c.Config.KernelSize, c.Config.Padding, c.Config.Dilation)
	}

	xc := x.Contiguous()
	c.input = xc

	var data []T
	if x.Device == DeviceGPU && !c.Config.Transposed {
		data, err = conv2DForwardGPU(xc.Data, c.Weight.Value.Data, c.bias(), c.Config, n, h, w)
		if err != nil {
			Logf("conv2d: GPU forward unavailable, falling back to CPU: %v", err)
			data = nil
		}
	}
	if data == nil {
		if c.Config.Transposed {
			data = convTranspose2DForwardCPU(xc.Data, c.Weight.Value.Data, c.bias(), c.Config, n, h, w)
		} else {
			data = conv2DForwardCPU(xc.Data, c.Weight.Value.Data, c.bias(), c.Config, n, h, w)
		}
	}

	out := NewTensorFromSlice(data, n, c.Config.OutChannels, oh, ow)
	out.Device = x.Device
	return out, nil
}

// Backward returns dL/dx and accumulates weight and bias gradients.
func (c *Conv2D[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv2d: %w", ErrNoForward)
	}
	n, _, h, w, _ := c.input.Dims4()
	oh, ow := c.Config.OutputSize(h, w)
	want := []int{n, c.Config.OutChannels, oh, ow}
	if !SameShape(gradOut, &Tensor[T]{Shape: want}) {
		return nil, fmt.Errorf("conv2d backward: %w: grad %v, want %v", ErrShapeMismatch, gradOut.Shape, want)
	}
	g := gradOut.Contiguous()

	var gradBias []T
	if c.Bias != nil {
		gradBias = c.Bias.Grad.Data
	}
	var gradIn []T
	if c.Config.Transposed {
		gradIn = convTranspose2DBackwardCPU(g.Data, c.input.Data, c.Weight.Value.Data,
			c.Weight.Grad.Data, gradBias, c.Config, n, h, w)
	} else {
		gradIn = conv2DBackwardCPU(g.Data, c.input.Data, c.Weight.Value.Data,
			c.Weight.Grad.Data, gradBias, c.Config, n, h, w)
	}
	out := NewTensorFromSlice(gradIn, n, c.Config.InChannels, h, w)
	out.Device = gradOut.Device
	return out, nil
}

// =============================================================================
// CPU kernels (contiguous NCHW)
// =============================================================================

// conv2DForwardCPU performs 2D convolution on CPU
// input shape: [batch][inChannels][height][width] (flattened)
// output shape: [batch][filters][outHeight][outWidth] (flattened)
func conv2DForwardCPU[T Float](input, kernel, bias []T, cfg Conv2DConfig, batch, inH, inW int) []T {
	inC, filters := cfg.InChannels, cfg.OutChannels
	kSize, stride, padding, dil := cfg.KernelSize, cfg.Stride, cfg.Padding, cfg.Dilation
	outH, outW := cfg.OutputSize(inH, inW)
	output := make([]T, batch*filters*outH*outW)

	parallelFor(batch*filters, func(idx int) {
		b, f := idx/filters, idx%filters
		var b0 float64
		if bias != nil {
			b0 = float64(bias[f])
		}
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := b0
				for ic := 0; ic < inC; ic++ {
					for kh := 0; kh < kSize; kh++ {
						ih := oh*stride + kh*dil - padding
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := 0; kw < kSize; kw++ {
							iw := ow*stride + kw*dil - padding
							if iw < 0 || iw >= inW {
								continue
							}
							inputIdx := ((b*inC+ic)*inH+ih)*inW + iw
							kernelIdx := ((f*inC+ic)*kSize+kh)*kSize + kw
							sum += float64(input[inputIdx]) * float64(kernel[kernelIdx])
						}
					}
				}
				output[((b*filters+f)*outH+oh)*outW+ow] = T(sum)
			}
		}
	})
	return output
}

// conv2DBackwardCPU computes gradients for 2D convolution on CPU.
// gradKernel and gradBias (may be nil) are accumulated in place.
func conv2DBackwardCPU[T Float](gradOutput, input, kernel, gradKernel, gradBias []T, cfg Conv2DConfig, batch, inH, inW int) []T {
	inC, filters := cfg.InChannels, cfg.OutChannels
	kSize, stride, padding, dil := cfg.KernelSize, cfg.Stride, cfg.Padding, cfg.Dilation
	outH, outW := cfg.OutputSize(inH, inW)
	gradInput := make([]T, batch*inC*inH*inW)

	// Kernel and bias gradients, one filter per task.
	parallelFor(filters, func(f int) {
		for b := 0; b < batch; b++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOutput[((b*filters+f)*outH+oh)*outW+ow]
					if gradBias != nil {
						gradBias[f] += g
					}
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*stride + kh*dil - padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*stride + kw*dil - padding
								if iw < 0 || iw >= inW {
									continue
								}
								gradKernel[((f*inC+ic)*kSize+kh)*kSize+kw] += g * input[((b*inC+ic)*inH+ih)*inW+iw]
							}
						}
					}
				}
			}
		}
	})

	// Input gradient, one sample per task.
	parallelFor(batch, func(b int) {
		for f := 0; f < filters; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOutput[((b*filters+f)*outH+oh)*outW+ow]
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*stride + kh*dil - padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*stride + kw*dil - padding
								if iw < 0 || iw >= inW {
									continue
								}
								gradInput[((b*inC+ic)*inH+ih)*inW+iw] += g * kernel[((f*inC+ic)*kSize+kh)*kSize+kw]
							}
						}
					}
				}
			}
		}
	})
	return gradInput
}

// convTranspose2DForwardCPU scatters every input pixel through the kernel.
// kernel shape: [inChannels][filters][k][k]
func convTranspose2DForwardCPU[T Float](input, kernel, bias []T, cfg Conv2DConfig, batch, inH, inW int) []T {
	inC, filters := cfg.InChannels, cfg.OutChannels
	kSize, stride, padding, dil := cfg.KernelSize, cfg.Stride, cfg.Padding, cfg.Dilation
	outH, outW := cfg.OutputSize(inH, inW)
	output := make([]T, batch*filters*outH*outW)

	parallelFor(batch*filters, func(idx int) {
		b, f := idx/filters, idx%filters
		plane := output[(b*filters+f)*outH*outW : (b*filters+f+1)*outH*outW]
		if bias != nil {
			for i := range plane {
				plane[i] = bias[f]
			}
		}
		for ic := 0; ic < inC; ic++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					v := input[((b*inC+ic)*inH+ih)*inW+iw]
					for kh := 0; kh < kSize; kh++ {
						oh := ih*stride + kh*dil - padding
						if oh < 0 || oh >= outH {
							continue
						}
						for kw := 0; kw < kSize; kw++ {
							ow := iw*stride + kw*dil - padding
							if ow < 0 || ow >= outW {
								continue
							}
							plane[oh*outW+ow] += v * kernel[((ic*filters+f)*kSize+kh)*kSize+kw]
						}
					}
				}
			}
		}
	})
	return output
}

// convTranspose2DBackwardCPU computes gradients for the transposed
// convolution. gradKernel and gradBias (may be nil) are accumulated in place.
func convTranspose2DBackwardCPU[T Float](gradOutput, input, kernel, gradKernel, gradBias []T, cfg Conv2DConfig, batch, inH, inW int) []T {
	inC, filters := cfg.InChannels, cfg.OutChannels
	kSize, stride, padding, dil := cfg.KernelSize, cfg.Stride, cfg.Padding, cfg.Dilation
	outH, outW := cfg.OutputSize(inH, inW)
	gradInput := make([]T, batch*inC*inH*inW)

	if gradBias != nil {
		for b := 0; b < batch; b++ {
			for f := 0; f < filters; f++ {
				for _, g := range gradOutput[(b*filters+f)*outH*outW : (b*filters+f+1)*outH*outW] {
					gradBias[f] += g
				}
			}
		}
	}

	// visit calls fn for every (output, kernel) pair an input pixel feeds.
	visit := func(ih, iw int, fn func(oh, ow, kh, kw int)) {
		for kh := 0; kh < kSize; kh++ {
			oh := ih*stride + kh*dil - padding
			if oh < 0 || oh >= outH {
				continue
			}
			for kw := 0; kw < kSize; kw++ {
				ow := iw*stride + kw*dil - padding
				if ow < 0 || ow >= outW {
					continue
				}
				fn(oh, ow, kh, kw)
			}
		}
	}

	parallelFor(batch*inC, func(idx int) {
		b, ic := idx/inC, idx%inC
		for ih := 0; ih < inH; ih++ {
			for iw := 0; iw < inW; iw++ {
				var sum T
				visit(ih, iw, func(oh, ow, kh, kw int) {
					for f := 0; f < filters; f++ {
						sum += gradOutput[((b*filters+f)*outH+oh)*outW+ow] * kernel[((ic*filters+f)*kSize+kh)*kSize+kw]
					}
				})
				gradInput[((b*inC+ic)*inH+ih)*inW+iw] = sum
			}
		}
	})

	parallelFor(inC, func(ic int) {
		for b := 0; b < batch; b++ {
			for ih := 0; ih < inH; ih++ {
				for iw := 0; iw < inW; iw++ {
					v := input[((b*inC+ic)*inH+ih)*inW+iw]
					visit(ih, iw, func(oh, ow, kh, kw int) {
						for f := 0; f < filters; f++ {
							gradKernel[((ic*filters+f)*kSize+kh)*kSize+kw] += v * gradOutput[((b*filters+f)*outH+oh)*outW+ow]
						}
					})
				}
			}
		}
	})
	return gradInput
}
