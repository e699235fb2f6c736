package nn

import (
	"fmt"
	"math"
)

// =============================================================================
// BatchNorm2D
// =============================================================================

// BatchNorm2D normalizes each channel over the batch and spatial axes.
//
// In training mode the batch statistics are used and the running statistics
// are updated with Momentum; in eval mode the running statistics are used.
type BatchNorm2D[T Float] struct {
	Channels    int
	Epsilon     float64
	Momentum    float64
	Training    bool
	Weight      *Parameter[T]
	Bias        *Parameter[T]
	RunningMean *Parameter[T]
	RunningVar  *Parameter[T]

	xhat       []float64
	invStd     []float64
	shape      []int
	layout     Layout
	batchStats bool // mode of the last Forward
}

// NewBatchNorm2D creates a batch norm layer in training mode with unit
// scale, zero shift, zero running mean and unit running variance.
func NewBatchNorm2D[T Float](channels int) *BatchNorm2D[T] {
	bn := &BatchNorm2D[T]{
		Channels:    channels,
		Epsilon:     1e-5,
		Momentum:    0.1,
		Training:    true,
		Weight:      newParameter[T]("weight", channels),
		Bias:        newParameter[T]("bias", channels),
		RunningMean: newParameter[T]("running_mean", channels),
		RunningVar:  newParameter[T]("running_var", channels),
	}
	bn.RunningMean.Buffer = true
	bn.RunningVar.Buffer = true
	fillConst(bn.Weight, 1)
	fillConst(bn.RunningVar, 1)
	return bn
}

// Parameters returns weight, bias and the running-statistics buffers.
func (bn *BatchNorm2D[T]) Parameters() []*Parameter[T] {
	return []*Parameter[T]{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}

// SetTraining switches between batch statistics and running statistics.
func (bn *BatchNorm2D[T]) SetTraining(training bool) {
	bn.Training = training
}

// Forward normalizes x of shape (N, C, H, W). The output keeps x's layout.
func (bn *BatchNorm2D[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, fmt.Errorf("batchnorm: %w", err)
	}
	if c != bn.Channels {
		return nil, fmt.Errorf("batchnorm: %w: input has %d channels, layer expects %d", ErrShapeMismatch, c, bn.Channels)
	}
	count := n * h * w
	if bn.Training && count < 2 {
		return nil, fmt.Errorf("batchnorm: %w: need more than one value per channel in training mode, got %d", ErrShapeMismatch, count)
	}

	out := x.Clone()
	bn.xhat = make([]float64, len(x.Data))
	bn.invStd = make([]float64, c)
	bn.shape = x.Shape
	bn.layout = x.Layout
	bn.batchStats = bn.Training

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.Training {
			for b := 0; b < n; b++ {
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						mean += float64(x.At(b, ch, y, xx))
					}
				}
			}
			mean /= float64(count)
			for b := 0; b < n; b++ {
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						d := float64(x.At(b, ch, y, xx)) - mean
						variance += d * d
					}
				}
			}
			variance /= float64(count)

			m := bn.Momentum
			unbiased := variance * float64(count) / float64(count-1)
			bn.RunningMean.Value.Data[ch] = T((1-m)*float64(bn.RunningMean.Value.Data[ch]) + m*mean)
			bn.RunningVar.Value.Data[ch] = T((1-m)*float64(bn.RunningVar.Value.Data[ch]) + m*unbiased)
		} else {
			mean = float64(bn.RunningMean.Value.Data[ch])
			variance = float64(bn.RunningVar.Value.Data[ch])
		}

		invStd := 1 / math.Sqrt(variance+bn.Epsilon)
		bn.invStd[ch] = invStd
		gamma := float64(bn.Weight.Value.Data[ch])
		beta := float64(bn.Bias.Value.Data[ch])
		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					off := x.offset(b, ch, y, xx)
					xh := (float64(x.Data[off]) - mean) * invStd
					bn.xhat[off] = xh
					out.Data[off] = T(gamma*xh + beta)
				}
			}
		}
	}
	return out, nil
}

// Backward returns dL/dx and accumulates weight and bias gradients.
func (bn *BatchNorm2D[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("batchnorm: %w", ErrNoForward)
	}
	ref := &Tensor[T]{Shape: bn.shape}
	if err := checkSameShape("batchnorm backward", gradOut, ref); err != nil {
		return nil, err
	}
	n, c, h, w := bn.shape[0], bn.shape[1], bn.shape[2], bn.shape[3]
	g := gradOut
	if bn.layout == LayoutChannelsLast {
		g = g.ToChannelsLast()
	} else {
		g = g.Contiguous()
	}
	gradIn := g.Clone()
	count := float64(n * h * w)

	for ch := 0; ch < c; ch++ {
		gamma := float64(bn.Weight.Value.Data[ch])
		invStd := bn.invStd[ch]
		var sumDy, sumDyXhat float64
		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					off := g.offset(b, ch, y, x)
					dy := float64(g.Data[off])
					sumDy += dy
					sumDyXhat += dy * bn.xhat[off]
				}
			}
		}
		bn.Weight.Grad.Data[ch] += T(sumDyXhat)
		bn.Bias.Grad.Data[ch] += T(sumDy)

		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					off := g.offset(b, ch, y, x)
					dy := float64(g.Data[off])
					if !bn.batchStats {
						gradIn.Data[off] = T(dy * gamma * invStd)
						continue
					}
					// d/dx of gamma * (x - mean) * invStd with batch statistics
					dx := gamma * invStd * (dy - sumDy/count - bn.xhat[off]*sumDyXhat/count)
					gradIn.Data[off] = T(dx)
				}
			}
		}
	}
	return gradIn, nil
}
