package nn

import (
	"fmt"
	"math"
)

// Activate applies the activation function to a single value.
func Activate[T Float](v T, activation ActivationType) T {
	x := float64(v)
	switch activation {
	case ActivationReLU:
		if x < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return T(sigmoid(x))
	case ActivationTanh:
		return T(math.Tanh(x))
	case ActivationSoftplus:
		return T(math.Log1p(math.Exp(x)))
	case ActivationLeakyReLU:
		if x < 0 {
			return T(x * 0.1)
		}
		return v
	default:
		return v
	}
}

// ActivateDerivative computes the derivative of the activation function
// with respect to the PRE-activation value.
func ActivateDerivative[T Float](preActivation T, activation ActivationType) T {
	x := float64(preActivation)
	switch activation {
	case ActivationReLU:
		if x > 0 {
			return 1
		}
		return 0
	case ActivationSigmoid:
		s := sigmoid(x)
		return T(s * (1 - s))
	case ActivationTanh:
		t := math.Tanh(x)
		return T(1 - t*t)
	case ActivationSoftplus:
		return T(sigmoid(x))
	case ActivationLeakyReLU:
		if x >= 0 {
			return 1
		}
		return 0.1
	default:
		return 1
	}
}

// sigmoid is numerically stable for large |x|.
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// =============================================================================
// Activation layer
// =============================================================================

// Activation applies an elementwise nonlinearity.
type Activation[T Float] struct {
	Type ActivationType

	input *Tensor[T]
}

// NewActivation creates an activation layer.
func NewActivation[T Float](activation ActivationType) *Activation[T] {
	return &Activation[T]{Type: activation}
}

// Forward applies the activation to every element of x.
func (a *Activation[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	a.input = x
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = Activate(v, a.Type)
	}
	return out, nil
}

// Backward multiplies gradOut by the activation derivative at the cached input.
func (a *Activation[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if a.input == nil {
		return nil, fmt.Errorf("activation %s: %w", a.Type, ErrNoForward)
	}
	if err := checkSameShape("activation backward", a.input, gradOut); err != nil {
		return nil, err
	}
	g := gradOut
	if g.Layout != a.input.Layout {
		g = matchLayout(gradOut, a.input)
	}
	gradIn := g.Clone()
	for i, v := range a.input.Data {
		gradIn.Data[i] *= ActivateDerivative(v, a.Type)
	}
	return gradIn, nil
}

// Parameters returns nil; activations have no learned state.
func (a *Activation[T]) Parameters() []*Parameter[T] { return nil }

// matchLayout returns t in the physical layout of ref.
func matchLayout[T Float](t, ref *Tensor[T]) *Tensor[T] {
	if ref.Layout == LayoutChannelsLast {
		return t.ToChannelsLast()
	}
	return t.Contiguous()
}
