package nn

import (
	"errors"
	"fmt"
)

// Float is the element constraint for tensors and layers.
type Float interface {
	~float32 | ~float64
}

// ActivationType defines the activation function used by an Activation layer
type ActivationType int

const (
	ActivationReLU      ActivationType = 0 // max(0, v)
	ActivationSigmoid   ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 2 // tanh(v)
	ActivationSoftplus  ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU ActivationType = 4 // v if v >= 0, else v * 0.1
)

func (a ActivationType) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// Device identifies where a tensor's operators execute.
type Device int

const (
	DeviceCPU Device = 0
	DeviceGPU Device = 1
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice maps "cpu"/"gpu" to a Device.
func ParseDevice(s string) (Device, error) {
	switch s {
	case "", "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	}
	return DeviceCPU, fmt.Errorf("%w: unknown device %q", ErrConfig, s)
}

// Layout is the physical element order of a 4D tensor. Logical indexing is
// always (batch, channel, height, width).
type Layout int

const (
	LayoutContiguous   Layout = 0 // NCHW
	LayoutChannelsLast Layout = 1 // NHWC
)

var (
	// ErrShapeMismatch reports an operator contract violation on tensor shapes.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidDirection reports a sweep direction outside {0, 1, 2, 3}.
	ErrInvalidDirection = errors.New("invalid sweep direction")
	// ErrConfig reports an invalid layer configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrNoForward is returned by Backward when no Forward was recorded.
	ErrNoForward = errors.New("backward called before forward")
)

// Layer is implemented by every differentiable building block.
//
// Backward consumes the caches of the most recent Forward call, returns the
// gradient with respect to that call's input and accumulates parameter
// gradients into Parameter.Grad.
type Layer[T Float] interface {
	Forward(x *Tensor[T]) (*Tensor[T], error)
	Backward(gradOut *Tensor[T]) (*Tensor[T], error)
	Parameters() []*Parameter[T]
}

// Parameter is a learned tensor with its accumulated gradient. Buffers
// (batch-norm running statistics) are checkpointed like parameters but are
// never written by Backward.
type Parameter[T Float] struct {
	Name   string
	Value  *Tensor[T]
	Grad   *Tensor[T]
	Buffer bool
}

func newParameter[T Float](name string, dims ...int) *Parameter[T] {
	return &Parameter[T]{
		Name:  name,
		Value: NewTensor[T](dims...),
		Grad:  NewTensor[T](dims...),
	}
}

// prefixed renames parameters for a parent module. Tensors are shared.
func prefixed[T Float](prefix string, params []*Parameter[T]) []*Parameter[T] {
	out := make([]*Parameter[T], len(params))
	for i, p := range params {
		out[i] = &Parameter[T]{Name: prefix + "." + p.Name, Value: p.Value, Grad: p.Grad, Buffer: p.Buffer}
	}
	return out
}

// ZeroGrad clears the accumulated gradients of every parameter of l.
func ZeroGrad[T Float](l Layer[T]) {
	for _, p := range l.Parameters() {
		for i := range p.Grad.Data {
			p.Grad.Data[i] = 0
		}
	}
}

// ParameterCount returns the number of learned scalars in l.
func ParameterCount[T Float](l Layer[T]) int {
	n := 0
	for _, p := range l.Parameters() {
		if !p.Buffer {
			n += len(p.Value.Data)
		}
	}
	return n
}
