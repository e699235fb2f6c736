package nn

import (
	"fmt"
	"math/rand/v2"
)

// ResSDNLayer blends a plain convolution with an SDN layer through a learned
// per-element gate:
//
//	out = σ(l) ⊙ cnn(x) + (1 − σ(l)) ⊙ s
//
// where s and l are the two channel halves of an SDN layer with
// 2*OutChannels outputs.
type ResSDNLayer[T Float] struct {
	Config SDNConfig
	SDN    *SDNLayer[T]
	CNN    *Conv2D[T]

	cnnOut *Tensor[T]
	value  *Tensor[T]
	gate   *Tensor[T]
}

// NewResSDNLayer builds a residual SDN layer. Both paths share the kernel,
// stride, padding and upsample settings of cfg, so their outputs always
// have the same spatial size.
func NewResSDNLayer[T Float](cfg SDNConfig, src rand.Source) (*ResSDNLayer[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sdnCfg := cfg
	sdnCfg.OutChannels = 2 * cfg.OutChannels
	sdn, err := NewSDNLayer[T](sdnCfg, nil)
	if err != nil {
		return nil, err
	}
	cnn, err := NewConv2D[T](cfg.projection(cfg.OutChannels))
	if err != nil {
		return nil, fmt.Errorf("res sdn cnn: %w", err)
	}
	l := &ResSDNLayer[T]{Config: cfg, SDN: sdn, CNN: cnn}
	if src != nil {
		l.Reset(src)
	}
	return l, nil
}

// Reset re-initializes both paths from src.
func (l *ResSDNLayer[T]) Reset(src rand.Source) {
	l.SDN.Reset(src)
	l.CNN.Reset(src)
}

func (l *ResSDNLayer[T]) Parameters() []*Parameter[T] {
	return append(prefixed("sdn", l.SDN.Parameters()), prefixed("cnn", l.CNN.Parameters())...)
}

// Gate returns σ(l) from the most recent Forward, or nil before the first
// call. The tensor is replaced on every call.
func (l *ResSDNLayer[T]) Gate() *Tensor[T] {
	return l.gate
}

// Forward maps (N, Cin, H, W) to (N, Cout, H', W').
func (l *ResSDNLayer[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	c, err := l.CNN.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("res sdn cnn: %w", err)
	}
	s, err := l.SDN.Forward(x)
	if err != nil {
		return nil, err
	}
	halves, err := SplitChannels(s, 2)
	if err != nil {
		return nil, err
	}
	value, logits := halves[0], halves[1]
	if err := checkSameShape("res sdn combine", c, value); err != nil {
		return nil, err
	}

	gate := logits
	for i, v := range gate.Data {
		gate.Data[i] = T(sigmoid(float64(v)))
	}
	out := NewTensor[T](c.Shape...)
	out.Device = x.Device
	for i, g := range gate.Data {
		out.Data[i] = g*c.Data[i] + (1-g)*value.Data[i]
	}
	l.cnnOut, l.value, l.gate = c, value, gate
	return out, nil
}

// Backward returns dL/dx, the sum of the gradients through both paths.
func (l *ResSDNLayer[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if l.gate == nil {
		return nil, fmt.Errorf("res sdn: %w", ErrNoForward)
	}
	if err := checkSameShape("res sdn backward", gradOut, l.gate); err != nil {
		return nil, err
	}
	d := gradOut.Contiguous()
	dc := NewTensor[T](d.Shape...)
	dv := NewTensor[T](d.Shape...)
	dl := NewTensor[T](d.Shape...)
	for i, dy := range d.Data {
		g := l.gate.Data[i]
		dc.Data[i] = dy * g
		dv.Data[i] = dy * (1 - g)
		dl.Data[i] = dy * (l.cnnOut.Data[i] - l.value.Data[i]) * g * (1 - g)
	}

	gradIn, err := l.CNN.Backward(dc)
	if err != nil {
		return nil, fmt.Errorf("res sdn cnn: %w", err)
	}
	ds, err := ConcatChannels(dv, dl)
	if err != nil {
		return nil, err
	}
	gradSDN, err := l.SDN.Backward(ds)
	if err != nil {
		return nil, err
	}
	if err := gradIn.AddInPlace(gradSDN); err != nil {
		return nil, err
	}
	gradIn.Device = gradOut.Device
	return gradIn, nil
}
