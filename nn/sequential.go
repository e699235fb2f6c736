package nn

import (
	"fmt"
	"strconv"
)

// =============================================================================
// Sequential container
// =============================================================================

// Sequential runs its sub-layers in order. Parameters of layer i are
// prefixed with Names[i].
type Sequential[T Float] struct {
	Layers []Layer[T]
	Names  []string
}

// NewSequential creates a container whose layers are named "0", "1", ...
func NewSequential[T Float](layers ...Layer[T]) *Sequential[T] {
	names := make([]string, len(layers))
	for i := range layers {
		names[i] = strconv.Itoa(i)
	}
	return &Sequential[T]{Layers: layers, Names: names}
}

// NewNamedSequential creates a container with explicit layer names.
func NewNamedSequential[T Float](names []string, layers ...Layer[T]) (*Sequential[T], error) {
	if len(names) != len(layers) {
		return nil, fmt.Errorf("%w: %d names for %d layers", ErrConfig, len(names), len(layers))
	}
	return &Sequential[T]{Layers: layers, Names: names}, nil
}

// Forward runs every layer on the previous layer's output.
func (s *Sequential[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	if len(s.Layers) == 0 {
		return x.Clone(), nil
	}
	var err error
	for i, l := range s.Layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Names[i], err)
		}
	}
	return x, nil
}

// Backward runs the layers' Backward methods in reverse order.
func (s *Sequential[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if len(s.Layers) == 0 {
		return gradOut.Clone(), nil
	}
	g := gradOut
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if g, err = s.Layers[i].Backward(g); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Names[i], err)
		}
	}
	return g, nil
}

func (s *Sequential[T]) Parameters() []*Parameter[T] {
	var params []*Parameter[T]
	for i, l := range s.Layers {
		params = append(params, prefixed(s.Names[i], l.Parameters())...)
	}
	return params
}

// SetTraining switches every batch norm inside the container.
func (s *Sequential[T]) SetTraining(training bool) {
	for _, l := range s.Layers {
		SetTraining(l, training)
	}
}

type trainingSetter interface {
	SetTraining(bool)
}

// SetTraining switches l, and any layer nested in it, between training and
// eval mode. Layers without a mode are left alone.
func SetTraining[T Float](l Layer[T], training bool) {
	if ts, ok := l.(trainingSetter); ok {
		ts.SetTraining(training)
	}
}
