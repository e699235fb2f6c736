package nn

import (
	"fmt"
	"math/rand/v2"
)

// SDNCell updates a batch of hidden vectors from three neighbor vectors of
// the previously corrected line. The neighbors are concatenated and used as
// the GRU input, the current features are the GRU hidden state.
type SDNCell[T Float] struct {
	NumFeatures int
	GRU         *GRUCell[T]
}

// NewSDNCell creates a cell whose GRU maps 3*numFeatures inputs onto
// numFeatures hidden units.
func NewSDNCell[T Float](numFeatures int) (*SDNCell[T], error) {
	gru, err := NewGRUCell[T](3*numFeatures, numFeatures)
	if err != nil {
		return nil, fmt.Errorf("sdn cell: %w", err)
	}
	return &SDNCell[T]{NumFeatures: numFeatures, GRU: gru}, nil
}

// Reset re-initializes the GRU weights.
func (c *SDNCell[T]) Reset(src rand.Source) {
	c.GRU.Reset(src)
}

func (c *SDNCell[T]) Parameters() []*Parameter[T] {
	return prefixed("gru", c.GRU.Parameters())
}

// Forward returns the updated hidden state for features (N, C) given the
// three neighbor vectors (N, C) at offsets -1, 0, +1 along the line.
func (c *SDNCell[T]) Forward(neighbors [3]*Tensor[T], features *Tensor[T]) (*Tensor[T], *GRUStep, error) {
	C := c.NumFeatures
	if len(features.Shape) != 2 || features.Shape[1] != C {
		return nil, nil, fmt.Errorf("sdn cell: %w: features shape %v, want (*, %d)", ErrShapeMismatch, features.Shape, C)
	}
	rows := features.Shape[0]
	for i, nb := range neighbors {
		if nb == nil || len(nb.Shape) != 2 || nb.Shape[0] != rows || nb.Shape[1] != C {
			var shape []int
			if nb != nil {
				shape = nb.Shape
			}
			return nil, nil, fmt.Errorf("sdn cell: %w: neighbor %d shape %v, want (%d, %d)", ErrShapeMismatch, i, shape, rows, C)
		}
	}
	x := NewTensor[T](rows, 3*C)
	for r := 0; r < rows; r++ {
		for k, nb := range neighbors {
			copy(x.Data[r*3*C+k*C:r*3*C+(k+1)*C], nb.Data[r*C:(r+1)*C])
		}
	}
	return c.step(x, features)
}

// step runs the GRU on an already packed (N, 3C) neighbor matrix.
func (c *SDNCell[T]) step(packed, features *Tensor[T]) (*Tensor[T], *GRUStep, error) {
	return c.GRU.Step(packed, features)
}

// Backward returns the gradients for the three neighbor inputs and for the
// features of the step recorded in st.
func (c *SDNCell[T]) Backward(st *GRUStep, gradOut *Tensor[T]) ([3]*Tensor[T], *Tensor[T], error) {
	var gradNeighbors [3]*Tensor[T]
	gx, gh, err := c.GRU.BackwardStep(st, gradOut)
	if err != nil {
		return gradNeighbors, nil, fmt.Errorf("sdn cell: %w", err)
	}
	C := c.NumFeatures
	rows := gx.Shape[0]
	for k := range gradNeighbors {
		t := NewTensor[T](rows, C)
		t.Device = gx.Device
		for r := 0; r < rows; r++ {
			copy(t.Data[r*C:(r+1)*C], gx.Data[r*3*C+k*C:r*3*C+(k+1)*C])
		}
		gradNeighbors[k] = t
	}
	return gradNeighbors, gh, nil
}
