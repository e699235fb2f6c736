package nn

import (
	"fmt"
	"slices"
)

// Tensor is a dense n-dimensional array. 4D tensors are indexed logically as
// (batch, channel, height, width) regardless of Layout; Strides map that
// logical index to the position in Data.
type Tensor[T Float] struct {
	Data    []T
	Shape   []int
	Strides []int
	Layout  Layout
	Device  Device
}

// NewTensor allocates a zeroed contiguous tensor with the given shape.
func NewTensor[T Float](dims ...int) *Tensor[T] {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return &Tensor[T]{
		Data:    make([]T, size),
		Shape:   slices.Clone(dims),
		Strides: contiguousStrides(dims),
	}
}

// NewTensorFromSlice wraps data as a contiguous tensor without copying.
// Returns nil if len(data) does not match the shape.
func NewTensorFromSlice[T Float](data []T, dims ...int) *Tensor[T] {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(data) {
		return nil
	}
	return &Tensor[T]{
		Data:    data,
		Shape:   slices.Clone(dims),
		Strides: contiguousStrides(dims),
	}
}

func contiguousStrides(dims []int) []int {
	strides := make([]int, len(dims))
	s := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return strides
}

// channelsLastStrides returns NHWC strides for logical NCHW indexing.
func channelsLastStrides(c, h, w int) []int {
	return []int{h * w * c, 1, w * c, c}
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Data:    slices.Clone(t.Data),
		Shape:   slices.Clone(t.Shape),
		Strides: slices.Clone(t.Strides),
		Layout:  t.Layout,
		Device:  t.Device,
	}
}

// Reshape returns a contiguous view with a new shape sharing the same data.
// Returns nil if the element count differs.
func (t *Tensor[T]) Reshape(dims ...int) *Tensor[T] {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(t.Data) {
		return nil
	}
	src := t
	if t.Layout != LayoutContiguous {
		src = t.Contiguous()
	}
	return &Tensor[T]{
		Data:    src.Data,
		Shape:   slices.Clone(dims),
		Strides: contiguousStrides(dims),
		Device:  t.Device,
	}
}

// Dims4 returns (batch, channels, height, width) of a 4D tensor.
func (t *Tensor[T]) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: expected 4D tensor, got shape %v", ErrShapeMismatch, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

func (t *Tensor[T]) offset(b, c, h, w int) int {
	return b*t.Strides[0] + c*t.Strides[1] + h*t.Strides[2] + w*t.Strides[3]
}

// At returns the element at logical index (b, c, h, w).
func (t *Tensor[T]) At(b, c, h, w int) T {
	return t.Data[t.offset(b, c, h, w)]
}

// Set stores v at logical index (b, c, h, w).
func (t *Tensor[T]) Set(b, c, h, w int, v T) {
	t.Data[t.offset(b, c, h, w)] = v
}

// ToChannelsLast returns the tensor with NHWC physical order. A tensor that
// is already channels-last is returned as is; otherwise the result is a new
// buffer owned by the caller.
func (t *Tensor[T]) ToChannelsLast() *Tensor[T] {
	if t.Layout == LayoutChannelsLast || len(t.Shape) != 4 {
		return t
	}
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	out := &Tensor[T]{
		Data:    make([]T, len(t.Data)),
		Shape:   slices.Clone(t.Shape),
		Strides: channelsLastStrides(c, h, w),
		Layout:  LayoutChannelsLast,
		Device:  t.Device,
	}
	copyLogical(out, t)
	return out
}

// Contiguous returns the tensor with NCHW physical order. A contiguous
// tensor is returned as is.
func (t *Tensor[T]) Contiguous() *Tensor[T] {
	if t.Layout == LayoutContiguous {
		return t
	}
	out := &Tensor[T]{
		Data:    make([]T, len(t.Data)),
		Shape:   slices.Clone(t.Shape),
		Strides: contiguousStrides(t.Shape),
		Device:  t.Device,
	}
	copyLogical(out, t)
	return out
}

func copyLogical[T Float](dst, src *Tensor[T]) {
	n, c, h, w := src.Shape[0], src.Shape[1], src.Shape[2], src.Shape[3]
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dst.Data[dst.offset(b, ch, y, x)] = src.Data[src.offset(b, ch, y, x)]
				}
			}
		}
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape[T Float](a, b *Tensor[T]) bool {
	return slices.Equal(a.Shape, b.Shape)
}

func checkSameShape[T Float](op string, a, b *Tensor[T]) error {
	if !SameShape(a, b) {
		return fmt.Errorf("%s: %w: %v vs %v", op, ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

// AddInPlace adds other into t elementwise.
func (t *Tensor[T]) AddInPlace(other *Tensor[T]) error {
	if err := checkSameShape("add", t, other); err != nil {
		return err
	}
	if t.Layout == other.Layout {
		for i, v := range other.Data {
			t.Data[i] += v
		}
		return nil
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					t.Data[t.offset(b, ch, y, x)] += other.At(b, ch, y, x)
				}
			}
		}
	}
	return nil
}

// ConcatChannels joins 4D tensors along the channel axis. The result is
// contiguous and placed on the first tensor's device.
func ConcatChannels[T Float](ts ...*Tensor[T]) (*Tensor[T], error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: %w: no tensors", ErrShapeMismatch)
	}
	n, _, h, w, err := ts[0].Dims4()
	if err != nil {
		return nil, err
	}
	total := 0
	for i, t := range ts {
		tn, tc, th, tw, err := t.Dims4()
		if err != nil {
			return nil, err
		}
		if tn != n || th != h || tw != w {
			return nil, fmt.Errorf("concat: %w: tensor %d has shape %v, want (%d, *, %d, %d)",
				ErrShapeMismatch, i, t.Shape, n, h, w)
		}
		total += tc
	}

	out := NewTensor[T](n, total, h, w)
	out.Device = ts[0].Device
	srcs := make([]*Tensor[T], len(ts))
	for i, t := range ts {
		srcs[i] = t.Contiguous()
	}
	plane := h * w
	for b := 0; b < n; b++ {
		base := 0
		for _, src := range srcs {
			tc := src.Shape[1]
			copy(out.Data[(b*total+base)*plane:(b*total+base+tc)*plane], src.Data[b*tc*plane:(b+1)*tc*plane])
			base += tc
		}
	}
	return out, nil
}

// SplitChannels chunks a 4D tensor into parts equal slices along the
// channel axis.
func SplitChannels[T Float](t *Tensor[T], parts int) ([]*Tensor[T], error) {
	if len(t.Shape) == 4 && parts > 0 && t.Shape[1]%parts == 0 {
		sizes := make([]int, parts)
		for i := range sizes {
			sizes[i] = t.Shape[1] / parts
		}
		return SplitChannelSizes(t, sizes...)
	}
	if _, _, _, _, err := t.Dims4(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("split: %w: %d channels into %d parts", ErrShapeMismatch, t.Shape[1], parts)
}

// SplitChannelSizes slices a 4D tensor along the channel axis into chunks of
// the given sizes, which must sum to the channel count.
func SplitChannelSizes[T Float](t *Tensor[T], sizes ...int) ([]*Tensor[T], error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("split: %w: non-positive chunk size in %v", ErrShapeMismatch, sizes)
		}
		total += s
	}
	if total != c {
		return nil, fmt.Errorf("split: %w: chunk sizes %v do not sum to %d channels", ErrShapeMismatch, sizes, c)
	}
	src := t.Contiguous()
	plane := h * w
	out := make([]*Tensor[T], len(sizes))
	base := 0
	for p, pc := range sizes {
		chunk := NewTensor[T](n, pc, h, w)
		chunk.Device = t.Device
		for b := 0; b < n; b++ {
			copy(chunk.Data[b*pc*plane:(b+1)*pc*plane], src.Data[(b*c+base)*plane:(b*c+base+pc)*plane])
		}
		out[p] = chunk
		base += pc
	}
	return out, nil
}
