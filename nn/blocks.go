package nn

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// spatialSDN is the residual SDN stage shared by every spatial block:
// 16 features, all four directions, 3×3 kernel, stride 1, padding 1.
func spatialSDN[T Float](in, out int, upsample bool, src rand.Source) (*ResSDNLayer[T], error) {
	return NewResSDNLayer[T](SDNConfig{
		InChannels:  in,
		OutChannels: out,
		NumFeatures: 16,
		Dirs:        []int{0, 1, 2, 3},
		KernelSize:  3,
		Stride:      1,
		Padding:     1,
		Upsample:    upsample,
	}, src)
}

func newConv[T Float](cfg Conv2DConfig, src rand.Source) (*Conv2D[T], error) {
	conv, err := NewConv2D[T](cfg)
	if err != nil {
		return nil, err
	}
	if src != nil {
		conv.Reset(src)
	}
	return conv, nil
}

// NewConvBNReLU builds conv → batch norm → ReLU.
func NewConvBNReLU[T Float](cfg Conv2DConfig, src rand.Source) (*Sequential[T], error) {
	conv, err := newConv[T](cfg, src)
	if err != nil {
		return nil, err
	}
	return NewSequential[T](conv, NewBatchNorm2D[T](cfg.OutChannels), NewActivation[T](ActivationReLU)), nil
}

// NewConvReLU builds conv → ReLU.
func NewConvReLU[T Float](cfg Conv2DConfig, src rand.Source) (*Sequential[T], error) {
	conv, err := newConv[T](cfg, src)
	if err != nil {
		return nil, err
	}
	return NewSequential[T](conv, NewActivation[T](ActivationReLU)), nil
}

// NewSpatialBlock builds conv3×3 → BN → ReLU → ResSDN → BN → ReLU with out
// channels throughout.
func NewSpatialBlock[T Float](in, out int, upsample bool, src rand.Source) (*Sequential[T], error) {
	return newSpatialStack[T](in, out, out, upsample, "conv", src)
}

// NewVGGSpatialBlock is NewSpatialBlock with a separate width mid between the
// convolution and the ResSDN stage.
func NewVGGSpatialBlock[T Float](in, mid, out int, upsample bool, src rand.Source) (*Sequential[T], error) {
	return newSpatialStack[T](in, mid, out, upsample, "conv1", src)
}

func newSpatialStack[T Float](in, mid, out int, upsample bool, convName string, src rand.Source) (*Sequential[T], error) {
	conv, err := newConv[T](Conv2DConfig{InChannels: in, OutChannels: mid, KernelSize: 3, Padding: 1}, src)
	if err != nil {
		return nil, fmt.Errorf("spatial block: %w", err)
	}
	spatial, err := spatialSDN[T](mid, out, upsample, src)
	if err != nil {
		return nil, fmt.Errorf("spatial block: %w", err)
	}
	return NewNamedSequential[T](
		[]string{convName, "bn1", "relu1", "spatial", "bn2", "relu2"},
		conv, NewBatchNorm2D[T](mid), NewActivation[T](ActivationReLU),
		spatial, NewBatchNorm2D[T](out), NewActivation[T](ActivationReLU),
	)
}

// UNetConv2SpatialConfig configures NewUNetConv2Spatial.
type UNetConv2SpatialConfig struct {
	InChannels  int
	OutChannels int
	BatchNorm   bool
	Stages      int // Defaults to 2
	KernelSize  int // Defaults to 3
	Stride      int // Defaults to 1
	Padding     *int // nil means 1
	Upsample    bool
}

// NewUNetConv2Spatial builds Stages stages named conv1..convN. With batch
// norm the first N-1 stages are conv → BN → ReLU and the last is
// ResSDN → BN → ReLU; without it every stage is conv → ReLU. Convolutions
// are Kaiming-initialized and batch norm scales drawn from N(1, 0.02).
func NewUNetConv2Spatial[T Float](cfg UNetConv2SpatialConfig, src rand.Source) (*Sequential[T], error) {
	if cfg.Stages == 0 {
		cfg.Stages = 2
	}
	if cfg.KernelSize == 0 {
		cfg.KernelSize = 3
	}
	padding := 1
	if cfg.Padding != nil {
		padding = *cfg.Padding
	}
	if cfg.Stages < 1 {
		return nil, fmt.Errorf("%w: unet stages must be positive, got %d", ErrConfig, cfg.Stages)
	}

	in := cfg.InChannels
	stages := make([]Layer[T], 0, cfg.Stages)
	names := make([]string, 0, cfg.Stages)
	for i := 1; i <= cfg.Stages; i++ {
		conv := Conv2DConfig{
			InChannels:  in,
			OutChannels: cfg.OutChannels,
			KernelSize:  cfg.KernelSize,
			Stride:      cfg.Stride,
			Padding:     padding,
		}
		var (
			stage *Sequential[T]
			err   error
		)
		switch {
		case !cfg.BatchNorm:
			stage, err = NewConvReLU[T](conv, src)
		case i < cfg.Stages:
			stage, err = NewConvBNReLU[T](conv, src)
		default:
			var spatial *ResSDNLayer[T]
			spatial, err = spatialSDN[T](in, cfg.OutChannels, cfg.Upsample, src)
			if err == nil {
				stage = NewSequential[T](spatial, NewBatchNorm2D[T](cfg.OutChannels), NewActivation[T](ActivationReLU))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("unet stage %d: %w", i, err)
		}
		stages = append(stages, stage)
		names = append(names, "conv"+strconv.Itoa(i))
		in = cfg.OutChannels
	}

	block, err := NewNamedSequential[T](names, stages...)
	if err != nil {
		return nil, err
	}
	if src != nil {
		InitBlockKaiming[T](block, src)
	}
	return block, nil
}

// InitBlockKaiming re-initializes every convolution in l with He-normal
// weights and every batch norm with scale N(1, 0.02) and zero shift. GRU
// weights and convolution biases keep their values.
func InitBlockKaiming[T Float](l Layer[T], src rand.Source) {
	switch v := l.(type) {
	case *Conv2D[T]:
		InitKaiming(v.Weight, v.fanIn(), src)
	case *BatchNorm2D[T]:
		InitNormal(v.Weight, 1, 0.02, src)
		fillConst(v.Bias, 0)
	case *Sequential[T]:
		for _, sub := range v.Layers {
			InitBlockKaiming(sub, src)
		}
	case *SDNLayer[T]:
		InitBlockKaiming[T](v.ProjectIn, src)
		InitBlockKaiming[T](v.ProjectOut, src)
	case *ResSDNLayer[T]:
		InitBlockKaiming[T](v.SDN, src)
		InitBlockKaiming[T](v.CNN, src)
	case *DilatedSpatialBlock[T]:
		for _, sub := range v.layers() {
			InitBlockKaiming(sub, src)
		}
	}
}

// =============================================================================
// Dilated spatial block
// =============================================================================

// DilatedSpatialBlock concatenates a 3×3 feature map with a pyramid of
// dilated convolutions (dilation 3, 6, 9, 12), each fed by the previous
// level, and refines the result with a ResSDN → BN → ReLU stage.
//
// Channel widths are out/2, out/4, out/8, out/16 and out/16, summing to out.
type DilatedSpatialBlock[T Float] struct {
	Stem    *Sequential[T]    // conv, bn1, relu
	Pyramid [4]*Sequential[T] // dial3/bn2_1, dial6/bn2_2, dial9/bn2_3, dial12/bn2_4
	Spatial *ResSDNLayer[T]
	Norm    *BatchNorm2D[T]
	ReLU    *Activation[T]

	widths []int
}

var dilations = [4]int{3, 6, 9, 12}

// NewDilatedSpatialBlock builds the block. out must be a positive multiple
// of 16.
func NewDilatedSpatialBlock[T Float](in, out int, upsample bool, src rand.Source) (*DilatedSpatialBlock[T], error) {
	if out <= 0 || out%16 != 0 {
		return nil, fmt.Errorf("%w: dilated block output channels must be a positive multiple of 16, got %d", ErrConfig, out)
	}
	widths := []int{out / 2, out / 4, out / 8, out / 16, out / 16}

	conv, err := newConv[T](Conv2DConfig{InChannels: in, OutChannels: widths[0], KernelSize: 3, Padding: 1}, src)
	if err != nil {
		return nil, fmt.Errorf("dilated block: %w", err)
	}
	b := &DilatedSpatialBlock[T]{
		Stem:   NewSequential[T](conv, NewBatchNorm2D[T](widths[0]), NewActivation[T](ActivationReLU)),
		Norm:   NewBatchNorm2D[T](out),
		ReLU:   NewActivation[T](ActivationReLU),
		widths: widths,
	}
	for i, d := range dilations {
		conv, err := newConv[T](Conv2DConfig{
			InChannels:  widths[i],
			OutChannels: widths[i+1],
			KernelSize:  3,
			Padding:     d,
			Dilation:    d,
		}, src)
		if err != nil {
			return nil, fmt.Errorf("dilated block: dilation %d: %w", d, err)
		}
		b.Pyramid[i] = NewSequential[T](conv, NewBatchNorm2D[T](widths[i+1]), NewActivation[T](ActivationReLU))
	}
	if b.Spatial, err = spatialSDN[T](out, out, upsample, src); err != nil {
		return nil, fmt.Errorf("dilated block: %w", err)
	}
	return b, nil
}

func (b *DilatedSpatialBlock[T]) layers() []Layer[T] {
	return []Layer[T]{b.Stem, b.Pyramid[0], b.Pyramid[1], b.Pyramid[2], b.Pyramid[3], b.Spatial, b.Norm, b.ReLU}
}

// Parameters uses the checkpoint names conv, bn1, dial3, bn2_1, ..., dial12,
// bn2_4, spatial and bn3.
func (b *DilatedSpatialBlock[T]) Parameters() []*Parameter[T] {
	params := append(prefixed("conv", b.Stem.Layers[0].Parameters()), prefixed("bn1", b.Stem.Layers[1].Parameters())...)
	for i, stage := range b.Pyramid {
		params = append(params, prefixed("dial"+strconv.Itoa(dilations[i]), stage.Layers[0].Parameters())...)
		params = append(params, prefixed("bn2_"+strconv.Itoa(i+1), stage.Layers[1].Parameters())...)
	}
	params = append(params, prefixed("spatial", b.Spatial.Parameters())...)
	return append(params, prefixed("bn3", b.Norm.Parameters())...)
}

// SetTraining switches every batch norm in the block.
func (b *DilatedSpatialBlock[T]) SetTraining(training bool) {
	b.Stem.SetTraining(training)
	for _, stage := range b.Pyramid {
		stage.SetTraining(training)
	}
	b.Norm.SetTraining(training)
}

func (b *DilatedSpatialBlock[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	feat, err := b.Stem.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("dilated block conv: %w", err)
	}
	levels := []*Tensor[T]{feat}
	for i, stage := range b.Pyramid {
		if feat, err = stage.Forward(feat); err != nil {
			return nil, fmt.Errorf("dilated block dial%d: %w", dilations[i], err)
		}
		levels = append(levels, feat)
	}
	z, err := ConcatChannels(levels...)
	if err != nil {
		return nil, err
	}
	if z, err = b.Spatial.Forward(z); err != nil {
		return nil, fmt.Errorf("dilated block spatial: %w", err)
	}
	if z, err = b.Norm.Forward(z); err != nil {
		return nil, fmt.Errorf("dilated block bn3: %w", err)
	}
	return b.ReLU.Forward(z)
}

func (b *DilatedSpatialBlock[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	g, err := b.ReLU.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	if g, err = b.Norm.Backward(g); err != nil {
		return nil, fmt.Errorf("dilated block bn3: %w", err)
	}
	if g, err = b.Spatial.Backward(g); err != nil {
		return nil, fmt.Errorf("dilated block spatial: %w", err)
	}
	parts, err := SplitChannelSizes(g, b.widths...)
	if err != nil {
		return nil, err
	}

	// Each pyramid level feeds the next, so its gradient is its own slice
	// plus what flows back from the level above.
	carry := parts[len(parts)-1]
	for i := len(b.Pyramid) - 1; i >= 0; i-- {
		down, err := b.Pyramid[i].Backward(carry)
		if err != nil {
			return nil, fmt.Errorf("dilated block dial%d: %w", dilations[i], err)
		}
		if err := down.AddInPlace(parts[i]); err != nil {
			return nil, err
		}
		carry = down
	}
	gradIn, err := b.Stem.Backward(carry)
	if err != nil {
		return nil, fmt.Errorf("dilated block conv: %w", err)
	}
	return gradIn, nil
}
