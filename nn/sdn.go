package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
)

// SDNConfig configures an SDNLayer and, through it, a ResSDNLayer.
type SDNConfig struct {
	InChannels  int
	OutChannels int
	NumFeatures int   // Defaults to 16
	Dirs        []int // Defaults to 0, 1, 2, 3; applied in order
	KernelSize  int
	Stride      int // Defaults to 1
	Padding     int
	Upsample    bool // Transposed projection instead of a plain convolution
}

func (c SDNConfig) withDefaults() SDNConfig {
	if c.NumFeatures == 0 {
		c.NumFeatures = 16
	}
	if len(c.Dirs) == 0 {
		c.Dirs = []int{0, 1, 2, 3}
	}
	if c.Stride == 0 {
		c.Stride = 1
	}
	return c
}

// Validate checks sizes and direction codes.
func (c SDNConfig) Validate() error {
	c = c.withDefaults()
	if c.NumFeatures < 0 {
		return fmt.Errorf("%w: num features must be positive, got %d", ErrConfig, c.NumFeatures)
	}
	if _, err := c.directions(); err != nil {
		return err
	}
	return c.projection(c.OutChannels).Validate()
}

func (c SDNConfig) directions() ([]Direction, error) {
	dirs := make([]Direction, len(c.Dirs))
	for i, code := range c.Dirs {
		d, err := ParseDirection(code)
		if err != nil {
			return nil, fmt.Errorf("sdn dirs[%d]: %w", i, err)
		}
		dirs[i] = d
	}
	return dirs, nil
}

// projection is the spatial convolution from InChannels to out channels.
func (c SDNConfig) projection(out int) Conv2DConfig {
	return Conv2DConfig{
		InChannels:  c.InChannels,
		OutChannels: out,
		KernelSize:  c.KernelSize,
		Stride:      c.Stride,
		Padding:     c.Padding,
		Transposed:  c.Upsample,
	}
}

// SDNLayer projects the input onto a NumFeatures-channel grid, corrects
// the grid with one directional sweep per configured direction and projects
// it onto OutChannels with a 1×1 convolution.
type SDNLayer[T Float] struct {
	Config     SDNConfig
	ProjectIn  *Conv2D[T]
	Correction []*CorrectionLayer[T]
	ProjectOut *Conv2D[T]

	hidden *Tensor[T] // tanh output of the project-in stage
}

// NewSDNLayer builds an SDN layer. When src is non-nil every parameter is
// initialized from it; otherwise all weights start at zero.
func NewSDNLayer[T Float](cfg SDNConfig, src rand.Source) (*SDNLayer[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dirs, _ := cfg.directions()

	in := cfg.projection(cfg.NumFeatures)
	projectIn, err := NewConv2D[T](in)
	if err != nil {
		return nil, fmt.Errorf("sdn project-in: %w", err)
	}
	projectOut, err := NewConv2D[T](Conv2DConfig{
		InChannels:  cfg.NumFeatures,
		OutChannels: cfg.OutChannels,
		KernelSize:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("sdn project-out: %w", err)
	}

	l := &SDNLayer[T]{Config: cfg, ProjectIn: projectIn, ProjectOut: projectOut}
	for _, d := range dirs {
		corr, err := NewCorrectionLayer[T](cfg.NumFeatures, d)
		if err != nil {
			return nil, err
		}
		l.Correction = append(l.Correction, corr)
	}
	if src != nil {
		l.Reset(src)
	}
	return l, nil
}

// Reset re-initializes every parameter from src.
func (l *SDNLayer[T]) Reset(src rand.Source) {
	l.ProjectIn.Reset(src)
	for _, c := range l.Correction {
		c.Reset(src)
	}
	l.ProjectOut.Reset(src)
}

func (l *SDNLayer[T]) Parameters() []*Parameter[T] {
	params := prefixed("project_in_stage", l.ProjectIn.Parameters())
	for i, c := range l.Correction {
		params = append(params, prefixed("sdn_correction_stage."+strconv.Itoa(i), c.Parameters())...)
	}
	return append(params, prefixed("project_out_stage", l.ProjectOut.Parameters())...)
}

// Forward maps (N, Cin, H, W) to (N, Cout, H', W') where H', W' follow the
// project-in convolution geometry. The output is contiguous.
func (l *SDNLayer[T]) Forward(x *Tensor[T]) (*Tensor[T], error) {
	h, err := l.ProjectIn.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("sdn project-in: %w", err)
	}
	for i, v := range h.Data {
		h.Data[i] = T(math.Tanh(float64(v)))
	}
	l.hidden = h // ToChannelsLast copies, so the sweep never writes h

	grid := h.ToChannelsLast()
	for _, c := range l.Correction {
		if grid, err = c.Forward(grid); err != nil {
			return nil, err
		}
	}

	out, err := l.ProjectOut.Forward(grid.Contiguous())
	if err != nil {
		return nil, fmt.Errorf("sdn project-out: %w", err)
	}
	return out, nil
}

// Backward returns dL/dx for the most recent Forward.
func (l *SDNLayer[T]) Backward(gradOut *Tensor[T]) (*Tensor[T], error) {
	if l.hidden == nil {
		return nil, fmt.Errorf("sdn: %w", ErrNoForward)
	}
	g, err := l.ProjectOut.Backward(gradOut)
	if err != nil {
		return nil, fmt.Errorf("sdn project-out: %w", err)
	}
	for i := len(l.Correction) - 1; i >= 0; i-- {
		if g, err = l.Correction[i].Backward(g); err != nil {
			return nil, err
		}
	}

	g = g.Contiguous()
	for i, y := range l.hidden.Data {
		g.Data[i] *= 1 - y*y
	}
	gradIn, err := l.ProjectIn.Backward(g)
	if err != nil {
		return nil, fmt.Errorf("sdn project-in: %w", err)
	}
	return gradIn, nil
}
