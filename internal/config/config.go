package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Block kinds accepted in LayerConfig.Kind.
const (
	KindSDN            = "sdn"
	KindResSDN         = "res_sdn"
	KindSpatial        = "spatial"
	KindVGGSpatial     = "vgg_spatial"
	KindUNetSpatial    = "unet_spatial"
	KindDilatedSpatial = "dilated_spatial"
)

// LayerConfig describes one SDN layer or spatial block and the input it is
// run on. Omitted fields fall back to the defaults returned by the Get*
// methods, so partial configs are safe.
type LayerConfig struct {
	Kind        *string `json:"kind,omitempty"`
	InChannels  *int    `json:"in_channels,omitempty"`
	OutChannels *int    `json:"out_channels,omitempty"`
	MidChannels *int    `json:"mid_channels,omitempty"` // vgg_spatial only

	// SDN params
	NumFeatures *int  `json:"num_features,omitempty"`
	Dirs        []int `json:"dirs,omitempty"`
	KernelSize  *int  `json:"kernel_size,omitempty"`
	Stride      *int  `json:"stride,omitempty"`
	Padding     *int  `json:"padding,omitempty"`
	Upsample    *bool `json:"upsample,omitempty"`

	// unet_spatial params
	BatchNorm *bool `json:"batch_norm,omitempty"`
	Stages    *int  `json:"stages,omitempty"`

	// Run params
	Device     *string `json:"device,omitempty"` // "cpu" or "gpu"
	Seed       *uint64 `json:"seed,omitempty"`
	InputShape []int   `json:"input_shape,omitempty"` // N, C, H, W
}

// Helper functions to create pointers
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrUint64(v uint64) *uint64 { return &v }

// DefaultLayerConfig returns the configuration of a ResSDN layer mapping
// 3 channels onto 8 with every field set explicitly.
func DefaultLayerConfig() *LayerConfig {
	return &LayerConfig{
		Kind:        ptrString(KindResSDN),
		InChannels:  ptrInt(3),
		OutChannels: ptrInt(8),
		NumFeatures: ptrInt(16),
		Dirs:        []int{0, 1, 2, 3},
		KernelSize:  ptrInt(3),
		Stride:      ptrInt(1),
		Padding:     ptrInt(1),
		Upsample:    ptrBool(false),
		BatchNorm:   ptrBool(true),
		Stages:      ptrInt(2),
		Device:      ptrString("cpu"),
		Seed:        ptrUint64(1),
		InputShape:  []int{1, 3, 8, 8},
	}
}

// LoadLayerConfig loads a LayerConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadLayerConfig(path string) (*LayerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &LayerConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *LayerConfig) Validate() error {
	switch c.GetKind() {
	case KindSDN, KindResSDN, KindSpatial, KindVGGSpatial, KindUNetSpatial, KindDilatedSpatial:
	default:
		return fmt.Errorf("unknown kind %q", c.GetKind())
	}

	positive := map[string]*int{
		"in_channels":  c.InChannels,
		"out_channels": c.OutChannels,
		"mid_channels": c.MidChannels,
		"num_features": c.NumFeatures,
		"kernel_size":  c.KernelSize,
		"stride":       c.Stride,
		"stages":       c.Stages,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.Padding != nil && *c.Padding < 0 {
		return fmt.Errorf("padding must be non-negative, got %d", *c.Padding)
	}

	for i, d := range c.Dirs {
		if d < 0 || d > 3 {
			return fmt.Errorf("dirs[%d] must be one of 0, 1, 2, 3, got %d", i, d)
		}
	}

	if c.GetKind() == KindDilatedSpatial && c.GetOutChannels()%16 != 0 {
		return fmt.Errorf("dilated_spatial out_channels must be a multiple of 16, got %d", c.GetOutChannels())
	}

	if d := c.GetDevice(); d != "cpu" && d != "gpu" {
		return fmt.Errorf("device must be \"cpu\" or \"gpu\", got %q", d)
	}

	if c.InputShape != nil {
		if len(c.InputShape) != 4 {
			return fmt.Errorf("input_shape must have 4 entries (N, C, H, W), got %d", len(c.InputShape))
		}
		for i, v := range c.InputShape {
			if v <= 0 {
				return fmt.Errorf("input_shape[%d] must be positive, got %d", i, v)
			}
		}
		if c.InputShape[1] != c.GetInChannels() {
			return fmt.Errorf("input_shape channels %d do not match in_channels %d", c.InputShape[1], c.GetInChannels())
		}
	}
	return nil
}

func (c *LayerConfig) GetKind() string {
	if c.Kind == nil {
		return KindResSDN
	}
	return *c.Kind
}

func (c *LayerConfig) GetInChannels() int {
	if c.InChannels == nil {
		return 3
	}
	return *c.InChannels
}

func (c *LayerConfig) GetOutChannels() int {
	if c.OutChannels == nil {
		return 8
	}
	return *c.OutChannels
}

// GetMidChannels defaults to the output width.
func (c *LayerConfig) GetMidChannels() int {
	if c.MidChannels == nil {
		return c.GetOutChannels()
	}
	return *c.MidChannels
}

func (c *LayerConfig) GetNumFeatures() int {
	if c.NumFeatures == nil {
		return 16
	}
	return *c.NumFeatures
}

func (c *LayerConfig) GetDirs() []int {
	if len(c.Dirs) == 0 {
		return []int{0, 1, 2, 3}
	}
	return c.Dirs
}

func (c *LayerConfig) GetKernelSize() int {
	if c.KernelSize == nil {
		return 3
	}
	return *c.KernelSize
}

func (c *LayerConfig) GetStride() int {
	if c.Stride == nil {
		return 1
	}
	return *c.Stride
}

func (c *LayerConfig) GetPadding() int {
	if c.Padding == nil {
		return 1
	}
	return *c.Padding
}

func (c *LayerConfig) GetUpsample() bool {
	if c.Upsample == nil {
		return false
	}
	return *c.Upsample
}

func (c *LayerConfig) GetBatchNorm() bool {
	if c.BatchNorm == nil {
		return true
	}
	return *c.BatchNorm
}

func (c *LayerConfig) GetStages() int {
	if c.Stages == nil {
		return 2
	}
	return *c.Stages
}

func (c *LayerConfig) GetDevice() string {
	if c.Device == nil {
		return "cpu"
	}
	return *c.Device
}

func (c *LayerConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetInputShape defaults to a single 8×8 image with in_channels channels.
func (c *LayerConfig) GetInputShape() []int {
	if len(c.InputShape) == 0 {
		return []int{1, c.GetInChannels(), 8, 8}
	}
	return c.InputShape
}
