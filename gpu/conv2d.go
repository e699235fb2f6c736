package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv2DSpec defines a batched NCHW 2D convolution.
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	OutChannels int       // Output channels (filters)
	KernelSize  int       // Kernel size (squared)
	Stride      int       // Stride (default 1)
	Padding     int       // Padding (default 0)
	Dilation    int       // Dilation (default 1)
	InputHeight int
	InputWidth  int
	Weights     []float32 // [OutChannels * InChannels * KernelSize * KernelSize]
	Bias        []float32 // [OutChannels], zeros when empty
}

// OutputSize returns the spatial output size, 0 along an axis the kernel
// window does not fit.
func (s Conv2DSpec) OutputSize() (int, int) {
	stride, dil := max(s.Stride, 1), max(s.Dilation, 1)
	span := dil*(s.KernelSize-1) + 1
	out := func(size int) int {
		if size+2*s.Padding < span {
			return 0
		}
		return (size+2*s.Padding-span)/stride + 1
	}
	return out(s.InputHeight), out(s.InputWidth)
}

func (s Conv2DSpec) inputLen() int {
	return s.Batch * s.InChannels * s.InputHeight * s.InputWidth
}

func (s Conv2DSpec) outputLen() int {
	h, w := s.OutputSize()
	return s.Batch * s.OutChannels * h * w
}

// Conv2DLayer holds GPU resources for one convolution shape.
type Conv2DLayer struct {
	Spec Conv2DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer
}

// NewConv2DLayer validates spec and returns an unallocated layer.
func NewConv2DLayer(spec Conv2DSpec) (*Conv2DLayer, error) {
	wantW := spec.OutChannels * spec.InChannels * spec.KernelSize * spec.KernelSize
	if len(spec.Weights) != wantW {
		return nil, fmt.Errorf("conv2d: weight size mismatch: got %d, expected %d", len(spec.Weights), wantW)
	}
	if len(spec.Bias) != 0 && len(spec.Bias) != spec.OutChannels {
		return nil, fmt.Errorf("conv2d: bias size mismatch: got %d, expected %d", len(spec.Bias), spec.OutChannels)
	}
	if h, w := spec.OutputSize(); h <= 0 || w <= 0 {
		return nil, fmt.Errorf("conv2d: empty output %dx%d", h, w)
	}
	return &Conv2DLayer{Spec: spec}, nil
}

func (l *Conv2DLayer) GetInputBuffer() *wgpu.Buffer  { return l.InputBuffer }
func (l *Conv2DLayer) GetOutputBuffer() *wgpu.Buffer { return l.OutputBuffer }
func (l *Conv2DLayer) OutputLen() int                { return l.Spec.outputLen() }

func (l *Conv2DLayer) AllocateBuffers(c *Context, labelPrefix string) error {
	var err error
	l.InputBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_In",
		Size:  uint64(l.Spec.inputLen() * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return err
	}

	l.OutputBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Out",
		Size:  uint64(l.Spec.outputLen() * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return err
	}

	l.WeightBuffer, err = newStorageBuffer(c, labelPrefix+"_W", l.Spec.Weights, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	bias := l.Spec.Bias
	if len(bias) == 0 {
		bias = make([]float32, l.Spec.OutChannels)
	}
	l.BiasBuffer, err = newStorageBuffer(c, labelPrefix+"_B", bias, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	return err
}

// GenerateShader emits one invocation per output element, NCHW layout.
func (l *Conv2DLayer) GenerateShader() string {
	s := l.Spec
	outH, outW := s.OutputSize()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const BATCH: u32 = %du;
		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: i32 = %d;
		const DILATION: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = BATCH * OUT_CH * OUT_H * OUT_W;
			if (idx >= total) { return; }

			// Output layout: [N, C, H, W]
			let out_w = idx %% OUT_W;
			let out_h = (idx / OUT_W) %% OUT_H;
			let out_c = (idx / (OUT_W * OUT_H)) %% OUT_CH;
			let b = idx / (OUT_W * OUT_H * OUT_CH);

			var sum: f32 = bias[out_c];

			for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
				for (var kh: u32 = 0u; kh < K; kh++) {
					let in_h = i32(out_h * STRIDE + kh * DILATION) - PADDING;
					if (in_h < 0 || u32(in_h) >= IN_H) { continue; }
					for (var kw: u32 = 0u; kw < K; kw++) {
						let in_w = i32(out_w * STRIDE + kw * DILATION) - PADDING;
						if (in_w < 0 || u32(in_w) >= IN_W) { continue; }
						let i_idx = ((b * IN_CH + in_c) * IN_H + u32(in_h)) * IN_W + u32(in_w);
						let w_idx = ((out_c * IN_CH + in_c) * K + kh) * K + kw;
						sum += input[i_idx] * weights[w_idx];
					}
				}
			}

			output[idx] = sum;
		}
	`, s.Batch, s.InputHeight, s.InputWidth, s.InChannels, s.OutChannels,
		s.KernelSize, max(s.Stride, 1), s.Padding, max(s.Dilation, 1), outH, outW)
}

func (l *Conv2DLayer) Compile(c *Context, labelPrefix string) error {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()
	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

func (l *Conv2DLayer) CreateBindGroup(c *Context, labelPrefix string) error {
	var err error
	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (l *Conv2DLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(uint32((l.Spec.outputLen()+255)/256), 1, 1)
}

func (l *Conv2DLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.WeightBuffer, l.BiasBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
}

// Conv2DForward runs one convolution on the shared GPU context.
func Conv2DForward(spec Conv2DSpec, input []float32) ([]float32, error) {
	if len(input) != spec.inputLen() {
		return nil, fmt.Errorf("conv2d: input size mismatch: got %d, expected %d", len(input), spec.inputLen())
	}
	l, err := NewConv2DLayer(spec)
	if err != nil {
		return nil, err
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return Run(c, l, "sdn_conv2d", input)
}
