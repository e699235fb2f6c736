package gpu

import "github.com/openfluke/webgpu/wgpu"

// Layer is the common interface for GPU forward kernels.
type Layer interface {
	AllocateBuffers(c *Context, labelPrefix string) error
	Compile(c *Context, labelPrefix string) error
	CreateBindGroup(c *Context, labelPrefix string) error
	Dispatch(pass *wgpu.ComputePassEncoder)

	GetInputBuffer() *wgpu.Buffer
	GetOutputBuffer() *wgpu.Buffer
	OutputLen() int

	Cleanup()
}

// Run allocates l, uploads input, dispatches one pass and copies the
// output to the host in the same submit. The layer's resources are
// released before returning.
func Run(c *Context, l Layer, label string, input []float32) ([]float32, error) {
	defer l.Cleanup()
	if err := l.AllocateBuffers(c, label); err != nil {
		return nil, err
	}
	if err := l.Compile(c, label); err != nil {
		return nil, err
	}
	if err := l.CreateBindGroup(c, label); err != nil {
		return nil, err
	}
	rb, err := newReadback(c, label, l.OutputLen())
	if err != nil {
		return nil, err
	}
	defer rb.release()
	c.Queue.WriteBuffer(l.GetInputBuffer(), 0, wgpu.ToBytes(input))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	l.Dispatch(pass)
	pass.End()
	rb.record(enc, l.GetOutputBuffer())
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return rb.values(c)
}
