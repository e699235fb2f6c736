package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// mapTimeout bounds how long a read-back waits for the device.
var mapTimeout = 2 * time.Second

// newStorageBuffer uploads values into a new buffer with the given usage.
func newStorageBuffer(c *Context, label string, values []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(values),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: buffer %s: %w", label, err)
	}
	return buf, nil
}

// readback is a host-mappable copy target for n float32 values. The copy
// is recorded on the same encoder as the kernel so one submit covers both.
type readback struct {
	buf *wgpu.Buffer
	n   int
}

func newReadback(c *Context, label string, n int) (*readback, error) {
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_readback",
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: readback buffer %s: %w", label, err)
	}
	return &readback{buf: buf, n: n}, nil
}

func (r *readback) record(enc *wgpu.CommandEncoder, src *wgpu.Buffer) {
	enc.CopyBufferToBuffer(src, 0, r.buf, 0, uint64(r.n*4))
}

// values maps the buffer after the submitted work completes and returns a
// host copy. The device is polled without blocking so a lost device shows
// up as a timeout.
func (r *readback) values(c *Context) ([]float32, error) {
	size := uint64(r.n * 4)
	mapped := make(chan error, 1)
	err := r.buf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapped <- fmt.Errorf("gpu: map status %v", status)
			return
		}
		mapped <- nil
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: map readback: %w", err)
	}

	deadline := time.Now().Add(mapTimeout)
	for {
		c.Device.Poll(false, nil)
		select {
		case err := <-mapped:
			if err != nil {
				return nil, err
			}
			raw := r.buf.GetMappedRange(0, uint(size))
			if raw == nil {
				return nil, fmt.Errorf("gpu: readback range unavailable")
			}
			out := make([]float32, r.n)
			copy(out, wgpu.FromBytes[float32](raw))
			r.buf.Unmap()
			return out, nil
		default:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("gpu: readback of %d values timed out after %v", r.n, mapTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *readback) release() {
	r.buf.Destroy()
}
