package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long ReadBuffer waits for a mapping.
var ReadTimeout = 2 * time.Second

// NewFloatBuffer creates a buffer initialized with data.
func NewFloatBuffer(c *Context, label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}
	return buf, nil
}

// ReadBuffer copies the first size floats of buffer back to the host.
func ReadBuffer(c *Context, buffer *wgpu.Buffer, size int) ([]float32, error) {
	sizeBytes := uint64(size * 4)
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer staging.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, staging, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish command: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}

	// Poll(true) can block forever on some drivers
	timeout := time.After(ReadTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("read buffer timed out after %s", ReadTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	mapped := staging.GetMappedRange(0, uint(sizeBytes))
	if mapped == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	out := make([]float32, size)
	copy(out, wgpu.FromBytes[float32](mapped))
	staging.Unmap()
	return out, nil
}
