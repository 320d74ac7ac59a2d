package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

const deviationShader = `
@group(0) @binding(0) var<storage, read> a : array<f32>;
@group(0) @binding(1) var<storage, read> b : array<f32>;
@group(0) @binding(2) var<storage, read_write> out : array<f32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	if (idx >= arrayLength(&out)) {
		return;
	}
	let d = a[idx] - b[idx];
	out[idx] = d * d;
}
`

// Deviation computes the mean squared difference of two activation tensors.
// The squared differences run on the device and are summed on the host in
// float64. The pipeline is compiled once and shared by every call.
type Deviation struct {
	mu       sync.Mutex
	c        *Context
	pipeline *wgpu.ComputePipeline
}

// NewDeviation compiles the kernel on the process context.
func NewDeviation() (*Deviation, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Deviation_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: deviationShader},
	})
	if err != nil {
		return nil, fmt.Errorf("compile deviation shader: %w", err)
	}
	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "Deviation_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, fmt.Errorf("create deviation pipeline: %w", err)
	}
	return &Deviation{c: c, pipeline: pipeline}, nil
}

// Mean returns mean((a-b)^2). It matches nn.MeanSquaredDeviation.
func (d *Deviation) Mean(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("deviation: length mismatch %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("deviation: empty tensors")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(a)
	bufA, err := NewFloatBuffer(d.c, "Deviation_A", a, wgpu.BufferUsageStorage)
	if err != nil {
		return 0, err
	}
	defer bufA.Destroy()
	bufB, err := NewFloatBuffer(d.c, "Deviation_B", b, wgpu.BufferUsageStorage)
	if err != nil {
		return 0, err
	}
	defer bufB.Destroy()
	out, err := d.c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Deviation_Out",
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return 0, fmt.Errorf("create output buffer: %w", err)
	}
	defer out.Destroy()

	bind, err := d.c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Deviation_Bind",
		Layout: d.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: bufA, Size: bufA.GetSize()},
			{Binding: 1, Buffer: bufB, Size: bufB.GetSize()},
			{Binding: 2, Buffer: out, Size: out.GetSize()},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("create bind group: %w", err)
	}
	defer bind.Release()

	enc, err := d.c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return 0, fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(d.pipeline)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups(uint32((n+255)/256), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return 0, fmt.Errorf("finish command: %w", err)
	}
	d.c.Queue.Submit(cmd)

	sq, err := ReadBuffer(d.c, out, n)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range sq {
		sum += float64(v)
	}
	return sum / float64(n), nil
}

// Release frees the pipeline.
func (d *Deviation) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline != nil {
		d.pipeline.Release()
		d.pipeline = nil
	}
}
