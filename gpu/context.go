// Package gpu holds the WebGPU context and the compute kernels used to
// offload elementwise work from the training loop.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrUnavailable is returned when no usable adapter or device exists.
var ErrUnavailable = errors.New("gpu: no WebGPU device available")

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error

	// Logger receives adapter selection messages. Nil uses slog.Default.
	Logger *slog.Logger
)

func logger() *slog.Logger {
	if Logger != nil {
		return Logger
	}
	return slog.Default()
}

// GetContext returns the process context, initializing it on first use.
// Initialization is attempted once; later calls return the same error.
func GetContext() (*Context, error) {
	ctxOnce.Do(func() { ctxErr = initContext() })
	if ctxErr != nil {
		return nil, ctxErr
	}
	return &ctx, nil
}

func initContext() error {
	log := logger()
	ctx.Instance = wgpu.CreateInstance(nil)
	if ctx.Instance == nil {
		return fmt.Errorf("%w: failed to create instance", ErrUnavailable)
	}

	// prefer a discrete NVIDIA adapter when one is enumerated
	for _, a := range ctx.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		log.Debug("gpu adapter", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			ctx.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if ctx.Adapter != nil {
			break
		}
		ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
		if err != nil {
			log.Debug("gpu adapter request failed", "error", err)
		}
	}
	if ctx.Adapter == nil {
		return fmt.Errorf("%w: all adapter requests failed: %v", ErrUnavailable, err)
	}

	info := ctx.Adapter.GetInfo()
	log.Info("using gpu adapter", "name", info.Name, "vendor", info.VendorName)

	ctx.Device, err = ctx.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("%w: request device: %v", ErrUnavailable, err)
	}
	ctx.Queue = ctx.Device.GetQueue()
	if ctx.Queue == nil {
		return fmt.Errorf("%w: device has no queue", ErrUnavailable)
	}
	return nil
}
