package device

import (
	"fmt"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

type deviceOptions struct {
	surfaceDescriptor    *wgpu.SurfaceDescriptor
	width, height        int
	forceFallbackAdapter bool
	vsync                bool
	softWorkers          int
	softDelay            time.Duration
	softImageLimit       int
}

// DeviceBuilderOption is a functional option applied to a device during construction via NewDevice.
type DeviceBuilderOption func(*deviceOptions)

// WithSurface attaches a presentation surface. Without it the device is headless and BeginFrame
// returns ErrNoSurface on the wgpu backend.
//
// Parameters:
//   - desc: the surface descriptor provided by the window
//   - width: the initial surface width in pixels
//   - height: the initial surface height in pixels
//
// Returns:
//   - DeviceBuilderOption: a function that applies the surface option to a device
func WithSurface(desc *wgpu.SurfaceDescriptor, width, height int) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.surfaceDescriptor = desc
		o.width = width
		o.height = height
	}
}

// WithForceFallbackAdapter forces WGPU to use a CPU/software fallback adapter instead of hardware GPU
// acceleration. This requires a software Vulkan ICD to be installed on the system.
//
// Parameters:
//   - force: true to force the fallback adapter
//
// Returns:
//   - DeviceBuilderOption: a function that applies the option to a device
func WithForceFallbackAdapter(force bool) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.forceFallbackAdapter = force
	}
}

// WithVSync selects FIFO presentation instead of immediate presentation.
//
// Parameters:
//   - vsync: true to synchronize presentation with the display
//
// Returns:
//   - DeviceBuilderOption: a function that applies the option to a device
func WithVSync(vsync bool) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.vsync = vsync
	}
}

// WithSoftWorkers sets the number of worker goroutines the soft device uses for compute dispatches.
//
// Parameters:
//   - n: the worker count; values < 1 select the default of 4
//
// Returns:
//   - DeviceBuilderOption: a function that applies the option to a device
func WithSoftWorkers(n int) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.softWorkers = n
	}
}

// WithSoftExecutionDelay makes the soft device wait before executing each submission.
//
// Parameters:
//   - d: the delay per submission
//
// Returns:
//   - DeviceBuilderOption: a function that applies the option to a device
func WithSoftExecutionDelay(d time.Duration) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.softDelay = d
	}
}

// WithSoftImageLimit makes image creation on the soft device fail once n images exist.
//
// Parameters:
//   - n: the number of images that can be created; 0 is unlimited
//
// Returns:
//   - DeviceBuilderOption: a function that applies the option to a device
func WithSoftImageLimit(n int) DeviceBuilderOption {
	return func(o *deviceOptions) {
		o.softImageLimit = n
	}
}

// NewDevice creates a device for the given backend.
//
// Parameters:
//   - backend: BackendWGPU or BackendSoft
//   - options: functional options for device configuration
//
// Returns:
//   - Device: the device
//   - error: error if the backend is unknown or adapter/device creation fails
func NewDevice(backend Backend, options ...DeviceBuilderOption) (Device, error) {
	var o deviceOptions
	for _, opt := range options {
		opt(&o)
	}

	switch backend {
	case BackendSoft:
		return newSoftDevice(o), nil
	case BackendWGPU, "":
		return newWGPUDevice(o)
	default:
		return nil, fmt.Errorf("%w: backend %q", ErrUnsupported, backend)
	}
}

// NewSoftDevice creates a soft device.
//
// Parameters:
//   - options: functional options for device configuration
//
// Returns:
//   - SoftDevice: the soft device
func NewSoftDevice(options ...DeviceBuilderOption) SoftDevice {
	var o deviceOptions
	for _, opt := range options {
		opt(&o)
	}
	return newSoftDevice(o)
}
