// Package device is the GPU abstraction consumed by the loader and the integrator: queues with stable
// family indices, staging buffers, images, fences, timestamp query pools, recorded command buffers and
// compute/render pipelines. Two backends implement it: a WebGPU backend and a CPU ("soft") backend that
// executes the same programs in Go and exposes instrumentation for tests.
package device

import (
	"errors"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

var (
	// ErrTimeout is returned by Fence.Wait when the fence did not signal within the timeout.
	ErrTimeout = errors.New("fence wait timed out")

	// ErrDeviceLost is returned when the backend can no longer execute work.
	ErrDeviceLost = errors.New("device lost")

	// ErrUnsupported is returned when a backend cannot provide a resource or program.
	ErrUnsupported = errors.New("unsupported by device")

	// ErrReleased is returned when a released object is used.
	ErrReleased = errors.New("object already released")

	// ErrRecording is returned when a command buffer is recorded or submitted out of order.
	ErrRecording = errors.New("invalid command buffer recording")

	// ErrNoSurface is returned by BeginFrame on a device created without a presentation surface.
	ErrNoSurface = errors.New("device has no surface")
)

// Backend selects a Device implementation.
type Backend string

const (
	BackendWGPU Backend = "wgpu"
	BackendSoft Backend = "soft"
)

// QueueKind identifies one of the three queues a device exposes.
type QueueKind int

const (
	QueueGraphics QueueKind = iota
	QueueTransfer
	QueueCompute
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueTransfer:
		return "transfer"
	case QueueCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// StagingUsage is the direction of a staging buffer.
type StagingUsage int

const (
	// StagingUpload buffers are written by the host and copied into images.
	StagingUpload StagingUsage = iota

	// StagingReadback buffers receive device buffer contents for the host to read.
	StagingReadback
)

// ImageFormat is the texel format of a dataset image.
type ImageFormat int

const (
	ImageFormatR16Float ImageFormat = iota
	ImageFormatR32Float
	ImageFormatBC6H
)

func (f ImageFormat) String() string {
	switch f {
	case ImageFormatR16Float:
		return "r16float"
	case ImageFormatR32Float:
		return "r32float"
	case ImageFormatBC6H:
		return "bc6h"
	default:
		return "unknown"
	}
}

// ImageDimension is the shape of an image.
type ImageDimension int

const (
	// ImageDimension3D is a single 3D volume.
	ImageDimension3D ImageDimension = iota

	// ImageDimension2DArray stores depth as array layers. Block compressed formats use it since
	// blocks are defined per 2D surface.
	ImageDimension2DArray
)

// ImageLayout is the tracked access state of an image.
type ImageLayout int32

const (
	LayoutUndefined ImageLayout = iota
	LayoutTransferDst
	LayoutShaderReadOnly
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "undefined"
	case LayoutTransferDst:
		return "transfer_dst"
	case LayoutShaderReadOnly:
		return "shader_read_only"
	default:
		return "unknown"
	}
}

// ImageDescriptor describes an image to create.
type ImageDescriptor struct {
	Label     string
	Format    ImageFormat
	Dimension ImageDimension
	Width     uint32
	Height    uint32
	// Depth is the volume depth, or the array layer count for 2D arrays.
	Depth uint32
}

// BytesPerRow returns the tightly packed size of one row (one block row for BC6H).
func (d ImageDescriptor) BytesPerRow() uint32 {
	switch d.Format {
	case ImageFormatR16Float:
		return d.Width * 2
	case ImageFormatR32Float:
		return d.Width * 4
	default:
		return common.CeilDiv(d.Width, 4) * 16
	}
}

// RowsPerImage returns the number of rows (block rows for BC6H) of one depth slice.
func (d ImageDescriptor) RowsPerImage() uint32 {
	if d.Format == ImageFormatBC6H {
		return common.CeilDiv(d.Height, 4)
	}
	return d.Height
}

// ByteSize returns the tightly packed size of the whole image.
func (d ImageDescriptor) ByteSize() uint64 {
	return uint64(d.BytesPerRow()) * uint64(d.RowsPerImage()) * uint64(d.Depth)
}

// BufferUsage is a bit set of the ways a device buffer is used.
type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageIndirect
	BufferUsageVertex
	BufferUsageUniform
	BufferUsageCopySrc
	BufferUsageCopyDst
)

// BufferDescriptor describes a device buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// FilterMode is the sampler filter. Addressing is always clamp-to-edge.
type FilterMode int

const (
	FilterLinear FilterMode = iota
	FilterNearest
)

// SamplerDescriptor describes a sampler to create.
type SamplerDescriptor struct {
	Label  string
	Filter FilterMode
}

// Buffer is device-local memory.
type Buffer interface {
	// Size returns the buffer size in bytes.
	//
	// Returns:
	//   - uint64: the size in bytes
	Size() uint64

	// Usage returns the usage flags the buffer was created with.
	//
	// Returns:
	//   - BufferUsage: the usage flags
	Usage() BufferUsage

	// Release frees the buffer. The device must be idle with respect to any work using it.
	Release()
}

// StagingBuffer is host-visible memory used as the intermediate hop between files and device memory.
type StagingBuffer interface {
	// Size returns the buffer size in bytes.
	//
	// Returns:
	//   - uint64: the size in bytes
	Size() uint64

	// Usage returns whether this buffer uploads or reads back.
	//
	// Returns:
	//   - StagingUsage: the staging direction
	Usage() StagingUsage

	// Bytes returns the mapped host memory. Upload buffers may be written while no submission using
	// them is pending. Readback buffers hold the copied data after the submission's fence signaled.
	//
	// Returns:
	//   - []byte: the mapped memory
	Bytes() []byte

	// Release frees the buffer.
	Release()
}

// Image is a device image holding one dataset slice.
type Image interface {
	// Descriptor returns the descriptor the image was created with.
	//
	// Returns:
	//   - ImageDescriptor: the image descriptor
	Descriptor() ImageDescriptor

	// Layout returns the layout the image is in after all executed transitions.
	//
	// Returns:
	//   - ImageLayout: the current layout
	Layout() ImageLayout

	// Release frees the image.
	Release()
}

// Sampler is a texture sampler.
type Sampler interface {
	// Release frees the sampler.
	Release()
}

// Fence is signaled by the device when a submission completes.
type Fence interface {
	// Wait blocks until the fence is signaled or the timeout elapses.
	//
	// Parameters:
	//   - timeout: the maximum time to wait; zero polls
	//
	// Returns:
	//   - error: nil when signaled, ErrTimeout, or a device error
	Wait(timeout time.Duration) error

	// Signaled reports whether the fence is signaled without blocking.
	//
	// Returns:
	//   - bool: true when signaled
	Signaled() bool

	// Reset returns the fence to the unsignaled state. A fence must be reset before it is submitted.
	//
	// Returns:
	//   - error: error if the fence belongs to a pending submission
	Reset() error

	// Release frees the fence.
	Release()
}

// QueryPool holds timestamp queries written by command buffers.
type QueryPool interface {
	// Count returns the number of queries in the pool.
	//
	// Returns:
	//   - uint32: the query count
	Count() uint32

	// Results returns count timestamps starting at first, in device ticks. Device.TimestampPeriod
	// converts ticks to nanoseconds.
	//
	// Parameters:
	//   - first: the first query index
	//   - count: the number of queries
	//
	// Returns:
	//   - []uint64: the timestamps
	//   - error: error if the range is out of bounds or a query was not written
	Results(first, count uint32) ([]uint64, error)

	// Release frees the pool.
	Release()
}

// Pipeline is a compiled compute or render program.
type Pipeline interface {
	// Shader returns the program the pipeline was built from.
	//
	// Returns:
	//   - shader.Shader: the pipeline's shader
	Shader() shader.Shader

	// Release frees the pipeline.
	Release()
}

// Binding attaches one resource to a binding slot of a pipeline's resource group. Exactly one of
// Buffer, Sampler and Image is set.
type Binding struct {
	Binding uint32
	Buffer  Buffer
	Sampler Sampler
	Image   Image
}

// Queue accepts command buffer submissions.
type Queue interface {
	// Kind returns which queue this is.
	//
	// Returns:
	//   - QueueKind: the queue kind
	Kind() QueueKind

	// FamilyIndex returns the queue's family index, stable for the device's lifetime.
	//
	// Returns:
	//   - uint32: the family index
	FamilyIndex() uint32

	// Submit schedules an ended command buffer. The fence, when non-nil, must be unsignaled and is
	// signaled once all recorded work completed.
	//
	// Parameters:
	//   - cb: the command buffer to execute
	//   - fence: the fence to signal, or nil
	//
	// Returns:
	//   - error: ErrRecording if cb was not ended, or a submission error
	Submit(cb CommandBuffer, fence Fence) error
}

// RenderPass draws into the current frame.
type RenderPass interface {
	// DrawLinesIndirect draws drawCount line strips whose vertex ranges come from indirect records.
	//
	// Parameters:
	//   - pipeline: a pipeline built from the lines program
	//   - vertices: the vertex buffer (one vec4 per vertex)
	//   - indirect: the indirect record buffer
	//   - drawCount: the number of records to draw
	//   - stride: the byte stride between records
	//   - uniforms: the encoded line uniforms
	//
	// Returns:
	//   - error: error if the draw could not be recorded
	DrawLinesIndirect(pipeline Pipeline, vertices, indirect Buffer, drawCount, stride uint32, uniforms []byte) error

	// DrawSlice draws one depth slice of an image over the whole viewport.
	//
	// Parameters:
	//   - pipeline: a pipeline built from the slice view program
	//   - image: the image to show
	//   - uniforms: the encoded slice uniforms
	//
	// Returns:
	//   - error: error if the draw could not be recorded
	DrawSlice(pipeline Pipeline, image Image, uniforms []byte) error
}

// Device creates resources and exposes the graphics, transfer and compute queues.
type Device interface {
	// Backend returns the implementation in use.
	//
	// Returns:
	//   - Backend: the backend
	Backend() Backend

	// Queue returns one of the device queues.
	//
	// Parameters:
	//   - kind: the queue kind
	//
	// Returns:
	//   - Queue: the queue
	Queue(kind QueueKind) Queue

	// CreateStagingBuffer allocates host-visible memory.
	//
	// Parameters:
	//   - size: the size in bytes
	//   - usage: upload or readback
	//
	// Returns:
	//   - StagingBuffer: the buffer
	//   - error: error if allocation fails
	CreateStagingBuffer(size uint64, usage StagingUsage) (StagingBuffer, error)

	// CreateImage allocates an image in LayoutUndefined.
	//
	// Parameters:
	//   - desc: the image descriptor
	//
	// Returns:
	//   - Image: the image
	//   - error: ErrUnsupported for formats the device cannot hold, or an allocation error
	CreateImage(desc ImageDescriptor) (Image, error)

	// CreateBuffer allocates a zero-initialized device buffer.
	//
	// Parameters:
	//   - desc: the buffer descriptor
	//
	// Returns:
	//   - Buffer: the buffer
	//   - error: error if allocation fails
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// CreateSampler creates a clamp-to-edge sampler.
	//
	// Parameters:
	//   - desc: the sampler descriptor
	//
	// Returns:
	//   - Sampler: the sampler
	//   - error: error if creation fails
	CreateSampler(desc SamplerDescriptor) (Sampler, error)

	// CreateFence creates a fence.
	//
	// Parameters:
	//   - signaled: the initial state
	//
	// Returns:
	//   - Fence: the fence
	//   - error: error if creation fails
	CreateFence(signaled bool) (Fence, error)

	// CreateQueryPool creates a timestamp query pool.
	//
	// Parameters:
	//   - count: the number of queries
	//
	// Returns:
	//   - QueryPool: the pool
	//   - error: error if creation fails
	CreateQueryPool(count uint32) (QueryPool, error)

	// CreateCommandBuffer creates a command buffer for the given queue.
	//
	// Parameters:
	//   - kind: the queue the buffer will be submitted to
	//
	// Returns:
	//   - CommandBuffer: the command buffer
	//   - error: error if creation fails
	CreateCommandBuffer(kind QueueKind) (CommandBuffer, error)

	// CreateComputePipeline builds a compute pipeline.
	//
	// Parameters:
	//   - s: a compute shader
	//
	// Returns:
	//   - Pipeline: the pipeline
	//   - error: ErrUnsupported or a pipeline creation error
	CreateComputePipeline(s shader.Shader) (Pipeline, error)

	// CreateRenderPipeline builds a render pipeline targeting the frame surface.
	//
	// Parameters:
	//   - s: a render shader
	//
	// Returns:
	//   - Pipeline: the pipeline
	//   - error: error if creation fails
	CreateRenderPipeline(s shader.Shader) (Pipeline, error)

	// BeginFrame acquires the next surface image and starts the frame's render pass.
	//
	// Returns:
	//   - RenderPass: the frame's render pass
	//   - error: ErrNoSurface for headless devices, or an acquisition error
	BeginFrame() (RenderPass, error)

	// EndFrame submits and presents the frame started by BeginFrame.
	//
	// Returns:
	//   - error: error if submission or presentation fails
	EndFrame() error

	// Resize reconfigures the frame surface.
	//
	// Parameters:
	//   - width: the new width in pixels
	//   - height: the new height in pixels
	Resize(width, height int)

	// TimestampPeriod returns the number of nanoseconds per timestamp tick.
	//
	// Returns:
	//   - float64: nanoseconds per tick
	TimestampPeriod() float64

	// WaitIdle blocks until every queue finished all submitted work.
	//
	// Returns:
	//   - error: a device error
	WaitIdle() error

	// Release waits for idle and frees the device.
	Release()
}

// TicksToDuration converts a timestamp delta to a duration using the device's timestamp period.
//
// Parameters:
//   - d: the device that wrote the timestamps
//   - start: the first timestamp
//   - end: the second timestamp
//
// Returns:
//   - time.Duration: the elapsed time, zero if end precedes start
func TicksToDuration(d Device, start, end uint64) time.Duration {
	if end <= start {
		return 0
	}
	return time.Duration(float64(end-start) * d.TimestampPeriod())
}
