package device

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/cogentcore/webgpu/wgpu"
)

// fencePollInterval is the sleep between device polls while waiting on a fence.
const fencePollInterval = 100 * time.Microsecond

// wgpuDevice implements Device on WebGPU. WebGPU exposes a single queue, so the three queue kinds share
// it under one family index; submissions are serialized through the device mutex. Layout transitions
// are tracked state only since WebGPU manages image layouts. Per-dispatch constants are written into a
// small uniform buffer bound at group 0.
type wgpuDevice struct {
	mu sync.Mutex

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	limits   wgpu.Limits
	epoch    time.Time

	surface       *wgpu.Surface
	surfaceFormat wgpu.TextureFormat
	presentMode   wgpu.PresentMode
	width, height int

	queues  map[QueueKind]*wgpuQueue
	pending []*wgpuSubmission

	frame *wgpuFrame
}

var _ Device = &wgpuDevice{}

func newWGPUDevice(o deviceOptions) (*wgpuDevice, error) {
	if o.surfaceDescriptor != nil {
		runtime.LockOSThread()
	}
	d := &wgpuDevice{
		instance:    wgpu.CreateInstance(nil),
		presentMode: wgpu.PresentModeImmediate,
		epoch:       time.Now(),
		queues:      make(map[QueueKind]*wgpuQueue, 3),
	}
	if o.vsync {
		d.presentMode = wgpu.PresentModeFifo
	}
	if o.surfaceDescriptor != nil {
		d.surface = d.instance.CreateSurface(o.surfaceDescriptor)
	}

	a, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: o.forceFallbackAdapter,
		CompatibleSurface:    d.surface,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	d.adapter = a

	// Every time slice of every channel is bound at once, so take the adapter's limits instead of
	// the defaults.
	d.limits = a.GetLimits().Limits
	var features []wgpu.FeatureName
	if a.HasFeature(wgpu.FeatureNameTextureCompressionBC) {
		features = append(features, wgpu.FeatureNameTextureCompressionBC)
	}

	dev, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "Flow Device",
		RequiredFeatures: features,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: d.limits,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d.device = dev
	d.queue = dev.GetQueue()

	for _, kind := range []QueueKind{QueueGraphics, QueueTransfer, QueueCompute} {
		d.queues[kind] = &wgpuQueue{device: d, kind: kind}
	}

	if d.surface != nil && o.width > 0 && o.height > 0 {
		d.Resize(o.width, o.height)
	}
	logger.Logger().Info("wgpu device created",
		"fallback", o.forceFallbackAdapter,
		"bc", len(features) > 0,
		"max_sampled_textures", d.limits.MaxSampledTexturesPerShaderStage)
	return d, nil
}

func (d *wgpuDevice) Backend() Backend {
	return BackendWGPU
}

func (d *wgpuDevice) Queue(kind QueueKind) Queue {
	return d.queues[kind]
}

func (d *wgpuDevice) CreateStagingBuffer(size uint64, usage StagingUsage) (StagingBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("staging buffer of zero bytes")
	}
	if usage == StagingUpload {
		return &hostStagingBuffer{usage: usage, data: make([]byte, size)}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Readback Staging Buffer",
		Size:  common.AlignUp(size, 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuReadbackBuffer{hostStagingBuffer: hostStagingBuffer{usage: usage, data: make([]byte, size)}, buffer: buf}, nil
}

func textureFormat(f ImageFormat) wgpu.TextureFormat {
	switch f {
	case ImageFormatR16Float:
		return wgpu.TextureFormatR16Float
	case ImageFormatR32Float:
		return wgpu.TextureFormatR32Float
	default:
		return wgpu.TextureFormatBC6HRGBUfloat
	}
}

func (d *wgpuDevice) CreateImage(desc ImageDescriptor) (Image, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return nil, fmt.Errorf("image %q has a zero extent", desc.Label)
	}
	if desc.Format == ImageFormatBC6H && !d.adapter.HasFeature(wgpu.FeatureNameTextureCompressionBC) {
		return nil, fmt.Errorf("%w: BC6H images need texture-compression-bc", ErrUnsupported)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dimension := wgpu.TextureDimension3D
	viewDimension := wgpu.TextureViewDimension3D
	if desc.Dimension == ImageDimension2DArray {
		dimension = wgpu.TextureDimension2D
		viewDimension = wgpu.TextureViewDimension2DArray
	}
	format := textureFormat(desc.Format)

	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:     desc.Label,
		Usage:     wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
		Dimension: dimension,
		Size: wgpu.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: desc.Depth,
		},
		Format:        format,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		return nil, err
	}

	viewDesc := &wgpu.TextureViewDescriptor{
		Label:           desc.Label + " View",
		Format:          format,
		Dimension:       viewDimension,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
		Aspect:          wgpu.TextureAspectAll,
	}
	if desc.Dimension == ImageDimension2DArray {
		viewDesc.ArrayLayerCount = desc.Depth
	}
	view, err := tex.CreateView(viewDesc)
	if err != nil {
		tex.Release()
		return nil, err
	}
	return &wgpuImage{desc: desc, texture: tex, view: view}, nil
}

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return nil, fmt.Errorf("buffer %q: size %d is not a positive multiple of 4", desc.Label, desc.Size)
	}
	usage := wgpu.BufferUsageCopyDst
	for flag, u := range map[BufferUsage]wgpu.BufferUsage{
		BufferUsageStorage:  wgpu.BufferUsageStorage,
		BufferUsageIndirect: wgpu.BufferUsageIndirect,
		BufferUsageVertex:   wgpu.BufferUsageVertex,
		BufferUsageUniform:  wgpu.BufferUsageUniform,
		BufferUsageCopySrc:  wgpu.BufferUsageCopySrc,
	} {
		if desc.Usage&flag != 0 {
			usage |= u
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuBuffer{desc: desc, buffer: buf}, nil
}

func (d *wgpuDevice) CreateSampler(desc SamplerDescriptor) (Sampler, error) {
	filter := wgpu.FilterModeLinear
	if desc.Filter == FilterNearest {
		filter = wgpu.FilterModeNearest
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.device.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         desc.Label,
		AddressModeU:  wgpu.AddressModeClampToEdge,
		AddressModeV:  wgpu.AddressModeClampToEdge,
		AddressModeW:  wgpu.AddressModeClampToEdge,
		MagFilter:     filter,
		MinFilter:     filter,
		MipmapFilter:  wgpu.MipmapFilterModeNearest,
		LodMinClamp:   0,
		LodMaxClamp:   1,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuSampler{sampler: s}, nil
}

func (d *wgpuDevice) CreateFence(signaled bool) (Fence, error) {
	return &wgpuFence{device: d, signaled: signaled}, nil
}

func (d *wgpuDevice) CreateQueryPool(count uint32) (QueryPool, error) {
	if count == 0 {
		return nil, fmt.Errorf("query pool of zero queries")
	}
	return &hostQueryPool{values: make([]uint64, count), written: make([]bool, count)}, nil
}

func (d *wgpuDevice) CreateCommandBuffer(kind QueueKind) (CommandBuffer, error) {
	if _, ok := d.queues[kind]; !ok {
		return nil, fmt.Errorf("unknown queue %s", kind)
	}
	return newCommandBuffer(kind), nil
}

// bindGroupLayouts creates the shader's layouts. Programs that never filter get unfilterable texture
// and non-filtering sampler entries so R32Float images can be bound without float32-filterable.
func (d *wgpuDevice) bindGroupLayouts(s shader.Shader, unfilterable bool) ([]*wgpu.BindGroupLayout, error) {
	descriptors := s.BindGroupLayoutDescriptors()
	maxGroup := -1
	for g := range descriptors {
		maxGroup = max(maxGroup, g)
	}

	layouts := make([]*wgpu.BindGroupLayout, maxGroup+1)
	for g, desc := range descriptors {
		entries := slices.Clone(desc.Entries)
		if unfilterable {
			for i := range entries {
				if entries[i].Texture.SampleType != wgpu.TextureSampleTypeUndefined {
					entries[i].Texture.SampleType = wgpu.TextureSampleTypeUnfilterableFloat
				}
				if entries[i].Sampler.Type != wgpu.SamplerBindingTypeUndefined {
					entries[i].Sampler.Type = wgpu.SamplerBindingTypeNonFiltering
				}
			}
		}
		desc.Entries = entries

		layout, err := d.device.CreateBindGroupLayout(&desc)
		if err != nil {
			return nil, fmt.Errorf("failed to create bind group layout for group %d: %w", g, err)
		}
		layouts[g] = layout
	}
	return layouts, nil
}

func (d *wgpuDevice) CreateComputePipeline(s shader.Shader) (Pipeline, error) {
	if s == nil || s.ShaderType() != shader.ShaderTypeCompute {
		return nil, fmt.Errorf("compute pipeline needs a compute shader")
	}
	if images := s.Specialization().ImageCount(); images > d.limits.MaxSampledTexturesPerShaderStage {
		return nil, fmt.Errorf("%w: %s binds %d images, adapter allows %d",
			ErrUnsupported, s.Key(), images, d.limits.MaxSampledTexturesPerShaderStage)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	module, err := d.device.CreateShaderModule(s.Module())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Key(), err)
	}
	layouts, err := d.bindGroupLayouts(s, s.Specialization().ExplicitInterpolation)
	if err != nil {
		return nil, err
	}
	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            s.Key(),
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, err
	}

	created, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  s.Key() + " Compute Pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: s.EntryPoint(shader.StageCompute),
		},
	})
	if err != nil {
		return nil, err
	}
	return &wgpuPipeline{shader: s, module: module, layouts: layouts, layout: layout, compute: created}, nil
}

func (d *wgpuDevice) CreateRenderPipeline(s shader.Shader) (Pipeline, error) {
	if s == nil || s.ShaderType() != shader.ShaderTypeRender {
		return nil, fmt.Errorf("render pipeline needs a render shader")
	}
	if d.surface == nil {
		return nil, ErrNoSurface
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	module, err := d.device.CreateShaderModule(s.Module())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Key(), err)
	}
	// the slice viewer only loads texels
	layouts, err := d.bindGroupLayouts(s, s.Variant() == shader.VariantSliceView)
	if err != nil {
		return nil, err
	}
	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            s.Key(),
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, err
	}

	topology := wgpu.PrimitiveTopologyTriangleList
	if s.Variant() == shader.VariantLines {
		topology = wgpu.PrimitiveTopologyLineStrip
	}

	created, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  s.Key() + " Render Pipeline",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: s.EntryPoint(shader.StageVertex),
			Buffers:    s.VertexLayouts(),
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: s.EntryPoint(shader.StageFragment),
			Targets: []wgpu.ColorTargetState{
				{
					Format:    d.surfaceFormat,
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  topology,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, err
	}
	return &wgpuPipeline{shader: s, module: module, layouts: layouts, layout: layout, render: created}, nil
}

func (d *wgpuDevice) Resize(width, height int) {
	if d.surface == nil || width <= 0 || height <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	capabilities := d.surface.GetCapabilities(d.adapter)
	d.surfaceFormat = capabilities.Formats[0]
	d.width, d.height = width, height
	d.surface.Configure(d.adapter, d.device, &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      d.surfaceFormat,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: d.presentMode,
		AlphaMode:   capabilities.AlphaModes[0],
	})
}

func (d *wgpuDevice) TimestampPeriod() float64 {
	return 1
}

func (d *wgpuDevice) timestamp() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

func (d *wgpuDevice) WaitIdle() error {
	d.mu.Lock()
	d.device.Poll(true, nil)
	pending := d.pending
	d.mu.Unlock()

	var errs []error
	for _, sub := range pending {
		if err := sub.complete(); err != nil {
			errs = append(errs, err)
		}
	}
	d.reap()
	return errors.Join(errs...)
}

// reap drops completed submissions from the pending list.
func (d *wgpuDevice) reap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = slices.DeleteFunc(d.pending, func(s *wgpuSubmission) bool {
		return s.finished.Load()
	})
}

func (d *wgpuDevice) Release() {
	_ = d.WaitIdle()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return
	}
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	if d.surface != nil {
		d.surface.Release()
	}
	d.instance.Release()
	d.device = nil
}

type wgpuQueue struct {
	device *wgpuDevice
	kind   QueueKind
}

func (q *wgpuQueue) Kind() QueueKind {
	return q.kind
}

func (q *wgpuQueue) FamilyIndex() uint32 {
	return 0
}

func (q *wgpuQueue) Submit(cb CommandBuffer, fence Fence) error {
	impl, err := submittedBuffer(cb)
	if err != nil {
		return err
	}
	if impl.Queue() != q.kind {
		return fmt.Errorf("%w: %s command buffer submitted to %s queue", ErrRecording, impl.Queue(), q.kind)
	}
	commands, err := impl.snapshot()
	if err != nil {
		return err
	}

	var f *wgpuFence
	if fence != nil {
		var ok bool
		if f, ok = fence.(*wgpuFence); !ok {
			return fmt.Errorf("foreign fence %T", fence)
		}
	}

	d := q.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return ErrReleased
	}

	sub := &wgpuSubmission{device: d}
	if err := sub.encode(commands); err != nil {
		sub.releaseTransient()
		return err
	}
	if f != nil {
		if err := f.arm(sub); err != nil {
			sub.releaseTransient()
			return err
		}
	}

	d.queue.OnSubmittedWorkDone(func(status wgpu.QueueWorkDoneStatus) {
		if status != wgpu.QueueWorkDoneStatusSuccess {
			sub.err = fmt.Errorf("%w: queue work done status %v", ErrDeviceLost, status)
		}
		sub.doneAt = d.timestamp()
		sub.done.Store(true)
	})
	d.pending = append(d.pending, sub)
	return nil
}

// wgpuSubmission is one submitted command buffer and the host work to run once it completed.
type wgpuSubmission struct {
	device *wgpuDevice

	encoder   *wgpu.CommandEncoder
	hadWork   bool
	transient []*wgpu.Buffer
	groups    []*wgpu.BindGroup

	// timestamps recorded after work and readbacks are resolved on completion
	completionQueries []queryRef
	readbacks         []readback

	done     atomic.Bool
	doneAt   uint64
	err      error
	once     sync.Once
	finished atomic.Bool
}

type queryRef struct {
	pool  *hostQueryPool
	query uint32
}

type readback struct {
	staging *wgpuReadbackBuffer
	size    uint64
}

// encode translates recorded commands and submits them. Uploads go through Queue.WriteTexture, which
// is ordered before any command buffer submitted after it, so encoded work is flushed first.
func (s *wgpuSubmission) encode(commands []command) error {
	d := s.device
	for _, c := range commands {
		switch c.kind {
		case opResetQueries:
			c.pool.(*hostQueryPool).reset(c.first, c.count)
		case opWriteTimestamp:
			pool := c.pool.(*hostQueryPool)
			if s.hadWork {
				s.completionQueries = append(s.completionQueries, queryRef{pool: pool, query: c.first})
			} else {
				pool.write(c.first, d.timestamp())
			}
		case opTransitionImage:
			c.image.(*wgpuImage).layout.set(c.layout)
		case opCopyBufferToImage:
			img := c.image.(*wgpuImage)
			if l := img.layout.get(); l != LayoutTransferDst {
				return fmt.Errorf("%w: copy into image %q in layout %s", ErrRecording, img.desc.Label, l)
			}
			if err := s.flush(); err != nil {
				return err
			}
			desc := img.desc
			if err := d.queue.WriteTexture(
				&wgpu.ImageCopyTexture{
					Texture:  img.texture,
					MipLevel: 0,
					Origin:   wgpu.Origin3D{},
					Aspect:   wgpu.TextureAspectAll,
				},
				c.staging.Bytes()[:desc.ByteSize()],
				&wgpu.TextureDataLayout{
					Offset:       0,
					BytesPerRow:  desc.BytesPerRow(),
					RowsPerImage: desc.RowsPerImage(),
				},
				&wgpu.Extent3D{
					Width:              desc.Width,
					Height:             desc.Height,
					DepthOrArrayLayers: desc.Depth,
				},
			); err != nil {
				return err
			}
			s.hadWork = true
		case opCopyBufferToStaging:
			enc, err := s.commandEncoder()
			if err != nil {
				return err
			}
			staging := c.staging.(*wgpuReadbackBuffer)
			if err := enc.CopyBufferToBuffer(c.buffer.(*wgpuBuffer).buffer, 0, staging.buffer, 0, common.AlignUp(c.size, 4)); err != nil {
				return err
			}
			s.readbacks = append(s.readbacks, readback{staging: staging, size: c.size})
			s.hadWork = true
		case opFillBuffer:
			buf := c.buffer.(*wgpuBuffer).buffer
			if c.value == 0 {
				enc, err := s.commandEncoder()
				if err != nil {
					return err
				}
				if err := enc.ClearBuffer(buf, c.offset, c.size); err != nil {
					return err
				}
			} else {
				if err := s.flush(); err != nil {
					return err
				}
				data := make([]uint32, c.size/4)
				for i := range data {
					data[i] = c.value
				}
				if err := d.queue.WriteBuffer(buf, c.offset, common.SliceToBytes(data)); err != nil {
					return err
				}
			}
			s.hadWork = true
		case opBufferBarrier:
			// WebGPU tracks buffer hazards itself
		case opDispatch:
			if err := s.dispatch(c); err != nil {
				return err
			}
			s.hadWork = true
		}
	}
	return s.flush()
}

func (s *wgpuSubmission) commandEncoder() (*wgpu.CommandEncoder, error) {
	if s.encoder != nil {
		return s.encoder, nil
	}
	enc, err := s.device.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	s.encoder = enc
	return enc, nil
}

// flush submits the commands encoded so far.
func (s *wgpuSubmission) flush() error {
	if s.encoder == nil {
		return nil
	}
	cb, err := s.encoder.Finish(nil)
	s.encoder.Release()
	s.encoder = nil
	if err != nil {
		return err
	}
	s.device.queue.Submit(cb)
	cb.Release()
	return nil
}

// uniformBuffer creates a transient uniform buffer holding data.
func (s *wgpuSubmission) uniformBuffer(label string, data []byte) (*wgpu.Buffer, error) {
	d := s.device
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  common.AlignUp(uint64(len(data)), 16),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	s.transient = append(s.transient, buf)
	if err := d.queue.WriteBuffer(buf, 0, data); err != nil {
		return nil, err
	}
	return buf, nil
}

// bindGroupEntries converts the bindings the layout declares. Bindings the program does not use are
// dropped, so callers may pass one binding list to every program of a run.
func bindGroupEntries(layout wgpu.BindGroupLayoutDescriptor, bindings []Binding) []wgpu.BindGroupEntry {
	declared := make(map[uint32]bool, len(layout.Entries))
	for _, e := range layout.Entries {
		declared[e.Binding] = true
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
	for _, b := range bindings {
		if !declared[b.Binding] {
			continue
		}
		switch {
		case b.Buffer != nil:
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: b.Binding,
				Buffer:  b.Buffer.(*wgpuBuffer).buffer,
				Offset:  0,
				Size:    wgpu.WholeSize,
			})
		case b.Sampler != nil:
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: b.Binding,
				Sampler: b.Sampler.(*wgpuSampler).sampler,
			})
		case b.Image != nil:
			entries = append(entries, wgpu.BindGroupEntry{
				Binding:     b.Binding,
				TextureView: b.Image.(*wgpuImage).view,
			})
		}
	}
	return entries
}

func (s *wgpuSubmission) bindGroup(label string, layout *wgpu.BindGroupLayout, entries []wgpu.BindGroupEntry) (*wgpu.BindGroup, error) {
	bg, err := s.device.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}
	s.groups = append(s.groups, bg)
	return bg, nil
}

func (s *wgpuSubmission) dispatch(c command) error {
	p := c.pipeline.(*wgpuPipeline)
	if p.compute == nil {
		return fmt.Errorf("%w: dispatch of a render pipeline", ErrRecording)
	}
	key := p.shader.Key()

	constants, err := s.uniformBuffer(key+" Constants", c.constants)
	if err != nil {
		return err
	}
	groups := make([]*wgpu.BindGroup, len(p.layouts))
	groups[shader.GroupConstants], err = s.bindGroup(key+" Constants Bind Group", p.layouts[shader.GroupConstants], []wgpu.BindGroupEntry{
		{Binding: shader.BindingConstants, Buffer: constants, Offset: 0, Size: wgpu.WholeSize},
	})
	if err != nil {
		return err
	}
	if len(p.layouts) > shader.GroupResources {
		groups[shader.GroupResources], err = s.bindGroup(key+" Resources Bind Group", p.layouts[shader.GroupResources],
			bindGroupEntries(p.shader.BindGroupLayoutDescriptors()[shader.GroupResources], c.bindings))
		if err != nil {
			return err
		}
	}

	enc, err := s.commandEncoder()
	if err != nil {
		return err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.compute)
	for i, g := range groups {
		pass.SetBindGroup(uint32(i), g, nil)
	}
	pass.DispatchWorkgroups(c.groups[0], c.groups[1], c.groups[2])
	return pass.End()
}

// complete runs the host side of a finished submission once: completion timestamps, readback
// mapping and release of transient resources.
func (s *wgpuSubmission) complete() error {
	if !s.done.Load() {
		return nil
	}
	var err error
	s.once.Do(func() {
		for _, q := range s.completionQueries {
			q.pool.write(q.query, s.doneAt)
		}
		err = s.err
		for _, r := range s.readbacks {
			if mapErr := r.staging.mapInto(s.device, r.size); mapErr != nil && err == nil {
				err = mapErr
			}
		}
		s.releaseTransient()
		if err != nil {
			s.err = err
		}
		s.finished.Store(true)
	})
	if err == nil {
		err = s.err
	}
	return err
}

func (s *wgpuSubmission) releaseTransient() {
	for _, g := range s.groups {
		g.Release()
	}
	for _, b := range s.transient {
		b.Release()
	}
	s.groups = nil
	s.transient = nil
}

type wgpuFence struct {
	device *wgpuDevice

	mu       sync.Mutex
	signaled bool
	sub      *wgpuSubmission
}

func (f *wgpuFence) arm(sub *wgpuSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled || f.sub != nil {
		return fmt.Errorf("%w: fence submitted without reset", ErrRecording)
	}
	f.sub = sub
	return nil
}

func (f *wgpuFence) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		sub := f.sub
		signaled := f.signaled
		f.mu.Unlock()
		if signaled {
			if sub != nil {
				return sub.err
			}
			return nil
		}
		if sub == nil {
			// never submitted; it cannot signal
			if timeout > 0 {
				time.Sleep(timeout)
			}
			return ErrTimeout
		}

		f.device.mu.Lock()
		f.device.device.Poll(false, nil)
		f.device.mu.Unlock()

		if sub.done.Load() {
			err := sub.complete()
			f.device.reap()
			f.mu.Lock()
			f.signaled = true
			f.mu.Unlock()
			return err
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		time.Sleep(fencePollInterval)
	}
}

func (f *wgpuFence) Signaled() bool {
	return f.Wait(0) == nil
}

func (f *wgpuFence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil && !f.signaled {
		return fmt.Errorf("%w: reset of a pending fence", ErrRecording)
	}
	f.signaled = false
	f.sub = nil
	return nil
}

func (f *wgpuFence) Release() {}

type wgpuReadbackBuffer struct {
	hostStagingBuffer
	buffer *wgpu.Buffer
}

// mapInto maps the device copy and moves it into host memory, following the MapAsync then poll
// pattern of synchronous WebGPU readback.
func (b *wgpuReadbackBuffer) mapInto(d *wgpuDevice, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aligned := common.AlignUp(size, 4)
	var status wgpu.BufferMapAsyncStatus
	if err := b.buffer.MapAsync(wgpu.MapModeRead, 0, aligned, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return err
	}
	d.device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return fmt.Errorf("readback map failed: %s", status.String())
	}
	copy(b.data[:size], b.buffer.GetMappedRange(0, uint(aligned)))
	return b.buffer.Unmap()
}

func (b *wgpuReadbackBuffer) Release() {
	b.buffer.Release()
}

type wgpuBuffer struct {
	desc   BufferDescriptor
	buffer *wgpu.Buffer
}

func (b *wgpuBuffer) Size() uint64 {
	return b.desc.Size
}

func (b *wgpuBuffer) Usage() BufferUsage {
	return b.desc.Usage
}

func (b *wgpuBuffer) Release() {
	b.buffer.Release()
}

type wgpuSampler struct {
	sampler *wgpu.Sampler
}

func (s *wgpuSampler) Release() {
	s.sampler.Release()
}

type wgpuImage struct {
	desc    ImageDescriptor
	texture *wgpu.Texture
	view    *wgpu.TextureView
	layout  layoutState
}

func (i *wgpuImage) Descriptor() ImageDescriptor {
	return i.desc
}

func (i *wgpuImage) Layout() ImageLayout {
	return i.layout.get()
}

func (i *wgpuImage) Release() {
	i.view.Release()
	i.texture.Release()
}

type wgpuPipeline struct {
	shader  shader.Shader
	module  *wgpu.ShaderModule
	layouts []*wgpu.BindGroupLayout
	layout  *wgpu.PipelineLayout
	compute *wgpu.ComputePipeline
	render  *wgpu.RenderPipeline
}

func (p *wgpuPipeline) Shader() shader.Shader {
	return p.shader
}

func (p *wgpuPipeline) Release() {
	if p.compute != nil {
		p.compute.Release()
	}
	if p.render != nil {
		p.render.Release()
	}
	p.layout.Release()
	for _, l := range p.layouts {
		if l != nil {
			l.Release()
		}
	}
	p.module.Release()
}
