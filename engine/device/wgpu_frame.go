package device

import (
	"fmt"
	"slices"

	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/cogentcore/webgpu/wgpu"
)

// wgpuFrame holds the surface image and encoder of the frame between BeginFrame and EndFrame.
type wgpuFrame struct {
	device  *wgpuDevice
	texture *wgpu.Texture
	view    *wgpu.TextureView
	encoder *wgpu.CommandEncoder
	pass    *wgpu.RenderPassEncoder
	sub     *wgpuSubmission
}

func (d *wgpuDevice) BeginFrame() (RenderPass, error) {
	if d.surface == nil {
		return nil, ErrNoSurface
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frame != nil {
		return nil, fmt.Errorf("previous frame surface not yet presented")
	}

	surfaceTexture, err := d.surface.GetCurrentTexture()
	if err != nil {
		return nil, err
	}
	view, err := surfaceTexture.CreateView(nil)
	if err != nil {
		surfaceTexture.Release()
		return nil, err
	}
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		view.Release()
		surfaceTexture.Release()
		return nil, err
	}

	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{
				View:    view,
				LoadOp:  wgpu.LoadOpClear,
				StoreOp: wgpu.StoreOpStore,
				ClearValue: wgpu.Color{
					R: 0.05, G: 0.05, B: 0.07, A: 1.0,
				},
			},
		},
	})

	d.frame = &wgpuFrame{
		device:  d,
		texture: surfaceTexture,
		view:    view,
		encoder: encoder,
		pass:    pass,
		sub:     &wgpuSubmission{device: d},
	}
	return d.frame, nil
}

func (d *wgpuDevice) EndFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.frame
	if f == nil {
		return fmt.Errorf("end of a frame that was not begun")
	}
	d.frame = nil
	defer func() {
		f.view.Release()
		f.texture.Release()
	}()

	endErr := f.pass.End()
	commandBuffer, err := f.encoder.Finish(nil)
	f.encoder.Release()
	if err != nil {
		f.sub.releaseTransient()
		return err
	}
	if endErr != nil {
		commandBuffer.Release()
		f.sub.releaseTransient()
		return endErr
	}

	d.queue.Submit(commandBuffer)
	commandBuffer.Release()
	d.surface.Present()

	// uniform buffers and bind groups of this frame are released once the queue drained it
	sub := f.sub
	d.queue.OnSubmittedWorkDone(func(wgpu.QueueWorkDoneStatus) {
		sub.done.Store(true)
	})
	d.pending = append(d.pending, sub)
	d.collectFrames()
	return nil
}

// collectFrames completes finished submissions that need no readback. Called with d.mu held.
func (d *wgpuDevice) collectFrames() {
	d.device.Poll(false, nil)
	for _, sub := range d.pending {
		if sub.done.Load() && len(sub.readbacks) == 0 {
			_ = sub.complete()
		}
	}
	d.pending = slices.DeleteFunc(d.pending, func(s *wgpuSubmission) bool {
		return s.finished.Load()
	})
}

func (f *wgpuFrame) DrawLinesIndirect(pipeline Pipeline, vertices, indirect Buffer, drawCount, stride uint32, uniforms []byte) error {
	p, ok := pipeline.(*wgpuPipeline)
	if !ok || p.render == nil || p.shader.Variant() != shader.VariantLines {
		return fmt.Errorf("line draw needs a lines pipeline")
	}
	if stride == 0 || uint64(drawCount)*uint64(stride) > indirect.Size() {
		return fmt.Errorf("indirect draw of %d records with stride %d exceeds %d bytes", drawCount, stride, indirect.Size())
	}

	f.device.mu.Lock()
	defer f.device.mu.Unlock()

	ub, err := f.sub.uniformBuffer("Line Uniforms", uniforms)
	if err != nil {
		return err
	}
	bg, err := f.sub.bindGroup("Line Bind Group", p.layouts[0], []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: ub, Offset: 0, Size: wgpu.WholeSize},
	})
	if err != nil {
		return err
	}

	indirectBuffer := indirect.(*wgpuBuffer).buffer
	f.pass.SetPipeline(p.render)
	f.pass.SetBindGroup(0, bg, nil)
	f.pass.SetVertexBuffer(0, vertices.(*wgpuBuffer).buffer, 0, wgpu.WholeSize)
	for i := uint32(0); i < drawCount; i++ {
		f.pass.DrawIndirect(indirectBuffer, uint64(i)*uint64(stride))
	}
	return nil
}

func (f *wgpuFrame) DrawSlice(pipeline Pipeline, image Image, uniforms []byte) error {
	p, ok := pipeline.(*wgpuPipeline)
	if !ok || p.render == nil || p.shader.Variant() != shader.VariantSliceView {
		return fmt.Errorf("slice draw needs a slice view pipeline")
	}
	img, ok := image.(*wgpuImage)
	if !ok {
		return fmt.Errorf("slice draw needs a device image")
	}

	f.device.mu.Lock()
	defer f.device.mu.Unlock()

	ub, err := f.sub.uniformBuffer("Slice Uniforms", uniforms)
	if err != nil {
		return err
	}
	uniformGroup, err := f.sub.bindGroup("Slice Uniform Bind Group", p.layouts[0], []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: ub, Offset: 0, Size: wgpu.WholeSize},
	})
	if err != nil {
		return err
	}
	imageGroup, err := f.sub.bindGroup("Slice Image Bind Group", p.layouts[1], []wgpu.BindGroupEntry{
		{Binding: 0, TextureView: img.view},
	})
	if err != nil {
		return err
	}

	f.pass.SetPipeline(p.render)
	f.pass.SetBindGroup(0, uniformGroup, nil)
	f.pass.SetBindGroup(1, imageGroup, nil)
	f.pass.Draw(3, 1, 0, 0)
	return nil
}
