package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/x448/float16"
)

// SoftStats is a snapshot of the soft device's instrumentation.
type SoftStats struct {
	// Submissions counts submissions per queue.
	Submissions map[QueueKind]int

	// PeakInFlight is the largest number of submissions pending on each queue at once.
	PeakInFlight map[QueueKind]int

	// ImageCopies counts copies into images, over all images.
	ImageCopies int

	// Dispatches counts executed compute dispatches.
	Dispatches int

	// Frames counts frames ended with EndFrame.
	Frames int
}

// DrawRecord is one draw recorded by the soft device's render pass.
type DrawRecord struct {
	// Variant is the program of the pipeline used.
	Variant shader.Variant

	// DrawCount is the number of indirect records drawn, 1 for slice draws.
	DrawCount uint32

	// Vertices is the sum of the vertex counts read from the indirect records.
	Vertices uint64

	// Uniforms is a copy of the uniform bytes.
	Uniforms []byte
}

// SoftDevice is the CPU implementation of Device. Each queue executes its submissions in order on its
// own goroutine, so transfer and compute work overlap like on a GPU with dedicated queues. Compute
// dispatches run the seed and integrate programs in Go, fanned out over a worker pool.
type SoftDevice interface {
	Device

	// Stats returns a snapshot of the instrumentation counters.
	//
	// Returns:
	//   - SoftStats: the counters
	Stats() SoftStats

	// CopyCount returns how many times an image was the destination of a copy.
	//
	// Parameters:
	//   - image: an image created by this device
	//
	// Returns:
	//   - int: the copy count
	CopyCount(image Image) int

	// Draws returns the draws recorded by all frames so far.
	//
	// Returns:
	//   - []DrawRecord: the recorded draws in order
	Draws() []DrawRecord

	// ImageTexels returns the decoded texels of an R16Float or R32Float image, or nil.
	//
	// Parameters:
	//   - image: an image created by this device
	//
	// Returns:
	//   - []float32: the texels in x-fastest order
	ImageTexels(image Image) []float32

	// SetExecutionDelay makes every submission wait before executing, to keep work in flight.
	//
	// Parameters:
	//   - d: the delay per submission
	SetExecutionDelay(d time.Duration)
}

type softDevice struct {
	epoch   time.Time
	queues  map[QueueKind]*softQueue
	pool    worker.DynamicWorkerPool
	workers int

	delay atomic.Int64

	imageLimit int
	images     atomic.Int64

	mu         sync.Mutex
	dispatches int
	copies     int
	frames     int
	draws      []DrawRecord
	inFrame    bool
	released   bool
}

var _ SoftDevice = &softDevice{}

func newSoftDevice(o deviceOptions) *softDevice {
	workers := o.softWorkers
	if workers <= 0 {
		workers = 4
	}
	d := &softDevice{
		epoch:      time.Now(),
		queues:     make(map[QueueKind]*softQueue, 3),
		pool:       worker.NewDynamicWorkerPool(workers, workers*4, time.Second),
		workers:    workers,
		imageLimit: o.softImageLimit,
	}
	d.delay.Store(int64(o.softDelay))
	for i, kind := range []QueueKind{QueueGraphics, QueueTransfer, QueueCompute} {
		q := &softQueue{
			device:      d,
			kind:        kind,
			family:      uint32(i),
			submissions: make(chan softSubmission, 256),
			quit:        make(chan struct{}),
			done:        make(chan struct{}),
		}
		q.idle = sync.NewCond(&q.mu)
		d.queues[kind] = q
		go q.run()
	}
	logger.Logger().Info("soft device created", "workers", workers)
	return d
}

func (d *softDevice) Backend() Backend {
	return BackendSoft
}

func (d *softDevice) Queue(kind QueueKind) Queue {
	return d.queues[kind]
}

func (d *softDevice) CreateStagingBuffer(size uint64, usage StagingUsage) (StagingBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("staging buffer of zero bytes")
	}
	return &hostStagingBuffer{usage: usage, data: make([]byte, size)}, nil
}

func (d *softDevice) CreateImage(desc ImageDescriptor) (Image, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return nil, fmt.Errorf("image %q has a zero extent", desc.Label)
	}
	if d.imageLimit > 0 && int(d.images.Load()) >= d.imageLimit {
		return nil, fmt.Errorf("image %q: out of device memory after %d images", desc.Label, d.imageLimit)
	}
	d.images.Add(1)
	return &softImage{desc: desc}, nil
}

func (d *softDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return nil, fmt.Errorf("buffer %q: size %d is not a positive multiple of 4", desc.Label, desc.Size)
	}
	return &softBuffer{desc: desc, data: make([]byte, desc.Size)}, nil
}

func (d *softDevice) CreateSampler(desc SamplerDescriptor) (Sampler, error) {
	return &softSampler{desc: desc}, nil
}

func (d *softDevice) CreateFence(signaled bool) (Fence, error) {
	f := &softFence{ch: make(chan struct{}), signaled: signaled}
	if signaled {
		close(f.ch)
	}
	return f, nil
}

func (d *softDevice) CreateQueryPool(count uint32) (QueryPool, error) {
	if count == 0 {
		return nil, fmt.Errorf("query pool of zero queries")
	}
	return &hostQueryPool{values: make([]uint64, count), written: make([]bool, count)}, nil
}

func (d *softDevice) CreateCommandBuffer(kind QueueKind) (CommandBuffer, error) {
	if _, ok := d.queues[kind]; !ok {
		return nil, fmt.Errorf("unknown queue %s", kind)
	}
	return newCommandBuffer(kind), nil
}

func (d *softDevice) CreateComputePipeline(s shader.Shader) (Pipeline, error) {
	if s == nil || s.ShaderType() != shader.ShaderTypeCompute {
		return nil, fmt.Errorf("compute pipeline needs a compute shader")
	}
	k, err := newSoftKernel(s)
	if err != nil {
		return nil, err
	}
	return &softPipeline{shader: s, kernel: k}, nil
}

func (d *softDevice) CreateRenderPipeline(s shader.Shader) (Pipeline, error) {
	if s == nil || s.ShaderType() != shader.ShaderTypeRender {
		return nil, fmt.Errorf("render pipeline needs a render shader")
	}
	return &softPipeline{shader: s}, nil
}

// BeginFrame starts a recorded frame. The soft device renders nothing; draws are kept for inspection.
func (d *softDevice) BeginFrame() (RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	if d.inFrame {
		return nil, fmt.Errorf("frame already begun")
	}
	d.inFrame = true
	return &softRenderPass{device: d}, nil
}

func (d *softDevice) EndFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inFrame {
		return fmt.Errorf("end of a frame that was not begun")
	}
	d.inFrame = false
	d.frames++
	return nil
}

func (d *softDevice) Resize(width, height int) {}

func (d *softDevice) TimestampPeriod() float64 {
	return 1
}

func (d *softDevice) WaitIdle() error {
	for _, q := range d.queues {
		q.waitIdle()
	}
	return nil
}

func (d *softDevice) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	_ = d.WaitIdle()
	for _, q := range d.queues {
		close(q.quit)
		<-q.done
	}
	d.pool.Stop()
}

func (d *softDevice) Stats() SoftStats {
	s := SoftStats{
		Submissions:  make(map[QueueKind]int, len(d.queues)),
		PeakInFlight: make(map[QueueKind]int, len(d.queues)),
	}
	for kind, q := range d.queues {
		q.mu.Lock()
		s.Submissions[kind] = q.submitted
		s.PeakInFlight[kind] = q.peak
		q.mu.Unlock()
	}
	d.mu.Lock()
	s.ImageCopies = d.copies
	s.Dispatches = d.dispatches
	s.Frames = d.frames
	d.mu.Unlock()
	return s
}

func (d *softDevice) CopyCount(image Image) int {
	img, ok := image.(*softImage)
	if !ok {
		return 0
	}
	return int(img.copies.Load())
}

func (d *softDevice) Draws() []DrawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DrawRecord(nil), d.draws...)
}

func (d *softDevice) ImageTexels(image Image) []float32 {
	img, ok := image.(*softImage)
	if !ok {
		return nil
	}
	texels, _ := img.contents()
	return texels
}

func (d *softDevice) SetExecutionDelay(delay time.Duration) {
	d.delay.Store(int64(delay))
}

func (d *softDevice) timestamp() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

type softSubmission struct {
	commands []command
	fence    *softFence
}

type softQueue struct {
	device      *softDevice
	kind        QueueKind
	family      uint32
	submissions chan softSubmission
	quit        chan struct{}
	done        chan struct{}

	mu        sync.Mutex
	idle      *sync.Cond
	inFlight  int
	peak      int
	submitted int
}

func (q *softQueue) Kind() QueueKind {
	return q.kind
}

func (q *softQueue) FamilyIndex() uint32 {
	return q.family
}

func (q *softQueue) Submit(cb CommandBuffer, fence Fence) error {
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

	var f *softFence
	if fence != nil {
		var ok bool
		if f, ok = fence.(*softFence); !ok {
			return fmt.Errorf("foreign fence %T", fence)
		}
		if err := f.arm(); err != nil {
			return err
		}
	}

	q.device.mu.Lock()
	released := q.device.released
	q.device.mu.Unlock()
	if released {
		return ErrReleased
	}

	q.mu.Lock()
	q.inFlight++
	q.submitted++
	q.peak = max(q.peak, q.inFlight)
	q.mu.Unlock()

	q.submissions <- softSubmission{commands: commands, fence: f}
	return nil
}

func (q *softQueue) run() {
	defer close(q.done)
	for {
		var sub softSubmission
		select {
		case <-q.quit:
			return
		case sub = <-q.submissions:
		}

		if delay := time.Duration(q.device.delay.Load()); delay > 0 {
			time.Sleep(delay)
		}
		err := q.execute(sub.commands)
		if err != nil {
			logger.Logger().Error("soft submission failed", "queue", q.kind.String(), "error", err)
		}

		q.mu.Lock()
		q.inFlight--
		if q.inFlight == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()

		if sub.fence != nil {
			sub.fence.signal(err)
		}
	}
}

func (q *softQueue) waitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inFlight > 0 {
		q.idle.Wait()
	}
}

func (q *softQueue) execute(commands []command) error {
	d := q.device
	for _, c := range commands {
		switch c.kind {
		case opResetQueries:
			c.pool.(*hostQueryPool).reset(c.first, c.count)
		case opWriteTimestamp:
			c.pool.(*hostQueryPool).write(c.first, d.timestamp())
		case opTransitionImage:
			c.image.(*softImage).layout.set(c.layout)
		case opCopyBufferToImage:
			img := c.image.(*softImage)
			if l := img.layout.get(); l != LayoutTransferDst {
				return fmt.Errorf("%w: copy into image %q in layout %s", ErrDeviceLost, img.desc.Label, l)
			}
			img.upload(c.staging.Bytes())
			d.mu.Lock()
			d.copies++
			d.mu.Unlock()
		case opCopyBufferToStaging:
			buf := c.buffer.(*softBuffer)
			buf.mu.Lock()
			copy(c.staging.Bytes()[:c.size], buf.data[:c.size])
			buf.mu.Unlock()
		case opFillBuffer:
			buf := c.buffer.(*softBuffer)
			buf.mu.Lock()
			for off := c.offset; off < c.offset+c.size; off += 4 {
				binary.LittleEndian.PutUint32(buf.data[off:], c.value)
			}
			buf.mu.Unlock()
		case opBufferBarrier:
			// submissions execute in order on one goroutine
		case opDispatch:
			p := c.pipeline.(*softPipeline)
			if p.kernel == nil {
				return fmt.Errorf("%w: dispatch of a render pipeline", ErrDeviceLost)
			}
			if err := p.kernel.dispatch(d, c.bindings, c.constants, c.groups); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrDeviceLost, p.shader.Key(), err)
			}
			d.mu.Lock()
			d.dispatches++
			d.mu.Unlock()
		}
	}
	return nil
}

type softBuffer struct {
	desc BufferDescriptor
	mu   sync.Mutex
	data []byte
}

func (b *softBuffer) Size() uint64 {
	return b.desc.Size
}

func (b *softBuffer) Usage() BufferUsage {
	return b.desc.Usage
}

func (b *softBuffer) Release() {}

type softSampler struct {
	desc SamplerDescriptor
}

func (s *softSampler) Release() {}

type softImage struct {
	desc   ImageDescriptor
	layout layoutState
	copies atomic.Int32

	mu     sync.RWMutex
	texels []float32
	raw    []byte
}

func (i *softImage) Descriptor() ImageDescriptor {
	return i.desc
}

func (i *softImage) Layout() ImageLayout {
	return i.layout.get()
}

func (i *softImage) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.texels = nil
	i.raw = nil
}

// upload decodes tightly packed slice data into the image.
func (i *softImage) upload(src []byte) {
	i.copies.Add(1)
	size := i.desc.ByteSize()

	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.desc.Format {
	case ImageFormatR16Float:
		n := size / 2
		i.texels = make([]float32, n)
		for k := range i.texels {
			i.texels[k] = float16.Frombits(binary.LittleEndian.Uint16(src[2*k:])).Float32()
		}
	case ImageFormatR32Float:
		n := size / 4
		i.texels = make([]float32, n)
		for k := range i.texels {
			i.texels[k] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*k:]))
		}
	default:
		i.raw = append(i.raw[:0], src[:size]...)
	}
}

func (i *softImage) contents() ([]float32, []byte) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.texels, i.raw
}

type softFence struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
	pending  bool
	err      error
}

func (f *softFence) arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled || f.pending {
		return fmt.Errorf("%w: fence submitted without reset", ErrRecording)
	}
	f.pending = true
	return nil
}

func (f *softFence) signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	f.err = err
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}

func (f *softFence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-ch:
			return f.result()
		default:
			return ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return f.result()
	case <-timer.C:
		return ErrTimeout
	}
}

func (f *softFence) result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *softFence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *softFence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return fmt.Errorf("%w: reset of a pending fence", ErrRecording)
	}
	if f.signaled {
		f.signaled = false
		f.err = nil
		f.ch = make(chan struct{})
	}
	return nil
}

func (f *softFence) Release() {}

type softPipeline struct {
	shader shader.Shader
	kernel softKernel
}

func (p *softPipeline) Shader() shader.Shader {
	return p.shader
}

func (p *softPipeline) Release() {}

type softRenderPass struct {
	device *softDevice
}

func (r *softRenderPass) DrawLinesIndirect(pipeline Pipeline, vertices, indirect Buffer, drawCount, stride uint32, uniforms []byte) error {
	p, ok := pipeline.(*softPipeline)
	if !ok || p.shader.Variant() != shader.VariantLines {
		return fmt.Errorf("line draw needs a lines pipeline")
	}
	ind := indirect.(*softBuffer)
	if stride == 0 || uint64(drawCount)*uint64(stride) > ind.Size() {
		return fmt.Errorf("indirect draw of %d records with stride %d exceeds %d bytes", drawCount, stride, ind.Size())
	}

	var total uint64
	ind.mu.Lock()
	for i := uint32(0); i < drawCount; i++ {
		total += uint64(binary.LittleEndian.Uint32(ind.data[i*stride:]))
	}
	ind.mu.Unlock()

	r.device.mu.Lock()
	defer r.device.mu.Unlock()
	r.device.draws = append(r.device.draws, DrawRecord{
		Variant:   shader.VariantLines,
		DrawCount: drawCount,
		Vertices:  total,
		Uniforms:  append([]byte(nil), uniforms...),
	})
	return nil
}

func (r *softRenderPass) DrawSlice(pipeline Pipeline, image Image, uniforms []byte) error {
	p, ok := pipeline.(*softPipeline)
	if !ok || p.shader.Variant() != shader.VariantSliceView {
		return fmt.Errorf("slice draw needs a slice view pipeline")
	}
	if image == nil {
		return fmt.Errorf("slice draw without image")
	}

	r.device.mu.Lock()
	defer r.device.mu.Unlock()
	r.device.draws = append(r.device.draws, DrawRecord{
		Variant:   shader.VariantSliceView,
		DrawCount: 1,
		Vertices:  3,
		Uniforms:  append([]byte(nil), uniforms...),
	})
	return nil
}
