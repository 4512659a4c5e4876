package device

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newTestDevice(t *testing.T, options ...DeviceBuilderOption) SoftDevice {
	t.Helper()
	d := NewSoftDevice(append([]DeviceBuilderOption{WithSoftWorkers(2)}, options...)...)
	t.Cleanup(d.Release)
	return d
}

// submitAndWait records, submits and waits for one command buffer.
func submitAndWait(t *testing.T, d Device, kind QueueKind, record func(cb CommandBuffer)) error {
	t.Helper()
	cb, err := d.CreateCommandBuffer(kind)
	require.NoError(t, err)
	fence, err := d.CreateFence(false)
	require.NoError(t, err)

	require.NoError(t, cb.Begin())
	record(cb)
	require.NoError(t, cb.End())
	require.NoError(t, d.Queue(kind).Submit(cb, fence))
	return fence.Wait(5 * time.Second)
}

func float32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func readVec4(data []byte, index uint32) common.Vec4 {
	var v common.Vec4
	for a := range v {
		v[a] = math.Float32frombits(binary.LittleEndian.Uint32(data[uint64(index)*16+uint64(a)*4:]))
	}
	return v
}

func TestQueuesHaveStableDistinctFamilies(t *testing.T) {
	d := newTestDevice(t)
	seen := map[uint32]QueueKind{}
	for _, kind := range []QueueKind{QueueGraphics, QueueTransfer, QueueCompute} {
		q := d.Queue(kind)
		require.NotNil(t, q)
		assert.Equal(t, kind, q.Kind())
		assert.Equal(t, q.FamilyIndex(), d.Queue(kind).FamilyIndex())
		seen[q.FamilyIndex()] = kind
	}
	assert.Len(t, seen, 3)
}

func TestFenceTimeoutAndReset(t *testing.T) {
	d := newTestDevice(t)

	f, err := d.CreateFence(false)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Wait(time.Millisecond), ErrTimeout)
	assert.ErrorIs(t, f.Wait(0), ErrTimeout)
	assert.False(t, f.Signaled())

	signaled, err := d.CreateFence(true)
	require.NoError(t, err)
	assert.NoError(t, signaled.Wait(0))
	assert.True(t, signaled.Signaled())

	cb, err := d.CreateCommandBuffer(QueueTransfer)
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	require.NoError(t, cb.End())
	assert.ErrorIs(t, d.Queue(QueueTransfer).Submit(cb, signaled), ErrRecording, "a signaled fence must be reset first")

	require.NoError(t, signaled.Reset())
	assert.False(t, signaled.Signaled())
	require.NoError(t, d.Queue(QueueTransfer).Submit(cb, signaled))
	assert.NoError(t, signaled.Wait(5*time.Second))
}

func TestCommandBufferRecordingErrors(t *testing.T) {
	d := newTestDevice(t)
	cb, err := d.CreateCommandBuffer(QueueTransfer)
	require.NoError(t, err)

	assert.ErrorIs(t, cb.End(), ErrRecording)
	assert.ErrorIs(t, d.Queue(QueueTransfer).Submit(cb, nil), ErrRecording)

	require.NoError(t, cb.Begin())
	assert.ErrorIs(t, cb.Begin(), ErrRecording)

	img, err := d.CreateImage(ImageDescriptor{Label: "small", Format: ImageFormatR32Float, Width: 4, Height: 4, Depth: 4})
	require.NoError(t, err)
	staging, err := d.CreateStagingBuffer(16, StagingUpload)
	require.NoError(t, err)
	cb.CopyBufferToImage(staging, img)
	assert.ErrorIs(t, cb.End(), ErrRecording, "staging buffer smaller than the image")

	require.NoError(t, cb.Begin())
	require.NoError(t, cb.End())
	assert.ErrorIs(t, d.Queue(QueueCompute).Submit(cb, nil), ErrRecording, "transfer buffer on the compute queue")
}

func TestUploadDecodesFloat32AndHalfImages(t *testing.T) {
	d := newTestDevice(t)

	desc := ImageDescriptor{Label: "f32", Format: ImageFormatR32Float, Width: 2, Height: 2, Depth: 1}
	img, err := d.CreateImage(desc)
	require.NoError(t, err)
	staging, err := d.CreateStagingBuffer(desc.ByteSize(), StagingUpload)
	require.NoError(t, err)
	copy(staging.Bytes(), float32Bytes(1, 2, 3, 4))

	half := ImageDescriptor{Label: "f16", Format: ImageFormatR16Float, Width: 2, Height: 1, Depth: 1}
	halfImg, err := d.CreateImage(half)
	require.NoError(t, err)
	halfStaging, err := d.CreateStagingBuffer(half.ByteSize(), StagingUpload)
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(halfStaging.Bytes(), float16.Fromfloat32(0.5).Bits())
	binary.LittleEndian.PutUint16(halfStaging.Bytes()[2:], float16.Fromfloat32(-2).Bits())

	pool, err := d.CreateQueryPool(2)
	require.NoError(t, err)

	assert.Equal(t, LayoutUndefined, img.Layout())
	err = submitAndWait(t, d, QueueTransfer, func(cb CommandBuffer) {
		cb.ResetQueries(pool, 0, 2)
		cb.TransitionImage(img, LayoutTransferDst)
		cb.TransitionImage(halfImg, LayoutTransferDst)
		cb.WriteTimestamp(pool, 0)
		cb.CopyBufferToImage(staging, img)
		cb.CopyBufferToImage(halfStaging, halfImg)
		cb.WriteTimestamp(pool, 1)
	})
	require.NoError(t, err)

	assert.Equal(t, LayoutTransferDst, img.Layout())
	assert.Equal(t, []float32{1, 2, 3, 4}, d.ImageTexels(img))
	assert.Equal(t, []float32{0.5, -2}, d.ImageTexels(halfImg))
	assert.Equal(t, 1, d.CopyCount(img))
	assert.Equal(t, 2, d.Stats().ImageCopies)

	ts, err := pool.Results(0, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, ts[0], ts[1])
	assert.GreaterOrEqual(t, TicksToDuration(d, ts[0], ts[1]), time.Duration(0))
}

func TestCopyIntoUndefinedImageFailsTheSubmission(t *testing.T) {
	d := newTestDevice(t)
	desc := ImageDescriptor{Label: "img", Format: ImageFormatR32Float, Width: 1, Height: 1, Depth: 1}
	img, err := d.CreateImage(desc)
	require.NoError(t, err)
	staging, err := d.CreateStagingBuffer(4, StagingUpload)
	require.NoError(t, err)

	err = submitAndWait(t, d, QueueTransfer, func(cb CommandBuffer) {
		cb.CopyBufferToImage(staging, img)
	})
	assert.ErrorIs(t, err, ErrDeviceLost)
}

func TestQueryResultsRequireWrites(t *testing.T) {
	d := newTestDevice(t)
	pool, err := d.CreateQueryPool(2)
	require.NoError(t, err)
	_, err = pool.Results(0, 2)
	assert.Error(t, err)
	_, err = pool.Results(1, 2)
	assert.Error(t, err)
}

func TestImageLimit(t *testing.T) {
	d := newTestDevice(t, WithSoftImageLimit(1))
	desc := ImageDescriptor{Label: "img", Format: ImageFormatR16Float, Width: 1, Height: 1, Depth: 1}
	_, err := d.CreateImage(desc)
	require.NoError(t, err)
	_, err = d.CreateImage(desc)
	assert.Error(t, err)
}

func TestPeakInFlightCountsPendingSubmissions(t *testing.T) {
	d := newTestDevice(t, WithSoftExecutionDelay(20*time.Millisecond))

	var fences []Fence
	for range 3 {
		cb, err := d.CreateCommandBuffer(QueueTransfer)
		require.NoError(t, err)
		require.NoError(t, cb.Begin())
		require.NoError(t, cb.End())
		f, err := d.CreateFence(false)
		require.NoError(t, err)
		require.NoError(t, d.Queue(QueueTransfer).Submit(cb, f))
		fences = append(fences, f)
	}
	require.NoError(t, d.WaitIdle())
	for _, f := range fences {
		assert.True(t, f.Signaled())
	}

	stats := d.Stats()
	assert.Equal(t, 3, stats.Submissions[QueueTransfer])
	assert.Equal(t, 3, stats.PeakInFlight[QueueTransfer])
	assert.Equal(t, 0, stats.Submissions[QueueCompute])
}

func TestFillAndReadback(t *testing.T) {
	d := newTestDevice(t)
	buf, err := d.CreateBuffer(BufferDescriptor{Label: "buf", Size: 16, Usage: BufferUsageStorage | BufferUsageCopySrc})
	require.NoError(t, err)
	readback, err := d.CreateStagingBuffer(16, StagingReadback)
	require.NoError(t, err)

	err = submitAndWait(t, d, QueueCompute, func(cb CommandBuffer) {
		cb.FillBuffer(buf, 0, 16, 7)
		cb.FillBuffer(buf, 8, 4, 0)
		cb.BufferBarrier(buf)
		cb.CopyBufferToStaging(buf, readback, 16)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 7, 0, 7}, common.BytesToSlice[uint32](readback.Bytes()))
}

type traceBuffers struct {
	line, maxVelocity, indirect Buffer
	readLine, readMax, readInd  StagingBuffer
}

func newTraceBuffers(t *testing.T, d Device, seeds, steps uint32) traceBuffers {
	t.Helper()
	var tb traceBuffers
	var err error
	lineSize := uint64(seeds) * uint64(steps+1) * common.Vec4Size
	tb.line, err = d.CreateBuffer(BufferDescriptor{Label: "line", Size: lineSize, Usage: BufferUsageStorage | BufferUsageVertex | BufferUsageCopySrc})
	require.NoError(t, err)
	tb.maxVelocity, err = d.CreateBuffer(BufferDescriptor{Label: "max", Size: 4, Usage: BufferUsageStorage | BufferUsageCopySrc})
	require.NoError(t, err)
	tb.indirect, err = d.CreateBuffer(BufferDescriptor{Label: "indirect", Size: uint64(seeds) * common.DrawIndirectArgsSize, Usage: BufferUsageStorage | BufferUsageIndirect | BufferUsageCopySrc})
	require.NoError(t, err)
	tb.readLine, err = d.CreateStagingBuffer(lineSize, StagingReadback)
	require.NoError(t, err)
	tb.readMax, err = d.CreateStagingBuffer(4, StagingReadback)
	require.NoError(t, err)
	tb.readInd, err = d.CreateStagingBuffer(tb.indirect.Size(), StagingReadback)
	require.NoError(t, err)
	return tb
}

func (tb traceBuffers) bindings() []Binding {
	return []Binding{
		{Binding: shader.BindingLineBuffer, Buffer: tb.line},
		{Binding: shader.BindingMaxVelocity, Buffer: tb.maxVelocity},
		{Binding: shader.BindingIndirect, Buffer: tb.indirect},
	}
}

func (tb traceBuffers) download(cb CommandBuffer) {
	cb.CopyBufferToStaging(tb.line, tb.readLine, tb.line.Size())
	cb.CopyBufferToStaging(tb.maxVelocity, tb.readMax, 4)
	cb.CopyBufferToStaging(tb.indirect, tb.readInd, tb.indirect.Size())
}

func computePipeline(t *testing.T, d Device, variant shader.Variant, spec shader.Specialization) Pipeline {
	t.Helper()
	s, err := shader.NewComputeShader(variant, spec)
	require.NoError(t, err)
	p, err := d.CreateComputePipeline(s)
	require.NoError(t, err)
	return p
}

func TestAnalyticSeedAndIntegrate(t *testing.T) {
	d := newTestDevice(t)
	wg := common.Vec3u{2, 1, 1}
	seeds := common.Vec3u{2, 2, 2}
	const steps = 5

	seed := computePipeline(t, d, shader.VariantSeed, shader.Specialization{WorkGroupSize: wg})
	integrate := computePipeline(t, d, shader.VariantIntegrateAnalytic, shader.Specialization{WorkGroupSize: wg})
	tb := newTraceBuffers(t, d, seeds.Product(), steps)

	constants := shader.IntegrationConstants{
		DatasetDimensions: common.Vec4u{16, 16, 16, 4},
		SeedDimensions:    common.Vec4u{seeds[0], seeds[1], seeds[2], 0},
		DeltaTime:         0.01,
		TotalStepCount:    steps,
	}
	groups := common.Vec3u{common.CeilDiv(seeds[0], wg[0]), seeds[1], seeds[2]}

	err := submitAndWait(t, d, QueueCompute, func(cb CommandBuffer) {
		cb.FillBuffer(tb.maxVelocity, 0, 4, 0)
		cb.Dispatch(seed, tb.bindings(), constants.Bytes(), groups)
		first := constants
		first.StepCount = 3
		cb.Dispatch(integrate, tb.bindings(), first.Bytes(), groups)
		second := constants
		second.FirstStep, second.StepCount = 3, 3
		cb.Dispatch(integrate, tb.bindings(), second.Bytes(), groups)
		tb.download(cb)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Stats().Dispatches)

	args := common.BytesToSlice[common.DrawIndirectArgs](tb.readInd.Bytes())
	require.Len(t, args, 8)
	for id, a := range args {
		base := uint32(id) * (steps + 1)
		assert.Equal(t, base, a.FirstVertex)
		assert.Equal(t, uint32(1), a.InstanceCount)
		assert.Equal(t, uint32(steps+1), a.VertexCount, "seed %d stays inside the domain", id)
	}

	// seed 0 sits at (0.5/2)*15 on every axis
	p0 := readVec4(tb.readLine.Bytes(), 0)
	assert.InDelta(t, 3.75, p0[0], 1e-5)
	assert.InDelta(t, 3.75, p0[2], 1e-5)
	assert.Equal(t, float32(0), p0[3])

	// seed 7 is the last corner
	p7 := readVec4(tb.readLine.Bytes(), 7*(steps+1))
	assert.InDelta(t, 11.25, p7[1], 1e-5)

	maxVelocity := math.Float32frombits(binary.LittleEndian.Uint32(tb.readMax.Bytes()))
	assert.Greater(t, maxVelocity, float32(0))
	for s := uint32(1); s <= steps; s++ {
		v := readVec4(tb.readLine.Bytes(), s)
		assert.LessOrEqual(t, v[3], maxVelocity)
		assert.NotEqual(t, p0, v)
	}
}

func TestRawIntegrateStopsAtDomainBoundary(t *testing.T) {
	d := newTestDevice(t)
	dims := common.Vec4u{4, 4, 4, 2}
	const steps = 10

	spec := shader.Specialization{WorkGroupSize: common.Vec3u{1, 1, 1}, TimeSteps: dims[3], Channels: 3, ExplicitInterpolation: true}
	seed := computePipeline(t, d, shader.VariantSeed, spec)
	integrate := computePipeline(t, d, shader.VariantIntegrateRaw, spec)

	sampler, err := d.CreateSampler(SamplerDescriptor{Label: "s"})
	require.NoError(t, err)

	// constant field (1, 0, 0) in every time slice
	desc := ImageDescriptor{Format: ImageFormatR32Float, Dimension: ImageDimension3D, Width: 4, Height: 4, Depth: 4}
	var images []Image
	for c := range 3 {
		for range dims[3] {
			img, err := d.CreateImage(desc)
			require.NoError(t, err)
			staging, err := d.CreateStagingBuffer(desc.ByteSize(), StagingUpload)
			require.NoError(t, err)
			values := make([]float32, 64)
			if c == 0 {
				for i := range values {
					values[i] = 1
				}
			}
			copy(staging.Bytes(), float32Bytes(values...))
			require.NoError(t, submitAndWait(t, d, QueueTransfer, func(cb CommandBuffer) {
				cb.TransitionImage(img, LayoutTransferDst)
				cb.CopyBufferToImage(staging, img)
			}))
			images = append(images, img)
		}
	}

	tb := newTraceBuffers(t, d, 1, steps)
	bindings := append(tb.bindings(), Binding{Binding: shader.BindingSampler, Sampler: sampler})
	for i, img := range images {
		bindings = append(bindings, Binding{Binding: shader.FirstImageBinding + uint32(i), Image: img})
	}
	constants := shader.IntegrationConstants{
		DatasetDimensions: dims,
		SeedDimensions:    common.Vec4u{1, 1, 1, 0},
		DeltaTime:         0.5,
		TotalStepCount:    steps,
		StepCount:         steps,
	}

	err = submitAndWait(t, d, QueueCompute, func(cb CommandBuffer) {
		for _, img := range images {
			cb.TransitionImage(img, LayoutShaderReadOnly)
		}
		cb.Dispatch(seed, bindings, constants.Bytes(), common.Vec3u{1, 1, 1})
		cb.Dispatch(integrate, bindings, constants.Bytes(), common.Vec3u{1, 1, 1})
		tb.download(cb)
	})
	require.NoError(t, err)

	// seed at x = 1.5 advances by 0.5 until x = 3.0; 3.5 leaves the domain
	args := common.BytesToSlice[common.DrawIndirectArgs](tb.readInd.Bytes())
	require.Len(t, args, 1)
	assert.Equal(t, uint32(4), args[0].VertexCount)
	last := readVec4(tb.readLine.Bytes(), 3)
	assert.InDelta(t, 3.0, last[0], 1e-5)
	assert.InDelta(t, 1.5, last[1], 1e-5)
	assert.InDelta(t, 1.0, last[3], 1e-5)
	assert.Equal(t, common.Vec4{}, readVec4(tb.readLine.Bytes(), 4), "slots past the exit stay unwritten")
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(tb.readMax.Bytes())))
}

func TestPackedProgramIsUnsupported(t *testing.T) {
	d := newTestDevice(t)
	s, err := shader.NewComputeShader(shader.VariantIntegratePacked, shader.Specialization{
		WorkGroupSize: common.Vec3u{8, 1, 1}, TimeSteps: 2, Channels: 1,
	})
	require.NoError(t, err)
	_, err = d.CreateComputePipeline(s)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRenderPassRecordsIndirectVertexCounts(t *testing.T) {
	d := newTestDevice(t)
	lines, err := shader.NewRenderShader(shader.VariantLines, shader.Specialization{})
	require.NoError(t, err)
	p, err := d.CreateRenderPipeline(lines)
	require.NoError(t, err)

	vertices, err := d.CreateBuffer(BufferDescriptor{Size: 8 * common.Vec4Size, Usage: BufferUsageVertex})
	require.NoError(t, err)
	indirect, err := d.CreateBuffer(BufferDescriptor{Size: 2 * common.DrawIndirectArgsSize, Usage: BufferUsageIndirect})
	require.NoError(t, err)
	err = submitAndWait(t, d, QueueCompute, func(cb CommandBuffer) {
		cb.FillBuffer(indirect, 0, 4, 3)
		cb.FillBuffer(indirect, 16, 4, 5)
	})
	require.NoError(t, err)

	pass, err := d.BeginFrame()
	require.NoError(t, err)
	uniforms := shader.LineUniforms{Color: common.Vec4{1, 1, 1, 1}}.Bytes()
	require.NoError(t, pass.DrawLinesIndirect(p, vertices, indirect, 2, common.DrawIndirectArgsSize, uniforms))
	assert.Error(t, pass.DrawLinesIndirect(p, vertices, indirect, 3, common.DrawIndirectArgsSize, uniforms))
	require.NoError(t, d.EndFrame())

	draws := d.Draws()
	require.Len(t, draws, 1)
	assert.Equal(t, uint32(2), draws[0].DrawCount)
	assert.Equal(t, uint64(8), draws[0].Vertices)
	assert.Equal(t, 1, d.Stats().Frames)
}

func TestImageDescriptorSizes(t *testing.T) {
	bc := ImageDescriptor{Format: ImageFormatBC6H, Dimension: ImageDimension2DArray, Width: 5, Height: 8, Depth: 3}
	assert.Equal(t, uint32(32), bc.BytesPerRow())
	assert.Equal(t, uint32(2), bc.RowsPerImage())
	assert.Equal(t, uint64(192), bc.ByteSize())

	half := ImageDescriptor{Format: ImageFormatR16Float, Width: 3, Height: 2, Depth: 2}
	assert.Equal(t, uint64(24), half.ByteSize())
}

func TestNewDeviceRejectsUnknownBackend(t *testing.T) {
	_, err := NewDevice("vulkan")
	assert.ErrorIs(t, err, ErrUnsupported)

	d, err := NewDevice(BackendSoft)
	require.NoError(t, err)
	defer d.Release()
	assert.Equal(t, BackendSoft, d.Backend())
}
