package dataset

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// openFloat32 writes a 3-channel float32 raw dataset whose slice (c, t) is filled with c*T+t and opens it.
func openFloat32(t *testing.T, dims common.Vec4u) datasource.DataSource {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, dims))

	texels := int(dims[0] * dims[1] * dims[2])
	for slice := range 3 * int(dims[3]) {
		for range texels {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, math.Float32bits(float32(slice))))
		}
	}
	require.Equal(t, datasource.RawFileSize(dims, datasource.FormatFloat32), int64(buf.Len()))

	path := filepath.Join(t.TempDir(), "field.raw")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	src, err := datasource.Open(path)
	require.NoError(t, err)
	require.Equal(t, datasource.FormatFloat32, src.Format())
	return src
}

// openRaw writes a raw dataset of the given format whose slices are produced by fill and opens it.
func openRaw(t *testing.T, dims common.Vec4u, format datasource.Format, slices int, fill func(slice int) []byte) datasource.DataSource {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, dims))
	for slice := range slices {
		buf.Write(fill(slice))
	}
	require.Equal(t, datasource.RawFileSize(dims, format), int64(buf.Len()))

	path := filepath.Join(t.TempDir(), "field.raw")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	src, err := datasource.Open(path)
	require.NoError(t, err)
	require.Equal(t, format, src.Format())
	return src
}

func newSoftDevice(t *testing.T, options ...device.DeviceBuilderOption) device.SoftDevice {
	t.Helper()
	d := device.NewSoftDevice(options...)
	t.Cleanup(d.Release)
	return d
}

func TestLoadUploadsEverySliceOnce(t *testing.T) {
	dev := newSoftDevice(t)
	dims := common.Vec4u{3, 2, 2, 4}
	var timing bytes.Buffer

	ds, err := New(dev, openFloat32(t, dims), WithStagingBufferCount(3), WithTimingLog(&timing))
	require.NoError(t, err)
	defer ds.Close()
	require.NoError(t, ds.Wait())

	snap := ds.LoadingState().Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 12, snap.SubstepCount)
	assert.Equal(t, 12, snap.CurrentSubstep)
	assert.Equal(t, 1.0, snap.Progress())
	assert.True(t, ds.Loaded())
	assert.False(t, ds.Failed())

	images := ds.Images()
	require.Len(t, images, 12)
	for i, img := range images {
		assert.Equal(t, 1, dev.CopyCount(img), "slice %d", i)
		assert.Equal(t, device.LayoutTransferDst, img.Layout())
		texels := dev.ImageTexels(img)
		require.Len(t, texels, 12)
		assert.Equal(t, float32(i), texels[0], "slice %d landed in the wrong image", i)
	}
	assert.Equal(t, 12, dev.Stats().ImageCopies)
	assert.Equal(t, 12, dev.Stats().Submissions[device.QueueTransfer])

	img, ok := ds.Image(2, 1)
	require.True(t, ok)
	assert.Same(t, images[9], img)
	_, ok = ds.Image(3, 0)
	assert.False(t, ok)
	_, ok = ds.Image(0, 4)
	assert.False(t, ok)

	lines := strings.Split(strings.TrimSpace(timing.String()), "\n")
	require.Len(t, lines, 14)
	assert.Equal(t, strings.Join(timingColumns, ","), lines[0])
	params := strings.Split(lines[1], ",")
	require.Len(t, params, len(timingColumns))
	assert.Equal(t, []string{"", "", ""}, params[:3])
	assert.Equal(t, ds.DataSource().Path(), params[3])
	assert.Equal(t, []string{"3x2x2x4", "float32", "3"}, params[4:])
	for _, line := range lines[2:] {
		assert.Len(t, strings.Split(line, ","), 3)
	}
}

func TestLoadFloat16AndBC6H(t *testing.T) {
	f16Dims := common.Vec4u{4, 4, 4, 2}
	bc6hDims := common.Vec4u{8, 8, 2, 3}

	tests := []struct {
		name      string
		src       func(t *testing.T) datasource.DataSource
		images    int
		format    device.ImageFormat
		dimension device.ImageDimension
	}{
		{
			name: "float16",
			src: func(t *testing.T) datasource.DataSource {
				texels := int(f16Dims[0] * f16Dims[1] * f16Dims[2])
				return openRaw(t, f16Dims, datasource.FormatFloat16, 3*int(f16Dims[3]), func(slice int) []byte {
					out := make([]byte, 2*texels)
					bits := float16.Fromfloat32(float32(slice)).Bits()
					for k := range texels {
						binary.LittleEndian.PutUint16(out[2*k:], bits)
					}
					return out
				})
			},
			images:    6,
			format:    device.ImageFormatR16Float,
			dimension: device.ImageDimension3D,
		},
		{
			name: "bc6h",
			src: func(t *testing.T) datasource.DataSource {
				// 8x8 texels are 2x2 blocks of 16 bytes per depth layer
				size := 2 * 2 * 16 * int(bc6hDims[2])
				return openRaw(t, bc6hDims, datasource.FormatBC6H, int(bc6hDims[3]), func(slice int) []byte {
					return bytes.Repeat([]byte{byte(slice)}, size)
				})
			},
			images:    3,
			format:    device.ImageFormatBC6H,
			dimension: device.ImageDimension2DArray,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newSoftDevice(t)
			src := tt.src(t)
			ds, err := New(dev, src, WithStagingBufferCount(2))
			require.NoError(t, err)
			defer ds.Close()
			require.NoError(t, ds.Wait())

			snap := ds.LoadingState().Snapshot()
			assert.Equal(t, StateFinished, snap.State)
			assert.Equal(t, tt.images, snap.SubstepCount)

			images := ds.Images()
			require.Len(t, images, tt.images)
			dims := src.Dimensions()
			for i, img := range images {
				desc := img.Descriptor()
				assert.Equal(t, tt.format, desc.Format, "slice %d", i)
				assert.Equal(t, tt.dimension, desc.Dimension, "slice %d", i)
				assert.Equal(t, [3]uint32{dims[0], dims[1], dims[2]}, [3]uint32{desc.Width, desc.Height, desc.Depth})
				assert.Equal(t, uint64(src.TimeSliceSize()), desc.ByteSize(), "slice %d", i)
				assert.Equal(t, 1, dev.CopyCount(img), "slice %d", i)
			}
			assert.Equal(t, tt.images, dev.Stats().ImageCopies)

			if tt.format == device.ImageFormatR16Float {
				texels := dev.ImageTexels(images[5])
				require.Len(t, texels, 64)
				assert.Equal(t, float32(5), texels[0])
			}
		})
	}
}

func TestLoadRespectsStagingBound(t *testing.T) {
	for _, n := range []int{1, 2} {
		dev := newSoftDevice(t, device.WithSoftExecutionDelay(5*time.Millisecond))
		ds, err := New(dev, openFloat32(t, common.Vec4u{2, 2, 2, 3}), WithStagingBufferCount(n))
		require.NoError(t, err)
		require.NoError(t, ds.Wait())

		assert.Len(t, ds.Images(), 9)
		assert.Equal(t, n, dev.Stats().PeakInFlight[device.QueueTransfer], "pool of %d", n)
		require.NoError(t, ds.Close())
	}
}

func TestLoadFailureIsTerminal(t *testing.T) {
	dev := newSoftDevice(t, device.WithSoftImageLimit(2))
	ds, err := New(dev, openFloat32(t, common.Vec4u{2, 2, 2, 2}), WithStagingBufferCount(1))
	require.NoError(t, err)
	defer ds.Close()

	err = ds.Wait()
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.True(t, ds.Failed())
	assert.Len(t, ds.Images(), 2)

	snap := ds.LoadingState().Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, 2, snap.CurrentSubstep)
	assert.Less(t, snap.CurrentSubstep, snap.SubstepCount)
}

func TestFenceRetryLimit(t *testing.T) {
	dev := newSoftDevice(t, device.WithSoftExecutionDelay(50*time.Millisecond))
	ds, err := New(dev, openFloat32(t, common.Vec4u{2, 2, 2, 2}),
		WithStagingBufferCount(1),
		WithFenceTimeout(time.Millisecond),
		WithFenceRetryLimit(2),
	)
	require.NoError(t, err)
	defer ds.Close()

	err = ds.Wait()
	assert.ErrorIs(t, err, ErrFenceRetriesExhausted)
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestCloseCancelsLoad(t *testing.T) {
	dev := newSoftDevice(t, device.WithSoftExecutionDelay(20*time.Millisecond))
	ds, err := New(dev, openFloat32(t, common.Vec4u{2, 2, 2, 8}), WithStagingBufferCount(1))
	require.NoError(t, err)

	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())

	snap := ds.LoadingState().Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.ErrorIs(t, snap.Err, ErrCancelled)
	assert.Less(t, snap.CurrentSubstep, 24)
	assert.Empty(t, ds.Images())
}

func TestTransitionRunsOnceAfterLoading(t *testing.T) {
	dev := newSoftDevice(t, device.WithSoftExecutionDelay(10*time.Millisecond))
	ds, err := New(dev, openFloat32(t, common.Vec4u{2, 2, 2, 4}))
	require.NoError(t, err)
	defer ds.Close()

	cb, err := dev.CreateCommandBuffer(device.QueueGraphics)
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	assert.False(t, ds.TransitionIfNecessary(cb), "still loading")
	require.NoError(t, cb.End())

	require.NoError(t, ds.Wait())

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	assert.True(t, ds.TransitionIfNecessary(cb))
	assert.False(t, ds.TransitionIfNecessary(cb))
	require.NoError(t, cb.End())
	require.NoError(t, dev.Queue(device.QueueGraphics).Submit(cb, fence))
	require.NoError(t, fence.Wait(5*time.Second))

	assert.True(t, ds.Transitioned())
	for _, img := range ds.Images() {
		assert.Equal(t, device.LayoutShaderReadOnly, img.Layout())
	}
}

func TestAnalyticSourceLoadsNothing(t *testing.T) {
	dev := newSoftDevice(t)
	ds, err := New(dev, datasource.NewAnalytic(common.Vec4u{16, 16, 16, 8}))
	require.NoError(t, err)
	require.NoError(t, ds.Wait())

	assert.True(t, ds.Loaded())
	assert.Empty(t, ds.Images())
	assert.NotNil(t, ds.Sampler())
	assert.Equal(t, 0, dev.Stats().Submissions[device.QueueTransfer])
	require.NoError(t, ds.Close())
}

func TestLoadingStateTransitions(t *testing.T) {
	s := newLoadingState(4)
	assert.Equal(t, StateStarting, s.Snapshot().State)

	s.beginSlices()
	s.advance(2)
	s.advance(1)
	snap := s.Snapshot()
	assert.Equal(t, StateLoadSlice, snap.State)
	assert.Equal(t, 2, snap.CurrentSubstep)
	assert.Equal(t, 0.5, snap.Progress())
	assert.False(t, snap.Terminal())

	s.advance(9)
	assert.Equal(t, 4, s.Snapshot().CurrentSubstep)

	s.finish()
	s.fail(ErrCancelled)
	snap = s.Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.NoError(t, snap.Err)
	assert.True(t, snap.Terminal())

	frozen := snap.LoadingTime
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, frozen, s.Snapshot().LoadingTime)

	failed := newLoadingState(1)
	failed.fail(ErrLoadFailed)
	failed.finish()
	assert.Equal(t, StateError, failed.Snapshot().State)
	assert.ErrorIs(t, failed.Snapshot().Err, ErrLoadFailed)
	assert.Equal(t, "load_slice", StateLoadSlice.String())
}
