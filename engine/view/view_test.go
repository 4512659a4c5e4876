package view

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadDataset uploads a zero-filled float32 dataset.
func loadDataset(t *testing.T, dev device.Device, dims common.Vec4u) dataset.Dataset {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, dims))
	buf.Write(make([]byte, datasource.RawFileSize(dims, datasource.FormatFloat32)-datasource.RawHeaderSize))
	path := filepath.Join(t.TempDir(), "zero.raw")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	src, err := datasource.Open(path)
	require.NoError(t, err)
	ds, err := dataset.New(dev, src)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Wait())

	return ds
}

func TestViewClampsPosition(t *testing.T) {
	dev := device.NewSoftDevice()
	t.Cleanup(dev.Release)
	ds := loadDataset(t, dev, common.Vec4u{4, 4, 6, 3})

	v, err := New(dev, ds)
	require.NoError(t, err)
	defer v.Release()
	assert.Equal(t, 3, v.Slice(), "starts in the middle of the volume")

	v.SetSlice(100)
	assert.Equal(t, 5, v.Slice())
	v.SetSlice(-2)
	assert.Equal(t, 0, v.Slice())
	v.SetTime(7)
	assert.Equal(t, 2, v.Time())
	v.SetChannel(9)
	assert.Equal(t, 2, v.Channel())

	img, ok := ds.Image(2, 2)
	require.True(t, ok)
	assert.Same(t, img, v.Image())

	v.SetRange(1, 1)
	lo, hi := v.Range()
	assert.Equal(t, [2]float32{-1, 1}, [2]float32{lo, hi})
}

func TestViewRebindsOnTimeChange(t *testing.T) {
	dev := device.NewSoftDevice()
	t.Cleanup(dev.Release)
	ds := loadDataset(t, dev, common.Vec4u{2, 2, 2, 4})

	v, err := New(dev, ds, WithPosition(1, 0, 0))
	require.NoError(t, err)
	defer v.Release()

	first := v.Image()
	v.SetTime(3)
	want, _ := ds.Image(1, 3)
	assert.NotSame(t, first, v.Image())
	assert.Same(t, want, v.Image())
}

func TestViewRendersTransitionedSlice(t *testing.T) {
	dev := device.NewSoftDevice()
	t.Cleanup(dev.Release)
	ds := loadDataset(t, dev, common.Vec4u{2, 2, 4, 2})

	v, err := New(dev, ds, WithPosition(0, 3, 1), WithRange(-2, 2))
	require.NoError(t, err)
	defer v.Release()

	pass, err := dev.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, v.Render(pass))
	assert.Empty(t, dev.Draws(), "images are not readable yet")

	cb, err := dev.CreateCommandBuffer(device.QueueGraphics)
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	require.True(t, ds.TransitionIfNecessary(cb))
	require.NoError(t, cb.End())
	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, dev.Queue(device.QueueGraphics).Submit(cb, fence))
	require.NoError(t, fence.Wait(5*time.Second))

	require.NoError(t, v.Render(pass))
	v.SetVisible(false)
	require.NoError(t, v.Render(pass))
	require.NoError(t, dev.EndFrame())

	draws := dev.Draws()
	require.Len(t, draws, 1)
	assert.Equal(t, shader.VariantSliceView, draws[0].Variant)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(draws[0].Uniforms))
	assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(draws[0].Uniforms[4:])))
}
