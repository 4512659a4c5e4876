package datasource

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRawFile writes a raw dataset whose payload is extra bytes longer (or shorter, if negative)
// than the predicted size. Every slice (c, t) is filled with the marker byte c*16+t.
func writeRawFile(t *testing.T, dims common.Vec4u, format Format, extra int) string {
	t.Helper()

	size := RawFileSize(dims, format)
	require.Positive(t, size)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, dims))

	payload := make([]byte, size-RawHeaderSize)
	channels := 3
	if format == FormatBC6H {
		channels = 1
	}
	sliceSize := len(payload) / channels / int(dims[3])
	for c := range channels {
		for tt := range int(dims[3]) {
			start := (c*int(dims[3]) + tt) * sliceSize
			for i := start; i < start+sliceSize; i++ {
				payload[i] = byte(c*16 + tt)
			}
		}
	}
	buf.Write(payload)

	data := buf.Bytes()
	switch {
	case extra > 0:
		data = append(data, make([]byte, extra)...)
	case extra < 0:
		data = data[:len(data)+extra]
	}

	path := filepath.Join(t.TempDir(), "dataset.raw")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestOpenRawDetectsFormats(t *testing.T) {
	tests := []struct {
		name       string
		dims       common.Vec4u
		format     Format
		channels   int
		zSliceSize int64
	}{
		{name: "float16", dims: common.Vec4u{5, 3, 2, 4}, format: FormatFloat16, channels: 3, zSliceSize: 5 * 3 * 2},
		{name: "float32", dims: common.Vec4u{2, 2, 2, 3}, format: FormatFloat32, channels: 3, zSliceSize: 2 * 2 * 4},
		{name: "bc6h", dims: common.Vec4u{8, 5, 3, 2}, format: FormatBC6H, channels: 1, zSliceSize: 2 * 2 * 16},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src, err := OpenRaw(writeRawFile(t, tc.dims, tc.format, 0))
			require.NoError(t, err)
			defer src.Close()

			assert.Equal(t, tc.format, src.Format())
			assert.Equal(t, tc.dims, src.Dimensions())
			assert.Equal(t, tc.channels, src.ChannelCount())
			assert.Equal(t, tc.zSliceSize, src.ZSliceSize())
			assert.Equal(t, tc.zSliceSize*int64(tc.dims[2]), src.TimeSliceSize())
			assert.Equal(t, src.TimeSliceSize()*int64(tc.dims[3]), src.ChannelSize())
			assert.Equal(t, src.ChannelSize()*int64(tc.channels), src.DataSize())
			assert.Equal(t, int64(RawHeaderSize), src.DataOffset())
			_, ok := src.Resolution()
			assert.False(t, ok)
		})
	}
}

func TestOpenRawRejectsOffByOne(t *testing.T) {
	for _, format := range []Format{FormatFloat16, FormatFloat32, FormatBC6H} {
		for _, extra := range []int{-1, 1} {
			_, err := OpenRaw(writeRawFile(t, common.Vec4u{4, 4, 4, 2}, format, extra))
			assert.ErrorIs(t, err, ErrUnknownLayout, "format %s extra %d", format, extra)
		}
	}
}

func TestOpenRawFloat32Scenario(t *testing.T) {
	dims := common.Vec4u{2, 2, 2, 3}
	assert.Equal(t, int64(2*2*4*2*3*3+16), RawFileSize(dims, FormatFloat32))

	src, err := OpenRaw(writeRawFile(t, dims, FormatFloat32, 0))
	require.NoError(t, err)
	assert.Equal(t, FormatFloat32, src.Format())
	require.NoError(t, src.Close())

	_, err = OpenRaw(writeRawFile(t, dims, FormatFloat32, -1))
	assert.ErrorIs(t, err, ErrUnknownLayout)
}

func TestOpenRawRejectsShortAndZero(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.raw")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0644))
	_, err := OpenRaw(short)
	assert.ErrorIs(t, err, ErrUnknownLayout)

	zero := filepath.Join(dir, "zero.raw")
	require.NoError(t, os.WriteFile(zero, make([]byte, RawHeaderSize), 0644))
	_, err = OpenRaw(zero)
	assert.ErrorIs(t, err, ErrUnknownLayout)

	_, err = OpenRaw(filepath.Join(dir, "missing.raw"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadTimeSliceAddressing(t *testing.T) {
	dims := common.Vec4u{3, 2, 2, 4}
	src, err := Open(writeRawFile(t, dims, FormatFloat32, 0))
	require.NoError(t, err)
	defer src.Close()

	buf := make([]byte, src.TimeSliceSize()+7)
	for c := range src.ChannelCount() {
		for tt := range int(dims[3]) {
			offset, err := src.SliceOffset(c, tt)
			require.NoError(t, err)
			assert.Equal(t, src.DataOffset()+int64(c)*src.ChannelSize()+int64(tt)*src.TimeSliceSize(), offset)

			for i := range buf {
				buf[i] = 0xFF
			}
			require.NoError(t, src.ReadTimeSlice(c, tt, buf))
			want := bytes.Repeat([]byte{byte(c*16 + tt)}, int(src.TimeSliceSize()))
			assert.Equal(t, want, buf[:src.TimeSliceSize()])
			assert.Equal(t, byte(0xFF), buf[src.TimeSliceSize()], "read past time slice")
		}
	}
}

func TestReadTimeSliceErrors(t *testing.T) {
	src, err := OpenRaw(writeRawFile(t, common.Vec4u{2, 2, 2, 2}, FormatFloat16, 0))
	require.NoError(t, err)
	defer src.Close()

	buf := make([]byte, src.TimeSliceSize())
	assert.ErrorIs(t, src.ReadTimeSlice(3, 0, buf), ErrSliceOutOfRange)
	assert.ErrorIs(t, src.ReadTimeSlice(0, 2, buf), ErrSliceOutOfRange)
	assert.ErrorIs(t, src.ReadTimeSlice(-1, 0, buf), ErrSliceOutOfRange)
	assert.ErrorIs(t, src.ReadTimeSlice(0, 0, buf[:len(buf)-1]), ErrBufferTooSmall)
}

func TestAnalyticSource(t *testing.T) {
	src := NewAnalytic(common.Vec4u{16, 16, 16, 10})
	assert.Equal(t, FormatAnalytic, src.Format())
	assert.Equal(t, 0, src.ChannelCount())
	assert.Equal(t, "analytic", src.Path())
	assert.ErrorIs(t, src.ReadTimeSlice(0, 0, nil), ErrSliceOutOfRange)
	assert.NoError(t, src.Close())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "float16", FormatFloat16.String())
	assert.Equal(t, "bc6h", FormatBC6H.String())
	assert.Equal(t, 2, FormatFloat16.BytesPerTexel())
	assert.Equal(t, 4, FormatFloat32.BytesPerTexel())
	assert.Equal(t, 0, FormatBC6H.BytesPerTexel())
}
