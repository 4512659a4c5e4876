package datasource

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

// RawHeaderSize is the size of the raw header: four little-endian u32 dimensions.
const RawHeaderSize = 16

// rawLayout is one candidate encoding of a raw file.
type rawLayout struct {
	format   Format
	channels int
	zSlice   func(w, h int64) int64
}

// rawLayouts are tried in order; the first whose predicted size equals the file size wins.
var rawLayouts = []rawLayout{
	{format: FormatFloat16, channels: 3, zSlice: func(w, h int64) int64 { return w * h * 2 }},
	{format: FormatFloat32, channels: 3, zSlice: func(w, h int64) int64 { return w * h * 4 }},
	{format: FormatBC6H, channels: 1, zSlice: func(w, h int64) int64 { return ((w + 3) / 4) * ((h + 3) / 4) * 16 }},
}

// RawFileSize predicts the size of a raw file with the given dimensions and encoding.
//
// Parameters:
//   - dims: (width, height, depth, time steps)
//   - format: FormatFloat16, FormatFloat32 or FormatBC6H
//
// Returns:
//   - int64: header plus payload size, or -1 for an unsupported format
func RawFileSize(dims common.Vec4u, format Format) int64 {
	for _, l := range rawLayouts {
		if l.format == format {
			g := l.geometry(dims)
			return RawHeaderSize + g.channelSize*int64(l.channels)
		}
	}
	return -1
}

type rawGeometry struct {
	zSlice, timeSlice, channelSize int64
}

func (l rawLayout) geometry(dims common.Vec4u) rawGeometry {
	z := l.zSlice(int64(dims[0]), int64(dims[1]))
	t := z * int64(dims[2])
	return rawGeometry{zSlice: z, timeSlice: t, channelSize: t * int64(dims[3])}
}

// OpenRaw opens a raw dataset by matching its file size against the known encodings.
//
// Parameters:
//   - path: the raw dataset file
//
// Returns:
//   - DataSource: the opened source
//   - error: ErrUnknownLayout when no encoding predicts the file size, or an I/O error
func OpenRaw(path string) (DataSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}

	ds, err := matchRawLayout(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.Logger().Info("raw dataset opened", "path", path, "format", ds.format, "dimensions", ds.dimensions)
	return ds, nil
}

func matchRawLayout(path string, f *os.File) (*dataSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	var dims common.Vec4u
	if err := binary.Read(f, binary.LittleEndian, &dims); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %q is shorter than the %d-byte header", ErrUnknownLayout, path, RawHeaderSize)
		}
		return nil, fmt.Errorf("failed to read header of %q: %w", path, err)
	}
	if dims[0] == 0 || dims[1] == 0 || dims[2] == 0 || dims[3] == 0 {
		return nil, fmt.Errorf("%w: %q has zero dimension %s", ErrUnknownLayout, path, dims)
	}

	for _, l := range rawLayouts {
		g := l.geometry(dims)
		dataSize := g.channelSize * int64(l.channels)
		if info.Size() != RawHeaderSize+dataSize {
			continue
		}
		return &dataSource{
			path:          path,
			file:          f,
			format:        l.format,
			dimensions:    dims,
			channelCount:  l.channels,
			dataOffset:    RawHeaderSize,
			dataSize:      dataSize,
			timeSliceSize: g.timeSlice,
			zSliceSize:    g.zSlice,
			channelSize:   g.channelSize,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q is %d bytes, expected %d (float16), %d (float32) or %d (bc6h)",
		ErrUnknownLayout, path, info.Size(),
		RawFileSize(dims, FormatFloat16), RawFileSize(dims, FormatFloat32), RawFileSize(dims, FormatBC6H))
}
