// Package datasource reads 4D flow-field datasets from disk.
//
// Two containers are supported: a raw format (a 16-byte header of four little-endian u32 dimensions
// followed by tightly packed slices) and a KTX 1.1 container carrying a single BC6H image whose
// dimensions are stored in the "Dimensions" key/value entry. The canonical payload layout of both is
// slice-major by time with the channel outermost: slice (c, t) lives at
// DataOffset + c*ChannelSize + t*TimeSliceSize.
package datasource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Carmen-Shannon/oxy-flow/common"
)

var (
	// ErrUnknownLayout is returned when a raw file's size matches none of the supported encodings.
	ErrUnknownLayout = errors.New("file size matches no known dataset layout")

	// ErrMissingDimensions is returned when a KTX container has no "Dimensions" key.
	ErrMissingDimensions = errors.New("dimensions missing in dataset")

	// ErrInvalidContainer is returned when a KTX container is truncated or inconsistent.
	ErrInvalidContainer = errors.New("invalid ktx container")

	// ErrSliceOutOfRange is returned when a channel or time index is outside the dataset.
	ErrSliceOutOfRange = errors.New("slice out of range")

	// ErrBufferTooSmall is returned when the caller's buffer cannot hold one time slice.
	ErrBufferTooSmall = errors.New("buffer too small for time slice")

	// ErrNoFile is returned when reading slices from a source that has no backing file.
	ErrNoFile = errors.New("data source has no backing file")
)

// Format is the texel encoding of a dataset.
type Format int

const (
	FormatFloat16 Format = iota
	FormatFloat32
	FormatBC6H
	FormatAnalytic
)

func (f Format) String() string {
	switch f {
	case FormatFloat16:
		return "float16"
	case FormatFloat32:
		return "float32"
	case FormatBC6H:
		return "bc6h"
	case FormatAnalytic:
		return "analytic"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// BytesPerTexel returns the size of one texel of one channel, or 0 for block-compressed and analytic data.
func (f Format) BytesPerTexel() int {
	switch f {
	case FormatFloat16:
		return 2
	case FormatFloat32:
		return 4
	default:
		return 0
	}
}

// Resolution holds the physical resolution of a dataset in cells per meter (x, y, z) and per second (w).
type Resolution common.Vec4

// DataSource is one opened dataset file with precomputed slice geometry.
// The geometry is immutable after opening. Reads share a single file cursor, so a DataSource
// must not be read from more than one goroutine at a time.
type DataSource interface {
	// Path returns the file the source was opened from. Analytic sources return "analytic".
	//
	// Returns:
	//   - string: the dataset path
	Path() string

	// Format returns the texel encoding detected when the source was opened.
	//
	// Returns:
	//   - Format: the dataset format
	Format() Format

	// Dimensions returns (width, height, depth, time steps).
	//
	// Returns:
	//   - common.Vec4u: the dataset dimensions
	Dimensions() common.Vec4u

	// ChannelCount returns the number of independently stored channels (3 for raw floats, 1 for BC6H).
	//
	// Returns:
	//   - int: the channel count
	ChannelCount() int

	// TimeSliceSize returns the byte size of one (channel, time) slice.
	//
	// Returns:
	//   - int64: bytes per time slice
	TimeSliceSize() int64

	// ZSliceSize returns the byte size of one depth layer of a time slice.
	//
	// Returns:
	//   - int64: bytes per depth layer
	ZSliceSize() int64

	// ChannelSize returns the byte size of all time slices of one channel.
	//
	// Returns:
	//   - int64: bytes per channel
	ChannelSize() int64

	// DataOffset returns the file offset of the first payload byte.
	//
	// Returns:
	//   - int64: the payload offset
	DataOffset() int64

	// DataSize returns the total payload size, ChannelSize * ChannelCount.
	//
	// Returns:
	//   - int64: the payload size in bytes
	DataSize() int64

	// Resolution returns the physical resolution if the container carries one.
	//
	// Returns:
	//   - Resolution: cells per meter and per second
	//   - bool: false if the dataset carries no resolution
	Resolution() (Resolution, bool)

	// SliceOffset returns the file offset of slice (channel, time).
	//
	// Parameters:
	//   - channel: the channel index
	//   - time: the time step index
	//
	// Returns:
	//   - int64: the absolute file offset
	//   - error: ErrSliceOutOfRange if either index is outside the dataset
	SliceOffset(channel, time int) (int64, error)

	// ReadTimeSlice reads exactly TimeSliceSize bytes of slice (channel, time) into buf.
	//
	// Parameters:
	//   - channel: the channel index
	//   - time: the time step index
	//   - buf: caller-owned destination of at least TimeSliceSize bytes
	//
	// Returns:
	//   - error: ErrSliceOutOfRange, ErrBufferTooSmall, or the underlying I/O error
	ReadTimeSlice(channel, time int, buf []byte) error

	// Close releases the file handle.
	//
	// Returns:
	//   - error: error from closing the file
	Close() error
}

type dataSource struct {
	path          string
	file          *os.File
	format        Format
	dimensions    common.Vec4u
	channelCount  int
	dataOffset    int64
	dataSize      int64
	timeSliceSize int64
	zSliceSize    int64
	channelSize   int64
	resolution    *Resolution
}

var _ DataSource = &dataSource{}

// Open opens a dataset, choosing the container by extension or by the KTX identifier.
//
// Parameters:
//   - path: the dataset file
//
// Returns:
//   - DataSource: the opened source
//   - error: error if the file cannot be opened or matches no supported layout
func Open(path string) (DataSource, error) {
	if strings.EqualFold(filepath.Ext(path), ".ktx") {
		return OpenKTX(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	magic := make([]byte, len(ktxIdentifier))
	_, err = io.ReadFull(f, magic)
	f.Close()
	if err == nil && bytes.Equal(magic, ktxIdentifier[:]) {
		return OpenKTX(path)
	}
	return OpenRaw(path)
}

func (d *dataSource) Path() string {
	return d.path
}

func (d *dataSource) Format() Format {
	return d.format
}

func (d *dataSource) Dimensions() common.Vec4u {
	return d.dimensions
}

func (d *dataSource) ChannelCount() int {
	return d.channelCount
}

func (d *dataSource) TimeSliceSize() int64 {
	return d.timeSliceSize
}

func (d *dataSource) ZSliceSize() int64 {
	return d.zSliceSize
}

func (d *dataSource) ChannelSize() int64 {
	return d.channelSize
}

func (d *dataSource) DataOffset() int64 {
	return d.dataOffset
}

func (d *dataSource) DataSize() int64 {
	return d.dataSize
}

func (d *dataSource) Resolution() (Resolution, bool) {
	if d.resolution == nil {
		return Resolution{}, false
	}
	return *d.resolution, true
}

func (d *dataSource) SliceOffset(channel, time int) (int64, error) {
	if channel < 0 || channel >= d.channelCount || time < 0 || time >= int(d.dimensions[3]) {
		return 0, fmt.Errorf("%w: channel %d time %d of %d channels x %d steps",
			ErrSliceOutOfRange, channel, time, d.channelCount, d.dimensions[3])
	}
	return d.dataOffset + int64(channel)*d.channelSize + int64(time)*d.timeSliceSize, nil
}

func (d *dataSource) ReadTimeSlice(channel, time int, buf []byte) error {
	offset, err := d.SliceOffset(channel, time)
	if err != nil {
		return err
	}
	if int64(len(buf)) < d.timeSliceSize {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(buf), d.timeSliceSize)
	}
	if d.file == nil {
		return ErrNoFile
	}
	if _, err := d.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek slice (%d, %d): %w", channel, time, err)
	}
	if _, err := io.ReadFull(d.file, buf[:d.timeSliceSize]); err != nil {
		return fmt.Errorf("failed to read slice (%d, %d): %w", channel, time, err)
	}
	return nil
}

func (d *dataSource) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
