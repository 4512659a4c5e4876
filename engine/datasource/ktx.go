package datasource

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

var ktxIdentifier = [12]byte{0xAB, 'K', 'T', 'X', ' ', '1', '1', 0xBB, '\r', '\n', 0x1A, '\n'}

const ktxEndianness = 0x04030201

const (
	ktxKeyDimensions = "Dimensions"
	ktxKeyResolution = "Resolution"
)

// ktxHeader is the fixed KTX 1.1 header following the identifier.
type ktxHeader struct {
	Endianness            uint32
	GLType                uint32
	GLTypeSize            uint32
	GLFormat              uint32
	GLInternalFormat      uint32
	GLBaseInternalFormat  uint32
	PixelWidth            uint32
	PixelHeight           uint32
	PixelDepth            uint32
	NumberOfArrayElements uint32
	NumberOfFaces         uint32
	NumberOfMipmapLevels  uint32
	BytesOfKeyValueData   uint32
}

// OpenKTX opens a KTX 1.1 container holding one BC6H-compressed channel.
//
// Parameters:
//   - path: the container file
//
// Returns:
//   - DataSource: the opened source
//   - error: ErrMissingDimensions, ErrInvalidContainer or an I/O error
func OpenKTX(path string) (DataSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}

	ds, err := readKTXHeader(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.Logger().Info("ktx dataset opened", "path", path, "dimensions", ds.dimensions)
	return ds, nil
}

func readKTXHeader(path string, f *os.File) (*dataSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	var ident [12]byte
	if _, err := io.ReadFull(f, ident[:]); err != nil || ident != ktxIdentifier {
		return nil, fmt.Errorf("%w: %q has no ktx identifier", ErrInvalidContainer, path)
	}

	var header ktxHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrInvalidContainer, err)
	}
	if header.Endianness != ktxEndianness {
		return nil, fmt.Errorf("%w: unsupported endianness 0x%08x", ErrInvalidContainer, header.Endianness)
	}

	kvData := make([]byte, header.BytesOfKeyValueData)
	if _, err := io.ReadFull(f, kvData); err != nil {
		return nil, fmt.Errorf("%w: truncated key/value data: %v", ErrInvalidContainer, err)
	}
	kv, err := parseKeyValueData(kvData)
	if err != nil {
		return nil, err
	}

	dimBytes, ok := kv[ktxKeyDimensions]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDimensions, path)
	}
	if len(dimBytes) < 16 {
		return nil, fmt.Errorf("%w: Dimensions value is %d bytes", ErrInvalidContainer, len(dimBytes))
	}
	var signed [4]int32
	for i := range signed {
		signed[i] = int32(binary.LittleEndian.Uint32(dimBytes[4*i:]))
	}
	var dims common.Vec4u
	for i, v := range signed {
		if v <= 0 {
			return nil, fmt.Errorf("%w: non-positive dimension %v", ErrInvalidContainer, signed)
		}
		dims[i] = uint32(v)
	}

	var imageSize uint32
	if err := binary.Read(f, binary.LittleEndian, &imageSize); err != nil {
		return nil, fmt.Errorf("%w: missing image size: %v", ErrInvalidContainer, err)
	}
	if imageSize%dims[3] != 0 {
		return nil, fmt.Errorf("%w: image size %d not divisible by %d time steps", ErrInvalidContainer, imageSize, dims[3])
	}
	timeSlice := int64(imageSize / dims[3])
	if timeSlice%int64(dims[2]) != 0 {
		return nil, fmt.Errorf("%w: time slice %d not divisible by depth %d", ErrInvalidContainer, timeSlice, dims[2])
	}

	dataOffset := int64(len(ktxIdentifier)) + int64(binary.Size(header)) + int64(header.BytesOfKeyValueData) + 4
	if info.Size() != dataOffset+int64(imageSize) {
		return nil, fmt.Errorf("%w: %q is %d bytes, expected %d", ErrInvalidContainer, path, info.Size(), dataOffset+int64(imageSize))
	}

	ds := &dataSource{
		path:          path,
		file:          f,
		format:        FormatBC6H,
		dimensions:    dims,
		channelCount:  1,
		dataOffset:    dataOffset,
		dataSize:      int64(imageSize),
		timeSliceSize: timeSlice,
		zSliceSize:    timeSlice / int64(dims[2]),
		channelSize:   int64(imageSize),
	}

	if resBytes, ok := kv[ktxKeyResolution]; ok && len(resBytes) >= 16 {
		var res Resolution
		for i := range res {
			res[i] = math.Float32frombits(binary.LittleEndian.Uint32(resBytes[4*i:]))
		}
		ds.resolution = &res
	}

	return ds, nil
}

// parseKeyValueData splits a KTX key/value block. Each entry is a u32 byte size, a null-terminated
// key, the value, and padding up to the next 4-byte boundary.
func parseKeyValueData(data []byte) (map[string][]byte, error) {
	kv := make(map[string][]byte)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: dangling key/value bytes", ErrInvalidContainer)
		}
		size := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint64(size) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: key/value entry of %d bytes overruns block", ErrInvalidContainer, size)
		}

		entry := data[:size]
		nul := bytes.IndexByte(entry, 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: key/value entry without key terminator", ErrInvalidContainer)
		}
		kv[string(entry[:nul])] = bytes.Clone(entry[nul+1:])

		padding := int(3 - ((size + 3) % 4))
		data = data[size:]
		data = data[min(padding, len(data)):]
	}
	return kv, nil
}
