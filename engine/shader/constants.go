package shader

import (
	"encoding/binary"
	"fmt"

	"github.com/Carmen-Shannon/oxy-flow/common"
)

// IntegrationConstantsSize is the byte size of IntegrationConstants on the GPU.
const IntegrationConstantsSize = 48

// IntegrationConstants are the per-dispatch constants of the seed and integrate programs.
type IntegrationConstants struct {
	DatasetDimensions common.Vec4u
	// SeedDimensions uses xyz; w is unused.
	SeedDimensions common.Vec4u
	DeltaTime      float32
	TotalStepCount uint32
	FirstStep      uint32
	StepCount      uint32
}

// Bytes encodes the constants in little-endian GPU layout.
func (c IntegrationConstants) Bytes() []byte {
	b, _ := binary.Append(make([]byte, 0, IntegrationConstantsSize), binary.LittleEndian, c)
	return b
}

// DecodeIntegrationConstants decodes constants written by Bytes.
//
// Parameters:
//   - b: at least IntegrationConstantsSize bytes
//
// Returns:
//   - IntegrationConstants: the decoded constants
//   - error: error if b is too short
func DecodeIntegrationConstants(b []byte) (IntegrationConstants, error) {
	var c IntegrationConstants
	if len(b) < IntegrationConstantsSize {
		return c, fmt.Errorf("integration constants need %d bytes, got %d", IntegrationConstantsSize, len(b))
	}
	_, err := binary.Decode(b, binary.LittleEndian, &c)
	return c, err
}

// Line flag bits of LineUniforms.Flags.
const (
	LineFlagColormap uint32 = 1 << iota
	LineFlagInvert
)

// LineUniforms is the uniform block of the line program (96 bytes).
type LineUniforms struct {
	ModelViewProjection [16]float32
	Color               common.Vec4
	VelocityMin         float32
	VelocityMax         float32
	Flags               uint32
	_                   uint32
}

// Bytes encodes the uniforms in little-endian GPU layout.
func (u LineUniforms) Bytes() []byte {
	b, _ := binary.Append(nil, binary.LittleEndian, u)
	return b
}

// SliceUniforms is the uniform block of the slice viewer (16 bytes).
type SliceUniforms struct {
	Layer    uint32
	ValueMin float32
	ValueMax float32
	_        uint32
}

// Bytes encodes the uniforms in little-endian GPU layout.
func (u SliceUniforms) Bytes() []byte {
	b, _ := binary.Append(nil, binary.LittleEndian, u)
	return b
}
