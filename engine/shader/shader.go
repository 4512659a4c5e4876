package shader

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gogpu/naga"
)

var (
	// ErrInvalidSpecialization is returned when a variant is built with constants it cannot use.
	ErrInvalidSpecialization = errors.New("invalid shader specialization")

	// ErrCompile is returned when the generated WGSL fails to compile.
	ErrCompile = errors.New("shader compilation failed")
)

// ShaderType identifies whether a shader is a compute shader or a vertex/fragment pair.
type ShaderType int

const (
	// ShaderTypeCompute indicates a shader containing a single @compute entry point.
	ShaderTypeCompute ShaderType = iota

	// ShaderTypeRender indicates a module holding both a @vertex and a @fragment entry point.
	ShaderTypeRender
)

// Stage selects an entry point of a shader module.
type Stage int

const (
	StageCompute Stage = iota
	StageVertex
	StageFragment
)

// Variant names one of the embedded shader programs.
type Variant string

const (
	VariantSeed              Variant = "seed"
	VariantIntegrateRaw      Variant = "integrate_raw"
	VariantIntegratePacked   Variant = "integrate_packed"
	VariantIntegrateAnalytic Variant = "integrate_analytic"
	VariantLines             Variant = "lines"
	VariantSliceView         Variant = "slice_view"
)

// Bind group and binding slots shared by the seed and integrate programs.
const (
	GroupConstants = 0
	GroupResources = 1

	BindingConstants   = 0
	BindingLineBuffer  = 0
	BindingMaxVelocity = 1
	BindingIndirect    = 2
	BindingSampler     = 3

	// FirstImageBinding is the binding of dataset image 0. Image i (channel*timeSteps + time) is
	// bound at FirstImageBinding + i.
	FirstImageBinding = 4
)

// Specialization holds the compile-time constants substituted into a variant's source.
type Specialization struct {
	// WorkGroupSize is the compute workgroup size.
	WorkGroupSize common.Vec3u

	// TimeSteps is the number of time slices bound per channel.
	TimeSteps uint32

	// Channels is the number of bound image channels: 3 for raw, 1 for packed, 0 for analytic.
	Channels uint32

	// ExplicitInterpolation replaces hardware filtering with textureLoad-based interpolation.
	ExplicitInterpolation bool

	// ArrayImages selects 2D array images (block-compressed data) for the slice viewer.
	ArrayImages bool
}

// ImageCount returns the number of dataset images the variant binds.
func (s Specialization) ImageCount() uint32 {
	return s.Channels * s.TimeSteps
}

type shader struct {
	key                        string
	variant                    Variant
	source                     string
	shaderType                 ShaderType
	spec                       Specialization
	bindGroupLayoutDescriptors map[int]wgpu.BindGroupLayoutDescriptor
	bindingVarNames            map[int]map[int]string
	vertexLayouts              []wgpu.VertexBufferLayout
	workGroupSize              common.Vec3u
	entryPoints                map[Stage]string
	module                     *wgpu.ShaderModuleDescriptor
	spirv                      []byte
}

// Shader is a generated, parsed and validated WGSL program. It exposes the metadata a backend
// needs to build a pipeline: entry points, bind group layouts, vertex layouts, workgroup size and
// the specialization it was generated with.
type Shader interface {
	// Key retrieves the unique identifier for this shader, derived from its variant and specialization.
	//
	// Returns:
	//   - string: the shader's unique key
	Key() string

	// Variant retrieves the embedded program this shader was generated from.
	//
	// Returns:
	//   - Variant: the program variant
	Variant() Variant

	// Source retrieves the fully pre-processed WGSL source.
	//
	// Returns:
	//   - string: the WGSL source code of the shader
	Source() string

	// ShaderType returns whether this is a compute or render shader.
	//
	// Returns:
	//   - ShaderType: ShaderTypeCompute or ShaderTypeRender
	ShaderType() ShaderType

	// Specialization returns the constants the source was generated with.
	//
	// Returns:
	//   - Specialization: the specialization constants
	Specialization() Specialization

	// EntryPoint returns the function name of the given stage.
	//
	// Parameters:
	//   - stage: the pipeline stage
	//
	// Returns:
	//   - string: the entry point name, or empty if the shader has no such stage
	EntryPoint(stage Stage) string

	// WorkgroupSize returns the workgroup size parsed from the source. Render shaders return zero.
	//
	// Returns:
	//   - common.Vec3u: the workgroup size as [x, y, z]
	WorkgroupSize() common.Vec3u

	// BindGroupLayoutDescriptors retrieves all parsed bind group layout descriptors keyed by group index.
	//
	// Returns:
	//   - map[int]wgpu.BindGroupLayoutDescriptor: descriptors keyed by group index
	BindGroupLayoutDescriptors() map[int]wgpu.BindGroupLayoutDescriptor

	// BindGroupVarName retrieves the variable name declared at a group and binding.
	//
	// Parameters:
	//   - group: the bind group index
	//   - binding: the binding index within the group
	//
	// Returns:
	//   - string: the variable name, or an empty string if not declared
	BindGroupVarName(group, binding int) string

	// BindGroupFromVarName retrieves the binding index of a named variable in a group.
	//
	// Parameters:
	//   - group: the bind group index
	//   - varName: the variable name within the group
	//
	// Returns:
	//   - int: the binding index, or -1 if not found
	//   - bool: true if the variable was found
	BindGroupFromVarName(group int, varName string) (int, bool)

	// VertexLayouts retrieves the vertex buffer layouts of a render shader, in declaration order.
	//
	// Returns:
	//   - []wgpu.VertexBufferLayout: the vertex buffer layouts, nil for compute shaders
	VertexLayouts() []wgpu.VertexBufferLayout

	// Module returns the shader module descriptor holding the WGSL code.
	//
	// Returns:
	//   - *wgpu.ShaderModuleDescriptor: the module descriptor
	Module() *wgpu.ShaderModuleDescriptor

	// SPIRV returns the SPIR-V produced when the source was validated.
	//
	// Returns:
	//   - []byte: the SPIR-V binary
	SPIRV() []byte
}

var _ Shader = &shader{}

// NewComputeShader generates, parses and validates one of the compute variants.
//
// Parameters:
//   - variant: VariantSeed or one of the integrate variants
//   - spec: the specialization constants
//
// Returns:
//   - Shader: the compiled shader
//   - error: ErrInvalidSpecialization, a pre-processing error, or ErrCompile
func NewComputeShader(variant Variant, spec Specialization) (Shader, error) {
	switch variant {
	case VariantSeed, VariantIntegrateAnalytic:
	case VariantIntegrateRaw, VariantIntegratePacked:
		if spec.ImageCount() == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one image", ErrInvalidSpecialization, variant)
		}
	default:
		return nil, fmt.Errorf("%w: %q is not a compute variant", ErrInvalidSpecialization, variant)
	}
	if spec.WorkGroupSize.Product() == 0 {
		return nil, fmt.Errorf("%w: work group size %s", ErrInvalidSpecialization, spec.WorkGroupSize)
	}
	return newShader(variant, ShaderTypeCompute, spec)
}

// NewRenderShader generates, parses and validates one of the render variants.
//
// Parameters:
//   - variant: VariantLines or VariantSliceView
//   - spec: the specialization constants
//
// Returns:
//   - Shader: the compiled shader
//   - error: ErrInvalidSpecialization, a pre-processing error, or ErrCompile
func NewRenderShader(variant Variant, spec Specialization) (Shader, error) {
	if variant != VariantLines && variant != VariantSliceView {
		return nil, fmt.Errorf("%w: %q is not a render variant", ErrInvalidSpecialization, variant)
	}
	return newShader(variant, ShaderTypeRender, spec)
}

func newShader(variant Variant, shaderType ShaderType, spec Specialization) (*shader, error) {
	key := specializationKey(variant, spec)

	source, err := NewPreProcessor().Process(string(variant), spec)
	if err != nil {
		return nil, fmt.Errorf("failed to pre-process %s: %w", key, err)
	}

	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, key, err)
	}

	s := &shader{
		key:         key,
		variant:     variant,
		source:      source,
		shaderType:  shaderType,
		spec:        spec,
		entryPoints: make(map[Stage]string),
		spirv:       spirv,
		module: &wgpu.ShaderModuleDescriptor{
			Label:          key,
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
		},
	}

	var visibility wgpu.ShaderStage
	switch shaderType {
	case ShaderTypeCompute:
		visibility = wgpu.ShaderStageCompute
		s.entryPoints[StageCompute] = parseEntryPoint(source, StageCompute)
		s.workGroupSize = parseWorkgroupSize(source)
	case ShaderTypeRender:
		visibility = wgpu.ShaderStageVertex | wgpu.ShaderStageFragment
		s.entryPoints[StageVertex] = parseEntryPoint(source, StageVertex)
		s.entryPoints[StageFragment] = parseEntryPoint(source, StageFragment)
		s.vertexLayouts = parseVertexLayouts(source)
	}
	s.bindGroupLayoutDescriptors, s.bindingVarNames = parseBindGroupLayouts(source, visibility)

	return s, nil
}

func specializationKey(variant Variant, spec Specialization) string {
	return fmt.Sprintf("%s[wg=%s,t=%d,c=%d,explicit=%t,array=%t]",
		variant, spec.WorkGroupSize, spec.TimeSteps, spec.Channels, spec.ExplicitInterpolation, spec.ArrayImages)
}

func (s *shader) Key() string {
	return s.key
}

func (s *shader) Variant() Variant {
	return s.variant
}

func (s *shader) Source() string {
	return s.source
}

func (s *shader) ShaderType() ShaderType {
	return s.shaderType
}

func (s *shader) Specialization() Specialization {
	return s.spec
}

func (s *shader) EntryPoint(stage Stage) string {
	return s.entryPoints[stage]
}

func (s *shader) WorkgroupSize() common.Vec3u {
	return s.workGroupSize
}

func (s *shader) BindGroupLayoutDescriptors() map[int]wgpu.BindGroupLayoutDescriptor {
	return s.bindGroupLayoutDescriptors
}

func (s *shader) BindGroupVarName(group, binding int) string {
	return s.bindingVarNames[group][binding]
}

func (s *shader) BindGroupFromVarName(group int, varName string) (int, bool) {
	for binding, name := range s.bindingVarNames[group] {
		if name == varName {
			return binding, true
		}
	}
	return -1, false
}

func (s *shader) VertexLayouts() []wgpu.VertexBufferLayout {
	return s.vertexLayouts
}

func (s *shader) Module() *wgpu.ShaderModuleDescriptor {
	return s.module
}

func (s *shader) SPIRV() []byte {
	return s.spirv
}
