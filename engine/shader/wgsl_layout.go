package shader

import (
	"strconv"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"
)

// wgslTypeLayout is the size and alignment of a host-shareable WGSL type.
type wgslTypeLayout struct {
	size  uint64
	align uint64
}

// wgslPrimitiveLayouts covers the scalar, vector, matrix and atomic types used by the programs.
var wgslPrimitiveLayouts = map[string]wgslTypeLayout{
	"f32": {4, 4}, "i32": {4, 4}, "u32": {4, 4},
	"vec2f": {8, 8}, "vec2<f32>": {8, 8}, "vec2u": {8, 8}, "vec2<u32>": {8, 8}, "vec2i": {8, 8}, "vec2<i32>": {8, 8},
	"vec3f": {12, 16}, "vec3<f32>": {12, 16}, "vec3u": {12, 16}, "vec3<u32>": {12, 16}, "vec3i": {12, 16}, "vec3<i32>": {12, 16},
	"vec4f": {16, 16}, "vec4<f32>": {16, 16}, "vec4u": {16, 16}, "vec4<u32>": {16, 16}, "vec4i": {16, 16}, "vec4<i32>": {16, 16},
	"mat4x4f": {64, 16}, "mat4x4<f32>": {64, 16},
	"atomic<u32>": {4, 4}, "atomic<i32>": {4, 4},
}

type vertexFormatInfo struct {
	format wgpu.VertexFormat
	size   uint64
}

var wgslVertexFormats = map[string]vertexFormatInfo{
	"f32":       {wgpu.VertexFormatFloat32, 4},
	"vec2f":     {wgpu.VertexFormatFloat32x2, 8},
	"vec2<f32>": {wgpu.VertexFormatFloat32x2, 8},
	"vec3f":     {wgpu.VertexFormatFloat32x3, 12},
	"vec3<f32>": {wgpu.VertexFormatFloat32x3, 12},
	"vec4f":     {wgpu.VertexFormatFloat32x4, 16},
	"vec4<f32>": {wgpu.VertexFormatFloat32x4, 16},
	"u32":       {wgpu.VertexFormatUint32, 4},
}

var textureViewDimensions = map[string]wgpu.TextureViewDimension{
	"texture_2d":       wgpu.TextureViewDimension2D,
	"texture_2d_array": wgpu.TextureViewDimension2DArray,
	"texture_3d":       wgpu.TextureViewDimension3D,
}

func roundUp(alignment, value uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// resolveTypeLayout resolves primitives, known structs and arrays. Runtime-sized arrays resolve to
// one element stride so a binding holding a single element is accepted.
func resolveTypeLayout(typeName string, known map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	if l, ok := wgslPrimitiveLayouts[typeName]; ok {
		return l, true
	}
	if l, ok := known[typeName]; ok {
		return l, true
	}

	inner, ok := strings.CutPrefix(typeName, "array<")
	if !ok || !strings.HasSuffix(inner, ">") {
		return wgslTypeLayout{}, false
	}
	elemType, count, sized := strings.Cut(strings.TrimSuffix(inner, ">"), ",")
	elem, ok := resolveTypeLayout(strings.TrimSpace(elemType), known)
	if !ok {
		return wgslTypeLayout{}, false
	}
	stride := roundUp(elem.align, elem.size)
	if !sized {
		return wgslTypeLayout{stride, elem.align}, true
	}
	n, err := strconv.ParseUint(strings.TrimSpace(count), 10, 64)
	if err != nil {
		return wgslTypeLayout{}, false
	}
	return wgslTypeLayout{n * stride, elem.align}, true
}

// computeStructSizes resolves struct layouts, repeating until structs that embed other structs settle.
func computeStructSizes(structs []parsedStruct) map[string]wgslTypeLayout {
	resolved := make(map[string]wgslTypeLayout, len(structs))
	remaining := structs
	for len(remaining) > 0 {
		var next []parsedStruct
		for _, ps := range remaining {
			if l, ok := computeStructLayout(ps, resolved); ok {
				resolved[ps.name] = l
			} else {
				next = append(next, ps)
			}
		}
		if len(next) == len(remaining) {
			break
		}
		remaining = next
	}
	return resolved
}

func computeStructLayout(ps parsedStruct, known map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	var offset uint64
	maxAlign := uint64(1)
	for _, f := range ps.fields {
		if f.isBuiltin {
			continue
		}
		l, ok := resolveTypeLayout(f.typeName, known)
		if !ok {
			return wgslTypeLayout{}, false
		}
		offset = roundUp(l.align, offset) + l.size
		maxAlign = max(maxAlign, l.align)
	}
	return wgslTypeLayout{roundUp(maxAlign, offset), maxAlign}, true
}

// classifyResource builds the layout entry of one declaration from its address space and type.
func classifyResource(binding uint32, visibility wgpu.ShaderStage, addressSpace, typeName string) wgpu.BindGroupLayoutEntry {
	entry := wgpu.BindGroupLayoutEntry{Binding: binding, Visibility: visibility}

	switch {
	case addressSpace == "uniform":
		entry.Buffer.Type = wgpu.BufferBindingTypeUniform
	case strings.HasPrefix(addressSpace, "storage"):
		entry.Buffer.Type = wgpu.BufferBindingTypeReadOnlyStorage
		if strings.Contains(addressSpace, "read_write") {
			entry.Buffer.Type = wgpu.BufferBindingTypeStorage
		}
	case typeName == "sampler":
		entry.Sampler.Type = wgpu.SamplerBindingTypeFiltering
	case strings.HasPrefix(typeName, "texture_"):
		base, _, _ := strings.Cut(typeName, "<")
		entry.Texture.ViewDimension = textureViewDimensions[base]
		entry.Texture.SampleType = wgpu.TextureSampleTypeFloat
	}
	return entry
}

func buildVertexBufferLayout(ps parsedStruct) (wgpu.VertexBufferLayout, bool) {
	attrs := make([]wgpu.VertexAttribute, 0, len(ps.fields))
	var offset uint64
	for _, f := range ps.fields {
		info, ok := wgslVertexFormats[f.typeName]
		if !ok {
			return wgpu.VertexBufferLayout{}, false
		}
		attrs = append(attrs, wgpu.VertexAttribute{
			Format:         info.format,
			Offset:         offset,
			ShaderLocation: uint32(f.location),
		})
		offset += info.size
	}
	return wgpu.VertexBufferLayout{
		ArrayStride: offset,
		StepMode:    wgpu.VertexStepModeVertex,
		Attributes:  attrs,
	}, true
}
