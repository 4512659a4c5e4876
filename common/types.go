package common

import "fmt"

// Vec3 is a float32 3-component vector.
type Vec3 [3]float32

// Vec4 is a float32 4-component vector, matching WGSL vec4<f32> (16 bytes).
type Vec4 [4]float32

// Vec3u is an unsigned 3-component vector used for grid and work group sizes.
type Vec3u [3]uint32

// Vec4u is an unsigned 4-component vector, used for dataset dimensions (width, height, depth, time).
type Vec4u [4]uint32

// Product returns x*y*z.
func (v Vec3u) Product() uint32 {
	return v[0] * v[1] * v[2]
}

// String formats the vector as "XxYxZ", the form used in timing logs.
func (v Vec3u) String() string {
	return fmt.Sprintf("%dx%dx%d", v[0], v[1], v[2])
}

// XYZ returns the spatial part of the dimensions.
func (v Vec4u) XYZ() Vec3u {
	return Vec3u{v[0], v[1], v[2]}
}

// String formats the dimensions as "WxHxDxT".
func (v Vec4u) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", v[0], v[1], v[2], v[3])
}

// DrawIndirectArgs mirrors the GPU indirect draw record (VkDrawIndirectCommand / WebGPU drawIndirect):
// 16 bytes, one per seed, written by the integration kernels.
type DrawIndirectArgs struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// DrawIndirectArgsSize is the byte size of one DrawIndirectArgs record.
const DrawIndirectArgsSize = 16

// Vec4Size is the byte size of one line-buffer position record.
const Vec4Size = 16
