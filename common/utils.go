package common

import (
	"unsafe"
)

// Coalesce returns the first non-zero value from the provided values, or the zero value if all are zero.
//
// Parameters:
//   - values: a variadic list of values to check for non-zero status
//
// Returns:
//   - T: the first non-zero value from the input, or the zero value if all are zero
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// CeilDiv returns ceil(a / b) for unsigned integers. b must be non-zero.
func CeilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// SliceToBytes converts any slice to a byte slice for GPU buffer uploads.
// The returned slice shares memory with the input.
//
// Parameters:
//   - data: source slice of any type
//
// Returns:
//   - []byte: byte slice view of the input data, or nil if input is empty
func SliceToBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), int(size)*len(data))
}

// BytesToSlice reinterprets a byte slice as a slice of T. Trailing bytes that do not fill a whole
// element are ignored. The returned slice shares memory with the input, which must be suitably aligned
// for T (buffers handed out by the device packages are).
//
// Parameters:
//   - data: source bytes
//
// Returns:
//   - []T: typed view of data, or nil if data holds less than one element
func BytesToSlice[T any](data []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	n := len(data) / size
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}
