package camera

import "github.com/Carmen-Shannon/oxy-flow/common"

// CameraBuilderOption is a functional option for configuring a Camera via NewCamera.
type CameraBuilderOption func(*cameraImpl)

// WithTarget sets the orbit pivot.
//
// Parameters:
//   - target: the look-at point
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithTarget(target common.Vec3) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.target = target
	}
}

// WithRadius sets the initial distance from the target.
//
// Parameters:
//   - radius: the orbit radius
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithRadius(radius float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.radius = radius
	}
}

// WithRadiusLimits bounds the zoom range.
//
// Parameters:
//   - minRadius: closest allowed distance
//   - maxRadius: farthest allowed distance
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithRadiusLimits(minRadius, maxRadius float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		if minRadius > 0 && maxRadius >= minRadius {
			c.minRadius, c.maxRadius = minRadius, maxRadius
		}
	}
}

// WithAngles sets the initial azimuth and elevation in radians.
//
// Parameters:
//   - azimuth: horizontal angle around the up axis
//   - elevation: vertical angle above the horizontal plane
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithAngles(azimuth, elevation float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.azimuth, c.elevation = azimuth, elevation
	}
}

// WithFov sets the vertical field of view in radians.
//
// Parameters:
//   - fov: field of view in radians
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithFov(fov float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.fov = fov
	}
}

// WithAspect sets the aspect ratio (width / height).
//
// Parameters:
//   - aspect: the aspect ratio
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithAspect(aspect float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		if aspect > 0 {
			c.aspect = aspect
		}
	}
}

// WithClipPlanes sets the near and far clipping distances.
//
// Parameters:
//   - near: near plane distance
//   - far: far plane distance
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithClipPlanes(near, far float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.near, c.far = near, far
	}
}

// WithMouseSensitivity sets the radians turned per dragged pixel.
//
// Parameters:
//   - s: the sensitivity
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithMouseSensitivity(s float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.mouseSensitivity = s
	}
}

// WithZoomSpeed sets the fraction of the radius removed per scroll unit.
//
// Parameters:
//   - s: the zoom speed
//
// Returns:
//   - CameraBuilderOption: option function to apply
func WithZoomSpeed(s float32) CameraBuilderOption {
	return func(c *cameraImpl) {
		c.zoomSpeed = s
	}
}
