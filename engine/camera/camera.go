package camera

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/chewxy/math32"
)

type cameraImpl struct {
	mu sync.Mutex

	target common.Vec3
	up     common.Vec3

	// spherical coordinates of the eye around target
	radius    float32
	azimuth   float32
	elevation float32

	minRadius, maxRadius       float32
	minElevation, maxElevation float32

	mouseSensitivity float32
	zoomSpeed        float32

	fov    float32
	aspect float32
	near   float32
	far    float32

	viewMatrix           [16]float32
	projectionMatrix     [16]float32
	viewProjectionMatrix [16]float32
}

// Camera is an orbit camera around the unit-sized scene the line renderer draws into.
// Matrices are recomputed on every change.
type Camera interface {
	// Position returns the eye position in world space.
	//
	// Returns:
	//   - common.Vec3: the eye position
	Position() common.Vec3

	// Target returns the orbit pivot.
	//
	// Returns:
	//   - common.Vec3: the look-at point
	Target() common.Vec3

	// Radius returns the distance from the eye to the target.
	//
	// Returns:
	//   - float32: the orbit radius
	Radius() float32

	// Azimuth returns the horizontal angle around the up axis in radians.
	//
	// Returns:
	//   - float32: the azimuth
	Azimuth() float32

	// Elevation returns the vertical angle above the horizontal plane in radians.
	//
	// Returns:
	//   - float32: the elevation
	Elevation() float32

	// Aspect returns the aspect ratio (width / height).
	//
	// Returns:
	//   - float32: the aspect ratio
	Aspect() float32

	// ViewMatrix returns the current view matrix (column-major).
	//
	// Returns:
	//   - [16]float32: the view matrix
	ViewMatrix() [16]float32

	// ProjectionMatrix returns the current projection matrix (column-major).
	//
	// Returns:
	//   - [16]float32: the projection matrix
	ProjectionMatrix() [16]float32

	// ViewProjectionMatrix returns projection * view (column-major).
	//
	// Returns:
	//   - [16]float32: the combined matrix
	ViewProjectionMatrix() [16]float32

	// Orbit rotates the eye around the target by a mouse drag delta. Elevation is clamped.
	//
	// Parameters:
	//   - dx: horizontal drag in pixels
	//   - dy: vertical drag in pixels
	Orbit(dx, dy float32)

	// Zoom moves the eye toward the target for positive delta. Radius is clamped.
	//
	// Parameters:
	//   - delta: scroll amount
	Zoom(delta float32)

	// SetAspect sets the aspect ratio. Non-positive values are ignored.
	//
	// Parameters:
	//   - aspect: width / height
	SetAspect(aspect float32)

	// SetTarget moves the orbit pivot.
	//
	// Parameters:
	//   - target: the new look-at point
	SetTarget(target common.Vec3)
}

var _ Camera = &cameraImpl{}

// NewCamera creates an orbit camera looking at the origin from a radius of 2.
//
// Parameters:
//   - options: functional options to configure the camera
//
// Returns:
//   - Camera: the camera
func NewCamera(options ...CameraBuilderOption) Camera {
	c := &cameraImpl{
		up:               common.Vec3{0, 1, 0},
		radius:           2,
		azimuth:          math32.Pi / 4,
		elevation:        math32.Pi / 6,
		minRadius:        0.2,
		maxRadius:        20,
		minElevation:     -math32.Pi/2 + 0.05,
		maxElevation:     math32.Pi/2 - 0.05,
		mouseSensitivity: 0.005,
		zoomSpeed:        0.1,
		fov:              45 * math32.Pi / 180,
		aspect:           16.0 / 9.0,
		near:             0.01,
		far:              100,
	}
	for _, option := range options {
		option(c)
	}
	c.radius = clamp(c.radius, c.minRadius, c.maxRadius)
	c.elevation = clamp(c.elevation, c.minElevation, c.maxElevation)
	c.updateMatrices()
	return c
}

func (c *cameraImpl) Position() common.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position()
}

func (c *cameraImpl) Target() common.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *cameraImpl) Radius() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.radius
}

func (c *cameraImpl) Azimuth() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.azimuth
}

func (c *cameraImpl) Elevation() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elevation
}

func (c *cameraImpl) Aspect() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aspect
}

func (c *cameraImpl) ViewMatrix() [16]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewMatrix
}

func (c *cameraImpl) ProjectionMatrix() [16]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectionMatrix
}

func (c *cameraImpl) ViewProjectionMatrix() [16]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewProjectionMatrix
}

func (c *cameraImpl) Orbit(dx, dy float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.azimuth -= dx * c.mouseSensitivity
	c.elevation = clamp(c.elevation+dy*c.mouseSensitivity, c.minElevation, c.maxElevation)
	c.updateMatrices()
}

func (c *cameraImpl) Zoom(delta float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.radius = clamp(c.radius*(1-delta*c.zoomSpeed), c.minRadius, c.maxRadius)
	c.updateMatrices()
}

func (c *cameraImpl) SetAspect(aspect float32) {
	if aspect <= 0 || math32.IsNaN(aspect) || math32.IsInf(aspect, 0) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aspect = aspect
	c.updateMatrices()
}

func (c *cameraImpl) SetTarget(target common.Vec3) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.updateMatrices()
}

// position converts the spherical coordinates to a world position. Caller must hold the mutex.
func (c *cameraImpl) position() common.Vec3 {
	cosE := math32.Cos(c.elevation)
	offset := common.Vec3{cosE * math32.Sin(c.azimuth), math32.Sin(c.elevation), cosE * math32.Cos(c.azimuth)}
	return c.target.Add(offset.Scale(c.radius))
}

// updateMatrices recomputes view, projection and their product. Caller must hold the mutex.
func (c *cameraImpl) updateMatrices() {
	common.LookAt(c.viewMatrix[:], c.position(), c.target, c.up)
	common.Perspective(c.projectionMatrix[:], c.fov, c.aspect, c.near, c.far)
	common.Mul4(c.viewProjectionMatrix[:], c.projectionMatrix[:], c.viewMatrix[:])
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}
