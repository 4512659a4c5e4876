package camera

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestCameraOrbitsAtRadius(t *testing.T) {
	c := NewCamera(WithTarget(common.Vec3{1, 0, 0}), WithRadius(3))
	for range 10 {
		c.Orbit(37, -11)
		assert.InDelta(t, 3, c.Position().Sub(c.Target()).Length(), 1e-4)
	}
}

func TestCameraClampsZoomAndElevation(t *testing.T) {
	c := NewCamera(WithRadiusLimits(1, 4))

	for range 100 {
		c.Zoom(5)
	}
	assert.Equal(t, float32(1), c.Radius())
	for range 100 {
		c.Zoom(-5)
	}
	assert.Equal(t, float32(4), c.Radius())

	c.Orbit(0, 1e6)
	assert.Less(t, c.Elevation(), math32.Pi/2)
	c.Orbit(0, -1e6)
	assert.Greater(t, c.Elevation(), -math32.Pi/2)
}

func TestCameraProjectsTargetToCenter(t *testing.T) {
	c := NewCamera(WithAspect(2))
	vp := c.ViewProjectionMatrix()

	// the origin lands on the view axis
	x, y, w := vp[12], vp[13], vp[15]
	assert.InDelta(t, 0, x/w, 1e-5)
	assert.InDelta(t, 0, y/w, 1e-5)

	c.SetAspect(0)
	assert.Equal(t, float32(2), c.Aspect())
	assert.InDelta(t, 0.5, c.ProjectionMatrix()[0]/c.ProjectionMatrix()[5], 1e-6)
}
