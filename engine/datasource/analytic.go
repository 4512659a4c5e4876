package datasource

import "github.com/Carmen-Shannon/oxy-flow/common"

// NewAnalytic returns a file-less source describing a synthetic field of the given dimensions.
// It has no channels, so a dataset built from it uploads nothing and the integrator evaluates
// the field in the shader.
//
// Parameters:
//   - dims: (width, height, depth, time steps) of the sampling domain
//
// Returns:
//   - DataSource: the analytic source
func NewAnalytic(dims common.Vec4u) DataSource {
	return &dataSource{
		path:       "analytic",
		format:     FormatAnalytic,
		dimensions: dims,
	}
}
