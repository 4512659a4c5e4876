package view

// ViewBuilderOption is a functional option for configuring a View via New.
type ViewBuilderOption func(*view)

// WithPosition sets the initial channel, depth slice and time step. Values are clamped.
//
// Parameters:
//   - channel: the channel index
//   - z: the depth slice
//   - step: the time step
//
// Returns:
//   - ViewBuilderOption: option function to apply
func WithPosition(channel, z, step int) ViewBuilderOption {
	return func(v *view) {
		v.channel, v.slice, v.step = channel, z, step
	}
}

// WithRange sets the displayed value range (default [-1, 1]).
//
// Parameters:
//   - lo: value shown as black
//   - hi: value shown as white
//
// Returns:
//   - ViewBuilderOption: option function to apply
func WithRange(lo, hi float32) ViewBuilderOption {
	return func(v *view) {
		if hi > lo {
			v.lo, v.hi = lo, hi
		}
	}
}

// WithVisible sets whether the view starts visible.
//
// Parameters:
//   - visible: true to draw
//
// Returns:
//   - ViewBuilderOption: option function to apply
func WithVisible(visible bool) ViewBuilderOption {
	return func(v *view) {
		v.visible = visible
	}
}
