package engine

import (
	"github.com/Carmen-Shannon/oxy-flow/engine/app"
	"github.com/Carmen-Shannon/oxy-flow/engine/window"
)

// EngineBuilderOption is a functional option for configuring an Engine via NewEngine.
type EngineBuilderOption func(*engine)

// WithProfiling enables or disables frame statistics logging.
//
// Parameters:
//   - enabled: if true, the render loop ticks the profiler
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfiling(enabled bool) EngineBuilderOption {
	return func(e *engine) {
		e.profiling.Store(enabled)
	}
}

// WithTickRate sets the tick rate. Values <= 0 keep the default of 60Hz.
//
// Parameters:
//   - hz: ticks per second
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithTickRate(hz float64) EngineBuilderOption {
	return func(e *engine) {
		if hz > 0 {
			e.tickPeriod.Store(int64(periodOf(hz)))
		}
	}
}

// WithWindow sets the window whose event loop Run drives.
//
// Parameters:
//   - w: a created Window instance
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithWindow(w window.Window) EngineBuilderOption {
	return func(e *engine) {
		e.window = w
	}
}

// WithApp sets the app whose Frame the render loop calls.
//
// Parameters:
//   - a: the app
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithApp(a app.App) EngineBuilderOption {
	return func(e *engine) {
		e.app = a
	}
}

// WithRenderFrameLimit caps the render loop.
//
// Parameters:
//   - fps: maximum frames per second (0 = uncapped)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithRenderFrameLimit(fps float64) EngineBuilderOption {
	return func(e *engine) {
		e.framePeriod.Store(int64(periodOf(fps)))
	}
}
