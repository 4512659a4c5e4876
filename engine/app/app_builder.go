package app

import (
	"github.com/Carmen-Shannon/oxy-flow/engine/camera"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/integrator"
)

// AppBuilderOption is a functional option for configuring an App via New.
type AppBuilderOption func(*app)

// WithCamera sets the camera used for the trajectory lines.
//
// Parameters:
//   - c: the camera
//
// Returns:
//   - AppBuilderOption: option function to apply
func WithCamera(c camera.Camera) AppBuilderOption {
	return func(a *app) {
		a.camera = c
	}
}

// WithDatasetOptions appends options applied to every dataset the app loads, after those derived
// from the configuration.
//
// Parameters:
//   - options: dataset options
//
// Returns:
//   - AppBuilderOption: option function to apply
func WithDatasetOptions(options ...dataset.DatasetBuilderOption) AppBuilderOption {
	return func(a *app) {
		a.datasetOptions = append(a.datasetOptions, options...)
	}
}

// WithIntegratorOptions appends options applied to the integrator, after those derived from the
// configuration.
//
// Parameters:
//   - options: integrator options
//
// Returns:
//   - AppBuilderOption: option function to apply
func WithIntegratorOptions(options ...integrator.IntegratorBuilderOption) AppBuilderOption {
	return func(a *app) {
		a.integratorOptions = append(a.integratorOptions, options...)
	}
}
