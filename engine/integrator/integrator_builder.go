package integrator

import (
	"io"
	"time"
)

// IntegratorBuilderOption is a functional option for configuring an Integrator via New.
type IntegratorBuilderOption func(*integrator)

// WithParameters sets the parameters of the first run. Invalid parameters are kept and reported
// by the run that uses them.
//
// Parameters:
//   - p: the integration parameters
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithParameters(p Parameters) IntegratorBuilderOption {
	return func(i *integrator) {
		i.params = p
	}
}

// WithRenderState sets the initial line appearance.
//
// Parameters:
//   - rs: the render state
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithRenderState(rs RenderState) IntegratorBuilderOption {
	return func(i *integrator) {
		rs.Scaling = 1
		i.renderState = rs
	}
}

// WithFenceTimeout sets how long one compute fence poll blocks. CPU time is refreshed at this rate.
//
// Parameters:
//   - timeout: the poll timeout (default 10ms)
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithFenceTimeout(timeout time.Duration) IntegratorBuilderOption {
	return func(i *integrator) {
		if timeout > 0 {
			i.fenceTimeout = timeout
		}
	}
}

// WithFenceRetryLimit caps the timed-out polls of one batch fence before the run fails.
//
// Parameters:
//   - n: maximum polls per batch (default 60000)
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithFenceRetryLimit(n int) IntegratorBuilderOption {
	return func(i *integrator) {
		if n > 0 {
			i.fenceRetryLimit = n
		}
	}
}

// WithTimingLog writes the per-run timing CSV to w.
//
// Parameters:
//   - w: destination for the timing rows
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithTimingLog(w io.Writer) IntegratorBuilderOption {
	return func(i *integrator) {
		i.timingWriter = w
	}
}

// WithLogDir appends the per-run timing CSV to dir/integration.csv. An empty dir disables the file.
//
// Parameters:
//   - dir: directory for the timing log
//
// Returns:
//   - IntegratorBuilderOption: option function to apply
func WithLogDir(dir string) IntegratorBuilderOption {
	return func(i *integrator) {
		i.logDir = dir
	}
}
