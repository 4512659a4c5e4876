package dataset

import (
	"io"
	"time"
)

// DatasetBuilderOption is a functional option for configuring a Dataset via New.
type DatasetBuilderOption func(*dataset)

// WithStagingBufferCount sets the number of staging slots, the upper bound on slices in flight.
// Values below 1 are treated as 1.
//
// Parameters:
//   - n: number of staging buffers (default 2)
//
// Returns:
//   - DatasetBuilderOption: option function to apply
func WithStagingBufferCount(n int) DatasetBuilderOption {
	return func(d *dataset) {
		d.stagingCount = max(n, 1)
	}
}

// WithFenceTimeout sets how long a single fence poll blocks before it is retried.
//
// Parameters:
//   - timeout: the poll timeout (default 1ms)
//
// Returns:
//   - DatasetBuilderOption: option function to apply
func WithFenceTimeout(timeout time.Duration) DatasetBuilderOption {
	return func(d *dataset) {
		if timeout > 0 {
			d.fenceTimeout = timeout
		}
	}
}

// WithFenceRetryLimit caps the number of timed-out polls of one fence before the load fails with
// ErrFenceRetriesExhausted.
//
// Parameters:
//   - n: maximum polls per fence (default 600000)
//
// Returns:
//   - DatasetBuilderOption: option function to apply
func WithFenceRetryLimit(n int) DatasetBuilderOption {
	return func(d *dataset) {
		if n > 0 {
			d.fenceRetryLimit = n
		}
	}
}

// WithTimingLog writes the per-slice timing CSV to w.
//
// Parameters:
//   - w: destination for the timing rows
//
// Returns:
//   - DatasetBuilderOption: option function to apply
func WithTimingLog(w io.Writer) DatasetBuilderOption {
	return func(d *dataset) {
		d.timingWriter = w
	}
}

// WithLogDir appends the per-slice timing CSV to dir/dataset_load.csv.
// Ignored when WithTimingLog is also given.
//
// Parameters:
//   - dir: directory for the timing log
//
// Returns:
//   - DatasetBuilderOption: option function to apply
func WithLogDir(dir string) DatasetBuilderOption {
	return func(d *dataset) {
		d.logDir = dir
	}
}
